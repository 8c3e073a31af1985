package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sstent/veloengine/internal/database"
	"github.com/sstent/veloengine/internal/engine"
	"github.com/sstent/veloengine/internal/sync"
)

// SyncTrigger starts a background sync cycle.
type SyncTrigger interface {
	Start() error
}

type WebHandler struct {
	api      *engine.API
	syncer   SyncTrigger
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	calls    map[string]gin.HandlerFunc
}

// NewWebHandler exposes api over HTTP. syncer may be nil, in which case
// POST /sync is not registered.
func NewWebHandler(api *engine.API, syncer SyncTrigger, gatherer prometheus.Gatherer, logger *slog.Logger) *WebHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &WebHandler{
		api:      api,
		syncer:   syncer,
		gatherer: gatherer,
		logger:   logger,
	}
	h.calls = map[string]gin.HandlerFunc{
		engine.CallAddActivities:           bind(h, api.AddActivities),
		engine.CallRemoveActivities:        bind(h, api.RemoveActivities),
		engine.CallClear:                   bind(h, api.Clear),
		engine.CallGetActivityIDs:          bind(h, api.GetActivityIDs),
		engine.CallGetActivityCount:        bind(h, api.GetActivityCount),
		engine.CallGetActivities:           bind(h, api.GetActivities),
		engine.CallSetActivityMetrics:      bind(h, api.SetActivityMetrics),
		engine.CallGetActivityMetrics:      bind(h, api.GetActivityMetrics),
		engine.CallGetActivityMetricsBatch: bind(h, api.GetActivityMetricsBatch),
		engine.CallGetActivityPolylines:    bind(h, api.GetActivityPolylines),
		engine.CallGetSports:               bind(h, api.GetSports),
		engine.CallStartDetection:          bind(h, api.StartDetection),
		engine.CallPollDetection:           bind(h, api.PollDetection),
		engine.CallGetDetectionProgress:    bind(h, api.GetDetectionProgress),
		engine.CallCancelDetection:         bind(h, api.CancelDetection),
		engine.CallGetSections:             bind(h, api.GetSections),
		engine.CallGetSectionSummaries:     bind(h, api.GetSectionSummaries),
		engine.CallGetSectionByID:          bind(h, api.GetSectionByID),
		engine.CallGetSectionsForActivity:  bind(h, api.GetSectionsForActivity),
		engine.CallGetSectionPerformances:  bind(h, api.GetSectionPerformances),
		engine.CallGetSectionPolyline:      bind(h, api.GetSectionPolyline),
		engine.CallCreateCustomSection:     bind(h, api.CreateCustomSection),
		engine.CallRemoveCustomSection:     bind(h, api.RemoveCustomSection),
		engine.CallRenameSection:           bind(h, api.RenameSection),
		engine.CallExtractSectionTraces:    bind(h, api.ExtractSectionTraces),
		engine.CallGetRouteGroups:          bind(h, api.GetRouteGroups),
		engine.CallSetSuperseded:           bind(h, api.SetSuperseded),
		engine.CallIsSuperseded:            bind(h, api.IsSuperseded),
		engine.CallGetAllSuperseded:        bind(h, api.GetAllSuperseded),
	}
	return h
}

func (h *WebHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/calls", h.ListCalls)
	router.POST("/call/:name", h.Call)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
	if h.syncer != nil {
		router.POST("/sync", h.Sync)
	}
}

func (h *WebHandler) Health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// ListCalls reports every call name with its client wrapper name.
func (h *WebHandler) ListCalls(c *gin.Context) {
	type call struct {
		Name       string `json:"name"`
		ClientName string `json:"clientName"`
		Expensive  bool   `json:"expensive"`
	}
	out := make([]call, 0, len(h.calls))
	for name := range h.calls {
		out = append(out, call{
			Name:       name,
			ClientName: engine.ClientName(name),
			Expensive:  engine.KnownExpensive(name),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	c.JSON(http.StatusOK, out)
}

// Call dispatches /call/:name, where name is the call name with or without
// the engine prefix.
func (h *WebHandler) Call(c *gin.Context) {
	name := engine.CallPrefix + strings.TrimPrefix(c.Param("name"), engine.CallPrefix)
	handler, ok := h.calls[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown call " + c.Param("name")})
		return
	}
	handler(c)
}

func (h *WebHandler) Sync(c *gin.Context) {
	err := h.syncer.Start()
	if errors.Is(err, sync.ErrSyncInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("failed to start sync", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// bind adapts one API call to gin. An empty body decodes to the zero
// request.
func bind[Req, Resp any](h *WebHandler, call func(context.Context, Req) (Resp, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req Req
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
				return
			}
		}
		resp, err := call(c.Request.Context(), req)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *WebHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, database.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("engine call failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
