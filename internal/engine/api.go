package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/sstent/veloengine/internal/codec"
	"github.com/sstent/veloengine/internal/models"
)

// API is the engine's call boundary. Every method is one named call,
// timed under its call name and speaking transfer types only.
type API struct {
	engine   *Engine
	metrics  *Metrics
	logger   *slog.Logger
	slowCall time.Duration
}

// NewAPI wraps e. Calls slower than slowCall are logged; 0 disables the log.
func NewAPI(e *Engine, slowCall time.Duration) *API {
	return &API{
		engine:   e,
		metrics:  e.metrics,
		logger:   e.logger.With("component", "engine_api"),
		slowCall: slowCall,
	}
}

func (a *API) AddActivities(ctx context.Context, req AddActivitiesRequest) (resp IngestResponse, err error) {
	defer a.instrument(ctx, CallAddActivities, time.Now(), &err)
	raw := make([]models.RawActivity, len(req.Activities))
	for i, d := range req.Activities {
		raw[i] = d.toRaw()
	}
	res, err := a.engine.AddActivities(ctx, raw)
	if err != nil {
		return resp, err
	}
	return IngestResponse{Stored: nonNil(res.Stored), Skipped: nonNil(res.Skipped)}, nil
}

func (a *API) RemoveActivities(ctx context.Context, req IDsRequest) (resp CountResponse, err error) {
	defer a.instrument(ctx, CallRemoveActivities, time.Now(), &err)
	n, err := a.engine.RemoveActivities(ctx, req.IDs)
	return CountResponse{Count: n}, err
}

func (a *API) Clear(ctx context.Context, _ Empty) (resp Empty, err error) {
	defer a.instrument(ctx, CallClear, time.Now(), &err)
	return resp, a.engine.Clear(ctx)
}

func (a *API) GetActivityIDs(ctx context.Context, _ Empty) (resp IDsResponse, err error) {
	defer a.instrument(ctx, CallGetActivityIDs, time.Now(), &err)
	ids, err := a.engine.ActivityIDs(ctx)
	return IDsResponse{IDs: nonNil(ids)}, err
}

func (a *API) GetActivityCount(ctx context.Context, _ Empty) (resp CountResponse, err error) {
	defer a.instrument(ctx, CallGetActivityCount, time.Now(), &err)
	n, err := a.engine.ActivityCount(ctx)
	return CountResponse{Count: n}, err
}

func (a *API) GetActivities(ctx context.Context, req ActivityQueryRequest) (resp ActivitiesResponse, err error) {
	defer a.instrument(ctx, CallGetActivities, time.Now(), &err)
	filter, err := req.filter()
	if err != nil {
		return resp, err
	}
	acts, err := a.engine.Activities(ctx, filter)
	if err != nil {
		return resp, err
	}
	resp.Activities = make([]ActivityDTO, len(acts))
	for i := range acts {
		resp.Activities[i] = toActivityDTO(&acts[i])
	}
	return resp, nil
}

func (a *API) SetActivityMetrics(ctx context.Context, req SetActivityMetricsRequest) (resp Empty, err error) {
	defer a.instrument(ctx, CallSetActivityMetrics, time.Now(), &err)
	batch := make([]models.ActivityMetrics, len(req.Metrics))
	for i, d := range req.Metrics {
		if batch[i], err = d.toModel(); err != nil {
			return resp, err
		}
	}
	return resp, a.engine.SetActivityMetrics(ctx, batch)
}

// GetActivityMetrics returns the metrics of one activity, or ErrNotFound
// from the store when none are recorded.
func (a *API) GetActivityMetrics(ctx context.Context, req ActivityIDRequest) (resp ActivityMetricsDTO, err error) {
	defer a.instrument(ctx, CallGetActivityMetrics, time.Now(), &err)
	byID, err := a.engine.ActivityMetrics(ctx, []string{req.ActivityID})
	if err != nil {
		return resp, err
	}
	m, ok := byID[req.ActivityID]
	if !ok {
		return resp, notFound("metrics for activity %s", req.ActivityID)
	}
	return toMetricsDTO(m), nil
}

// GetActivityMetricsBatch returns metrics in request order; ids without
// metrics are omitted.
func (a *API) GetActivityMetricsBatch(ctx context.Context, req IDsRequest) (resp MetricsResponse, err error) {
	defer a.instrument(ctx, CallGetActivityMetricsBatch, time.Now(), &err)
	byID, err := a.engine.ActivityMetrics(ctx, req.IDs)
	if err != nil {
		return resp, err
	}
	resp.Metrics = []ActivityMetricsDTO{}
	seen := make(map[string]bool, len(req.IDs))
	for _, id := range req.IDs {
		m, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		resp.Metrics = append(resp.Metrics, toMetricsDTO(m))
	}
	return resp, nil
}

func (a *API) GetActivityPolylines(ctx context.Context, req IDsRequest) (resp PolylinesResponse, err error) {
	defer a.instrument(ctx, CallGetActivityPolylines, time.Now(), &err)
	tracks, err := a.engine.ActivityTracks(ctx, req.IDs)
	if err != nil {
		return resp, err
	}
	resp.Polylines = make(map[string]string, len(tracks))
	for id, track := range tracks {
		resp.Polylines[id] = codec.EncodePolyline(track)
	}
	return resp, nil
}

func (a *API) GetSports(ctx context.Context, _ Empty) (resp SportsResponse, err error) {
	defer a.instrument(ctx, CallGetSports, time.Now(), &err)
	sports, err := a.engine.Sports(ctx)
	if err != nil {
		return resp, err
	}
	resp.Sports = make([]string, len(sports))
	for i, s := range sports {
		resp.Sports[i] = string(s)
	}
	return resp, nil
}

func (a *API) StartDetection(ctx context.Context, req StartDetectionRequest) (resp StartDetectionResponse, err error) {
	defer a.instrument(ctx, CallStartDetection, time.Now(), &err)
	minActivities := 0
	if req.MinActivities != nil {
		if *req.MinActivities < 1 {
			return resp, invalid("minActivities must be at least 1")
		}
		minActivities = *req.MinActivities
	}
	resp.Started, err = a.engine.StartDetection(minActivities)
	return resp, err
}

func (a *API) PollDetection(ctx context.Context, _ Empty) (resp PollResponse, err error) {
	defer a.instrument(ctx, CallPollDetection, time.Now(), &err)
	status, runErr := a.engine.PollDetection()
	resp.Status = string(status)
	if runErr != nil {
		resp.Error = runErr.Error()
	}
	return resp, nil
}

func (a *API) GetDetectionProgress(ctx context.Context, _ Empty) (resp ProgressDTO, err error) {
	defer a.instrument(ctx, CallGetDetectionProgress, time.Now(), &err)
	return toProgressDTO(a.engine.DetectionProgress()), nil
}

func (a *API) CancelDetection(ctx context.Context, _ Empty) (resp CancelResponse, err error) {
	defer a.instrument(ctx, CallCancelDetection, time.Now(), &err)
	return CancelResponse{Cancelled: a.engine.CancelDetection()}, nil
}

func (a *API) GetSections(ctx context.Context, req SectionQueryRequest) (resp SectionsResponse, err error) {
	defer a.instrument(ctx, CallGetSections, time.Now(), &err)
	q, err := req.query()
	if err != nil {
		return resp, err
	}
	secs, err := a.engine.Sections(ctx, q)
	if err != nil {
		return resp, err
	}
	resp.Sections = make([]SectionDTO, len(secs))
	for i := range secs {
		resp.Sections[i] = a.sectionDTO(&secs[i])
	}
	return resp, nil
}

func (a *API) GetSectionSummaries(ctx context.Context, req SectionQueryRequest) (resp SummariesResponse, err error) {
	defer a.instrument(ctx, CallGetSectionSummaries, time.Now(), &err)
	q, err := req.query()
	if err != nil {
		return resp, err
	}
	sums, err := a.engine.SectionSummaries(ctx, q)
	if err != nil {
		return resp, err
	}
	resp.Sections = make([]SectionSummaryDTO, len(sums))
	for i, s := range sums {
		resp.Sections[i] = toSummaryDTO(s)
	}
	return resp, nil
}

func (a *API) GetSectionByID(ctx context.Context, req SectionIDRequest) (resp SectionDTO, err error) {
	defer a.instrument(ctx, CallGetSectionByID, time.Now(), &err)
	sec, err := a.engine.Section(ctx, req.SectionID)
	if err != nil {
		return resp, err
	}
	return a.sectionDTO(sec), nil
}

func (a *API) GetSectionsForActivity(ctx context.Context, req ActivityIDRequest) (resp SectionsResponse, err error) {
	defer a.instrument(ctx, CallGetSectionsForActivity, time.Now(), &err)
	secs, err := a.engine.SectionsForActivity(ctx, req.ActivityID)
	if err != nil {
		return resp, err
	}
	resp.Sections = make([]SectionDTO, len(secs))
	for i := range secs {
		resp.Sections[i] = a.sectionDTO(&secs[i])
	}
	return resp, nil
}

func (a *API) GetSectionPerformances(ctx context.Context, req SectionIDRequest) (resp PerformanceDTO, err error) {
	defer a.instrument(ctx, CallGetSectionPerformances, time.Now(), &err)
	perf, err := a.engine.SectionPerformances(ctx, req.SectionID)
	if err != nil {
		return resp, err
	}
	return toPerformanceDTO(perf), nil
}

func (a *API) GetSectionPolyline(ctx context.Context, req SectionIDRequest) (resp PolylineResponse, err error) {
	defer a.instrument(ctx, CallGetSectionPolyline, time.Now(), &err)
	sec, err := a.engine.Section(ctx, req.SectionID)
	if err != nil {
		return resp, err
	}
	return PolylineResponse{Polyline: codec.EncodePolyline(sec.ReferenceTrack)}, nil
}

func (a *API) CreateCustomSection(ctx context.Context, req CreateCustomSectionRequest) (resp CreatedResponse, err error) {
	defer a.instrument(ctx, CallCreateCustomSection, time.Now(), &err)
	in, err := req.input()
	if err != nil {
		return resp, err
	}
	resp.ID, err = a.engine.CreateCustomSection(ctx, in)
	return resp, err
}

func (a *API) RemoveCustomSection(ctx context.Context, req SectionIDRequest) (resp Empty, err error) {
	defer a.instrument(ctx, CallRemoveCustomSection, time.Now(), &err)
	return resp, a.engine.RemoveCustomSection(ctx, req.SectionID)
}

func (a *API) RenameSection(ctx context.Context, req RenameSectionRequest) (resp Empty, err error) {
	defer a.instrument(ctx, CallRenameSection, time.Now(), &err)
	return resp, a.engine.RenameSection(ctx, req.SectionID, req.Name)
}

func (a *API) ExtractSectionTraces(ctx context.Context, req ExtractTracesRequest) (resp TracesResponse, err error) {
	defer a.instrument(ctx, CallExtractSectionTraces, time.Now(), &err)
	pairs := make([]SectionActivity, len(req.Pairs))
	for i, p := range req.Pairs {
		pairs[i] = SectionActivity{SectionID: p.SectionID, ActivityID: p.ActivityID}
	}
	traces, err := a.engine.ExtractTraces(ctx, pairs)
	if err != nil {
		return resp, err
	}
	resp.Traces = make([]TraceDTO, len(traces))
	for i, t := range traces {
		resp.Traces[i] = TraceDTO{
			SectionID:  t.Portion.SectionID,
			ActivityID: t.Portion.ActivityID,
			Direction:  string(t.Portion.Direction),
			StartIndex: t.Portion.StartIndex,
			EndIndex:   t.Portion.EndIndex,
			Polyline:   codec.EncodePolyline(t.Points),
		}
	}
	return resp, nil
}

func (a *API) GetRouteGroups(ctx context.Context, req RouteGroupsRequest) (resp RouteGroupsResponse, err error) {
	defer a.instrument(ctx, CallGetRouteGroups, time.Now(), &err)
	if req.MinActivities < 0 {
		return resp, invalid("minActivities must not be negative")
	}
	groups, err := a.engine.RouteGroups(ctx, models.Sport(req.Sport), req.MinActivities)
	if err != nil {
		return resp, err
	}
	resp.Groups = make([]RouteGroupDTO, len(groups))
	for i, g := range groups {
		resp.Groups[i] = RouteGroupDTO{
			ID:               g.ID,
			Sport:            string(g.Sport),
			ActivityIDs:      g.ActivityIDs,
			RepresentativeID: g.RepresentativeID,
		}
	}
	return resp, nil
}

func (a *API) SetSuperseded(ctx context.Context, req SetSupersededRequest) (resp Empty, err error) {
	defer a.instrument(ctx, CallSetSuperseded, time.Now(), &err)
	return resp, a.engine.SetSuperseded(ctx, req.CustomID, req.AutoIDs)
}

func (a *API) IsSuperseded(ctx context.Context, req SectionIDRequest) (resp SupersededResponse, err error) {
	defer a.instrument(ctx, CallIsSuperseded, time.Now(), &err)
	return SupersededResponse{Superseded: a.engine.IsSuperseded(req.SectionID)}, nil
}

func (a *API) GetAllSuperseded(ctx context.Context, _ Empty) (resp IDsResponse, err error) {
	defer a.instrument(ctx, CallGetAllSuperseded, time.Now(), &err)
	ids := a.engine.AllSuperseded()
	sort.Strings(ids)
	return IDsResponse{IDs: nonNil(ids)}, nil
}

func (a *API) sectionDTO(s *models.Section) SectionDTO {
	return toSectionDTO(s, s.Origin == models.OriginAuto && a.engine.IsSuperseded(s.ID))
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
