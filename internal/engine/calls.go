package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// CallPrefix starts every engine call name.
const CallPrefix = "persistent_engine_"

// Engine call names. Each maps one-to-one to a camelCase client name, see
// ClientName.
const (
	CallAddActivities           = CallPrefix + "add_activities"
	CallRemoveActivities        = CallPrefix + "remove_activities"
	CallClear                   = CallPrefix + "clear"
	CallGetActivityIDs          = CallPrefix + "get_activity_ids"
	CallGetActivityCount        = CallPrefix + "get_activity_count"
	CallGetActivities           = CallPrefix + "get_activities"
	CallSetActivityMetrics      = CallPrefix + "set_activity_metrics"
	CallGetActivityMetrics      = CallPrefix + "get_activity_metrics"
	CallGetActivityMetricsBatch = CallPrefix + "get_activity_metrics_batch"
	CallGetActivityPolylines    = CallPrefix + "get_activity_polylines"
	CallGetSports               = CallPrefix + "get_sports"
	CallStartDetection          = CallPrefix + "start_detection"
	CallPollDetection           = CallPrefix + "poll_detection"
	CallGetDetectionProgress    = CallPrefix + "get_detection_progress"
	CallCancelDetection         = CallPrefix + "cancel_detection"
	CallGetSections             = CallPrefix + "get_sections"
	CallGetSectionSummaries     = CallPrefix + "get_section_summaries"
	CallGetSectionByID          = CallPrefix + "get_section_by_id"
	CallGetSectionsForActivity  = CallPrefix + "get_sections_for_activity"
	CallGetSectionPerformances  = CallPrefix + "get_section_performances"
	CallGetSectionPolyline      = CallPrefix + "get_section_polyline"
	CallCreateCustomSection     = CallPrefix + "create_custom_section"
	CallRemoveCustomSection     = CallPrefix + "remove_custom_section"
	CallRenameSection           = CallPrefix + "rename_section"
	CallExtractSectionTraces    = CallPrefix + "extract_section_traces"
	CallGetRouteGroups          = CallPrefix + "get_route_groups"
	CallSetSuperseded           = CallPrefix + "set_superseded"
	CallIsSuperseded            = CallPrefix + "is_superseded"
	CallGetAllSuperseded        = CallPrefix + "get_all_superseded"
)

// knownExpensive calls routinely take hundreds of milliseconds and must stay
// single batch calls.
var knownExpensive = map[string]bool{
	CallGetSections:          true,
	CallGetSectionSummaries:  true,
	CallExtractSectionTraces: true,
}

// KnownExpensive reports whether call is expected to be slow at realistic
// data volumes.
func KnownExpensive(call string) bool {
	return knownExpensive[call]
}

// ClientName maps an engine call name to its client wrapper name, e.g.
// persistent_engine_get_sections to getSections.
func ClientName(call string) string {
	parts := strings.Split(strings.TrimPrefix(call, CallPrefix), "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// instrument records one call. Use as
//
//	defer a.instrument(ctx, CallGetSections, time.Now(), &err)
func (a *API) instrument(ctx context.Context, call string, start time.Time, errp *error) {
	elapsed := time.Since(start)
	outcome := "ok"
	if errp != nil && *errp != nil {
		outcome = "error"
		if errors.Is(*errp, context.Canceled) {
			outcome = "cancelled"
		}
	}
	a.metrics.callDuration.WithLabelValues(call).Observe(elapsed.Seconds())
	a.metrics.calls.WithLabelValues(call, outcome).Inc()

	if a.slowCall > 0 && elapsed > a.slowCall {
		level := slog.LevelWarn
		if KnownExpensive(call) {
			level = slog.LevelInfo
		}
		a.logger.Log(ctx, level, "slow engine call",
			"call", call,
			"client_name", ClientName(call),
			"duration", elapsed,
			"outcome", outcome)
	}
}
