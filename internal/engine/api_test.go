package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sstent/veloengine/internal/codec"
	"github.com/sstent/veloengine/internal/database"
)

func TestAPIInstrumentsCalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.api.GetActivityCount(ctx, Empty{}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.api.GetSectionByID(ctx, SectionIDRequest{SectionID: "missing"}); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("GetSectionByID(missing) error = %v, want ErrNotFound", err)
	}

	if got := testutil.ToFloat64(env.metrics.calls.WithLabelValues(CallGetActivityCount, "ok")); got != 1 {
		t.Errorf("%s ok = %v, want 1", CallGetActivityCount, got)
	}
	if got := testutil.ToFloat64(env.metrics.calls.WithLabelValues(CallGetSectionByID, "error")); got != 1 {
		t.Errorf("%s error = %v, want 1", CallGetSectionByID, got)
	}
	if got := testutil.CollectAndCount(env.metrics.callDuration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestAPISlowCallLog(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	api := &API{
		engine:   env.engine,
		metrics:  env.metrics,
		logger:   slog.New(slog.NewTextHandler(&buf, nil)),
		slowCall: time.Nanosecond,
	}
	var err error
	api.instrument(context.Background(), CallGetSections, time.Now().Add(-time.Second), &err)
	api.instrument(context.Background(), CallClear, time.Now().Add(-time.Second), &err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "level=INFO") || !strings.Contains(lines[0], "client_name=getSections") {
		t.Errorf("known-expensive call logged as %q", lines[0])
	}
	if !strings.Contains(lines[1], "level=WARN") || !strings.Contains(lines[1], "call="+CallClear) {
		t.Errorf("slow call logged as %q", lines[1])
	}
}

func TestAPIActivitiesRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	track := walk(routeStart, routeBend, routeEnd)
	dto := RawActivityDTO{ID: "x", StartTime: 1768435200, Sport: "Ride"}
	for _, p := range track {
		dto.Lats = append(dto.Lats, p.Lat)
		dto.Lngs = append(dto.Lngs, p.Lng)
	}
	res, err := env.api.AddActivities(ctx, AddActivitiesRequest{Activities: []RawActivityDTO{dto, {ID: "empty"}}})
	if err != nil {
		t.Fatalf("AddActivities() error = %v", err)
	}
	if diff := cmp.Diff(IngestResponse{Stored: []string{"x"}, Skipped: []string{"empty"}}, res); diff != "" {
		t.Errorf("ingest mismatch (-want +got):\n%s", diff)
	}

	acts, err := env.api.GetActivities(ctx, ActivityQueryRequest{})
	if err != nil || len(acts.Activities) != 1 {
		t.Fatalf("GetActivities() = %+v, %v", acts, err)
	}
	got := acts.Activities[0]
	if got.StartTime != 1768435200 || got.Timed {
		t.Errorf("start %d timed %v", got.StartTime, got.Timed)
	}

	polylines, err := env.api.GetActivityPolylines(ctx, IDsRequest{IDs: []string{"x", "missing"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(polylines.Polylines) != 1 || polylines.Polylines["x"] != got.Polyline {
		t.Errorf("polylines = %v", polylines.Polylines)
	}
	points, ok := codec.DecodePolyline(got.Polyline)
	if !ok || len(points) != got.PointCount {
		t.Errorf("decoded %d points (ok=%v), want %d", len(points), ok, got.PointCount)
	}

	from := int64(1768435200 + 1)
	acts, err = env.api.GetActivities(ctx, ActivityQueryRequest{DateFrom: &from})
	if err != nil || len(acts.Activities) != 0 {
		t.Errorf("GetActivities(dateFrom after start) = %+v, %v", acts, err)
	}
	if _, err := env.api.GetActivities(ctx, ActivityQueryRequest{Limit: -1}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("negative limit error = %v, want ErrInvalidInput", err)
	}

	sports, err := env.api.GetSports(ctx, Empty{})
	if err != nil || !cmp.Equal(sports.Sports, []string{"Ride"}) {
		t.Errorf("GetSports() = %v, %v", sports, err)
	}
}

func TestAPIActivityMetrics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedActivities(t, env.db)

	skyline := codec.EncodeSkylineBase64(codec.Skyline{
		Basis:     codec.ZoneBasisHeartRate,
		Intervals: []codec.Interval{{Duration: 60, Zone: 2}, {Duration: 30, Zone: 4}},
	})
	name := "Morning Ride"
	hr := 141.0
	_, err := env.api.SetActivityMetrics(ctx, SetActivityMetricsRequest{Metrics: []ActivityMetricsDTO{
		{ActivityID: "a1", Name: &name, AvgHeartRate: &hr, Skyline: skyline},
		{ActivityID: "a2", Name: &name},
	}})
	if err != nil {
		t.Fatalf("SetActivityMetrics() error = %v", err)
	}

	m, err := env.api.GetActivityMetrics(ctx, ActivityIDRequest{ActivityID: "a1"})
	if err != nil {
		t.Fatalf("GetActivityMetrics() error = %v", err)
	}
	if m.AvgPower != nil || m.AvgHeartRate == nil || *m.AvgHeartRate != hr {
		t.Errorf("metrics = %+v", m)
	}
	wantZones := &SkylineDTO{
		ZoneCount: 5,
		ZoneBasis: "heart_rate",
		Intervals: []IntervalDTO{{Duration: 60, Zone: 2}, {Duration: 30, Zone: 4}},
	}
	if diff := cmp.Diff(wantZones, m.Zones); diff != "" {
		t.Errorf("zones mismatch (-want +got):\n%s", diff)
	}

	batch, err := env.api.GetActivityMetricsBatch(ctx, IDsRequest{IDs: []string{"a2", "a3", "a1", "a2"}})
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range batch.Metrics {
		ids = append(ids, m.ActivityID)
	}
	if diff := cmp.Diff([]string{"a2", "a1"}, ids); diff != "" {
		t.Errorf("batch order mismatch (-want +got):\n%s", diff)
	}

	if _, err := env.api.GetActivityMetrics(ctx, ActivityIDRequest{ActivityID: "a3"}); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("GetActivityMetrics(a3) error = %v, want ErrNotFound", err)
	}
	_, err = env.api.SetActivityMetrics(ctx, SetActivityMetricsRequest{Metrics: []ActivityMetricsDTO{{ActivityID: "a1", Skyline: "%%%"}}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad skyline error = %v, want ErrInvalidInput", err)
	}
	if _, err := base64.StdEncoding.DecodeString(m.Skyline); err != nil {
		t.Errorf("returned skyline is not base64: %v", err)
	}
}

func TestAPIPerformanceAbsentValues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedActivities(t, env.db)

	poly := codec.EncodePolyline(walk(routeStart, routeBend, routeEnd))
	created, err := env.api.CreateCustomSection(ctx, CreateCustomSectionRequest{Name: "loop", Sport: "Ride", Polyline: poly})
	if err != nil {
		t.Fatalf("CreateCustomSection() error = %v", err)
	}

	perf, err := env.api.GetSectionPerformances(ctx, SectionIDRequest{SectionID: created.ID})
	if err != nil {
		t.Fatal(err)
	}
	if perf.Same.Count != 3 || perf.Same.LastActivityTime == 0 || perf.Same.AvgTimeSeconds == nil {
		t.Errorf("same stats = %+v", perf.Same)
	}

	// nothing rides this section
	lonely := codec.EncodePolyline(walk([2]float64{5000, 5000}, [2]float64{5000, 6000}))
	created, err = env.api.CreateCustomSection(ctx, CreateCustomSectionRequest{Sport: "Ride", Polyline: lonely})
	if err != nil {
		t.Fatal(err)
	}
	perf, err = env.api.GetSectionPerformances(ctx, SectionIDRequest{SectionID: created.ID})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(perf.Reverse)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"avgTimeSeconds":null,"lastActivityTime":0,"count":0}` {
		t.Errorf("empty direction stats encoded as %s", raw)
	}

	_, err = env.api.CreateCustomSection(ctx, CreateCustomSectionRequest{Polyline: "_p~iF~ps|U_"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("malformed polyline error = %v, want ErrInvalidInput", err)
	}
}

func TestAPISectionsMarkSuperseded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	saveAuto(t, env, "auto_1")

	created, err := env.api.CreateCustomSection(ctx, CreateCustomSectionRequest{
		Sport:    "Ride",
		Polyline: codec.EncodePolyline(walk(routeStart, routeBend)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.api.SetSuperseded(ctx, SetSupersededRequest{CustomID: created.ID, AutoIDs: []string{"auto_1"}}); err != nil {
		t.Fatal(err)
	}

	secs, err := env.api.GetSections(ctx, SectionQueryRequest{IncludeSuperseded: true, Origin: "auto"})
	if err != nil || len(secs.Sections) != 1 {
		t.Fatalf("GetSections() = %+v, %v", secs, err)
	}
	if !secs.Sections[0].Superseded {
		t.Error("auto_1 not marked superseded")
	}
	if secs.Sections[0].CreatedAt != 1768003200 {
		t.Errorf("createdAt = %d", secs.Sections[0].CreatedAt)
	}

	all, err := env.api.GetAllSuperseded(ctx, Empty{})
	if err != nil || !cmp.Equal(all.IDs, []string{"auto_1"}) {
		t.Errorf("GetAllSuperseded() = %v, %v", all, err)
	}
	is, err := env.api.IsSuperseded(ctx, SectionIDRequest{SectionID: "auto_1"})
	if err != nil || !is.Superseded {
		t.Errorf("IsSuperseded(auto_1) = %v, %v", is, err)
	}

	if _, err := env.api.GetSections(ctx, SectionQueryRequest{Origin: "manual"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown origin error = %v, want ErrInvalidInput", err)
	}
}

func TestAPIStartDetectionValidation(t *testing.T) {
	env := newTestEnv(t)
	zero := 0
	if _, err := env.api.StartDetection(context.Background(), StartDetectionRequest{MinActivities: &zero}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("StartDetection(0) error = %v, want ErrInvalidInput", err)
	}
	poll, err := env.api.PollDetection(context.Background(), Empty{})
	if err != nil || poll.Status != string(StatusIdle) {
		t.Errorf("PollDetection() = %+v, %v", poll, err)
	}
}
