// Package engine is the section engine's external surface. Engine holds the
// domain operations; API wraps them as named, instrumented calls that speak
// transfer types.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sstent/veloengine/internal/database"
	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
	"github.com/sstent/veloengine/internal/sections"
	"github.com/sstent/veloengine/internal/supersession"
	cycle "github.com/sstent/veloengine/internal/sync"
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("engine closed")
	// ErrInvalidInput marks requests that cannot be served as given.
	ErrInvalidInput = errors.New("invalid input")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", database.ErrNotFound, fmt.Sprintf(format, args...))
}

// Options configures an Engine. Store, Resolver and Lock are required.
type Options struct {
	Store             database.Store
	Resolver          *supersession.Resolver
	Lock              *cycle.Lock
	Detection         sections.Config
	Routes            sections.RouteOptions
	SimplifyTolerance float64
	Metrics           *Metrics
	Logger            *slog.Logger
}

// Engine owns the store, the supersession state and the detection job.
type Engine struct {
	store     database.Store
	resolver  *supersession.Resolver
	lock      *cycle.Lock
	detector  *sections.Detector
	routes    sections.RouteOptions
	tolerance float64
	metrics   *Metrics
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	job    detectionJob
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Resolver == nil || opts.Lock == nil {
		return nil, errors.New("engine requires a store, a resolver and a lock")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.SimplifyTolerance <= 0 {
		opts.SimplifyTolerance = geo.DefaultTolerance
	}
	if opts.Routes.Samples <= 0 {
		opts.Routes = sections.DefaultRouteOptions()
	}
	if len(opts.Detection.Scales) == 0 {
		opts.Detection = sections.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     opts.Store,
		resolver:  opts.Resolver,
		lock:      opts.Lock,
		detector:  sections.NewDetector(opts.Detection, opts.Logger),
		routes:    opts.Routes,
		tolerance: opts.SimplifyTolerance,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		job:       detectionJob{status: StatusIdle},
	}, nil
}

// Close aborts a running detection job and waits for it to stop. The store
// and resolver stay open; their owner closes them.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// AddActivities simplifies and stores raw activities. Points with invalid
// coordinates are dropped; activities left with fewer than two points are
// reported as skipped. Re-adding an id replaces the stored activity.
func (e *Engine) AddActivities(ctx context.Context, raw []models.RawActivity) (models.IngestResult, error) {
	var res models.IngestResult
	if err := e.checkOpen(); err != nil {
		return res, err
	}

	batch := make([]models.Activity, 0, len(raw))
	for _, r := range raw {
		a, ok := e.prepareActivity(r)
		if !ok {
			e.logger.Warn("skipping unusable activity", "activity_id", r.ID, "points", len(r.Points))
			res.Skipped = append(res.Skipped, r.ID)
			continue
		}
		batch = append(batch, a)
		res.Stored = append(res.Stored, a.ID)
	}
	if err := e.store.AddActivities(ctx, batch); err != nil {
		return models.IngestResult{}, fmt.Errorf("failed to add activities: %w", err)
	}
	return res, nil
}

// prepareActivity drops invalid points and simplifies the track, keeping the
// time offset of every retained point.
func (e *Engine) prepareActivity(r models.RawActivity) (models.Activity, bool) {
	if r.ID == "" {
		return models.Activity{}, false
	}
	timed := len(r.TimeOffsets) == len(r.Points)
	points := make([]geo.Point, 0, len(r.Points))
	var offsets []int32
	for i, p := range r.Points {
		if !p.Valid() {
			continue
		}
		points = append(points, p)
		if timed {
			offsets = append(offsets, r.TimeOffsets[i])
		}
	}
	if len(points) < 2 {
		return models.Activity{}, false
	}

	a := models.Activity{
		ID:              r.ID,
		StartTime:       r.StartTime,
		Sport:           models.NormalizeSport(string(r.Sport)),
		DurationSeconds: r.DurationSeconds,
		DistanceMeters:  r.DistanceMeters,
	}
	if a.DistanceMeters <= 0 {
		a.DistanceMeters = geo.PolylineLength(points)
	}

	keep := geo.SimplifyIndices(points, e.tolerance)
	a.Track = make([]geo.Point, len(keep))
	if timed {
		a.TimeOffsets = make([]int32, len(keep))
	}
	for i, k := range keep {
		a.Track[i] = points[k]
		if timed {
			a.TimeOffsets[i] = offsets[k]
		}
	}
	if a.DurationSeconds <= 0 && timed {
		a.DurationSeconds = float64(a.TimeOffsets[len(a.TimeOffsets)-1] - a.TimeOffsets[0])
	}
	return a, true
}

// RemoveActivities deletes activities with their metrics and portions.
func (e *Engine) RemoveActivities(ctx context.Context, ids []string) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.store.RemoveActivities(ctx, ids)
}

// Clear empties the store and the supersession state.
func (e *Engine) Clear(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.store.Clear(ctx); err != nil {
		return err
	}
	if err := e.resolver.Clear(); err != nil {
		return err
	}
	e.updateSectionGauge(ctx)
	return nil
}

func (e *Engine) ActivityIDs(ctx context.Context) ([]string, error) {
	return e.store.ActivityIDs(ctx)
}

func (e *Engine) ActivityCount(ctx context.Context) (int, error) {
	return e.store.CountActivities(ctx)
}

// Sports lists the distinct sports of stored activities.
func (e *Engine) Sports(ctx context.Context) ([]models.Sport, error) {
	return e.store.Sports(ctx)
}

// Activities lists activities newest first.
func (e *Engine) Activities(ctx context.Context, filter models.ActivityFilter) ([]models.Activity, error) {
	return e.store.ListActivities(ctx, filter)
}

// ActivityTracks returns the simplified tracks of ids; unknown ids are
// absent from the result.
func (e *Engine) ActivityTracks(ctx context.Context, ids []string) (map[string][]geo.Point, error) {
	acts, err := e.store.GetActivities(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]geo.Point, len(acts))
	for _, a := range acts {
		out[a.ID] = a.Track
	}
	return out, nil
}

// SetActivityMetrics stores provider metrics. Unset fields keep their
// stored values.
func (e *Engine) SetActivityMetrics(ctx context.Context, metrics []models.ActivityMetrics) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	for _, m := range metrics {
		if m.ActivityID == "" {
			return invalid("metrics without activity id")
		}
	}
	return e.store.SetActivityMetrics(ctx, metrics)
}

// ActivityMetrics returns stored metrics keyed by activity id.
func (e *Engine) ActivityMetrics(ctx context.Context, ids []string) (map[string]models.ActivityMetrics, error) {
	return e.store.GetActivityMetrics(ctx, ids)
}

func (e *Engine) updateSectionGauge(ctx context.Context) {
	for _, origin := range []models.Origin{models.OriginAuto, models.OriginCustom} {
		sums, err := e.store.ListSectionSummaries(ctx, models.SectionFilter{Origin: origin})
		if err != nil {
			e.logger.Warn("failed to count sections", "origin", origin, "error", err)
			return
		}
		e.metrics.sections.WithLabelValues(string(origin)).Set(float64(len(sums)))
	}
}
