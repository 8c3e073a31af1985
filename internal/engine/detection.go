package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sstent/veloengine/internal/database"
	"github.com/sstent/veloengine/internal/models"
	"github.com/sstent/veloengine/internal/sections"
	cycle "github.com/sstent/veloengine/internal/sync"
)

// DetectionStatus is the pollable state of the detection job.
type DetectionStatus string

const (
	StatusIdle     DetectionStatus = "idle"
	StatusRunning  DetectionStatus = "running"
	StatusComplete DetectionStatus = "complete"
	StatusError    DetectionStatus = "error"
)

type detectionJob struct {
	status   DetectionStatus
	err      error
	progress *sections.Progress
	cancel   context.CancelFunc
}

// StartDetection runs detection in the background. It returns false when a
// sync or detection cycle already holds the lock. minActivities overrides
// the configured frequency gate when positive.
func (e *Engine) StartDetection(minActivities int) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	lease, err := e.lock.TryAcquire("detection")
	if errors.Is(err, cycle.ErrSyncInProgress) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		lease.Release()
		return false, ErrClosed
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.job.cancel = cancel
	e.job.status = StatusRunning
	e.job.progress = &sections.Progress{}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer lease.Release()
		defer cancel()
		if err := e.detect(ctx, minActivities); err != nil {
			e.logger.Error("section detection failed", "error", err)
		}
	}()
	return true, nil
}

// RunDetection runs detection in the caller's goroutine under a lease the
// caller already holds. Close and CancelDetection abort it.
func (e *Engine) RunDetection(ctx context.Context, lease *cycle.Lease) error {
	if lease == nil {
		return errors.New("detection requires a held lease")
	}
	if err := e.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	e.mu.Lock()
	e.job.cancel = cancel
	e.job.status = StatusRunning
	e.job.progress = &sections.Progress{}
	e.mu.Unlock()
	return e.detect(ctx, 0)
}

// PollDetection reports the job state. A complete or error state is
// reported once, after which the job is idle again. The returned error is
// the failure of an errored run.
func (e *Engine) PollDetection() (DetectionStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, err := e.job.status, e.job.err
	if status == StatusComplete || status == StatusError {
		e.job.status = StatusIdle
		e.job.err = nil
	}
	return status, err
}

// DetectionProgress returns the progress of the current or last run.
func (e *Engine) DetectionProgress() sections.ProgressSnapshot {
	e.mu.Lock()
	progress := e.job.progress
	e.mu.Unlock()
	return progress.Snapshot()
}

// CancelDetection aborts a running job. It reports whether one was running.
func (e *Engine) CancelDetection() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.cancel == nil || e.job.status != StatusRunning {
		return false
	}
	e.job.cancel()
	return true
}

func (e *Engine) detect(ctx context.Context, minActivities int) error {
	e.mu.Lock()
	progress := e.job.progress
	e.mu.Unlock()

	start := time.Now()
	err := e.runDetection(ctx, progress, minActivities)

	outcome := "ok"
	switch {
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	e.metrics.detectionRuns.WithLabelValues(outcome).Inc()
	e.logger.Info("detection run finished", "outcome", outcome, "duration", time.Since(start))

	e.mu.Lock()
	e.job.cancel = nil
	if err != nil {
		e.job.status = StatusError
		e.job.err = err
	} else {
		e.job.status = StatusComplete
		e.job.err = nil
	}
	e.mu.Unlock()
	return err
}

func (e *Engine) runDetection(ctx context.Context, progress *sections.Progress, minActivities int) error {
	progress.SetPhase(sections.PhaseLoading)
	activities, err := e.store.ListActivities(ctx, models.ActivityFilter{})
	if err != nil {
		return fmt.Errorf("failed to load activities: %w", err)
	}
	previous, err := e.store.ListSections(ctx, models.SectionFilter{Origin: models.OriginAuto})
	if err != nil {
		return fmt.Errorf("failed to load sections: %w", err)
	}
	customs, err := e.store.ListSections(ctx, models.SectionFilter{Origin: models.OriginCustom})
	if err != nil {
		return fmt.Errorf("failed to load custom sections: %w", err)
	}

	det := e.detector
	if minActivities > 0 {
		cfg := det.Config()
		cfg.MinActivities = minActivities
		det = sections.NewDetector(cfg, e.logger)
	}
	progress.AddTotal(det.Units(activities) + len(customs) + 1)

	res, err := det.Run(ctx, activities, previous, progress)
	if err != nil {
		return err
	}
	if len(res.Unmatched) > 0 {
		e.logger.Warn("activities left unmatched", "count", len(res.Unmatched), "activity_ids", res.Unmatched)
	}

	progress.SetPhase(sections.PhaseSaving)
	dropped, err := e.store.ReplaceAutoSections(ctx, res.Sections)
	if err != nil {
		return fmt.Errorf("failed to save sections: %w", err)
	}
	if len(dropped) > 0 {
		e.logger.Warn("activities changed during detection, left unmatched", "count", len(dropped), "activity_ids", dropped)
	}
	progress.Add(1)

	progress.SetPhase(sections.PhaseCustom)
	if err := e.rematchCustom(ctx, customs, activities, progress); err != nil {
		return err
	}

	progress.SetPhase(sections.PhaseDone)
	e.updateSectionGauge(ctx)
	return nil
}

// rematchCustom refreshes the portions of every custom section against the
// current activities. Each section commits on its own.
func (e *Engine) rematchCustom(ctx context.Context, customs []models.Section, activities []models.Activity, progress *sections.Progress) error {
	bySport := make(map[models.Sport][]models.Activity)
	for _, a := range activities {
		bySport[a.Sport] = append(bySport[a.Sport], a)
	}
	for _, c := range customs {
		if err := ctx.Err(); err != nil {
			return err
		}
		portions := sections.MatchActivities(c.ReferenceTrack, bySport[c.Sport], sections.CustomMatchOptions)
		dropped, err := e.store.ReplacePortions(ctx, c.ID, portions)
		if errors.Is(err, database.ErrNotFound) {
			// removed while detection was running
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to rematch custom section %s: %w", c.ID, err)
		}
		if len(dropped) > 0 {
			e.logger.Warn("activities changed during rematch, left unmatched", "section_id", c.ID, "activity_ids", dropped)
		}
		progress.Add(1)
	}
	return nil
}
