package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sstent/veloengine/internal/models"
	"github.com/sstent/veloengine/internal/parser"
)

// Engine is the part of the engine a sync cycle drives.
type Engine interface {
	AddActivities(ctx context.Context, raw []models.RawActivity) (models.IngestResult, error)
	SetActivityMetrics(ctx context.Context, metrics []models.ActivityMetrics) error
	RunDetection(ctx context.Context, lease *Lease) error
}

// MetricsSource supplies provider metrics for stored activities.
type MetricsSource interface {
	FetchMetrics(ctx context.Context, ids []string) ([]models.ActivityMetrics, error)
}

// Report summarizes one cycle.
type Report struct {
	Files    int
	Stored   int
	Skipped  int
	Rejected int
	Metrics  int
	Duration time.Duration
}

type SyncService struct {
	engine     Engine
	provider   MetricsSource
	lock       *Lock
	inboxDir   string
	archiveDir string
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncService wires a sync cycle over dataDir/inbox and dataDir/archive.
// provider may be nil.
func NewSyncService(engine Engine, provider MetricsSource, lock *Lock, dataDir string, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncService{
		engine:     engine,
		provider:   provider,
		lock:       lock,
		inboxDir:   filepath.Join(dataDir, "inbox"),
		archiveDir: filepath.Join(dataDir, "archive"),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InboxDir is where new activity files are picked up.
func (s *SyncService) InboxDir() string { return s.inboxDir }

// Sync runs one cycle in the caller's goroutine.
func (s *SyncService) Sync(ctx context.Context) (*Report, error) {
	lease, err := s.lock.TryAcquire("sync")
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return s.Run(ctx, lease)
}

// Start acquires the lock and runs a cycle in the background. It fails
// with ErrSyncInProgress when a cycle is already running.
func (s *SyncService) Start() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	lease, err := s.lock.TryAcquire("sync")
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer lease.Release()
		if _, err := s.Run(s.ctx, lease); err != nil {
			s.logger.Error("sync failed", "error", err)
		}
	}()
	return nil
}

// Wait blocks until background cycles have finished.
func (s *SyncService) Wait() {
	s.wg.Wait()
}

// Stop aborts a running background cycle and waits for it.
func (s *SyncService) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Run executes a cycle under an already held lease: ingest the inbox, fetch
// provider metrics for what was stored, then detect sections.
func (s *SyncService) Run(ctx context.Context, lease *Lease) (*Report, error) {
	if lease == nil {
		return nil, errors.New("sync requires a held lease")
	}
	startTime := time.Now()
	report := &Report{}
	s.logger.Info("starting sync", "owner", lease.Owner())
	defer func() {
		report.Duration = time.Since(startTime)
		s.logger.Info("sync finished",
			"files", report.Files,
			"stored", report.Stored,
			"skipped", report.Skipped,
			"rejected", report.Rejected,
			"metrics", report.Metrics,
			"duration", report.Duration)
	}()

	stored, err := s.ingestInbox(ctx, report)
	if err != nil {
		return report, err
	}

	if s.provider != nil && len(stored) > 0 {
		metrics, err := s.provider.FetchMetrics(ctx, stored)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		if err != nil {
			// keep what was fetched, detection does not depend on metrics
			s.logger.Warn("provider fetch failed", "error", err)
		}
		if len(metrics) > 0 {
			if err := s.engine.SetActivityMetrics(ctx, metrics); err != nil {
				return report, fmt.Errorf("failed to store provider metrics: %w", err)
			}
			report.Metrics += len(metrics)
		}
	}

	if err := s.engine.RunDetection(ctx, lease); err != nil {
		return report, fmt.Errorf("failed to detect sections: %w", err)
	}
	return report, nil
}

type inboxFile struct {
	path   string
	parsed *parser.Parsed
}

// ingestInbox parses every file in the inbox, stores the activities and
// moves the files to the archive. Unparseable or unusable files go to
// archive/rejected. It returns the stored activity ids.
func (s *SyncService) ingestInbox(ctx context.Context, report *Report) ([]string, error) {
	entries, err := os.ReadDir(s.inboxDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}

	var files []inboxFile
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(s.inboxDir, entry.Name())
		report.Files++
		parsed, err := parser.ParseFile(path)
		if err != nil {
			s.logger.Warn("rejecting activity file", "file", entry.Name(), "error", err)
			s.reject(path, report)
			continue
		}
		files = append(files, inboxFile{path: path, parsed: parsed})
	}
	if len(files) == 0 {
		return nil, nil
	}

	raw := make([]models.RawActivity, len(files))
	for i, f := range files {
		raw[i] = f.parsed.Activity
	}
	result, err := s.engine.AddActivities(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to store activities: %w", err)
	}
	report.Stored += len(result.Stored)
	report.Skipped += len(result.Skipped)

	skipped := make(map[string]bool, len(result.Skipped))
	for _, id := range result.Skipped {
		skipped[id] = true
	}
	var fileMetrics []models.ActivityMetrics
	for _, f := range files {
		if skipped[f.parsed.Activity.ID] {
			s.reject(f.path, report)
			continue
		}
		if f.parsed.Metrics != nil {
			fileMetrics = append(fileMetrics, *f.parsed.Metrics)
		}
		if err := s.move(f.path, s.archiveDir); err != nil {
			s.logger.Warn("failed to archive file", "file", f.path, "error", err)
		}
	}
	if len(fileMetrics) > 0 {
		if err := s.engine.SetActivityMetrics(ctx, fileMetrics); err != nil {
			return nil, fmt.Errorf("failed to store file metrics: %w", err)
		}
		report.Metrics += len(fileMetrics)
	}

	stored := append([]string(nil), result.Stored...)
	sort.Strings(stored)
	return stored, nil
}

func (s *SyncService) reject(path string, report *Report) {
	report.Rejected++
	if err := s.move(path, filepath.Join(s.archiveDir, "rejected")); err != nil {
		s.logger.Warn("failed to move rejected file", "file", path, "error", err)
	}
}

func (s *SyncService) move(path, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}
