package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sstent/veloengine/internal/models"
)

const rideGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk><name>Commute</name><type>cycling</type><trkseg>
    <trkpt lat="46.0000" lon="7.0000"><time>2026-01-15T08:00:00Z</time></trkpt>
    <trkpt lat="46.0010" lon="7.0000"><time>2026-01-15T08:00:20Z</time></trkpt>
    <trkpt lat="46.0020" lon="7.0000"><time>2026-01-15T08:00:40Z</time></trkpt>
  </trkseg></trk>
</gpx>`

const singlePointGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk><trkseg><trkpt lat="46.0" lon="7.0"></trkpt></trkseg></trk>
</gpx>`

type fakeEngine struct {
	added      []models.RawActivity
	metrics    []models.ActivityMetrics
	detections int
	detect     func(ctx context.Context) error
}

func (f *fakeEngine) AddActivities(ctx context.Context, raw []models.RawActivity) (models.IngestResult, error) {
	var res models.IngestResult
	for _, r := range raw {
		if len(r.Points) < 2 {
			res.Skipped = append(res.Skipped, r.ID)
			continue
		}
		f.added = append(f.added, r)
		res.Stored = append(res.Stored, r.ID)
	}
	return res, nil
}

func (f *fakeEngine) SetActivityMetrics(ctx context.Context, m []models.ActivityMetrics) error {
	f.metrics = append(f.metrics, m...)
	return nil
}

func (f *fakeEngine) RunDetection(ctx context.Context, lease *Lease) error {
	f.detections++
	if f.detect != nil {
		return f.detect(ctx)
	}
	return nil
}

type fakeProvider struct {
	ids []string
	err error
}

func (p *fakeProvider) FetchMetrics(ctx context.Context, ids []string) ([]models.ActivityMetrics, error) {
	p.ids = append(p.ids, ids...)
	if p.err != nil {
		return nil, p.err
	}
	hr := 140.0
	out := make([]models.ActivityMetrics, len(ids))
	for i, id := range ids {
		out[i] = models.ActivityMetrics{ActivityID: id, AvgHeartRate: &hr}
	}
	return out, nil
}

func writeInbox(t *testing.T, dataDir string, files map[string]string) {
	t.Helper()
	inbox := filepath.Join(dataDir, "inbox")
	if err := os.MkdirAll(inbox, 0755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(inbox, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSyncIngestsInbox(t *testing.T) {
	dataDir := t.TempDir()
	writeInbox(t, dataDir, map[string]string{
		"ride.gpx":  rideGPX,
		"dot.gpx":   singlePointGPX,
		"notes.txt": "not an activity",
	})
	eng := &fakeEngine{}
	prov := &fakeProvider{}
	svc := NewSyncService(eng, prov, NewLock(), dataDir, nil)

	report, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	want := Report{Files: 3, Stored: 1, Skipped: 1, Rejected: 2, Metrics: 2}
	report.Duration = 0
	if diff := cmp.Diff(want, *report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if len(eng.added) != 1 || eng.added[0].Sport != "Ride" {
		t.Fatalf("added = %+v", eng.added)
	}
	if diff := cmp.Diff([]string{eng.added[0].ID}, prov.ids); diff != "" {
		t.Errorf("provider asked for (-want +got):\n%s", diff)
	}
	if eng.detections != 1 {
		t.Errorf("detection ran %d times", eng.detections)
	}

	if !exists(filepath.Join(dataDir, "archive", "ride.gpx")) {
		t.Error("ride.gpx was not archived")
	}
	for _, name := range []string{"dot.gpx", "notes.txt"} {
		if !exists(filepath.Join(dataDir, "archive", "rejected", name)) {
			t.Errorf("%s was not moved to rejected", name)
		}
	}
	if entries, _ := os.ReadDir(filepath.Join(dataDir, "inbox")); len(entries) != 0 {
		t.Errorf("inbox still holds %d files", len(entries))
	}
}

func TestSyncWithoutInbox(t *testing.T) {
	eng := &fakeEngine{}
	report, err := NewSyncService(eng, nil, NewLock(), t.TempDir(), nil).Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Files != 0 || eng.detections != 1 {
		t.Errorf("report = %+v, detections = %d", report, eng.detections)
	}
}

func TestSyncProviderFailureIsNotFatal(t *testing.T) {
	dataDir := t.TempDir()
	writeInbox(t, dataDir, map[string]string{"ride.gpx": rideGPX})
	eng := &fakeEngine{}
	svc := NewSyncService(eng, &fakeProvider{err: errors.New("down")}, NewLock(), dataDir, nil)
	if _, err := svc.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if eng.detections != 1 {
		t.Error("detection skipped after provider failure")
	}
}

func TestSyncRejectsConcurrentCycle(t *testing.T) {
	lock := NewLock()
	release := make(chan struct{})
	started := make(chan struct{})
	eng := &fakeEngine{detect: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	svc := NewSyncService(eng, nil, lock, t.TempDir(), nil)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started
	if err := svc.Start(); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("second Start() error = %v, want ErrSyncInProgress", err)
	}
	if _, err := svc.Sync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("Sync() during cycle error = %v, want ErrSyncInProgress", err)
	}

	close(release)
	svc.Wait()
	if _, held := lock.Held(); held {
		t.Fatal("lock still held after the cycle finished")
	}
	eng.detect = nil
	if _, err := svc.Sync(context.Background()); err != nil {
		t.Errorf("Sync() after release error = %v", err)
	}
}

func TestStopAbortsCycle(t *testing.T) {
	started := make(chan struct{})
	eng := &fakeEngine{detect: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	lock := NewLock()
	svc := NewSyncService(eng, nil, lock, t.TempDir(), nil)
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	<-started
	svc.Stop()
	if _, held := lock.Held(); held {
		t.Error("lock still held after Stop")
	}
	if err := svc.Start(); err == nil {
		t.Error("Start() after Stop should fail")
	}
}

func TestLease(t *testing.T) {
	lock := NewLock()
	a, err := lock.TryAcquire("a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lock.TryAcquire("b"); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("TryAcquire(b) error = %v", err)
	}
	if owner, held := lock.Held(); !held || owner != "a" {
		t.Errorf("Held() = %q, %v", owner, held)
	}
	a.Release()
	b, err := lock.TryAcquire("b")
	if err != nil {
		t.Fatalf("TryAcquire(b) after release error = %v", err)
	}
	// a stale lease must not release b's hold
	a.Release()
	if owner, _ := lock.Held(); owner != "b" {
		t.Errorf("owner = %q after stale release, want b", owner)
	}
	b.Release()
	var none *Lease
	none.Release()
}
