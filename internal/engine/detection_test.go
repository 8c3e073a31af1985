package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sstent/veloengine/internal/database"
	"github.com/sstent/veloengine/internal/models"
	"github.com/sstent/veloengine/internal/sections"
)

// waitDetection polls until the job leaves the running state.
func waitDetection(t *testing.T, e *Engine) (DetectionStatus, error) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		status, err := e.PollDetection()
		if status != StatusRunning {
			return status, err
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("detection did not finish")
	return "", nil
}

func TestDetectionJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedActivities(t, env.db)

	custom, err := env.engine.CreateCustomSection(ctx, CustomSectionInput{
		Name:   "climb",
		Sport:  "Ride",
		Points: walk(routeBend, routeEnd),
	})
	if err != nil {
		t.Fatalf("CreateCustomSection() error = %v", err)
	}

	started, err := env.engine.StartDetection(0)
	if err != nil || !started {
		t.Fatalf("StartDetection() = %v, %v", started, err)
	}
	status, runErr := waitDetection(t, env.engine)
	if status != StatusComplete || runErr != nil {
		t.Fatalf("status %s, error %v", status, runErr)
	}
	if status, _ := env.engine.PollDetection(); status != StatusIdle {
		t.Errorf("second poll = %s, want idle", status)
	}

	snap := env.engine.DetectionProgress()
	if snap.Phase != sections.PhaseDone || snap.Completed != snap.Total || snap.Total == 0 {
		t.Errorf("progress = %+v", snap)
	}

	auto, err := env.engine.Sections(ctx, SectionQuery{Origin: models.OriginAuto})
	if err != nil {
		t.Fatal(err)
	}
	if len(auto) == 0 {
		t.Fatal("no auto sections detected")
	}
	for _, s := range auto {
		if s.ActivityCount() < 3 {
			t.Errorf("section %s has %d activities", s.ID, s.ActivityCount())
		}
	}

	sec, err := env.engine.Section(ctx, custom)
	if err != nil {
		t.Fatalf("custom section lost: %v", err)
	}
	if sec.ActivityCount() != 4 {
		t.Errorf("custom section matched %d activities after rematch, want 4", sec.ActivityCount())
	}

	if got := testutil.ToFloat64(env.metrics.detectionRuns.WithLabelValues("ok")); got != 1 {
		t.Errorf("detection runs ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(env.metrics.sections.WithLabelValues("custom")); got != 1 {
		t.Errorf("custom section gauge = %v, want 1", got)
	}
}

func TestDetectionMinActivitiesOverride(t *testing.T) {
	env := newTestEnv(t)
	seedActivities(t, env.db)

	if started, err := env.engine.StartDetection(10); err != nil || !started {
		t.Fatalf("StartDetection() = %v, %v", started, err)
	}
	if status, err := waitDetection(t, env.engine); status != StatusComplete {
		t.Fatalf("status %s, error %v", status, err)
	}
	secs, err := env.engine.Sections(context.Background(), SectionQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(secs) != 0 {
		t.Errorf("got %d sections with a gate of 10 activities", len(secs))
	}
}

func TestStartDetectionWhileLocked(t *testing.T) {
	env := newTestEnv(t)

	lease, err := env.lock.TryAcquire("sync")
	if err != nil {
		t.Fatal(err)
	}
	started, err := env.engine.StartDetection(0)
	if err != nil || started {
		t.Errorf("StartDetection() = %v, %v; want false, nil", started, err)
	}
	if status, _ := env.engine.PollDetection(); status != StatusIdle {
		t.Errorf("status = %s, want idle", status)
	}
	lease.Release()

	started, err = env.engine.StartDetection(0)
	if err != nil || !started {
		t.Errorf("StartDetection() after release = %v, %v", started, err)
	}
	waitDetection(t, env.engine)
}

func TestRunDetectionCancelledByCaller(t *testing.T) {
	env := newTestEnv(t)
	seedActivities(t, env.db)

	lease, err := env.lock.TryAcquire("sync")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := env.engine.RunDetection(ctx, lease); err == nil {
		t.Fatal("RunDetection() with a cancelled context succeeded")
	}
	status, runErr := env.engine.PollDetection()
	if status != StatusError || runErr == nil {
		t.Errorf("poll = %s, %v; want error", status, runErr)
	}
	if got := testutil.ToFloat64(env.metrics.detectionRuns.WithLabelValues("cancelled")); got != 1 {
		t.Errorf("cancelled runs = %v, want 1", got)
	}
	if env.engine.CancelDetection() {
		t.Error("CancelDetection() reported a running job")
	}
}

func TestRunDetectionRequiresLease(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.RunDetection(context.Background(), nil); err == nil {
		t.Error("RunDetection(nil lease) succeeded")
	}
}

// listHookStore calls afterList once, right after the first activity
// listing, so the store can change under an operation in progress.
type listHookStore struct {
	database.Store
	afterList func()
	fired     bool
}

func (s *listHookStore) ListActivities(ctx context.Context, filter models.ActivityFilter) ([]models.Activity, error) {
	acts, err := s.Store.ListActivities(ctx, filter)
	if err == nil && s.afterList != nil && !s.fired {
		s.fired = true
		s.afterList()
	}
	return acts, err
}

func newHookedEnv(t *testing.T) (*testEnv, *listHookStore) {
	t.Helper()
	hook := &listHookStore{}
	env := newTestEnvWithStore(t, func(db *database.SQLiteDB) database.Store {
		hook.Store = db
		return hook
	})
	return env, hook
}

var activityChanges = []struct {
	name   string
	change func(t *testing.T, db *database.SQLiteDB)
}{
	{"removed", func(t *testing.T, db *database.SQLiteDB) {
		if _, err := db.RemoveActivities(context.Background(), []string{"a2"}); err != nil {
			t.Errorf("RemoveActivities() error = %v", err)
		}
	}},
	{"reingested elsewhere", func(t *testing.T, db *database.SQLiteDB) {
		track := walk([2]float64{-460, -460}, routeStart, routeBend, routeEnd, [2]float64{950, 1450})
		for i := range track {
			track[i].Lat += 2
		}
		if err := db.AddActivities(context.Background(), []models.Activity{timedActivity("a2", 2, track)}); err != nil {
			t.Errorf("AddActivities() error = %v", err)
		}
	}},
}

func TestRunDetectionSkipsActivitiesChangedMidRun(t *testing.T) {
	for _, tt := range activityChanges {
		t.Run(tt.name, func(t *testing.T) {
			env, hook := newHookedEnv(t)
			ctx := context.Background()
			seedActivities(t, env.db)
			customID, err := env.engine.CreateCustomSection(ctx, CustomSectionInput{
				Sport:  "Ride",
				Points: walk(routeBend, routeEnd),
			})
			if err != nil {
				t.Fatalf("CreateCustomSection() error = %v", err)
			}
			hook.afterList = func() { tt.change(t, env.db) }

			lease, err := env.lock.TryAcquire("sync")
			if err != nil {
				t.Fatal(err)
			}
			defer lease.Release()
			if err := env.engine.RunDetection(ctx, lease); err != nil {
				t.Fatalf("RunDetection() error = %v", err)
			}
			if !hook.fired {
				t.Fatal("store was not changed during the run")
			}

			auto, err := env.engine.Sections(ctx, SectionQuery{Origin: models.OriginAuto})
			if err != nil {
				t.Fatalf("Sections() error = %v", err)
			}
			if len(auto) == 0 {
				t.Fatal("no auto sections saved")
			}
			custom, err := env.engine.Section(ctx, customID)
			if err != nil {
				t.Fatalf("Section() error = %v", err)
			}
			for _, sec := range append(auto, *custom) {
				if len(sec.Portions) == 0 {
					t.Errorf("section %s has no portions", sec.ID)
				}
				for _, p := range sec.Portions {
					if p.ActivityID == "a2" {
						t.Errorf("section %s kept portion %+v of the changed activity", sec.ID, p)
					}
				}
			}
			matched := map[string]bool{}
			for _, p := range custom.Portions {
				matched[p.ActivityID] = true
			}
			if diff := cmp.Diff(map[string]bool{"a1": true, "a3": true, "a4": true}, matched); diff != "" {
				t.Errorf("custom section activities mismatch (-want +got):\n%s", diff)
			}
			if err := env.db.CheckIntegrity(ctx); err != nil {
				t.Errorf("CheckIntegrity() error = %v", err)
			}
		})
	}
}

func TestCreateCustomSectionSkipsActivitiesChangedMidMatch(t *testing.T) {
	for _, tt := range activityChanges {
		t.Run(tt.name, func(t *testing.T) {
			env, hook := newHookedEnv(t)
			ctx := context.Background()
			seedActivities(t, env.db)
			hook.afterList = func() { tt.change(t, env.db) }

			id, err := env.engine.CreateCustomSection(ctx, CustomSectionInput{
				Sport:  "Ride",
				Points: walk(routeStart, routeBend, routeEnd),
			})
			if err != nil {
				t.Fatalf("CreateCustomSection() error = %v", err)
			}
			sec, err := env.engine.Section(ctx, id)
			if err != nil {
				t.Fatalf("Section() error = %v", err)
			}
			got := map[string]bool{}
			for _, p := range sec.Portions {
				got[p.ActivityID] = true
			}
			want := map[string]bool{"a1": true, "a3": true, "a4": true}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("matched activities mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
