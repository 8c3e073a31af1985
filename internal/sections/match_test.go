package sections

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
)

func TestFindPortions(t *testing.T) {
	ref := walk([2]float64{0, 0}, [2]float64{0, 1000})
	opts := CustomMatchOptions

	tests := []struct {
		name  string
		track []geo.Point
		want  []models.Direction
	}{
		{
			name:  "straight through",
			track: walk([2]float64{-300, 0}, [2]float64{0, 0}, [2]float64{0, 1000}, [2]float64{0, 1300}),
			want:  []models.Direction{models.DirectionSame},
		},
		{
			name:  "reversed",
			track: walk([2]float64{0, 1300}, [2]float64{0, 1000}, [2]float64{0, 0}, [2]float64{-300, 0}),
			want:  []models.Direction{models.DirectionReverse},
		},
		{
			name:  "out and back",
			track: walk([2]float64{0, 0}, [2]float64{0, 1000}, [2]float64{0, 0}),
			want:  []models.Direction{models.DirectionSame, models.DirectionReverse},
		},
		{
			name:  "covers half",
			track: walk([2]float64{-300, 0}, [2]float64{0, 0}, [2]float64{0, 500}, [2]float64{300, 500}),
		},
		{
			name:  "elsewhere",
			track: walk([2]float64{2000, 0}, [2]float64{2000, 1000}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindPortions(tt.track, ref, opts)
			var dirs []models.Direction
			for _, m := range got {
				dirs = append(dirs, m.Direction)
				if m.StartIndex >= m.EndIndex || m.EndIndex >= len(tt.track) {
					t.Errorf("bad range [%d,%d] for %d points", m.StartIndex, m.EndIndex, len(tt.track))
				}
				if math.Abs(m.DistanceMeters-1000) > 50 {
					t.Errorf("portion length %.1f, want about 1000", m.DistanceMeters)
				}
				if m.Coverage < opts.MinCoverage {
					t.Errorf("coverage %.2f below minimum", m.Coverage)
				}
			}
			if diff := cmp.Diff(tt.want, dirs); diff != "" {
				t.Errorf("directions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFindPortionsShortInput(t *testing.T) {
	ref := walk([2]float64{0, 0}, [2]float64{0, 1000})
	if got := FindPortions([]geo.Point{origin}, ref, CustomMatchOptions); got != nil {
		t.Errorf("single point track matched: %+v", got)
	}
	if got := FindPortions(ref, ref[:1], CustomMatchOptions); got != nil {
		t.Errorf("single point reference matched: %+v", got)
	}
}

func TestResolveDirection(t *testing.T) {
	ref := walk(routeStart, routeBend, routeEnd)
	if got := ResolveDirection(ref, ref, 30); got != models.DirectionSame {
		t.Errorf("identical = %s, want same", got)
	}
	if got := ResolveDirection(geo.Reverse(ref), ref, 30); got != models.DirectionReverse {
		t.Errorf("reversed = %s, want reverse", got)
	}
	if got := ResolveDirection(ref[:1], ref, 30); got != models.DirectionSame {
		t.Errorf("degenerate = %s, want same", got)
	}
}

func TestNearRuns(t *testing.T) {
	near := []bool{false, true, true, false, false, true, false, false, false, false, true}
	want := [][2]int{{1, 5}, {10, 10}}
	if diff := cmp.Diff(want, nearRuns(near, 2)); diff != "" {
		t.Errorf("nearRuns mismatch (-want +got):\n%s", diff)
	}
	if got := nearRuns(make([]bool, 4), 2); got != nil {
		t.Errorf("nearRuns(all false) = %v", got)
	}
}

func TestMatchActivities(t *testing.T) {
	ref := walk(routeStart, routeBend, routeEnd)
	acts := fixtureActivities()
	portions := MatchActivities(ref, acts, CustomMatchOptions)

	got := map[string]models.Direction{}
	for _, p := range portions {
		got[p.ActivityID] = p.Direction
	}
	want := map[string]models.Direction{
		"a1": models.DirectionSame,
		"a2": models.DirectionSame,
		"a3": models.DirectionSame,
		"a4": models.DirectionReverse,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("matched activities mismatch (-want +got):\n%s", diff)
	}
}
