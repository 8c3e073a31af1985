package sections

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
)

func routeActivities() []models.Activity {
	shifted := walk([2]float64{0, 10}, [2]float64{0, 1010}, [2]float64{500, 1010})
	detour := walk(routeStart, [2]float64{500, 0}, routeEnd)
	run := timedActivity("run", 5, walk(routeStart, routeBend, routeEnd))
	run.Sport = "Run"

	return []models.Activity{
		timedActivity("r1", 1, walk(routeStart, routeBend, routeEnd)),
		timedActivity("r2", 2, shifted),
		timedActivity("r3", 3, geo.Reverse(walk(routeStart, routeBend, routeEnd))),
		timedActivity("detour", 4, detour),
		run,
		{ID: "empty", Sport: "Ride"},
	}
}

func TestGroupRoutes(t *testing.T) {
	groups := GroupRoutes(routeActivities(), DefaultRouteOptions())
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1: %+v", len(groups), groups)
	}
	g := groups[0]
	if diff := cmp.Diff([]string{"r1", "r2", "r3"}, g.ActivityIDs); diff != "" {
		t.Errorf("members mismatch (-want +got):\n%s", diff)
	}
	if g.Sport != "Ride" {
		t.Errorf("sport = %s", g.Sport)
	}
	found := false
	for _, id := range g.ActivityIDs {
		found = found || id == g.RepresentativeID
	}
	if !found {
		t.Errorf("representative %q is not a member", g.RepresentativeID)
	}

	again := GroupRoutes(routeActivities(), DefaultRouteOptions())
	if again[0].ID != g.ID {
		t.Errorf("group id changed: %s then %s", g.ID, again[0].ID)
	}
}

func TestGroupRoutesMinActivities(t *testing.T) {
	opts := DefaultRouteOptions()
	opts.MinActivities = 4
	if groups := GroupRoutes(routeActivities(), opts); len(groups) != 0 {
		t.Errorf("got %d groups with a minimum of 4", len(groups))
	}

	opts.MinActivities = 1
	groups := GroupRoutes(routeActivities(), opts)
	total := 0
	for _, g := range groups {
		total += len(g.ActivityIDs)
	}
	// every activity with a usable track lands in exactly one group
	if total != 5 {
		t.Errorf("grouped %d activities, want 5", total)
	}
	if len(groups[0].ActivityIDs) != 3 {
		t.Errorf("largest group has %d members, want 3", len(groups[0].ActivityIDs))
	}
}

func TestUnionFind(t *testing.T) {
	uf := newUnionFind(5)
	uf.union(3, 4)
	uf.union(1, 4)
	if uf.find(1) != uf.find(3) {
		t.Error("1 and 3 should share a root")
	}
	if uf.find(0) == uf.find(1) || uf.find(2) == uf.find(1) {
		t.Error("unrelated sets were merged")
	}
}
