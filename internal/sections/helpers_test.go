package sections

import (
	"math"
	"time"

	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
)

var origin = geo.Point{Lat: 46.0, Lng: 7.0}

// offset returns the point north and east meters away from origin.
func offset(north, east float64) geo.Point {
	return geo.Point{
		Lat: origin.Lat + north/111320.0,
		Lng: origin.Lng + east/(111320.0*math.Cos(origin.Lat*math.Pi/180)),
	}
}

// walk returns points every ~10 m along straight legs through the given
// (north, east) waypoints.
func walk(waypoints ...[2]float64) []geo.Point {
	var pts []geo.Point
	for i := 1; i < len(waypoints); i++ {
		a, b := waypoints[i-1], waypoints[i]
		dn, de := b[0]-a[0], b[1]-a[1]
		steps := int(math.Ceil(math.Hypot(dn, de) / 10))
		if steps < 1 {
			steps = 1
		}
		for s := 0; s < steps; s++ {
			t := float64(s) / float64(steps)
			pts = append(pts, offset(a[0]+dn*t, a[1]+de*t))
		}
	}
	last := waypoints[len(waypoints)-1]
	return append(pts, offset(last[0], last[1]))
}

// shared route: 1000 m east, then 500 m north
var (
	routeStart = [2]float64{0, 0}
	routeBend  = [2]float64{0, 1000}
	routeEnd   = [2]float64{500, 1000}
)

func timedActivity(id string, day int, track []geo.Point) models.Activity {
	offsets := make([]int32, len(track))
	for i := range offsets {
		offsets[i] = int32(i * 2) // 5 m/s over 10 m steps
	}
	return models.Activity{
		ID:              id,
		StartTime:       time.Date(2026, 1, day, 8, 0, 0, 0, time.UTC),
		Sport:           "Ride",
		DurationSeconds: float64(offsets[len(offsets)-1]),
		DistanceMeters:  geo.PolylineLength(track),
		Track:           track,
		TimeOffsets:     offsets,
	}
}

// fixtureActivities returns three forward traversals of the shared route
// with distinct approaches, one reverse traversal, one unrelated activity
// and one unusable track.
func fixtureActivities() []models.Activity {
	a1 := walk([2]float64{-600, 0}, routeStart, routeBend, routeEnd, [2]float64{500, 1600})
	a2 := walk([2]float64{-460, -460}, routeStart, routeBend, routeEnd, [2]float64{950, 1450})
	a3 := walk([2]float64{-500, 300}, routeStart, routeBend, routeEnd, [2]float64{500, 400})
	a4 := walk([2]float64{1300, 1000}, routeEnd, routeBend, routeStart, [2]float64{0, -600})

	far := walk([2]float64{-600, 0}, routeStart, routeBend, routeEnd)
	for i := range far {
		far[i].Lat += 1
	}

	return []models.Activity{
		timedActivity("a1", 1, a1),
		timedActivity("a2", 2, a2),
		timedActivity("a3", 3, a3),
		timedActivity("a4", 4, a4),
		timedActivity("far", 5, far),
		{ID: "bad", Sport: "Ride", Track: []geo.Point{origin}},
	}
}
