// Package geo holds the geometry helpers shared by ingest, detection and
// matching. All distances are in meters.
package geo

import "math"

// EarthRadius is the mean Earth radius in meters.
const EarthRadius = 6371000.0

// DefaultTolerance is the default simplification tolerance in meters.
const DefaultTolerance = 5.0

// Point is a single GPS fix. Alt is nil when the source had no elevation.
type Point struct {
	Lat float64  `json:"lat"`
	Lng float64  `json:"lng"`
	Alt *float64 `json:"alt,omitempty"`
}

// Valid reports whether the point has finite in-range coordinates.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Distance returns the great-circle distance between two points using the
// haversine formula. Identical points return exactly 0.
func Distance(a, b Point) float64 {
	if a.Lat == b.Lat && a.Lng == b.Lng {
		return 0
	}
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	// rounding can push h just outside [0,1] near antipodes
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadius * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// PolylineLength returns the summed segment length of points.
func PolylineLength(points []Point) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

// CumulativeDistances returns the distance from the first point to each
// point along the polyline.
func CumulativeDistances(points []Point) []float64 {
	out := make([]float64, len(points))
	for i := 1; i < len(points); i++ {
		out[i] = out[i-1] + Distance(points[i-1], points[i])
	}
	return out
}

// Reverse returns a reversed copy of points.
func Reverse(points []Point) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[len(points)-1-i] = p
	}
	return out
}

// Interpolate returns the point at fraction t along the segment a-b.
func Interpolate(a, b Point, t float64) Point {
	p := Point{
		Lat: a.Lat + (b.Lat-a.Lat)*t,
		Lng: a.Lng + (b.Lng-a.Lng)*t,
	}
	if a.Alt != nil && b.Alt != nil {
		alt := *a.Alt + (*b.Alt-*a.Alt)*t
		p.Alt = &alt
	}
	return p
}

// Resample returns n points evenly spaced by distance along the polyline.
// Inputs shorter than two points, or n < 2, are returned as a copy.
func Resample(points []Point, n int) []Point {
	if len(points) < 2 || n < 2 {
		return append([]Point(nil), points...)
	}
	cum := CumulativeDistances(points)
	total := cum[len(cum)-1]
	if total == 0 {
		out := make([]Point, n)
		for i := range out {
			out[i] = points[0]
		}
		return out
	}

	out := make([]Point, 0, n)
	seg := 0
	for i := 0; i < n; i++ {
		target := total * float64(i) / float64(n-1)
		for seg < len(points)-2 && cum[seg+1] < target {
			seg++
		}
		span := cum[seg+1] - cum[seg]
		t := 0.0
		if span > 0 {
			t = (target - cum[seg]) / span
		}
		out = append(out, Interpolate(points[seg], points[seg+1], math.Min(1, math.Max(0, t))))
	}
	return out
}

// ResampleSpacing resamples the polyline to roughly one point every spacing
// meters, never fewer than two points.
func ResampleSpacing(points []Point, spacing float64) []Point {
	if len(points) < 2 || spacing <= 0 {
		return append([]Point(nil), points...)
	}
	n := int(math.Ceil(PolylineLength(points)/spacing)) + 1
	if n < 2 {
		n = 2
	}
	return Resample(points, n)
}

// project maps p to a local planar frame centered on origin, in meters.
func project(p, origin Point) (x, y float64) {
	x = toRadians(p.Lng-origin.Lng) * math.Cos(toRadians(origin.Lat)) * EarthRadius
	y = toRadians(p.Lat-origin.Lat) * EarthRadius
	return x, y
}

// SegmentDistance returns the distance from p to the segment a-b.
func SegmentDistance(p, a, b Point) float64 {
	bx, by := project(b, a)
	px, py := project(p, a)
	lenSq := bx*bx + by*by
	if lenSq == 0 {
		return Distance(p, a)
	}
	t := (px*bx + py*by) / lenSq
	if t <= 0 {
		return Distance(p, a)
	}
	if t >= 1 {
		return Distance(p, b)
	}
	dx := px - t*bx
	dy := py - t*by
	return math.Hypot(dx, dy)
}

// DistanceToPolyline returns the distance from p to the nearest segment of
// points, or +Inf for an empty polyline.
func DistanceToPolyline(p Point, points []Point) float64 {
	switch len(points) {
	case 0:
		return math.Inf(1)
	case 1:
		return Distance(p, points[0])
	}
	best := math.Inf(1)
	for i := 1; i < len(points); i++ {
		if d := SegmentDistance(p, points[i-1], points[i]); d < best {
			best = d
		}
	}
	return best
}

// AverageMinDistance is the mean, over points in a, of the distance to the
// nearest point in b.
func AverageMinDistance(a, b []Point) float64 {
	if len(a) == 0 || len(b) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for _, p := range a {
		best := math.Inf(1)
		for _, q := range b {
			if d := Distance(p, q); d < best {
				best = d
			}
		}
		sum += best
	}
	return sum / float64(len(a))
}
