package geo

import "math"

// metersPerDegreeLat is used for cheap latitude rejection before haversine.
const metersPerDegreeLat = 111320.0

// PolylineOverlap returns the fraction of points in a that lie within
// threshold meters of some point in b. It is asymmetric: PolylineOverlap(a, b)
// need not equal PolylineOverlap(b, a). Either input empty yields 0.
func PolylineOverlap(a, b []Point, threshold float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	latSlack := threshold / metersPerDegreeLat

	matched := 0
	for _, p := range a {
		for _, q := range b {
			if math.Abs(p.Lat-q.Lat) > latSlack {
				continue
			}
			if Distance(p, q) <= threshold {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(a))
}

// Bounds is a lat/lng bounding box.
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

// BoundsOf returns the bounding box of points. The zero Bounds is returned
// for an empty input.
func BoundsOf(points []Point) Bounds {
	if len(points) == 0 {
		return Bounds{}
	}
	b := Bounds{MinLat: points[0].Lat, MaxLat: points[0].Lat, MinLng: points[0].Lng, MaxLng: points[0].Lng}
	for _, p := range points[1:] {
		b.MinLat = math.Min(b.MinLat, p.Lat)
		b.MaxLat = math.Max(b.MaxLat, p.Lat)
		b.MinLng = math.Min(b.MinLng, p.Lng)
		b.MaxLng = math.Max(b.MaxLng, p.Lng)
	}
	return b
}

// Expand grows the box by meters on every side.
func (b Bounds) Expand(meters float64) Bounds {
	dLat := meters / metersPerDegreeLat
	midLat := toRadians((b.MinLat + b.MaxLat) / 2)
	cos := math.Max(math.Cos(midLat), 0.01)
	dLng := meters / (metersPerDegreeLat * cos)
	return Bounds{
		MinLat: b.MinLat - dLat,
		MinLng: b.MinLng - dLng,
		MaxLat: b.MaxLat + dLat,
		MaxLng: b.MaxLng + dLng,
	}
}

// Intersects reports whether the two boxes overlap.
func (b Bounds) Intersects(o Bounds) bool {
	return b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat &&
		b.MinLng <= o.MaxLng && o.MinLng <= b.MaxLng
}

// Min and Max return the corners in the [lng, lat] order used by spatial
// indexes.
func (b Bounds) Min() [2]float64 { return [2]float64{b.MinLng, b.MinLat} }
func (b Bounds) Max() [2]float64 { return [2]float64{b.MaxLng, b.MaxLat} }

// MatchPercentage converts an average minimum distance into a 0-100 score.
// perfect or closer scores 100, zero or farther scores 0, linear between.
func MatchPercentage(amd, perfect, zero float64) float64 {
	switch {
	case amd <= perfect:
		return 100
	case amd >= zero:
		return 0
	}
	return 100 * (zero - amd) / (zero - perfect)
}
