package codec

import (
	"github.com/twpayne/go-polyline"

	"github.com/sstent/veloengine/internal/geo"
)

// PolylinePrecision is the coordinate resolution of encoded polylines, in
// degrees (five decimal places, roughly 1 m).
const PolylinePrecision = 1e-5

// EncodePolyline encodes points in the Google encoded polyline format.
// Altitude is not carried.
func EncodePolyline(points []geo.Point) string {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Lat, p.Lng}
	}
	return string(polyline.EncodeCoords(coords))
}

// DecodePolyline decodes an encoded polyline. It reports false for malformed
// input or decoded coordinates outside valid ranges.
func DecodePolyline(encoded string) ([]geo.Point, bool) {
	if encoded == "" {
		return nil, true
	}
	coords, rest, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil || len(rest) != 0 {
		return nil, false
	}
	points := make([]geo.Point, 0, len(coords))
	for _, c := range coords {
		if len(c) != 2 {
			return nil, false
		}
		p := geo.Point{Lat: c[0], Lng: c[1]}
		if !p.Valid() {
			return nil, false
		}
		points = append(points, p)
	}
	return points, true
}
