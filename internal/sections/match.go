package sections

import (
	"math"
	"sort"

	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
)

// directionSamples is the number of points compared when resolving
// direction.
const directionSamples = 20

// Match is one traversal of a reference found in a track.
type Match struct {
	StartIndex     int
	EndIndex       int
	Direction      models.Direction
	DistanceMeters float64
	Coverage       float64
}

// ResolveDirection compares sub against ref point by point, forwards and
// reversed. It returns DirectionReverse only when the forward comparison
// fails and the reversed one is closer; anything else is DirectionSame.
func ResolveDirection(sub, ref []geo.Point, proximity float64) models.Direction {
	if len(sub) < 2 || len(ref) < 2 {
		return models.DirectionSame
	}
	a := geo.Resample(sub, directionSamples)
	r := geo.Resample(ref, directionSamples)
	var fwd, rev float64
	for i := range a {
		fwd += geo.Distance(a[i], r[i])
		rev += geo.Distance(a[i], r[len(r)-1-i])
	}
	fwd /= float64(len(a))
	rev /= float64(len(a))
	if fwd > proximity && rev < fwd {
		return models.DirectionReverse
	}
	return models.DirectionSame
}

// reference is a prepared section geometry for repeated matching.
type reference struct {
	points  []geo.Point
	samples []geo.Point
	length  float64
	bounds  geo.Bounds
}

func newReference(points []geo.Point, proximity float64) reference {
	return reference{
		points:  points,
		samples: geo.ResampleSpacing(points, proximity/2),
		length:  geo.PolylineLength(points),
		bounds:  geo.BoundsOf(points).Expand(proximity),
	}
}

// FindPortions returns every traversal of ref within track. A traversal
// starts and ends where the track passes the reference's endpoints, stays
// on the reference with at most opts.MaxGap off-route segments, covers at
// least opts.MinCoverage of it and has a length within opts.LengthTolerance
// of the reference length.
func FindPortions(track, ref []geo.Point, opts MatchOptions) []Match {
	if len(track) < 2 || len(ref) < 2 {
		return nil
	}
	r := newReference(ref, opts.Proximity)
	return findPortions(track, r, opts)
}

func findPortions(track []geo.Point, r reference, opts MatchOptions) []Match {
	if len(track) < 2 || r.length == 0 {
		return nil
	}

	nseg := len(track) - 1
	near := make([]bool, nseg)
	found := false
	for k := 0; k < nseg; k++ {
		if !geo.BoundsOf(track[k : k+2]).Intersects(r.bounds) {
			continue
		}
		for _, s := range r.samples {
			if geo.SegmentDistance(s, track[k], track[k+1]) <= opts.Proximity {
				near[k] = true
				found = true
				break
			}
		}
	}
	if !found {
		return nil
	}

	var out []Match
	for _, run := range nearRuns(near, opts.MaxGap) {
		out = append(out, matchRun(track, run[0], run[1], r, opts)...)
	}
	return out
}

// nearRuns groups near segments into [first, last] segment ranges, bridging
// gaps of up to maxGap segments.
func nearRuns(near []bool, maxGap int) [][2]int {
	var runs [][2]int
	for k := 0; k < len(near); {
		if !near[k] {
			k++
			continue
		}
		start, end, gap := k, k, 0
		for j := k + 1; j < len(near); j++ {
			if near[j] {
				end, gap = j, 0
				continue
			}
			gap++
			if gap > maxGap {
				break
			}
		}
		runs = append(runs, [2]int{start, end})
		k = end + 1
	}
	return runs
}

type endpointHit struct {
	index int
	end   int // 0 = reference start, 1 = reference end
}

// matchRun splits a run of near segments at the places where the track
// passes the reference endpoints and validates each piece.
func matchRun(track []geo.Point, first, last int, r reference, opts MatchOptions) []Match {
	endpoints := [2]geo.Point{r.points[0], r.points[len(r.points)-1]}

	var hits []endpointHit
	for e, ep := range endpoints {
		bestSeg, bestDist := -1, math.Inf(1)
		flush := func() {
			if bestSeg < 0 {
				return
			}
			idx := bestSeg
			if geo.Distance(ep, track[bestSeg+1]) < geo.Distance(ep, track[bestSeg]) {
				idx = bestSeg + 1
			}
			hits = append(hits, endpointHit{index: idx, end: e})
			bestSeg, bestDist = -1, math.Inf(1)
		}
		for k := first; k <= last; k++ {
			d := geo.SegmentDistance(ep, track[k], track[k+1])
			if d <= opts.Proximity {
				if d < bestDist {
					bestSeg, bestDist = k, d
				}
				continue
			}
			flush()
		}
		flush()
	}
	if len(hits) < 2 {
		return nil
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].index != hits[j].index {
			return hits[i].index < hits[j].index
		}
		return hits[i].end < hits[j].end
	})

	var out []Match
	for i := 0; i+1 < len(hits); i++ {
		a, b := hits[i], hits[i+1]
		if a.end == b.end || a.index >= b.index {
			continue
		}
		sub := track[a.index : b.index+1]
		length := geo.PolylineLength(sub)
		if length < r.length*(1-opts.LengthTolerance) || length > r.length*(1+opts.LengthTolerance) {
			continue
		}
		cov := coverage(r.samples, sub, opts.Proximity)
		if cov < opts.MinCoverage {
			continue
		}
		out = append(out, Match{
			StartIndex:     a.index,
			EndIndex:       b.index,
			Direction:      ResolveDirection(sub, r.points, opts.Proximity),
			DistanceMeters: length,
			Coverage:       cov,
		})
	}
	return out
}

// coverage is the fraction of samples within proximity of the polyline.
func coverage(samples, polyline []geo.Point, proximity float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	hit := 0
	for _, s := range samples {
		if geo.DistanceToPolyline(s, polyline) <= proximity {
			hit++
		}
	}
	return float64(hit) / float64(len(samples))
}

// MatchActivities matches every activity against ref and returns the
// resulting portions with ActivityID set. Activities whose bounds miss the
// reference are skipped without further work.
func MatchActivities(ref []geo.Point, activities []models.Activity, opts MatchOptions) []models.SectionPortion {
	if len(ref) < 2 {
		return nil
	}
	r := newReference(ref, opts.Proximity)
	var out []models.SectionPortion
	for i := range activities {
		a := &activities[i]
		if len(a.Track) < 2 || !geo.BoundsOf(a.Track).Intersects(r.bounds) {
			continue
		}
		for _, m := range findPortions(a.Track, r, opts) {
			out = append(out, models.SectionPortion{
				ActivityID:       a.ID,
				Direction:        m.Direction,
				StartIndex:       m.StartIndex,
				EndIndex:         m.EndIndex,
				DistanceMeters:   m.DistanceMeters,
				ActivityRevision: a.Revision,
			})
		}
	}
	return out
}
