package sections

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"

	"github.com/tidwall/rtree"

	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
)

// RouteOptions tunes whole-route grouping.
type RouteOptions struct {
	MinActivities    int
	EndpointDistance float64
	DistanceRatio    float64
	MinMatch         float64
	PerfectAMD       float64
	ZeroAMD          float64
	Samples          int
}

// DefaultRouteOptions groups activities whose endpoints lie within 200 m,
// whose lengths differ by at most 20% and whose shapes match at least 65%.
func DefaultRouteOptions() RouteOptions {
	return RouteOptions{
		MinActivities:    2,
		EndpointDistance: 200,
		DistanceRatio:    0.2,
		MinMatch:         65,
		PerfectAMD:       30,
		ZeroAMD:          250,
		Samples:          50,
	}
}

type routeCandidate struct {
	activity *models.Activity
	samples  []geo.Point
	length   float64
}

// unionFind is a disjoint set over indices.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

// GroupRoutes clusters activities of the same sport that follow the same
// full route, in either direction. Groups smaller than MinActivities are
// dropped. Largest groups come first.
func GroupRoutes(activities []models.Activity, opts RouteOptions) []models.RouteGroup {
	if opts.MinActivities < 1 {
		opts.MinActivities = 1
	}
	bySport := make(map[models.Sport][]routeCandidate)
	for i := range activities {
		a := &activities[i]
		if validateTrack(a.Track) != nil {
			continue
		}
		bySport[a.Sport] = append(bySport[a.Sport], routeCandidate{
			activity: a,
			samples:  geo.Resample(a.Track, opts.Samples),
			length:   geo.PolylineLength(a.Track),
		})
	}

	var groups []models.RouteGroup
	for sport, cands := range bySport {
		groups = append(groups, groupSport(sport, cands, opts)...)
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].ActivityIDs) != len(groups[j].ActivityIDs) {
			return len(groups[i].ActivityIDs) > len(groups[j].ActivityIDs)
		}
		return groups[i].ID < groups[j].ID
	})
	return groups
}

func groupSport(sport models.Sport, cands []routeCandidate, opts RouteOptions) []models.RouteGroup {
	var starts rtree.RTreeG[int]
	for i, c := range cands {
		p := c.samples[0]
		starts.Insert([2]float64{p.Lng, p.Lat}, [2]float64{p.Lng, p.Lat}, i)
	}

	uf := newUnionFind(len(cands))
	for i, c := range cands {
		seen := make(map[int]struct{})
		for _, end := range []geo.Point{c.samples[0], c.samples[len(c.samples)-1]} {
			box := geo.BoundsOf([]geo.Point{end}).Expand(opts.EndpointDistance)
			starts.Search(box.Min(), box.Max(), func(_, _ [2]float64, j int) bool {
				if j > i {
					seen[j] = struct{}{}
				}
				return true
			})
		}
		for j := range seen {
			if sameRoute(c, cands[j], opts) {
				uf.union(i, j)
			}
		}
	}

	members := make(map[int][]int)
	for i := range cands {
		r := uf.find(i)
		members[r] = append(members[r], i)
	}

	var out []models.RouteGroup
	for _, idx := range members {
		if len(idx) < opts.MinActivities {
			continue
		}
		ids := make([]string, len(idx))
		for k, i := range idx {
			ids[k] = cands[i].activity.ID
		}
		sort.Strings(ids)
		out = append(out, models.RouteGroup{
			ID:               routeGroupID(ids),
			Sport:            sport,
			ActivityIDs:      ids,
			RepresentativeID: representative(cands, idx),
		})
	}
	return out
}

func sameRoute(a, b routeCandidate, opts RouteOptions) bool {
	longer := math.Max(a.length, b.length)
	if longer == 0 || math.Abs(a.length-b.length)/longer > opts.DistanceRatio {
		return false
	}
	aStart, aEnd := a.samples[0], a.samples[len(a.samples)-1]
	bStart, bEnd := b.samples[0], b.samples[len(b.samples)-1]
	forward := geo.Distance(aStart, bStart) <= opts.EndpointDistance && geo.Distance(aEnd, bEnd) <= opts.EndpointDistance
	backward := geo.Distance(aStart, bEnd) <= opts.EndpointDistance && geo.Distance(aEnd, bStart) <= opts.EndpointDistance
	if !forward && !backward {
		return false
	}
	amd := (geo.AverageMinDistance(a.samples, b.samples) + geo.AverageMinDistance(b.samples, a.samples)) / 2
	return geo.MatchPercentage(amd, opts.PerfectAMD, opts.ZeroAMD) >= opts.MinMatch
}

// representative is the member whose length is closest to the group median.
func representative(cands []routeCandidate, idx []int) string {
	lengths := make([]float64, len(idx))
	for k, i := range idx {
		lengths[k] = cands[i].length
	}
	sort.Float64s(lengths)
	median := lengths[len(lengths)/2]

	best := idx[0]
	for _, i := range idx[1:] {
		di := math.Abs(cands[i].length - median)
		db := math.Abs(cands[best].length - median)
		if di < db || (di == db && cands[i].activity.ID < cands[best].activity.ID) {
			best = i
		}
	}
	return cands[best].activity.ID
}

func routeGroupID(sortedIDs []string) string {
	sum := sha256.Sum256([]byte(strings.Join(sortedIDs, "\x00")))
	return "route_" + hex.EncodeToString(sum[:6])
}
