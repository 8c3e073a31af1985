package sections

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/rtree"
	"golang.org/x/sync/errgroup"

	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
)

// stableSamples is the resampling used when comparing references across
// runs.
const stableSamples = 50

// Result is the outcome of a detection run.
type Result struct {
	Sections []models.Section
	// Unmatched lists activities skipped because their track was unusable.
	Unmatched []string
}

// Detector finds recurring sections across activities at several scales.
type Detector struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewDetector(cfg Config, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cfg: cfg.withDefaults(), logger: logger, now: time.Now}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// prepared is an activity ready for window generation.
type prepared struct {
	activity *models.Activity
	cum      []float64
	bounds   geo.Bounds
}

// Units returns the number of progress units Run reports for activities.
func (d *Detector) Units(activities []models.Activity) int {
	sports := make(map[models.Sport]struct{})
	for _, a := range activities {
		if validateTrack(a.Track) == nil {
			sports[a.Sport] = struct{}{}
		}
	}
	return (len(activities) + len(sports)) * len(d.cfg.Scales)
}

// Run detects sections in activities. previous holds the auto sections of
// an earlier run; a new section that matches one of them keeps its id.
// Activities with unusable tracks are skipped and listed in
// Result.Unmatched. Run stops between work units when ctx is cancelled.
func (d *Detector) Run(ctx context.Context, activities []models.Activity, previous []models.Section, progress *Progress) (*Result, error) {
	res := &Result{}

	bySport := make(map[models.Sport][]prepared)
	for i := range activities {
		a := &activities[i]
		if err := validateTrack(a.Track); err != nil {
			d.logger.Warn("skipping activity in detection", "activity_id", a.ID, "error", err)
			res.Unmatched = append(res.Unmatched, a.ID)
			// keep progress totals consistent with Units
			progress.Add(len(d.cfg.Scales))
			continue
		}
		bySport[a.Sport] = append(bySport[a.Sport], prepared{
			activity: a,
			cum:      geo.CumulativeDistances(a.Track),
			bounds:   geo.BoundsOf(a.Track),
		})
	}

	prevBySport := make(map[models.Sport][]models.Section)
	for _, s := range previous {
		if s.Origin == models.OriginAuto {
			prevBySport[s.Sport] = append(prevBySport[s.Sport], s)
		}
	}

	sports := make([]models.Sport, 0, len(bySport))
	for s := range bySport {
		sports = append(sports, s)
	}
	sort.Slice(sports, func(i, j int) bool { return sports[i] < sports[j] })

	progress.SetPhase(PhaseCandidates)
	results := make([][]models.Section, len(sports))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrency)
	for i, sport := range sports {
		i, sport := i, sport
		g.Go(func() error {
			secs, err := d.detectSport(gctx, sport, bySport[sport], progress)
			if err != nil {
				return err
			}
			results[i] = d.assignIDs(sport, secs, prevBySport[sport])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, secs := range results {
		res.Sections = append(res.Sections, secs...)
	}
	d.logger.Info("section detection finished",
		"activities", len(activities),
		"sections", len(res.Sections),
		"unmatched", len(res.Unmatched))
	return res, nil
}

func validateTrack(track []geo.Point) error {
	if len(track) < 2 {
		return fmt.Errorf("track has %d points", len(track))
	}
	for i, p := range track {
		if !p.Valid() {
			return fmt.Errorf("invalid coordinate at index %d", i)
		}
	}
	return nil
}

func (d *Detector) detectSport(ctx context.Context, sport models.Sport, acts []prepared, progress *Progress) ([]models.Section, error) {
	var out []models.Section
	for _, scale := range d.cfg.Scales {
		progress.SetPhase(PhaseClustering)
		clusters, err := d.discover(ctx, acts, scale, progress)
		if err != nil {
			return nil, err
		}
		progress.SetPhase(PhasePortions)
		secs, err := d.materialize(ctx, sport, acts, scale, clusters)
		if err != nil {
			return nil, err
		}
		out = append(out, d.dedupe(secs, scale)...)
		progress.Add(1)
	}
	return out, nil
}

// window is a candidate stretch of one activity.
type window struct {
	act        int
	start, end int
	length     float64
	samples    []geo.Point
	bounds     geo.Bounds
	// dir is the direction relative to the cluster's seed window.
	dir models.Direction
}

type cluster struct {
	ref     window
	members []window
}

func (c *cluster) distinctActivities() int {
	seen := make(map[int]struct{}, len(c.members))
	for _, m := range c.members {
		seen[m.act] = struct{}{}
	}
	return len(seen)
}

// windows slides a window of the scale's length over the track, advancing
// by WindowStepFraction of its length.
func (d *Detector) windows(act int, p prepared, scale Scale) []window {
	track := p.activity.Track
	cum := p.cum
	step := scale.WindowLength * d.cfg.WindowStepFraction

	var out []window
	end := 0
	for start := 0; start < len(track)-1; {
		if end < start+1 {
			end = start + 1
		}
		for end < len(track)-1 && cum[end]-cum[start] < scale.WindowLength {
			end++
		}
		length := cum[end] - cum[start]
		if length < scale.WindowLength {
			break
		}
		if length <= scale.MaxLength {
			pts := track[start : end+1]
			out = append(out, window{
				act:     act,
				start:   start,
				end:     end,
				length:  length,
				samples: geo.ResampleSpacing(pts, scale.Proximity/2),
				bounds:  geo.BoundsOf(pts),
			})
		}

		next := start + 1
		for next < len(track)-1 && cum[next] < cum[start]+step {
			next++
		}
		start = next
	}
	return out
}

// discover clusters windows across activities. A window joins the cluster
// whose reference it overlaps best in both directions; otherwise it seeds a
// new cluster. Only clusters visited by enough distinct activities are
// returned.
func (d *Detector) discover(ctx context.Context, acts []prepared, scale Scale, progress *Progress) ([]*cluster, error) {
	var (
		tree     rtree.RTreeG[int]
		clusters []*cluster
	)
	startSlack := scale.WindowLength*d.cfg.WindowStepFraction + 2*scale.Proximity

	for ai, p := range acts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, w := range d.windows(ai, p, scale) {
			w0 := w.samples[0]
			box := w.bounds.Expand(scale.Proximity)
			best, bestScore := -1, 0.0
			tree.Search(box.Min(), box.Max(), func(_, _ [2]float64, ci int) bool {
				ref := clusters[ci].ref.samples
				if math.Min(geo.Distance(w0, ref[0]), geo.Distance(w0, ref[len(ref)-1])) > startSlack {
					return true
				}
				fwd := geo.PolylineOverlap(w.samples, ref, scale.Proximity)
				if fwd < scale.OverlapThreshold {
					return true
				}
				back := geo.PolylineOverlap(ref, w.samples, scale.Proximity)
				if back < scale.OverlapThreshold {
					return true
				}
				if score := (fwd + back) / 2; score > bestScore {
					best, bestScore = ci, score
				}
				return true
			})
			if best >= 0 {
				w.dir = ResolveDirection(w.samples, clusters[best].ref.samples, scale.Proximity)
				clusters[best].members = append(clusters[best].members, w)
				continue
			}
			w.dir = models.DirectionSame
			clusters = append(clusters, &cluster{ref: w, members: []window{w}})
			tree.Insert(w.bounds.Min(), w.bounds.Max(), len(clusters)-1)
		}
		progress.Add(1)
	}

	var out []*cluster
	for _, c := range clusters {
		if c.distinctActivities() >= d.cfg.MinActivities {
			out = append(out, c)
		}
	}
	return out, nil
}

// typicalMember returns the member whose length is closest to the median
// member length, taken from the members travelling in the majority
// direction. The reference is always one member's own geometry, never an
// average.
func typicalMember(members []window) window {
	var same, reverse []window
	for _, m := range members {
		if m.dir == models.DirectionReverse {
			reverse = append(reverse, m)
		} else {
			same = append(same, m)
		}
	}
	if len(reverse) > len(same) {
		members = reverse
	} else {
		members = same
	}

	lengths := make([]float64, len(members))
	for i, m := range members {
		lengths[i] = m.length
	}
	sort.Float64s(lengths)
	median := lengths[len(lengths)/2]
	if len(lengths)%2 == 0 {
		median = (lengths[len(lengths)/2-1] + lengths[len(lengths)/2]) / 2
	}

	best := members[0]
	for _, m := range members[1:] {
		if math.Abs(m.length-median) < math.Abs(best.length-median) {
			best = m
		}
	}
	return best
}

// materialize turns clusters into sections: choose the reference, match
// every activity of the sport against it and apply the frequency gate.
func (d *Detector) materialize(ctx context.Context, sport models.Sport, acts []prepared, scale Scale, clusters []*cluster) ([]models.Section, error) {
	all := make([]models.Activity, len(acts))
	for i, p := range acts {
		all[i] = *p.activity
	}
	opts := MatchOptions{
		Proximity:       scale.Proximity,
		MinCoverage:     d.cfg.MinCoverage,
		LengthTolerance: d.cfg.LengthTolerance,
		MaxGap:          d.cfg.MaxGap,
	}

	var out []models.Section
	for _, c := range clusters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m := typicalMember(c.members)
		src := acts[m.act].activity
		ref := append([]geo.Point(nil), src.Track[m.start:m.end+1]...)
		length := geo.PolylineLength(ref)
		if length < scale.MinLength || length > scale.MaxLength {
			continue
		}

		portions := MatchActivities(ref, all, opts)
		sec := models.Section{
			Origin:                   models.OriginAuto,
			Sport:                    sport,
			DistanceMeters:           length,
			ReferenceTrack:           ref,
			RepresentativeActivityID: src.ID,
			Scale:                    scale.Name,
			Portions:                 portions,
		}
		if sec.ActivityCount() < d.cfg.MinActivities {
			continue
		}
		out = append(out, sec)
	}
	return out, nil
}

// dedupe drops sections that mostly overlap a stronger section of the same
// scale. Strength is distinct activity count, then length.
func (d *Detector) dedupe(secs []models.Section, scale Scale) []models.Section {
	sort.SliceStable(secs, func(i, j int) bool {
		ci, cj := secs[i].ActivityCount(), secs[j].ActivityCount()
		if ci != cj {
			return ci > cj
		}
		return secs[i].DistanceMeters > secs[j].DistanceMeters
	})

	var (
		kept    []models.Section
		samples [][]geo.Point
	)
	for _, s := range secs {
		smp := geo.ResampleSpacing(s.ReferenceTrack, scale.Proximity/2)
		dup := false
		for _, k := range samples {
			if geo.PolylineOverlap(smp, k, scale.Proximity) >= d.cfg.DuplicateOverlap {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, s)
			samples = append(samples, smp)
		}
	}
	return kept
}

// assignIDs gives each section a stable id: the id of a previous section
// with materially the same reference, or one derived from its geometry.
func (d *Detector) assignIDs(sport models.Sport, secs, previous []models.Section) []models.Section {
	used := make(map[string]bool)
	prevSamples := make([][]geo.Point, len(previous))
	for i, p := range previous {
		prevSamples[i] = geo.Resample(p.ReferenceTrack, stableSamples)
	}

	now := d.now()
	for i := range secs {
		s := &secs[i]
		cur := geo.Resample(s.ReferenceTrack, stableSamples)

		best, bestAMD := -1, math.Inf(1)
		for j, p := range previous {
			if used[p.ID] || p.DistanceMeters <= 0 {
				continue
			}
			if math.Abs(s.DistanceMeters/p.DistanceMeters-1) > d.cfg.StableLengthTolerance {
				continue
			}
			amd := (geo.AverageMinDistance(cur, prevSamples[j]) + geo.AverageMinDistance(prevSamples[j], cur)) / 2
			if amd <= d.cfg.StableMaxAMD && amd < bestAMD {
				best, bestAMD = j, amd
			}
		}
		if best >= 0 {
			s.ID = previous[best].ID
			s.CreatedAt = previous[best].CreatedAt
		} else {
			s.ID = geometryID(sport, s.Scale, s.ReferenceTrack)
			for n := 2; used[s.ID]; n++ {
				s.ID = fmt.Sprintf("%s-%d", geometryID(sport, s.Scale, s.ReferenceTrack), n)
			}
			s.CreatedAt = now
		}
		used[s.ID] = true
		for k := range s.Portions {
			s.Portions[k].SectionID = s.ID
		}
	}
	return secs
}

// geometryID derives an id from sport, scale and rounded endpoint and
// midpoint coordinates, so an unchanged reference maps to the same id even
// without a previous run.
func geometryID(sport models.Sport, scale string, ref []geo.Point) string {
	mid := geo.Resample(ref, 3)
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s", sport, scale)
	for _, p := range mid {
		fmt.Fprintf(&b, "|%.4f,%.4f", p.Lat, p.Lng)
	}
	sum := sha256.Sum256([]byte(b.String()))
	slug := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(string(sport)), " ", "-"))
	return "sec_" + slug + "_" + hex.EncodeToString(sum[:6])
}
