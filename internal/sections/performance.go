package sections

import (
	"sort"
	"time"

	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
)

// Performances derives per-traversal times and per-direction statistics for
// a section from its current portions. Elapsed time comes from the
// activity's time offsets when present, otherwise from its average pace.
// activities maps id to activity; portions of unknown activities are
// skipped.
func Performances(section *models.Section, activities map[string]*models.Activity) models.SectionPerformance {
	perf := models.SectionPerformance{SectionID: section.ID}

	for _, p := range section.Portions {
		a, ok := activities[p.ActivityID]
		if !ok || p.Validate(len(a.Track)) != nil {
			continue
		}
		tr := models.Traversal{
			ActivityID:     a.ID,
			StartTime:      a.StartTime,
			Direction:      models.ParseDirection(string(p.Direction)),
			DistanceMeters: p.DistanceMeters,
		}
		switch {
		case a.HasTimes():
			elapsed := float64(a.TimeOffsets[p.EndIndex] - a.TimeOffsets[p.StartIndex])
			if elapsed > 0 {
				tr.ElapsedSeconds = &elapsed
			}
			tr.StartTime = a.StartTime.Add(time.Duration(a.TimeOffsets[p.StartIndex]) * time.Second)
		case a.DurationSeconds > 0 && a.DistanceMeters > 0:
			elapsed := a.DurationSeconds * p.DistanceMeters / a.DistanceMeters
			tr.ElapsedSeconds = &elapsed
		}
		perf.Traversals = append(perf.Traversals, tr)
	}

	sort.SliceStable(perf.Traversals, func(i, j int) bool {
		return perf.Traversals[i].StartTime.Before(perf.Traversals[j].StartTime)
	})
	perf.Same = directionStats(perf.Traversals, models.DirectionSame)
	perf.Reverse = directionStats(perf.Traversals, models.DirectionReverse)
	return perf
}

// directionStats leaves AvgTimeSeconds and LastActivityTime nil when no
// traversal supplies them.
func directionStats(traversals []models.Traversal, dir models.Direction) models.DirectionStats {
	var (
		stats models.DirectionStats
		sum   float64
		timed int
	)
	for _, t := range traversals {
		if t.Direction != dir {
			continue
		}
		stats.Count++
		if t.ElapsedSeconds != nil {
			sum += *t.ElapsedSeconds
			timed++
		}
		if !t.StartTime.IsZero() && (stats.LastActivityTime == nil || t.StartTime.After(*stats.LastActivityTime)) {
			last := t.StartTime
			stats.LastActivityTime = &last
		}
	}
	if timed > 0 {
		avg := sum / float64(timed)
		stats.AvgTimeSeconds = &avg
	}
	return stats
}

// ExtractTrace returns the points of activity covered by portion, or false
// when the portion does not fit the track.
func ExtractTrace(activity *models.Activity, portion models.SectionPortion) ([]geo.Point, bool) {
	if activity == nil || portion.Validate(len(activity.Track)) != nil {
		return nil, false
	}
	return append([]geo.Point(nil), activity.Track[portion.StartIndex:portion.EndIndex+1]...), true
}
