package models

import (
	"fmt"
	"time"

	"github.com/sstent/veloengine/internal/geo"
)

// Direction of travel of a portion relative to its section's reference.
type Direction string

const (
	DirectionSame    Direction = "same"
	DirectionReverse Direction = "reverse"
)

// ParseDirection is case-sensitive; anything but "reverse" is "same".
func ParseDirection(s string) Direction {
	if s == string(DirectionReverse) {
		return DirectionReverse
	}
	return DirectionSame
}

// Origin tells whether a section was detected or defined by the user.
type Origin string

const (
	OriginAuto   Origin = "auto"
	OriginCustom Origin = "custom"
)

// Section is a recurring sub-route.
type Section struct {
	ID                       string           `json:"id"`
	Origin                   Origin           `json:"origin"`
	Sport                    Sport            `json:"sport"`
	DistanceMeters           float64          `json:"distance_meters"`
	Name                     string           `json:"name,omitempty"`
	ReferenceTrack           []geo.Point      `json:"reference_track"`
	RepresentativeActivityID string           `json:"representative_activity_id,omitempty"`
	Scale                    string           `json:"scale,omitempty"`
	CreatedAt                time.Time        `json:"created_at"`
	Portions                 []SectionPortion `json:"portions"`
}

// ActivityCount returns the number of distinct activities with a portion.
func (s *Section) ActivityCount() int {
	seen := make(map[string]struct{}, len(s.Portions))
	for _, p := range s.Portions {
		seen[p.ActivityID] = struct{}{}
	}
	return len(seen)
}

// SectionPortion links one traversal of an activity to a section.
// StartIndex and EndIndex index the activity's simplified track.
// ActivityRevision, when non-zero, is the activity revision the indices
// were computed from; it is not persisted.
type SectionPortion struct {
	SectionID        string    `json:"section_id"`
	ActivityID       string    `json:"activity_id"`
	Direction        Direction `json:"direction"`
	StartIndex       int       `json:"start_index"`
	EndIndex         int       `json:"end_index"`
	DistanceMeters   float64   `json:"distance_meters"`
	ActivityRevision int64     `json:"-"`
}

// Validate checks the index range against a track of trackLen points.
func (p SectionPortion) Validate(trackLen int) error {
	if p.StartIndex < 0 || p.StartIndex >= p.EndIndex || p.EndIndex >= trackLen {
		return fmt.Errorf("portion %s/%s has invalid range [%d,%d] for %d points",
			p.SectionID, p.ActivityID, p.StartIndex, p.EndIndex, trackLen)
	}
	return nil
}

// SectionSummary is a section without geometry or portions.
type SectionSummary struct {
	ID             string
	Origin         Origin
	Sport          Sport
	DistanceMeters float64
	Name           string
	ActivityCount  int
	ReferenceTrack []geo.Point
}

// SectionFilter narrows section listings. Zero values mean "no filter".
type SectionFilter struct {
	Sport         Sport
	Origin        Origin
	MinActivities int
	IDs           []string
}

// DirectionStats summarizes traversals of a section in one direction.
// AvgTimeSeconds and LastActivityTime are nil when there is no data.
type DirectionStats struct {
	AvgTimeSeconds   *float64
	LastActivityTime *time.Time
	Count            int
}

// Traversal is one timed pass of an activity over a section.
type Traversal struct {
	ActivityID     string
	StartTime      time.Time
	Direction      Direction
	ElapsedSeconds *float64
	DistanceMeters float64
}

// SectionPerformance lists the traversals of a section and per-direction
// statistics.
type SectionPerformance struct {
	SectionID  string
	Traversals []Traversal
	Same       DirectionStats
	Reverse    DirectionStats
}

// RouteGroup is a set of activities that share the same full route. It is
// computed on demand and never stored.
type RouteGroup struct {
	ID               string
	Sport            Sport
	ActivityIDs      []string
	RepresentativeID string
}
