// Package models holds the domain types shared by the store, the detector
// and the engine.
package models

import (
	"strings"
	"time"

	"github.com/sstent/veloengine/internal/geo"
)

// Sport is the provider's activity type, e.g. "Ride" or "Run".
type Sport string

// NormalizeSport trims the sport name; an empty value becomes "Other".
func NormalizeSport(s string) Sport {
	s = strings.TrimSpace(s)
	if s == "" {
		return "Other"
	}
	return Sport(s)
}

// Activity is an ingested activity with its simplified track. TimeOffsets,
// when present, has one entry per track point: seconds since StartTime.
// Revision is assigned by the store and grows whenever the track changes.
type Activity struct {
	ID              string      `json:"id"`
	StartTime       time.Time   `json:"start_time"`
	Sport           Sport       `json:"sport"`
	DurationSeconds float64     `json:"duration_seconds"`
	DistanceMeters  float64     `json:"distance_meters"`
	Track           []geo.Point `json:"track"`
	TimeOffsets     []int32     `json:"time_offsets,omitempty"`
	Revision        int64       `json:"-"`
}

// HasTimes reports whether per-point time offsets line up with the track.
func (a *Activity) HasTimes() bool {
	return len(a.TimeOffsets) > 0 && len(a.TimeOffsets) == len(a.Track)
}

// RawActivity is an activity as submitted, before simplification.
type RawActivity struct {
	ID              string
	StartTime       time.Time
	Sport           Sport
	DurationSeconds float64
	DistanceMeters  float64
	Points          []geo.Point
	TimeOffsets     []int32
}

// ActivityMetrics are provider-supplied summary values. The engine stores
// them but never computes them.
type ActivityMetrics struct {
	ActivityID   string   `json:"activity_id"`
	Name         *string  `json:"name"`
	AvgHeartRate *float64 `json:"avg_heart_rate"`
	AvgPower     *float64 `json:"avg_power"`
	Skyline      []byte   `json:"skyline,omitempty"`
}

// ActivityFilter narrows activity listings. Zero values mean "no filter".
type ActivityFilter struct {
	Sport    Sport
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
}

// IngestResult reports which activities were stored and which were
// rejected as unusable.
type IngestResult struct {
	Stored  []string `json:"stored"`
	Skipped []string `json:"skipped"`
}
