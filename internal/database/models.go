// internal/database/models.go
package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"strings"

	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
)

// Store is the persistence contract the engine depends on.
type Store interface {
	// Activities
	AddActivities(ctx context.Context, activities []models.Activity) error
	RemoveActivities(ctx context.Context, ids []string) (int, error)
	GetActivity(ctx context.Context, id string) (*models.Activity, error)
	GetActivities(ctx context.Context, ids []string) ([]models.Activity, error)
	ListActivities(ctx context.Context, filter models.ActivityFilter) ([]models.Activity, error)
	ActivityIDs(ctx context.Context) ([]string, error)
	CountActivities(ctx context.Context) (int, error)
	Sports(ctx context.Context) ([]models.Sport, error)

	// Metrics
	SetActivityMetrics(ctx context.Context, metrics []models.ActivityMetrics) error
	GetActivityMetrics(ctx context.Context, ids []string) (map[string]models.ActivityMetrics, error)

	// Sections
	SaveSections(ctx context.Context, sections []models.Section) (dropped []string, err error)
	ReplaceAutoSections(ctx context.Context, sections []models.Section) (dropped []string, err error)
	ReplacePortions(ctx context.Context, sectionID string, portions []models.SectionPortion) (dropped []string, err error)
	GetSectionByID(ctx context.Context, id string) (*models.Section, error)
	ListSections(ctx context.Context, filter models.SectionFilter) ([]models.Section, error)
	ListSectionSummaries(ctx context.Context, filter models.SectionFilter) ([]models.SectionSummary, error)
	SectionsForActivity(ctx context.Context, activityID string) ([]models.Section, error)
	GetPortions(ctx context.Context, sectionID, activityID string) ([]models.SectionPortion, error)
	DeleteSection(ctx context.Context, id string) error
	RenameSection(ctx context.Context, id, name string) error

	Clear(ctx context.Context) error
	Close() error
}

var _ Store = (*SQLiteDB)(nil)

// trackBlob is the gob payload of the activities.track column.
type trackBlob struct {
	Points      []storedPoint
	TimeOffsets []int32
}

// storedPoint flattens geo.Point for gob, which drops zero values: a
// sea-level altitude needs HasAlt to survive the round trip.
type storedPoint struct {
	Lat, Lng float64
	Alt      float64
	HasAlt   bool
}

func encodeTrack(points []geo.Point, offsets []int32) ([]byte, error) {
	tb := trackBlob{Points: make([]storedPoint, len(points)), TimeOffsets: offsets}
	for i, p := range points {
		tb.Points[i] = storedPoint{Lat: p.Lat, Lng: p.Lng}
		if p.Alt != nil {
			tb.Points[i].Alt = *p.Alt
			tb.Points[i].HasAlt = true
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(tb); err != nil {
		return nil, fmt.Errorf("failed to encode track: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeTrack(data []byte) ([]geo.Point, []int32, error) {
	var tb trackBlob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&tb); err != nil {
		return nil, nil, fmt.Errorf("failed to decode track: %w", err)
	}
	var points []geo.Point
	if len(tb.Points) > 0 {
		points = make([]geo.Point, len(tb.Points))
	}
	for i, sp := range tb.Points {
		points[i] = geo.Point{Lat: sp.Lat, Lng: sp.Lng}
		// rows written before HasAlt existed only kept non-zero altitudes
		if sp.HasAlt || sp.Alt != 0 {
			alt := sp.Alt
			points[i].Alt = &alt
		}
	}
	return points, tb.TimeOffsets, nil
}

func encodePoints(points []geo.Point) ([]byte, error) {
	return encodeTrack(points, nil)
}

func decodePoints(data []byte) ([]geo.Point, error) {
	points, _, err := decodeTrack(data)
	return points, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// placeholders returns "?, ?, ?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// uniqueIDs drops repeated ids, keeping first occurrences in order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// chunk splits ids so that IN lists stay under SQLite's variable limit.
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

const maxInList = 500
