package engine

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/sstent/veloengine/internal/codec"
	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
	"github.com/sstent/veloengine/internal/sections"
)

// Transfer types are the only shapes that cross the call boundary. On the
// wire timestamps are unix seconds with 0 meaning absent, optional numbers
// are null when absent, and polylines are encoded strings.

// FromUnixSeconds decodes a boundary timestamp. nil and 0 are absent.
func FromUnixSeconds(s *int64) *time.Time {
	if s == nil || *s == 0 {
		return nil
	}
	t := time.Unix(*s, 0).UTC()
	return &t
}

// ToUnixSeconds encodes t for the boundary; nil and the zero time become 0.
func ToUnixSeconds(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixOrZero(t time.Time) int64 {
	return ToUnixSeconds(&t)
}

func timeOrZero(s int64) time.Time {
	if t := FromUnixSeconds(&s); t != nil {
		return *t
	}
	return time.Time{}
}

// RawActivityDTO carries a track as parallel arrays. Lats and Lngs are
// paired up to the shorter of the two; Alts and TimeOffsets are used only
// where they cover every paired point.
type RawActivityDTO struct {
	ID              string     `json:"id"`
	StartTime       int64      `json:"startTime"`
	Sport           string     `json:"sport"`
	DurationSeconds float64    `json:"durationSeconds"`
	DistanceMeters  float64    `json:"distanceMeters"`
	Lats            []float64  `json:"lats"`
	Lngs            []float64  `json:"lngs"`
	Alts            []*float64 `json:"alts,omitempty"`
	TimeOffsets     []int32    `json:"timeOffsets,omitempty"`
}

func (d RawActivityDTO) toRaw() models.RawActivity {
	n := min(len(d.Lats), len(d.Lngs))
	points := make([]geo.Point, n)
	withAlt := len(d.Alts) >= n
	for i := 0; i < n; i++ {
		points[i] = geo.Point{Lat: d.Lats[i], Lng: d.Lngs[i]}
		if withAlt {
			points[i].Alt = d.Alts[i]
		}
	}
	var offsets []int32
	if n > 0 && len(d.TimeOffsets) >= n {
		offsets = d.TimeOffsets[:n]
	}
	return models.RawActivity{
		ID:              d.ID,
		StartTime:       timeOrZero(d.StartTime),
		Sport:           models.Sport(d.Sport),
		DurationSeconds: d.DurationSeconds,
		DistanceMeters:  d.DistanceMeters,
		Points:          points,
		TimeOffsets:     offsets,
	}
}

type ActivityDTO struct {
	ID              string  `json:"id"`
	StartTime       int64   `json:"startTime"`
	Sport           string  `json:"sport"`
	DurationSeconds float64 `json:"durationSeconds"`
	DistanceMeters  float64 `json:"distanceMeters"`
	PointCount      int     `json:"pointCount"`
	Timed           bool    `json:"timed"`
	Polyline        string  `json:"polyline"`
}

func toActivityDTO(a *models.Activity) ActivityDTO {
	return ActivityDTO{
		ID:              a.ID,
		StartTime:       unixOrZero(a.StartTime),
		Sport:           string(a.Sport),
		DurationSeconds: a.DurationSeconds,
		DistanceMeters:  a.DistanceMeters,
		PointCount:      len(a.Track),
		Timed:           a.HasTimes(),
		Polyline:        codec.EncodePolyline(a.Track),
	}
}

// ActivityMetricsDTO is provider metadata. Skyline is base64 of the binary
// skyline; Zones is its decoded form on reads and is ignored on writes.
type ActivityMetricsDTO struct {
	ActivityID   string      `json:"activityId"`
	Name         *string     `json:"name"`
	AvgHeartRate *float64    `json:"avgHeartRate"`
	AvgPower     *float64    `json:"avgPower"`
	Skyline      string      `json:"skyline,omitempty"`
	Zones        *SkylineDTO `json:"zones,omitempty"`
}

func (d ActivityMetricsDTO) toModel() (models.ActivityMetrics, error) {
	m := models.ActivityMetrics{
		ActivityID:   d.ActivityID,
		Name:         d.Name,
		AvgHeartRate: d.AvgHeartRate,
		AvgPower:     d.AvgPower,
	}
	if d.Skyline != "" {
		raw, err := base64.StdEncoding.DecodeString(d.Skyline)
		if err != nil {
			return m, invalid("skyline of %s is not base64: %v", d.ActivityID, err)
		}
		m.Skyline = raw
	}
	return m, nil
}

func toMetricsDTO(m models.ActivityMetrics) ActivityMetricsDTO {
	d := ActivityMetricsDTO{
		ActivityID:   m.ActivityID,
		Name:         m.Name,
		AvgHeartRate: m.AvgHeartRate,
		AvgPower:     m.AvgPower,
	}
	if len(m.Skyline) > 0 {
		d.Skyline = base64.StdEncoding.EncodeToString(m.Skyline)
		if s, ok := codec.DecodeSkyline(m.Skyline); ok {
			d.Zones = toSkylineDTO(s)
		}
	}
	return d
}

// SkylineDTO is a decoded skyline. ZoneBasis is empty when unknown.
type SkylineDTO struct {
	ZoneCount int           `json:"zoneCount"`
	ZoneBasis string        `json:"zoneBasis,omitempty"`
	Intervals []IntervalDTO `json:"intervals"`
}

type IntervalDTO struct {
	Duration  uint32 `json:"duration"`
	Zone      uint32 `json:"zone"`
	Intensity uint32 `json:"intensity"`
}

func toSkylineDTO(s codec.Skyline) *SkylineDTO {
	d := &SkylineDTO{
		ZoneCount: s.ZoneCount,
		ZoneBasis: s.Basis.String(),
		Intervals: make([]IntervalDTO, len(s.Intervals)),
	}
	for i, iv := range s.Intervals {
		d.Intervals[i] = IntervalDTO{Duration: iv.Duration, Zone: iv.Zone, Intensity: iv.Intensity}
	}
	return d
}

type PortionDTO struct {
	ActivityID     string  `json:"activityId"`
	Direction      string  `json:"direction"`
	StartIndex     int     `json:"startIndex"`
	EndIndex       int     `json:"endIndex"`
	DistanceMeters float64 `json:"distanceMeters"`
}

type SectionDTO struct {
	ID                       string       `json:"id"`
	Origin                   string       `json:"origin"`
	Sport                    string       `json:"sport"`
	Name                     string       `json:"name,omitempty"`
	DistanceMeters           float64      `json:"distanceMeters"`
	Polyline                 string       `json:"polyline"`
	RepresentativeActivityID string       `json:"representativeActivityId,omitempty"`
	Scale                    string       `json:"scale,omitempty"`
	CreatedAt                int64        `json:"createdAt"`
	ActivityCount            int          `json:"activityCount"`
	Superseded               bool         `json:"superseded"`
	Portions                 []PortionDTO `json:"portions"`
}

func toSectionDTO(s *models.Section, superseded bool) SectionDTO {
	d := SectionDTO{
		ID:                       s.ID,
		Origin:                   string(s.Origin),
		Sport:                    string(s.Sport),
		Name:                     s.Name,
		DistanceMeters:           s.DistanceMeters,
		Polyline:                 codec.EncodePolyline(s.ReferenceTrack),
		RepresentativeActivityID: s.RepresentativeActivityID,
		Scale:                    s.Scale,
		CreatedAt:                unixOrZero(s.CreatedAt),
		ActivityCount:            s.ActivityCount(),
		Superseded:               superseded,
		Portions:                 make([]PortionDTO, len(s.Portions)),
	}
	for i, p := range s.Portions {
		d.Portions[i] = PortionDTO{
			ActivityID:     p.ActivityID,
			Direction:      string(models.ParseDirection(string(p.Direction))),
			StartIndex:     p.StartIndex,
			EndIndex:       p.EndIndex,
			DistanceMeters: p.DistanceMeters,
		}
	}
	return d
}

type SectionSummaryDTO struct {
	ID             string  `json:"id"`
	Name           string  `json:"name,omitempty"`
	Origin         string  `json:"origin"`
	Sport          string  `json:"sport"`
	DistanceMeters float64 `json:"distanceMeters"`
	ActivityCount  int     `json:"activityCount"`
	Polyline       string  `json:"polyline"`
}

func toSummaryDTO(s models.SectionSummary) SectionSummaryDTO {
	return SectionSummaryDTO{
		ID:             s.ID,
		Name:           s.Name,
		Origin:         string(s.Origin),
		Sport:          string(s.Sport),
		DistanceMeters: s.DistanceMeters,
		ActivityCount:  s.ActivityCount,
		Polyline:       codec.EncodePolyline(s.ReferenceTrack),
	}
}

type TraversalDTO struct {
	ActivityID     string   `json:"activityId"`
	StartTime      int64    `json:"startTime"`
	Direction      string   `json:"direction"`
	ElapsedSeconds *float64 `json:"elapsedSeconds"`
	DistanceMeters float64  `json:"distanceMeters"`
}

// DirectionStatsDTO leaves AvgTimeSeconds null and LastActivityTime 0 when
// Count is 0.
type DirectionStatsDTO struct {
	AvgTimeSeconds   *float64 `json:"avgTimeSeconds"`
	LastActivityTime int64    `json:"lastActivityTime"`
	Count            int      `json:"count"`
}

func toStatsDTO(s models.DirectionStats) DirectionStatsDTO {
	if s.Count == 0 {
		return DirectionStatsDTO{}
	}
	return DirectionStatsDTO{
		AvgTimeSeconds:   s.AvgTimeSeconds,
		LastActivityTime: ToUnixSeconds(s.LastActivityTime),
		Count:            s.Count,
	}
}

type PerformanceDTO struct {
	SectionID  string            `json:"sectionId"`
	Traversals []TraversalDTO    `json:"traversals"`
	Same       DirectionStatsDTO `json:"same"`
	Reverse    DirectionStatsDTO `json:"reverse"`
}

func toPerformanceDTO(p models.SectionPerformance) PerformanceDTO {
	d := PerformanceDTO{
		SectionID:  p.SectionID,
		Traversals: make([]TraversalDTO, len(p.Traversals)),
		Same:       toStatsDTO(p.Same),
		Reverse:    toStatsDTO(p.Reverse),
	}
	for i, t := range p.Traversals {
		d.Traversals[i] = TraversalDTO{
			ActivityID:     t.ActivityID,
			StartTime:      unixOrZero(t.StartTime),
			Direction:      string(t.Direction),
			ElapsedSeconds: t.ElapsedSeconds,
			DistanceMeters: t.DistanceMeters,
		}
	}
	return d
}

type ProgressDTO struct {
	Phase     string  `json:"phase"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Fraction  float64 `json:"fraction"`
}

func toProgressDTO(s sections.ProgressSnapshot) ProgressDTO {
	return ProgressDTO{Phase: s.Phase, Completed: s.Completed, Total: s.Total, Fraction: s.Fraction()}
}

type TraceDTO struct {
	SectionID  string `json:"sectionId"`
	ActivityID string `json:"activityId"`
	Direction  string `json:"direction"`
	StartIndex int    `json:"startIndex"`
	EndIndex   int    `json:"endIndex"`
	Polyline   string `json:"polyline"`
}

type RouteGroupDTO struct {
	ID               string   `json:"id"`
	Sport            string   `json:"sport"`
	ActivityIDs      []string `json:"activityIds"`
	RepresentativeID string   `json:"representativeId"`
}

// Requests.

type Empty struct{}

type IDsRequest struct {
	IDs []string `json:"ids"`
}

type SectionIDRequest struct {
	SectionID string `json:"sectionId"`
}

type ActivityIDRequest struct {
	ActivityID string `json:"activityId"`
}

type AddActivitiesRequest struct {
	Activities []RawActivityDTO `json:"activities"`
}

type SetActivityMetricsRequest struct {
	Metrics []ActivityMetricsDTO `json:"metrics"`
}

// ActivityQueryRequest filters activity listings. DateFrom and DateTo are
// unix seconds; null or 0 leaves the bound open.
type ActivityQueryRequest struct {
	Sport    string `json:"sport"`
	DateFrom *int64 `json:"dateFrom"`
	DateTo   *int64 `json:"dateTo"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
}

func (r ActivityQueryRequest) filter() (models.ActivityFilter, error) {
	if r.Limit < 0 || r.Offset < 0 {
		return models.ActivityFilter{}, invalid("limit and offset must not be negative")
	}
	return models.ActivityFilter{
		Sport:    models.Sport(strings.TrimSpace(r.Sport)),
		DateFrom: FromUnixSeconds(r.DateFrom),
		DateTo:   FromUnixSeconds(r.DateTo),
		Limit:    r.Limit,
		Offset:   r.Offset,
	}, nil
}

type SectionQueryRequest struct {
	Sport             string `json:"sport"`
	Origin            string `json:"origin"`
	MinActivities     int    `json:"minActivities"`
	IncludeSuperseded bool   `json:"includeSuperseded"`
}

func (r SectionQueryRequest) query() (SectionQuery, error) {
	origin := models.Origin(r.Origin)
	switch origin {
	case "", models.OriginAuto, models.OriginCustom:
	default:
		return SectionQuery{}, invalid("unknown origin %q", r.Origin)
	}
	return SectionQuery{
		Sport:             models.Sport(strings.TrimSpace(r.Sport)),
		Origin:            origin,
		MinActivities:     r.MinActivities,
		IncludeSuperseded: r.IncludeSuperseded,
	}, nil
}

// StartDetectionRequest overrides the section frequency gate when
// MinActivities is set.
type StartDetectionRequest struct {
	MinActivities *int `json:"minActivities"`
}

// CreateCustomSectionRequest takes either an encoded polyline or a source
// activity with an inclusive index range.
type CreateCustomSectionRequest struct {
	Name             string `json:"name"`
	Sport            string `json:"sport"`
	Polyline         string `json:"polyline,omitempty"`
	SourceActivityID string `json:"sourceActivityId,omitempty"`
	StartIndex       int    `json:"startIndex"`
	EndIndex         int    `json:"endIndex"`
}

func (r CreateCustomSectionRequest) input() (CustomSectionInput, error) {
	in := CustomSectionInput{
		Name:             r.Name,
		Sport:            models.Sport(strings.TrimSpace(r.Sport)),
		SourceActivityID: r.SourceActivityID,
		StartIndex:       r.StartIndex,
		EndIndex:         r.EndIndex,
	}
	if r.SourceActivityID == "" {
		points, ok := codec.DecodePolyline(r.Polyline)
		if !ok {
			return in, invalid("malformed polyline")
		}
		in.Points = points
	}
	return in, nil
}

type RenameSectionRequest struct {
	SectionID string `json:"sectionId"`
	Name      string `json:"name"`
}

type SetSupersededRequest struct {
	CustomID string   `json:"customId"`
	AutoIDs  []string `json:"autoIds"`
}

type SectionActivityDTO struct {
	SectionID  string `json:"sectionId"`
	ActivityID string `json:"activityId"`
}

type ExtractTracesRequest struct {
	Pairs []SectionActivityDTO `json:"pairs"`
}

type RouteGroupsRequest struct {
	Sport         string `json:"sport"`
	MinActivities int    `json:"minActivities"`
}

// Responses.

type IngestResponse struct {
	Stored  []string `json:"stored"`
	Skipped []string `json:"skipped"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type IDsResponse struct {
	IDs []string `json:"ids"`
}

type ActivitiesResponse struct {
	Activities []ActivityDTO `json:"activities"`
}

type MetricsResponse struct {
	Metrics []ActivityMetricsDTO `json:"metrics"`
}

// PolylinesResponse maps activity id to its encoded simplified track.
type PolylinesResponse struct {
	Polylines map[string]string `json:"polylines"`
}

type SportsResponse struct {
	Sports []string `json:"sports"`
}

type StartDetectionResponse struct {
	Started bool `json:"started"`
}

// PollResponse carries the failure message when Status is "error".
type PollResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type SectionsResponse struct {
	Sections []SectionDTO `json:"sections"`
}

type SummariesResponse struct {
	Sections []SectionSummaryDTO `json:"sections"`
}

type PolylineResponse struct {
	Polyline string `json:"polyline"`
}

type CreatedResponse struct {
	ID string `json:"id"`
}

type TracesResponse struct {
	Traces []TraceDTO `json:"traces"`
}

type RouteGroupsResponse struct {
	Groups []RouteGroupDTO `json:"groups"`
}

type SupersededResponse struct {
	Superseded bool `json:"superseded"`
}
