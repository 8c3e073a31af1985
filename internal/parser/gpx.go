package parser

import (
	"fmt"
	"strings"

	"github.com/tkrajina/gpxgo/gpx"

	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
)

func parseGPX(data []byte) (*Parsed, error) {
	g, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode GPX file: %w", err)
	}

	trk := newTrack()
	var sportHint, name string
	for _, track := range g.Tracks {
		if sportHint == "" {
			sportHint = track.Type
		}
		if name == "" {
			name = track.Name
		}
		for _, segment := range track.Segments {
			for _, pt := range segment.Points {
				p := geo.Point{Lat: pt.Latitude, Lng: pt.Longitude}
				if pt.Elevation.NotNull() {
					alt := pt.Elevation.Value()
					p.Alt = &alt
				}
				trk.add(p, pt.Timestamp)
			}
		}
	}
	if len(trk.points) == 0 {
		return nil, ErrNoTrackData
	}

	raw := models.RawActivity{
		StartTime:       trk.first(),
		Sport:           gpxSport(sportHint),
		DurationSeconds: trk.elapsed(),
		DistanceMeters:  geo.PolylineLength(trk.points),
		Points:          trk.points,
	}
	if raw.StartTime.IsZero() && g.Time != nil {
		raw.StartTime = *g.Time
	}
	raw.TimeOffsets = trk.offsets(raw.StartTime)

	var metrics *models.ActivityMetrics
	if name = strings.TrimSpace(name); name != "" {
		metrics = &models.ActivityMetrics{Name: &name}
	}
	return &Parsed{Activity: raw, Metrics: metrics}, nil
}

// gpxSport maps the free-form track type written by common recorders.
func gpxSport(t string) models.Sport {
	lower := strings.ToLower(t)
	switch {
	case strings.Contains(lower, "cycl"), strings.Contains(lower, "bik"), strings.Contains(lower, "ride"):
		return "Ride"
	case strings.Contains(lower, "run"):
		return "Run"
	case strings.Contains(lower, "walk"):
		return "Walk"
	case strings.Contains(lower, "hik"):
		return "Hike"
	case strings.Contains(lower, "swim"):
		return "Swim"
	}
	return models.NormalizeSport(t)
}
