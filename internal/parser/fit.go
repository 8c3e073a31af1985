package parser

import (
	"bytes"
	"fmt"
	"math"

	"github.com/tormoder/fit"

	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
)

func parseFIT(data []byte) (*Parsed, error) {
	fitFile, err := fit.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode FIT file: %w", err)
	}

	activity, err := fitFile.Activity()
	if err != nil {
		return nil, fmt.Errorf("failed to get activity from FIT: %w", err)
	}

	trk := newTrack()
	for _, r := range activity.Records {
		if r == nil || r.PositionLat.Invalid() || r.PositionLong.Invalid() {
			continue
		}
		p := geo.Point{Lat: r.PositionLat.Degrees(), Lng: r.PositionLong.Degrees()}
		if alt := r.GetAltitudeScaled(); !math.IsNaN(alt) {
			p.Alt = &alt
		}
		trk.add(p, r.Timestamp)
	}
	if len(trk.points) == 0 {
		return nil, ErrNoTrackData
	}

	raw := models.RawActivity{
		StartTime:       trk.first(),
		Sport:           "Other",
		DurationSeconds: trk.elapsed(),
		DistanceMeters:  geo.PolylineLength(trk.points),
		Points:          trk.points,
	}

	var metrics *models.ActivityMetrics
	if len(activity.Sessions) > 0 && activity.Sessions[0] != nil {
		session := activity.Sessions[0]
		if !session.StartTime.IsZero() {
			raw.StartTime = session.StartTime
		}
		raw.Sport = fitSport(session.Sport)
		if d := session.GetTotalTimerTimeScaled(); !math.IsNaN(d) && d > 0 {
			raw.DurationSeconds = d
		}
		if d := session.GetTotalDistanceScaled(); !math.IsNaN(d) && d > 0 {
			raw.DistanceMeters = d
		}
		metrics = sessionMetrics(session)
	}
	raw.TimeOffsets = trk.offsets(raw.StartTime)

	return &Parsed{Activity: raw, Metrics: metrics}, nil
}

func fitSport(s fit.Sport) models.Sport {
	switch s {
	case fit.SportCycling:
		return "Ride"
	case fit.SportRunning:
		return "Run"
	case fit.SportWalking:
		return "Walk"
	case fit.SportHiking:
		return "Hike"
	case fit.SportSwimming:
		return "Swim"
	case fit.SportInvalid, fit.SportGeneric:
		return "Other"
	}
	return models.NormalizeSport(s.String())
}

// sessionMetrics copies the summary values a FIT session carries. Invalid
// values are left nil.
func sessionMetrics(s *fit.SessionMsg) *models.ActivityMetrics {
	var m models.ActivityMetrics
	if s.AvgHeartRate != 0 && s.AvgHeartRate != 0xFF {
		hr := float64(s.AvgHeartRate)
		m.AvgHeartRate = &hr
	}
	if s.AvgPower != 0 && s.AvgPower != 0xFFFF {
		pw := float64(s.AvgPower)
		m.AvgPower = &pw
	}
	if m.AvgHeartRate == nil && m.AvgPower == nil {
		return nil
	}
	return &m
}
