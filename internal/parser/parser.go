// Package parser turns recorded activity files into raw activities ready
// for ingest.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
)

var (
	// ErrUnsupported is returned for files that are not FIT or GPX.
	ErrUnsupported = errors.New("unsupported file type")
	// ErrNoTrackData is returned when a file holds no usable positions.
	ErrNoTrackData = errors.New("no track data")
)

// Parsed is the result of parsing one file. Metrics is nil when the file
// carries no summary values.
type Parsed struct {
	Type     FileType
	Activity models.RawActivity
	Metrics  *models.ActivityMetrics
}

// ContentID derives a stable activity id from the file bytes, so the same
// file ingested twice maps to the same activity.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return "act_" + hex.EncodeToString(sum[:12])
}

// ParseFile reads and parses the file at path.
func ParseFile(path string) (*Parsed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse dispatches on content, falling back to the extension of name.
func Parse(name string, data []byte) (*Parsed, error) {
	ft := DetectFileTypeFromData(data)
	if ft == FileTypeUnknown {
		ft = DetectFileTypeFromName(name)
	}

	var (
		p   *Parsed
		err error
	)
	switch ft {
	case FileTypeFIT:
		p, err = parseFIT(data)
	case FileTypeGPX:
		p, err = parseGPX(data)
	default:
		return nil, fmt.Errorf("%s: %w (%s)", name, ErrUnsupported, ft)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	p.Type = ft
	p.Activity.ID = ContentID(data)
	if p.Metrics != nil {
		p.Metrics.ActivityID = p.Activity.ID
	}
	return p, nil
}

// track accumulates positions and their timestamps, dropping invalid
// coordinates. Offsets are kept only while every point has a timestamp.
type track struct {
	points []geo.Point
	times  []time.Time
	timed  bool
}

func newTrack() *track {
	return &track{timed: true}
}

func (t *track) add(p geo.Point, ts time.Time) {
	if !p.Valid() {
		return
	}
	t.points = append(t.points, p)
	t.times = append(t.times, ts)
	if ts.IsZero() {
		t.timed = false
	}
}

// offsets returns seconds since start per point, or nil when timestamps are
// missing or start is unknown.
func (t *track) offsets(start time.Time) []int32 {
	if !t.timed || start.IsZero() || len(t.times) == 0 {
		return nil
	}
	out := make([]int32, len(t.times))
	for i, ts := range t.times {
		d := ts.Sub(start) / time.Second
		if d < 0 {
			d = 0
		}
		out[i] = int32(d)
	}
	return out
}

func (t *track) first() time.Time {
	if len(t.times) == 0 {
		return time.Time{}
	}
	return t.times[0]
}

func (t *track) elapsed() float64 {
	if !t.timed || len(t.times) < 2 {
		return 0
	}
	return t.times[len(t.times)-1].Sub(t.times[0]).Seconds()
}
