package parser

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk>
    <name>Morning loop</name>
    <type>cycling</type>
    <trkseg>
      <trkpt lat="46.0000" lon="7.0000"><ele>500</ele><time>2026-01-15T08:00:00Z</time></trkpt>
      <trkpt lat="46.0010" lon="7.0000"><ele>505</ele><time>2026-01-15T08:00:20Z</time></trkpt>
      <trkpt lat="46.0020" lon="7.0000"><ele>510</ele><time>2026-01-15T08:00:40Z</time></trkpt>
      <trkpt lat="46.0030" lon="7.0010"><time>2026-01-15T08:01:05Z</time></trkpt>
    </trkseg>
  </trk>
</gpx>`

func TestDetectFileTypeFromData(t *testing.T) {
	fitHeader := []byte{14, 0x10, 0, 0, 0, 0, 0, 0, '.', 'F', 'I', 'T', 0, 0}
	tests := []struct {
		name string
		data []byte
		want FileType
	}{
		{"fit", fitHeader, FileTypeFIT},
		{"short", []byte{14, 0x10, 0, 0, 0, 0, 0, 0, '.'}, FileTypeUnknown},
		{"gpx", []byte(sampleGPX), FileTypeGPX},
		{"gpx with bom", append([]byte("\xef\xbb\xbf\n"), sampleGPX...), FileTypeGPX},
		{"tcx", []byte(`<?xml version="1.0"?><TrainingCenterDatabase>`), FileTypeTCX},
		{"text", []byte("hello"), FileTypeUnknown},
		{"empty", nil, FileTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFileTypeFromData(tt.data); got != tt.want {
				t.Errorf("DetectFileTypeFromData() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseGPX(t *testing.T) {
	p, err := Parse("loop.gpx", []byte(sampleGPX))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	a := p.Activity
	if p.Type != FileTypeGPX || a.Sport != "Ride" {
		t.Errorf("type %s sport %s", p.Type, a.Sport)
	}
	if len(a.Points) != 4 {
		t.Fatalf("got %d points, want 4", len(a.Points))
	}
	if a.Points[0].Alt == nil || *a.Points[0].Alt != 500 || a.Points[3].Alt != nil {
		t.Error("elevation not carried through")
	}
	if !a.StartTime.Equal(time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("start time = %v", a.StartTime)
	}
	want := []int32{0, 20, 40, 65}
	for i, off := range a.TimeOffsets {
		if off != want[i] {
			t.Errorf("offset[%d] = %d, want %d", i, off, want[i])
		}
	}
	if a.DurationSeconds != 65 || a.DistanceMeters < 300 || a.DistanceMeters > 400 {
		t.Errorf("duration %.0f distance %.0f", a.DurationSeconds, a.DistanceMeters)
	}
	if p.Metrics == nil || *p.Metrics.Name != "Morning loop" || p.Metrics.ActivityID != a.ID {
		t.Errorf("metrics = %+v", p.Metrics)
	}

	again, _ := Parse("copy.gpx", []byte(sampleGPX))
	if again.Activity.ID != a.ID {
		t.Error("same content produced different ids")
	}
}

func TestParseGPXWithoutTimes(t *testing.T) {
	data := `<?xml version="1.0"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk><trkseg>
    <trkpt lat="46.0" lon="7.0"></trkpt>
    <trkpt lat="46.001" lon="7.0"></trkpt>
  </trkseg></trk>
</gpx>`
	p, err := Parse("untimed.gpx", []byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.Activity.TimeOffsets != nil || p.Activity.Sport != "Other" || p.Metrics != nil {
		t.Errorf("activity = %+v metrics = %+v", p.Activity, p.Metrics)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse("notes.txt", []byte("hello")); !errors.Is(err, ErrUnsupported) {
		t.Errorf("text file error = %v, want ErrUnsupported", err)
	}
	empty := `<?xml version="1.0"?><gpx version="1.1" xmlns="http://www.topografix.com/GPX/1/1"></gpx>`
	if _, err := Parse("empty.gpx", []byte(empty)); !errors.Is(err, ErrNoTrackData) {
		t.Errorf("empty gpx error = %v, want ErrNoTrackData", err)
	}
	if _, err := Parse("broken.fit", []byte{14, 0x10, 0, 0, 0, 0, 0, 0, '.', 'F', 'I', 'T', 0, 0, 1}); err == nil {
		t.Error("truncated FIT file parsed")
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ride.gpx")
	if err := os.WriteFile(path, []byte(sampleGPX), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseFile(path); err != nil {
		t.Errorf("ParseFile() error = %v", err)
	}
	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.gpx")); err == nil {
		t.Error("missing file parsed")
	}
}
