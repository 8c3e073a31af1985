package codec

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sstent/veloengine/internal/geo"
)

func rawSkyline(durations, zones []uint64, basis uint64) []byte {
	var b []byte
	if durations != nil {
		var packed []byte
		for _, d := range durations {
			packed = protowire.AppendVarint(packed, d)
		}
		b = protowire.AppendTag(b, fieldDurations, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if zones != nil {
		var packed []byte
		for _, z := range zones {
			packed = protowire.AppendVarint(packed, z)
		}
		b = protowire.AppendTag(b, fieldZones, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if basis != 0 {
		b = protowire.AppendTag(b, fieldZoneBasis, protowire.VarintType)
		b = protowire.AppendVarint(b, basis)
	}
	return b
}

func TestDecodeSkylineScenario(t *testing.T) {
	s, ok := DecodeSkyline(rawSkyline([]uint64{300, 120, 60}, []uint64{2, 4, 6}, 1))
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	want := []Interval{{Duration: 300, Zone: 2}, {Duration: 120, Zone: 4}, {Duration: 60, Zone: 6}}
	if diff := cmp.Diff(want, s.Intervals); diff != "" {
		t.Errorf("intervals mismatch (-want +got):\n%s", diff)
	}
	if s.Basis != ZoneBasisPower || s.Basis.String() != "power" {
		t.Errorf("basis = %v, want power", s.Basis)
	}
}

func TestDecodeSkylineMismatchedLengths(t *testing.T) {
	s, ok := DecodeSkyline(rawSkyline([]uint64{300, 120, 60, 30}, []uint64{2, 4, 6}, 2))
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if len(s.Intervals) != 3 {
		t.Fatalf("got %d intervals, want 3", len(s.Intervals))
	}
	if s.Basis != ZoneBasisHeartRate {
		t.Errorf("basis = %v, want heart rate", s.Basis)
	}
}

func TestDecodeSkylineMissingFields(t *testing.T) {
	if _, ok := DecodeSkyline(rawSkyline(nil, []uint64{1, 2}, 1)); ok {
		t.Error("missing durations should fail")
	}
	if _, ok := DecodeSkyline(rawSkyline([]uint64{1, 2}, nil, 1)); ok {
		t.Error("missing zones should fail")
	}
	if _, ok := DecodeSkyline(nil); ok {
		t.Error("empty payload should fail")
	}
}

func TestDecodeSkylineMalformed(t *testing.T) {
	valid := rawSkyline([]uint64{300, 120}, []uint64{2, 4}, 1)
	cases := map[string][]byte{
		"truncated": valid[:len(valid)-3],
		"garbage":   {0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		"bad tag":   {0x00},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, ok := DecodeSkyline(data); ok {
				t.Error("expected malformed payload to fail")
			}
		})
	}
}

func TestDecodeSkylineSkipsUnknownFields(t *testing.T) {
	b := protowire.AppendTag(nil, 9, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("extra"))
	b = append(b, rawSkyline([]uint64{10}, []uint64{3}, 1)...)
	s, ok := DecodeSkyline(b)
	if !ok || len(s.Intervals) != 1 {
		t.Fatalf("decode = %+v, %v", s, ok)
	}
}

func TestSkylineRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 50; trial++ {
		basis := ZoneBasisPower
		if trial%2 == 1 {
			basis = ZoneBasisHeartRate
		}
		in := Skyline{ZoneCount: basis.DefaultZoneCount(), Basis: basis}
		for i := 0; i < rng.Intn(40); i++ {
			in.Intervals = append(in.Intervals, Interval{
				Duration:  uint32(rng.Intn(3600)),
				Zone:      uint32(1 + rng.Intn(in.ZoneCount)),
				Intensity: uint32(rng.Intn(400)),
			})
		}
		out, ok := DecodeSkyline(EncodeSkyline(in))
		if !ok {
			t.Fatalf("trial %d: decode failed", trial)
		}
		if len(in.Intervals) == 0 {
			in.Intervals = []Interval{}
		}
		if diff := cmp.Diff(in, out); diff != "" {
			t.Fatalf("trial %d: round trip mismatch (-in +out):\n%s", trial, diff)
		}
	}
}

func TestSkylineBase64(t *testing.T) {
	in := Skyline{ZoneCount: 5, Basis: ZoneBasisHeartRate, Intervals: []Interval{{Duration: 60, Zone: 2}}}
	out, ok := DecodeSkylineBase64(EncodeSkylineBase64(in))
	if !ok || len(out.Intervals) != 1 || out.Intervals[0] != in.Intervals[0] {
		t.Fatalf("base64 round trip = %+v, %v", out, ok)
	}
	if _, ok := DecodeSkylineBase64("not base64!"); ok {
		t.Error("invalid base64 should fail")
	}
}

func TestPolylineRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 30; trial++ {
		n := rng.Intn(200)
		in := make([]geo.Point, n)
		for i := range in {
			in[i] = geo.Point{Lat: rng.Float64()*170 - 85, Lng: rng.Float64()*358 - 179}
		}
		out, ok := DecodePolyline(EncodePolyline(in))
		if !ok {
			t.Fatalf("trial %d: decode failed", trial)
		}
		if len(out) != len(in) {
			t.Fatalf("trial %d: len %d, want %d", trial, len(out), len(in))
		}
		for i := range in {
			if math.Abs(out[i].Lat-in[i].Lat) > PolylinePrecision || math.Abs(out[i].Lng-in[i].Lng) > PolylinePrecision {
				t.Fatalf("trial %d point %d: %+v != %+v", trial, i, out[i], in[i])
			}
		}
	}
}

func TestPolylineKnownValue(t *testing.T) {
	pts := []geo.Point{{Lat: 38.5, Lng: -120.2}, {Lat: 40.7, Lng: -120.95}, {Lat: 43.252, Lng: -126.453}}
	if got := EncodePolyline(pts); got != "_p~iF~ps|U_ulLnnqC_mqNvxq`@" {
		t.Errorf("EncodePolyline = %q", got)
	}
}

func TestDecodePolylineMalformed(t *testing.T) {
	if _, ok := DecodePolyline("_p~iF~ps|U_"); ok {
		t.Error("truncated polyline should fail")
	}
}
