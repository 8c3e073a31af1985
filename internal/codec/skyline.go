// Package codec implements the compact binary formats the engine stores and
// hands across its call boundary: the zone "skyline" and encoded polylines.
package codec

import (
	"encoding/base64"

	"google.golang.org/protobuf/encoding/protowire"
)

// Skyline wire field numbers.
const (
	fieldZoneCount protowire.Number = 1
	fieldDurations protowire.Number = 2
	fieldIntensity protowire.Number = 3
	fieldZones     protowire.Number = 4
	fieldZoneBasis protowire.Number = 5
)

// ZoneBasis is the metric zones were computed from.
type ZoneBasis int

const (
	ZoneBasisUnknown   ZoneBasis = 0
	ZoneBasisPower     ZoneBasis = 1
	ZoneBasisHeartRate ZoneBasis = 2
)

func (b ZoneBasis) String() string {
	switch b {
	case ZoneBasisPower:
		return "power"
	case ZoneBasisHeartRate:
		return "heart_rate"
	default:
		return ""
	}
}

// DefaultZoneCount returns the usual number of zones for the basis.
func (b ZoneBasis) DefaultZoneCount() int {
	switch b {
	case ZoneBasisPower:
		return 7
	case ZoneBasisHeartRate:
		return 5
	default:
		return 0
	}
}

// Interval is one bar of the skyline: time spent in a 1-based zone.
type Interval struct {
	Duration  uint32 `json:"duration"`
	Zone      uint32 `json:"zone"`
	Intensity uint32 `json:"intensity,omitempty"`
}

// Skyline is a decoded per-interval zone breakdown in temporal order.
type Skyline struct {
	ZoneCount int        `json:"zone_count"`
	Basis     ZoneBasis  `json:"zone_basis"`
	Intervals []Interval `json:"intervals"`
}

// EncodeSkyline serializes s. Durations and zones are always written, even
// when empty, so that an empty skyline still decodes.
func EncodeSkyline(s Skyline) []byte {
	var b []byte
	zoneCount := s.ZoneCount
	if zoneCount == 0 {
		zoneCount = s.Basis.DefaultZoneCount()
	}
	if zoneCount > 0 {
		b = protowire.AppendTag(b, fieldZoneCount, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(zoneCount))
	}

	b = appendPacked(b, fieldDurations, s.Intervals, func(iv Interval) uint32 { return iv.Duration })

	hasIntensity := false
	for _, iv := range s.Intervals {
		if iv.Intensity != 0 {
			hasIntensity = true
			break
		}
	}
	if hasIntensity {
		b = appendPacked(b, fieldIntensity, s.Intervals, func(iv Interval) uint32 { return iv.Intensity })
	}

	b = appendPacked(b, fieldZones, s.Intervals, func(iv Interval) uint32 { return iv.Zone })

	if s.Basis != ZoneBasisUnknown {
		b = protowire.AppendTag(b, fieldZoneBasis, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.Basis))
	}
	return b
}

func appendPacked(b []byte, num protowire.Number, ivs []Interval, get func(Interval) uint32) []byte {
	var packed []byte
	for _, iv := range ivs {
		packed = protowire.AppendVarint(packed, uint64(get(iv)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// DecodeSkyline parses a skyline payload. It reports false when the payload
// is malformed or lacks the duration or zone sequences. Duration and zone
// sequences of different lengths are paired up to the shorter one.
func DecodeSkyline(data []byte) (Skyline, bool) {
	var (
		s                 Skyline
		durations, zones  []uint64
		intensity         []uint64
		haveDur, haveZone bool
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Skyline{}, false
		}
		data = data[n:]

		switch {
		case num == fieldZoneCount && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Skyline{}, false
			}
			s.ZoneCount = int(v)
			n = m
		case num == fieldZoneBasis && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Skyline{}, false
			}
			s.Basis = ZoneBasis(v)
			n = m
		case num == fieldDurations || num == fieldIntensity || num == fieldZones:
			vals, m := consumeRepeated(data, typ)
			if m < 0 {
				return Skyline{}, false
			}
			switch num {
			case fieldDurations:
				durations = append(durations, vals...)
				haveDur = true
			case fieldIntensity:
				intensity = append(intensity, vals...)
			case fieldZones:
				zones = append(zones, vals...)
				haveZone = true
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Skyline{}, false
			}
		}
		data = data[n:]
	}

	if !haveDur || !haveZone {
		return Skyline{}, false
	}

	count := min(len(durations), len(zones))
	s.Intervals = make([]Interval, count)
	for i := 0; i < count; i++ {
		s.Intervals[i] = Interval{Duration: uint32(durations[i]), Zone: uint32(zones[i])}
		if i < len(intensity) {
			s.Intervals[i].Intensity = uint32(intensity[i])
		}
	}
	return s, true
}

// consumeRepeated reads either a packed run or a single unpacked varint.
func consumeRepeated(data []byte, typ protowire.Type) ([]uint64, int) {
	switch typ {
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, n
		}
		var vals []uint64
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return nil, m
			}
			vals = append(vals, v)
			packed = packed[m:]
		}
		return vals, n
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, n
		}
		return []uint64{v}, n
	default:
		return nil, -1
	}
}

// EncodeSkylineBase64 is EncodeSkyline in standard base64 for text transports.
func EncodeSkylineBase64(s Skyline) string {
	return base64.StdEncoding.EncodeToString(EncodeSkyline(s))
}

// DecodeSkylineBase64 decodes a base64 skyline. Invalid base64 reports false.
func DecodeSkylineBase64(text string) (Skyline, bool) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return Skyline{}, false
	}
	return DecodeSkyline(raw)
}
