// Package sections discovers recurring sub-routes across activities and
// matches activities against known sections.
package sections

// Scale is one spatial granularity of detection. All values are policy and
// may be tuned without touching storage or query contracts.
type Scale struct {
	Name string
	// WindowLength is the target candidate length in meters.
	WindowLength float64
	// MinLength and MaxLength bound accepted reference lengths.
	MinLength float64
	MaxLength float64
	// Proximity is the distance in meters under which two points count as
	// the same place.
	Proximity float64
	// OverlapThreshold is the minimum mutual overlap for a window to join
	// a cluster.
	OverlapThreshold float64
}

// DefaultScales cover short climbs, medium segments and long loops.
var DefaultScales = []Scale{
	{Name: "short", WindowLength: 400, MinLength: 100, MaxLength: 500, Proximity: 30, OverlapThreshold: 0.8},
	{Name: "medium", WindowLength: 1200, MinLength: 500, MaxLength: 2000, Proximity: 40, OverlapThreshold: 0.8},
	{Name: "long", WindowLength: 3500, MinLength: 2000, MaxLength: 5000, Proximity: 50, OverlapThreshold: 0.8},
}

// Config tunes a Detector.
type Config struct {
	// MinActivities is the number of distinct activities a candidate needs
	// before it becomes a section.
	MinActivities int
	Scales        []Scale
	// WindowStepFraction is the window advance as a fraction of its length.
	WindowStepFraction float64
	// MinCoverage is the fraction of a reference an activity must cover for
	// its portion to count.
	MinCoverage float64
	// LengthTolerance bounds a portion's length relative to the reference:
	// [1-tol, 1+tol].
	LengthTolerance float64
	// MaxGap is the number of consecutive off-route segments tolerated
	// inside one portion.
	MaxGap int
	// DuplicateOverlap drops a section whose reference overlaps a stronger
	// one of the same scale by at least this fraction.
	DuplicateOverlap float64
	// StableMaxAMD and StableLengthTolerance decide when a new section is
	// the same as one from a previous run and keeps its id.
	StableMaxAMD          float64
	StableLengthTolerance float64
	// MaxConcurrency bounds how many sports are processed at once.
	MaxConcurrency int
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		MinActivities:         3,
		Scales:                DefaultScales,
		WindowStepFraction:    0.2,
		MinCoverage:           0.8,
		LengthTolerance:       0.5,
		MaxGap:                3,
		DuplicateOverlap:      0.5,
		StableMaxAMD:          25,
		StableLengthTolerance: 0.1,
		MaxConcurrency:        4,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinActivities <= 0 {
		c.MinActivities = d.MinActivities
	}
	if len(c.Scales) == 0 {
		c.Scales = d.Scales
	}
	if c.WindowStepFraction <= 0 || c.WindowStepFraction > 1 {
		c.WindowStepFraction = d.WindowStepFraction
	}
	if c.MinCoverage <= 0 {
		c.MinCoverage = d.MinCoverage
	}
	if c.LengthTolerance <= 0 {
		c.LengthTolerance = d.LengthTolerance
	}
	if c.MaxGap < 0 {
		c.MaxGap = d.MaxGap
	}
	if c.DuplicateOverlap <= 0 {
		c.DuplicateOverlap = d.DuplicateOverlap
	}
	if c.StableMaxAMD <= 0 {
		c.StableMaxAMD = d.StableMaxAMD
	}
	if c.StableLengthTolerance <= 0 {
		c.StableLengthTolerance = d.StableLengthTolerance
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	return c
}

// MatchOptions tunes matching of activities against one reference.
type MatchOptions struct {
	Proximity       float64
	MinCoverage     float64
	LengthTolerance float64
	MaxGap          int
}

// CustomMatchOptions are used for user-defined sections.
var CustomMatchOptions = MatchOptions{
	Proximity:       50,
	MinCoverage:     0.8,
	LengthTolerance: 0.5,
	MaxGap:          3,
}
