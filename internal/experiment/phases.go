package experiment

import "time"

// ParameterSet names one stage of an optimization run. The sequence is
// fixed: baseline, conservative, aggressive, advanced, stabilization, and
// finally complete once every window has elapsed.
type ParameterSet string

const (
	SetBaseline      ParameterSet = "baseline"
	SetConservative  ParameterSet = "conservative"
	SetAggressive    ParameterSet = "aggressive"
	SetAdvanced      ParameterSet = "advanced"
	SetStabilization ParameterSet = "stabilization"
	SetComplete      ParameterSet = "complete"
)

// Intensity is the strategy multiplier for the set. Measurement-only sets
// have no intensity.
func (ps ParameterSet) Intensity() float64 {
	switch ps {
	case SetConservative:
		return 0.2
	case SetAggressive:
		return 0.5
	case SetAdvanced:
		return 0.7
	}
	return 0
}

// ChangesFees reports whether the set runs fee-changing strategies.
// baseline and stabilization only measure, establishing the pre and post
// reference points.
func (ps ParameterSet) ChangesFees() bool {
	switch ps {
	case SetConservative, SetAggressive, SetAdvanced:
		return true
	}
	return false
}

// LegacyPhase is the presentation-only alias used in reports and stored
// rows from older runs.
func (ps ParameterSet) LegacyPhase() string {
	switch ps {
	case SetBaseline:
		return "baseline"
	case SetConservative:
		return "initial"
	case SetAggressive:
		return "moderate"
	case SetAdvanced:
		return "aggressive"
	case SetStabilization:
		return "stabilization"
	}
	return "complete"
}

// PhaseWindow is one scheduled stage with its duration.
type PhaseWindow struct {
	Set      ParameterSet
	Duration time.Duration
}

// Schedule maps elapsed run time to the active parameter set.
type Schedule struct {
	windows []PhaseWindow
}

// DefaultSchedule is the standard 8-day run: a day of baseline, two days
// each of the three changing sets, and a day of stabilization.
func DefaultSchedule() Schedule {
	return NewSchedule([]PhaseWindow{
		{Set: SetBaseline, Duration: 24 * time.Hour},
		{Set: SetConservative, Duration: 48 * time.Hour},
		{Set: SetAggressive, Duration: 48 * time.Hour},
		{Set: SetAdvanced, Duration: 48 * time.Hour},
		{Set: SetStabilization, Duration: 24 * time.Hour},
	})
}

func NewSchedule(windows []PhaseWindow) Schedule {
	copied := make([]PhaseWindow, len(windows))
	copy(copied, windows)
	return Schedule{windows: copied}
}

// ActiveAt walks the windows in order, accumulating durations, and returns
// the first window whose cumulative boundary has not been exceeded. Past the
// end of the schedule the run is complete.
func (s Schedule) ActiveAt(elapsed time.Duration) ParameterSet {
	if elapsed < 0 {
		elapsed = 0
	}
	var cum time.Duration
	for _, w := range s.windows {
		cum += w.Duration
		if elapsed < cum {
			return w.Set
		}
	}
	return SetComplete
}

// TotalDuration is the sum of all window durations.
func (s Schedule) TotalDuration() time.Duration {
	var cum time.Duration
	for _, w := range s.windows {
		cum += w.Duration
	}
	return cum
}
