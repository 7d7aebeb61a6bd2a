package experiment

import (
	"testing"
	"time"
)

func TestScheduleBoundaries(t *testing.T) {
	s := DefaultSchedule()
	cases := []struct {
		hours float64
		want  ParameterSet
	}{
		{0, SetBaseline},
		{23.9, SetBaseline},
		{24, SetConservative},
		{71.9, SetConservative},
		{72, SetAggressive},
		{120, SetAdvanced},
		{168, SetStabilization},
		{191.9, SetStabilization},
		{192, SetComplete},
		{500, SetComplete},
	}
	for _, tc := range cases {
		got := s.ActiveAt(time.Duration(tc.hours * float64(time.Hour)))
		if got != tc.want {
			t.Fatalf("ActiveAt(%.1fh) = %s, want %s", tc.hours, got, tc.want)
		}
	}
	if s.TotalDuration() != 192*time.Hour {
		t.Fatalf("total duration = %s, want 192h", s.TotalDuration())
	}
}

func TestScheduleMonotonic(t *testing.T) {
	s := DefaultSchedule()
	order := map[ParameterSet]int{
		SetBaseline: 0, SetConservative: 1, SetAggressive: 2,
		SetAdvanced: 3, SetStabilization: 4, SetComplete: 5,
	}
	prev := -1
	for h := 0; h <= 250; h++ {
		set := s.ActiveAt(time.Duration(h) * time.Hour)
		idx, ok := order[set]
		if !ok {
			t.Fatalf("hour %d: unknown set %s", h, set)
		}
		if idx < prev {
			t.Fatalf("hour %d: state %s went backwards", h, set)
		}
		prev = idx
	}
}

func TestNegativeElapsedIsBaseline(t *testing.T) {
	if got := DefaultSchedule().ActiveAt(-time.Hour); got != SetBaseline {
		t.Fatalf("negative elapsed = %s, want baseline", got)
	}
}

func TestIntensityAndFeeChanges(t *testing.T) {
	cases := []struct {
		set     ParameterSet
		want    float64
		changes bool
	}{
		{SetBaseline, 0, false},
		{SetConservative, 0.2, true},
		{SetAggressive, 0.5, true},
		{SetAdvanced, 0.7, true},
		{SetStabilization, 0, false},
		{SetComplete, 0, false},
	}
	for _, tc := range cases {
		if got := tc.set.Intensity(); got != tc.want {
			t.Fatalf("%s intensity = %v, want %v", tc.set, got, tc.want)
		}
		if got := tc.set.ChangesFees(); got != tc.changes {
			t.Fatalf("%s changes fees = %v, want %v", tc.set, got, tc.changes)
		}
	}
}

func TestLegacyPhaseAlias(t *testing.T) {
	if SetAggressive.LegacyPhase() != "moderate" || SetAdvanced.LegacyPhase() != "aggressive" {
		t.Fatalf("legacy aliases wrong: %s, %s", SetAggressive.LegacyPhase(), SetAdvanced.LegacyPhase())
	}
}
