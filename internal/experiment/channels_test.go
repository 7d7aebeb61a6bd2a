package experiment

import (
	"testing"
	"time"

	"github.com/aljazceru/lnflow/internal/policy"
)

func TestClassifySegment(t *testing.T) {
	cases := []struct {
		capSat int64
		flow   int64
		want   Segment
	}{
		{10_000_000, 20_000_000, SegmentHighCapActive},
		{10_000_000, 5_000_000, SegmentHighCapInactive},
		{3_000_000, 2_000_000, SegmentMedCapActive},
		{3_000_000, 500_000, SegmentMedCapInactive},
		{500_000, 200_000, SegmentLowCapActive},
		{500_000, 0, SegmentLowCapInactive},
	}
	for _, tc := range cases {
		if got := ClassifySegment(tc.capSat, tc.flow); got != tc.want {
			t.Fatalf("ClassifySegment(%d, %d) = %s, want %s", tc.capSat, tc.flow, got, tc.want)
		}
	}
	if !SegmentMedCapActive.Active() || SegmentHighCapInactive.Active() {
		t.Fatal("segment activity flags wrong")
	}
}

func TestChangesOnCountsUTCDay(t *testing.T) {
	ch := &Channel{ID: "c"}
	day := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	ch.RecordChange(ChangeRecord{At: day.Add(9 * time.Hour), Success: true})
	ch.RecordChange(ChangeRecord{At: day.Add(21 * time.Hour), Success: true})
	ch.RecordChange(ChangeRecord{At: day.Add(15 * time.Hour), Success: false})
	ch.RecordChange(ChangeRecord{At: day.Add(-time.Hour), Success: true})

	if n := ch.ChangesOn(day.Add(12 * time.Hour)); n != 2 {
		t.Fatalf("changes today = %d, want 2 (failures and yesterday excluded)", n)
	}
	if n := ch.ChangesOn(day.AddDate(0, 0, 1)); n != 0 {
		t.Fatalf("changes next day = %d, want 0", n)
	}
}

func TestRecordChangeAdvancesCurrentOnlyOnSuccess(t *testing.T) {
	base := policy.FeeValues{OutboundPpm: 100}
	ch := &Channel{ID: "c", Baseline: base, Current: base}

	ch.RecordChange(ChangeRecord{At: time.Now(), New: policy.FeeValues{OutboundPpm: 200}, Success: false})
	if ch.Current.OutboundPpm != 100 {
		t.Fatalf("failed change moved current fees to %d", ch.Current.OutboundPpm)
	}
	ch.RecordChange(ChangeRecord{At: time.Now(), New: policy.FeeValues{OutboundPpm: 200}, Success: true})
	if ch.Current.OutboundPpm != 200 {
		t.Fatalf("successful change did not move current fees")
	}
	if ch.Baseline.OutboundPpm != 100 {
		t.Fatal("baseline must never move")
	}
}

func TestLastChangeSkipsFailures(t *testing.T) {
	ch := &Channel{ID: "c"}
	if _, ok := ch.LastChange(); ok {
		t.Fatal("empty history must report no last change")
	}
	good := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	ch.RecordChange(ChangeRecord{At: good, Success: true})
	ch.RecordChange(ChangeRecord{At: good.Add(time.Hour), Success: false})
	last, ok := ch.LastChange()
	if !ok || !last.Equal(good) {
		t.Fatalf("last change = %v, want %v", last, good)
	}
}
