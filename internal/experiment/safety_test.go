package experiment

import (
	"testing"
	"time"
)

func declinePoints(appliedAt time.Time, earlierRev, recentRev int64) []DataPoint {
	return []DataPoint{
		{At: appliedAt.Add(10 * time.Minute), ChannelID: "c", FeeEarnedMsat: earlierRev, ForwardedInMsat: 500, ForwardedOutMsat: 500},
		{At: appliedAt.Add(40 * time.Minute), ChannelID: "c", FeeEarnedMsat: earlierRev, ForwardedInMsat: 500, ForwardedOutMsat: 500},
		{At: appliedAt.Add(100 * time.Minute), ChannelID: "c", FeeEarnedMsat: recentRev, ForwardedInMsat: 500, ForwardedOutMsat: 500},
		{At: appliedAt.Add(130 * time.Minute), ChannelID: "c", FeeEarnedMsat: recentRev, ForwardedInMsat: 500, ForwardedOutMsat: 500},
	}
}

func TestRollbackAtFortyPercentDecline(t *testing.T) {
	applied := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	now := applied.Add(3 * time.Hour)

	d := EvaluateRollback(declinePoints(applied, 1000, 600), applied, now, 0.3, 0.6)
	if !d.Rollback || d.Reason != "revenue_decline" {
		t.Fatalf("40%% decline: decision = %+v, want revenue rollback", d)
	}
	if d.RevenueDecline < 0.39 || d.RevenueDecline > 0.41 {
		t.Fatalf("revenue decline = %v, want 0.4", d.RevenueDecline)
	}
}

func TestNoRollbackAtTwentyFivePercentDecline(t *testing.T) {
	applied := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	now := applied.Add(3 * time.Hour)

	d := EvaluateRollback(declinePoints(applied, 1000, 750), applied, now, 0.3, 0.6)
	if d.Rollback {
		t.Fatalf("25%% decline must not roll back: %+v", d)
	}
}

func TestNoRollbackBeforeTwoHours(t *testing.T) {
	applied := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	now := applied.Add(90 * time.Minute)

	d := EvaluateRollback(declinePoints(applied, 1000, 0), applied, now, 0.3, 0.6)
	if d.Rollback {
		t.Fatalf("change younger than 2h must not roll back: %+v", d)
	}
}

func TestZeroDenominatorSkipsCheck(t *testing.T) {
	applied := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	now := applied.Add(3 * time.Hour)

	points := []DataPoint{
		{At: applied.Add(10 * time.Minute), ChannelID: "c"},
		{At: applied.Add(40 * time.Minute), ChannelID: "c"},
		{At: applied.Add(100 * time.Minute), ChannelID: "c"},
		{At: applied.Add(130 * time.Minute), ChannelID: "c"},
	}
	d := EvaluateRollback(points, applied, now, 0.3, 0.6)
	if d.Rollback {
		t.Fatalf("zero baseline revenue and flow must skip, got %+v", d)
	}
}

func TestFlowDeclineTriggersRollback(t *testing.T) {
	applied := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	now := applied.Add(3 * time.Hour)

	points := []DataPoint{
		{At: applied.Add(10 * time.Minute), ChannelID: "c", ForwardedInMsat: 2000, ForwardedOutMsat: 2000},
		{At: applied.Add(40 * time.Minute), ChannelID: "c", ForwardedInMsat: 2000, ForwardedOutMsat: 2000},
		{At: applied.Add(100 * time.Minute), ChannelID: "c", ForwardedInMsat: 300, ForwardedOutMsat: 300},
		{At: applied.Add(130 * time.Minute), ChannelID: "c", ForwardedInMsat: 300, ForwardedOutMsat: 300},
	}
	d := EvaluateRollback(points, applied, now, 0.3, 0.6)
	if !d.Rollback || d.Reason != "flow_reduction" {
		t.Fatalf("85%% flow drop: decision = %+v, want flow rollback", d)
	}
}

func TestTooFewPointsSkips(t *testing.T) {
	applied := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	now := applied.Add(3 * time.Hour)

	points := []DataPoint{{At: applied.Add(time.Hour), ChannelID: "c", FeeEarnedMsat: 1}}
	if d := EvaluateRollback(points, applied, now, 0.3, 0.6); d.Rollback {
		t.Fatalf("single data point must not roll back: %+v", d)
	}
}

func TestPointsOutsideWindowIgnored(t *testing.T) {
	applied := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	now := applied.Add(3 * time.Hour)

	// Healthy points inside the window, a catastrophic one before the change.
	points := append(declinePoints(applied, 1000, 1000),
		DataPoint{At: applied.Add(-time.Hour), ChannelID: "c", FeeEarnedMsat: 1_000_000})
	if d := EvaluateRollback(points, applied, now, 0.3, 0.6); d.Rollback {
		t.Fatalf("pre-change points must be excluded: %+v", d)
	}
}

func TestFinalizeDerivedMetrics(t *testing.T) {
	dp := DataPoint{ForwardedInMsat: 1000, ForwardedOutMsat: 3000, BalanceRatio: 0.75}
	dp.Finalize()
	if dp.FlowEfficiency != 0.5 {
		t.Fatalf("flow efficiency = %v, want 0.5", dp.FlowEfficiency)
	}
	if dp.BalanceHealth != 0.5 {
		t.Fatalf("balance health = %v, want 0.5", dp.BalanceHealth)
	}

	balanced := DataPoint{ForwardedInMsat: 2000, ForwardedOutMsat: 2000, BalanceRatio: 0.5}
	balanced.Finalize()
	if balanced.FlowEfficiency != 1 || balanced.BalanceHealth != 1 {
		t.Fatalf("balanced point = %v/%v, want 1/1", balanced.FlowEfficiency, balanced.BalanceHealth)
	}

	dead := DataPoint{BalanceRatio: 1}
	dead.Finalize()
	if dead.FlowEfficiency != 0 || dead.BalanceHealth != 0 {
		t.Fatalf("dead point = %v/%v, want 0/0", dead.FlowEfficiency, dead.BalanceHealth)
	}
}
