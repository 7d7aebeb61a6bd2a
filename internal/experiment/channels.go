package experiment

import (
	"time"

	"github.com/aljazceru/lnflow/internal/policy"
)

// Segment buckets a managed channel by capacity and observed activity.
// Assigned once at initialization and kept for the whole run.
type Segment string

const (
	SegmentHighCapActive   Segment = "high_cap_active"
	SegmentHighCapInactive Segment = "high_cap_inactive"
	SegmentMedCapActive    Segment = "med_cap_active"
	SegmentMedCapInactive  Segment = "med_cap_inactive"
	SegmentLowCapActive    Segment = "low_cap_active"
	SegmentLowCapInactive  Segment = "low_cap_inactive"
)

// ClassifySegment picks one of the six buckets. Capacity tiers at 5M and 1M
// sats; the activity cutoff shrinks with the tier since a small channel
// moving a little is doing its job.
func ClassifySegment(capacitySat, monthlyFlowMsat int64) Segment {
	switch {
	case capacitySat > 5_000_000:
		if monthlyFlowMsat > 10_000_000 {
			return SegmentHighCapActive
		}
		return SegmentHighCapInactive
	case capacitySat > 1_000_000:
		if monthlyFlowMsat > 1_000_000 {
			return SegmentMedCapActive
		}
		return SegmentMedCapInactive
	default:
		if monthlyFlowMsat > 100_000 {
			return SegmentLowCapActive
		}
		return SegmentLowCapInactive
	}
}

// Active reports whether the segment is one of the *_active buckets.
func (s Segment) Active() bool {
	switch s {
	case SegmentHighCapActive, SegmentMedCapActive, SegmentLowCapActive:
		return true
	}
	return false
}

// ChangeRecord is one entry in a channel's append-only change history.
type ChangeRecord struct {
	At       time.Time        `json:"at"`
	Old      policy.FeeValues `json:"old"`
	New      policy.FeeValues `json:"new"`
	Reason   string           `json:"reason"`
	RuleName string           `json:"rule_name,omitempty"`
	Success  bool             `json:"success"`
}

// PendingChange tracks a change awaiting its safety review. Cleared after a
// rollback so the same change is never rolled back twice; a rollback itself
// never becomes pending.
type PendingChange struct {
	AppliedAt time.Time `json:"applied_at"`
	RuleName  string    `json:"rule_name"`
	Threshold float64   `json:"threshold"`
}

// Channel is one channel under management. Baseline fees are the first
// observed values and never change afterwards; they are the rollback target.
type Channel struct {
	ID          string           `json:"channel_id"`
	PeerPubkey  string           `json:"peer_pubkey"`
	PeerAlias   string           `json:"peer_alias,omitempty"`
	Segment     Segment          `json:"segment"`
	CapacitySat int64            `json:"capacity_sat"`
	Baseline    policy.FeeValues `json:"baseline"`
	Current     policy.FeeValues `json:"current"`
	History     []ChangeRecord   `json:"history,omitempty"`
	Pending     *PendingChange   `json:"pending,omitempty"`
}

// RecordChange appends to the history and, on success, advances the current
// fees.
func (c *Channel) RecordChange(rec ChangeRecord) {
	c.History = append(c.History, rec)
	if rec.Success {
		c.Current = rec.New
	}
}

// ChangesOn counts successful changes recorded on the given UTC day.
func (c *Channel) ChangesOn(day time.Time) int {
	y, m, d := day.UTC().Date()
	n := 0
	for _, rec := range c.History {
		ry, rm, rd := rec.At.UTC().Date()
		if rec.Success && ry == y && rm == m && rd == d {
			n++
		}
	}
	return n
}

// LastChange returns the time of the most recent successful change.
func (c *Channel) LastChange() (time.Time, bool) {
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Success {
			return c.History[i].At, true
		}
	}
	return time.Time{}, false
}
