package experiment

import (
	"math"
	"sort"
	"time"
)

// DataPoint is one per-channel observation persisted every cycle.
type DataPoint struct {
	At               time.Time    `json:"at"`
	ChannelID        string       `json:"channel_id"`
	Segment          Segment      `json:"segment"`
	ParameterSet     ParameterSet `json:"parameter_set"`
	OutboundPpm      int          `json:"outbound_ppm"`
	InboundPpm       int          `json:"inbound_ppm"`
	BalanceRatio     float64      `json:"balance_ratio"`
	FeeEarnedMsat    int64        `json:"fee_earned_msat"`
	ForwardedInMsat  int64        `json:"forwarded_in_msat"`
	ForwardedOutMsat int64        `json:"forwarded_out_msat"`

	// Derived, filled by Finalize.
	FlowEfficiency float64 `json:"flow_efficiency"`
	BalanceHealth  float64 `json:"balance_health"`
}

// Finalize computes the derived metrics. Flow efficiency is how symmetric
// the forwarding flow is (1.0 means equal in and out); balance health peaks
// at a 50/50 local balance split.
func (p *DataPoint) Finalize() {
	total := p.ForwardedInMsat + p.ForwardedOutMsat
	if total > 0 {
		lesser := p.ForwardedInMsat
		if p.ForwardedOutMsat < lesser {
			lesser = p.ForwardedOutMsat
		}
		p.FlowEfficiency = float64(lesser) / (float64(total) / 2)
	}
	health := 1 - math.Abs(p.BalanceRatio-0.5)*2
	if health < 0 {
		health = 0
	}
	p.BalanceHealth = health
}

const safetyMinAge = 2 * time.Hour

// RollbackDecision is the outcome of one safety evaluation.
type RollbackDecision struct {
	Rollback       bool    `json:"rollback"`
	Reason         string  `json:"reason,omitempty"`
	RevenueDecline float64 `json:"revenue_decline"`
	FlowDecline    float64 `json:"flow_decline"`

	// Evaluated reports that the window held enough data to compare halves.
	Evaluated bool `json:"evaluated"`
	// RevenueDeltaMsat is recent-half minus earlier-half revenue, the
	// observed impact attributed to the rule that made the change.
	RevenueDeltaMsat int64 `json:"revenue_delta_msat"`
}

// EvaluateRollback splits the data points observed since the change into an
// earlier and a more recent half and compares revenue and flow between the
// halves. A zero denominator skips that check rather than dividing by it.
// Pure function; the caller owns the actual reapply.
func EvaluateRollback(points []DataPoint, appliedAt, now time.Time, revenueThreshold, flowThreshold float64) RollbackDecision {
	var d RollbackDecision
	if now.Sub(appliedAt) < safetyMinAge {
		return d
	}

	var window []DataPoint
	for _, p := range points {
		if !p.At.Before(appliedAt) && !p.At.After(now) {
			window = append(window, p)
		}
	}
	if len(window) < 2 {
		return d
	}
	sort.Slice(window, func(i, j int) bool { return window[i].At.Before(window[j].At) })

	half := len(window) / 2
	earlier := window[:half]
	recent := window[len(window)-half:]

	var prevRevenue, recentRevenue, prevFlow, recentFlow int64
	for _, p := range earlier {
		prevRevenue += p.FeeEarnedMsat
		prevFlow += p.ForwardedInMsat + p.ForwardedOutMsat
	}
	for _, p := range recent {
		recentRevenue += p.FeeEarnedMsat
		recentFlow += p.ForwardedInMsat + p.ForwardedOutMsat
	}
	d.Evaluated = true
	d.RevenueDeltaMsat = recentRevenue - prevRevenue

	if prevRevenue > 0 {
		d.RevenueDecline = 1 - float64(recentRevenue)/float64(prevRevenue)
		if d.RevenueDecline > revenueThreshold {
			d.Rollback = true
			d.Reason = "revenue_decline"
			return d
		}
	}
	if prevFlow > 0 {
		d.FlowDecline = 1 - float64(recentFlow)/float64(prevFlow)
		if d.FlowDecline > flowThreshold {
			d.Rollback = true
			d.Reason = "flow_reduction"
			return d
		}
	}
	return d
}
