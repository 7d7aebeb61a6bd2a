package policy

import (
	"fmt"
	"sort"
	"time"
)

// FeeValues is the four-value fee tuple applied to a channel.
type FeeValues struct {
	OutboundPpm      int   `json:"outbound_ppm"`
	OutboundBaseMsat int64 `json:"outbound_base_msat"`
	InboundPpm       int   `json:"inbound_ppm"`
	InboundBaseMsat  int64 `json:"inbound_base_msat"`
}

// Trend describes the direction of a channel's recent flow.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendUnknown    Trend = "unknown"
)

// FlowSample is one observed flow volume at a point in time.
type FlowSample struct {
	At       time.Time
	FlowMsat int64
}

// FlowTrendOf compares the most recent third of the lookback window against
// the earliest third.
func FlowTrendOf(samples []FlowSample) Trend {
	if len(samples) < 3 {
		return TrendUnknown
	}
	ordered := make([]FlowSample, len(samples))
	copy(ordered, samples)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].At.Before(ordered[j].At) })

	third := len(ordered) / 3
	var early, recent int64
	for _, s := range ordered[:third] {
		early += s.FlowMsat
	}
	for _, s := range ordered[len(ordered)-third:] {
		recent += s.FlowMsat
	}
	if recent > early {
		return TrendIncreasing
	}
	return TrendDecreasing
}

// Limits are the engine-wide fee bounds and balance thresholds.
type Limits struct {
	MinFeePpm   int
	MaxFeePpm   int
	HighBalance float64
	LowBalance  float64
}

func DefaultLimits() Limits {
	return Limits{MinFeePpm: 1, MaxFeePpm: 5000, HighBalance: 0.8, LowBalance: 0.2}
}

// CalcInput is everything a single fee calculation needs.
type CalcInput struct {
	Feature   ChannelFeature
	Matched   []Rule
	Intensity float64
	FlowTrend Trend
}

// Recommendation is the calculator's output for one channel.
type Recommendation struct {
	Fees    FeeValues
	Changed bool
	Reason  string

	// Final matched rule, driving clamps and rollback behavior.
	RuleName          string
	AutoRollback      bool
	RollbackThreshold float64
}

// Calculator folds matched rules into concrete fee values.
type Calculator struct {
	limits  Limits
	history *PerformanceHistory
}

func NewCalculator(limits Limits, history *PerformanceHistory) *Calculator {
	if limits.MinFeePpm < 1 {
		limits.MinFeePpm = 1
	}
	if limits.MaxFeePpm <= 0 {
		limits.MaxFeePpm = 5000
	}
	if limits.HighBalance <= 0 {
		limits.HighBalance = 0.8
	}
	if limits.LowBalance <= 0 {
		limits.LowBalance = 0.2
	}
	if history == nil {
		history = NewPerformanceHistory()
	}
	return &Calculator{limits: limits, history: history}
}

func (c *Calculator) History() *PerformanceHistory {
	return c.history
}

// Calculate folds the matched rules in order: a later rule's output for a
// field overrides an earlier rule's only when the later rule explicitly sets
// it. With no matched rules the current fees are returned unchanged.
func (c *Calculator) Calculate(in CalcInput) Recommendation {
	f := in.Feature
	current := FeeValues{
		OutboundPpm:      f.OutboundFeePpm,
		OutboundBaseMsat: f.OutboundBaseMsat,
		InboundPpm:       f.InboundFeePpm,
		InboundBaseMsat:  f.InboundBaseMsat,
	}
	if len(in.Matched) == 0 {
		return Recommendation{Fees: current, Reason: "no matching policy"}
	}

	intensity := in.Intensity
	if intensity <= 0 {
		intensity = 0.5
	}

	var outPpm, inPpm *int
	var outBase, inBase *int64
	reason := ""

	for _, rule := range in.Matched {
		p := rule.Policy
		switch p.Strategy {
		case StrategyStatic:
			if p.OutboundPpm != nil {
				outPpm = intPtr(*p.OutboundPpm)
			}
			if p.OutboundBaseMsat != nil {
				outBase = int64Ptr(*p.OutboundBaseMsat)
			}
			if p.InboundPpm != nil {
				inPpm = intPtr(*p.InboundPpm)
			}
			if p.InboundBaseMsat != nil {
				inBase = int64Ptr(*p.InboundBaseMsat)
			}
			reason = "[STATIC] rule values"

		case StrategyBalanceBased:
			o, i, r := c.balanceBased(f, p, currentOr(outPpm, current.OutboundPpm), currentOr(inPpm, current.InboundPpm), intensity)
			outPpm, inPpm = intPtr(o), intPtr(i)
			reason = r

		case StrategyFlowBased:
			o, i, r := c.flowBased(f, p, in.FlowTrend, currentOr(outPpm, current.OutboundPpm), currentOr(inPpm, current.InboundPpm), intensity)
			outPpm, inPpm = intPtr(o), intPtr(i)
			reason = r

		case StrategyRevenueMax:
			if best, ok := c.history.Best(f.ChannelID); ok {
				outPpm = intPtr(best.OutboundPpm)
				inPpm = intPtr(best.InboundPpm)
				reason = fmt.Sprintf("[REVENUE] reuse best rate %d ppm (%d msat/day)", best.OutboundPpm, best.RevenuePerDayMsat)
			} else {
				// No performance history: static fallback.
				if p.OutboundPpm != nil {
					outPpm = intPtr(*p.OutboundPpm)
				}
				if p.InboundPpm != nil {
					inPpm = intPtr(*p.InboundPpm)
				}
				reason = "[REVENUE] no history, static fallback"
			}

		case StrategyInboundDiscount:
			inPpm = intPtr(LiquidityDiscount(f.BalanceRatio, intensity))
			if p.OutboundPpm != nil {
				outPpm = intPtr(*p.OutboundPpm)
			}
			reason = fmt.Sprintf("[INBOUND] liquidity discount (local=%.2f)", f.BalanceRatio)

		case StrategyInboundPremium:
			v := FlowBasedInbound(f.FlowIn7dMsat, f.FlowOut7dMsat)
			if v == 0 {
				v = CompetitiveInbound(currentOr(outPpm, current.OutboundPpm), f.PeerFeeRatesPpm)
			}
			inPpm = intPtr(v)
			if p.OutboundPpm != nil {
				outPpm = intPtr(*p.OutboundPpm)
			}
			reason = "[INBOUND] flow premium"
		}
	}

	fees := FeeValues{
		OutboundPpm:      currentOr(outPpm, current.OutboundPpm),
		OutboundBaseMsat: currentOr64(outBase, current.OutboundBaseMsat),
		InboundPpm:       currentOr(inPpm, current.InboundPpm),
		InboundBaseMsat:  currentOr64(inBase, current.InboundBaseMsat),
	}

	final := in.Matched[len(in.Matched)-1]
	fees = applyRuleClamps(fees, final.Policy)
	fees = c.applySafetyClamps(fees)

	return Recommendation{
		Fees:              fees,
		Changed:           fees != current,
		Reason:            reason,
		RuleName:          final.Name,
		AutoRollback:      final.Policy.AutoRollback,
		RollbackThreshold: final.Policy.RollbackThreshold,
	}
}

func (c *Calculator) balanceBased(f ChannelFeature, p FeePolicy, curOut, curIn int, intensity float64) (int, int, string) {
	base := curOut
	if p.OutboundPpm != nil {
		base = *p.OutboundPpm
	}
	if base <= 0 {
		base = 1000
	}

	switch {
	case f.BalanceRatio > c.limits.HighBalance:
		// Too much local liquidity: cheapen outbound, widen the discount.
		out := int(float64(base) * (1 - 0.5*intensity))
		if out < 1 {
			out = 1
		}
		in := LiquidityDiscount(f.BalanceRatio, intensity)
		return out, in, fmt.Sprintf("[BALANCE] improve outbound incentives (local=%.2f)", f.BalanceRatio)

	case f.BalanceRatio < c.limits.LowBalance:
		// Scarce local liquidity: earn more on what is left.
		out := int(float64(base) * (1 + 1.0*intensity))
		if out > c.limits.MaxFeePpm {
			out = c.limits.MaxFeePpm
		}
		in := int(float64(base) * 0.1)
		if in < 0 {
			in = 0
		}
		return out, in, fmt.Sprintf("[BALANCE] maximize revenue on scarce local balance (local=%.2f)", f.BalanceRatio)

	default:
		// Well balanced: nudge by segment.
		if f.SegmentActive {
			out := base + int(25*intensity)
			in := curIn + int(10*intensity)
			return out, in, "[BALANCE] revenue optimization on balanced active channel"
		}
		out := base - int(25*intensity)
		if out < 1 {
			out = 1
		}
		in := curIn - int(15*intensity)
		if in < -100 {
			in = -100
		}
		return out, in, "[BALANCE] activation incentive for quiet channel"
	}
}

func (c *Calculator) flowBased(f ChannelFeature, p FeePolicy, trend Trend, curOut, curIn int, intensity float64) (int, int, string) {
	base := curOut
	if p.OutboundPpm != nil {
		base = *p.OutboundPpm
	}
	if base <= 0 {
		base = 1000
	}

	if trend == TrendIncreasing {
		out := base + int(75*intensity)
		in := curIn + int(20*intensity)
		return out, in, "[FLOW] capitalize on increasing flow"
	}

	// Decreasing or unknown flow: lower fees to attract traffic.
	out := base - int(75*intensity)
	if out < 1 {
		out = 1
	}
	in := curIn - int(25*intensity)
	if in < -150 {
		in = -150
	}
	return out, in, "[FLOW] attract traffic with lower fees"
}

func applyRuleClamps(v FeeValues, p FeePolicy) FeeValues {
	if p.MinFeePpm != nil && v.OutboundPpm < *p.MinFeePpm {
		v.OutboundPpm = *p.MinFeePpm
	}
	if p.MaxFeePpm != nil && v.OutboundPpm > *p.MaxFeePpm {
		v.OutboundPpm = *p.MaxFeePpm
	}
	if p.MinInboundFeePpm != nil && v.InboundPpm < *p.MinInboundFeePpm {
		v.InboundPpm = *p.MinInboundFeePpm
	}
	if p.MaxInboundFeePpm != nil && v.InboundPpm > *p.MaxInboundFeePpm {
		v.InboundPpm = *p.MaxInboundFeePpm
	}
	return v
}

// applySafetyClamps enforces the global invariants: outbound stays within
// [min, max] and never below 1 ppm, and an inbound discount never exceeds
// 80% of the outbound rate.
func (c *Calculator) applySafetyClamps(v FeeValues) FeeValues {
	if v.OutboundPpm < c.limits.MinFeePpm {
		v.OutboundPpm = c.limits.MinFeePpm
	}
	if v.OutboundPpm < 1 {
		v.OutboundPpm = 1
	}
	if v.OutboundPpm > c.limits.MaxFeePpm {
		v.OutboundPpm = c.limits.MaxFeePpm
	}
	if v.InboundPpm < 0 {
		maxDiscount := -int(float64(v.OutboundPpm) * 0.8)
		if v.InboundPpm < maxDiscount {
			v.InboundPpm = maxDiscount
		}
	}
	return v
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func currentOr(p *int, cur int) int {
	if p != nil {
		return *p
	}
	return cur
}

func currentOr64(p *int64, cur int64) int64 {
	if p != nil {
		return *p
	}
	return cur
}
