package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy names a fee calculation approach.
type Strategy string

const (
	StrategyStatic          Strategy = "static"
	StrategyBalanceBased    Strategy = "balance_based"
	StrategyFlowBased       Strategy = "flow_based"
	StrategyRevenueMax      Strategy = "revenue_max"
	StrategyInboundDiscount Strategy = "inbound_discount"
	StrategyInboundPremium  Strategy = "inbound_premium"
)

func knownStrategy(s Strategy) bool {
	switch s {
	case StrategyStatic, StrategyBalanceBased, StrategyFlowBased,
		StrategyRevenueMax, StrategyInboundDiscount, StrategyInboundPremium:
		return true
	}
	return false
}

// PolicyKind controls whether rule evaluation stops after a match.
type PolicyKind string

const (
	// KindFinal stops the rule walk once matched.
	KindFinal PolicyKind = "final"
	// KindNonFinal keeps evaluating, useful for cascading defaults.
	KindNonFinal PolicyKind = "non_final"
)

// FeePolicy is the immutable output template of a rule.
type FeePolicy struct {
	OutboundPpm      *int   `yaml:"fee_ppm,omitempty"`
	OutboundBaseMsat *int64 `yaml:"base_fee_msat,omitempty"`
	InboundPpm       *int   `yaml:"inbound_fee_ppm,omitempty"`
	InboundBaseMsat  *int64 `yaml:"inbound_base_fee_msat,omitempty"`

	Strategy Strategy   `yaml:"strategy"`
	Kind     PolicyKind `yaml:"kind"`

	MinFeePpm        *int `yaml:"min_fee_ppm,omitempty"`
	MaxFeePpm        *int `yaml:"max_fee_ppm,omitempty"`
	MinInboundFeePpm *int `yaml:"min_inbound_fee_ppm,omitempty"`
	MaxInboundFeePpm *int `yaml:"max_inbound_fee_ppm,omitempty"`

	AutoRollback      bool    `yaml:"auto_rollback"`
	RollbackThreshold float64 `yaml:"rollback_threshold"`
}

// Rule pairs a matcher with a fee policy. Rule definitions are immutable
// after load; performance counters live in a separate map on the RuleSet so
// the rule list stays safely shareable.
type Rule struct {
	Name     string    `yaml:"name"`
	Priority int       `yaml:"priority"`
	Enabled  bool      `yaml:"enabled"`
	Matcher  Matcher   `yaml:"matcher"`
	Policy   FeePolicy `yaml:"policy"`
}

// RuleCounters tracks how a rule has performed. Mutated only by the control
// loop thread.
type RuleCounters struct {
	AppliedCount      int
	RevenueImpactMsat int64
	LastApplied       time.Time
}

// RuleSet is a priority-sorted list of rules plus their counters.
type RuleSet struct {
	rules    []Rule
	counters map[string]*RuleCounters
}

type rulesFile struct {
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	Name     string    `yaml:"name"`
	Priority *int      `yaml:"priority"`
	Enabled  *bool     `yaml:"enabled"`
	Matcher  Matcher   `yaml:"matcher"`
	Policy   FeePolicy `yaml:"policy"`
}

// LoadRules reads the rules file. Any malformed rule is a fatal
// configuration error: the engine refuses to start on a bad rule file.
func LoadRules(path string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules file: %w", err)
	}
	return ParseRules(raw)
}

// ParseRules parses and validates rule definitions from YAML.
func ParseRules(raw []byte) (*RuleSet, error) {
	var doc rulesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("rules file: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("rules file: no rules defined")
	}

	rules := make([]Rule, 0, len(doc.Rules))
	seen := map[string]bool{}
	for i, rd := range doc.Rules {
		name := strings.TrimSpace(rd.Name)
		if name == "" {
			return nil, fmt.Errorf("rules file: rule %d has no name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("rules file: duplicate rule name %q", name)
		}
		seen[name] = true

		rule := Rule{
			Name:     name,
			Priority: 100,
			Enabled:  true,
			Matcher:  rd.Matcher,
			Policy:   rd.Policy,
		}
		if rd.Priority != nil {
			rule.Priority = *rd.Priority
		}
		if rd.Enabled != nil {
			rule.Enabled = *rd.Enabled
		}
		if rule.Policy.Strategy == "" {
			rule.Policy.Strategy = StrategyStatic
		}
		if !knownStrategy(rule.Policy.Strategy) {
			return nil, fmt.Errorf("rules file: rule %q has unknown strategy %q", name, rule.Policy.Strategy)
		}
		switch rule.Policy.Kind {
		case "":
			rule.Policy.Kind = KindFinal
		case KindFinal, KindNonFinal:
		default:
			return nil, fmt.Errorf("rules file: rule %q has unknown kind %q", name, rule.Policy.Kind)
		}
		if rule.Policy.RollbackThreshold <= 0 {
			rule.Policy.RollbackThreshold = 0.3
		}
		rules = append(rules, rule)
	}

	return NewRuleSet(rules), nil
}

// NewRuleSet sorts rules by ascending priority and initializes counters.
func NewRuleSet(rules []Rule) *RuleSet {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	counters := make(map[string]*RuleCounters, len(sorted))
	for _, r := range sorted {
		counters[r.Name] = &RuleCounters{}
	}
	return &RuleSet{rules: sorted, counters: counters}
}

// Rules returns the priority-ordered rule list.
func (rs *RuleSet) Rules() []Rule {
	return rs.rules
}

// Match walks rules in priority order and returns the matching subset, also
// in priority order. A matched rule with a final policy stops the walk. Pure
// with respect to engine state.
func (rs *RuleSet) Match(f ChannelFeature) []Rule {
	var matched []Rule
	for _, rule := range rs.rules {
		if !rule.Enabled {
			continue
		}
		if !rule.Matcher.Matches(f) {
			continue
		}
		matched = append(matched, rule)
		if rule.Policy.Kind == KindFinal {
			break
		}
	}
	return matched
}

// MarkApplied bumps the counters for a rule that was actually applied.
func (rs *RuleSet) MarkApplied(name string, now time.Time) {
	if c, ok := rs.counters[name]; ok {
		c.AppliedCount++
		c.LastApplied = now
	}
}

// AddRevenueImpact accumulates an observed revenue delta for a rule.
func (rs *RuleSet) AddRevenueImpact(name string, deltaMsat int64) {
	if c, ok := rs.counters[name]; ok {
		c.RevenueImpactMsat += deltaMsat
	}
}

// RulePerformance is one row of the rule performance report.
type RulePerformance struct {
	Name              string    `json:"name"`
	Strategy          Strategy  `json:"strategy"`
	Priority          int       `json:"priority"`
	Enabled           bool      `json:"enabled"`
	AppliedCount      int       `json:"applied_count"`
	RevenueImpactMsat int64     `json:"revenue_impact_msat"`
	AvgImpactMsat     int64     `json:"avg_impact_msat"`
	LastApplied       time.Time `json:"last_applied,omitempty"`
}

// Performance reports per-rule counters for every rule that was applied at
// least once.
func (rs *RuleSet) Performance() []RulePerformance {
	var out []RulePerformance
	for _, rule := range rs.rules {
		c := rs.counters[rule.Name]
		if c == nil || c.AppliedCount == 0 {
			continue
		}
		out = append(out, RulePerformance{
			Name:              rule.Name,
			Strategy:          rule.Policy.Strategy,
			Priority:          rule.Priority,
			Enabled:           rule.Enabled,
			AppliedCount:      c.AppliedCount,
			RevenueImpactMsat: c.RevenueImpactMsat,
			AvgImpactMsat:     c.RevenueImpactMsat / int64(c.AppliedCount),
			LastApplied:       c.LastApplied,
		})
	}
	return out
}
