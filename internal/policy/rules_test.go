package policy

import (
	"strings"
	"testing"
	"time"
)

const sampleRulesYAML = `
rules:
  - name: default-floor
    priority: 100
    matcher: {}
    policy:
      strategy: static
      kind: non_final
      fee_ppm: 250
  - name: drain-heavy
    priority: 20
    matcher:
      balance_ratio_min: 0.8
    policy:
      strategy: balance_based
      kind: final
      auto_rollback: true
      rollback_threshold: 0.25
  - name: disabled-rule
    priority: 10
    enabled: false
    matcher: {}
    policy:
      strategy: static
      fee_ppm: 1
`

func TestParseRulesOrdering(t *testing.T) {
	rs, err := ParseRules([]byte(sampleRulesYAML))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	rules := rs.Rules()
	if len(rules) != 3 {
		t.Fatalf("got %d rules, want 3", len(rules))
	}
	// Ascending priority order.
	if rules[0].Name != "disabled-rule" || rules[1].Name != "drain-heavy" || rules[2].Name != "default-floor" {
		t.Fatalf("unexpected order: %s, %s, %s", rules[0].Name, rules[1].Name, rules[2].Name)
	}
}

func TestParseRulesValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "rules: []", "no rules"},
		{"unnamed", "rules:\n  - matcher: {}\n    policy: {strategy: static}", "no name"},
		{"duplicate", "rules:\n  - name: a\n    policy: {strategy: static}\n  - name: a\n    policy: {strategy: static}", "duplicate"},
		{"bad strategy", "rules:\n  - name: a\n    policy: {strategy: mystery}", "unknown strategy"},
		{"bad kind", "rules:\n  - name: a\n    policy: {strategy: static, kind: sometimes}", "unknown kind"},
	}
	for _, tc := range cases {
		_, err := ParseRules([]byte(tc.yaml))
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestParseRulesDefaults(t *testing.T) {
	rs, err := ParseRules([]byte("rules:\n  - name: bare\n    policy: {}"))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	r := rs.Rules()[0]
	if r.Policy.Strategy != StrategyStatic {
		t.Fatalf("default strategy = %s, want static", r.Policy.Strategy)
	}
	if r.Policy.Kind != KindFinal {
		t.Fatalf("default kind = %s, want final", r.Policy.Kind)
	}
	if r.Priority != 100 {
		t.Fatalf("default priority = %d, want 100", r.Priority)
	}
	if !r.Enabled {
		t.Fatal("rules default to enabled")
	}
	if r.Policy.RollbackThreshold != 0.3 {
		t.Fatalf("default rollback threshold = %v, want 0.3", r.Policy.RollbackThreshold)
	}
}

func TestMatchStopsAtFinal(t *testing.T) {
	rs, err := ParseRules([]byte(sampleRulesYAML))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}

	// High ratio hits the final drain rule; the non_final floor never runs.
	matched := rs.Match(ChannelFeature{ChannelID: "800x1x0", BalanceRatio: 0.9})
	if len(matched) != 1 || matched[0].Name != "drain-heavy" {
		t.Fatalf("matched = %v, want only drain-heavy", ruleNames(matched))
	}

	// Balanced channel falls through to the floor. The disabled rule is
	// skipped even though it sorts first.
	matched = rs.Match(ChannelFeature{ChannelID: "800x1x0", BalanceRatio: 0.5})
	if len(matched) != 1 || matched[0].Name != "default-floor" {
		t.Fatalf("matched = %v, want only default-floor", ruleNames(matched))
	}
}

func TestMatchCollectsNonFinalChain(t *testing.T) {
	rs := NewRuleSet([]Rule{
		{Name: "floor", Priority: 10, Enabled: true, Policy: FeePolicy{Strategy: StrategyStatic, Kind: KindNonFinal}},
		{Name: "specific", Priority: 20, Enabled: true, Policy: FeePolicy{Strategy: StrategyBalanceBased, Kind: KindFinal}},
	})
	matched := rs.Match(ChannelFeature{ChannelID: "800x1x0"})
	if len(matched) != 2 || matched[0].Name != "floor" || matched[1].Name != "specific" {
		t.Fatalf("matched = %v, want floor then specific", ruleNames(matched))
	}
}

func TestRuleCounters(t *testing.T) {
	rs, err := ParseRules([]byte(sampleRulesYAML))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	rs.MarkApplied("drain-heavy", now)
	rs.MarkApplied("drain-heavy", now.Add(time.Hour))
	rs.AddRevenueImpact("drain-heavy", 4000)

	perf := rs.Performance()
	if len(perf) != 1 {
		t.Fatalf("got %d performance rows, want 1", len(perf))
	}
	p := perf[0]
	if p.Name != "drain-heavy" || p.AppliedCount != 2 || p.RevenueImpactMsat != 4000 || p.AvgImpactMsat != 2000 {
		t.Fatalf("unexpected performance row: %+v", p)
	}
	if !p.LastApplied.Equal(now.Add(time.Hour)) {
		t.Fatalf("last applied = %v", p.LastApplied)
	}
}

func ruleNames(rules []Rule) []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	return names
}
