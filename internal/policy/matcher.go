package policy

// Matcher is an immutable matching predicate. Every populated bound must be
// satisfied for a channel to match; unset bounds are wildcards. Numeric
// bounds are inclusive, list bounds are set membership.
type Matcher struct {
	ChannelIDs []string `yaml:"channel_ids,omitempty"`

	CapacityMinSat *int64 `yaml:"capacity_min_sat,omitempty"`
	CapacityMaxSat *int64 `yaml:"capacity_max_sat,omitempty"`

	BalanceRatioMin *float64 `yaml:"balance_ratio_min,omitempty"`
	BalanceRatioMax *float64 `yaml:"balance_ratio_max,omitempty"`

	AgeMinDays *int `yaml:"age_min_days,omitempty"`
	AgeMaxDays *int `yaml:"age_max_days,omitempty"`

	PeerPubkeys    []string        `yaml:"peer_pubkeys,omitempty"`
	ActivityLevels []ActivityLevel `yaml:"activity_levels,omitempty"`

	Flow7dMinMsat *int64 `yaml:"flow_7d_min_msat,omitempty"`
	Flow7dMaxMsat *int64 `yaml:"flow_7d_max_msat,omitempty"`

	AlternativeRoutesMin *int `yaml:"alternative_routes_min,omitempty"`

	// Our outbound rate divided by the average peer outbound rate.
	PeerFeeRatioMin *float64 `yaml:"peer_fee_ratio_min,omitempty"`
	PeerFeeRatioMax *float64 `yaml:"peer_fee_ratio_max,omitempty"`
}

// Matches reports whether the feature satisfies every populated bound.
func (m Matcher) Matches(f ChannelFeature) bool {
	if len(m.ChannelIDs) > 0 && !containsString(m.ChannelIDs, f.ChannelID) {
		return false
	}
	if m.CapacityMinSat != nil && f.CapacitySat < *m.CapacityMinSat {
		return false
	}
	if m.CapacityMaxSat != nil && f.CapacitySat > *m.CapacityMaxSat {
		return false
	}
	if m.BalanceRatioMin != nil && f.BalanceRatio < *m.BalanceRatioMin {
		return false
	}
	if m.BalanceRatioMax != nil && f.BalanceRatio > *m.BalanceRatioMax {
		return false
	}
	if m.AgeMinDays != nil && f.AgeDays < *m.AgeMinDays {
		return false
	}
	if m.AgeMaxDays != nil && f.AgeDays > *m.AgeMaxDays {
		return false
	}
	if len(m.PeerPubkeys) > 0 && !containsString(m.PeerPubkeys, f.PeerPubkey) {
		return false
	}
	if len(m.ActivityLevels) > 0 && !containsActivity(m.ActivityLevels, f.ActivityLevel) {
		return false
	}
	if m.Flow7dMinMsat != nil && f.TotalFlow7dMsat() < *m.Flow7dMinMsat {
		return false
	}
	if m.Flow7dMaxMsat != nil && f.TotalFlow7dMsat() > *m.Flow7dMaxMsat {
		return false
	}
	if m.AlternativeRoutesMin != nil && f.AlternativeRoutes < *m.AlternativeRoutesMin {
		return false
	}
	if m.PeerFeeRatioMin != nil || m.PeerFeeRatioMax != nil {
		ratio, ok := peerFeeRatio(f)
		if !ok {
			return false
		}
		if m.PeerFeeRatioMin != nil && ratio < *m.PeerFeeRatioMin {
			return false
		}
		if m.PeerFeeRatioMax != nil && ratio > *m.PeerFeeRatioMax {
			return false
		}
	}
	return true
}

func peerFeeRatio(f ChannelFeature) (float64, bool) {
	if len(f.PeerFeeRatesPpm) == 0 {
		return 0, false
	}
	sum := 0
	for _, ppm := range f.PeerFeeRatesPpm {
		sum += ppm
	}
	avg := float64(sum) / float64(len(f.PeerFeeRatesPpm))
	if avg <= 0 {
		return 0, false
	}
	return float64(f.OutboundFeePpm) / avg, true
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsActivity(list []ActivityLevel, v ActivityLevel) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
