package policy

// Inbound-fee sub-strategies. All pure functions of feature data; negative
// values are discounts in ppm.

// LiquidityDiscount scales the inbound discount with how much liquidity we
// want to pull back in: a very high local balance earns a large discount,
// a depleted one gets at most a token discount.
func LiquidityDiscount(balanceRatio, intensity float64) int {
	switch {
	case balanceRatio > 0.8:
		return -int(50 * intensity)
	case balanceRatio > 0.6:
		return -int(30 * intensity)
	case balanceRatio > 0.4:
		return -int(10 * intensity)
	default:
		d := -int(5 * intensity)
		if d < -5 {
			d = -5
		}
		return d
	}
}

// FlowBasedInbound prices inbound by the 7d in/out volume ratio: too much
// inbound charges a premium, too little offers a discount.
func FlowBasedInbound(flowIn7dMsat, flowOut7dMsat int64) int {
	if flowIn7dMsat <= 0 {
		if flowOut7dMsat <= 0 {
			return 0
		}
		return -100
	}
	out := flowOut7dMsat
	if out < 1 {
		out = 1
	}
	ratio := float64(flowIn7dMsat) / float64(out)
	switch {
	case ratio > 2.0:
		premium := int(20 * ratio)
		if premium > 50 {
			premium = 50
		}
		return premium
	case ratio < 0.5:
		discount := -int(30 * (1 / ratio))
		if discount < -100 {
			discount = -100
		}
		return discount
	default:
		return 0
	}
}

// CompetitiveInbound compares our outbound rate with the average of known
// peer rates: priced well above peers earns an inbound discount proportional
// to the gap, well below permits a small premium.
func CompetitiveInbound(outboundPpm int, peerFeesPpm []int) int {
	if len(peerFeesPpm) == 0 {
		return 0
	}
	sum := 0
	for _, ppm := range peerFeesPpm {
		sum += ppm
	}
	avg := float64(sum) / float64(len(peerFeesPpm))
	own := float64(outboundPpm)
	switch {
	case own > avg*1.5:
		return -int((own - avg) * 0.3)
	case own < avg*0.7:
		return int((avg - own) * 0.2)
	default:
		return 0
	}
}
