package policy

// Snapshot is the raw per-channel view supplied by the node data source.
// All balance and capacity values are in satoshis, flow and revenue in
// millisatoshis, fee rates in ppm.
type Snapshot struct {
	ChannelID        string
	PeerPubkey       string
	PeerAlias        string
	CapacitySat      int64
	LocalBalanceSat  int64
	RemoteBalanceSat int64

	OutboundFeePpm   int
	OutboundBaseMsat int64
	InboundFeePpm    int
	InboundBaseMsat  int64

	ForwardedInMsat7d  int64
	ForwardedOutMsat7d int64
	FeeEarnedMsat      int64
	RoutingEvents      int

	AgeDays           int
	PeerFeeRatesPpm   []int
	AlternativeRoutes int
}

// ActivityLevel buckets a channel by how much of its capacity moved in the
// last seven days.
type ActivityLevel string

const (
	ActivityInactive ActivityLevel = "inactive"
	ActivityLow      ActivityLevel = "low"
	ActivityMedium   ActivityLevel = "medium"
	ActivityHigh     ActivityLevel = "high"
)

// ChannelFeature is the flat, typed record the matcher and strategies work
// on. Built fresh each cycle, never mutated afterwards.
type ChannelFeature struct {
	ChannelID string

	CapacitySat      int64
	LocalBalanceSat  int64
	RemoteBalanceSat int64
	BalanceRatio     float64

	OutboundFeePpm   int
	OutboundBaseMsat int64
	InboundFeePpm    int
	InboundBaseMsat  int64

	FlowIn7dMsat  int64
	FlowOut7dMsat int64
	ActivityLevel ActivityLevel

	PeerPubkey    string
	PeerAlias     string
	FeeEarnedMsat int64

	AgeDays           int
	PeerFeeRatesPpm   []int
	AlternativeRoutes int

	// SegmentActive reports whether the channel's experiment segment is one
	// of the *_active buckets. Filled by the control loop.
	SegmentActive bool
}

// ExtractFeatures derives a ChannelFeature from a snapshot. Pure, no I/O.
func ExtractFeatures(snap Snapshot) ChannelFeature {
	ratio := 0.5
	total := snap.LocalBalanceSat + snap.RemoteBalanceSat
	if total > 0 {
		ratio = float64(snap.LocalBalanceSat) / float64(total)
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	return ChannelFeature{
		ChannelID:         snap.ChannelID,
		CapacitySat:       snap.CapacitySat,
		LocalBalanceSat:   snap.LocalBalanceSat,
		RemoteBalanceSat:  snap.RemoteBalanceSat,
		BalanceRatio:      ratio,
		OutboundFeePpm:    snap.OutboundFeePpm,
		OutboundBaseMsat:  snap.OutboundBaseMsat,
		InboundFeePpm:     snap.InboundFeePpm,
		InboundBaseMsat:   snap.InboundBaseMsat,
		FlowIn7dMsat:      snap.ForwardedInMsat7d,
		FlowOut7dMsat:     snap.ForwardedOutMsat7d,
		ActivityLevel:     classifyActivity(snap.ForwardedInMsat7d+snap.ForwardedOutMsat7d, snap.CapacitySat),
		PeerPubkey:        snap.PeerPubkey,
		PeerAlias:         snap.PeerAlias,
		FeeEarnedMsat:     snap.FeeEarnedMsat,
		AgeDays:           snap.AgeDays,
		PeerFeeRatesPpm:   snap.PeerFeeRatesPpm,
		AlternativeRoutes: snap.AlternativeRoutes,
	}
}

// classifyActivity buckets by 7d flow volume relative to capacity:
// >10% high, >1% medium, >0% low, else inactive.
func classifyActivity(flowMsat int64, capacitySat int64) ActivityLevel {
	if flowMsat <= 0 {
		return ActivityInactive
	}
	if capacitySat <= 0 {
		return ActivityLow
	}
	flowSat := flowMsat / 1000
	ratio := float64(flowSat) / float64(capacitySat)
	switch {
	case ratio > 0.10:
		return ActivityHigh
	case ratio > 0.01:
		return ActivityMedium
	default:
		return ActivityLow
	}
}

// TotalFlow7dMsat is the combined inbound and outbound forwarded volume.
func (f ChannelFeature) TotalFlow7dMsat() int64 {
	return f.FlowIn7dMsat + f.FlowOut7dMsat
}
