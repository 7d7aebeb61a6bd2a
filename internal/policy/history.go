package policy

import (
	"sync"
	"time"
)

const historyRetention = 30 * 24 * time.Hour

// PerfEntry records how one fee setting performed on a channel.
type PerfEntry struct {
	At                time.Time
	OutboundPpm       int
	InboundPpm        int
	RevenuePerDayMsat int64
	FlowPerDayMsat    int64
}

// PerformanceHistory keeps per-channel fee/revenue observations so the
// revenue_max strategy can return to the best known rate. Entries older than
// 30 days are pruned on write.
type PerformanceHistory struct {
	mu      sync.Mutex
	entries map[string][]PerfEntry
}

func NewPerformanceHistory() *PerformanceHistory {
	return &PerformanceHistory{entries: make(map[string][]PerfEntry)}
}

// Record appends an observation for a channel and drops expired ones.
func (h *PerformanceHistory) Record(channelID string, e PerfEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := e.At.Add(-historyRetention)
	kept := h.entries[channelID][:0]
	for _, old := range h.entries[channelID] {
		if old.At.After(cutoff) {
			kept = append(kept, old)
		}
	}
	h.entries[channelID] = append(kept, e)
}

// Best returns the retained entry with the highest revenue per day.
func (h *PerformanceHistory) Best(channelID string) (PerfEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.entries[channelID]
	if len(list) == 0 {
		return PerfEntry{}, false
	}
	best := list[0]
	for _, e := range list[1:] {
		if e.RevenuePerDayMsat > best.RevenuePerDayMsat {
			best = e
		}
	}
	return best, true
}

// Len reports how many observations are retained for a channel.
func (h *PerformanceHistory) Len(channelID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries[channelID])
}
