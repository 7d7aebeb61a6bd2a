package experiment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aljazceru/lnflow/internal/config"
	"github.com/aljazceru/lnflow/internal/policy"
)

// NodeSource is the node-facing contract the controller consumes. Both calls
// are black boxes with a timeout; transport is someone else's problem.
type NodeSource interface {
	ListChannels(ctx context.Context) ([]policy.Snapshot, error)
	ChannelSnapshot(ctx context.Context, channelID string) (policy.Snapshot, error)
	ApplyFeePolicy(ctx context.Context, channelID string, fees policy.FeeValues) error
}

// Store is the time-series persistence contract.
type Store interface {
	CreateExperiment(ctx context.Context, id string, startedAt time.Time) error
	CurrentExperiment(ctx context.Context) (ExperimentRecord, bool, error)
	UpsertChannel(ctx context.Context, experimentID string, ch *Channel) error
	LoadChannels(ctx context.Context, experimentID string) ([]*Channel, error)
	AppendDataPoint(ctx context.Context, experimentID string, dp DataPoint) error
	AppendChange(ctx context.Context, experimentID, channelID string, rec ChangeRecord) error
	RecentDataPoints(ctx context.Context, channelID string, since time.Time) ([]DataPoint, error)
}

// ExperimentRecord is the persisted run header.
type ExperimentRecord struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"`
}

// Notifier receives operator-facing alerts. Implementations must not block
// the cycle.
type Notifier interface {
	NotifyRollback(channelID, reason string, d RollbackDecision)
	NotifyCycle(s CycleSummary)
}

// CycleSummary is the outcome of one control-loop cycle.
type CycleSummary struct {
	RunID        string       `json:"run_id"`
	At           time.Time    `json:"at"`
	ParameterSet ParameterSet `json:"parameter_set"`
	ElapsedHours float64      `json:"elapsed_hours"`
	Channels     int          `json:"channels"`
	Snapshots    int          `json:"snapshots"`
	Gated        int          `json:"gated"`
	Changed      int          `json:"changed"`
	Failed       int          `json:"failed"`
	Rollbacks    int          `json:"rollbacks"`
	DryRun       bool         `json:"dry_run"`
	Continue     bool         `json:"continue"`
}

// Status is the controller view served over the HTTP API.
type Status struct {
	ExperimentID string          `json:"experiment_id"`
	StartedAt    time.Time       `json:"started_at"`
	ElapsedHours float64         `json:"elapsed_hours"`
	ParameterSet ParameterSet    `json:"parameter_set"`
	Phase        string          `json:"phase"`
	Channels     int             `json:"channels"`
	Segments     map[Segment]int `json:"segments"`
	Running      bool            `json:"running"`
	DryRun       bool            `json:"dry_run"`
	LastCycle    *CycleSummary   `json:"last_cycle,omitempty"`
}

type loggerLike interface {
	Printf(format string, v ...any)
}

// Controller runs the fee optimization loop: snapshot, match, calculate,
// gate, apply, record, safety-check. One cycle at a time.
type Controller struct {
	cfg    *config.Config
	source NodeSource
	store  Store
	rules  *policy.RuleSet
	calc   *policy.Calculator
	sched  Schedule
	logger loggerLike
	now    func() time.Time

	notify  Notifier
	onEvent func(kind string, payload any)

	mu           sync.Mutex
	experimentID string
	startedAt    time.Time
	channels     map[string]*Channel
	lastCycle    *CycleSummary
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
}

func NewController(cfg *config.Config, source NodeSource, store Store, rules *policy.RuleSet, logger loggerLike) *Controller {
	limits := policy.Limits{
		MinFeePpm:   cfg.Engine.MinFeeRatePpm,
		MaxFeePpm:   cfg.Engine.MaxFeeRatePpm,
		HighBalance: cfg.Engine.HighBalanceThreshold,
		LowBalance:  cfg.Engine.LowBalanceThreshold,
	}
	return &Controller{
		cfg:      cfg,
		source:   source,
		store:    store,
		rules:    rules,
		calc:     policy.NewCalculator(limits, policy.NewPerformanceHistory()),
		sched:    DefaultSchedule(),
		logger:   logger,
		now:      time.Now,
		channels: make(map[string]*Channel),
	}
}

// SetNotifier wires an optional alert sink.
func (c *Controller) SetNotifier(n Notifier) { c.notify = n }

// SetEventSink wires an optional event callback, used for websocket fanout.
func (c *Controller) SetEventSink(fn func(kind string, payload any)) { c.onEvent = fn }

// SetClock overrides the time source.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// SetSchedule overrides the phase schedule.
func (c *Controller) SetSchedule(s Schedule) { c.sched = s }

// Rules exposes the rule set for the reporting endpoints.
func (c *Controller) Rules() *policy.RuleSet { return c.rules }

// Initialize resumes the persisted experiment if one is active, otherwise
// starts a new one: list channels, classify segments, record baselines.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok, err := c.store.CurrentExperiment(ctx); err != nil {
		return fmt.Errorf("load experiment: %w", err)
	} else if ok {
		channels, err := c.store.LoadChannels(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("load channels: %w", err)
		}
		c.experimentID = rec.ID
		c.startedAt = rec.StartedAt
		for _, ch := range channels {
			c.channels[ch.ID] = ch
		}
		c.logger.Printf("experiment %s resumed: %d channels, started %s",
			rec.ID, len(channels), rec.StartedAt.Format(time.RFC3339))
		return nil
	}

	snaps, err := c.source.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	if len(snaps) == 0 {
		return fmt.Errorf("no channels to manage")
	}

	now := c.now().UTC()
	c.experimentID = uuid.NewString()
	c.startedAt = now
	if err := c.store.CreateExperiment(ctx, c.experimentID, now); err != nil {
		return fmt.Errorf("create experiment: %w", err)
	}

	segments := map[Segment]int{}
	for _, snap := range snaps {
		// Extrapolate the 7d window to an approximate monthly volume for
		// segment assignment.
		monthly := (snap.ForwardedInMsat7d + snap.ForwardedOutMsat7d) * 30 / 7
		baseline := policy.FeeValues{
			OutboundPpm:      snap.OutboundFeePpm,
			OutboundBaseMsat: snap.OutboundBaseMsat,
			InboundPpm:       snap.InboundFeePpm,
			InboundBaseMsat:  snap.InboundBaseMsat,
		}
		ch := &Channel{
			ID:          snap.ChannelID,
			PeerPubkey:  snap.PeerPubkey,
			PeerAlias:   snap.PeerAlias,
			Segment:     ClassifySegment(snap.CapacitySat, monthly),
			CapacitySat: snap.CapacitySat,
			Baseline:    baseline,
			Current:     baseline,
		}
		c.channels[ch.ID] = ch
		segments[ch.Segment]++
		if err := c.store.UpsertChannel(ctx, c.experimentID, ch); err != nil {
			c.logger.Printf("persist channel %s: %v", ch.ID, err)
		}
	}
	c.logger.Printf("experiment %s started: %d channels, segments %v", c.experimentID, len(c.channels), segments)
	return nil
}

// RunCycle executes one full cycle and reports whether the run should
// continue.
func (c *Controller) RunCycle(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.experimentID == "" {
		return false, fmt.Errorf("controller not initialized")
	}
	return c.runCycleLocked(ctx)
}

func (c *Controller) runCycleLocked(ctx context.Context) (bool, error) {
	now := c.now().UTC()
	elapsed := now.Sub(c.startedAt)
	set := c.sched.ActiveAt(elapsed)

	summary := CycleSummary{
		RunID:        uuid.NewString(),
		At:           now,
		ParameterSet: set,
		ElapsedHours: elapsed.Hours(),
		Channels:     len(c.channels),
		DryRun:       c.cfg.DryRun,
	}
	c.logger.Printf("cycle %s: hour %.1f, parameter set %s", summary.RunID, summary.ElapsedHours, set)

	snaps := c.collectSnapshots(ctx)
	summary.Snapshots = len(snaps)
	summary.Failed = len(c.channels) - len(snaps)

	// Data point for every channel we could observe, changed or not.
	for id, snap := range snaps {
		ch := c.channels[id]
		feature := policy.ExtractFeatures(snap)
		dp := DataPoint{
			At:               now,
			ChannelID:        id,
			Segment:          ch.Segment,
			ParameterSet:     set,
			OutboundPpm:      feature.OutboundFeePpm,
			InboundPpm:       feature.InboundFeePpm,
			BalanceRatio:     feature.BalanceRatio,
			FeeEarnedMsat:    feature.FeeEarnedMsat,
			ForwardedInMsat:  feature.FlowIn7dMsat,
			ForwardedOutMsat: feature.FlowOut7dMsat,
		}
		dp.Finalize()
		if err := c.store.AppendDataPoint(ctx, c.experimentID, dp); err != nil {
			c.logger.Printf("persist data point %s: %v", id, err)
		}
		c.calc.History().Record(id, policy.PerfEntry{
			At:                now,
			OutboundPpm:       feature.OutboundFeePpm,
			InboundPpm:        feature.InboundFeePpm,
			RevenuePerDayMsat: feature.FeeEarnedMsat / 7,
			FlowPerDayMsat:    feature.TotalFlow7dMsat() / 7,
		})
	}

	if set.ChangesFees() {
		for id, snap := range snaps {
			ch := c.channels[id]
			if gated, why := c.cadenceGate(ch, now); gated {
				summary.Gated++
				if c.cfg.Verbose {
					c.logger.Printf("channel %s gated: %s", id, why)
				}
				continue
			}

			feature := policy.ExtractFeatures(snap)
			feature.SegmentActive = ch.Segment.Active()
			matched := c.rules.Match(feature)
			if len(matched) == 0 {
				continue
			}
			rec := c.calc.Calculate(policy.CalcInput{
				Feature:   feature,
				Matched:   matched,
				Intensity: set.Intensity(),
				FlowTrend: c.flowTrend(ctx, id, now),
			})
			if !rec.Changed {
				continue
			}
			if c.applyChange(ctx, ch, rec, now) {
				summary.Changed++
			} else {
				summary.Failed++
			}
		}
	}

	summary.Rollbacks = c.safetyPass(ctx, now)

	for _, ch := range c.channels {
		if err := c.store.UpsertChannel(ctx, c.experimentID, ch); err != nil {
			c.logger.Printf("persist channel %s: %v", ch.ID, err)
		}
	}

	summary.Continue = set != SetComplete
	c.lastCycle = &summary
	c.emit("cycle", summary)
	if c.notify != nil {
		c.notify.NotifyCycle(summary)
	}
	c.logger.Printf("cycle %s done: %d snapshots, %d changed, %d gated, %d rollbacks, %d failed",
		summary.RunID, summary.Snapshots, summary.Changed, summary.Gated, summary.Rollbacks, summary.Failed)
	return summary.Continue, nil
}

// collectSnapshots fetches per-channel snapshots through a bounded worker
// pool. A failed channel is skipped this cycle and retried the next.
func (c *Controller) collectSnapshots(ctx context.Context) map[string]policy.Snapshot {
	type result struct {
		id   string
		snap policy.Snapshot
		err  error
	}

	ids := make([]string, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}

	sem := make(chan struct{}, c.cfg.Engine.SnapshotConcurrency)
	results := make(chan result, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			reqCtx, cancel := context.WithTimeout(ctx, c.cfg.NodeRequestTimeout())
			defer cancel()
			snap, err := c.source.ChannelSnapshot(reqCtx, id)
			results <- result{id: id, snap: snap, err: err}
		}(id)
	}
	wg.Wait()
	close(results)

	snaps := make(map[string]policy.Snapshot, len(ids))
	for r := range results {
		if r.err != nil {
			c.logger.Printf("snapshot %s: %v", r.id, r.err)
			continue
		}
		snaps[r.id] = r.snap
	}
	return snaps
}

// cadenceGate enforces the change-frequency rules: daily limit, scheduled
// update hours, and minimum gap since the previous change.
func (c *Controller) cadenceGate(ch *Channel, now time.Time) (bool, string) {
	if n := ch.ChangesOn(now); n >= c.cfg.Engine.MaxDailyChanges {
		return true, fmt.Sprintf("daily limit reached (%d)", n)
	}
	hourOK := false
	for _, h := range c.cfg.Engine.UpdateHoursUTC {
		if now.Hour() == h {
			hourOK = true
			break
		}
	}
	if !hourOK {
		return true, "outside update window"
	}
	if last, ok := ch.LastChange(); ok {
		gap := time.Duration(c.cfg.Engine.MinChangeGapHours) * time.Hour
		if now.Sub(last) < gap {
			return true, fmt.Sprintf("last change %.1fh ago", now.Sub(last).Hours())
		}
	}
	return false, ""
}

// flowTrend builds the trend input from the last day of stored data points.
func (c *Controller) flowTrend(ctx context.Context, channelID string, now time.Time) policy.Trend {
	points, err := c.store.RecentDataPoints(ctx, channelID, now.Add(-24*time.Hour))
	if err != nil {
		c.logger.Printf("flow trend %s: %v", channelID, err)
		return policy.TrendUnknown
	}
	samples := make([]policy.FlowSample, len(points))
	for i, p := range points {
		samples[i] = policy.FlowSample{At: p.At, FlowMsat: p.ForwardedInMsat + p.ForwardedOutMsat}
	}
	return policy.FlowTrendOf(samples)
}

func (c *Controller) applyChange(ctx context.Context, ch *Channel, rec policy.Recommendation, now time.Time) bool {
	reason := rec.Reason
	if c.largeStep(ch.Current.OutboundPpm, rec.Fees.OutboundPpm) {
		reason += " [large-step]"
	}

	if c.cfg.DryRun {
		c.logger.Printf("dry-run %s: %d/%d -> %d/%d ppm (%s)",
			ch.ID, ch.Current.OutboundPpm, ch.Current.InboundPpm,
			rec.Fees.OutboundPpm, rec.Fees.InboundPpm, reason)
		c.emit("recommendation", map[string]any{"channel_id": ch.ID, "fees": rec.Fees, "reason": reason})
		return true
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.NodeRequestTimeout())
	err := c.source.ApplyFeePolicy(reqCtx, ch.ID, rec.Fees)
	cancel()

	record := ChangeRecord{
		At:       now,
		Old:      ch.Current,
		New:      rec.Fees,
		Reason:   reason,
		RuleName: rec.RuleName,
		Success:  err == nil,
	}
	ch.RecordChange(record)
	if serr := c.store.AppendChange(ctx, c.experimentID, ch.ID, record); serr != nil {
		c.logger.Printf("persist change %s: %v", ch.ID, serr)
	}
	if err != nil {
		c.logger.Printf("apply %s: %v", ch.ID, err)
		return false
	}

	c.rules.MarkApplied(rec.RuleName, now)
	if rec.AutoRollback {
		ch.Pending = &PendingChange{AppliedAt: now, RuleName: rec.RuleName, Threshold: rec.RollbackThreshold}
	}
	c.logger.Printf("applied %s: %d/%d -> %d/%d ppm (%s)",
		ch.ID, record.Old.OutboundPpm, record.Old.InboundPpm,
		record.New.OutboundPpm, record.New.InboundPpm, reason)
	c.emit("change", record)
	return true
}

// largeStep reports whether the outbound move exceeds the configured
// per-change step bounds. Tagged for review, not blocked.
func (c *Controller) largeStep(oldPpm, newPpm int) bool {
	if oldPpm <= 0 {
		return false
	}
	upper := float64(oldPpm) * (1 + c.cfg.Engine.MaxFeeIncreasePct)
	lower := float64(oldPpm) * (1 - c.cfg.Engine.MaxFeeDecreasePct)
	return float64(newPpm) > upper || float64(newPpm) < lower
}

// safetyPass reviews every channel with a pending change old enough to
// judge, rolling back the ones that hurt revenue or flow.
func (c *Controller) safetyPass(ctx context.Context, now time.Time) int {
	rollbacks := 0
	for _, ch := range c.channels {
		p := ch.Pending
		if p == nil || now.Sub(p.AppliedAt) < safetyMinAge {
			continue
		}
		points, err := c.store.RecentDataPoints(ctx, ch.ID, p.AppliedAt)
		if err != nil {
			c.logger.Printf("safety %s: %v", ch.ID, err)
			continue
		}
		threshold := p.Threshold
		if threshold <= 0 {
			threshold = c.cfg.Engine.RollbackRevenueThreshold
		}
		d := EvaluateRollback(points, p.AppliedAt, now, threshold, c.cfg.Engine.RollbackFlowThreshold)
		if d.Evaluated && p.RuleName != "" {
			c.rules.AddRevenueImpact(p.RuleName, d.RevenueDeltaMsat)
		}
		if !d.Rollback {
			// A change that survived a full observation window is settled;
			// stop re-reviewing it every cycle.
			if d.Evaluated && now.Sub(p.AppliedAt) >= 2*safetyMinAge {
				ch.Pending = nil
			}
			continue
		}
		c.logger.Printf("safety %s: %s (revenue %.1f%%, flow %.1f%%), rolling back",
			ch.ID, d.Reason, d.RevenueDecline*100, d.FlowDecline*100)
		if c.rollback(ctx, ch, d, now) {
			rollbacks++
		}
	}
	return rollbacks
}

// rollback reapplies the channel's immutable baseline fees. A failed
// rollback keeps the pending record so the next safety pass retries it; a
// successful one clears it, so a rollback is never rolled back.
func (c *Controller) rollback(ctx context.Context, ch *Channel, d RollbackDecision, now time.Time) bool {
	reason := "ROLLBACK: " + d.Reason

	if !c.cfg.DryRun {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.NodeRequestTimeout())
		err := c.source.ApplyFeePolicy(reqCtx, ch.ID, ch.Baseline)
		cancel()
		if err != nil {
			record := ChangeRecord{At: now, Old: ch.Current, New: ch.Baseline, Reason: reason, Success: false}
			ch.RecordChange(record)
			c.logger.Printf("rollback %s failed: %v", ch.ID, err)
			return false
		}
	}

	record := ChangeRecord{At: now, Old: ch.Current, New: ch.Baseline, Reason: reason, Success: true}
	ch.RecordChange(record)
	ch.Pending = nil
	if serr := c.store.AppendChange(ctx, c.experimentID, ch.ID, record); serr != nil {
		c.logger.Printf("persist rollback %s: %v", ch.ID, serr)
	}
	c.emit("rollback", map[string]any{"channel_id": ch.ID, "decision": d})
	if c.notify != nil {
		c.notify.NotifyRollback(ch.ID, d.Reason, d)
	}
	return true
}

// Start launches the interval loop. One cycle at a time; the inter-cycle
// sleep is interruptible by Stop or context cancellation, a running cycle is
// not.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("controller already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.loop(ctx)
	return nil
}

func (c *Controller) loop(ctx context.Context) {
	defer close(c.doneCh)
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		cont, err := c.RunCycle(ctx)
		if err != nil {
			c.logger.Printf("cycle error: %v", err)
		} else if !cont {
			c.logger.Printf("experiment complete, stopping loop")
			return
		}

		select {
		case <-time.After(c.cfg.CycleInterval()):
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop interrupts the inter-cycle sleep and waits for the loop to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()
	<-done
}

// Status reports the controller state for the HTTP API.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	var elapsed time.Duration
	if !c.startedAt.IsZero() {
		elapsed = c.now().UTC().Sub(c.startedAt)
	}
	set := c.sched.ActiveAt(elapsed)
	segments := map[Segment]int{}
	for _, ch := range c.channels {
		segments[ch.Segment]++
	}
	st := Status{
		ExperimentID: c.experimentID,
		StartedAt:    c.startedAt,
		ElapsedHours: elapsed.Hours(),
		ParameterSet: set,
		Phase:        set.LegacyPhase(),
		Channels:     len(c.channels),
		Segments:     segments,
		Running:      c.running,
		DryRun:       c.cfg.DryRun,
	}
	if c.lastCycle != nil {
		cp := *c.lastCycle
		st.LastCycle = &cp
	}
	return st
}

// UpdateConfig applies fn to the live configuration while no cycle is
// running, then rebuilds the calculator limits so min/max fee changes take
// effect next cycle. Returns the resulting config.
func (c *Controller) UpdateConfig(fn func(*config.Config)) config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.cfg)
	c.calc = policy.NewCalculator(policy.Limits{
		MinFeePpm:   c.cfg.Engine.MinFeeRatePpm,
		MaxFeePpm:   c.cfg.Engine.MaxFeeRatePpm,
		HighBalance: c.cfg.Engine.HighBalanceThreshold,
		LowBalance:  c.cfg.Engine.LowBalanceThreshold,
	}, c.calc.History())
	return *c.cfg
}

// Channels returns a copy of the managed channel records.
func (c *Controller) Channels() []Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		cp := *ch
		cp.History = append([]ChangeRecord(nil), ch.History...)
		if ch.Pending != nil {
			p := *ch.Pending
			cp.Pending = &p
		}
		out = append(out, cp)
	}
	return out
}

func (c *Controller) emit(kind string, payload any) {
	if c.onEvent != nil {
		c.onEvent(kind, payload)
	}
}
