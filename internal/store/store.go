package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aljazceru/lnflow/internal/experiment"
	"github.com/aljazceru/lnflow/internal/policy"
)

// Store persists experiments, channels, data points and fee changes in
// Postgres. A nil pool turns every call into a no-op so dry runs work
// without a database.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if db == nil {
		return nil
	}
	_, err := db.Exec(ctx, `
create table if not exists experiments (
  id uuid primary key,
  started_at timestamptz not null,
  status text not null default 'running',
  created_at timestamptz not null default now()
);

create table if not exists experiment_channels (
  experiment_id uuid not null references experiments(id),
  channel_id text not null,
  peer_pubkey text not null default '',
  peer_alias text not null default '',
  segment text not null,
  capacity_sat bigint not null default 0,
  baseline_fees jsonb not null,
  current_fees jsonb not null,
  pending_change jsonb null,
  change_history jsonb not null default '[]',
  updated_at timestamptz not null default now(),
  primary key (experiment_id, channel_id)
);

create table if not exists fee_data_points (
  id bigserial primary key,
  experiment_id uuid not null,
  channel_id text not null,
  observed_at timestamptz not null,
  segment text not null default '',
  parameter_set text not null default '',
  outbound_ppm integer not null default 0,
  inbound_ppm integer not null default 0,
  balance_ratio double precision not null default 0,
  fee_earned_msat bigint not null default 0,
  forwarded_in_msat bigint not null default 0,
  forwarded_out_msat bigint not null default 0,
  flow_efficiency double precision not null default 0,
  balance_health double precision not null default 0
);
create index if not exists fee_data_points_channel_at
  on fee_data_points (channel_id, observed_at);

create table if not exists fee_changes (
  id bigserial primary key,
  experiment_id uuid not null,
  channel_id text not null,
  changed_at timestamptz not null,
  old_fees jsonb not null,
  new_fees jsonb not null,
  reason text not null default '',
  rule_name text not null default '',
  success boolean not null default false
);
create index if not exists fee_changes_channel_at
  on fee_changes (channel_id, changed_at);
`)
	return err
}

func (s *Store) CreateExperiment(ctx context.Context, id string, startedAt time.Time) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
insert into experiments (id, started_at, status) values ($1, $2, 'running')
`, id, startedAt)
	return err
}

// CurrentExperiment returns the most recent running experiment, if any.
func (s *Store) CurrentExperiment(ctx context.Context) (experiment.ExperimentRecord, bool, error) {
	if s.db == nil {
		return experiment.ExperimentRecord{}, false, nil
	}
	var rec experiment.ExperimentRecord
	err := s.db.QueryRow(ctx, `
select id, started_at, status from experiments
where status = 'running'
order by started_at desc
limit 1
`).Scan(&rec.ID, &rec.StartedAt, &rec.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return experiment.ExperimentRecord{}, false, nil
	}
	if err != nil {
		return experiment.ExperimentRecord{}, false, err
	}
	return rec, true, nil
}

// CompleteExperiment marks the run finished.
func (s *Store) CompleteExperiment(ctx context.Context, id string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `update experiments set status = 'complete' where id = $1`, id)
	return err
}

func (s *Store) UpsertChannel(ctx context.Context, experimentID string, ch *experiment.Channel) error {
	if s.db == nil {
		return nil
	}
	query, args, err := buildUpsertChannel(experimentID, ch)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, query, args...)
	return err
}

func buildUpsertChannel(experimentID string, ch *experiment.Channel) (string, []any, error) {
	baseline, err := json.Marshal(ch.Baseline)
	if err != nil {
		return "", nil, err
	}
	current, err := json.Marshal(ch.Current)
	if err != nil {
		return "", nil, err
	}
	history, err := json.Marshal(ch.History)
	if err != nil {
		return "", nil, err
	}
	var pending any
	if ch.Pending != nil {
		raw, err := json.Marshal(ch.Pending)
		if err != nil {
			return "", nil, err
		}
		pending = raw
	}

	args := []any{
		experimentID,
		ch.ID,
		ch.PeerPubkey,
		ch.PeerAlias,
		string(ch.Segment),
		ch.CapacitySat,
		baseline,
		current,
		pending,
		history,
	}
	query := `
insert into experiment_channels (
  experiment_id,
  channel_id,
  peer_pubkey,
  peer_alias,
  segment,
  capacity_sat,
  baseline_fees,
  current_fees,
  pending_change,
  change_history
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
on conflict (experiment_id, channel_id) do update set
  peer_pubkey = excluded.peer_pubkey,
  peer_alias = excluded.peer_alias,
  segment = excluded.segment,
  capacity_sat = excluded.capacity_sat,
  current_fees = excluded.current_fees,
  pending_change = excluded.pending_change,
  change_history = excluded.change_history,
  updated_at = now()
`
	return query, args, nil
}

func (s *Store) LoadChannels(ctx context.Context, experimentID string) ([]*experiment.Channel, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
select channel_id,
  peer_pubkey,
  peer_alias,
  segment,
  capacity_sat,
  baseline_fees,
  current_fees,
  pending_change,
  change_history
from experiment_channels
where experiment_id = $1
order by channel_id asc
`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*experiment.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(scanner rowScanner) (*experiment.Channel, error) {
	var ch experiment.Channel
	var segment string
	var baseline, current, history []byte
	var pending []byte
	err := scanner.Scan(
		&ch.ID,
		&ch.PeerPubkey,
		&ch.PeerAlias,
		&segment,
		&ch.CapacitySat,
		&baseline,
		&current,
		&pending,
		&history,
	)
	if err != nil {
		return nil, err
	}
	ch.Segment = experiment.Segment(segment)
	if err := json.Unmarshal(baseline, &ch.Baseline); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(current, &ch.Current); err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &ch.History); err != nil {
			return nil, err
		}
	}
	if len(pending) > 0 {
		var p experiment.PendingChange
		if err := json.Unmarshal(pending, &p); err != nil {
			return nil, err
		}
		ch.Pending = &p
	}
	return &ch, nil
}

func (s *Store) AppendDataPoint(ctx context.Context, experimentID string, dp experiment.DataPoint) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
insert into fee_data_points (
  experiment_id, channel_id, observed_at, segment, parameter_set,
  outbound_ppm, inbound_ppm, balance_ratio,
  fee_earned_msat, forwarded_in_msat, forwarded_out_msat,
  flow_efficiency, balance_health
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`, experimentID, dp.ChannelID, dp.At, string(dp.Segment), string(dp.ParameterSet),
		dp.OutboundPpm, dp.InboundPpm, dp.BalanceRatio,
		dp.FeeEarnedMsat, dp.ForwardedInMsat, dp.ForwardedOutMsat,
		dp.FlowEfficiency, dp.BalanceHealth)
	return err
}

func (s *Store) AppendChange(ctx context.Context, experimentID, channelID string, rec experiment.ChangeRecord) error {
	if s.db == nil {
		return nil
	}
	oldFees, err := json.Marshal(rec.Old)
	if err != nil {
		return err
	}
	newFees, err := json.Marshal(rec.New)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
insert into fee_changes (
  experiment_id, channel_id, changed_at, old_fees, new_fees, reason, rule_name, success
) values ($1,$2,$3,$4,$5,$6,$7,$8)
`, experimentID, channelID, rec.At, oldFees, newFees, rec.Reason, rec.RuleName, rec.Success)
	return err
}

func (s *Store) RecentDataPoints(ctx context.Context, channelID string, since time.Time) ([]experiment.DataPoint, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
select channel_id, observed_at, segment, parameter_set,
  outbound_ppm, inbound_ppm, balance_ratio,
  fee_earned_msat, forwarded_in_msat, forwarded_out_msat,
  flow_efficiency, balance_health
from fee_data_points
where channel_id = $1 and observed_at >= $2
order by observed_at asc
`, channelID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []experiment.DataPoint
	for rows.Next() {
		var dp experiment.DataPoint
		var segment, set string
		if err := rows.Scan(
			&dp.ChannelID, &dp.At, &segment, &set,
			&dp.OutboundPpm, &dp.InboundPpm, &dp.BalanceRatio,
			&dp.FeeEarnedMsat, &dp.ForwardedInMsat, &dp.ForwardedOutMsat,
			&dp.FlowEfficiency, &dp.BalanceHealth,
		); err != nil {
			return nil, err
		}
		dp.Segment = experiment.Segment(segment)
		dp.ParameterSet = experiment.ParameterSet(set)
		points = append(points, dp)
	}
	return points, rows.Err()
}

// SetSummary aggregates observed performance per parameter set.
type SetSummary struct {
	ParameterSet    experiment.ParameterSet `json:"parameter_set"`
	DataPoints      int64                   `json:"data_points"`
	Channels        int64                   `json:"channels"`
	FeeEarnedMsat   int64                   `json:"fee_earned_msat"`
	ForwardedMsat   int64                   `json:"forwarded_msat"`
	AvgOutboundPpm  float64                 `json:"avg_outbound_ppm"`
	AvgInboundPpm   float64                 `json:"avg_inbound_ppm"`
	AvgBalanceRatio float64                 `json:"avg_balance_ratio"`
}

// SummaryByParameterSet is the report backing: per-set aggregates over the
// whole run.
func (s *Store) SummaryByParameterSet(ctx context.Context, experimentID string) ([]SetSummary, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
select parameter_set,
  count(*),
  count(distinct channel_id),
  coalesce(sum(fee_earned_msat), 0),
  coalesce(sum(forwarded_in_msat + forwarded_out_msat), 0),
  coalesce(avg(outbound_ppm), 0),
  coalesce(avg(inbound_ppm), 0),
  coalesce(avg(balance_ratio), 0)
from fee_data_points
where experiment_id = $1
group by parameter_set
order by min(observed_at) asc
`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SetSummary
	for rows.Next() {
		var row SetSummary
		var set string
		if err := rows.Scan(&set, &row.DataPoints, &row.Channels, &row.FeeEarnedMsat,
			&row.ForwardedMsat, &row.AvgOutboundPpm, &row.AvgInboundPpm, &row.AvgBalanceRatio); err != nil {
			return nil, err
		}
		row.ParameterSet = experiment.ParameterSet(set)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ChangeRow is one persisted fee change, with its channel attached.
type ChangeRow struct {
	ChannelID string           `json:"channel_id"`
	At        time.Time        `json:"at"`
	Old       policy.FeeValues `json:"old"`
	New       policy.FeeValues `json:"new"`
	Reason    string           `json:"reason"`
	RuleName  string           `json:"rule_name"`
	Success   bool             `json:"success"`
}

// RecentChanges lists the latest persisted fee changes, newest first.
func (s *Store) RecentChanges(ctx context.Context, experimentID string, limit int) ([]ChangeRow, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
select channel_id, changed_at, old_fees, new_fees, reason, rule_name, success
from fee_changes
where experiment_id = $1
order by changed_at desc
limit $2
`, experimentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeRow
	for rows.Next() {
		var row ChangeRow
		var oldFees, newFees []byte
		if err := rows.Scan(&row.ChannelID, &row.At, &oldFees, &newFees,
			&row.Reason, &row.RuleName, &row.Success); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(oldFees, &row.Old); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(newFees, &row.New); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RollbackCount counts persisted rollbacks for the run.
func (s *Store) RollbackCount(ctx context.Context, experimentID string) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	var n pgtype.Int8
	err := s.db.QueryRow(ctx, `
select count(*) from fee_changes
where experiment_id = $1 and success and reason like 'ROLLBACK:%'
`, experimentID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n.Int64, nil
}
