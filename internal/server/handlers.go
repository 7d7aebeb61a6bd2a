package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aljazceru/lnflow/internal/config"
	"github.com/aljazceru/lnflow/internal/experiment"
	"github.com/aljazceru/lnflow/internal/policy"
	"github.com/aljazceru/lnflow/internal/store"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, channelsResponse{Channels: s.controller.Channels()})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, ch := range s.controller.Channels() {
		if ch.ID == id {
			writeJSON(w, http.StatusOK, ch)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown channel")
}

func (s *Server) handleRulePerformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rulesResponse{Rules: s.controller.Rules().Performance()})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	st := s.controller.Status()
	if st.ExperimentID == "" {
		writeError(w, http.StatusServiceUnavailable, "no active experiment")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	sets, err := s.store.SummaryByParameterSet(ctx, st.ExperimentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load report")
		return
	}
	changes, err := s.store.RecentChanges(ctx, st.ExperimentID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load report")
		return
	}
	rollbacks, err := s.store.RollbackCount(ctx, st.ExperimentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load report")
		return
	}

	writeJSON(w, http.StatusOK, reportResponse{
		ExperimentID:  st.ExperimentID,
		ElapsedHours:  st.ElapsedHours,
		ParameterSet:  st.ParameterSet,
		ParameterSets: sets,
		Rollbacks:     rollbacks,
		RecentChanges: changes,
	})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	cfg := s.controller.UpdateConfig(func(*config.Config) {})
	writeJSON(w, http.StatusOK, configPayload(cfg))
}

func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	var req engineConfigUpdate
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	cfg := s.controller.UpdateConfig(func(c *config.Config) {
		e := &c.Engine
		if req.MinFeeRatePpm != nil {
			e.MinFeeRatePpm = *req.MinFeeRatePpm
		}
		if req.MaxFeeRatePpm != nil {
			e.MaxFeeRatePpm = *req.MaxFeeRatePpm
		}
		if req.MaxDailyChanges != nil {
			e.MaxDailyChanges = *req.MaxDailyChanges
		}
		if req.UpdateHoursUTC != nil {
			e.UpdateHoursUTC = req.UpdateHoursUTC
		}
		if req.MinChangeGapHours != nil {
			e.MinChangeGapHours = *req.MinChangeGapHours
		}
		if req.RollbackRevenueThreshold != nil {
			e.RollbackRevenueThreshold = *req.RollbackRevenueThreshold
		}
		if req.RollbackFlowThreshold != nil {
			e.RollbackFlowThreshold = *req.RollbackFlowThreshold
		}
		if req.HighBalanceThreshold != nil {
			e.HighBalanceThreshold = *req.HighBalanceThreshold
		}
		if req.LowBalanceThreshold != nil {
			e.LowBalanceThreshold = *req.LowBalanceThreshold
		}
		if req.CycleIntervalMin != nil {
			e.CycleIntervalMin = *req.CycleIntervalMin
		}
		if req.DryRun != nil {
			c.DryRun = *req.DryRun
		}
		if req.Verbose != nil {
			c.Verbose = *req.Verbose
		}
	})
	writeJSON(w, http.StatusOK, configPayload(cfg))
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	cont, err := s.controller.RunCycle(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	st := s.controller.Status()
	writeJSON(w, http.StatusOK, runResponse{
		Continue: cont,
		Summary:  st.LastCycle,
	})
}

type channelsResponse struct {
	Channels []experiment.Channel `json:"channels"`
}

type rulesResponse struct {
	Rules []policy.RulePerformance `json:"rules"`
}

type reportResponse struct {
	ExperimentID  string                  `json:"experiment_id"`
	ElapsedHours  float64                 `json:"elapsed_hours"`
	ParameterSet  experiment.ParameterSet `json:"parameter_set"`
	ParameterSets []store.SetSummary      `json:"parameter_sets"`
	Rollbacks     int64                   `json:"rollbacks"`
	RecentChanges []store.ChangeRow       `json:"recent_changes"`
}

type runResponse struct {
	Continue bool                     `json:"continue"`
	Summary  *experiment.CycleSummary `json:"summary,omitempty"`
}

type engineConfigUpdate struct {
	MinFeeRatePpm            *int     `json:"min_fee_rate_ppm"`
	MaxFeeRatePpm            *int     `json:"max_fee_rate_ppm"`
	MaxDailyChanges          *int     `json:"max_daily_changes"`
	UpdateHoursUTC           []int    `json:"update_hours_utc"`
	MinChangeGapHours        *int     `json:"min_change_gap_hours"`
	RollbackRevenueThreshold *float64 `json:"rollback_revenue_threshold"`
	RollbackFlowThreshold    *float64 `json:"rollback_flow_threshold"`
	HighBalanceThreshold     *float64 `json:"high_balance_threshold"`
	LowBalanceThreshold      *float64 `json:"low_balance_threshold"`
	CycleIntervalMin         *int     `json:"cycle_interval_min"`
	DryRun                   *bool    `json:"dry_run"`
	Verbose                  *bool    `json:"verbose"`
}

type engineConfigResponse struct {
	MinFeeRatePpm            int     `json:"min_fee_rate_ppm"`
	MaxFeeRatePpm            int     `json:"max_fee_rate_ppm"`
	MaxFeeIncreasePct        float64 `json:"max_fee_increase_pct"`
	MaxFeeDecreasePct        float64 `json:"max_fee_decrease_pct"`
	MaxDailyChanges          int     `json:"max_daily_changes"`
	UpdateHoursUTC           []int   `json:"update_hours_utc"`
	MinChangeGapHours        int     `json:"min_change_gap_hours"`
	RollbackRevenueThreshold float64 `json:"rollback_revenue_threshold"`
	RollbackFlowThreshold    float64 `json:"rollback_flow_threshold"`
	HighBalanceThreshold     float64 `json:"high_balance_threshold"`
	LowBalanceThreshold      float64 `json:"low_balance_threshold"`
	CycleIntervalMin         int     `json:"cycle_interval_min"`
	DryRun                   bool    `json:"dry_run"`
	Verbose                  bool    `json:"verbose"`
}

func configPayload(cfg config.Config) engineConfigResponse {
	e := cfg.Engine
	return engineConfigResponse{
		MinFeeRatePpm:            e.MinFeeRatePpm,
		MaxFeeRatePpm:            e.MaxFeeRatePpm,
		MaxFeeIncreasePct:        e.MaxFeeIncreasePct,
		MaxFeeDecreasePct:        e.MaxFeeDecreasePct,
		MaxDailyChanges:          e.MaxDailyChanges,
		UpdateHoursUTC:           e.UpdateHoursUTC,
		MinChangeGapHours:        e.MinChangeGapHours,
		RollbackRevenueThreshold: e.RollbackRevenueThreshold,
		RollbackFlowThreshold:    e.RollbackFlowThreshold,
		HighBalanceThreshold:     e.HighBalanceThreshold,
		LowBalanceThreshold:      e.LowBalanceThreshold,
		CycleIntervalMin:         e.CycleIntervalMin,
		DryRun:                   cfg.DryRun,
		Verbose:                  cfg.Verbose,
	}
}
