// Package search wires the engine end to end: affordability check, task
// creation, cache-gated provider fetch, batch execution, and the polling
// progress surface.
package search

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/cache"
	"github.com/sells-group/prospect-cli/internal/executor"
	"github.com/sells-group/prospect-cli/internal/ledger"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/provider"
	"github.com/sells-group/prospect-cli/internal/recorder"
	"github.com/sells-group/prospect-cli/internal/store"
)

// ErrCannotAfford is returned by StartTask when the user's balance does
// not cover the maximum possible cost of the request.
var ErrCannotAfford = eris.New("search: balance below maximum possible cost")

// Preview is a dry-run cost and availability estimate.
type Preview struct {
	TotalAvailable int     `json:"total_available"` // -1 when unknown (no cached pool)
	EstimatedCost  float64 `json:"estimated_cost"`
	CanAfford      bool    `json:"can_afford"`
	CacheHit       bool    `json:"cache_hit"`
}

// Progress is the polling snapshot for one task. Logs exclude the
// reserved final-stats entry, which is surfaced as Stats instead.
type Progress struct {
	Status   model.TaskStatus `json:"status"`
	Progress int              `json:"progress"`
	Logs     []model.TaskLog  `json:"logs"`
	Stats    *model.TaskStats `json:"stats,omitempty"`
}

// Service is the orchestration entry point.
type Service struct {
	cfg       executor.Config
	store     store.Store
	meter     *ledger.Meter
	gate      *cache.Gate
	providers provider.Adapter
	exec      *executor.Executor
}

// NewService creates a Service with all dependencies.
func NewService(cfg executor.Config, st store.Store, meter *ledger.Meter, gate *cache.Gate, providers provider.Adapter) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		meter:     meter,
		gate:      gate,
		providers: providers,
		exec:      executor.New(cfg, st, meter, providers),
	}
}

// MaxPossibleCost is the worst-case charge for a request: the base fee
// plus one data-cost unit per requested record.
func (s *Service) MaxPossibleCost(requestedCount int) float64 {
	return ledger.RoundCredits(s.cfg.SearchBaseCost + s.cfg.UnitDataCost*float64(requestedCount))
}

// Preview estimates cost and availability without side effects beyond the
// cache read.
func (s *Service) Preview(ctx context.Context, userID string, params model.SearchParams) (*Preview, error) {
	balance, err := s.meter.Balance(ctx, userID)
	if err != nil {
		return nil, eris.Wrap(err, "search: preview balance")
	}

	decision, err := s.gate.Lookup(ctx, params.Mode, params, params.RequestedCount)
	if err != nil {
		return nil, eris.Wrap(err, "search: preview cache lookup")
	}

	total := decision.TotalAvailable
	if !decision.Hit && total == 0 {
		total = -1
	}

	cost := s.MaxPossibleCost(params.RequestedCount)
	return &Preview{
		TotalAvailable: total,
		EstimatedCost:  cost,
		CanAfford:      balance >= cost,
		CacheHit:       decision.Hit,
	}, nil
}

// StartTask validates affordability against the maximum possible cost and
// creates the task. No provider work happens here; the caller decides
// whether to Run synchronously or in the background.
func (s *Service) StartTask(ctx context.Context, userID string, params model.SearchParams) (string, error) {
	if params.RequestedCount <= 0 {
		return "", eris.New("search: requested count must be positive")
	}
	if params.Mode == "" {
		params.Mode = model.ModeFuzzy
	}

	balance, err := s.meter.Balance(ctx, userID)
	if err != nil {
		return "", eris.Wrap(err, "search: start task balance")
	}
	if maxCost := s.MaxPossibleCost(params.RequestedCount); balance < maxCost {
		return "", eris.Wrapf(ErrCannotAfford, "need %.1f, have %.1f", maxCost, balance)
	}

	task, err := s.store.CreateTask(ctx, userID, cache.SearchKey(params.Mode, params), params)
	if err != nil {
		return "", eris.Wrap(err, "search: create task")
	}

	zap.L().Info("search: task created",
		zap.String("task_id", task.ID),
		zap.String("user_id", userID),
		zap.Int("requested", params.RequestedCount),
		zap.String("mode", string(params.Mode)),
	)
	return task.ID, nil
}

// Run executes the full flow for a previously created task and returns
// its terminal status.
func (s *Service) Run(ctx context.Context, taskID string) (model.TaskStatus, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", eris.Wrap(err, "search: load task")
	}

	rec, err := recorder.New(ctx, s.store, taskID)
	if err != nil {
		return "", err
	}

	if err := rec.SetStatus(ctx, model.TaskStatusSearching); err != nil {
		return "", err
	}
	rec.Log(ctx, model.LogLevelInfo, "searching", "search started", map[string]any{
		"mode":  string(task.Params.Mode),
		"count": task.RequestedCount,
	}, 0)

	// Base fee is debited before any provider work.
	baseRes, err := s.meter.DebitUnit(ctx, task.UserID, s.cfg.SearchBaseCost, taskID, "search base fee")
	if err != nil {
		return s.failTask(ctx, rec, task.UserID, err)
	}
	if !baseRes.OK {
		// Validated at StartTask, but a concurrent task may have spent the
		// balance since.
		if err := rec.Finalize(ctx, model.TaskStatusInsufficientCredits, &model.TaskStats{BalanceAfter: baseRes.NewBalance}); err != nil {
			return "", err
		}
		return model.TaskStatusInsufficientCredits, nil
	}

	records, err := s.fetchRecords(ctx, task, rec)
	if err != nil {
		// Work was not performed: the base fee goes back.
		if _, refundErr := s.meter.Refund(ctx, task.UserID, baseRes.Amount, taskID, "refund: search fetch failed"); refundErr != nil {
			zap.L().Error("search: base fee refund failed", zap.String("task_id", taskID), zap.Error(refundErr))
		}
		return s.failTask(ctx, rec, task.UserID, err)
	}

	if err := rec.SetStatus(ctx, model.TaskStatusProcessing); err != nil {
		return "", err
	}

	status, _, err := s.exec.Process(ctx, task, records, rec, baseRes.Amount)
	if err != nil {
		return status, eris.Wrap(err, "search: process")
	}
	return status, nil
}

// fetchRecords serves the record set from cache when the fulfillment
// policy allows, otherwise performs a live fetch (with fallback to the
// other mode on provider failure) and repopulates the cache.
func (s *Service) fetchRecords(ctx context.Context, task *model.SearchTask, rec *recorder.Recorder) ([]model.PersonRecord, error) {
	params := task.Params

	decision, err := s.gate.Lookup(ctx, params.Mode, params, params.RequestedCount)
	if err != nil {
		return nil, err
	}
	if decision.Hit {
		rec.Log(ctx, model.LogLevelInfo, "searching", "served from cache", map[string]any{
			"records":         len(decision.Records),
			"total_available": decision.TotalAvailable,
		}, 0)
		return decision.Records, nil
	}

	q := provider.Query{
		Name:  params.Name,
		Title: params.Title,
		State: params.State,
		Count: params.RequestedCount,
	}

	records, total, err := s.fetch(ctx, params.Mode, q)
	if err != nil {
		fallback := otherMode(params.Mode)
		rec.Log(ctx, model.LogLevelWarn, "searching", "primary provider failed, trying fallback", map[string]any{
			"primary":  string(params.Mode),
			"fallback": string(fallback),
			"error":    err.Error(),
		}, 0)
		records, total, err = s.fetch(ctx, fallback, q)
		if err != nil {
			return nil, eris.Wrap(err, "search: all providers failed")
		}
	}

	if err := s.gate.StoreFetch(ctx, params.Mode, params, records, total); err != nil {
		// Cache population is best-effort; the fetch already succeeded.
		zap.L().Warn("search: cache store failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	rec.Log(ctx, model.LogLevelInfo, "searching", "fetched from provider", map[string]any{
		"records":         len(records),
		"total_available": total,
	}, 0)

	if len(records) > params.RequestedCount {
		records = records[:params.RequestedCount]
	}
	return records, nil
}

func (s *Service) fetch(ctx context.Context, mode model.SearchMode, q provider.Query) ([]model.PersonRecord, int, error) {
	if mode == model.ModeExact {
		return s.providers.FetchExact(ctx, q)
	}
	return s.providers.FetchFuzzy(ctx, q)
}

func otherMode(mode model.SearchMode) model.SearchMode {
	if mode == model.ModeExact {
		return model.ModeFuzzy
	}
	return model.ModeExact
}

// failTask finalizes a task that never reached the executor. The stats
// still carry the resulting balance so the user can reconcile spend; the
// net charge is zero here because the base fee was refunded (or never
// landed).
func (s *Service) failTask(ctx context.Context, rec *recorder.Recorder, userID string, cause error) (model.TaskStatus, error) {
	rec.Log(ctx, model.LogLevelError, "searching", "task failed", map[string]any{
		"error": cause.Error(),
	}, 0)
	stats := &model.TaskStats{}
	if balance, err := s.meter.Balance(ctx, userID); err == nil {
		stats.BalanceAfter = balance
	} else {
		zap.L().Error("search: balance read after failure", zap.Error(err))
	}
	if err := rec.Finalize(ctx, model.TaskStatusFailed, stats); err != nil {
		zap.L().Error("search: finalize after failure", zap.Error(err))
	}
	return model.TaskStatusFailed, cause
}

// GetProgress returns the polling snapshot for a task. Safe to call at any
// time, including after completion.
func (s *Service) GetProgress(ctx context.Context, taskID string) (*Progress, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, eris.Wrap(err, "search: get progress")
	}

	logs := make([]model.TaskLog, 0, len(task.Logs))
	for _, l := range task.Logs {
		if l.Message == model.FinalStatsMessage {
			continue
		}
		logs = append(logs, l)
	}

	return &Progress{
		Status:   task.Status,
		Progress: task.Progress,
		Logs:     logs,
		Stats:    task.Stats,
	}, nil
}

// RequestStop marks the task stopped. The executor notices at its next
// checkpoint; in-flight verification calls are not preempted.
func (s *Service) RequestStop(ctx context.Context, taskID string) error {
	return eris.Wrap(s.store.SetTaskStatus(ctx, taskID, model.TaskStatusStopped), "search: request stop")
}
