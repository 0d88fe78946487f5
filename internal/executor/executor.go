// Package executor drives the record-processing loop of a search task:
// classification, per-batch credit metering, concurrent verification, and
// checkpointed cancellation. Batches are sequential; records within a
// batch run in parallel, which bounds peak concurrency against the
// verification backend to the batch size.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospect-cli/internal/ledger"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/provider"
	"github.com/sells-group/prospect-cli/internal/recorder"
	"github.com/sells-group/prospect-cli/internal/store"
)

// Config holds the executor's tunables. Batch size is a deployment
// constant, never user input.
type Config struct {
	// BatchSize bounds concurrent outbound verification calls.
	BatchSize int
	// UnitDataCost is the credit cost per stored record.
	UnitDataCost float64
	// SearchBaseCost is the flat per-task fee, debited by the orchestrator.
	SearchBaseCost float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      10,
		UnitDataCost:   2.0,
		SearchBaseCost: 1.0,
	}
}

// Executor processes the fetched record set for one task.
type Executor struct {
	cfg       Config
	store     store.Store
	meter     *ledger.Meter
	providers provider.Adapter
}

// New creates an Executor.
func New(cfg Config, st store.Store, meter *ledger.Meter, providers provider.Adapter) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Executor{cfg: cfg, store: st, meter: meter, providers: providers}
}

// verifyOutcome is the per-record result collected from a batch.
type verifyOutcome struct {
	saved         bool
	verified      bool
	attempted     bool
	excludedByAge bool
	creditsSpent  bool // provider-side credit exhaustion signal
}

// Process runs steps 2-6 of the task algorithm over the fetched records
// and finalizes the task. baseCharged is whatever the orchestrator already
// debited (the search base cost). The returned error is reserved for fatal
// store failures; every business outcome is a terminal status.
func (e *Executor) Process(ctx context.Context, task *model.SearchTask, records []model.PersonRecord, rec *recorder.Recorder, baseCharged float64) (model.TaskStatus, *model.TaskStats, error) {
	start := time.Now()
	log := zap.L().With(zap.String("task_id", task.ID), zap.String("user_id", task.UserID))

	cls := Classify(records)
	stats := &model.TaskStats{
		RecordsFetched:    len(records),
		ExcludedNoContact: cls.Discarded,
		CreditsCharged:    baseCharged,
	}
	stats.RecordsProcessed = cls.Discarded

	totalWork := len(cls.EmailOnly) + len(cls.WithPhone)
	status := model.TaskStatusCompleted

	rec.Log(ctx, model.LogLevelInfo, "processing", "classified records", map[string]any{
		"with_phone": len(cls.WithPhone),
		"email_only": len(cls.EmailOnly),
		"discarded":  cls.Discarded,
	}, e.progress(stats, totalWork))

	// Step 2: email-only records are saved immediately at one data-cost
	// unit each. The stop flag is polled at the top of this loop too.
	for i, r := range cls.EmailOnly {
		if i%e.cfg.BatchSize == 0 {
			stopped, err := rec.Stopped(ctx)
			if err != nil {
				return e.fail(ctx, task, rec, stats, start, err)
			}
			if stopped {
				stats.UnprocessedCount = len(cls.EmailOnly) - i + len(cls.WithPhone)
				return e.finish(ctx, task, rec, stats, start, model.TaskStatusStopped)
			}
		}

		res, err := e.meter.DebitUnit(ctx, task.UserID, e.cfg.UnitDataCost, task.ID, "data cost: email-only record")
		if err != nil {
			return e.fail(ctx, task, rec, stats, start, err)
		}
		if !res.OK {
			stats.UnprocessedCount = len(cls.EmailOnly) - i + len(cls.WithPhone)
			return e.finish(ctx, task, rec, stats, start, model.TaskStatusInsufficientCredits)
		}
		stats.CreditsCharged += res.Amount

		if err := e.store.SaveResult(ctx, &model.SearchResult{
			TaskID:       task.ID,
			ExternalID:   r.ExternalID,
			Record:       r,
			ContactClass: model.ContactEmailOnly,
			VerifyStatus: model.VerifyStatusReceived,
		}); err != nil {
			return e.fail(ctx, task, rec, stats, start, err)
		}
		stats.EmailOnlyResults++
		stats.RecordsProcessed++
	}

	if len(cls.EmailOnly) > 0 {
		rec.Log(ctx, model.LogLevelInfo, "processing", "saved email-only results",
			map[string]any{"count": stats.EmailOnlyResults}, e.progress(stats, totalWork))
	}

	// Step 3-5: phone candidates in sequential batches.
	remaining := cls.WithPhone
	var verifyAttempts, verifySuccesses int
	for len(remaining) > 0 {
		// (a) cancellation checkpoint.
		stopped, err := rec.Stopped(ctx)
		if err != nil {
			return e.fail(ctx, task, rec, stats, start, err)
		}
		if stopped {
			stats.UnprocessedCount = len(remaining)
			status = model.TaskStatusStopped
			break
		}

		batch := remaining
		if len(batch) > e.cfg.BatchSize {
			batch = batch[:e.cfg.BatchSize]
		}

		// (b)+(c) debit the whole batch before dispatch, shrinking to what
		// the balance covers. A crash mid-batch can only strand credits
		// already debited for this batch, never spend beyond it.
		res, err := e.meter.DebitBatch(ctx, task.UserID, e.cfg.UnitDataCost, len(batch), task.ID, "data cost: verification batch")
		if err != nil {
			return e.fail(ctx, task, rec, stats, start, err)
		}
		if !res.OK {
			affordable := int(res.NewBalance / ledger.RoundCredits(e.cfg.UnitDataCost))
			if affordable <= 0 {
				stats.UnprocessedCount = len(remaining)
				status = model.TaskStatusInsufficientCredits
				break
			}
			batch = batch[:affordable]
			res, err = e.meter.DebitBatch(ctx, task.UserID, e.cfg.UnitDataCost, len(batch), task.ID, "data cost: verification batch (shrunk)")
			if err != nil {
				return e.fail(ctx, task, rec, stats, start, err)
			}
			if !res.OK {
				// Lost the race against a concurrent spender; treat as exhausted.
				stats.UnprocessedCount = len(remaining)
				status = model.TaskStatusInsufficientCredits
				break
			}
		}
		stats.CreditsCharged += res.Amount
		shrunk := len(batch) < len(remaining) && len(batch) < e.cfg.BatchSize

		outcomes := make([]verifyOutcome, len(batch))
		g, gCtx := errgroup.WithContext(ctx)
		for i, cand := range batch {
			g.Go(func() error {
				outcomes[i] = e.processCandidate(gCtx, task, cand)
				return nil
			})
		}
		// Workers only record outcomes; Wait cannot fail.
		_ = g.Wait()

		providerExhausted := false
		for _, o := range outcomes {
			stats.RecordsProcessed++
			if o.attempted {
				verifyAttempts++
			}
			if o.verified {
				verifySuccesses++
				stats.VerifiedCount++
			}
			if o.excludedByAge {
				stats.ExcludedByAge++
			}
			if o.saved {
				stats.PhoneResults++
			}
			if o.creditsSpent {
				providerExhausted = true
			}
		}

		remaining = remaining[len(batch):]
		rec.Log(ctx, model.LogLevelInfo, "processing", "batch complete", map[string]any{
			"batch_size": len(batch),
			"remaining":  len(remaining),
		}, e.progress(stats, totalWork))

		// Step 5: provider-side credit exhaustion halts after the current
		// batch; in-flight calls were not cancelled mid-batch.
		if providerExhausted {
			log.Warn("verification provider credits exhausted, halting run",
				zap.Int("unprocessed", len(remaining)))
			rec.Log(ctx, model.LogLevelError, "processing", "verification provider credits exhausted",
				map[string]any{"unprocessed": len(remaining)}, e.progress(stats, totalWork))
			stats.UnprocessedCount = len(remaining)
			status = model.TaskStatusFailed
			break
		}
		if shrunk {
			stats.UnprocessedCount = len(remaining)
			status = model.TaskStatusInsufficientCredits
			break
		}
	}

	if verifyAttempts > 0 {
		stats.VerifySuccessRate = float64(verifySuccesses) / float64(verifyAttempts)
	}
	return e.finish(ctx, task, rec, stats, start, status)
}

// processCandidate verifies (or passes through) one phone candidate and
// persists the result. Single-record verify failures are swallowed as
// "unverified"; only the distinguished credit-exhaustion signal escalates.
func (e *Executor) processCandidate(ctx context.Context, task *model.SearchTask, cand PhoneCandidate) verifyOutcome {
	var out verifyOutcome

	result := &model.SearchResult{
		TaskID:       task.ID,
		ExternalID:   cand.Record.ExternalID,
		Record:       cand.Record,
		ContactClass: model.ContactPhone,
		VerifyStatus: model.VerifyStatusReceived,
	}

	if task.Params.VerifyPhones {
		out.attempted = true
		verification, err := e.providers.Verify(ctx, cand.Record, cand.Phone)
		switch {
		case errors.Is(err, provider.ErrVerifyCreditsExhausted):
			out.creditsSpent = true
			return out
		case err != nil:
			zap.L().Debug("executor: verify failed, storing unverified",
				zap.String("task_id", task.ID),
				zap.String("external_id", cand.Record.ExternalID),
				zap.Error(err),
			)
			result.VerifyStatus = model.VerifyStatusUnverified
		case verification.Verified:
			out.verified = true
			result.VerifyStatus = model.VerifyStatusVerified
			result.Verification = verification

			// Age filter runs post-verification: the call is already paid
			// for even when the record is excluded.
			age := verification.Age
			if age == 0 {
				age = cand.Record.Age
			}
			if excludedByAge(task.Params, age) {
				out.excludedByAge = true
				return out
			}
		default:
			result.VerifyStatus = model.VerifyStatusUnverified
			result.Verification = verification
		}
	}

	if err := e.store.SaveResult(ctx, result); err != nil {
		zap.L().Error("executor: save result failed",
			zap.String("task_id", task.ID),
			zap.String("external_id", cand.Record.ExternalID),
			zap.Error(err),
		)
		return out
	}
	out.saved = true
	return out
}

func excludedByAge(params model.SearchParams, age int) bool {
	if params.MinAge <= 0 && params.MaxAge <= 0 {
		return false
	}
	if age <= 0 {
		return false
	}
	if params.MinAge > 0 && age < params.MinAge {
		return true
	}
	if params.MaxAge > 0 && age > params.MaxAge {
		return true
	}
	return false
}

func (e *Executor) progress(stats *model.TaskStats, totalWork int) int {
	if totalWork <= 0 {
		return 100
	}
	done := stats.RecordsProcessed - stats.ExcludedNoContact
	p := done * 100 / totalWork
	if p > 99 {
		p = 99 // 100 is reserved for finalize
	}
	return p
}

// finish computes the final statistics, writes the consolidated log entry,
// and transitions the task to its terminal status.
func (e *Executor) finish(ctx context.Context, task *model.SearchTask, rec *recorder.Recorder, stats *model.TaskStats, start time.Time, status model.TaskStatus) (model.TaskStatus, *model.TaskStats, error) {
	stats.DurationMs = time.Since(start).Milliseconds()

	balance, err := e.meter.Balance(ctx, task.UserID)
	if err != nil {
		return status, stats, eris.Wrap(err, "executor: read final balance")
	}
	stats.BalanceAfter = balance

	if err := rec.Finalize(ctx, status, stats); err != nil {
		return status, stats, eris.Wrap(err, "executor: finalize")
	}

	zap.L().Info("executor: task finished",
		zap.String("task_id", task.ID),
		zap.String("status", string(status)),
		zap.Int("results", stats.PhoneResults+stats.EmailOnlyResults),
		zap.Float64("credits_charged", stats.CreditsCharged),
		zap.Int64("duration_ms", stats.DurationMs),
	)
	return status, stats, nil
}

func (e *Executor) fail(ctx context.Context, task *model.SearchTask, rec *recorder.Recorder, stats *model.TaskStats, start time.Time, cause error) (model.TaskStatus, *model.TaskStats, error) {
	stats.DurationMs = time.Since(start).Milliseconds()
	// Best effort: the triggering error may mean the store is gone, but a
	// failed task should still report the charge and resulting balance.
	if balance, err := e.meter.Balance(ctx, task.UserID); err == nil {
		stats.BalanceAfter = balance
	}
	rec.Log(ctx, model.LogLevelError, "processing", "task failed", map[string]any{
		"error": cause.Error(),
	}, 99)
	if err := rec.Finalize(ctx, model.TaskStatusFailed, stats); err != nil {
		zap.L().Error("executor: finalize after failure", zap.Error(err))
	}
	return model.TaskStatusFailed, stats, cause
}
