// Package recorder persists task state transitions, incremental logs, and
// the final statistics snapshot. It is the only channel through which the
// executor learns of an external stop request.
package recorder

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

// maxRetainedLogs bounds the per-task log window. Older entries are
// dropped from the front; sequence numbers keep growing so consumers can
// detect the truncation.
const maxRetainedLogs = 500

// Recorder tracks one task's persisted state. Not safe for concurrent use;
// each task run owns exactly one Recorder.
type Recorder struct {
	store  store.Store
	taskID string
	logs   []model.TaskLog
	seq    int
}

// New creates a Recorder for the given task, seeded with any logs already
// persisted (so a resumed run keeps appending, never reorders).
func New(ctx context.Context, st store.Store, taskID string) (*Recorder, error) {
	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		return nil, eris.Wrap(err, "recorder: load task")
	}
	r := &Recorder{store: st, taskID: taskID, logs: task.Logs}
	for _, l := range task.Logs {
		if l.Seq >= r.seq {
			r.seq = l.Seq + 1
		}
	}
	return r, nil
}

// TaskID returns the task this recorder writes to.
func (r *Recorder) TaskID() string { return r.taskID }

// SetStatus transitions the task's status. Terminal statuses are absorbing
// at the store layer; this never resurrects a finished task.
func (r *Recorder) SetStatus(ctx context.Context, status model.TaskStatus) error {
	return eris.Wrap(r.store.SetTaskStatus(ctx, r.taskID, status), "recorder: set status")
}

// Stopped re-reads the task status and reports whether an external stop
// was requested. This is the executor's cancellation checkpoint.
func (r *Recorder) Stopped(ctx context.Context) (bool, error) {
	task, err := r.store.GetTask(ctx, r.taskID)
	if err != nil {
		return false, eris.Wrap(err, "recorder: poll status")
	}
	return task.Status == model.TaskStatusStopped, nil
}

// Log appends one entry to the task's ordered log sequence and persists
// the window alongside the current progress value.
func (r *Recorder) Log(ctx context.Context, level model.LogLevel, phase, message string, details map[string]any, progress int) {
	r.logs = append(r.logs, model.TaskLog{
		Seq:     r.seq,
		Level:   level,
		Phase:   phase,
		Message: message,
		Details: details,
		At:      time.Now().UTC(),
	})
	r.seq++
	if len(r.logs) > maxRetainedLogs {
		r.logs = r.logs[len(r.logs)-maxRetainedLogs:]
	}

	r.persist(ctx, model.TaskUpdate{Progress: &progress, Logs: r.logs})
}

// Finalize writes the consolidated stats entry, the final counters, and
// the terminal status. ActualCount is set here exactly once.
func (r *Recorder) Finalize(ctx context.Context, status model.TaskStatus, stats *model.TaskStats) error {
	r.logs = append(r.logs, model.TaskLog{
		Seq:     r.seq,
		Level:   model.LogLevelInfo,
		Phase:   "finalize",
		Message: model.FinalStatsMessage,
		Details: map[string]any{
			"records_processed": stats.RecordsProcessed,
			"verified_count":    stats.VerifiedCount,
			"credits_charged":   stats.CreditsCharged,
			"balance_after":     stats.BalanceAfter,
		},
		At: time.Now().UTC(),
	})
	r.seq++

	progress := 100
	actual := stats.PhoneResults + stats.EmailOnlyResults
	now := time.Now().UTC()
	charged := stats.CreditsCharged

	r.persist(ctx, model.TaskUpdate{
		Progress:       &progress,
		Logs:           r.logs,
		Stats:          stats,
		ActualCount:    &actual,
		CreditsCharged: &charged,
		CompletedAt:    &now,
	})

	return eris.Wrap(r.store.SetTaskStatus(ctx, r.taskID, status), "recorder: finalize status")
}

// persist applies the decision table for task updates: full update, then
// retry without the (potentially large) logs field, then log and give up.
// A progress write must never fail the task itself.
func (r *Recorder) persist(ctx context.Context, upd model.TaskUpdate) {
	err := r.store.UpdateTask(ctx, r.taskID, upd)
	if err == nil {
		return
	}

	if upd.Logs != nil {
		zap.L().Warn("recorder: full update failed, retrying without logs",
			zap.String("task_id", r.taskID),
			zap.Error(err),
		)
		upd.Logs = nil
		if err = r.store.UpdateTask(ctx, r.taskID, upd); err == nil {
			return
		}
	}

	zap.L().Error("recorder: task update failed",
		zap.String("task_id", r.taskID),
		zap.Error(err),
	)
}
