// Package model holds the domain types shared across the engine: tasks,
// person records, results, credits, and the search cache.
package model

import "time"

// TaskStatus is the lifecycle state of a search task.
type TaskStatus string

const (
	TaskStatusInitializing        TaskStatus = "initializing"
	TaskStatusSearching           TaskStatus = "searching"
	TaskStatusProcessing          TaskStatus = "processing"
	TaskStatusCompleted           TaskStatus = "completed"
	TaskStatusStopped             TaskStatus = "stopped"
	TaskStatusInsufficientCredits TaskStatus = "insufficient_credits"
	TaskStatusFailed              TaskStatus = "failed"
)

// IsTerminal reports whether the status is absorbing: once a task reaches
// a terminal status it never transitions again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusStopped, TaskStatusInsufficientCredits, TaskStatusFailed:
		return true
	}
	return false
}

// SearchMode selects the data-source backend.
type SearchMode string

const (
	// ModeFuzzy searches the bulk-data backend with loose matching.
	ModeFuzzy SearchMode = "fuzzy"
	// ModeExact searches the live backend with strict matching.
	ModeExact SearchMode = "exact"
)

// SearchParams are the user-supplied search filters for one task.
type SearchParams struct {
	Name           string     `json:"name"`
	Title          string     `json:"title,omitempty"`
	State          string     `json:"state,omitempty"`
	RequestedCount int        `json:"requested_count"`
	MinAge         int        `json:"min_age,omitempty"`
	MaxAge         int        `json:"max_age,omitempty"`
	Mode           SearchMode `json:"mode"`
	VerifyPhones   bool       `json:"verify_phones"`
}

// SearchTask is one execution of a search request.
type SearchTask struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	SearchHash     string       `json:"search_hash"`
	Params         SearchParams `json:"params"`
	Status         TaskStatus   `json:"status"`
	RequestedCount int          `json:"requested_count"`
	ActualCount    int          `json:"actual_count"`
	CreditsCharged float64      `json:"credits_charged"`
	Progress       int          `json:"progress"`
	Logs           []TaskLog    `json:"logs,omitempty"`
	Stats          *TaskStats   `json:"stats,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// LogLevel is the severity of a task log entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// FinalStatsMessage is the reserved message of the consolidated stats log
// entry written at finalization. Progress readers filter it out.
const FinalStatsMessage = "__final_stats__"

// TaskLog is one entry in a task's append-ordered log sequence. Seq keeps
// growing even when older entries are trimmed from the retained window.
type TaskLog struct {
	Seq     int            `json:"seq"`
	Level   LogLevel       `json:"level"`
	Phase   string         `json:"phase"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// TaskStats is the consolidated outcome of a finished task.
type TaskStats struct {
	RecordsFetched    int     `json:"records_fetched"`
	RecordsProcessed  int     `json:"records_processed"`
	PhoneResults      int     `json:"phone_results"`
	EmailOnlyResults  int     `json:"email_only_results"`
	VerifiedCount     int     `json:"verified_count"`
	ExcludedNoContact int     `json:"excluded_no_contact"`
	ExcludedByAge     int     `json:"excluded_by_age"`
	UnprocessedCount  int     `json:"unprocessed_count"`
	VerifySuccessRate float64 `json:"verify_success_rate"`
	CreditsCharged    float64 `json:"credits_charged"`
	BalanceAfter      float64 `json:"balance_after"`
	DurationMs        int64   `json:"duration_ms"`
}

// TaskUpdate is a partial task update; nil fields are left untouched.
// Logs replace the stored array wholesale.
type TaskUpdate struct {
	Progress       *int
	Logs           []TaskLog
	Stats          *TaskStats
	ActualCount    *int
	CreditsCharged *float64
	CompletedAt    *time.Time
}
