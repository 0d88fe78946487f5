package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for the search engine.
// The only operation that requires cross-task coordination is
// AdjustBalance; everything else is owned by the single task writing it.
type Store interface {
	// Users
	CreateUser(ctx context.Context, userID string, balance float64) (*model.User, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)

	// Tasks
	CreateTask(ctx context.Context, userID, searchHash string, params model.SearchParams) (*model.SearchTask, error)
	GetTask(ctx context.Context, taskID string) (*model.SearchTask, error)
	// UpdateTask applies the non-nil fields of upd. Logs replace the stored
	// log array wholesale; callers append before writing.
	UpdateTask(ctx context.Context, taskID string, upd model.TaskUpdate) error
	// SetTaskStatus transitions the task status. Terminal statuses are
	// absorbing: a transition out of one is silently dropped.
	SetTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error
	// ListTasks returns tasks newest first. An empty userID lists all users.
	ListTasks(ctx context.Context, userID string, limit int) ([]model.SearchTask, error)

	// Results
	SaveResult(ctx context.Context, res *model.SearchResult) error
	ListResults(ctx context.Context, taskID string) ([]model.SearchResult, error)

	// Cache. GetCache treats expired entries as absent and returns nil.
	GetCache(ctx context.Context, key string) (*model.CacheEntry, error)
	SetCache(ctx context.Context, entry model.CacheEntry) error

	// Credits. AdjustBalance applies delta and writes the ledger entry in
	// one atomic unit. A negative delta that would drive the balance below
	// zero is not applied: applied=false, balance untouched, no entry.
	GetBalance(ctx context.Context, userID string) (float64, error)
	AdjustBalance(ctx context.Context, userID string, delta float64, kind model.LedgerKind, reason, taskID string) (applied bool, newBalance float64, err error)
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
