package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_CreateUser_LedgersInitialBalance(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("u1", 50.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WithArgs(pgxmock.AnyArg(), "u1", 50.0, 50.0, "admin_adjust", "initial balance", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	u, err := s.CreateUser(context.Background(), "u1", 50)
	require.NoError(t, err)
	assert.Equal(t, 50.0, u.Balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateUser_ZeroBalanceWritesNoEntry(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("u1", 0.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	_, err := s.CreateUser(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetUser_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, balance, created_at FROM users WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetUser(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBalance(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT balance FROM users WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(75.5))

	bal, err := s.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 75.5, bal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCache_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key, mode, records, total_available, fetched_at, expires_at`).
		WithArgs("unknown-key").
		WillReturnError(pgx.ErrNoRows)

	entry, err := s.GetCache(context.Background(), "unknown-key")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetCache_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT`).
		WithArgs("key1", "fuzzy", pgxmock.AnyArg(), 12, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	now := time.Now().UTC()
	err := s.SetCache(context.Background(), model.CacheEntry{
		Key:            "key1",
		Mode:           model.ModeFuzzy,
		Records:        []model.PersonRecord{{ExternalID: "p1"}},
		TotalAvailable: 12,
		FetchedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AdjustBalance_AppliedWithLedgerEntry(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(100.0))
	mock.ExpectExec(`UPDATE users SET balance = \$1 WHERE id = \$2`).
		WithArgs(79.0, "u1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WithArgs(pgxmock.AnyArg(), "u1", -21.0, 79.0, "debit", "batch", "t1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	applied, bal, err := s.AdjustBalance(context.Background(), "u1", -21, model.LedgerKindDebit, "batch", "t1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 79.0, bal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AdjustBalance_DeclinesOverdraft(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(5.0))
	mock.ExpectRollback()

	applied, bal, err := s.AdjustBalance(context.Background(), "u1", -6, model.LedgerKindDebit, "too much", "t1")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 5.0, bal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetTaskStatus_TerminalGuardInQuery(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE tasks SET status = \$1`).
		WithArgs("stopped", "t1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.SetTaskStatus(context.Background(), "t1", model.TaskStatusStopped)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetTaskStatus_MissingTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE tasks SET status = \$1`).
		WithArgs("stopped", "nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT id, user_id, search_hash`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	err := s.SetTaskStatus(context.Background(), "nope", model.TaskStatusStopped)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTasks_FiltersByUser(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"id", "user_id", "search_hash", "params", "status", "requested_count",
		"actual_count", "credits_charged", "progress", "logs", "stats",
		"created_at", "completed_at",
	}).AddRow(
		"t1", "u1", "h1", []byte(`{"name":"Jane"}`), "completed", 10,
		8, 17.0, 100, []byte(nil), []byte(nil), now, (*time.Time)(nil),
	)

	mock.ExpectQuery(`FROM tasks WHERE user_id = \$1 ORDER BY created_at DESC`).
		WithArgs("u1", 50).
		WillReturnRows(rows)

	tasks, err := s.ListTasks(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, "Jane", tasks[0].Params.Name)
	assert.Equal(t, model.TaskStatusCompleted, tasks[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTask_NoFieldsIsNoop(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	err := s.UpdateTask(context.Background(), "t1", model.TaskUpdate{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
