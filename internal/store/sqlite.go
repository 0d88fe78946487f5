package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/prospect-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Balance mutations run read-modify-write transactions; a single
	// connection avoids SQLITE_BUSY contention between tasks.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	balance    REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES users(id),
	search_hash     TEXT NOT NULL,
	params          TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'initializing',
	requested_count INTEGER NOT NULL,
	actual_count    INTEGER NOT NULL DEFAULT 0,
	credits_charged REAL NOT NULL DEFAULT 0,
	progress        INTEGER NOT NULL DEFAULT 0,
	logs            TEXT,
	stats           TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at    DATETIME
);

CREATE TABLE IF NOT EXISTS results (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL REFERENCES tasks(id),
	external_id   TEXT NOT NULL,
	record        TEXT NOT NULL,
	contact_class TEXT NOT NULL,
	verify_status TEXT NOT NULL,
	verification  TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS search_cache (
	key             TEXT PRIMARY KEY,
	mode            TEXT NOT NULL,
	records         TEXT NOT NULL,
	total_available INTEGER NOT NULL,
	fetched_at      DATETIME NOT NULL,
	expires_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id),
	amount        REAL NOT NULL,
	balance_after REAL NOT NULL,
	kind          TEXT NOT NULL,
	reason        TEXT,
	task_id       TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_results_task_id ON results(task_id);
CREATE INDEX IF NOT EXISTS idx_search_cache_expires_at ON search_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_id ON ledger_entries(user_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, userID string, balance float64) (*model.User, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin create user")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, balance, created_at) VALUES (?, ?, ?)`,
		userID, balance, now,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert user %s", userID)
	}
	// A nonzero starting balance gets a ledger entry in the same
	// transaction, so the entry sum reproduces the balance from birth.
	if balance != 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (id, user_id, amount, balance_after, kind, reason, task_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), userID, balance, balance, string(model.LedgerKindAdminAdjust), "initial balance", "", now,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert initial ledger entry %s", userID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit create user")
	}
	return &model.User{ID: userID, Balance: balance, CreatedAt: now}, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, balance, created_at FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &u.Balance, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get user %s", userID)
	}
	return &u, nil
}

// --- Tasks ---

func (s *SQLiteStore) CreateTask(ctx context.Context, userID, searchHash string, params model.SearchParams) (*model.SearchTask, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal params")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, search_hash, params, status, requested_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, userID, searchHash, string(paramsJSON), string(model.TaskStatusInitializing), params.RequestedCount, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert task")
	}

	return &model.SearchTask{
		ID:             id,
		UserID:         userID,
		SearchHash:     searchHash,
		Params:         params,
		Status:         model.TaskStatusInitializing,
		RequestedCount: params.RequestedCount,
		CreatedAt:      now,
	}, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*model.SearchTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, search_hash, params, status, requested_count, actual_count,
		        credits_charged, progress, logs, stats, created_at, completed_at
		 FROM tasks WHERE id = ?`, taskID,
	)
	return scanTask(row)
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, taskID string, upd model.TaskUpdate) error {
	query := `UPDATE tasks SET id = id`
	var args []any

	if upd.Progress != nil {
		query += `, progress = ?`
		args = append(args, *upd.Progress)
	}
	if upd.Logs != nil {
		logsJSON, err := json.Marshal(upd.Logs)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal logs")
		}
		query += `, logs = ?`
		args = append(args, string(logsJSON))
	}
	if upd.Stats != nil {
		statsJSON, err := json.Marshal(upd.Stats)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal stats")
		}
		query += `, stats = ?`
		args = append(args, string(statsJSON))
	}
	if upd.ActualCount != nil {
		query += `, actual_count = ?`
		args = append(args, *upd.ActualCount)
	}
	if upd.CreditsCharged != nil {
		query += `, credits_charged = ?`
		args = append(args, *upd.CreditsCharged)
	}
	if upd.CompletedAt != nil {
		query += `, completed_at = ?`
		args = append(args, upd.CompletedAt.UTC())
	}
	if len(args) == 0 {
		return nil
	}

	query += ` WHERE id = ?`
	args = append(args, taskID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task %s", taskID)
	}
	return checkRowsAffected(res, "task", taskID)
}

var terminalStatuses = []any{
	string(model.TaskStatusCompleted),
	string(model.TaskStatusStopped),
	string(model.TaskStatusInsufficientCredits),
	string(model.TaskStatusFailed),
}

func (s *SQLiteStore) SetTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	args := append([]any{string(status), taskID}, terminalStatuses...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set task status %s", taskID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		// Either the task is terminal (silent no-op) or it does not exist.
		if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, userID string, limit int) ([]model.SearchTask, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, search_hash, params, status, requested_count, actual_count,
	                 credits_charged, progress, logs, stats, created_at, completed_at
	          FROM tasks`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close()

	var tasks []model.SearchTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: list tasks iterate")
}

// --- Results ---

func (s *SQLiteStore) SaveResult(ctx context.Context, res *model.SearchResult) error {
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	recordJSON, err := json.Marshal(res.Record)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record")
	}
	var verificationJSON sql.NullString
	if res.Verification != nil {
		b, err := json.Marshal(res.Verification)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal verification")
		}
		verificationJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (id, task_id, external_id, record, contact_class, verify_status, verification, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.TaskID, res.ExternalID, string(recordJSON),
		string(res.ContactClass), string(res.VerifyStatus), verificationJSON, res.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert result for task %s", res.TaskID)
}

func (s *SQLiteStore) ListResults(ctx context.Context, taskID string) ([]model.SearchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, external_id, record, contact_class, verify_status, verification, created_at
		 FROM results WHERE task_id = ? ORDER BY created_at, id`, taskID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list results for task %s", taskID)
	}
	defer rows.Close()

	var results []model.SearchResult
	for rows.Next() {
		var r model.SearchResult
		var recordJSON string
		var verificationJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ExternalID, &recordJSON,
			&r.ContactClass, &r.VerifyStatus, &verificationJSON, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		if err := json.Unmarshal([]byte(recordJSON), &r.Record); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal record")
		}
		if verificationJSON.Valid {
			r.Verification = &model.Verification{}
			if err := json.Unmarshal([]byte(verificationJSON.String), r.Verification); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal verification")
			}
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

// --- Cache ---

func (s *SQLiteStore) GetCache(ctx context.Context, key string) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, mode, records, total_available, fetched_at, expires_at
		 FROM search_cache WHERE key = ? AND expires_at > datetime('now')`, key,
	)

	var e model.CacheEntry
	var recordsJSON string
	err := row.Scan(&e.Key, &e.Mode, &recordsJSON, &e.TotalAvailable, &e.FetchedAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache")
	}
	if err := json.Unmarshal([]byte(recordsJSON), &e.Records); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cached records")
	}
	return &e, nil
}

func (s *SQLiteStore) SetCache(ctx context.Context, entry model.CacheEntry) error {
	recordsJSON, err := json.Marshal(entry.Records)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal cache records")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO search_cache (key, mode, records, total_available, fetched_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   mode = excluded.mode,
		   records = excluded.records,
		   total_available = excluded.total_available,
		   fetched_at = excluded.fetched_at,
		   expires_at = excluded.expires_at`,
		entry.Key, string(entry.Mode), string(recordsJSON),
		entry.TotalAvailable, entry.FetchedAt.UTC(), entry.ExpiresAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: set cache")
}

// --- Credits ---

func (s *SQLiteStore) GetBalance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM users WHERE id = ?`, userID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: get balance %s", userID)
	}
	return balance, nil
}

func (s *SQLiteStore) AdjustBalance(ctx context.Context, userID string, delta float64, kind model.LedgerKind, reason, taskID string) (bool, float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, eris.Wrap(err, "sqlite: begin adjust balance")
	}
	defer tx.Rollback() //nolint:errcheck

	var balance float64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return false, 0, ErrNotFound
	}
	if err != nil {
		return false, 0, eris.Wrapf(err, "sqlite: read balance %s", userID)
	}

	newBalance := balance + delta
	if delta < 0 && newBalance < 0 {
		return false, balance, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET balance = ? WHERE id = ?`, newBalance, userID,
	); err != nil {
		return false, 0, eris.Wrapf(err, "sqlite: update balance %s", userID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, user_id, amount, balance_after, kind, reason, task_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), userID, delta, newBalance, string(kind), reason, taskID, time.Now().UTC(),
	); err != nil {
		return false, 0, eris.Wrap(err, "sqlite: insert ledger entry")
	}

	if err := tx.Commit(); err != nil {
		return false, 0, eris.Wrap(err, "sqlite: commit adjust balance")
	}
	return true, newBalance, nil
}

func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, balance_after, kind, reason, task_id, created_at
		 FROM ledger_entries WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list ledger entries %s", userID)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.BalanceAfter,
			&e.Kind, &e.Reason, &e.TaskID, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list ledger entries iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*model.SearchTask, error) {
	var t model.SearchTask
	var paramsJSON string
	var logsJSON, statsJSON sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.UserID, &t.SearchHash, &paramsJSON, &t.Status,
		&t.RequestedCount, &t.ActualCount, &t.CreditsCharged, &t.Progress,
		&logsJSON, &statsJSON, &t.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan task")
	}

	if err := json.Unmarshal([]byte(paramsJSON), &t.Params); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal params")
	}
	if logsJSON.Valid && logsJSON.String != "" {
		if err := json.Unmarshal([]byte(logsJSON.String), &t.Logs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal logs")
		}
	}
	if statsJSON.Valid && statsJSON.String != "" {
		t.Stats = &model.TaskStats{}
		if err := json.Unmarshal([]byte(statsJSON.String), t.Stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stats")
		}
	}
	if completedAt.Valid {
		ct := completedAt.Time
		t.CompletedAt = &ct
	}
	return &t, nil
}
