package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store needs. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	balance    DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES users(id),
	search_hash     TEXT NOT NULL,
	params          JSONB NOT NULL,
	status          TEXT NOT NULL DEFAULT 'initializing',
	requested_count INTEGER NOT NULL,
	actual_count    INTEGER NOT NULL DEFAULT 0,
	credits_charged DOUBLE PRECISION NOT NULL DEFAULT 0,
	progress        INTEGER NOT NULL DEFAULT 0,
	logs            JSONB,
	stats           JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS results (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL REFERENCES tasks(id),
	external_id   TEXT NOT NULL,
	record        JSONB NOT NULL,
	contact_class TEXT NOT NULL,
	verify_status TEXT NOT NULL,
	verification  JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS search_cache (
	key             TEXT PRIMARY KEY,
	mode            TEXT NOT NULL,
	records         JSONB NOT NULL,
	total_available INTEGER NOT NULL,
	fetched_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id),
	amount        DOUBLE PRECISION NOT NULL,
	balance_after DOUBLE PRECISION NOT NULL,
	kind          TEXT NOT NULL,
	reason        TEXT,
	task_id       TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_results_task_id ON results(task_id);
CREATE INDEX IF NOT EXISTS idx_search_cache_expires_at ON search_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_id ON ledger_entries(user_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, userID string, balance float64) (*model.User, error) {
	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin create user")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO users (id, balance, created_at) VALUES ($1, $2, $3)`,
		userID, balance, now,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: insert user %s", userID)
	}
	// A nonzero starting balance gets a ledger entry in the same
	// transaction, so the entry sum reproduces the balance from birth.
	if balance != 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, user_id, amount, balance_after, kind, reason, task_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			uuid.New().String(), userID, balance, balance, string(model.LedgerKindAdminAdjust), "initial balance", "", now,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: insert initial ledger entry %s", userID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create user")
	}
	return &model.User{ID: userID, Balance: balance, CreatedAt: now}, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, balance, created_at FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Balance, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get user %s", userID)
	}
	return &u, nil
}

// --- Tasks ---

func (s *PostgresStore) CreateTask(ctx context.Context, userID, searchHash string, params model.SearchParams) (*model.SearchTask, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal params")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, user_id, search_hash, params, status, requested_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, userID, searchHash, paramsJSON, string(model.TaskStatusInitializing), params.RequestedCount, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert task")
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

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*model.SearchTask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, search_hash, params, status, requested_count, actual_count,
		        credits_charged, progress, logs, stats, created_at, completed_at
		 FROM tasks WHERE id = $1`, taskID,
	)

	var t model.SearchTask
	var paramsJSON []byte
	var logsJSON, statsJSON []byte
	var completedAt *time.Time

	err := row.Scan(&t.ID, &t.UserID, &t.SearchHash, &paramsJSON, &t.Status,
		&t.RequestedCount, &t.ActualCount, &t.CreditsCharged, &t.Progress,
		&logsJSON, &statsJSON, &t.CreatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task %s", taskID)
	}

	if err := json.Unmarshal(paramsJSON, &t.Params); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal params")
	}
	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &t.Logs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal logs")
		}
	}
	if len(statsJSON) > 0 {
		t.Stats = &model.TaskStats{}
		if err := json.Unmarshal(statsJSON, t.Stats); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal stats")
		}
	}
	t.CompletedAt = completedAt
	return &t, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, taskID string, upd model.TaskUpdate) error {
	query := `UPDATE tasks SET id = id`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if upd.Progress != nil {
		query += `, progress = ` + arg(*upd.Progress)
	}
	if upd.Logs != nil {
		logsJSON, err := json.Marshal(upd.Logs)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal logs")
		}
		query += `, logs = ` + arg(logsJSON)
	}
	if upd.Stats != nil {
		statsJSON, err := json.Marshal(upd.Stats)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal stats")
		}
		query += `, stats = ` + arg(statsJSON)
	}
	if upd.ActualCount != nil {
		query += `, actual_count = ` + arg(*upd.ActualCount)
	}
	if upd.CreditsCharged != nil {
		query += `, credits_charged = ` + arg(*upd.CreditsCharged)
	}
	if upd.CompletedAt != nil {
		query += `, completed_at = ` + arg(upd.CompletedAt.UTC())
	}
	if len(args) == 0 {
		return nil
	}

	query += ` WHERE id = ` + arg(taskID)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update task %s", taskID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "task %s", taskID)
	}
	return nil
}

func (s *PostgresStore) SetTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1
		 WHERE id = $2 AND status NOT IN ('completed', 'stopped', 'insufficient_credits', 'failed')`,
		string(status), taskID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set task status %s", taskID)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, userID string, limit int) ([]model.SearchTask, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, search_hash, params, status, requested_count, actual_count,
	                 credits_charged, progress, logs, stats, created_at, completed_at
	          FROM tasks`
	var args []any
	if userID != "" {
		args = append(args, userID)
		query += ` WHERE user_id = $1`
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC, id LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var tasks []model.SearchTask
	for rows.Next() {
		var t model.SearchTask
		var paramsJSON, logsJSON, statsJSON []byte
		var completedAt *time.Time
		if err := rows.Scan(&t.ID, &t.UserID, &t.SearchHash, &paramsJSON, &t.Status,
			&t.RequestedCount, &t.ActualCount, &t.CreditsCharged, &t.Progress,
			&logsJSON, &statsJSON, &t.CreatedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		if err := json.Unmarshal(paramsJSON, &t.Params); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal params")
		}
		if len(logsJSON) > 0 {
			if err := json.Unmarshal(logsJSON, &t.Logs); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal logs")
			}
		}
		if len(statsJSON) > 0 {
			t.Stats = &model.TaskStats{}
			if err := json.Unmarshal(statsJSON, t.Stats); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stats")
			}
		}
		t.CompletedAt = completedAt
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

// --- Results ---

func (s *PostgresStore) SaveResult(ctx context.Context, res *model.SearchResult) error {
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	recordJSON, err := json.Marshal(res.Record)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record")
	}
	var verificationJSON []byte
	if res.Verification != nil {
		verificationJSON, err = json.Marshal(res.Verification)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal verification")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO results (id, task_id, external_id, record, contact_class, verify_status, verification, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.ID, res.TaskID, res.ExternalID, recordJSON,
		string(res.ContactClass), string(res.VerifyStatus), verificationJSON, res.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert result for task %s", res.TaskID)
}

func (s *PostgresStore) ListResults(ctx context.Context, taskID string) ([]model.SearchResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, external_id, record, contact_class, verify_status, verification, created_at
		 FROM results WHERE task_id = $1 ORDER BY created_at, id`, taskID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list results for task %s", taskID)
	}
	defer rows.Close()

	var results []model.SearchResult
	for rows.Next() {
		var r model.SearchResult
		var recordJSON, verificationJSON []byte
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ExternalID, &recordJSON,
			&r.ContactClass, &r.VerifyStatus, &verificationJSON, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		if err := json.Unmarshal(recordJSON, &r.Record); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal record")
		}
		if len(verificationJSON) > 0 {
			r.Verification = &model.Verification{}
			if err := json.Unmarshal(verificationJSON, r.Verification); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal verification")
			}
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

// --- Cache ---

func (s *PostgresStore) GetCache(ctx context.Context, key string) (*model.CacheEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT key, mode, records, total_available, fetched_at, expires_at
		 FROM search_cache WHERE key = $1 AND expires_at > now()`, key,
	)

	var e model.CacheEntry
	var recordsJSON []byte
	err := row.Scan(&e.Key, &e.Mode, &recordsJSON, &e.TotalAvailable, &e.FetchedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cache")
	}
	if err := json.Unmarshal(recordsJSON, &e.Records); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal cached records")
	}
	return &e, nil
}

func (s *PostgresStore) SetCache(ctx context.Context, entry model.CacheEntry) error {
	recordsJSON, err := json.Marshal(entry.Records)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal cache records")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO search_cache (key, mode, records, total_available, fetched_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO UPDATE SET
		   mode = EXCLUDED.mode,
		   records = EXCLUDED.records,
		   total_available = EXCLUDED.total_available,
		   fetched_at = EXCLUDED.fetched_at,
		   expires_at = EXCLUDED.expires_at`,
		entry.Key, string(entry.Mode), recordsJSON,
		entry.TotalAvailable, entry.FetchedAt.UTC(), entry.ExpiresAt.UTC(),
	)
	return eris.Wrap(err, "postgres: set cache")
}

// --- Credits ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1`, userID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: get balance %s", userID)
	}
	return balance, nil
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, userID string, delta float64, kind model.LedgerKind, reason, taskID string) (bool, float64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, 0, eris.Wrap(err, "postgres: begin adjust balance")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var balance float64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, ErrNotFound
	}
	if err != nil {
		return false, 0, eris.Wrapf(err, "postgres: read balance %s", userID)
	}

	newBalance := balance + delta
	if delta < 0 && newBalance < 0 {
		return false, balance, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET balance = $1 WHERE id = $2`, newBalance, userID,
	); err != nil {
		return false, 0, eris.Wrapf(err, "postgres: update balance %s", userID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, amount, balance_after, kind, reason, task_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), userID, delta, newBalance, string(kind), reason, taskID, time.Now().UTC(),
	); err != nil {
		return false, 0, eris.Wrap(err, "postgres: insert ledger entry")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, eris.Wrap(err, "postgres: commit adjust balance")
	}
	return true, newBalance, nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount, balance_after, kind, reason, task_id, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list ledger entries %s", userID)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var reason, task *string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.BalanceAfter,
			&e.Kind, &reason, &task, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		if reason != nil {
			e.Reason = *reason
		}
		if task != nil {
			e.TaskID = *task
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list ledger entries iterate")
}
