package executor

import (
	"context"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/ledger"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/provider"
	"github.com/sells-group/prospect-cli/internal/recorder"
	"github.com/sells-group/prospect-cli/internal/store"
)

// fakeAdapter stubs the provider layer. Only Verify is exercised by the
// executor; fetch calls belong to the orchestrator.
type fakeAdapter struct {
	verifyFn    func(candidate model.PersonRecord, phone model.Phone) (*model.Verification, error)
	verifyCalls atomic.Int64
}

func (f *fakeAdapter) FetchFuzzy(_ context.Context, _ provider.Query) ([]model.PersonRecord, int, error) {
	panic("not used")
}

func (f *fakeAdapter) FetchExact(_ context.Context, _ provider.Query) ([]model.PersonRecord, int, error) {
	panic("not used")
}

func (f *fakeAdapter) Verify(_ context.Context, candidate model.PersonRecord, phone model.Phone) (*model.Verification, error) {
	f.verifyCalls.Add(1)
	if f.verifyFn != nil {
		return f.verifyFn(candidate, phone)
	}
	return &model.Verification{Verified: true, MatchScore: 0.9}, nil
}

type execEnv struct {
	store   *store.SQLiteStore
	meter   *ledger.Meter
	adapter *fakeAdapter
	exec    *Executor
	userID  string
}

func newExecEnv(t *testing.T, balance float64) *execEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	u, err := st.CreateUser(context.Background(), "u1", balance)
	require.NoError(t, err)

	meter := ledger.NewMeter(st)
	adapter := &fakeAdapter{}
	return &execEnv{
		store:   st,
		meter:   meter,
		adapter: adapter,
		exec:    New(DefaultConfig(), st, meter, adapter),
		userID:  u.ID,
	}
}

// startTask creates a task and a recorder, simulating the orchestrator's
// setup including the base-fee debit.
func (e *execEnv) startTask(t *testing.T, params model.SearchParams) (*model.SearchTask, *recorder.Recorder, float64) {
	t.Helper()
	ctx := context.Background()

	task, err := e.store.CreateTask(ctx, e.userID, "hash", params)
	require.NoError(t, err)
	require.NoError(t, e.store.SetTaskStatus(ctx, task.ID, model.TaskStatusProcessing))

	rec, err := recorder.New(ctx, e.store, task.ID)
	require.NoError(t, err)

	res, err := e.meter.DebitUnit(ctx, e.userID, DefaultConfig().SearchBaseCost, task.ID, "search base fee")
	require.NoError(t, err)
	require.True(t, res.OK)
	return task, rec, res.Amount
}

func phoneRecords(n int) []model.PersonRecord {
	records := make([]model.PersonRecord, n)
	for i := range records {
		records[i] = model.PersonRecord{
			ExternalID: "phone-" + strconv.Itoa(i),
			Name:       "Person " + strconv.Itoa(i),
			Phones:     []model.Phone{{Number: "+1555000" + strconv.Itoa(1000+i), Type: model.PhoneTypeMobile}},
			Age:        40,
		}
	}
	return records
}

func emailRecords(n int) []model.PersonRecord {
	records := make([]model.PersonRecord, n)
	for i := range records {
		records[i] = model.PersonRecord{
			ExternalID: "email-" + strconv.Itoa(i),
			Name:       "Mail " + strconv.Itoa(i),
			Email:      "m" + strconv.Itoa(i) + "@example.com",
		}
	}
	return records
}

func verifyParams() model.SearchParams {
	return model.SearchParams{
		Name:           "Jane Smith",
		State:          "CA",
		RequestedCount: 50,
		Mode:           model.ModeFuzzy,
		VerifyPhones:   true,
	}
}

// Full happy path: 50 records (30 phone, 20 email-only) at unit cost 2
// with a base fee of 1 charges 101 from a 200 balance.
func TestExecutor_Process_FullRun(t *testing.T) {
	env := newExecEnv(t, 200)
	ctx := context.Background()
	task, rec, base := env.startTask(t, verifyParams())

	records := append(phoneRecords(30), emailRecords(20)...)
	status, stats, err := env.exec.Process(ctx, task, records, rec, base)
	require.NoError(t, err)

	assert.Equal(t, model.TaskStatusCompleted, status)
	assert.Equal(t, 50, stats.RecordsFetched)
	assert.Equal(t, 50, stats.RecordsProcessed)
	assert.Equal(t, 30, stats.PhoneResults)
	assert.Equal(t, 20, stats.EmailOnlyResults)
	assert.Equal(t, 30, stats.VerifiedCount)
	assert.Equal(t, 0, stats.UnprocessedCount)
	assert.Equal(t, 1.0, stats.VerifySuccessRate)
	assert.Equal(t, 101.0, stats.CreditsCharged)
	assert.Equal(t, 99.0, stats.BalanceAfter)

	bal, err := env.meter.Balance(ctx, env.userID)
	require.NoError(t, err)
	assert.Equal(t, 99.0, bal)

	results, err := env.store.ListResults(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, results, 50)

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 50, got.ActualCount)
	require.NotNil(t, got.CompletedAt)

	// Finalize writes the reserved consolidated stats entry last.
	require.NotEmpty(t, got.Logs)
	assert.Equal(t, model.FinalStatsMessage, got.Logs[len(got.Logs)-1].Message)

	assert.Equal(t, int64(30), env.adapter.verifyCalls.Load())
}

// Balance runs out mid-run: the batch shrinks to what is affordable, then
// the task ends as insufficient_credits without overspending.
func TestExecutor_Process_InsufficientCreditsShrinksBatch(t *testing.T) {
	env := newExecEnv(t, 31) // 1 base + 30 usable = 15 records at cost 2
	ctx := context.Background()
	task, rec, base := env.startTask(t, verifyParams())

	status, stats, err := env.exec.Process(ctx, task, phoneRecords(25), rec, base)
	require.NoError(t, err)

	assert.Equal(t, model.TaskStatusInsufficientCredits, status)
	assert.Equal(t, 15, stats.PhoneResults)
	assert.Equal(t, 10, stats.UnprocessedCount)
	assert.Equal(t, 31.0, stats.CreditsCharged)
	assert.Equal(t, 0.0, stats.BalanceAfter)

	bal, err := env.meter.Balance(ctx, env.userID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, bal)

	results, err := env.store.ListResults(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, results, 15)
}

func TestExecutor_Process_InsufficientCreditsOnEmailOnly(t *testing.T) {
	env := newExecEnv(t, 7) // 1 base + 6 usable = 3 email records at cost 2
	ctx := context.Background()
	task, rec, base := env.startTask(t, verifyParams())

	status, stats, err := env.exec.Process(ctx, task, emailRecords(5), rec, base)
	require.NoError(t, err)

	assert.Equal(t, model.TaskStatusInsufficientCredits, status)
	assert.Equal(t, 3, stats.EmailOnlyResults)
	assert.Equal(t, 2, stats.UnprocessedCount)

	bal, err := env.meter.Balance(ctx, env.userID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, bal)
}

// An external stop request is honored at the batch checkpoint; results
// saved so far stay saved.
func TestExecutor_Process_StopBeforeBatches(t *testing.T) {
	env := newExecEnv(t, 200)
	ctx := context.Background()
	task, rec, base := env.startTask(t, verifyParams())

	require.NoError(t, env.store.SetTaskStatus(ctx, task.ID, model.TaskStatusStopped))

	status, stats, err := env.exec.Process(ctx, task, phoneRecords(15), rec, base)
	require.NoError(t, err)

	assert.Equal(t, model.TaskStatusStopped, status)
	assert.Equal(t, 15, stats.UnprocessedCount)
	assert.Zero(t, stats.PhoneResults)
	assert.Equal(t, int64(0), env.adapter.verifyCalls.Load())

	// Only the base fee was spent.
	bal, err := env.meter.Balance(ctx, env.userID)
	require.NoError(t, err)
	assert.Equal(t, 199.0, bal)
}

func TestExecutor_Process_StopPolledDuringEmailLoop(t *testing.T) {
	env := newExecEnv(t, 200)
	ctx := context.Background()
	task, rec, base := env.startTask(t, verifyParams())

	require.NoError(t, env.store.SetTaskStatus(ctx, task.ID, model.TaskStatusStopped))

	records := append(emailRecords(5), phoneRecords(5)...)
	status, stats, err := env.exec.Process(ctx, task, records, rec, base)
	require.NoError(t, err)

	assert.Equal(t, model.TaskStatusStopped, status)
	assert.Equal(t, 10, stats.UnprocessedCount)
}

// Provider-side credit exhaustion fails the task after the current batch.
func TestExecutor_Process_ProviderCreditsExhausted(t *testing.T) {
	env := newExecEnv(t, 200)
	env.adapter.verifyFn = func(model.PersonRecord, model.Phone) (*model.Verification, error) {
		return nil, provider.ErrVerifyCreditsExhausted
	}
	ctx := context.Background()
	task, rec, base := env.startTask(t, verifyParams())

	status, stats, err := env.exec.Process(ctx, task, phoneRecords(25), rec, base)
	require.NoError(t, err)

	assert.Equal(t, model.TaskStatusFailed, status)
	// The first batch of 10 was dispatched and halted the run.
	assert.Equal(t, 15, stats.UnprocessedCount)
	assert.Zero(t, stats.PhoneResults)

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
}

// Single-record verify failures degrade to "unverified", never fail the run.
func TestExecutor_Process_VerifyErrorStoresUnverified(t *testing.T) {
	env := newExecEnv(t, 200)
	env.adapter.verifyFn = func(r model.PersonRecord, _ model.Phone) (*model.Verification, error) {
		if r.ExternalID == "phone-1" {
			return nil, assert.AnError
		}
		return &model.Verification{Verified: true, MatchScore: 0.9}, nil
	}
	ctx := context.Background()
	task, rec, base := env.startTask(t, verifyParams())

	status, stats, err := env.exec.Process(ctx, task, phoneRecords(3), rec, base)
	require.NoError(t, err)

	assert.Equal(t, model.TaskStatusCompleted, status)
	assert.Equal(t, 3, stats.PhoneResults)
	assert.Equal(t, 2, stats.VerifiedCount)
	assert.InDelta(t, 2.0/3.0, stats.VerifySuccessRate, 1e-9)

	results, err := env.store.ListResults(ctx, task.ID)
	require.NoError(t, err)
	statuses := map[string]model.VerifyStatus{}
	for _, r := range results {
		statuses[r.ExternalID] = r.VerifyStatus
	}
	assert.Equal(t, model.VerifyStatusUnverified, statuses["phone-1"])
	assert.Equal(t, model.VerifyStatusVerified, statuses["phone-0"])
}

// A non-matching verification is stored as unverified with its payload.
func TestExecutor_Process_NoMatchStoredUnverified(t *testing.T) {
	env := newExecEnv(t, 200)
	env.adapter.verifyFn = func(model.PersonRecord, model.Phone) (*model.Verification, error) {
		return &model.Verification{Verified: false, MatchScore: 0.2}, nil
	}
	ctx := context.Background()
	task, rec, base := env.startTask(t, verifyParams())

	status, stats, err := env.exec.Process(ctx, task, phoneRecords(2), rec, base)
	require.NoError(t, err)

	assert.Equal(t, model.TaskStatusCompleted, status)
	assert.Equal(t, 2, stats.PhoneResults)
	assert.Zero(t, stats.VerifiedCount)
	assert.Zero(t, stats.VerifySuccessRate)

	results, err := env.store.ListResults(ctx, task.ID)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, model.VerifyStatusUnverified, r.VerifyStatus)
		require.NotNil(t, r.Verification)
		assert.Equal(t, 0.2, r.Verification.MatchScore)
	}
}

// The age filter runs after verification: excluded records are charged and
// counted but not saved.
func TestExecutor_Process_AgeFilterPostVerification(t *testing.T) {
	env := newExecEnv(t, 200)
	env.adapter.verifyFn = func(r model.PersonRecord, _ model.Phone) (*model.Verification, error) {
		age := 40
		if r.ExternalID == "phone-0" {
			age = 70
		}
		return &model.Verification{Verified: true, MatchScore: 0.9, Age: age}, nil
	}
	ctx := context.Background()

	params := verifyParams()
	params.MinAge = 30
	params.MaxAge = 60
	task, rec, base := env.startTask(t, params)

	status, stats, err := env.exec.Process(ctx, task, phoneRecords(3), rec, base)
	require.NoError(t, err)

	assert.Equal(t, model.TaskStatusCompleted, status)
	assert.Equal(t, 2, stats.PhoneResults)
	assert.Equal(t, 1, stats.ExcludedByAge)
	assert.Equal(t, 3, stats.VerifiedCount)
	// All three verifications were paid for.
	assert.Equal(t, 7.0, stats.CreditsCharged)

	results, err := env.store.ListResults(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

// Verification disabled: phone records are saved as received and the
// verification backend is never called.
func TestExecutor_Process_VerificationDisabled(t *testing.T) {
	env := newExecEnv(t, 200)
	ctx := context.Background()

	params := verifyParams()
	params.VerifyPhones = false
	task, rec, base := env.startTask(t, params)

	status, stats, err := env.exec.Process(ctx, task, phoneRecords(5), rec, base)
	require.NoError(t, err)

	assert.Equal(t, model.TaskStatusCompleted, status)
	assert.Equal(t, 5, stats.PhoneResults)
	assert.Zero(t, stats.VerifiedCount)
	assert.Zero(t, stats.VerifySuccessRate)
	assert.Equal(t, int64(0), env.adapter.verifyCalls.Load())

	results, err := env.store.ListResults(ctx, task.ID)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, model.VerifyStatusReceived, r.VerifyStatus)
	}
}

// Records with no contact data are discarded for free.
func TestExecutor_Process_DiscardsNoContact(t *testing.T) {
	env := newExecEnv(t, 200)
	ctx := context.Background()
	task, rec, base := env.startTask(t, verifyParams())

	records := []model.PersonRecord{
		{ExternalID: "empty-1"},
		{ExternalID: "empty-2"},
	}
	records = append(records, emailRecords(2)...)

	status, stats, err := env.exec.Process(ctx, task, records, rec, base)
	require.NoError(t, err)

	assert.Equal(t, model.TaskStatusCompleted, status)
	assert.Equal(t, 2, stats.ExcludedNoContact)
	assert.Equal(t, 2, stats.EmailOnlyResults)
	// Base fee plus two email-only units.
	assert.Equal(t, 5.0, stats.CreditsCharged)
}

func TestExcludedByAge(t *testing.T) {
	tests := []struct {
		name   string
		min    int
		max    int
		age    int
		wanted bool
	}{
		{"no bounds", 0, 0, 25, false},
		{"unknown age passes", 30, 50, 0, false},
		{"below min", 30, 50, 25, true},
		{"above max", 30, 50, 55, true},
		{"inside range", 30, 50, 40, false},
		{"min only", 30, 0, 25, true},
		{"max only", 0, 50, 55, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := model.SearchParams{MinAge: tt.min, MaxAge: tt.max}
			assert.Equal(t, tt.wanted, excludedByAge(params, tt.age))
		})
	}
}

// saveFailStore fails every SaveResult to drive the fatal-store path.
type saveFailStore struct {
	store.Store
}

func (s saveFailStore) SaveResult(context.Context, *model.SearchResult) error {
	return assert.AnError
}

func TestExecutor_Process_StoreFailureStillReportsBalance(t *testing.T) {
	env := newExecEnv(t, 100)
	ctx := context.Background()
	task, rec, base := env.startTask(t, verifyParams())

	failing := New(DefaultConfig(), saveFailStore{Store: env.store}, env.meter, env.adapter)

	status, stats, err := failing.Process(ctx, task, emailRecords(1), rec, base)
	require.Error(t, err)
	assert.Equal(t, model.TaskStatusFailed, status)

	// Base fee plus the one record debited before the save failed.
	assert.Equal(t, 3.0, stats.CreditsCharged)
	assert.Equal(t, 97.0, stats.BalanceAfter)

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
	require.NotNil(t, got.Stats)
	assert.Equal(t, 97.0, got.Stats.BalanceAfter)
	assert.Equal(t, 3.0, got.Stats.CreditsCharged)
}
