// Package ledger implements real-time credit metering against a per-user
// balance. Every unit of work is debited just before it is dispatched, so
// worst-case overspend on a crash is bounded to one in-flight batch.
package ledger

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

// Result is the outcome of a debit attempt. OK=false means the balance
// could not cover the amount; the balance is untouched in that case.
type Result struct {
	OK         bool
	Amount     float64
	NewBalance float64
}

// Meter performs atomic balance checks and mutations through the store.
type Meter struct {
	store store.Store
}

// NewMeter creates a Meter backed by the given store.
func NewMeter(st store.Store) *Meter {
	return &Meter{store: st}
}

// RoundCredits rounds a credit amount up to one decimal place. All
// comparisons and mutations go through this so displayed costs stay
// human-readable and repeated debits cannot accumulate sub-cent drift.
func RoundCredits(x float64) float64 {
	return math.Ceil(x*10) / 10
}

// Balance returns the user's current balance.
func (m *Meter) Balance(ctx context.Context, userID string) (float64, error) {
	bal, err := m.store.GetBalance(ctx, userID)
	return bal, eris.Wrap(err, "ledger: balance")
}

// CanAfford reports whether the user's balance covers amount. The answer
// is advisory: only the debit itself is atomic.
func (m *Meter) CanAfford(ctx context.Context, userID string, amount float64) (bool, error) {
	bal, err := m.store.GetBalance(ctx, userID)
	if err != nil {
		return false, eris.Wrap(err, "ledger: can afford")
	}
	return bal >= RoundCredits(amount), nil
}

// DebitUnit atomically debits one unit of work. An uncovered debit is a
// normal outcome (OK=false), never an error.
func (m *Meter) DebitUnit(ctx context.Context, userID string, unitCost float64, taskID, reason string) (Result, error) {
	return m.debit(ctx, userID, RoundCredits(unitCost), taskID, reason)
}

// DebitBatch atomically debits unitCost*count as a single balance change.
func (m *Meter) DebitBatch(ctx context.Context, userID string, unitCost float64, count int, taskID, reason string) (Result, error) {
	return m.debit(ctx, userID, RoundCredits(unitCost*float64(count)), taskID, reason)
}

func (m *Meter) debit(ctx context.Context, userID string, amount float64, taskID, reason string) (Result, error) {
	if amount <= 0 {
		bal, err := m.store.GetBalance(ctx, userID)
		if err != nil {
			return Result{}, eris.Wrap(err, "ledger: debit zero")
		}
		return Result{OK: true, NewBalance: bal}, nil
	}

	applied, newBalance, err := m.store.AdjustBalance(ctx, userID, -amount, model.LedgerKindDebit, reason, taskID)
	if err != nil {
		return Result{}, eris.Wrap(err, "ledger: debit")
	}
	if !applied {
		zap.L().Info("ledger: debit declined, balance exhausted",
			zap.String("user_id", userID),
			zap.String("task_id", taskID),
			zap.Float64("amount", amount),
			zap.Float64("balance", newBalance),
		)
		return Result{OK: false, Amount: amount, NewBalance: newBalance}, nil
	}
	return Result{OK: true, Amount: amount, NewBalance: newBalance}, nil
}

// Refund credits amount back to the user. A zero or negative amount
// writes no entry.
func (m *Meter) Refund(ctx context.Context, userID string, amount float64, taskID, reason string) (float64, error) {
	amount = RoundCredits(amount)
	if amount <= 0 {
		bal, err := m.store.GetBalance(ctx, userID)
		return bal, eris.Wrap(err, "ledger: refund zero")
	}
	_, newBalance, err := m.store.AdjustBalance(ctx, userID, amount, model.LedgerKindRefund, reason, taskID)
	if err != nil {
		return 0, eris.Wrap(err, "ledger: refund")
	}
	return newBalance, nil
}

// AdminAdjust applies a signed admin adjustment. Unlike debits, a negative
// adjustment that would underflow is still declined by the store.
func (m *Meter) AdminAdjust(ctx context.Context, userID string, delta float64, reason string) (bool, float64, error) {
	applied, newBalance, err := m.store.AdjustBalance(ctx, userID, delta, model.LedgerKindAdminAdjust, reason, "")
	if err != nil {
		return false, 0, eris.Wrap(err, "ledger: admin adjust")
	}
	return applied, newBalance, nil
}
