package model

import "time"

// LedgerKind classifies a balance mutation.
type LedgerKind string

const (
	LedgerKindDebit       LedgerKind = "debit"
	LedgerKindRefund      LedgerKind = "refund"
	LedgerKindAdminAdjust LedgerKind = "admin_adjust"
)

// LedgerEntry is one immutable balance mutation record. Amount is signed:
// negative for debits, positive for refunds and grants.
type LedgerEntry struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Amount       float64    `json:"amount"`
	BalanceAfter float64    `json:"balance_after"`
	Kind         LedgerKind `json:"kind"`
	Reason       string     `json:"reason,omitempty"`
	TaskID       string     `json:"task_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// User is a billable account with a credit balance.
type User struct {
	ID        string    `json:"id"`
	Balance   float64   `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}
