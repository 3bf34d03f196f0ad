// Package transfer abstracts the external fund-transfer channel. The engine
// submits a batch of payouts and is told later, per request and in
// submission order, which succeeded.
package transfer

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/terminal-bench/vestd/pkg/amount"
)

// ErrBudgetExceeded is returned when a batch would cost more resource units
// than the channel has reserved.
var ErrBudgetExceeded = errors.New("transfer budget exceeded")

// Key identifies the grant a batch entry settles.
type Key struct {
	Beneficiary string `json:"beneficiary"`
	IssuedAt    int64  `json:"issued_at"`
}

// Request is one payout in a batch.
type Request struct {
	Recipient string
	Amount    amount.Amount
}

// Batch is a set of payouts submitted atomically. Keys are index-aligned
// with Requests; the completion callback receives them back in the same
// order so results can be matched without relying on any map ordering.
type Batch struct {
	ID       uuid.UUID
	Asset    string
	Requests []Request
	Keys     []Key
}

// CompletionHandler receives the outcome of a settled batch. succeeded is
// index-aligned with keys.
type CompletionHandler func(ctx context.Context, batchID uuid.UUID, keys []Key, succeeded []bool) error

// Channel is the external transfer collaborator.
type Channel interface {
	// CanAfford reports whether the reserved resource budget covers a
	// batch of n transfers plus the completion callback.
	CanAfford(n int) bool
	// Submit sends the whole batch to the external channel. It returns
	// before settlement; the completion handler fires once every request
	// has an outcome.
	Submit(ctx context.Context, batch Batch) error
}

// Budget models the static resource reservation checked before submission.
type Budget struct {
	Units        int
	PerTransfer  int
	CallbackCost int
}

// Covers reports whether the budget pays for n transfers and the callback.
func (b Budget) Covers(n int) bool {
	return n*b.PerTransfer+b.CallbackCost <= b.Units
}
