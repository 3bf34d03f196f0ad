package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Event subjects published by the settlement engine and its collaborators.
const (
	EventTypeOrderUpdate    = "vesting.order_update"
	EventTypeGrantIssued    = "vesting.grant_issued"
	EventTypeBuyback        = "vesting.buyback"
	EventTypeTerminated     = "vesting.terminated"
	EventTypeSpareTopUp     = "vesting.spare_topup"
	EventTypeReconciled     = "vesting.reconciled"

	// SubjectTransferBatch carries outgoing transfer batches to the
	// external asset channel; results come back on the batch reply subject.
	SubjectTransferBatch       = "vesting.transfer_batch"
	SubjectTransferResultsBase = "vesting.transfer_result"

	// SubjectDeposit carries inbound asset deposits (top-ups and funded
	// grant issues).
	SubjectDeposit = "vesting.deposit"
)

// OrderUpdateData is one grant's order balance after a claim round.
type OrderUpdateData struct {
	IssuedAt int64  `json:"issued_at"`
	Amount   string `json:"amount"`
}

// OrderUpdateEvent is emitted per beneficiary by claim.
type OrderUpdateEvent struct {
	Beneficiary string            `json:"beneficiary"`
	Orders      []OrderUpdateData `json:"orders"`
}

// GrantIssuedEvent is emitted when grants are created against the spare pool.
type GrantIssuedEvent struct {
	IssuedAt int64             `json:"issued_at"`
	Grants   map[string]string `json:"grants"` // beneficiary -> amount
	Total    string            `json:"total"`
}

// BuybackEvent is emitted when orders are settled internally.
type BuybackEvent struct {
	Beneficiary  string `json:"beneficiary"`
	IssuedAt     int64  `json:"issued_at"`
	BoughtAmount string `json:"bought_amount"`
}

// TerminatedRecovery is the remainder recovered from one grant.
type TerminatedRecovery struct {
	IssuedAt  int64  `json:"issued_at"`
	Recovered string `json:"recovered"`
}

// TerminatedEvent is emitted when an account's grants are terminated.
type TerminatedEvent struct {
	Beneficiary string               `json:"beneficiary"`
	Timestamp   int64                `json:"timestamp"`
	Recovered   []TerminatedRecovery `json:"recovered"`
}

// SpareTopUpEvent is emitted when deposits credit the spare pool.
type SpareTopUpEvent struct {
	Amount string `json:"amount"`
}

// ReconciledEvent is emitted after a transfer batch has been reconciled.
type ReconciledEvent struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Transfers int       `json:"transfers"`
	Failed    int       `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

// TransferRequestMessage is one payout inside a batch.
type TransferRequestMessage struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

// TransferKeyMessage identifies the grant a batch entry settles. Keys are
// carried explicitly, in the same order as the requests, so results never
// depend on map iteration order.
type TransferKeyMessage struct {
	Beneficiary string `json:"beneficiary"`
	IssuedAt    int64  `json:"issued_at"`
}

// TransferBatchMessage is an outgoing batch on SubjectTransferBatch.
type TransferBatchMessage struct {
	BatchID  uuid.UUID                `json:"batch_id"`
	Asset    string                   `json:"asset"`
	Requests []TransferRequestMessage `json:"requests"`
	Keys     []TransferKeyMessage     `json:"keys"`
}

// TransferResultMessage reports per-request outcomes, index-aligned with the
// submitted batch.
type TransferResultMessage struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Succeeded []bool    `json:"succeeded"`
}

// DepositKind selects what an inbound deposit funds.
type DepositKind string

const (
	DepositTopUp DepositKind = "top_up"
	DepositIssue DepositKind = "issue"
)

// DepositGrant is one grant requested by a funded issue deposit.
type DepositGrant struct {
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
}

// DepositMessage is an inbound asset deposit on SubjectDeposit. A top_up
// credits the spare pool; an issue must carry grants summing exactly to the
// deposited amount.
type DepositMessage struct {
	Kind     DepositKind    `json:"kind"`
	Amount   string         `json:"amount"`
	IssuedAt int64          `json:"issued_at,omitempty"`
	Grants   []DepositGrant `json:"grants,omitempty"`
}
