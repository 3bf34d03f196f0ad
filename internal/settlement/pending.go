package settlement

import (
	"github.com/terminal-bench/vestd/pkg/amount"
)

// PendingTransfer is one (issuance, amount) pair currently in flight on the
// external channel for a beneficiary.
type PendingTransfer struct {
	IssuedAt int64         `json:"issued_at"`
	Amount   amount.Amount `json:"amount"`
}

// pendingLedger tracks which order amounts have been converted into
// in-flight transfers. It is fully replaced at the start of an authorize
// round and fully cleared when that round's reconciliation completes.
// Entries guard claim/buy/decline against touching mid-flight grants and
// supply the amounts reconciliation rolls back on failure.
type pendingLedger struct {
	transfers map[string][]PendingTransfer
}

func newPendingLedger() *pendingLedger {
	return &pendingLedger{transfers: make(map[string][]PendingTransfer)}
}

func (p *pendingLedger) clear() {
	p.transfers = make(map[string][]PendingTransfer)
}

func (p *pendingLedger) append(beneficiary string, issuedAt int64, amt amount.Amount) {
	p.transfers[beneficiary] = append(p.transfers[beneficiary], PendingTransfer{
		IssuedAt: issuedAt,
		Amount:   amt,
	})
}

// issuances returns the set of issuance timestamps in flight for a
// beneficiary.
func (p *pendingLedger) issuances(beneficiary string) map[int64]struct{} {
	entries := p.transfers[beneficiary]
	if len(entries) == 0 {
		return nil
	}
	set := make(map[int64]struct{}, len(entries))
	for _, t := range entries {
		set[t.IssuedAt] = struct{}{}
	}
	return set
}

func (p *pendingLedger) lookup(beneficiary string, issuedAt int64) (amount.Amount, bool) {
	for _, t := range p.transfers[beneficiary] {
		if t.IssuedAt == issuedAt {
			return t.Amount, true
		}
	}
	return amount.Amount{}, false
}

func (p *pendingLedger) snapshot() map[string][]PendingTransfer {
	out := make(map[string][]PendingTransfer, len(p.transfers))
	for beneficiary, entries := range p.transfers {
		out[beneficiary] = append([]PendingTransfer(nil), entries...)
	}
	return out
}
