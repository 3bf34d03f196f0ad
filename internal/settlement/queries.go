package settlement

import (
	"context"
	"sort"

	"github.com/terminal-bench/vestd/internal/grant"
	"github.com/terminal-bench/vestd/pkg/amount"
)

// Order is one outstanding order.
type Order struct {
	Beneficiary string        `json:"beneficiary"`
	IssuedAt    int64         `json:"issued_at"`
	Amount      amount.Amount `json:"amount"`
}

// GrantView is a grant with its derived schedule fields at query time.
type GrantView struct {
	IssuedAt     int64         `json:"issued_at"`
	Total        amount.Amount `json:"total_amount"`
	Claimed      amount.Amount `json:"claimed_amount"`
	Order        amount.Amount `json:"order_amount"`
	TerminatedAt *int64        `json:"terminated_at,omitempty"`
	CliffEnd     int64         `json:"cliff_end"`
	VestingEnd   int64         `json:"vesting_end"`
	Vested       amount.Amount `json:"vested_amount"`
	Claimable    amount.Amount `json:"claimable_amount"`
}

// AccountView is a beneficiary's grants, ordered by issuance.
type AccountView struct {
	Beneficiary string      `json:"beneficiary"`
	Grants      []GrantView `json:"grants"`
}

// Orders returns every outstanding order, ordered by beneficiary and
// issuance.
func (e *Engine) Orders() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	beneficiaries := make([]string, 0, len(e.accounts))
	for beneficiary := range e.accounts {
		beneficiaries = append(beneficiaries, beneficiary)
	}
	sort.Strings(beneficiaries)

	var orders []Order
	for _, beneficiary := range beneficiaries {
		acct := e.accounts[beneficiary]
		for _, issuedAt := range sortedIssuances(acct) {
			g := acct.Grants[issuedAt]
			if g.Order.IsZero() {
				continue
			}
			orders = append(orders, Order{
				Beneficiary: beneficiary,
				IssuedAt:    issuedAt,
				Amount:      g.Order,
			})
		}
	}
	return orders
}

// AccountOf returns a beneficiary's grants with derived vesting fields, or
// false when no account exists.
func (e *Engine) AccountOf(beneficiary string) (AccountView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct, ok := e.accounts[beneficiary]
	if !ok {
		return AccountView{}, false
	}

	now := e.now()
	view := AccountView{Beneficiary: beneficiary}
	for _, issuedAt := range sortedIssuances(acct) {
		g := acct.Grants[issuedAt]

		vestingEnd := e.schedule.VestingEnd(issuedAt)
		if g.TerminatedAt != nil {
			vestingEnd = *g.TerminatedAt
		}
		vested := g.VestedAmount(now, issuedAt, e.schedule)

		claimable := amount.Zero()
		outstanding := g.Claimed.Add(g.Order)
		if vested.GreaterThan(outstanding) {
			claimable = vested.Sub(outstanding)
		}

		gv := GrantView{
			IssuedAt:   issuedAt,
			Total:      g.Total,
			Claimed:    g.Claimed,
			Order:      g.Order,
			CliffEnd:   e.schedule.CliffEnd(issuedAt),
			VestingEnd: vestingEnd,
			Vested:     vested,
			Claimable:  claimable,
		}
		if g.TerminatedAt != nil {
			t := *g.TerminatedAt
			gv.TerminatedAt = &t
		}
		view.Grants = append(view.Grants, gv)
	}
	return view, true
}

// SpareBalance returns the unassigned pool balance.
func (e *Engine) SpareBalance() amount.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spare
}

// PendingTransfers returns a copy of the in-flight transfer ledger.
func (e *Engine) PendingTransfers() map[string][]PendingTransfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending.snapshot()
}

// Schedule returns the ledger-wide vesting configuration.
func (e *Engine) Schedule() grant.Schedule {
	return e.schedule
}

// Asset returns the external asset reference transfers settle against.
func (e *Engine) Asset() string {
	return e.asset
}

// Paused reports the gate state.
func (e *Engine) Paused(ctx context.Context) (bool, error) {
	return e.gate.Paused(ctx)
}
