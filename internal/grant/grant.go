// Package grant defines the per-issuance vesting records a beneficiary
// account owns and the termination rules that freeze them.
package grant

import (
	"math/big"

	"github.com/terminal-bench/vestd/internal/vesting"
	"github.com/terminal-bench/vestd/pkg/amount"
)

// Schedule carries the ledger-wide vesting parameters: how long a grant
// stays fully locked after issuance, and how long the linear unlock runs
// after the cliff. Both are seconds and are expected to be positive; the
// values are accepted as configured without validation.
type Schedule struct {
	CliffDuration   int64 `json:"cliff_duration"`
	VestingDuration int64 `json:"vesting_duration"`
}

// Grant is a single vesting issuance. Total is the cap, Claimed is the
// cumulative amount that has left the pool toward the beneficiary, and Order
// is the amount requested but not yet settled. TerminatedAt, once set, stops
// further accrual and is never re-set.
type Grant struct {
	Total        amount.Amount `json:"total_amount"`
	Claimed      amount.Amount `json:"claimed_amount"`
	Order        amount.Amount `json:"order_amount"`
	TerminatedAt *int64        `json:"terminated_at,omitempty"`
}

// Account owns the grants of one beneficiary, keyed by issuance timestamp.
// At most one grant exists per (beneficiary, issuance) pair.
type Account struct {
	Grants map[int64]*Grant `json:"grants"`
}

// NewAccount returns an empty account.
func NewAccount() *Account {
	return &Account{Grants: make(map[int64]*Grant)}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	c := NewAccount()
	for issuedAt, g := range a.Grants {
		gc := *g
		if g.TerminatedAt != nil {
			t := *g.TerminatedAt
			gc.TerminatedAt = &t
		}
		c.Grants[issuedAt] = &gc
	}
	return c
}

// CliffEnd returns the end of the locked period for a grant issued at
// issuedAt.
func (s Schedule) CliffEnd(issuedAt int64) int64 {
	return issuedAt + s.CliffDuration
}

// VestingEnd returns when the grant is fully unlocked under the configured
// schedule, ignoring termination.
func (s Schedule) VestingEnd(issuedAt int64) int64 {
	return s.CliffEnd(issuedAt) + s.VestingDuration
}

// VestedAmount returns how much of the grant has vested at now. For a
// terminated grant accrual stops at the termination timestamp: the effective
// vesting end becomes TerminatedAt, against the frozen total.
func (g *Grant) VestedAmount(now, issuedAt int64, s Schedule) amount.Amount {
	vestingEnd := s.VestingEnd(issuedAt)
	if g.TerminatedAt != nil {
		vestingEnd = *g.TerminatedAt
	}
	return vesting.UnlockedAmount(now, s.CliffEnd(issuedAt), vestingEnd, g.Total)
}

// Terminate freezes the grant at terminateAt and returns the unvested
// remainder recovered for the spare pool. It is a no-op returning zero when
// the grant is already terminated or terminateAt is past the vesting end
// (fully vested, nothing to recover).
//
// The solvency check compares claimed funds against the amount vested at
// now (the host clock), while the freeze point is the supplied terminateAt.
// When an executor backdates the termination the two disagree; this follows
// the observed behavior of the settlement flow rather than a designed
// invariant, so it is kept as-is instead of being "fixed".
func (g *Grant) Terminate(issuedAt int64, s Schedule, terminateAt, now int64) amount.Amount {
	if g.TerminatedAt != nil {
		return amount.Zero()
	}
	cliffEnd := s.CliffEnd(issuedAt)
	vestingEnd := s.VestingEnd(issuedAt)
	if terminateAt > vestingEnd {
		return amount.Zero()
	}

	vested := vesting.UnlockedAmount(now, cliffEnd, vestingEnd, g.Total)

	if vested.Cmp(g.Claimed) >= 0 {
		frozen := terminateAt
		g.TerminatedAt = &frozen

		headroom := vested.Sub(g.Claimed)
		if g.Order.GreaterThan(headroom) {
			g.Order = headroom
		}

		recovered := g.Total.Sub(vested)
		g.Total = vested
		return recovered
	}

	// Claimed already exceeds what the schedule has vested. Back-solve the
	// termination point at which the original schedule would have covered
	// the claimed funds, freeze the total there, and recover the rest.
	frozen := cliffEnd + claimedElapsed(g.Claimed, g.Total, s.VestingDuration)
	g.TerminatedAt = &frozen
	g.Order = amount.Zero()

	recovered := g.Total.Sub(g.Claimed)
	g.Total = g.Claimed
	return recovered
}

// claimedElapsed returns the number of seconds after the cliff at which
// claimed would have vested under a linear schedule of total over duration.
func claimedElapsed(claimed, total amount.Amount, duration int64) int64 {
	if total.IsZero() {
		return 0
	}
	e := new(big.Int).Mul(claimed.BigInt(), big.NewInt(duration))
	e.Quo(e, total.BigInt())
	return e.Int64()
}
