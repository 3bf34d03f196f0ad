// Package vesting holds the pure unlock-schedule math. Grants unlock
// linearly per second between the cliff end and the vesting end.
package vesting

import (
	"github.com/terminal-bench/vestd/pkg/amount"
)

// UnlockedAmount returns how much of total has unlocked at now, given the
// schedule boundaries in unix seconds. Before the cliff nothing is unlocked,
// after the vesting end everything is, and in between the amount grows
// linearly, rounded down. Requires vestingEnd > cliffEnd whenever now falls
// strictly between them.
func UnlockedAmount(now, cliffEnd, vestingEnd int64, total amount.Amount) amount.Amount {
	if now < cliffEnd {
		return amount.Zero()
	}
	if now >= vestingEnd {
		return total
	}
	return amount.MulDiv(total, now-cliffEnd, vestingEnd-cliffEnd)
}
