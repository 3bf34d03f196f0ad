package vesting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/terminal-bench/vestd/pkg/amount"
)

const (
	cliffDuration   = 31_536_000 // one year
	vestingDuration = 94_608_000 // three years
)

func TestUnlockedAmount(t *testing.T) {
	total := amount.MustParse("946080000000000000000000000")
	cliffEnd := int64(cliffDuration)
	vestingEnd := cliffEnd + vestingDuration

	t.Run("should unlock nothing before the cliff", func(t *testing.T) {
		assert.True(t, UnlockedAmount(0, cliffEnd, vestingEnd, total).IsZero())
		assert.True(t, UnlockedAmount(cliffEnd-1, cliffEnd, vestingEnd, total).IsZero())
	})

	t.Run("should begin unlocking at the cliff", func(t *testing.T) {
		assert.True(t, UnlockedAmount(cliffEnd, cliffEnd, vestingEnd, total).IsZero())
		got := UnlockedAmount(cliffEnd+1, cliffEnd, vestingEnd, total)
		assert.Equal(t, "10000000000000000000", got.String())
	})

	t.Run("should unlock linearly after the cliff", func(t *testing.T) {
		oneDay := UnlockedAmount(cliffEnd+86_400, cliffEnd, vestingEnd, total)
		assert.Equal(t, "864000000000000000000000", oneDay.String())

		halfway := UnlockedAmount(cliffEnd+vestingDuration/2, cliffEnd, vestingEnd, total)
		assert.Equal(t, "473040000000000000000000000", halfway.String())
	})

	t.Run("should unlock everything at the vesting end", func(t *testing.T) {
		justBefore := UnlockedAmount(vestingEnd-1, cliffEnd, vestingEnd, total)
		assert.Equal(t, "946079990000000000000000000", justBefore.String())

		assert.True(t, UnlockedAmount(vestingEnd, cliffEnd, vestingEnd, total).Equal(total))
		assert.True(t, UnlockedAmount(vestingEnd+1_000_000, cliffEnd, vestingEnd, total).Equal(total))
	})

	t.Run("should floor amounts that do not divide evenly", func(t *testing.T) {
		// 10 tokens over 3 seconds: 3, 6, 10.
		small := amount.New(10)
		assert.True(t, UnlockedAmount(1, 0, 3, small).Equal(amount.New(3)))
		assert.True(t, UnlockedAmount(2, 0, 3, small).Equal(amount.New(6)))
		assert.True(t, UnlockedAmount(3, 0, 3, small).Equal(amount.New(10)))
	})
}
