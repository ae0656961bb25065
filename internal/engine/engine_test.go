package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcome-exchange/internal/model"
)

// newTestEngine starts an engine with a controllable clock. Calls are
// synchronous, so advancing *clock between calls is race-free.
func newTestEngine(t *testing.T) (*Engine, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	e := New(Config{MinStake: 10, Clock: func() time.Time { return *clock }}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)
	return e, clock
}

func fund(t *testing.T, e *Engine, accounts map[model.Account]int64) {
	t.Helper()
	for acct, amount := range accounts {
		require.NoError(t, e.Mint(acct, amount))
	}
}

func requireConserved(t *testing.T, e *Engine) {
	t.Helper()
	s := e.Stats()
	require.True(t, s.Conserved(),
		"conservation broken: balances %d + pools %d + treasury %d != minted %d",
		s.Balances, s.Pools, s.Treasury, s.Minted)
}

func TestCreateMarketValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 2000})

	t.Run("rejects single option", func(t *testing.T) {
		_, err := e.CreateMarket("cr", "m", "", []string{"X"}, time.Hour, 100)
		assert.ErrorIs(t, err, ErrInvalidOptions)
	})

	t.Run("rejects non-positive duration", func(t *testing.T) {
		_, err := e.CreateMarket("cr", "m", "", []string{"X", "Y"}, 0, 100)
		assert.ErrorIs(t, err, ErrInvalidDuration)
	})

	t.Run("rejects unfunded base reward", func(t *testing.T) {
		_, err := e.CreateMarket("cr", "m", "", []string{"X", "Y"}, time.Hour, 5000)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, int64(2000), e.BalanceOf("cr"))
	})

	t.Run("assigns monotonic ids from one", func(t *testing.T) {
		m1, err := e.CreateMarket("cr", "first", "d", []string{"X", "Y"}, time.Hour, 100)
		require.NoError(t, err)
		m2, err := e.CreateMarket("cr", "second", "d", []string{"A", "B", "C"}, time.Hour, 200)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), m1.ID)
		assert.Equal(t, uint64(2), m2.ID)
		assert.Equal(t, model.MarketOpen, m1.Status)
		assert.Equal(t, int64(100), m1.TotalPool)
		assert.Equal(t, int64(1700), e.BalanceOf("cr"))
	})

	requireConserved(t, e)
}

func TestSettleAndClaim(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 1000, "u1": 2000, "u2": 2000})

	m, err := e.CreateMarket("cr", "race", "", []string{"X", "Y"}, time.Hour, 1000)
	require.NoError(t, err)
	require.NoError(t, e.Stake("u1", m.ID, 0, 100))
	require.NoError(t, e.Stake("u2", m.ID, 1, 50))

	view, err := e.GetMarket(m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1150), view.TotalPool)
	assert.Equal(t, int64(100), view.OptionStats[0].TotalStake)
	assert.Equal(t, int64(50), view.OptionStats[1].TotalStake)
	assert.Equal(t, 1, view.OptionStats[0].Holders)

	require.NoError(t, e.Settle("cr", m.ID, 0))

	t.Run("winner claims full pro-rata share", func(t *testing.T) {
		payout, err := e.ClaimReward("u1", m.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1150), payout)
		assert.Equal(t, int64(2000-100+1150), e.BalanceOf("u1"))
	})

	t.Run("second claim fails", func(t *testing.T) {
		_, err := e.ClaimReward("u1", m.ID, 0)
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
	})

	t.Run("losing option cannot claim", func(t *testing.T) {
		_, err := e.ClaimReward("u2", m.ID, 1)
		assert.ErrorIs(t, err, ErrNotWinner)
	})

	t.Run("no stake on winner cannot claim", func(t *testing.T) {
		_, err := e.ClaimReward("u2", m.ID, 0)
		assert.ErrorIs(t, err, ErrNoPosition)
	})

	view, err = e.GetMarket(m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.RemainingPool)
	requireConserved(t, e)
}

func TestResaleFill(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 100, "u1": 500, "u3": 500})

	m, err := e.CreateMarket("cr", "race", "", []string{"X", "Y"}, time.Hour, 100)
	require.NoError(t, err)
	require.NoError(t, e.Stake("u1", m.ID, 0, 100))

	o, err := e.CreateOrder("u1", m.ID, 0, 60, 30)
	require.NoError(t, err)
	assert.True(t, o.Active)
	assert.Equal(t, int64(40), e.AvailableForSale(m.ID, "u1", 0))

	require.NoError(t, e.FillOrder("u3", o.ID))

	assert.Equal(t, int64(500-30), e.BalanceOf("u3"))
	assert.Equal(t, int64(500-100+30), e.BalanceOf("u1"))

	pos1 := e.PositionsOf("u1")
	require.Len(t, pos1, 1)
	assert.Equal(t, int64(40), pos1[0].Staked)
	assert.Equal(t, int64(0), pos1[0].Locked)

	pos3 := e.PositionsOf("u3")
	require.Len(t, pos3, 1)
	assert.Equal(t, int64(60), pos3[0].Staked)

	t.Run("filled order cannot fill again", func(t *testing.T) {
		err := e.FillOrder("u3", o.ID)
		assert.ErrorIs(t, err, ErrOrderInactive)
	})

	// Pool and aggregates are untouched by resale
	view, err := e.GetMarket(m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), view.TotalPool)
	assert.Equal(t, int64(100), view.OptionStats[0].TotalStake)
	requireConserved(t, e)
}

func TestOrderLockSoundness(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 100, "u1": 500})

	m, err := e.CreateMarket("cr", "race", "", []string{"X", "Y"}, time.Hour, 100)
	require.NoError(t, err)
	require.NoError(t, e.Stake("u1", m.ID, 0, 100))

	_, err = e.CreateOrder("u1", m.ID, 0, 60, 30)
	require.NoError(t, err)

	t.Run("second order over available fails", func(t *testing.T) {
		_, err := e.CreateOrder("u1", m.ID, 0, 50, 20)
		assert.ErrorIs(t, err, ErrInsufficientPosition)
	})

	t.Run("order within available succeeds", func(t *testing.T) {
		o, err := e.CreateOrder("u1", m.ID, 0, 40, 20)
		require.NoError(t, err)
		assert.Equal(t, int64(0), e.AvailableForSale(m.ID, "u1", 0))
		require.NoError(t, e.CancelOrder("u1", o.ID))
		assert.Equal(t, int64(40), e.AvailableForSale(m.ID, "u1", 0))
	})

	requireConserved(t, e)
}

func TestSelfDealingPrevention(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 1000, "u1": 500})

	m, err := e.CreateMarket("cr", "race", "", []string{"X", "Y"}, time.Hour, 100)
	require.NoError(t, err)
	require.NoError(t, e.Stake("u1", m.ID, 0, 100))
	o, err := e.CreateOrder("u1", m.ID, 0, 50, 25)
	require.NoError(t, err)

	t.Run("creator cannot stake", func(t *testing.T) {
		err := e.Stake("cr", m.ID, 0, 50)
		assert.ErrorIs(t, err, ErrCreatorCannotStake)
	})

	t.Run("creator cannot fill", func(t *testing.T) {
		err := e.FillOrder("cr", o.ID)
		assert.ErrorIs(t, err, ErrCreatorCannotPurchase)
	})

	t.Run("seller cannot fill own order", func(t *testing.T) {
		err := e.FillOrder("u1", o.ID)
		assert.ErrorIs(t, err, ErrSelfTrade)
	})
}

func TestDeadline(t *testing.T) {
	e, clock := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 100, "u1": 500})

	m, err := e.CreateMarket("cr", "race", "", []string{"X", "Y"}, time.Hour, 100)
	require.NoError(t, err)
	require.NoError(t, e.Stake("u1", m.ID, 0, 100))
	o, err := e.CreateOrder("u1", m.ID, 0, 20, 10)
	require.NoError(t, err)

	*clock = clock.Add(time.Hour)

	t.Run("stake after deadline fails though stored status is open", func(t *testing.T) {
		err := e.Stake("u1", m.ID, 0, 50)
		assert.ErrorIs(t, err, ErrDeadlinePassed)

		view, err := e.GetMarket(m.ID)
		require.NoError(t, err)
		assert.Equal(t, model.MarketOpen, view.Status)
		assert.Equal(t, model.MarketPendingSettlement, view.EffectiveStatus)
	})

	t.Run("order creation after deadline fails", func(t *testing.T) {
		_, err := e.CreateOrder("u1", m.ID, 0, 10, 5)
		assert.ErrorIs(t, err, ErrDeadlinePassed)
	})

	t.Run("order fill after deadline fails", func(t *testing.T) {
		assert.ErrorIs(t, e.FillOrder("u2", o.ID), ErrDeadlinePassed)
	})

	t.Run("settlement still allowed", func(t *testing.T) {
		require.NoError(t, e.Settle("cr", m.ID, 0))
	})
}

func TestSettleGuards(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 100, "u1": 500})

	m, err := e.CreateMarket("cr", "race", "", []string{"X", "Y"}, time.Hour, 100)
	require.NoError(t, err)
	require.NoError(t, e.Stake("u1", m.ID, 0, 100))

	t.Run("only creator settles", func(t *testing.T) {
		assert.ErrorIs(t, e.Settle("u1", m.ID, 0), ErrUnauthorized)
	})

	t.Run("option must exist", func(t *testing.T) {
		assert.ErrorIs(t, e.Settle("cr", m.ID, 2), ErrInvalidOption)
		assert.ErrorIs(t, e.Settle("cr", m.ID, -1), ErrInvalidOption)
	})

	t.Run("unknown market", func(t *testing.T) {
		assert.ErrorIs(t, e.Settle("cr", 99, 0), ErrNotFound)
	})

	t.Run("early settlement by creator is allowed", func(t *testing.T) {
		require.NoError(t, e.Settle("cr", m.ID, 0))
	})

	t.Run("settlement happens exactly once", func(t *testing.T) {
		assert.ErrorIs(t, e.Settle("cr", m.ID, 0), ErrAlreadySettled)
		assert.ErrorIs(t, e.Settle("cr", m.ID, 1), ErrAlreadySettled)
	})

	t.Run("no stake commits after settlement", func(t *testing.T) {
		assert.ErrorIs(t, e.Stake("u1", m.ID, 0, 50), ErrAlreadySettled)
	})
}

func TestSettleReleasesOpenOrders(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 100, "u1": 500})

	m, err := e.CreateMarket("cr", "race", "", []string{"X", "Y"}, time.Hour, 100)
	require.NoError(t, err)
	require.NoError(t, e.Stake("u1", m.ID, 0, 100))
	o, err := e.CreateOrder("u1", m.ID, 0, 60, 30)
	require.NoError(t, err)

	require.NoError(t, e.Settle("cr", m.ID, 0))

	orders, err := e.OrdersForMarket(m.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.ErrorIs(t, e.FillOrder("u3", o.ID), ErrOrderInactive)

	// The reserved amount was released, never transferred: the whole
	// position is claimable.
	payout, err := e.ClaimReward("u1", m.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(200), payout)
	requireConserved(t, e)
}

func TestSettlementDustSweptToTreasury(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 100, "u1": 500, "u2": 500})

	m, err := e.CreateMarket("cr", "race", "", []string{"X", "Y"}, time.Hour, 100)
	require.NoError(t, err)
	require.NoError(t, e.Stake("u1", m.ID, 0, 30))
	require.NoError(t, e.Stake("u2", m.ID, 0, 40))

	// pool 170, aggregate 70: payouts floor to 72 and 97, dust 1
	require.NoError(t, e.Settle("cr", m.ID, 0))
	assert.Equal(t, int64(1), e.Treasury())

	p1, err := e.ClaimReward("u1", m.ID, 0)
	require.NoError(t, err)
	p2, err := e.ClaimReward("u2", m.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(72), p1)
	assert.Equal(t, int64(97), p2)

	view, err := e.GetMarket(m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.RemainingPool)

	t.Run("treasury withdrawable by admin", func(t *testing.T) {
		withdrawn, err := e.AdminWithdraw("admin", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), withdrawn)
		assert.Equal(t, int64(1), e.BalanceOf("admin"))
		assert.Equal(t, int64(0), e.Treasury())
	})

	requireConserved(t, e)
}

func TestZeroWinnerPoolGoesToTreasury(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 100, "u1": 500})

	m, err := e.CreateMarket("cr", "race", "", []string{"X", "Y"}, time.Hour, 100)
	require.NoError(t, err)
	require.NoError(t, e.Stake("u1", m.ID, 0, 100))

	// Nobody staked Y; the whole pool is undistributable.
	require.NoError(t, e.Settle("cr", m.ID, 1))
	assert.Equal(t, int64(200), e.Treasury())

	_, err = e.ClaimReward("u1", m.ID, 0)
	assert.ErrorIs(t, err, ErrNotWinner)
	_, err = e.ClaimReward("u1", m.ID, 1)
	assert.ErrorIs(t, err, ErrNoPosition)
	requireConserved(t, e)
}

func TestAdminWithdrawGuards(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.AdminWithdraw("admin", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.AdminWithdraw("admin", 10)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	withdrawn, err := e.AdminWithdraw("admin", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), withdrawn)
}

func TestCancelMarketRefunds(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 1000, "u1": 500, "u2": 500, "u3": 500})

	m, err := e.CreateMarket("cr", "race", "", []string{"X", "Y"}, time.Hour, 1000)
	require.NoError(t, err)
	require.NoError(t, e.Stake("u1", m.ID, 0, 100))
	require.NoError(t, e.Stake("u2", m.ID, 1, 50))
	o, err := e.CreateOrder("u1", m.ID, 0, 60, 30)
	require.NoError(t, err)
	// u3 bought 60 of u1's stake; refund goes to the current holder.
	require.NoError(t, e.FillOrder("u3", o.ID))

	t.Run("only creator cancels", func(t *testing.T) {
		assert.ErrorIs(t, e.CancelMarket("u1", m.ID), ErrUnauthorized)
	})

	require.NoError(t, e.CancelMarket("cr", m.ID))

	assert.Equal(t, int64(1000), e.BalanceOf("cr"))
	assert.Equal(t, int64(500-100+30+40), e.BalanceOf("u1"))
	assert.Equal(t, int64(500), e.BalanceOf("u2"))
	assert.Equal(t, int64(500-30+60), e.BalanceOf("u3"))

	view, err := e.GetMarket(m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MarketCancelled, view.Status)
	assert.Equal(t, int64(0), view.RemainingPool)

	t.Run("cancelled market rejects further activity", func(t *testing.T) {
		assert.ErrorIs(t, e.Stake("u1", m.ID, 0, 50), ErrMarketClosed)
		assert.ErrorIs(t, e.CancelMarket("cr", m.ID), ErrMarketClosed)
		assert.ErrorIs(t, e.Settle("cr", m.ID, 0), ErrMarketClosed)
		_, err := e.ClaimReward("u1", m.ID, 0)
		assert.ErrorIs(t, err, ErrNotSettled)
	})

	requireConserved(t, e)
}

func TestStakeValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 100, "u1": 500})

	m, err := e.CreateMarket("cr", "race", "", []string{"X", "Y"}, time.Hour, 100)
	require.NoError(t, err)

	assert.ErrorIs(t, e.Stake("u1", 99, 0, 50), ErrNotFound)
	assert.ErrorIs(t, e.Stake("u1", m.ID, 2, 50), ErrInvalidOption)
	assert.ErrorIs(t, e.Stake("u1", m.ID, 0, 9), ErrBelowMinimum)
	assert.ErrorIs(t, e.Stake("u1", m.ID, 0, 501), ErrInsufficientBalance)

	// Stakes merge into a single position
	require.NoError(t, e.Stake("u1", m.ID, 0, 50))
	require.NoError(t, e.Stake("u1", m.ID, 0, 25))
	pos := e.PositionsOf("u1")
	require.Len(t, pos, 1)
	assert.Equal(t, int64(75), pos[0].Staked)
}

func TestPositionsOfSpansMarkets(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 200, "u1": 1000})

	m1, err := e.CreateMarket("cr", "one", "", []string{"X", "Y"}, time.Hour, 100)
	require.NoError(t, err)
	m2, err := e.CreateMarket("cr", "two", "", []string{"A", "B"}, time.Hour, 100)
	require.NoError(t, err)

	require.NoError(t, e.Stake("u1", m1.ID, 1, 50))
	require.NoError(t, e.Stake("u1", m2.ID, 0, 80))
	_, err = e.CreateOrder("u1", m2.ID, 0, 30, 10)
	require.NoError(t, err)

	pos := e.PositionsOf("u1")
	require.Len(t, pos, 2)
	assert.Equal(t, m1.ID, pos[0].MarketID)
	assert.Equal(t, 1, pos[0].OptionIndex)
	assert.Equal(t, int64(50), pos[0].Staked)
	assert.Equal(t, m2.ID, pos[1].MarketID)
	assert.Equal(t, int64(30), pos[1].Locked)
	assert.Equal(t, int64(50), pos[1].Available())
}

func TestConservationThroughBusySequence(t *testing.T) {
	e, clock := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 2000, "u1": 1000, "u2": 1000, "u3": 1000})

	m, err := e.CreateMarket("cr", "busy", "", []string{"X", "Y", "Z"}, time.Hour, 500)
	require.NoError(t, err)
	requireConserved(t, e)

	require.NoError(t, e.Stake("u1", m.ID, 0, 300))
	require.NoError(t, e.Stake("u2", m.ID, 0, 100))
	require.NoError(t, e.Stake("u3", m.ID, 2, 250))
	requireConserved(t, e)

	o1, err := e.CreateOrder("u1", m.ID, 0, 200, 150)
	require.NoError(t, err)
	require.NoError(t, e.FillOrder("u2", o1.ID))
	require.NoError(t, e.Transfer("u3", "u1", 75))
	requireConserved(t, e)

	*clock = clock.Add(2 * time.Hour)
	require.NoError(t, e.Settle("cr", m.ID, 0))
	requireConserved(t, e)

	// aggregate on X is 400: u1 holds 100, u2 holds 300 after the resale
	p1, err := e.ClaimReward("u1", m.ID, 0)
	require.NoError(t, err)
	p2, err := e.ClaimReward("u2", m.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1150*100/400), p1)
	assert.Equal(t, int64(1150*300/400), p2)
	requireConserved(t, e)

	_, err = e.AdminWithdraw("admin", 0)
	require.NoError(t, err)
	requireConserved(t, e)
}

func TestSnapshotRestore(t *testing.T) {
	e, clock := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 1000, "u1": 1000, "u2": 1000})

	m1, err := e.CreateMarket("cr", "open", "", []string{"X", "Y"}, time.Hour, 200)
	require.NoError(t, err)
	require.NoError(t, e.Stake("u1", m1.ID, 0, 100))
	o, err := e.CreateOrder("u1", m1.ID, 0, 40, 20)
	require.NoError(t, err)

	m2, err := e.CreateMarket("cr", "done", "", []string{"A", "B"}, time.Hour, 100)
	require.NoError(t, err)
	require.NoError(t, e.Stake("u2", m2.ID, 1, 50))
	require.NoError(t, e.Settle("cr", m2.ID, 1))
	_, err = e.ClaimReward("u2", m2.ID, 1)
	require.NoError(t, err)

	snap := e.Snapshot()

	restored := New(Config{MinStake: 10, Clock: func() time.Time { return *clock }}, nil, nil)
	restored.Restore(snap)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	restored.Start(ctx)

	assert.Equal(t, e.BalanceOf("u1"), restored.BalanceOf("u1"))
	assert.Equal(t, e.BalanceOf("u2"), restored.BalanceOf("u2"))
	assert.Equal(t, e.Treasury(), restored.Treasury())

	view, err := restored.GetMarket(m1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), view.TotalPool)
	assert.Equal(t, model.MarketOpen, view.Status)

	t.Run("active order lock survives", func(t *testing.T) {
		assert.Equal(t, int64(60), restored.AvailableForSale(m1.ID, "u1", 0))
		_, err := restored.CreateOrder("u1", m1.ID, 0, 70, 10)
		assert.ErrorIs(t, err, ErrInsufficientPosition)
	})

	t.Run("claim record survives", func(t *testing.T) {
		_, err := restored.ClaimReward("u2", m2.ID, 1)
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
	})

	t.Run("id counters continue", func(t *testing.T) {
		m3, err := restored.CreateMarket("cr", "next", "", []string{"P", "Q"}, time.Hour, 0)
		require.NoError(t, err)
		assert.Equal(t, m2.ID+1, m3.ID)

		require.NoError(t, restored.FillOrder("u2", o.ID))
		o2, err := restored.CreateOrder("u2", m1.ID, 0, 10, 5)
		require.NoError(t, err)
		assert.Equal(t, o.ID+1, o2.ID)
	})

	requireConserved(t, restored)
}

func TestListMarketsOrdered(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, map[model.Account]int64{"cr": 100})

	for _, name := range []string{"a", "b", "c"} {
		_, err := e.CreateMarket("cr", name, "", []string{"X", "Y"}, time.Hour, 0)
		require.NoError(t, err)
	}
	markets := e.ListMarkets()
	require.Len(t, markets, 3)
	for i, m := range markets {
		assert.Equal(t, uint64(i+1), m.ID)
	}
}
