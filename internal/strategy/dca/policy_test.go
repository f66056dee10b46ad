package dca

import (
	"testing"
	"time"

	"dcagate/internal/config"
	"dcagate/internal/gateway/freqtrade"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{MaxSafetyOrders: 3, InitialStakeFraction: 0.25, ProfitTriggers: []float64{-0.02, -0.04}}
}

func openTrade(entries int, profit float64) freqtrade.Trade {
	return freqtrade.Trade{
		ID:                    11,
		Pair:                  "ETH/USDT:USDT",
		OpenTimestamp:         time.Date(2024, 3, 1, 0, 30, 0, 0, time.UTC).UnixMilli(),
		StakeAmount:           100,
		IsOpen:                true,
		CurrentRate:           3120.5,
		ProfitRatio:           profit,
		NrOfSuccessfulEntries: entries,
		Orders: []freqtrade.Order{
			{IsEntry: true, Status: "closed", Filled: 0.032, Cost: 100},
		},
	}
}

func TestStake(t *testing.T) {
	p := testPolicy()
	// 100 / 0.25 × 0.75 / 3 = 100
	assert.True(t, p.Stake(decimal.NewFromInt(100)).Equal(decimal.NewFromInt(100)))
	assert.True(t, Policy{MaxSafetyOrders: 2, InitialStakeFraction: 0.5}.Stake(decimal.NewFromInt(40)).Equal(decimal.NewFromInt(20)))
	assert.True(t, Policy{MaxSafetyOrders: 2, InitialStakeFraction: 1}.Stake(decimal.NewFromInt(40)).IsZero())
	assert.True(t, p.Stake(decimal.Zero).IsZero())
}

func TestCandidate(t *testing.T) {
	p := testPolicy()

	t.Run("below first trigger", func(t *testing.T) {
		c := p.Candidate(openTrade(1, -0.025))
		require.NotNil(t, c)
		assert.Equal(t, 2, c.Sequence)
		assert.Equal(t, "long", c.Side)
		assert.Equal(t, 11, c.TradeID)
		assert.True(t, c.Stake.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, "3120.5", c.Rate.String())
		assert.Equal(t, "ETH/USDT:USDT_20240301T003000Z_2", c.ID())
	})

	t.Run("not deep enough", func(t *testing.T) {
		assert.Nil(t, p.Candidate(openTrade(1, -0.01)))
		assert.Nil(t, p.Candidate(openTrade(2, -0.03)))
	})

	t.Run("last trigger reused", func(t *testing.T) {
		c := p.Candidate(openTrade(3, -0.05))
		require.NotNil(t, c)
		assert.Equal(t, 4, c.Sequence)
	})

	t.Run("max reached", func(t *testing.T) {
		assert.Nil(t, p.Candidate(openTrade(4, -0.5)))
	})

	t.Run("short side", func(t *testing.T) {
		tr := openTrade(1, -0.03)
		tr.IsShort = true
		c := p.Candidate(tr)
		require.NotNil(t, c)
		assert.Equal(t, "short", c.Side)
	})

	t.Run("falls back to average stake", func(t *testing.T) {
		tr := openTrade(2, -0.05)
		tr.Orders = nil
		tr.StakeAmount = 200
		c := p.Candidate(tr)
		require.NotNil(t, c)
		assert.True(t, c.Stake.Equal(decimal.NewFromInt(100)))
	})

	t.Run("open entry order blocks the next sequence", func(t *testing.T) {
		tr := openTrade(1, -0.03)
		tr.Orders = append(tr.Orders, freqtrade.Order{IsEntry: true, Status: "open", Cost: 0})
		assert.Nil(t, p.Candidate(tr))

		tr = openTrade(1, -0.03)
		tr.HasOpenOrders = true
		assert.Nil(t, p.Candidate(tr))
	})

	t.Run("entries counted from orders", func(t *testing.T) {
		tr := openTrade(0, -0.03)
		c := p.Candidate(tr)
		require.NotNil(t, c)
		assert.Equal(t, 2, c.Sequence)
	})
}

func TestPositions(t *testing.T) {
	p := FromConfig(config.DCAConfig{MaxSafetyOrders: 3, InitialStakeFraction: 0.25, ProfitTriggers: []float64{-0.02}})
	closed := openTrade(1, -0.1)
	closed.IsOpen = false
	calm := openTrade(1, 0.01)
	calm.Pair = "BTC/USDT:USDT"

	positions := p.Positions([]freqtrade.Trade{openTrade(1, -0.03), closed, calm})
	require.Len(t, positions, 2)
	assert.NotNil(t, positions[0].Candidate)
	assert.Nil(t, positions[1].Candidate)
	assert.Equal(t, "BTC/USDT:USDT", positions[1].Pair)
}
