package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"spotexchange/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func restingOrder(id string, side model.OrderSide, price, qty string, seq int64) *RestingOrder {
	return &RestingOrder{
		OrderID: id, UserID: "user-" + id, Side: side,
		Price: dec(price), Remaining: dec(qty), Seq: seq, RestedAt: time.Now(),
	}
}

func TestInsertAndBestBidAsk(t *testing.T) {
	b := New("SOL/USDC")
	b.Insert(restingOrder("b1", model.SideBuy, "100.00", "1.0", 1))
	b.Insert(restingOrder("b2", model.SideBuy, "101.00", "1.0", 2))
	b.Insert(restingOrder("a1", model.SideSell, "102.00", "1.0", 3))

	bid, ok := b.BestBidPrice()
	require.True(t, ok)
	require.True(t, bid.Equal(dec("101.00")))

	ask, ok := b.BestAskPrice()
	require.True(t, ok)
	require.True(t, ask.Equal(dec("102.00")))
}

func TestPriceTimePriorityWithinLevel(t *testing.T) {
	b := New("SOL/USDC")
	b.Insert(restingOrder("first", model.SideBuy, "100.00", "1.0", 1))
	b.Insert(restingOrder("second", model.SideBuy, "100.00", "1.0", 2))

	best := b.PeekBest(model.SideBuy)
	require.Equal(t, "first", best.OrderID)
}

func TestCancelRemovesFromLevelAndIndex(t *testing.T) {
	b := New("SOL/USDC")
	b.Insert(restingOrder("o1", model.SideBuy, "100.00", "1.0", 1))
	removed := b.Cancel("o1")
	require.NotNil(t, removed)
	require.Nil(t, b.Get("o1"))
	_, ok := b.BestBidPrice()
	require.False(t, ok)
}

func TestCancelLastOrderAtLevelDropsPriceFromIndex(t *testing.T) {
	b := New("SOL/USDC")
	b.Insert(restingOrder("o1", model.SideBuy, "100.00", "1.0", 1))
	b.Insert(restingOrder("o2", model.SideBuy, "101.00", "1.0", 2))
	b.Cancel("o2")

	bid, ok := b.BestBidPrice()
	require.True(t, ok)
	require.True(t, bid.Equal(dec("100.00")))
}

func TestCancelUnknownOrderIsNoop(t *testing.T) {
	b := New("SOL/USDC")
	require.Nil(t, b.Cancel("nope"))
}

func TestDuplicateInsertIgnored(t *testing.T) {
	b := New("SOL/USDC")
	b.Insert(restingOrder("o1", model.SideBuy, "100.00", "1.0", 1))
	b.Insert(restingOrder("o1", model.SideBuy, "105.00", "2.0", 2)) // same id, different price

	require.Equal(t, 1, b.Size())
	bid, _ := b.BestBidPrice()
	require.True(t, bid.Equal(dec("100.00")), "duplicate insert must not overwrite the resting order")
}

func TestAmendRemainingUpdatesLevelAggregate(t *testing.T) {
	b := New("SOL/USDC")
	b.Insert(restingOrder("o1", model.SideBuy, "100.00", "1.0", 1))
	b.AmendRemaining("o1", dec("0.4"))

	bids, _ := b.Snapshot(10)
	require.Len(t, bids, 1)
	require.True(t, bids[0].Qty.Equal(dec("0.4")))
}

func TestSnapshotRespectsDepthAndOrdering(t *testing.T) {
	b := New("SOL/USDC")
	b.Insert(restingOrder("b1", model.SideBuy, "100.00", "1.0", 1))
	b.Insert(restingOrder("b2", model.SideBuy, "99.00", "1.0", 2))
	b.Insert(restingOrder("b3", model.SideBuy, "101.00", "1.0", 3))
	b.Insert(restingOrder("a1", model.SideSell, "103.00", "1.0", 4))
	b.Insert(restingOrder("a2", model.SideSell, "102.00", "1.0", 5))

	bids, asks := b.Snapshot(2)
	require.Len(t, bids, 2)
	require.True(t, bids[0].Price.Equal(dec("101.00")))
	require.True(t, bids[1].Price.Equal(dec("100.00")))

	require.Len(t, asks, 2)
	require.True(t, asks[0].Price.Equal(dec("102.00")))
	require.True(t, asks[1].Price.Equal(dec("103.00")))
}

func TestSnapshotOnEmptyBookReturnsEmptySlicesNotNil(t *testing.T) {
	b := New("SOL/USDC")
	bids, asks := b.Snapshot(20)
	require.NotNil(t, bids)
	require.NotNil(t, asks)
	require.Len(t, bids, 0)
	require.Len(t, asks, 0)
}

func TestDryRunAvailableAggregatesAcrossLevels(t *testing.T) {
	b := New("SOL/USDC")
	b.Insert(restingOrder("a1", model.SideSell, "101.00", "2.0", 1))
	b.Insert(restingOrder("a2", model.SideSell, "101.50", "1.0", 2))

	limit := dec("102.00")
	require.True(t, b.DryRunAvailable(model.SideBuy, &limit, dec("3.0")))
	require.False(t, b.DryRunAvailable(model.SideBuy, &limit, dec("3.1")))
}

func TestDryRunAvailableRespectsLimitPrice(t *testing.T) {
	b := New("SOL/USDC")
	b.Insert(restingOrder("a1", model.SideSell, "101.00", "2.0", 1))
	b.Insert(restingOrder("a2", model.SideSell, "103.00", "5.0", 2))

	limit := dec("101.50") // a2 is priced above this, so it must not count
	require.False(t, b.DryRunAvailable(model.SideBuy, &limit, dec("3.0")))
	require.True(t, b.DryRunAvailable(model.SideBuy, &limit, dec("2.0")))
}

func TestClearEmptiesBothSides(t *testing.T) {
	b := New("SOL/USDC")
	b.Insert(restingOrder("b1", model.SideBuy, "100.00", "1.0", 1))
	b.Insert(restingOrder("a1", model.SideSell, "101.00", "1.0", 2))
	b.Clear()

	require.Equal(t, 0, b.Size())
	_, ok := b.BestBidPrice()
	require.False(t, ok)
	_, ok = b.BestAskPrice()
	require.False(t, ok)
}
