package engine

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"spotexchange/internal/bus"
	"spotexchange/internal/ledger"
	"spotexchange/internal/model"
	"spotexchange/internal/store"
)

// newTestManager boots one pair engine for SOL/USDC against a real Postgres
// instance named by TEST_DATABASE_URL — the scenario catalogue (spec §8)
// exercises persistence, locking, and the in-process match walk together,
// so there's no useful way to fake the store out from under it.
func newTestManager(t *testing.T) (*Manager, model.TradingPair) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping engine scenario test in short mode")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	st, err := store.Open(dsn)
	require.NoError(t, err)
	require.NoError(t, st.Migrate("../../migrations"))
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertAsset(ctx, model.Asset{Symbol: "SOL", Chain: "native", Decimals: 8, Active: true}))
	require.NoError(t, st.UpsertAsset(ctx, model.Asset{Symbol: "USDC", Chain: "native", Decimals: 8, Active: true}))

	pair := model.TradingPair{
		Base: "SOL", Quote: "USDC",
		MinOrderSize: decimal.NewFromFloat(0.1), MaxOrderSize: decimal.NewFromInt(10000),
		PriceStep: decimal.NewFromFloat(0.01), SizeStep: decimal.NewFromFloat(0.1),
		MakerFee: decimal.NewFromFloat(0.001), TakerFee: decimal.NewFromFloat(0.001),
		Active: true,
	}
	require.NoError(t, st.UpsertPair(ctx, pair))

	lg := ledger.New(st, zerolog.Nop())
	b := bus.New(zerolog.Nop())
	mgr := NewManager(st, lg, b, zerolog.Nop(), pair.MakerFee, pair.TakerFee)
	require.NoError(t, mgr.Boot(ctx, []model.TradingPair{pair}))
	return mgr, pair
}

func fundUser(t *testing.T, mgr *Manager, asset string, amount decimal.Decimal) string {
	t.Helper()
	userID := uuid.New().String()
	require.NoError(t, mgr.store.CreateUser(context.Background(), &model.User{ID: userID, Username: userID, PasswordHash: "x"}))
	_, err := mgr.ledger.Credit(context.Background(), userID, asset, amount, "test seed")
	require.NoError(t, err)
	return userID
}

func price(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return &d
}

// TestScenarioS1UncrossingLimitRests: Alice's buy locks USDC and rests as
// the best bid with an empty book (spec §8 S1).
func TestScenarioS1UncrossingLimitRests(t *testing.T) {
	mgr, pair := newTestManager(t)
	ctx := context.Background()
	alice := fundUser(t, mgr, "USDC", decimal.NewFromInt(1000))

	res, err := mgr.Submit(ctx, alice, model.SubmitOrderReq{
		Pair: pair.Symbol(), Type: model.TypeLimit, Side: model.SideBuy,
		Amount: decimal.NewFromFloat(1.0), Price: price("100.00"), TimeInForce: model.TIFGTC,
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, res.Status)

	snap, err := mgr.BookSnapshot(ctx, pair.Symbol(), 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.True(t, snap.Bids[0].Price.Equal(decimal.NewFromFloat(100.00)))
	require.Len(t, snap.Asks, 0)

	bal, err := mgr.ledger.Balance(ctx, alice, "USDC")
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(decimal.NewFromInt(900)))
	require.True(t, bal.Locked.Equal(decimal.NewFromInt(100)))
}

// TestScenarioS2PartialMakerFullTaker: Bob's smaller sell fully fills
// against Alice's resting buy, leaving her partially filled (spec §8 S2).
func TestScenarioS2PartialMakerFullTaker(t *testing.T) {
	mgr, pair := newTestManager(t)
	ctx := context.Background()
	alice := fundUser(t, mgr, "USDC", decimal.NewFromInt(1000))
	bob := fundUser(t, mgr, "SOL", decimal.NewFromFloat(10))

	_, err := mgr.Submit(ctx, alice, model.SubmitOrderReq{
		Pair: pair.Symbol(), Type: model.TypeLimit, Side: model.SideBuy,
		Amount: decimal.NewFromFloat(1.0), Price: price("100.00"), TimeInForce: model.TIFGTC,
	})
	require.NoError(t, err)

	res, err := mgr.Submit(ctx, bob, model.SubmitOrderReq{
		Pair: pair.Symbol(), Type: model.TypeLimit, Side: model.SideSell,
		Amount: decimal.NewFromFloat(0.3), Price: price("100.00"), TimeInForce: model.TIFGTC,
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusFilled, res.Status)
	require.Len(t, res.Fills, 1)
	require.True(t, res.Fills[0].Amount.Equal(decimal.NewFromFloat(0.3)))
	require.True(t, res.Fills[0].Price.Equal(decimal.NewFromFloat(100.00)))

	snap, err := mgr.BookSnapshot(ctx, pair.Symbol(), 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.True(t, snap.Bids[0].Qty.Equal(decimal.NewFromFloat(0.7)))
	require.Len(t, snap.Asks, 0)

	bobUSDC, err := mgr.ledger.Balance(ctx, bob, "USDC")
	require.NoError(t, err)
	require.True(t, bobUSDC.Available.Equal(decimal.NewFromFloat(29.97)), "bob receives 30 USDC minus 0.1%% taker fee")

	aliceSOL, err := mgr.ledger.Balance(ctx, alice, "SOL")
	require.NoError(t, err)
	require.True(t, aliceSOL.Available.Equal(decimal.NewFromFloat(0.2997)), "alice receives 0.3 SOL minus 0.1%% maker fee")
}

// TestScenarioS3MarketBuyWalksTwoLevels: a market buy with a quoteBudget
// that outlasts the first level walks into the second, then unlocks
// whatever budget it never spent once the order amount is fully filled
// (spec §8 S3).
func TestScenarioS3MarketBuyWalksTwoLevels(t *testing.T) {
	mgr, pair := newTestManager(t)
	ctx := context.Background()
	alice := fundUser(t, mgr, "USDC", decimal.NewFromInt(300))
	carol := fundUser(t, mgr, "SOL", decimal.NewFromFloat(10))
	dan := fundUser(t, mgr, "SOL", decimal.NewFromFloat(10))

	_, err := mgr.Submit(ctx, carol, model.SubmitOrderReq{
		Pair: pair.Symbol(), Type: model.TypeLimit, Side: model.SideSell,
		Amount: decimal.NewFromFloat(2.0), Price: price("101.00"), TimeInForce: model.TIFGTC,
	})
	require.NoError(t, err)
	_, err = mgr.Submit(ctx, dan, model.SubmitOrderReq{
		Pair: pair.Symbol(), Type: model.TypeLimit, Side: model.SideSell,
		Amount: decimal.NewFromFloat(1.0), Price: price("101.50"), TimeInForce: model.TIFGTC,
	})
	require.NoError(t, err)

	budget := decimal.NewFromFloat(260.00)
	res, err := mgr.Submit(ctx, alice, model.SubmitOrderReq{
		Pair: pair.Symbol(), Type: model.TypeMarket, Side: model.SideBuy,
		Amount: decimal.NewFromFloat(2.5), QuoteBudget: &budget,
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusFilled, res.Status)
	require.Len(t, res.Fills, 2)
	require.True(t, res.Filled.Equal(decimal.NewFromFloat(2.5)))
	require.True(t, res.AveragePrice.Equal(decimal.NewFromFloat(101.10)), "weighted avg of 2.0@101.00 and 0.5@101.50")

	snap, err := mgr.BookSnapshot(ctx, pair.Symbol(), 10)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	require.True(t, snap.Asks[0].Price.Equal(decimal.NewFromFloat(101.50)))
	require.True(t, snap.Asks[0].Qty.Equal(decimal.NewFromFloat(0.5)), "dan's level is left with its unfilled remainder")

	aliceUSDC, err := mgr.ledger.Balance(ctx, alice, "USDC")
	require.NoError(t, err)
	require.True(t, aliceUSDC.Locked.IsZero(), "the order filled, so nothing should still be held")
	require.True(t, aliceUSDC.Available.Equal(decimal.NewFromFloat(47.25)), "300 - 260 locked + 7.25 unspent budget released back")

	aliceSOL, err := mgr.ledger.Balance(ctx, alice, "SOL")
	require.NoError(t, err)
	require.True(t, aliceSOL.Available.Equal(decimal.NewFromFloat(2.4975)), "2.5 SOL bought minus 0.1%% taker fee")
}

// TestScenarioIOCCancelsRemainderAndUnlocksBudget: an IOC limit buy that
// only partially fills against available liquidity cancels its remainder
// immediately (never rests) and releases the pro-rata share of its lock,
// mirroring S4's unlock math for the IOC path instead of a plain cancel.
func TestScenarioIOCCancelsRemainderAndUnlocksBudget(t *testing.T) {
	mgr, pair := newTestManager(t)
	ctx := context.Background()
	henry := fundUser(t, mgr, "USDC", decimal.NewFromInt(1000))
	iris := fundUser(t, mgr, "SOL", decimal.NewFromFloat(5))

	_, err := mgr.Submit(ctx, iris, model.SubmitOrderReq{
		Pair: pair.Symbol(), Type: model.TypeLimit, Side: model.SideSell,
		Amount: decimal.NewFromFloat(1.0), Price: price("100.00"), TimeInForce: model.TIFGTC,
	})
	require.NoError(t, err)

	res, err := mgr.Submit(ctx, henry, model.SubmitOrderReq{
		Pair: pair.Symbol(), Type: model.TypeLimit, Side: model.SideBuy,
		Amount: decimal.NewFromFloat(2.0), Price: price("100.00"), TimeInForce: model.TIFIOC,
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusPartial, res.Status)
	require.True(t, res.Filled.Equal(decimal.NewFromFloat(1.0)))

	snap, err := mgr.BookSnapshot(ctx, pair.Symbol(), 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 0, "an IOC remainder never rests")
	require.Len(t, snap.Asks, 0, "iris's level was fully consumed")

	bal, err := mgr.ledger.Balance(ctx, henry, "USDC")
	require.NoError(t, err)
	require.True(t, bal.Locked.IsZero())
	require.True(t, bal.Available.Equal(decimal.NewFromInt(900)), "800 left after the 200 lock, plus the 100 pro-rata unlock on the cancelled remainder")
}

// TestScenarioS4CancelProRataUnlock: cancelling a partially filled order
// releases exactly the unfilled fraction of the original lock (spec §8 S4).
func TestScenarioS4CancelProRataUnlock(t *testing.T) {
	mgr, pair := newTestManager(t)
	ctx := context.Background()
	eve := fundUser(t, mgr, "USDC", decimal.NewFromInt(1000))
	filler := fundUser(t, mgr, "SOL", decimal.NewFromFloat(10))

	submitRes, err := mgr.Submit(ctx, eve, model.SubmitOrderReq{
		Pair: pair.Symbol(), Type: model.TypeLimit, Side: model.SideBuy,
		Amount: decimal.NewFromFloat(2.0), Price: price("100.00"), TimeInForce: model.TIFGTC,
	})
	require.NoError(t, err)

	_, err = mgr.Submit(ctx, filler, model.SubmitOrderReq{
		Pair: pair.Symbol(), Type: model.TypeLimit, Side: model.SideSell,
		Amount: decimal.NewFromFloat(0.4), Price: price("100.00"), TimeInForce: model.TIFGTC,
	})
	require.NoError(t, err)

	status, err := mgr.Cancel(ctx, eve, submitRes.OrderID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, status)

	bal, err := mgr.ledger.Balance(ctx, eve, "USDC")
	require.NoError(t, err)
	require.True(t, bal.Locked.IsZero())
	require.True(t, bal.Available.Equal(decimal.NewFromInt(960)), "800 left after the initial 200 lock, plus the 160 pro-rata unlock on cancel")
}

// TestScenarioS5FOKRejectsOnShortfall: an FOK sell that the book cannot
// fully absorb is rejected outright, with no book mutation and no funds
// moved (spec §8 S5).
func TestScenarioS5FOKRejectsOnShortfall(t *testing.T) {
	mgr, pair := newTestManager(t)
	ctx := context.Background()
	buyer := fundUser(t, mgr, "USDC", decimal.NewFromInt(1000))
	frank := fundUser(t, mgr, "SOL", decimal.NewFromFloat(10))

	_, err := mgr.Submit(ctx, buyer, model.SubmitOrderReq{
		Pair: pair.Symbol(), Type: model.TypeLimit, Side: model.SideBuy,
		Amount: decimal.NewFromFloat(4.0), Price: price("99.00"), TimeInForce: model.TIFGTC,
	})
	require.NoError(t, err)

	_, err = mgr.Submit(ctx, frank, model.SubmitOrderReq{
		Pair: pair.Symbol(), Type: model.TypeLimit, Side: model.SideSell,
		Amount: decimal.NewFromFloat(5.0), Price: price("99.00"), TimeInForce: model.TIFFOK,
	})
	require.Error(t, err)
	te, ok := err.(*TradingError)
	require.True(t, ok)
	require.Equal(t, KindNoLiquidity, te.Kind)

	snap, err := mgr.BookSnapshot(ctx, pair.Symbol(), 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.True(t, snap.Bids[0].Qty.Equal(decimal.NewFromFloat(4.0)), "book must be untouched by a rejected FOK")

	bal, err := mgr.ledger.Balance(ctx, frank, "SOL")
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(decimal.NewFromFloat(10)), "no funds were ever locked for the rejected FOK")
}

// TestScenarioS6IdempotentCancel: cancelling a terminal order twice returns
// the same status both times without a second ledger mutation (spec §8 S6).
func TestScenarioS6IdempotentCancel(t *testing.T) {
	mgr, pair := newTestManager(t)
	ctx := context.Background()
	gina := fundUser(t, mgr, "SOL", decimal.NewFromFloat(5))

	res, err := mgr.Submit(ctx, gina, model.SubmitOrderReq{
		Pair: pair.Symbol(), Type: model.TypeLimit, Side: model.SideSell,
		Amount: decimal.NewFromFloat(1.0), Price: price("105.00"), TimeInForce: model.TIFGTC,
	})
	require.NoError(t, err)

	status1, err := mgr.Cancel(ctx, gina, res.OrderID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, status1)

	status2, err := mgr.Cancel(ctx, gina, res.OrderID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, status2)

	bal, err := mgr.ledger.Balance(ctx, gina, "SOL")
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(decimal.NewFromFloat(5)), "second cancel must not move funds again")
}
