package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"spotexchange/internal/model"
	"spotexchange/internal/store"
)

// openTestStore connects to a real Postgres instance named by
// TEST_DATABASE_URL and migrates it. Skipped when that's unset or -short is
// passed, since the ledger's atomicity guarantees only mean something
// against a real transactional store (spec §4.1, §5).
func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping ledger integration test in short mode")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	st, err := store.Open(dsn)
	require.NoError(t, err)
	require.NoError(t, st.Migrate("../../migrations"))
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestLedger(t *testing.T) *Ledger {
	return New(openTestStore(t), zerolog.Nop())
}

func newUser(t *testing.T, st *store.Store) string {
	t.Helper()
	id := uuid.New().String()
	require.NoError(t, st.CreateUser(context.Background(), &model.User{ID: id, Username: id, PasswordHash: "x"}))
	return id
}

func seedAssets(t *testing.T, st *store.Store, symbols ...string) {
	t.Helper()
	for _, sym := range symbols {
		require.NoError(t, st.UpsertAsset(context.Background(), model.Asset{Symbol: sym, Chain: "native", Decimals: 8, Active: true}))
	}
}

func TestCreditIncreasesAvailable(t *testing.T) {
	lg := newTestLedger(t)
	seedAssets(t, lg.store, "USDC")
	user := newUser(t, lg.store)

	bal, err := lg.Credit(context.Background(), user, "USDC", decimal.NewFromInt(100), "test deposit")
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(decimal.NewFromInt(100)))
	require.True(t, bal.Locked.IsZero())
}

func TestDebitBelowAvailableFails(t *testing.T) {
	lg := newTestLedger(t)
	seedAssets(t, lg.store, "USDC")
	user := newUser(t, lg.store)

	_, err := lg.Debit(context.Background(), user, "USDC", decimal.NewFromInt(10), "overdraft attempt")
	require.Error(t, err)
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, ErrInsufficientAvailable, le.Kind)
}

func TestLockThenUnlockRoundTripsBalance(t *testing.T) {
	lg := newTestLedger(t)
	seedAssets(t, lg.store, "USDC")
	user := newUser(t, lg.store)
	ctx := context.Background()

	_, err := lg.Credit(ctx, user, "USDC", decimal.NewFromInt(100), "seed")
	require.NoError(t, err)

	bal, err := lg.Lock(ctx, user, "USDC", decimal.NewFromInt(40), "order-1")
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(decimal.NewFromInt(60)))
	require.True(t, bal.Locked.Equal(decimal.NewFromInt(40)))

	bal, err = lg.Unlock(ctx, user, "USDC", decimal.NewFromInt(40), "order-1")
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(decimal.NewFromInt(100)))
	require.True(t, bal.Locked.IsZero())
}

func TestUnlockBeyondLockedFails(t *testing.T) {
	lg := newTestLedger(t)
	seedAssets(t, lg.store, "USDC")
	user := newUser(t, lg.store)
	ctx := context.Background()

	_, err := lg.Credit(ctx, user, "USDC", decimal.NewFromInt(100), "seed")
	require.NoError(t, err)
	_, err = lg.Lock(ctx, user, "USDC", decimal.NewFromInt(10), "order-1")
	require.NoError(t, err)

	_, err = lg.Unlock(ctx, user, "USDC", decimal.NewFromInt(20), "order-1")
	require.Error(t, err)
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, ErrInsufficientLocked, le.Kind)
}

// TestSettleTradeConservesBalance exercises S2 from the scenario catalogue:
// Bob (taker, sell) crosses Alice's resting buy, each paying the fee on what
// they receive, with the synthetic fee principal absorbing both fees exactly
// (spec §8 invariant 1: system-wide balance is conserved per asset).
func TestSettleTradeConservesBalance(t *testing.T) {
	lg := newTestLedger(t)
	seedAssets(t, lg.store, "USDC", "SOL")
	ctx := context.Background()
	alice := newUser(t, lg.store)
	bob := newUser(t, lg.store)

	_, err := lg.Credit(ctx, alice, "USDC", decimal.NewFromInt(1000), "seed")
	require.NoError(t, err)
	_, err = lg.Credit(ctx, bob, "SOL", decimal.NewFromFloat(10), "seed")
	require.NoError(t, err)

	_, err = lg.Lock(ctx, alice, "USDC", decimal.NewFromFloat(100), "alice-order")
	require.NoError(t, err)
	_, err = lg.Lock(ctx, bob, "SOL", decimal.NewFromFloat(0.3), "bob-order")
	require.NoError(t, err)

	feeRate := decimal.NewFromFloat(0.001)
	res, err := lg.SettleTrade(ctx, SettleTradeParams{
		TakerUserID: bob, MakerUserID: alice,
		TakerOrderID: "bob-order", MakerOrderID: "alice-order",
		Base: "SOL", Quote: "USDC",
		TakerSide:    model.SideSell,
		BaseAmount:   decimal.NewFromFloat(0.3),
		Price:        decimal.NewFromFloat(100),
		TakerFeeRate: feeRate, MakerFeeRate: feeRate,
	})
	require.NoError(t, err)
	require.True(t, res.TakerFee.Equal(decimal.NewFromFloat(0.03)))   // 0.1% of 30 USDC received
	require.True(t, res.MakerFee.Equal(decimal.NewFromFloat(0.0003))) // 0.1% of 0.3 SOL received

	aliceUSDC, err := lg.Balance(ctx, alice, "USDC")
	require.NoError(t, err)
	aliceSOL, err := lg.Balance(ctx, alice, "SOL")
	require.NoError(t, err)
	bobUSDC, err := lg.Balance(ctx, bob, "USDC")
	require.NoError(t, err)
	bobSOL, err := lg.Balance(ctx, bob, "SOL")
	require.NoError(t, err)
	feeUSDC, err := lg.Balance(ctx, model.SystemFeeUser, "USDC")
	require.NoError(t, err)
	feeSOL, err := lg.Balance(ctx, model.SystemFeeUser, "SOL")
	require.NoError(t, err)

	// Alice's resting order only had 0.3 of its size matched here, so only
	// 30 of her 100 USDC lock is spent — the remaining 70 stays locked for
	// the unmatched rest of her order, not freed back to available.
	require.True(t, aliceUSDC.Available.Equal(decimal.NewFromInt(900)))
	require.True(t, aliceUSDC.Locked.Equal(decimal.NewFromInt(70)))
	require.True(t, aliceUSDC.Total().Equal(decimal.NewFromInt(970)), "alice spent only the matched 30 USDC, not her whole lock")
	require.True(t, aliceSOL.Total().Equal(decimal.NewFromFloat(0.2997)), "alice receives 0.3 SOL net of her fee")
	require.True(t, bobSOL.Total().Equal(decimal.NewFromFloat(9.7)), "bob sold 0.3 SOL out of his 10")
	require.True(t, bobUSDC.Total().Equal(decimal.NewFromFloat(29.97)), "bob receives 30 USDC net of his fee")
	require.True(t, feeUSDC.Available.Equal(decimal.NewFromFloat(0.03)))
	require.True(t, feeSOL.Available.Equal(decimal.NewFromFloat(0.0003)))

	totalUSDC := aliceUSDC.Total().Add(bobUSDC.Total()).Add(feeUSDC.Total())
	totalSOL := aliceSOL.Total().Add(bobSOL.Total()).Add(feeSOL.Total())
	require.True(t, totalUSDC.Equal(decimal.NewFromInt(1000)), "USDC is conserved system-wide")
	require.True(t, totalSOL.Equal(decimal.NewFromInt(10)), "SOL is conserved system-wide")
}

func TestSettleTradeUnlockShortfallIsLedgerInconsistent(t *testing.T) {
	lg := newTestLedger(t)
	seedAssets(t, lg.store, "USDC", "SOL")
	ctx := context.Background()
	alice := newUser(t, lg.store)
	bob := newUser(t, lg.store)

	// Deliberately skip locking bob's SOL so the unlock inside settlement
	// underflows — this must surface as LEDGER_INCONSISTENT, a fatal
	// per-match failure rather than an ordinary funds error (spec §7).
	_, err := lg.Credit(ctx, alice, "USDC", decimal.NewFromInt(1000), "seed")
	require.NoError(t, err)
	_, err = lg.Lock(ctx, alice, "USDC", decimal.NewFromFloat(100), "alice-order")
	require.NoError(t, err)

	feeRate := decimal.NewFromFloat(0.001)
	_, err = lg.SettleTrade(ctx, SettleTradeParams{
		TakerUserID: bob, MakerUserID: alice,
		TakerOrderID: "bob-order", MakerOrderID: "alice-order",
		Base: "SOL", Quote: "USDC",
		TakerSide:    model.SideSell,
		BaseAmount:   decimal.NewFromFloat(0.3),
		Price:        decimal.NewFromFloat(100),
		TakerFeeRate: feeRate, MakerFeeRate: feeRate,
	})
	require.Error(t, err)
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, ErrLedgerInconsistent, le.Kind)
}
