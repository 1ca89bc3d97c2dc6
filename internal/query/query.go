// Package query implements Admin/Query (spec §4.6): read-only derivations
// from the store (history) and the engine manager (live book/ticker),
// never mutating either.
package query

import (
	"context"

	"github.com/shopspring/decimal"

	"spotexchange/internal/engine"
	"spotexchange/internal/ledger"
	"spotexchange/internal/model"
	"spotexchange/internal/store"
)

var decimalTwo = decimal.NewFromInt(2)

type Query struct {
	store  *store.Store
	ledger *ledger.Ledger
	engine *engine.Manager
}

func New(st *store.Store, lg *ledger.Ledger, eng *engine.Manager) *Query {
	return &Query{store: st, ledger: lg, engine: eng}
}

// UserOrders lists a user's orders, optionally filtered by pair/status
// (spec §6 GET orders?status&pair&page).
func (q *Query) UserOrders(ctx context.Context, userID, pair, status string, pg store.Pagination) ([]model.Order, error) {
	return q.store.ListUserOrders(ctx, userID, pair, status, pg)
}

// LedgerHistory is a thin passthrough to the ledger's audit query (spec §6
// GET ledgerHistory?asset&kind&page).
func (q *Query) LedgerHistory(ctx context.Context, userID, asset, kind string, pg store.Pagination) ([]model.LedgerEntry, error) {
	return q.ledger.History(ctx, userID, asset, kind, pg)
}

// Balances returns every asset balance a user holds (spec §6 GET balances).
func (q *Query) Balances(ctx context.Context, userID string) ([]model.Balance, error) {
	return q.ledger.Balances(ctx, userID)
}

// BookSnapshot reads the live in-memory book for a pair (spec §6 GET
// orderBook/<pair>?depth=N).
func (q *Query) BookSnapshot(ctx context.Context, pair string, depth int) (model.BookSnapshot, error) {
	return q.engine.BookSnapshot(ctx, pair, depth)
}

// RecentTrades is paginated trade history for a pair, newest first by seq.
func (q *Query) RecentTrades(ctx context.Context, pair string, pg store.Pagination) ([]model.Trade, error) {
	return q.store.ListTrades(ctx, pair, pg)
}

// PairStats reports spread, mid-price, and resting price-level counts per side for pair
// (spec §4.6 "per-pair stats").
type PairStats struct {
	Pair      string  `json:"pair"`
	BestBid   string  `json:"bestBid"`
	BestAsk   string  `json:"bestAsk"`
	Spread    string  `json:"spread"`
	MidPrice  string  `json:"midPrice"`
	BidLevels int     `json:"bidLevels"`
	AskLevels int     `json:"askLevels"`
}

func (q *Query) PairStats(ctx context.Context, pair string) (PairStats, error) {
	snap, err := q.engine.BookSnapshot(ctx, pair, 1000)
	if err != nil {
		return PairStats{}, err
	}
	stats := PairStats{Pair: pair, BidLevels: len(snap.Bids), AskLevels: len(snap.Asks)}
	if len(snap.Bids) > 0 {
		stats.BestBid = snap.Bids[0].Price.String()
	}
	if len(snap.Asks) > 0 {
		stats.BestAsk = snap.Asks[0].Price.String()
	}
	if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
		stats.Spread = snap.Asks[0].Price.Sub(snap.Bids[0].Price).String()
		mid := snap.Asks[0].Price.Add(snap.Bids[0].Price).Div(decimalTwo)
		stats.MidPrice = mid.String()
	}
	return stats, nil
}
