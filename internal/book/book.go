// Package book implements the Order Book (spec §4.2): a per-pair
// price-time index with an embedded FIFO per price level. It is never
// locked independently — the owning pair engine's single goroutine is its
// only caller, which is what gives it the exclusivity spec §5 calls the
// pair lock.
package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"spotexchange/internal/model"
)

// RestingOrder is a resting order's book-side state. The engine keeps the
// authoritative model.Order elsewhere; this is the minimal projection the
// book needs to maintain price-time priority.
type RestingOrder struct {
	OrderID      string
	UserID       string
	Side         model.OrderSide
	Price        decimal.Decimal
	Remaining    decimal.Decimal
	Seq          int64
	RestedAt     time.Time
}

// Level is one price level's FIFO queue plus its cached aggregate.
type Level struct {
	Price      decimal.Decimal
	Orders     []*RestingOrder
	TotalQty   decimal.Decimal
}

func (l *Level) recompute() {
	total := decimal.Zero
	for _, o := range l.Orders {
		total = total.Add(o.Remaining)
	}
	l.TotalQty = total
}

// OrderBook is the in-memory book for exactly one trading pair.
type OrderBook struct {
	Pair string

	bids      map[string]*Level // price.String() -> level
	asks      map[string]*Level
	bidPrices []decimal.Decimal // sorted descending
	askPrices []decimal.Decimal // sorted ascending
	index     map[string]*RestingOrder
}

func New(pair string) *OrderBook {
	return &OrderBook{
		Pair:  pair,
		bids:  make(map[string]*Level),
		asks:  make(map[string]*Level),
		index: make(map[string]*RestingOrder),
	}
}

func priceKey(p decimal.Decimal) string { return p.String() }

// ── Queries ──────────────────────────────────────────

// PeekBest returns the best (head-of-queue) resting order on side, or nil.
func (b *OrderBook) PeekBest(side model.OrderSide) *RestingOrder {
	if side == model.SideBuy {
		if len(b.bidPrices) == 0 {
			return nil
		}
		lvl := b.bids[priceKey(b.bidPrices[0])]
		if len(lvl.Orders) == 0 {
			return nil
		}
		return lvl.Orders[0]
	}
	if len(b.askPrices) == 0 {
		return nil
	}
	lvl := b.asks[priceKey(b.askPrices[0])]
	if len(lvl.Orders) == 0 {
		return nil
	}
	return lvl.Orders[0]
}

func (b *OrderBook) BestBidPrice() (decimal.Decimal, bool) {
	if len(b.bidPrices) == 0 {
		return decimal.Zero, false
	}
	return b.bidPrices[0], true
}

func (b *OrderBook) BestAskPrice() (decimal.Decimal, bool) {
	if len(b.askPrices) == 0 {
		return decimal.Zero, false
	}
	return b.askPrices[0], true
}

func (b *OrderBook) Size() int { return len(b.index) }

func (b *OrderBook) Get(orderID string) *RestingOrder { return b.index[orderID] }

// Snapshot returns the top `depth` aggregated levels per side (spec §4.4:
// the baseline delivers a depth-bounded snapshot, default 20).
func (b *OrderBook) Snapshot(depth int) (bids, asks []model.BookLevel) {
	for i := 0; i < len(b.bidPrices) && i < depth; i++ {
		lvl := b.bids[priceKey(b.bidPrices[i])]
		bids = append(bids, model.BookLevel{Price: lvl.Price, Qty: lvl.TotalQty})
	}
	for i := 0; i < len(b.askPrices) && i < depth; i++ {
		lvl := b.asks[priceKey(b.askPrices[i])]
		asks = append(asks, model.BookLevel{Price: lvl.Price, Qty: lvl.TotalQty})
	}
	if bids == nil {
		bids = []model.BookLevel{}
	}
	if asks == nil {
		asks = []model.BookLevel{}
	}
	return
}

// DryRunAvailable reports whether at least `need` quantity is reachable on
// the opposing side without mutating the book — used by FOK to decide
// before any funds are locked (spec §4.3.1 step 4).
func (b *OrderBook) DryRunAvailable(side model.OrderSide, limitPrice *decimal.Decimal, need decimal.Decimal) bool {
	var prices []decimal.Decimal
	var levels map[string]*Level
	if side == model.SideBuy {
		prices, levels = b.askPrices, b.asks
	} else {
		prices, levels = b.bidPrices, b.bids
	}
	sum := decimal.Zero
	for _, p := range prices {
		if limitPrice != nil {
			if side == model.SideBuy && p.GreaterThan(*limitPrice) {
				break
			}
			if side == model.SideSell && p.LessThan(*limitPrice) {
				break
			}
		}
		sum = sum.Add(levels[priceKey(p)].TotalQty)
		if sum.GreaterThanOrEqual(need) {
			return true
		}
	}
	return sum.GreaterThanOrEqual(need)
}

// ── Mutation ─────────────────────────────────────────

// Insert appends a resting order to the tail of its price level's FIFO.
func (b *OrderBook) Insert(o *RestingOrder) {
	if _, exists := b.index[o.OrderID]; exists {
		return
	}
	b.index[o.OrderID] = o
	if o.Side == model.SideBuy {
		insertInto(b.bids, &b.bidPrices, o, descending)
	} else {
		insertInto(b.asks, &b.askPrices, o, ascending)
	}
}

// Cancel removes a resting order from the book. The id index finds the
// order in O(1); removing it then scans its level's queue (and, when the
// level empties, the side's price slice), so removal is linear in those.
func (b *OrderBook) Cancel(orderID string) *RestingOrder {
	o, ok := b.index[orderID]
	if !ok {
		return nil
	}
	delete(b.index, orderID)
	if o.Side == model.SideBuy {
		removeFrom(b.bids, &b.bidPrices, o)
	} else {
		removeFrom(b.asks, &b.askPrices, o)
	}
	return o
}

// AmendRemaining sets a resting order's remaining quantity in place,
// without changing its time priority (spec §4.2). newRemaining must be in
// (0, originalAmount]; callers are responsible for that invariant — the
// book only maintains level aggregates and removes the order if it reaches
// zero via Cancel, never here.
func (b *OrderBook) AmendRemaining(orderID string, newRemaining decimal.Decimal) {
	o, ok := b.index[orderID]
	if !ok {
		return
	}
	o.Remaining = newRemaining
	var lvl *Level
	if o.Side == model.SideBuy {
		lvl = b.bids[priceKey(o.Price)]
	} else {
		lvl = b.asks[priceKey(o.Price)]
	}
	if lvl != nil {
		lvl.recompute()
	}
}

// Clear empties the book (admin-only operation).
func (b *OrderBook) Clear() {
	b.bids = make(map[string]*Level)
	b.asks = make(map[string]*Level)
	b.bidPrices = nil
	b.askPrices = nil
	b.index = make(map[string]*RestingOrder)
}

// ── Internals ────────────────────────────────────────

type sortDir int

const (
	ascending sortDir = iota
	descending
)

func insertInto(levels map[string]*Level, prices *[]decimal.Decimal, o *RestingOrder, dir sortDir) {
	key := priceKey(o.Price)
	lvl, ok := levels[key]
	if !ok {
		lvl = &Level{Price: o.Price}
		levels[key] = lvl
		*prices = append(*prices, o.Price)
		sort.Slice(*prices, func(i, j int) bool {
			if dir == ascending {
				return (*prices)[i].LessThan((*prices)[j])
			}
			return (*prices)[i].GreaterThan((*prices)[j])
		})
	}
	lvl.Orders = append(lvl.Orders, o)
	lvl.recompute()
}

func removeFrom(levels map[string]*Level, prices *[]decimal.Decimal, o *RestingOrder) {
	key := priceKey(o.Price)
	lvl, ok := levels[key]
	if !ok {
		return
	}
	for i, e := range lvl.Orders {
		if e.OrderID == o.OrderID {
			lvl.Orders = append(lvl.Orders[:i], lvl.Orders[i+1:]...)
			break
		}
	}
	if len(lvl.Orders) == 0 {
		delete(levels, key)
		for i, p := range *prices {
			if p.Equal(o.Price) {
				*prices = append((*prices)[:i], (*prices)[i+1:]...)
				break
			}
		}
		return
	}
	lvl.recompute()
}
