package engine

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"spotexchange/internal/book"
	"spotexchange/internal/bus"
	"spotexchange/internal/ledger"
	"spotexchange/internal/model"
	"spotexchange/internal/store"
)

const cmdQueueDepth = 256

// command is one of the five message kinds a PairEngine's goroutine
// processes (spec §4.3 "added: concurrency shape"): submit, cancel,
// snapshot-request, resolve-pair-down, and shutdown.
type command interface{ isCommand() }

type submitCmd struct {
	ctx    context.Context
	userID string
	req    model.SubmitOrderReq
	resp   chan submitResult
}

type submitResult struct {
	res model.SubmitOrderResult
	err error
}

type cancelCmd struct {
	ctx     context.Context
	userID  string
	orderID string
	resp    chan cancelResult
}

type cancelResult struct {
	status model.OrderStatus
	err    error
}

type snapshotCmd struct {
	depth int
	resp  chan model.BookSnapshot
}

// resolvePairDownCmd marks the pair down when run receives it, for a
// subsystem fault — not an ordinary trading error — that makes this pair's
// invariants unsafe to continue serving (spec §7: "a fatal invariant
// violation inside a pair lock must stop that pair's engine loop and surface
// on subsequent submissions as UNAVAILABLE"). Nothing in this package sends
// it: the engine's own faults go through markDown, which sets the same flag
// directly.
type resolvePairDownCmd struct{ reason string }

type shutdownCmd struct{ done chan struct{} }

func (submitCmd) isCommand()          {}
func (cancelCmd) isCommand()          {}
func (snapshotCmd) isCommand()        {}
func (resolvePairDownCmd) isCommand() {}
func (shutdownCmd) isCommand()        {}

// PairEngine is the sole writer of its pair's book and the sole caller of
// the ledger for that pair's trades. Every field below is touched only by
// run's goroutine except `down`, which Manager reads to short-circuit
// Submit without round-tripping the channel.
type PairEngine struct {
	pair  model.TradingPair
	book  *book.OrderBook
	seq   int64
	cmdCh chan command

	store  *store.Store
	ledger *ledger.Ledger
	bus    *bus.Bus
	log    zerolog.Logger

	tradeHistory []model.Trade // pruned to the trailing 24h, for ticker stats only

	down int32 // atomic bool
}

func newPairEngine(pair model.TradingPair, st *store.Store, lg *ledger.Ledger, b *bus.Bus, log zerolog.Logger) *PairEngine {
	return &PairEngine{
		pair:   pair,
		book:   book.New(pair.Symbol()),
		cmdCh:  make(chan command, cmdQueueDepth),
		store:  st,
		ledger: lg,
		bus:    b,
		log:    log.With().Str("pair", pair.Symbol()).Logger(),
	}
}

func (pe *PairEngine) isDown() bool { return atomic.LoadInt32(&pe.down) == 1 }

func (pe *PairEngine) nextSeq() int64 {
	pe.seq++
	return pe.seq
}

// rebuildFromOrders restores the in-memory book from persisted resting
// orders (spec §6 startup rebuild), in the order the store already returns
// them (pair, seq).
func (pe *PairEngine) rebuildFromOrders(orders []model.Order) {
	for i := range orders {
		o := &orders[i]
		if o.Type != model.TypeLimit || !o.Price.Valid {
			continue // market orders never rest; nothing to rebuild for them
		}
		pe.book.Insert(&book.RestingOrder{
			OrderID:   o.ID,
			UserID:    o.UserID,
			Side:      o.Side,
			Price:     o.Price.Decimal,
			Remaining: o.Remaining,
			Seq:       o.Seq,
			RestedAt:  o.CreatedAt,
		})
	}
}

func (pe *PairEngine) run() {
	for cmd := range pe.cmdCh {
		switch c := cmd.(type) {
		case submitCmd:
			res, err := pe.processSubmit(c.ctx, c.userID, c.req)
			c.resp <- submitResult{res: res, err: err}
		case cancelCmd:
			status, err := pe.processCancel(c.ctx, c.userID, c.orderID)
			c.resp <- cancelResult{status: status, err: err}
		case snapshotCmd:
			c.resp <- pe.snapshot(c.depth)
		case resolvePairDownCmd:
			atomic.StoreInt32(&pe.down, 1)
			pe.log.Error().Str("reason", c.reason).Msg("pair engine marked down; refusing further submissions")
		case shutdownCmd:
			close(c.done)
			return
		}
	}
}

func (pe *PairEngine) snapshot(depth int) model.BookSnapshot {
	if depth <= 0 {
		depth = 20
	}
	bids, asks := pe.book.Snapshot(depth)
	return model.BookSnapshot{
		Pair:     pe.pair.Symbol(),
		Bids:     bids,
		Asks:     asks,
		Sequence: pe.seq,
	}
}

// markDown marks the pair down, the same effect as a resolvePairDownCmd.
// It is called from within run's goroutine, so it sets the flag directly
// rather than posting the command to its own channel, which could block
// once cmdCh is full.
func (pe *PairEngine) markDown(reason string) {
	atomic.StoreInt32(&pe.down, 1)
	pe.log.Error().Str("reason", reason).Msg("pair engine marked down; refusing further submissions")
}
