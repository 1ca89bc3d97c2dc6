// Package engine implements the Matching Engine (spec §4.3): sequenced
// order intake, balance-locking via the ledger, price-time match walk
// against the order book, settlement, and fan-out publication. Exactly one
// goroutine per trading pair ever touches that pair's book — this is the
// pair lock from spec §5, realized as goroutine confinement over a command
// channel rather than an explicit mutex (the teacher's MarketEngine/command
// shape, generalized from three command kinds to five).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spotexchange/internal/bus"
	"spotexchange/internal/ledger"
	"spotexchange/internal/model"
	"spotexchange/internal/store"
)

// Manager owns one PairEngine per active trading pair and routes every
// public call to the right one.
type Manager struct {
	mu    sync.RWMutex
	pairs map[string]*PairEngine

	store  *store.Store
	ledger *ledger.Ledger
	bus    *bus.Bus
	log    zerolog.Logger

	defaultMakerFee, defaultTakerFee decimal.Decimal
}

func NewManager(st *store.Store, lg *ledger.Ledger, b *bus.Bus, log zerolog.Logger, defaultMakerFee, defaultTakerFee decimal.Decimal) *Manager {
	return &Manager{
		pairs:            make(map[string]*PairEngine),
		store:            st,
		ledger:           lg,
		bus:              b,
		log:              log.With().Str("component", "engine").Logger(),
		defaultMakerFee:  defaultMakerFee,
		defaultTakerFee:  defaultTakerFee,
	}
}

// Boot starts one PairEngine per pair and rebuilds its book by scanning
// resting orders from the store (spec §6: "rebuilt on startup by scanning
// Order WHERE status IN (pending, partial) ordered by pair then seq").
func (m *Manager) Boot(ctx context.Context, pairs []model.TradingPair) error {
	for _, p := range pairs {
		if !p.Active {
			continue
		}
		pe, err := m.startPairEngine(ctx, p)
		if err != nil {
			return fmt.Errorf("boot pair %s: %w", p.Symbol(), err)
		}
		m.mu.Lock()
		m.pairs[p.Symbol()] = pe
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) startPairEngine(ctx context.Context, pair model.TradingPair) (*PairEngine, error) {
	if pair.MakerFee.IsZero() {
		pair.MakerFee = m.defaultMakerFee
	}
	if pair.TakerFee.IsZero() {
		pair.TakerFee = m.defaultTakerFee
	}
	pe := newPairEngine(pair, m.store, m.ledger, m.bus, m.log)

	orders, err := m.store.GetOpenOrders(ctx, pair.Symbol())
	if err != nil {
		return nil, err
	}
	maxSeq, err := m.store.MaxSeq(ctx, pair.Symbol())
	if err != nil {
		return nil, err
	}
	pe.seq = maxSeq
	pe.rebuildFromOrders(orders)

	go pe.run()
	return pe, nil
}

func (m *Manager) get(pair string) *PairEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pairs[pair]
}

// Submit routes a new order to its pair's engine (spec §4.3 submit).
func (m *Manager) Submit(ctx context.Context, userID string, req model.SubmitOrderReq) (model.SubmitOrderResult, error) {
	pe := m.get(req.Pair)
	if pe == nil {
		return model.SubmitOrderResult{}, validationErr("unknown or inactive pair %q", req.Pair)
	}
	if pe.isDown() {
		return model.SubmitOrderResult{}, unavailableErr("pair " + req.Pair + " engine is unavailable")
	}
	resp := make(chan submitResult, 1)
	select {
	case pe.cmdCh <- submitCmd{ctx: ctx, userID: userID, req: req, resp: resp}:
	case <-ctx.Done():
		return model.SubmitOrderResult{}, ctx.Err()
	}
	r := <-resp
	return r.res, r.err
}

// Cancel locates the order's pair and routes the cancel to that engine
// (spec §4.3.2). Ownership and idempotence are enforced inside the engine.
func (m *Manager) Cancel(ctx context.Context, userID, orderID string) (model.OrderStatus, error) {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return "", unavailableErr(err.Error())
	}
	if o == nil || o.UserID != userID {
		return "", notFoundErr("order not found")
	}
	pe := m.get(o.Pair)
	if pe == nil {
		return "", unavailableErr("pair " + o.Pair + " engine is unavailable")
	}
	resp := make(chan cancelResult, 1)
	select {
	case pe.cmdCh <- cancelCmd{ctx: ctx, userID: userID, orderID: orderID, resp: resp}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	r := <-resp
	return r.status, r.err
}

// BookSnapshot returns the top `depth` levels per side for pair (spec §4.6).
func (m *Manager) BookSnapshot(ctx context.Context, pair string, depth int) (model.BookSnapshot, error) {
	pe := m.get(pair)
	if pe == nil {
		return model.BookSnapshot{}, notFoundErr("unknown pair " + pair)
	}
	resp := make(chan model.BookSnapshot, 1)
	select {
	case pe.cmdCh <- snapshotCmd{depth: depth, resp: resp}:
	case <-ctx.Done():
		return model.BookSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-resp:
		return snap, nil
	case <-ctx.Done():
		return model.BookSnapshot{}, ctx.Err()
	}
}

// Pairs lists the symbols of every engine currently running.
func (m *Manager) Pairs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pairs))
	for p := range m.pairs {
		out = append(out, p)
	}
	return out
}

// Shutdown drains and stops every pair engine (spec §6 shutdown sequence,
// step "drain in-flight submissions").
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	engines := make([]*PairEngine, 0, len(m.pairs))
	for _, pe := range m.pairs {
		engines = append(engines, pe)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, pe := range engines {
		wg.Add(1)
		go func(pe *PairEngine) {
			defer wg.Done()
			done := make(chan struct{})
			select {
			case pe.cmdCh <- shutdownCmd{done: done}:
				select {
				case <-done:
				case <-time.After(5 * time.Second):
				}
			case <-ctx.Done():
			}
		}(pe)
	}
	wg.Wait()
}
