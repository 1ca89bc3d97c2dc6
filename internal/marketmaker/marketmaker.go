// Package marketmaker implements the reference-price Market Maker (spec
// §4.5): one goroutine per enabled pair that anchors a two-sided quote
// ladder to an external price, submitting through the same entrypoint any
// client would use. Grounded in 0xtitan6's strategy/maker.go cadence loop,
// generalized from that repo's single-market ticker to a per-pair goroutine
// set reading from internal/feed instead of an in-process simulator.
package marketmaker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spotexchange/internal/decimalx"
	"spotexchange/internal/engine"
	"spotexchange/internal/feed"
	"spotexchange/internal/ledger"
	"spotexchange/internal/model"
	"spotexchange/internal/store"
)

// PairConfig is one pair's market-making parameters (spec §4.5 config).
type PairConfig struct {
	Pair           string
	Spread         decimal.Decimal
	OrderSize      decimal.Decimal
	MaxOrders      int
	PriceDeviation decimal.Decimal
	Enabled        bool
	AllowSelfMatch bool // carried from config; the quote planner does not read it, and C never special-cases same-user fills
}

type MarketMaker struct {
	engine *engine.Manager
	ledger *ledger.Ledger
	feed   *feed.Feed
	store  *store.Store
	log    zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(eng *engine.Manager, lg *ledger.Ledger, fd *feed.Feed, st *store.Store, log zerolog.Logger) *MarketMaker {
	return &MarketMaker{engine: eng, ledger: lg, feed: fd, store: st, log: log.With().Str("component", "marketmaker").Logger()}
}

// Start pre-funds the synthetic principal and launches one goroutine per
// enabled pair (spec §4.5). seedBalances is marketMaker.seedBalances config.
func (m *MarketMaker) Start(ctx context.Context, pairs []PairConfig, seedBalances map[string]decimal.Decimal) {
	for asset, amt := range seedBalances {
		if _, err := m.ledger.Credit(ctx, model.MarketMakerUser, asset, amt, "market maker seed balance"); err != nil {
			m.log.Error().Err(err).Str("asset", asset).Msg("failed to seed market maker balance")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for _, cfg := range pairs {
		if !cfg.Enabled {
			continue
		}
		m.wg.Add(1)
		go m.runPair(ctx, cfg)
	}
}

func (m *MarketMaker) runPair(ctx context.Context, cfg PairConfig) {
	defer m.wg.Done()
	for {
		wait := time.Duration(3+rand.Intn(6)) * time.Second // randomized 3-8s cadence
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			m.tick(ctx, cfg)
		}
	}
}

func (m *MarketMaker) tick(ctx context.Context, cfg PairConfig) {
	priceStr, err := m.feed.LastPrice(cfg.Pair)
	if err != nil {
		m.log.Debug().Str("pair", cfg.Pair).Err(err).Msg("no reference price yet, skipping tick")
		return
	}
	refPrice, err := decimal.NewFromString(priceStr)
	if err != nil || refPrice.Sign() <= 0 {
		m.log.Warn().Str("pair", cfg.Pair).Str("raw", priceStr).Msg("invalid reference price")
		return
	}

	half := cfg.Spread.Div(decimal.NewFromInt(2))
	targetBid := refPrice.Mul(decimal.NewFromInt(1).Sub(half))
	targetAsk := refPrice.Mul(decimal.NewFromInt(1).Add(half))

	own, err := m.ownOpenOrders(ctx, cfg.Pair)
	if err != nil {
		m.log.Warn().Err(err).Str("pair", cfg.Pair).Msg("failed to read own open orders")
		return
	}

	m.cancelStale(ctx, cfg, own, refPrice)

	var bids, asks int
	for _, o := range own {
		if o.Status.Terminal() {
			continue
		}
		if o.Side == model.SideBuy {
			bids++
		} else {
			asks++
		}
	}
	side := m.pickSide(bids, asks, cfg.MaxOrders)
	if side == "" {
		return
	}

	m.placeOne(ctx, cfg, side, targetBid, targetAsk)
}

// ownOpenOrders lists the market maker's own resting orders on pair.
func (m *MarketMaker) ownOpenOrders(ctx context.Context, pair string) ([]model.Order, error) {
	var out []model.Order
	for _, st := range []model.OrderStatus{model.StatusPending, model.StatusPartial} {
		orders, err := m.store.ListUserOrders(ctx, model.MarketMakerUser, pair, string(st), store.Pagination{Page: 1, PageSize: 200})
		if err != nil {
			return nil, err
		}
		out = append(out, orders...)
	}
	return out, nil
}

// cancelStale cancels this market maker's resting orders on pair whose
// price has drifted beyond priceDeviation from the current reference price
// (spec §4.5 step 3).
func (m *MarketMaker) cancelStale(ctx context.Context, cfg PairConfig, own []model.Order, refPrice decimal.Decimal) {
	for _, o := range own {
		if o.Status.Terminal() || !o.Price.Valid {
			continue
		}
		dev := o.Price.Decimal.Sub(refPrice).Abs().Div(refPrice)
		if dev.GreaterThan(cfg.PriceDeviation) {
			if _, err := m.engine.Cancel(ctx, model.MarketMakerUser, o.ID); err != nil {
				m.log.Debug().Err(err).Str("order", o.ID).Msg("failed to cancel stale market maker quote")
			}
		}
	}
}

func (m *MarketMaker) pickSide(bids, asks, maxOrders int) model.OrderSide {
	if bids < maxOrders && asks < maxOrders {
		if rand.Intn(2) == 0 {
			return model.SideBuy
		}
		return model.SideSell
	}
	if bids < maxOrders {
		return model.SideBuy
	}
	if asks < maxOrders {
		return model.SideSell
	}
	return ""
}

func (m *MarketMaker) placeOne(ctx context.Context, cfg PairConfig, side model.OrderSide, targetBid, targetAsk decimal.Decimal) {
	level := decimal.NewFromInt(int64(1 + rand.Intn(cfg.MaxOrders)))
	base := targetAsk
	if side == model.SideBuy {
		base = targetBid
	}
	step := level.Mul(decimal.NewFromFloat(0.001)).Mul(base)
	price := base
	if side == model.SideBuy {
		price = price.Sub(step)
	} else {
		price = price.Add(step)
	}

	jitter := 1 + (rand.Float64()*0.2 - 0.1) // +-10%
	size := cfg.OrderSize.Mul(decimal.NewFromFloat(jitter))

	// Align the quote to the pair's tick and lot so engine validation accepts it.
	if idx := indexOfSlash(cfg.Pair); idx >= 0 {
		if p, err := m.store.GetPair(ctx, cfg.Pair[:idx], cfg.Pair[idx+1:]); err == nil && p != nil {
			price = decimalx.Quantize(price, p.PriceStep)
			size = decimalx.Quantize(size, p.SizeStep)
		}
	}

	req := model.SubmitOrderReq{
		Pair: cfg.Pair, Type: model.TypeLimit, Side: side,
		Amount: size, Price: &price, TimeInForce: model.TIFGTC,
	}

	ok, insufficientAsset := m.trySubmit(ctx, cfg, req)
	if ok {
		return
	}
	if insufficientAsset == "" {
		return
	}
	// Failure policy: a single self-top-up and one retry (spec §4.5).
	topUp := req.Amount.Mul(decimal.NewFromInt(10))
	if side == model.SideBuy {
		topUp = topUp.Mul(price)
	}
	m.log.Warn().Str("pair", cfg.Pair).Str("asset", insufficientAsset).Msg("insufficient market maker balance, topping up and retrying once")
	if _, err := m.ledger.Credit(ctx, model.MarketMakerUser, insufficientAsset, topUp, "market maker self top-up"); err != nil {
		m.log.Error().Err(err).Str("asset", insufficientAsset).Msg("market maker top-up failed")
		return
	}
	m.trySubmit(ctx, cfg, req)
}

// trySubmit submits req and reports success, plus the asset that was short
// if the rejection was an insufficient-balance one (spec §4.5 failure policy).
func (m *MarketMaker) trySubmit(ctx context.Context, cfg PairConfig, req model.SubmitOrderReq) (bool, string) {
	_, err := m.engine.Submit(ctx, model.MarketMakerUser, req)
	if err == nil {
		return true, ""
	}
	te, ok := err.(*engine.TradingError)
	if !ok {
		m.log.Warn().Err(err).Str("pair", cfg.Pair).Msg("market maker quote rejected")
		return false, ""
	}
	if te.Kind == engine.KindInsufficientAvailable {
		asset := cfg.Pair
		if idx := indexOfSlash(cfg.Pair); idx >= 0 {
			if req.Side == model.SideBuy {
				asset = cfg.Pair[idx+1:]
			} else {
				asset = cfg.Pair[:idx]
			}
		}
		return false, asset
	}
	m.log.Warn().Err(err).Str("pair", cfg.Pair).Msg("market maker quote rejected")
	return false, ""
}

func indexOfSlash(s string) int {
	for i, c := range s {
		if c == '/' {
			return i
		}
	}
	return -1
}

// Stop cancels the cadence timers and waits for in-flight ticks to finish
// (spec §4.5 shutdown).
func (m *MarketMaker) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
