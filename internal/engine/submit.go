package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spotexchange/internal/book"
	"spotexchange/internal/bus"
	"spotexchange/internal/decimalx"
	"spotexchange/internal/ledger"
	"spotexchange/internal/model"
)

// processSubmit runs the full submission pipeline (spec §4.3.1) for one
// order. It only ever runs inside the owning PairEngine's goroutine.
func (pe *PairEngine) processSubmit(ctx context.Context, userID string, req model.SubmitOrderReq) (model.SubmitOrderResult, error) {
	lockAsset, lockAmount, verr := pe.validateAndPrice(req)
	if verr != nil {
		return model.SubmitOrderResult{}, verr
	}

	tif := req.TimeInForce
	if tif == "" {
		tif = model.TIFGTC
	}

	var limitPrice *decimal.Decimal
	if req.Type == model.TypeLimit {
		limitPrice = req.Price
	}

	// FOK: a dry-run walk against the current book must show full coverage
	// before any funds are locked or touched (spec §4.3.1 step 4).
	if tif == model.TIFFOK {
		if !pe.book.DryRunAvailable(req.Side, limitPrice, req.Amount) {
			return model.SubmitOrderResult{}, noLiquidityErr("FOK order would not fill completely")
		}
	}

	orderID := uuid.New().String()
	if _, err := pe.ledger.Lock(ctx, userID, lockAsset, lockAmount, orderID); err != nil {
		return model.SubmitOrderResult{}, asTradingError(err)
	}

	now := time.Now()
	o := &model.Order{
		ID:           orderID,
		UserID:       userID,
		Pair:         pe.pair.Symbol(),
		Type:         req.Type,
		Side:         req.Side,
		Amount:       req.Amount,
		Filled:       decimal.Zero,
		Remaining:    req.Amount,
		AveragePrice: decimal.Zero,
		Status:       model.StatusPending,
		TimeInForce:  tif,
		LockedAmount: lockAmount,
		LockedAsset:  lockAsset,
		Seq:          pe.nextSeq(),
		ClientOrderID: req.ClientOrderID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Type == model.TypeLimit {
		o.Price = decimal.NewNullDecimal(*req.Price)
	}
	if req.QuoteBudget != nil {
		o.QuoteBudget = decimal.NewNullDecimal(*req.QuoteBudget)
	}
	tx, err := pe.store.BeginTx(ctx)
	if err != nil {
		pe.markDown(err.Error())
		return model.SubmitOrderResult{}, unavailableErr(err.Error())
	}
	if err := pe.store.InsertOrder(tx, o); err != nil {
		tx.Rollback()
		pe.markDown(err.Error())
		return model.SubmitOrderResult{}, unavailableErr(err.Error())
	}
	if err := tx.Commit(); err != nil {
		pe.markDown(err.Error())
		return model.SubmitOrderResult{}, unavailableErr(err.Error())
	}

	var quoteBudget *decimal.Decimal
	if req.Type == model.TypeMarket && req.Side == model.SideBuy {
		b := *req.QuoteBudget
		quoteBudget = &b
	}
	fills, walkErr := pe.matchWalk(ctx, o, limitPrice, quoteBudget)
	o.Filled, o.Remaining, o.AveragePrice = recomputeFillState(o, fills)

	if walkErr != nil {
		// matchWalk returns an error when settlement fails mid-walk
		// (LEDGER_INCONSISTENT, spec §4.3.4, §7) or when a store read or write
		// for the match fails: either is a fatal, pair-wide fault, not an
		// ordinary rejection. The order's locked remainder is left as-is rather than
		// unlocked, since the ledger state it would be unlocked against is
		// itself unreliable at this point; the pair stops taking submissions
		// until an operator investigates.
		o.Status = model.StatusRejectedPartial
		o.RejectReason = walkErr.Error()
		pe.finalizeOrder(ctx, o, now, decimal.Zero)
		pe.publishOrderUpdate(o)
		pe.markDown(walkErr.Error())
		return model.SubmitOrderResult{}, asTradingError(walkErr)
	}

	releasedLock := pe.applyRestingDecision(ctx, o, tif)
	pe.finalizeOrder(ctx, o, now, releasedLock)
	pe.publishOrderUpdate(o)
	pe.publishBookChanged()

	return model.SubmitOrderResult{
		OrderID: o.ID, Status: o.Status, Filled: o.Filled, Remaining: o.Remaining,
		AveragePrice: o.AveragePrice, Fills: fills, Reason: o.RejectReason,
	}, nil
}

// validateAndPrice runs spec §4.3.1 step 1 and determines step 2's lock
// asset/amount, without mutating any state.
func (pe *PairEngine) validateAndPrice(req model.SubmitOrderReq) (asset string, amount decimal.Decimal, err *TradingError) {
	if !pe.pair.Active {
		return "", decimal.Zero, validationErr("pair %s is not active", pe.pair.Symbol())
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return "", decimal.Zero, validationErr("unknown side %q", req.Side)
	}
	if req.Type != model.TypeLimit && req.Type != model.TypeMarket {
		return "", decimal.Zero, validationErr("unsupported order type %q", req.Type)
	}
	if req.TimeInForce != "" && req.TimeInForce != model.TIFGTC && req.TimeInForce != model.TIFIOC && req.TimeInForce != model.TIFFOK {
		return "", decimal.Zero, validationErr("unknown timeInForce %q", req.TimeInForce)
	}
	if req.Amount.Sign() <= 0 {
		return "", decimal.Zero, validationErr("amount must be positive")
	}
	if req.Amount.LessThan(pe.pair.MinOrderSize) || req.Amount.GreaterThan(pe.pair.MaxOrderSize) {
		return "", decimal.Zero, validationErr("amount %s outside [%s, %s]", req.Amount, pe.pair.MinOrderSize, pe.pair.MaxOrderSize)
	}
	if !decimalx.IsMultipleOf(req.Amount, pe.pair.SizeStep) {
		return "", decimal.Zero, validationErr("amount %s is not a multiple of lot size %s", req.Amount, pe.pair.SizeStep)
	}

	switch req.Type {
	case model.TypeLimit:
		if req.Price == nil || req.Price.Sign() <= 0 {
			return "", decimal.Zero, validationErr("limit order requires a positive price")
		}
		if !decimalx.IsMultipleOf(*req.Price, pe.pair.PriceStep) {
			return "", decimal.Zero, validationErr("price %s is not a multiple of tick size %s", *req.Price, pe.pair.PriceStep)
		}
		if req.Side == model.SideBuy {
			return pe.pair.Quote, req.Amount.Mul(*req.Price), nil
		}
		return pe.pair.Base, req.Amount, nil

	case model.TypeMarket:
		if req.Side == model.SideSell {
			return pe.pair.Base, req.Amount, nil
		}
		// Market buy: the baseline policy rejects unless an explicit
		// quoteBudget is supplied (spec §4.3.1 step 2, §9 open question
		// resolved as "baseline stands").
		if req.QuoteBudget == nil || req.QuoteBudget.Sign() <= 0 {
			return "", decimal.Zero, validationErr("market buy requires a positive quoteBudget")
		}
		return pe.pair.Quote, *req.QuoteBudget, nil
	}
	return "", decimal.Zero, validationErr("unreachable")
}

type fillAccumulator struct {
	filled   decimal.Decimal
	weighted decimal.Decimal // Σ price*amount
}

func recomputeFillState(o *model.Order, fills []model.OrderFill) (filled, remaining, avgPrice decimal.Decimal) {
	acc := fillAccumulator{filled: decimal.Zero, weighted: decimal.Zero}
	for _, f := range fills {
		if f.IsMaker {
			continue
		}
		acc.filled = acc.filled.Add(f.Amount)
		acc.weighted = acc.weighted.Add(f.Price.Mul(f.Amount))
	}
	remaining = o.Amount.Sub(acc.filled)
	avgPrice = decimal.Zero
	if acc.filled.Sign() > 0 {
		avgPrice = acc.weighted.Div(acc.filled)
	}
	return acc.filled, remaining, avgPrice
}

// matchWalk executes spec §4.3.1 step 3 against the book, mutating it and
// settling every match through the ledger. It returns the taker's own fills
// (maker-side fills are persisted but not returned, since the caller only
// tracks the taker's order state) and a non-nil error when loading the maker
// order, settling the match (LEDGER_INCONSISTENT) or persisting it fails, at
// which point the walk stops immediately.
func (pe *PairEngine) matchWalk(ctx context.Context, taker *model.Order, limitPrice *decimal.Decimal, quoteBudget *decimal.Decimal) ([]model.OrderFill, error) {
	var fills []model.OrderFill
	remaining := taker.Amount

	for remaining.Sign() > 0 {
		opp := pe.book.PeekBest(taker.Side.Opposite())
		if opp == nil {
			break
		}
		if limitPrice != nil {
			if taker.Side == model.SideBuy && opp.Price.GreaterThan(*limitPrice) {
				break
			}
			if taker.Side == model.SideSell && opp.Price.LessThan(*limitPrice) {
				break
			}
		}

		execPrice := opp.Price
		matchQty := decimal.Min(remaining, opp.Remaining)

		if quoteBudget != nil {
			if quoteBudget.Sign() <= 0 {
				break
			}
			affordable := quoteBudget.Div(execPrice)
			if matchQty.GreaterThan(affordable) {
				matchQty = affordable
			}
			if matchQty.Sign() <= 0 {
				break
			}
		}

		makerOrder, err := pe.store.GetOrder(ctx, opp.OrderID)
		if err != nil {
			return fills, err
		}

		settleRes, err := pe.ledger.SettleTrade(ctx, ledger.SettleTradeParams{
			TakerUserID: taker.UserID, MakerUserID: opp.UserID,
			TakerOrderID: taker.ID, MakerOrderID: opp.OrderID,
			Base: pe.pair.Base, Quote: pe.pair.Quote,
			TakerSide: taker.Side, BaseAmount: matchQty, Price: execPrice,
			TakerFeeRate: pe.pair.TakerFee, MakerFeeRate: pe.pair.MakerFee,
		})
		if err != nil {
			return fills, err
		}

		now := time.Now()
		tradeSeq := pe.nextSeq()

		makerOrder.Filled = makerOrder.Filled.Add(matchQty)
		makerOrder.Remaining = makerOrder.Remaining.Sub(matchQty)
		makerOrder.AveragePrice = weightedAvg(makerOrder.AveragePrice, makerOrder.Filled.Sub(matchQty), execPrice, matchQty)
		makerOrder.UpdatedAt = now
		if makerOrder.Remaining.Sign() == 0 {
			makerOrder.Status = model.StatusFilled
			makerOrder.FilledAt = &now
			pe.book.Cancel(opp.OrderID)
		} else {
			makerOrder.Status = model.StatusPartial
			pe.book.AmendRemaining(opp.OrderID, makerOrder.Remaining)
		}

		takerFill := model.OrderFill{ID: uuid.New().String(), OrderID: taker.ID, TradeSeq: tradeSeq, Pair: pe.pair.Symbol(), Amount: matchQty, Price: execPrice, Fee: settleRes.TakerFee, FeeAsset: settleRes.TakerFeeAsset, IsMaker: false, CreatedAt: now}
		makerFill := model.OrderFill{ID: uuid.New().String(), OrderID: opp.OrderID, TradeSeq: tradeSeq, Pair: pe.pair.Symbol(), Amount: matchQty, Price: execPrice, Fee: settleRes.MakerFee, FeeAsset: settleRes.MakerFeeAsset, IsMaker: true, CreatedAt: now}

		trade := &model.Trade{
			ID: uuid.New().String(), Pair: pe.pair.Symbol(), TakerOrderID: taker.ID, MakerOrderID: opp.OrderID,
			TakerUserID: taker.UserID, MakerUserID: opp.UserID, TakerSide: taker.Side,
			Price: execPrice, Amount: matchQty, Seq: tradeSeq, CreatedAt: now,
		}

		if err := pe.persistMatch(ctx, makerOrder, &takerFill, &makerFill, trade); err != nil {
			pe.markDown(err.Error())
			return fills, err
		}

		fills = append(fills, takerFill)
		pe.recordTrade(*trade)
		pe.publishTrade(*trade)
		pe.publishOrderUpdate(makerOrder)

		remaining = remaining.Sub(matchQty)
		if quoteBudget != nil {
			*quoteBudget = quoteBudget.Sub(execPrice.Mul(matchQty))
		}
	}
	return fills, nil
}

func weightedAvg(prevAvg, prevFilled, newPrice, newQty decimal.Decimal) decimal.Decimal {
	totalQty := prevFilled.Add(newQty)
	if totalQty.Sign() == 0 {
		return decimal.Zero
	}
	return prevAvg.Mul(prevFilled).Add(newPrice.Mul(newQty)).Div(totalQty)
}

func (pe *PairEngine) persistMatch(ctx context.Context, maker *model.Order, takerFill, makerFill *model.OrderFill, trade *model.Trade) error {
	tx, err := pe.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := pe.store.InsertFill(tx, takerFill); err != nil {
		return err
	}
	if err := pe.store.InsertFill(tx, makerFill); err != nil {
		return err
	}
	if err := pe.store.InsertTrade(tx, trade); err != nil {
		return err
	}
	if err := pe.store.UpdateOrderFillState(tx, maker); err != nil {
		return err
	}
	return tx.Commit()
}

// applyRestingDecision implements spec §4.3.1 step 4. It returns the amount
// released from the order's lock, which only matters to the caller when the
// order ends up StatusCancelled — that's what finalizeOrder must persist as
// the cancellation's locked_amount, not the order's original full reservation.
func (pe *PairEngine) applyRestingDecision(ctx context.Context, o *model.Order, tif model.TimeInForce) decimal.Decimal {
	if o.Remaining.Sign() == 0 {
		o.Status = model.StatusFilled
		now := time.Now()
		o.FilledAt = &now
		// A market buy locks the quote budget up front; if it fills before
		// exhausting the budget (price < budget/amount), the leftover is
		// still sitting in locked funds and needs releasing here too, not
		// just on the IOC/FOK/remainder branches below.
		return pe.unlockUnused(ctx, o)
	}

	switch {
	case o.Type == model.TypeLimit && tif == model.TIFGTC:
		o.Status = model.StatusPending
		if o.Filled.Sign() > 0 {
			o.Status = model.StatusPartial
		}
		pe.book.Insert(&book.RestingOrder{
			OrderID: o.ID, UserID: o.UserID, Side: o.Side,
			Price: o.Price.Decimal, Remaining: o.Remaining, Seq: o.Seq, RestedAt: o.CreatedAt,
		})
		return decimal.Zero

	case tif == model.TIFIOC, tif == model.TIFFOK:
		// IOC cancels the remainder without resting; FOK's dry-run already
		// guaranteed full coverage, so this path for FOK only fires if the
		// book changed between the dry run and the real walk (a benign
		// race under the same pair-lock goroutine — it cannot happen here
		// since both run in this single goroutine, but the fallback keeps
		// the state machine total).
		released := pe.unlockUnused(ctx, o)
		if o.Filled.Sign() > 0 {
			o.Status = model.StatusPartial
		} else {
			o.Status = model.StatusCancelled
		}
		now := time.Now()
		o.CancelledAt = &now
		return released

	default: // market order with remainder: no liquidity left
		released := pe.unlockUnused(ctx, o)
		if o.Filled.Sign() > 0 {
			o.Status = model.StatusPartial
		} else {
			o.Status = model.StatusRejected
			o.RejectReason = "no liquidity"
		}
		return released
	}
}

// unlockUnused releases whatever portion of the original lock was never
// consumed by settlement, pro-rata to what's left unfilled, and reports how
// much it released.
func (pe *PairEngine) unlockUnused(ctx context.Context, o *model.Order) decimal.Decimal {
	var unusedLock decimal.Decimal
	if o.LockedAsset == pe.pair.Quote && o.Side == model.SideBuy && o.Type == model.TypeMarket {
		// Market buy: locked the quote budget; unused = budget − Σ(price*qty) already settled.
		spent := decimal.Zero
		if o.Filled.Sign() > 0 {
			spent = o.AveragePrice.Mul(o.Filled)
		}
		unusedLock = o.LockedAmount.Sub(spent)
	} else {
		// Limit orders, and market sells (locked in base == remaining units 1:1).
		if o.Amount.Sign() > 0 {
			unusedLock = o.LockedAmount.Mul(o.Remaining).Div(o.Amount)
		}
	}
	if unusedLock.Sign() <= 0 {
		return decimal.Zero
	}
	if _, err := pe.ledger.Unlock(ctx, o.UserID, o.LockedAsset, unusedLock, o.ID); err != nil {
		pe.log.Error().Err(err).Str("order", o.ID).Msg("failed to unlock unused reservation")
		return decimal.Zero
	}
	return unusedLock
}

func (pe *PairEngine) finalizeOrder(ctx context.Context, o *model.Order, submittedAt time.Time, releasedLock decimal.Decimal) {
	o.UpdatedAt = time.Now()
	tx, err := pe.store.BeginTx(ctx)
	if err != nil {
		pe.markDown(err.Error())
		return
	}
	defer tx.Rollback()
	if err := pe.store.UpdateOrderFillState(tx, o); err != nil {
		pe.markDown(err.Error())
		return
	}
	if o.Status == model.StatusCancelled {
		if err := pe.store.UpdateOrderCancelled(tx, o.ID, o.Status, releasedLock, *o.CancelledAt); err != nil {
			pe.markDown(err.Error())
			return
		}
	}
	if o.Status == model.StatusRejectedPartial {
		if err := pe.store.UpdateOrderRejectedPartial(tx, o.ID, o.RejectReason); err != nil {
			pe.markDown(err.Error())
			return
		}
	}
	if err := tx.Commit(); err != nil {
		pe.markDown(err.Error())
	}
}

func (pe *PairEngine) publishBookChanged() {
	snap := pe.snapshot(20)
	pe.bus.Publish(bus.TopicOrderBook(pe.pair.Symbol()), "orderbook", snap)
}

func (pe *PairEngine) publishTrade(t model.Trade) {
	pe.bus.Publish(bus.TopicTrade(pe.pair.Symbol()), "trade", t)
	pe.bus.PublishTicker(pe.pair.Symbol(), pe.computeTicker(t.Price))
}

func (pe *PairEngine) publishOrderUpdate(o *model.Order) {
	pe.bus.Publish(bus.TopicOrders(o.UserID), "orders", o)
}
