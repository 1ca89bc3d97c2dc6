package ledger

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"spotexchange/internal/model"
)

// SettleTradeParams describes one match's financial effect (spec §4.1
// settleTrade). BaseAmount/Price are the execution quantities already
// snapshotted by the matching engine at the maker's price.
type SettleTradeParams struct {
	TakerUserID, MakerUserID   string
	TakerOrderID, MakerOrderID string
	Base, Quote                string
	TakerSide                  model.OrderSide // the incoming taker order's side
	BaseAmount                 decimal.Decimal
	Price                      decimal.Decimal
	TakerFeeRate, MakerFeeRate decimal.Decimal
}

// SettleResult reports the fees actually charged, for fill/audit rows.
type SettleResult struct {
	TakerFee, MakerFee           decimal.Decimal
	TakerFeeAsset, MakerFeeAsset string
}

// SettleTrade is the critical primitive: for a taker buying (symmetric for
// selling), in one transaction it spends each side's locked reservation and
// credits the other, charging each side's fee from the asset it *receives*,
// and commits all six balance mutations and six ledger entries together or
// not at all. Any lock shortfall here is LEDGER_INCONSISTENT — a fatal,
// per-match failure, never a partial application (spec §4.1, §4.3.4, §7).
func (l *Ledger) SettleTrade(ctx context.Context, p SettleTradeParams) (SettleResult, error) {
	quoteAmount := p.BaseAmount.Mul(p.Price)

	var takerReceiveAsset, takerPayAsset, makerReceiveAsset, makerPayAsset string
	var takerReceiveAmt, takerPayAmt, makerReceiveAmt, makerPayAmt decimal.Decimal

	if p.TakerSide == model.SideBuy {
		// taker buys base with quote; maker (resting seller) sells base for quote.
		takerReceiveAsset, takerPayAsset = p.Base, p.Quote
		takerReceiveAmt, takerPayAmt = p.BaseAmount, quoteAmount
		makerReceiveAsset, makerPayAsset = p.Quote, p.Base
		makerReceiveAmt, makerPayAmt = quoteAmount, p.BaseAmount
	} else {
		// taker sells base for quote; maker (resting buyer) buys base with quote.
		takerReceiveAsset, takerPayAsset = p.Quote, p.Base
		takerReceiveAmt, takerPayAmt = quoteAmount, p.BaseAmount
		makerReceiveAsset, makerPayAsset = p.Base, p.Quote
		makerReceiveAmt, makerPayAmt = p.BaseAmount, quoteAmount
	}

	takerFee := takerReceiveAmt.Mul(p.TakerFeeRate)
	makerFee := makerReceiveAmt.Mul(p.MakerFeeRate)

	lockSet := []userAsset{
		{p.TakerUserID, p.Base}, {p.TakerUserID, p.Quote},
		{p.MakerUserID, p.Base}, {p.MakerUserID, p.Quote},
		{model.SystemFeeUser, p.Base}, {model.SystemFeeUser, p.Quote},
	}

	res := SettleResult{TakerFee: takerFee, MakerFee: makerFee, TakerFeeAsset: takerReceiveAsset, MakerFeeAsset: makerReceiveAsset}

	err := l.withLocks(lockSet, func() error {
		tx, err := l.store.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		// 1. Taker: spend what it reserved in the pay-asset (it leaves the
		// taker for good, unlike a plain unlock), credit the receive-asset
		// net of fee.
		if err := l.spendLockedInTx(tx, p.TakerUserID, takerPayAsset, takerPayAmt, p.TakerOrderID); err != nil {
			return inconsistent(err)
		}
		if err := l.creditInTx(tx, p.TakerUserID, takerReceiveAsset, takerReceiveAmt.Sub(takerFee), p.TakerOrderID, model.KindTrade, "trade settlement"); err != nil {
			return inconsistent(err)
		}

		// 2. Maker: spend its resting reservation, credit the receive-asset
		// net of fee.
		if err := l.spendLockedInTx(tx, p.MakerUserID, makerPayAsset, makerPayAmt, p.MakerOrderID); err != nil {
			return inconsistent(err)
		}
		if err := l.creditInTx(tx, p.MakerUserID, makerReceiveAsset, makerReceiveAmt.Sub(makerFee), p.MakerOrderID, model.KindTrade, "trade settlement"); err != nil {
			return inconsistent(err)
		}

		// 3. Fee revenue, if any, accrues to the synthetic fee principal —
		// this is what keeps balance conservation (spec §8 invariant 1) exact.
		if takerFee.Sign() > 0 {
			if err := l.creditInTx(tx, model.SystemFeeUser, takerReceiveAsset, takerFee, p.TakerOrderID, model.KindFee, "taker fee"); err != nil {
				return inconsistent(err)
			}
		}
		if makerFee.Sign() > 0 {
			if err := l.creditInTx(tx, model.SystemFeeUser, makerReceiveAsset, makerFee, p.MakerOrderID, model.KindFee, "maker fee"); err != nil {
				return inconsistent(err)
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return SettleResult{}, err
	}
	return res, nil
}

// inconsistent wraps any mid-settlement failure as LEDGER_INCONSISTENT:
// once the walk has started applying a match, a lock/unlock shortfall is an
// invariant violation, not an ordinary funds error (spec §4.1, §7).
func inconsistent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrLedgerInconsistent, Message: err.Error()}
}

// spendLockedInTx permanently removes amount from userID's locked
// reservation for asset — the funds are paid out to the trade counterparty,
// not returned to available the way a plain unlock would. This is what
// distinguishes a settlement from a cancellation: both reduce Locked, but
// only a cancellation's leftover belongs back in Available.
func (l *Ledger) spendLockedInTx(tx *sql.Tx, userID, asset string, amount decimal.Decimal, orderID string) error {
	if amount.Sign() == 0 {
		return nil
	}
	b, err := l.store.GetBalanceForUpdate(tx, userID, asset)
	if err != nil {
		return err
	}
	if b.Locked.LessThan(amount) {
		return insufficientLocked(userID, asset, b.Locked, amount)
	}
	b.Locked = b.Locked.Sub(amount)
	if err := l.store.SetBalance(tx, userID, asset, b.Available, b.Locked); err != nil {
		return err
	}
	return l.appendEntry(tx, userID, orderID, model.KindTrade, asset, amount.Neg(), b.Available, b.Available, "trade settlement")
}

func (l *Ledger) creditInTx(tx *sql.Tx, userID, asset string, amount decimal.Decimal, orderID string, kind model.LedgerEntryKind, desc string) error {
	b, err := l.store.GetBalanceForUpdate(tx, userID, asset)
	if err != nil {
		return err
	}
	before := b.Available
	b.Available = b.Available.Add(amount)
	if err := l.store.SetBalance(tx, userID, asset, b.Available, b.Locked); err != nil {
		return err
	}
	return l.appendEntry(tx, userID, orderID, kind, asset, amount, before, b.Available, desc)
}
