package engine

import (
	"context"
	"time"

	"spotexchange/internal/model"
)

// processCancel implements spec §4.3.2: ownership check, pro-rata unlock of
// the unfilled portion, removal from the book, idempotent on a terminal
// order.
func (pe *PairEngine) processCancel(ctx context.Context, userID, orderID string) (model.OrderStatus, error) {
	o, err := pe.store.GetOrder(ctx, orderID)
	if err != nil {
		return "", unavailableErr(err.Error())
	}
	if o == nil || o.UserID != userID {
		return "", notFoundErr("order not found")
	}
	if o.Status.Terminal() {
		return o.Status, nil // idempotent: no new ledger entry, no status change
	}

	resting := pe.book.Cancel(o.ID)
	if resting != nil {
		o.Remaining = resting.Remaining
	}

	var unusedLock = o.LockedAmount
	if o.Amount.Sign() > 0 {
		unusedLock = o.LockedAmount.Mul(o.Remaining).Div(o.Amount)
	}
	if unusedLock.Sign() > 0 {
		if _, err := pe.ledger.Unlock(ctx, o.UserID, o.LockedAsset, unusedLock, o.ID); err != nil {
			return "", asTradingError(err)
		}
	}

	now := time.Now()
	o.Status = model.StatusCancelled
	o.CancelledAt = &now
	o.UpdatedAt = now

	tx, err := pe.store.BeginTx(ctx)
	if err != nil {
		pe.markDown(err.Error())
		return "", unavailableErr(err.Error())
	}
	if err := pe.store.UpdateOrderCancelled(tx, o.ID, o.Status, unusedLock, now); err != nil {
		tx.Rollback()
		pe.markDown(err.Error())
		return "", unavailableErr(err.Error())
	}
	if err := tx.Commit(); err != nil {
		pe.markDown(err.Error())
		return "", unavailableErr(err.Error())
	}

	pe.publishOrderUpdate(o)
	pe.publishBookChanged()
	return o.Status, nil
}
