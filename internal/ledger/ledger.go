// Package ledger implements the Ledger (spec §4.1): atomic per-user
// per-asset balances with an append-only audit trail. Every mutation here
// commits to the store inside one DB transaction together with its
// LedgerEntry row.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spotexchange/internal/model"
	"spotexchange/internal/store"
)

// Kind strings used by TradingError (spec §7); kept here so the engine can
// compare against them without importing engine<->ledger in a cycle.
const (
	ErrInsufficientAvailable = "INSUFFICIENT_AVAILABLE"
	ErrInsufficientLocked    = "INSUFFICIENT_LOCKED"
	ErrLedgerInconsistent    = "LEDGER_INCONSISTENT"
)

// Error is a ledger-kind failure; engine wraps these into TradingError.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func insufficientAvailable(userID, asset string, have, need decimal.Decimal) *Error {
	return &Error{Kind: ErrInsufficientAvailable, Message: fmt.Sprintf("user %s asset %s: have %s available, need %s", userID, asset, have, need)}
}

func insufficientLocked(userID, asset string, have, need decimal.Decimal) *Error {
	return &Error{Kind: ErrInsufficientLocked, Message: fmt.Sprintf("user %s asset %s: have %s locked, need %s", userID, asset, have, need)}
}

// Ledger serializes mutation per (userId, asset) via an in-memory mutex
// registry, matching spec §5's "user-asset lock (inner)".
type Ledger struct {
	store *store.Store
	log   zerolog.Logger

	regMu sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st *store.Store, log zerolog.Logger) *Ledger {
	return &Ledger{store: st, log: log.With().Str("component", "ledger").Logger(), locks: make(map[string]*sync.Mutex)}
}

func lockKey(userID, asset string) string { return userID + "|" + asset }

func (l *Ledger) mutexFor(userID, asset string) *sync.Mutex {
	key := lockKey(userID, asset)
	l.regMu.Lock()
	defer l.regMu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// userAsset identifies one (userId, asset) pair a call needs to lock.
type userAsset struct {
	userID, asset string
}

// withLocks acquires the mutexes for every distinct (userId, asset) pair in
// sorted order (spec §5: "sort by userId then asset") and runs fn, which
// typically wraps one DB transaction touching all of them.
func (l *Ledger) withLocks(pairs []userAsset, fn func() error) error {
	seen := map[string]bool{}
	var uniq []userAsset
	for _, p := range pairs {
		k := lockKey(p.userID, p.asset)
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, p)
		}
	}
	sort.Slice(uniq, func(i, j int) bool {
		if uniq[i].userID != uniq[j].userID {
			return uniq[i].userID < uniq[j].userID
		}
		return uniq[i].asset < uniq[j].asset
	})
	mutexes := make([]*sync.Mutex, len(uniq))
	for i, p := range uniq {
		mutexes[i] = l.mutexFor(p.userID, p.asset)
	}
	for _, m := range mutexes {
		m.Lock()
	}
	defer func() {
		for i := len(mutexes) - 1; i >= 0; i-- {
			mutexes[i].Unlock()
		}
	}()
	return fn()
}

func (l *Ledger) appendEntry(tx *sql.Tx, userID, orderID string, kind model.LedgerEntryKind, asset string, signedAmount, before, after decimal.Decimal, desc string) error {
	e := &model.LedgerEntry{
		ID: uuid.New().String(), UserID: userID, OrderID: orderID, Kind: kind, Asset: asset,
		Amount: signedAmount, BalanceBefore: before, BalanceAfter: after, Description: desc, CreatedAt: time.Now(),
	}
	return l.store.InsertLedgerEntry(tx, e)
}

// Credit adds to available and writes a deposit entry.
func (l *Ledger) Credit(ctx context.Context, userID, asset string, amount decimal.Decimal, reason string) (bal model.Balance, err error) {
	if amount.Sign() < 0 {
		return bal, &Error{Kind: "VALIDATION", Message: "credit amount must be non-negative"}
	}
	err = l.withLocks([]userAsset{{userID, asset}}, func() error {
		tx, e := l.store.BeginTx(ctx)
		if e != nil {
			return e
		}
		defer tx.Rollback()
		b, e := l.store.GetBalanceForUpdate(tx, userID, asset)
		if e != nil {
			return e
		}
		before := b.Available
		b.Available = b.Available.Add(amount)
		if e := l.store.SetBalance(tx, userID, asset, b.Available, b.Locked); e != nil {
			return e
		}
		if e := l.appendEntry(tx, userID, "", model.KindDeposit, asset, amount, before, b.Available, reason); e != nil {
			return e
		}
		if e := tx.Commit(); e != nil {
			return e
		}
		bal = *b
		return nil
	})
	return bal, err
}

// Debit subtracts from available; fails INSUFFICIENT_AVAILABLE on shortfall.
func (l *Ledger) Debit(ctx context.Context, userID, asset string, amount decimal.Decimal, reason string) (bal model.Balance, err error) {
	err = l.withLocks([]userAsset{{userID, asset}}, func() error {
		tx, e := l.store.BeginTx(ctx)
		if e != nil {
			return e
		}
		defer tx.Rollback()
		b, e := l.store.GetBalanceForUpdate(tx, userID, asset)
		if e != nil {
			return e
		}
		if b.Available.LessThan(amount) {
			return insufficientAvailable(userID, asset, b.Available, amount)
		}
		before := b.Available
		b.Available = b.Available.Sub(amount)
		if e := l.store.SetBalance(tx, userID, asset, b.Available, b.Locked); e != nil {
			return e
		}
		if e := l.appendEntry(tx, userID, "", model.KindWithdrawal, asset, amount.Neg(), before, b.Available, reason); e != nil {
			return e
		}
		if e := tx.Commit(); e != nil {
			return e
		}
		bal = *b
		return nil
	})
	return bal, err
}

// Lock moves from available to locked; fails INSUFFICIENT_AVAILABLE on shortfall.
func (l *Ledger) Lock(ctx context.Context, userID, asset string, amount decimal.Decimal, orderID string) (bal model.Balance, err error) {
	err = l.withLocks([]userAsset{{userID, asset}}, func() error {
		tx, e := l.store.BeginTx(ctx)
		if e != nil {
			return e
		}
		defer tx.Rollback()
		b, e := l.store.GetBalanceForUpdate(tx, userID, asset)
		if e != nil {
			return e
		}
		if b.Available.LessThan(amount) {
			return insufficientAvailable(userID, asset, b.Available, amount)
		}
		beforeAvail := b.Available
		b.Available = b.Available.Sub(amount)
		b.Locked = b.Locked.Add(amount)
		if e := l.store.SetBalance(tx, userID, asset, b.Available, b.Locked); e != nil {
			return e
		}
		if e := l.appendEntry(tx, userID, orderID, model.KindLock, asset, amount.Neg(), beforeAvail, b.Available, "lock for order "+orderID); e != nil {
			return e
		}
		if e := tx.Commit(); e != nil {
			return e
		}
		bal = *b
		return nil
	})
	return bal, err
}

// Unlock reverses Lock; fails INSUFFICIENT_LOCKED on shortfall.
func (l *Ledger) Unlock(ctx context.Context, userID, asset string, amount decimal.Decimal, orderID string) (bal model.Balance, err error) {
	if amount.Sign() == 0 {
		return l.currentBalance(ctx, userID, asset)
	}
	err = l.withLocks([]userAsset{{userID, asset}}, func() error {
		tx, e := l.store.BeginTx(ctx)
		if e != nil {
			return e
		}
		defer tx.Rollback()
		b, e := l.store.GetBalanceForUpdate(tx, userID, asset)
		if e != nil {
			return e
		}
		if b.Locked.LessThan(amount) {
			return insufficientLocked(userID, asset, b.Locked, amount)
		}
		beforeAvail := b.Available
		b.Locked = b.Locked.Sub(amount)
		b.Available = b.Available.Add(amount)
		if e := l.store.SetBalance(tx, userID, asset, b.Available, b.Locked); e != nil {
			return e
		}
		if e := l.appendEntry(tx, userID, orderID, model.KindUnlock, asset, amount, beforeAvail, b.Available, "unlock for order "+orderID); e != nil {
			return e
		}
		if e := tx.Commit(); e != nil {
			return e
		}
		bal = *b
		return nil
	})
	return bal, err
}

func (l *Ledger) currentBalance(ctx context.Context, userID, asset string) (model.Balance, error) {
	b, err := l.store.GetBalance(ctx, userID, asset)
	if err != nil {
		return model.Balance{}, err
	}
	return *b, nil
}

// Transfer is an atomic internal debit+credit between two users of the same asset.
func (l *Ledger) Transfer(ctx context.Context, from, to, asset string, amount decimal.Decimal, reason string) error {
	return l.withLocks([]userAsset{{from, asset}, {to, asset}}, func() error {
		tx, err := l.store.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		fb, err := l.store.GetBalanceForUpdate(tx, from, asset)
		if err != nil {
			return err
		}
		if fb.Available.LessThan(amount) {
			return insufficientAvailable(from, asset, fb.Available, amount)
		}
		tb, err := l.store.GetBalanceForUpdate(tx, to, asset)
		if err != nil {
			return err
		}

		fromBefore := fb.Available
		fb.Available = fb.Available.Sub(amount)
		toBefore := tb.Available
		tb.Available = tb.Available.Add(amount)

		if err := l.store.SetBalance(tx, from, asset, fb.Available, fb.Locked); err != nil {
			return err
		}
		if err := l.store.SetBalance(tx, to, asset, tb.Available, tb.Locked); err != nil {
			return err
		}
		if err := l.appendEntry(tx, from, "", model.KindWithdrawal, asset, amount.Neg(), fromBefore, fb.Available, reason); err != nil {
			return err
		}
		if err := l.appendEntry(tx, to, "", model.KindDeposit, asset, amount, toBefore, tb.Available, reason); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// History returns paginated ledger entries for a user, optionally filtered
// by asset and/or kind (spec §4.6 / §6 ledgerHistory).
func (l *Ledger) History(ctx context.Context, userID, asset, kind string, pg store.Pagination) ([]model.LedgerEntry, error) {
	return l.store.LedgerHistory(ctx, userID, asset, kind, pg)
}

func (l *Ledger) Balance(ctx context.Context, userID, asset string) (model.Balance, error) {
	return l.currentBalance(ctx, userID, asset)
}

func (l *Ledger) Balances(ctx context.Context, userID string) ([]model.Balance, error) {
	return l.store.ListBalances(ctx, userID)
}
