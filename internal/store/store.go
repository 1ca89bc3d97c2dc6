// Package store is the Postgres persistence layer: the RDBMS tables named
// in spec §6 (Assets, TradingPairs, Orders, OrderFills, LedgerEntries,
// Balances, Trades), reachable only through this package. The in-memory
// order book is a derived index rebuilt from here at boot.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"spotexchange/internal/model"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(40)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// Pagination is a simple offset+limit window, capped server-side per §4.6.
type Pagination struct {
	Page     int
	PageSize int
}

func (p Pagination) normalize() (limit, offset int) {
	limit = p.PageSize
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	page := p.Page
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, is_admin, created_at) VALUES ($1,$2,$3,$4,$5)`,
		u.ID, u.Username, u.PasswordHash, u.IsAdmin, u.CreatedAt)
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, username, password_hash, is_admin, created_at FROM users WHERE username=$1`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, username, password_hash, is_admin, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ── Assets & Pairs ───────────────────────────────────

func (s *Store) UpsertAsset(ctx context.Context, a model.Asset) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO assets (symbol, chain, decimals, min_deposit, min_withdraw, active)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (symbol) DO UPDATE SET chain=$2, decimals=$3, min_deposit=$4, min_withdraw=$5, active=$6`,
		a.Symbol, a.Chain, a.Decimals, a.MinDeposit.String(), a.MinWithdraw.String(), a.Active,
	)
	return err
}

func (s *Store) GetAsset(ctx context.Context, symbol string) (*model.Asset, error) {
	a := &model.Asset{}
	var minDep, minWd string
	err := s.DB.QueryRowContext(ctx,
		`SELECT symbol, chain, decimals, min_deposit, min_withdraw, active FROM assets WHERE symbol=$1`, symbol,
	).Scan(&a.Symbol, &a.Chain, &a.Decimals, &minDep, &minWd, &a.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.MinDeposit, _ = decimal.NewFromString(minDep)
	a.MinWithdraw, _ = decimal.NewFromString(minWd)
	return a, nil
}

func (s *Store) UpsertPair(ctx context.Context, p model.TradingPair) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO trading_pairs (base, quote, min_order_size, max_order_size, price_step, size_step, maker_fee, taker_fee, active)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (base, quote) DO UPDATE SET
		   min_order_size=$3, max_order_size=$4, price_step=$5, size_step=$6, maker_fee=$7, taker_fee=$8, active=$9`,
		p.Base, p.Quote, p.MinOrderSize.String(), p.MaxOrderSize.String(), p.PriceStep.String(), p.SizeStep.String(),
		p.MakerFee.String(), p.TakerFee.String(), p.Active,
	)
	return err
}

func (s *Store) GetPair(ctx context.Context, base, quote string) (*model.TradingPair, error) {
	p := &model.TradingPair{}
	var minSz, maxSz, priceStep, sizeStep, makerFee, takerFee string
	err := s.DB.QueryRowContext(ctx,
		`SELECT base, quote, min_order_size, max_order_size, price_step, size_step, maker_fee, taker_fee, active
		 FROM trading_pairs WHERE base=$1 AND quote=$2`, base, quote,
	).Scan(&p.Base, &p.Quote, &minSz, &maxSz, &priceStep, &sizeStep, &makerFee, &takerFee, &p.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.MinOrderSize, _ = decimal.NewFromString(minSz)
	p.MaxOrderSize, _ = decimal.NewFromString(maxSz)
	p.PriceStep, _ = decimal.NewFromString(priceStep)
	p.SizeStep, _ = decimal.NewFromString(sizeStep)
	p.MakerFee, _ = decimal.NewFromString(makerFee)
	p.TakerFee, _ = decimal.NewFromString(takerFee)
	return p, nil
}

func (s *Store) ListActivePairs(ctx context.Context) ([]model.TradingPair, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT base, quote, min_order_size, max_order_size, price_step, size_step, maker_fee, taker_fee, active
		 FROM trading_pairs WHERE active=true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TradingPair
	for rows.Next() {
		p := model.TradingPair{}
		var minSz, maxSz, priceStep, sizeStep, makerFee, takerFee string
		if err := rows.Scan(&p.Base, &p.Quote, &minSz, &maxSz, &priceStep, &sizeStep, &makerFee, &takerFee, &p.Active); err != nil {
			return nil, err
		}
		p.MinOrderSize, _ = decimal.NewFromString(minSz)
		p.MaxOrderSize, _ = decimal.NewFromString(maxSz)
		p.PriceStep, _ = decimal.NewFromString(priceStep)
		p.SizeStep, _ = decimal.NewFromString(sizeStep)
		p.MakerFee, _ = decimal.NewFromString(makerFee)
		p.TakerFee, _ = decimal.NewFromString(takerFee)
		out = append(out, p)
	}
	return out, nil
}

// ── Balances ─────────────────────────────────────────

// GetBalanceForUpdate locks (or lazily creates) a balance row within tx.
func (s *Store) GetBalanceForUpdate(tx *sql.Tx, userID, asset string) (*model.Balance, error) {
	_, err := tx.Exec(
		`INSERT INTO balances (user_id, asset, available, locked) VALUES ($1,$2,0,0)
		 ON CONFLICT (user_id, asset) DO NOTHING`, userID, asset)
	if err != nil {
		return nil, err
	}
	b := &model.Balance{UserID: userID, Asset: asset}
	var avail, locked string
	err = tx.QueryRow(
		`SELECT available, locked FROM balances WHERE user_id=$1 AND asset=$2 FOR UPDATE`, userID, asset,
	).Scan(&avail, &locked)
	if err != nil {
		return nil, err
	}
	b.Available, _ = decimal.NewFromString(avail)
	b.Locked, _ = decimal.NewFromString(locked)
	return b, nil
}

func (s *Store) GetBalance(ctx context.Context, userID, asset string) (*model.Balance, error) {
	b := &model.Balance{UserID: userID, Asset: asset}
	var avail, locked string
	err := s.DB.QueryRowContext(ctx,
		`SELECT available, locked FROM balances WHERE user_id=$1 AND asset=$2`, userID, asset,
	).Scan(&avail, &locked)
	if err == sql.ErrNoRows {
		return &model.Balance{UserID: userID, Asset: asset, Available: decimal.Zero, Locked: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	b.Available, _ = decimal.NewFromString(avail)
	b.Locked, _ = decimal.NewFromString(locked)
	return b, nil
}

func (s *Store) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT asset, available, locked FROM balances WHERE user_id=$1 ORDER BY asset`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Balance
	for rows.Next() {
		b := model.Balance{UserID: userID}
		var avail, locked string
		if err := rows.Scan(&b.Asset, &avail, &locked); err != nil {
			return nil, err
		}
		b.Available, _ = decimal.NewFromString(avail)
		b.Locked, _ = decimal.NewFromString(locked)
		out = append(out, b)
	}
	return out, nil
}

// SetBalance writes the absolute available/locked values computed by the caller
// (which already holds the row lock from GetBalanceForUpdate).
func (s *Store) SetBalance(tx *sql.Tx, userID, asset string, available, locked decimal.Decimal) error {
	_, err := tx.Exec(
		`UPDATE balances SET available=$1, locked=$2 WHERE user_id=$3 AND asset=$4`,
		available.String(), locked.String(), userID, asset)
	return err
}

// ── Ledger entries ───────────────────────────────────

func (s *Store) InsertLedgerEntry(tx *sql.Tx, e *model.LedgerEntry) error {
	_, err := tx.Exec(
		`INSERT INTO ledger_entries (id, user_id, order_id, kind, asset, amount, balance_before, balance_after, description, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.UserID, nullString(e.OrderID), e.Kind, e.Asset, e.Amount.String(),
		e.BalanceBefore.String(), e.BalanceAfter.String(), e.Description, e.CreatedAt,
	)
	return err
}

func (s *Store) LedgerHistory(ctx context.Context, userID string, asset string, kind string, pg Pagination) ([]model.LedgerEntry, error) {
	limit, offset := pg.normalize()
	q := `SELECT id, user_id, COALESCE(order_id,''), kind, asset, amount, balance_before, balance_after, description, created_at
	      FROM ledger_entries WHERE user_id=$1`
	args := []any{userID}
	n := 2
	if asset != "" {
		q += fmt.Sprintf(" AND asset=$%d", n)
		args = append(args, asset)
		n++
	}
	if kind != "" {
		q += fmt.Sprintf(" AND kind=$%d", n)
		args = append(args, kind)
		n++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, offset)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amt, before, after string
		if err := rows.Scan(&e.ID, &e.UserID, &e.OrderID, &e.Kind, &e.Asset, &amt, &before, &after, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amt)
		e.BalanceBefore, _ = decimal.NewFromString(before)
		e.BalanceAfter, _ = decimal.NewFromString(after)
		out = append(out, e)
	}
	return out, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ── Orders ───────────────────────────────────────────

func (s *Store) InsertOrder(tx *sql.Tx, o *model.Order) error {
	_, err := tx.Exec(
		`INSERT INTO orders (id, user_id, pair, type, side, price, quote_budget, amount, filled, remaining,
		  average_price, status, time_in_force, locked_amount, locked_asset, seq, client_order_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		o.ID, o.UserID, o.Pair, o.Type, o.Side, nullDecimal(o.Price), nullDecimal(o.QuoteBudget),
		o.Amount.String(), o.Filled.String(), o.Remaining.String(), o.AveragePrice.String(), o.Status,
		o.TimeInForce, o.LockedAmount.String(), o.LockedAsset, o.Seq, nullString(o.ClientOrderID),
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

// UpdateOrderFillState persists a fill's effect on an order: new filled/remaining/avgPrice/status.
func (s *Store) UpdateOrderFillState(tx *sql.Tx, o *model.Order) error {
	_, err := tx.Exec(
		`UPDATE orders SET filled=$1, remaining=$2, average_price=$3, status=$4, locked_amount=$5,
		  updated_at=$6, filled_at=$7 WHERE id=$8`,
		o.Filled.String(), o.Remaining.String(), o.AveragePrice.String(), o.Status, o.LockedAmount.String(),
		o.UpdatedAt, o.FilledAt, o.ID,
	)
	return err
}

func (s *Store) UpdateOrderCancelled(tx *sql.Tx, orderID string, status model.OrderStatus, lockedAmount decimal.Decimal, cancelledAt time.Time) error {
	_, err := tx.Exec(
		`UPDATE orders SET status=$1, locked_amount=$2, cancelled_at=$3, updated_at=$3 WHERE id=$4`,
		status, lockedAmount.String(), cancelledAt, orderID)
	return err
}

func (s *Store) UpdateOrderRejectedPartial(tx *sql.Tx, orderID, reason string) error {
	_, err := tx.Exec(
		`UPDATE orders SET status=$1, reject_reason=$2, updated_at=now() WHERE id=$3`,
		model.StatusRejectedPartial, reason, orderID)
	return err
}

func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.DB.QueryRowContext(ctx, orderSelectCols+` FROM orders WHERE id=$1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

const orderSelectCols = `SELECT id, user_id, pair, type, side, price, quote_budget, amount, filled, remaining,
	  average_price, status, time_in_force, locked_amount, locked_asset, seq, COALESCE(client_order_id,''),
	  COALESCE(reject_reason,''), created_at, updated_at, filled_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	o := &model.Order{}
	var price, quoteBudget sql.NullString
	var amount, filled, remaining, avgPrice, lockedAmount string
	err := row.Scan(&o.ID, &o.UserID, &o.Pair, &o.Type, &o.Side, &price, &quoteBudget, &amount, &filled,
		&remaining, &avgPrice, &o.Status, &o.TimeInForce, &lockedAmount, &o.LockedAsset, &o.Seq,
		&o.ClientOrderID, &o.RejectReason, &o.CreatedAt, &o.UpdatedAt, &o.FilledAt, &o.CancelledAt)
	if err != nil {
		return nil, err
	}
	if price.Valid {
		d, _ := decimal.NewFromString(price.String)
		o.Price = decimal.NewNullDecimal(d)
	}
	if quoteBudget.Valid {
		d, _ := decimal.NewFromString(quoteBudget.String)
		o.QuoteBudget = decimal.NewNullDecimal(d)
	}
	o.Amount, _ = decimal.NewFromString(amount)
	o.Filled, _ = decimal.NewFromString(filled)
	o.Remaining, _ = decimal.NewFromString(remaining)
	o.AveragePrice, _ = decimal.NewFromString(avgPrice)
	o.LockedAmount, _ = decimal.NewFromString(lockedAmount)
	return o, nil
}

func (s *Store) GetOpenOrders(ctx context.Context, pair string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		orderSelectCols+` FROM orders WHERE pair=$1 AND status IN ('pending','partial') ORDER BY seq`, pair)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrderRows(rows)
}

func (s *Store) ListUserOrders(ctx context.Context, userID, pair, status string, pg Pagination) ([]model.Order, error) {
	limit, offset := pg.normalize()
	q := orderSelectCols + ` FROM orders WHERE user_id=$1`
	args := []any{userID}
	n := 2
	if pair != "" {
		q += fmt.Sprintf(" AND pair=$%d", n)
		args = append(args, pair)
		n++
	}
	if status != "" {
		q += fmt.Sprintf(" AND status=$%d", n)
		args = append(args, status)
		n++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, offset)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrderRows(rows)
}

func scanOrderRows(rows *sql.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, nil
}

func (s *Store) MaxSeq(ctx context.Context, pair string) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0) FROM (
			SELECT seq FROM orders WHERE pair=$1
			UNION ALL SELECT seq FROM trades WHERE pair=$1
		 ) t`, pair,
	).Scan(&seq)
	return seq, err
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

// ── Fills & Trades ───────────────────────────────────

func (s *Store) InsertFill(tx *sql.Tx, f *model.OrderFill) error {
	_, err := tx.Exec(
		`INSERT INTO order_fills (id, order_id, trade_seq, pair, amount, price, fee, fee_asset, is_maker, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		f.ID, f.OrderID, f.TradeSeq, f.Pair, f.Amount.String(), f.Price.String(), f.Fee.String(), f.FeeAsset, f.IsMaker, f.CreatedAt,
	)
	return err
}

func (s *Store) InsertTrade(tx *sql.Tx, t *model.Trade) error {
	_, err := tx.Exec(
		`INSERT INTO trades (id, pair, taker_order_id, maker_order_id, taker_user_id, maker_user_id, taker_side, price, amount, seq, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.Pair, t.TakerOrderID, t.MakerOrderID, t.TakerUserID, t.MakerUserID, t.TakerSide, t.Price.String(), t.Amount.String(), t.Seq, t.CreatedAt,
	)
	return err
}

func (s *Store) ListTrades(ctx context.Context, pair string, pg Pagination) ([]model.Trade, error) {
	limit, offset := pg.normalize()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, pair, taker_order_id, maker_order_id, taker_user_id, maker_user_id, taker_side, price, amount, seq, created_at
		 FROM trades WHERE pair=$1 ORDER BY seq DESC LIMIT $2 OFFSET $3`, pair, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var price, amount string
		if err := rows.Scan(&t.ID, &t.Pair, &t.TakerOrderID, &t.MakerOrderID, &t.TakerUserID, &t.MakerUserID,
			&t.TakerSide, &price, &amount, &t.Seq, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(price)
		t.Amount, _ = decimal.NewFromString(amount)
		out = append(out, t)
	}
	return out, nil
}
