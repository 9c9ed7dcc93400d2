package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"stock-exchange/internal/apperr"
	"stock-exchange/internal/model"
)

// Store is the durable ledger: users, wallets, balances, instruments,
// orders, trades. Everything the matching engine settles goes through a
// single transaction obtained from BeginTx.
type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

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

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ── Users ────────────────────────────────────────────

// CreateUser registers a user and its wallet in one transaction. The api
// key is issued server-side and returned with the new user.
func (s *Store) CreateUser(ctx context.Context, name string) (*model.User, error) {
	key, err := newAPIKey()
	if err != nil {
		return nil, err
	}
	u := &model.User{ID: uuid.New(), Name: name, Role: model.RoleUser, APIKey: key}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO users (id, name, role, api_key) VALUES ($1,$2,$3,$4)`,
		u.ID, u.Name, u.Role, u.APIKey,
	); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`INSERT INTO wallets (user_id) VALUES ($1)`, u.ID); err != nil {
		return nil, err
	}
	return u, tx.Commit()
}

func (s *Store) UserByAPIKey(ctx context.Context, key string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, role, api_key, created_at FROM users WHERE api_key=$1`, key,
	).Scan(&u.ID, &u.Name, &u.Role, &u.APIKey, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, role, api_key, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Name, &u.Role, &u.APIKey, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// DeleteUser removes the user; wallet, balances and orders follow via
// FK cascade.
func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("User")
	}
	return nil
}

func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ── Instruments ──────────────────────────────────────

func (s *Store) CreateInstrument(ctx context.Context, name, ticker string) (*model.Instrument, error) {
	in := &model.Instrument{Name: name, Ticker: ticker}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO instruments (ticker, name) VALUES ($1,$2) RETURNING id`, ticker, name,
	).Scan(&in.ID)
	if isUniqueViolation(err) {
		return nil, apperr.Errorf(apperr.KindConflict, "instrument %s already exists", ticker)
	}
	return in, err
}

func (s *Store) Instruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ticker, name FROM instruments ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Instrument
	for rows.Next() {
		var in model.Instrument
		if err := rows.Scan(&in.ID, &in.Ticker, &in.Name); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *Store) InstrumentByTicker(ctx context.Context, ticker string) (*model.Instrument, error) {
	in := &model.Instrument{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, ticker, name FROM instruments WHERE ticker=$1`, ticker,
	).Scan(&in.ID, &in.Ticker, &in.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return in, err
}

// DeleteInstrument removes the instrument; its orders and trades follow
// via FK cascade. Callers drain the book first so reservations are
// released through the normal cancel path.
func (s *Store) DeleteInstrument(ctx context.Context, ticker string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM instruments WHERE ticker=$1`, ticker)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("Instrument")
	}
	return nil
}

// ── Wallets ──────────────────────────────────────────

func (s *Store) WalletByUserID(ctx context.Context, userID uuid.UUID) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id FROM wallets WHERE user_id=$1`, userID,
	).Scan(&w.ID, &w.UserID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// ── Balances ─────────────────────────────────────────

// Balances returns ticker -> total amount (reserved included) for a wallet.
func (s *Store) Balances(ctx context.Context, walletID int64) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT i.ticker, b.amount FROM balances b
		 JOIN instruments i ON i.id = b.instrument_id
		 WHERE b.wallet_id=$1`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var ticker string
		var amount int64
		if err := rows.Scan(&ticker, &amount); err != nil {
			return nil, err
		}
		out[ticker] = amount
	}
	return out, rows.Err()
}

// BalanceForUpdate reads a balance row under a row lock, blocking
// concurrent writers of the same (wallet, instrument) until commit.
// Returns nil when no row exists yet.
func BalanceForUpdate(tx *sql.Tx, walletID, instrumentID int64) (*model.Balance, error) {
	b := &model.Balance{}
	err := tx.QueryRow(
		`SELECT wallet_id, instrument_id, amount, reserved FROM balances
		 WHERE wallet_id=$1 AND instrument_id=$2 FOR UPDATE`, walletID, instrumentID,
	).Scan(&b.WalletID, &b.InstrumentID, &b.Amount, &b.Reserved)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func ensureBalance(tx *sql.Tx, walletID, instrumentID int64) error {
	_, err := tx.Exec(
		`INSERT INTO balances (wallet_id, instrument_id, amount, reserved)
		 VALUES ($1,$2,0,0) ON CONFLICT (wallet_id, instrument_id) DO NOTHING`,
		walletID, instrumentID)
	return err
}

// Reserve earmarks amount on (wallet, instrument). Fails when the free
// part of the balance does not cover it.
func Reserve(tx *sql.Tx, walletID, instrumentID, amount int64) error {
	b, err := BalanceForUpdate(tx, walletID, instrumentID)
	if err != nil {
		return err
	}
	if b == nil || b.Available() < amount {
		return apperr.E(apperr.KindInsufficientFunds, "insufficient funds")
	}
	_, err = tx.Exec(
		`UPDATE balances SET reserved = reserved + $1 WHERE wallet_id=$2 AND instrument_id=$3`,
		amount, walletID, instrumentID)
	return err
}

// Release gives back previously reserved units. Releasing more than is
// reserved means the reservation accounting is broken somewhere.
func Release(tx *sql.Tx, walletID, instrumentID, amount int64) error {
	b, err := BalanceForUpdate(tx, walletID, instrumentID)
	if err != nil {
		return err
	}
	if b == nil || b.Reserved < amount {
		return fmt.Errorf("release %d on wallet %d instrument %d: %w",
			amount, walletID, instrumentID, apperr.ErrInsufficientReserved)
	}
	_, err = tx.Exec(
		`UPDATE balances SET reserved = reserved - $1 WHERE wallet_id=$2 AND instrument_id=$3`,
		amount, walletID, instrumentID)
	return err
}

// Transfer moves free units between wallets, creating the destination
// balance on demand.
func Transfer(tx *sql.Tx, fromWalletID, toWalletID, instrumentID, amount int64) error {
	from, err := BalanceForUpdate(tx, fromWalletID, instrumentID)
	if err != nil {
		return err
	}
	if from == nil || from.Available() < amount {
		return apperr.E(apperr.KindInsufficientFunds, "insufficient available funds")
	}
	if err := ensureBalance(tx, toWalletID, instrumentID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE balances SET amount = amount - $1 WHERE wallet_id=$2 AND instrument_id=$3`,
		amount, fromWalletID, instrumentID); err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE balances SET amount = amount + $1 WHERE wallet_id=$2 AND instrument_id=$3`,
		amount, toWalletID, instrumentID)
	return err
}

// Deposit credits a wallet outside any placement.
func (s *Store) Deposit(ctx context.Context, walletID, instrumentID, amount int64) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO balances (wallet_id, instrument_id, amount, reserved)
		 VALUES ($1,$2,$3,0)
		 ON CONFLICT (wallet_id, instrument_id) DO UPDATE SET amount = balances.amount + $3`,
		walletID, instrumentID, amount)
	return err
}

// Withdraw debits free units only; reserved funds stay untouchable so
// resting orders remain backed.
func (s *Store) Withdraw(ctx context.Context, walletID, instrumentID, amount int64) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	b, err := BalanceForUpdate(tx, walletID, instrumentID)
	if err != nil {
		return err
	}
	if b == nil || b.Available() < amount {
		return apperr.E(apperr.KindInsufficientFunds, "insufficient funds")
	}
	if _, err := tx.Exec(
		`UPDATE balances SET amount = amount - $1 WHERE wallet_id=$2 AND instrument_id=$3`,
		amount, walletID, instrumentID); err != nil {
		return err
	}
	return tx.Commit()
}

// ── Orders ───────────────────────────────────────────

const orderCols = `o.id, o.user_id, o.instrument_id, i.ticker, o.order_type,
	o.direction, o.status, o.qty, o.price, o.filled, o.seq, o.created_at`

func scanOrder(row interface{ Scan(...any) error }) (*model.Order, error) {
	o := &model.Order{}
	err := row.Scan(&o.ID, &o.UserID, &o.InstrumentID, &o.Ticker, &o.OrderType,
		&o.Direction, &o.Status, &o.Qty, &o.Price, &o.Filled, &o.Seq, &o.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func InsertOrder(tx *sql.Tx, o *model.Order) error {
	return tx.QueryRow(
		`INSERT INTO orders (id, user_id, instrument_id, order_type, direction, status, qty, price, filled, seq)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING created_at`,
		o.ID, o.UserID, o.InstrumentID, o.OrderType, o.Direction, o.Status, o.Qty, o.Price, o.Filled, o.Seq,
	).Scan(&o.Timestamp)
}

func (s *Store) OrderByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	return scanOrder(s.DB.QueryRowContext(ctx,
		`SELECT `+orderCols+` FROM orders o JOIN instruments i ON i.id=o.instrument_id WHERE o.id=$1`, id))
}

// OrderForUpdate locks the order row for the rest of the transaction.
func OrderForUpdate(tx *sql.Tx, id uuid.UUID) (*model.Order, error) {
	return scanOrder(tx.QueryRow(
		`SELECT `+orderCols+` FROM orders o JOIN instruments i ON i.id=o.instrument_id
		 WHERE o.id=$1 FOR UPDATE OF o`, id))
}

func (s *Store) UserOrders(ctx context.Context, userID uuid.UUID) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders o JOIN instruments i ON i.id=o.instrument_id
		 WHERE o.user_id=$1 ORDER BY o.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// OpenOrder pairs an active order with its owner's wallet, which is all
// the book needs to rebuild an entry.
type OpenOrder struct {
	model.Order
	WalletID int64
}

// OpenOrders returns the resting orders of one instrument in enqueue
// order; the book is rebuilt from exactly this set after a restart.
func (s *Store) OpenOrders(ctx context.Context, instrumentID int64) ([]OpenOrder, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+orderCols+`, w.id FROM orders o
		 JOIN instruments i ON i.id=o.instrument_id
		 JOIN wallets w ON w.user_id=o.user_id
		 WHERE o.instrument_id=$1 AND o.status IN ('NEW','PARTIALLY_EXECUTED')
		 ORDER BY o.seq`, instrumentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OpenOrder
	for rows.Next() {
		var oo OpenOrder
		if err := rows.Scan(&oo.ID, &oo.UserID, &oo.InstrumentID, &oo.Ticker, &oo.OrderType,
			&oo.Direction, &oo.Status, &oo.Qty, &oo.Price, &oo.Filled, &oo.Seq, &oo.Timestamp,
			&oo.WalletID); err != nil {
			return nil, err
		}
		out = append(out, oo)
	}
	return out, rows.Err()
}

// OpenOrdersByUser lists a user's resting orders across all instruments.
func (s *Store) OpenOrdersByUser(ctx context.Context, userID uuid.UUID) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders o JOIN instruments i ON i.id=o.instrument_id
		 WHERE o.user_id=$1 AND o.status IN ('NEW','PARTIALLY_EXECUTED') ORDER BY o.seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// UpdateOrderFilled advances the fill counter, then derives the resulting
// status and writes it in a second statement of the same transaction.
func UpdateOrderFilled(tx *sql.Tx, id uuid.UUID, fillQty int64) (model.OrderStatus, error) {
	var filled, qty int64
	err := tx.QueryRow(
		`UPDATE orders SET filled = filled + $1 WHERE id=$2 RETURNING filled, qty`,
		fillQty, id,
	).Scan(&filled, &qty)
	if err != nil {
		return "", err
	}
	status := model.StatusForFill(qty, filled)
	_, err = tx.Exec(`UPDATE orders SET status=$1 WHERE id=$2`, status, id)
	return status, err
}

func SetOrderStatus(tx *sql.Tx, id uuid.UUID, status model.OrderStatus) error {
	_, err := tx.Exec(`UPDATE orders SET status=$1 WHERE id=$2`, status, id)
	return err
}

// MaxSeq recovers the enqueue counter for one instrument after a restart.
func (s *Store) MaxSeq(ctx context.Context, instrumentID int64) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0) FROM orders WHERE instrument_id=$1`, instrumentID,
	).Scan(&seq)
	return seq, err
}

// ── Trades ───────────────────────────────────────────

func InsertTrade(tx *sql.Tx, t *model.Trade) error {
	return tx.QueryRow(
		`INSERT INTO transactions (instrument_id, wallet_id, amount, price)
		 VALUES ($1,$2,$3,$4) RETURNING id, created_at`,
		t.InstrumentID, t.WalletID, t.Amount, t.Price,
	).Scan(&t.ID, &t.Timestamp)
}

// Trades returns the most recent fills for an instrument, newest first.
func (s *Store) Trades(ctx context.Context, instrumentID int64, limit int) ([]model.Trade, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, instrument_id, wallet_id, amount, price, created_at
		 FROM transactions WHERE instrument_id=$1 ORDER BY id DESC LIMIT $2`,
		instrumentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.ID, &t.InstrumentID, &t.WalletID, &t.Amount, &t.Price, &t.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
