package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	*pgQueries
	pool *pgxpool.Pool
}

// NewPostgres constructs a Store backed by pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pgQueries: &pgQueries{db: pool}, pool: pool}
}

// WithTx begins a transaction, runs fn and commits when fn returns nil.
func (p *Postgres) WithTx(ctx context.Context, fn func(Queries) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgQueries struct {
	db DBTX
}

const orderColumns = `id, trade_no, origin_trade_no, attempts, total_amount, status, kind, need_id, item_name, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o      Order
		status string
		kind   string
	)
	if err := row.Scan(&o.ID, &o.TradeNo, &o.OriginTradeNo, &o.Attempts, &o.TotalAmount, &status, &kind, &o.NeedID, &o.ItemName, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, notFound(err)
	}
	o.Status = OrderStatus(status)
	o.Kind = OrderKind(kind)
	return o, nil
}

func (q *pgQueries) GetOrder(ctx context.Context, id uuid.UUID) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (q *pgQueries) GetOrderByTradeNo(ctx context.Context, tradeNo string) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE trade_no = $1`, tradeNo))
}

func (q *pgQueries) ListOrderLines(ctx context.Context, orderID uuid.UUID) ([]Line, error) {
	rows, err := q.db.Query(ctx, `SELECT supply_id, need_id, qty, unit_price FROM order_details WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var (
			supplyID *uuid.UUID
			needID   *uuid.UUID
			qty      int64
			price    int64
		)
		if err := rows.Scan(&supplyID, &needID, &qty, &price); err != nil {
			return nil, err
		}
		switch {
		case supplyID != nil:
			lines = append(lines, SupplyLine{SupplyID: *supplyID, Qty: qty, UnitPrice: price})
		case needID != nil:
			lines = append(lines, NeedLine{NeedID: *needID, Qty: qty, UnitPrice: price})
		default:
			return nil, fmt.Errorf("order %s has a detail without supply or need", orderID)
		}
	}
	return lines, rows.Err()
}

func (q *pgQueries) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status OrderStatus) error {
	tag, err := q.db.Exec(ctx, `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) UpdateOrderTradeNo(ctx context.Context, id uuid.UUID, tradeNo string, attempts int) error {
	tag, err := q.db.Exec(ctx, `UPDATE orders SET trade_no = $2, attempts = $3, updated_at = now() WHERE id = $1`, id, tradeNo, attempts)
	if err != nil {
		return tradeNoConflict(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const transactionColumns = `id, order_id, trade_no, status, COALESCE(gateway_trade_no, ''), payload, created_at, updated_at, settled_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t      Transaction
		status string
	)
	if err := row.Scan(&t.ID, &t.OrderID, &t.TradeNo, &status, &t.GatewayTradeNo, &t.Payload, &t.CreatedAt, &t.UpdatedAt, &t.SettledAt); err != nil {
		return Transaction{}, notFound(err)
	}
	t.Status = TransactionStatus(status)
	return t, nil
}

func (q *pgQueries) GetTransactionByTradeNo(ctx context.Context, tradeNo string) (Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE trade_no = $1`, tradeNo))
}

func (q *pgQueries) GetTransactionByOrder(ctx context.Context, orderID uuid.UUID) (Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE order_id = $1`, orderID))
}

func (q *pgQueries) LockTransaction(ctx context.Context, tradeNo string) (Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE trade_no = $1 FOR UPDATE`, tradeNo))
}

func (q *pgQueries) UpsertProcessingTransaction(ctx context.Context, orderID uuid.UUID, tradeNo string) (Transaction, error) {
	t, err := scanTransaction(q.db.QueryRow(ctx, `INSERT INTO transactions (order_id, trade_no, status)
VALUES ($1, $2, 'PROCESSING')
ON CONFLICT (trade_no) DO UPDATE SET status = 'PROCESSING', updated_at = now()
WHERE transactions.status IN ('PENDING', 'PROCESSING')
RETURNING `+transactionColumns, orderID, tradeNo))
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, ErrTransactionTerminal
	}
	return t, err
}

func (q *pgQueries) TransitionTransaction(ctx context.Context, tradeNo string, from []TransactionStatus, to TransactionStatus, gatewayTradeNo string) (bool, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	tag, err := q.db.Exec(ctx, `UPDATE transactions
SET status = $2,
    gateway_trade_no = COALESCE(NULLIF($4, ''), gateway_trade_no),
    settled_at = CASE WHEN $2 IN ('SUCCESS', 'FAILED') THEN now() ELSE settled_at END,
    updated_at = now()
WHERE trade_no = $1 AND status = ANY($3)`, tradeNo, string(to), allowed, gatewayTradeNo)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) SaveTransactionPayload(ctx context.Context, tradeNo string, payload []byte) error {
	tag, err := q.db.Exec(ctx, `UPDATE transactions SET payload = $2::jsonb, updated_at = now() WHERE trade_no = $1`, tradeNo, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) ResetTransaction(ctx context.Context, orderID uuid.UUID, tradeNo string) (Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `INSERT INTO transactions (order_id, trade_no, status)
VALUES ($1, $2, 'PENDING')
ON CONFLICT (order_id) DO UPDATE
SET trade_no = EXCLUDED.trade_no, status = 'PENDING', payload = NULL, gateway_trade_no = NULL, settled_at = NULL, updated_at = now()
RETURNING `+transactionColumns, orderID, tradeNo))
}

func (q *pgQueries) IncrementSupplyStock(ctx context.Context, id uuid.UUID, qty int64) error {
	tag, err := q.db.Exec(ctx, `UPDATE supplies SET stock = stock + $2, updated_at = now() WHERE id = $1`, id, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) AddNeedCollected(ctx context.Context, id uuid.UUID, qty int64) (EmergencyNeed, error) {
	var (
		n      EmergencyNeed
		status string
	)
	err := q.db.QueryRow(ctx, `UPDATE emergency_needs SET collected = collected + $2, updated_at = now() WHERE id = $1
RETURNING id, title, requested, collected, status`, id, qty).Scan(&n.ID, &n.Title, &n.Requested, &n.Collected, &status)
	if err != nil {
		return EmergencyNeed{}, notFound(err)
	}
	n.Status = NeedStatus(status)
	return n, nil
}

func (q *pgQueries) CompleteNeed(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE emergency_needs SET status = 'COMPLETED', updated_at = now() WHERE id = $1 AND status = 'FUNDRAISING'`, id)
	return err
}

func tradeNoConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrTradeNoTaken
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
