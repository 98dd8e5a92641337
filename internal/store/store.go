// Package store persists donation orders, their payment transactions and the
// collaborator aggregates that reconciliation updates.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrTransactionTerminal is returned when a write would reopen a settled transaction.
	ErrTransactionTerminal = errors.New("store: transaction already terminal")
	// ErrTradeNoTaken is returned when a trade number already belongs to another order.
	ErrTradeNoTaken = errors.New("store: trade number already in use")
)

// Queries is the set of statements the payment pipeline issues. Implementations
// run them either directly or inside a transaction handed out by WithTx.
type Queries interface {
	GetOrder(ctx context.Context, id uuid.UUID) (Order, error)
	GetOrderByTradeNo(ctx context.Context, tradeNo string) (Order, error)
	ListOrderLines(ctx context.Context, orderID uuid.UUID) ([]Line, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status OrderStatus) error
	UpdateOrderTradeNo(ctx context.Context, id uuid.UUID, tradeNo string, attempts int) error

	GetTransactionByTradeNo(ctx context.Context, tradeNo string) (Transaction, error)
	GetTransactionByOrder(ctx context.Context, orderID uuid.UUID) (Transaction, error)
	// LockTransaction reads the row with a write lock held until the surrounding transaction ends.
	LockTransaction(ctx context.Context, tradeNo string) (Transaction, error)
	// UpsertProcessingTransaction creates the row or moves a non-terminal one to PROCESSING.
	UpsertProcessingTransaction(ctx context.Context, orderID uuid.UUID, tradeNo string) (Transaction, error)
	// TransitionTransaction sets status to `to` only when the current status is one of `from`.
	TransitionTransaction(ctx context.Context, tradeNo string, from []TransactionStatus, to TransactionStatus, gatewayTradeNo string) (bool, error)
	SaveTransactionPayload(ctx context.Context, tradeNo string, payload []byte) error
	// ResetTransaction points the order's transaction at a new trade number in PENDING state.
	ResetTransaction(ctx context.Context, orderID uuid.UUID, tradeNo string) (Transaction, error)

	IncrementSupplyStock(ctx context.Context, id uuid.UUID, qty int64) error
	AddNeedCollected(ctx context.Context, id uuid.UUID, qty int64) (EmergencyNeed, error)
	CompleteNeed(ctx context.Context, id uuid.UUID) error
}

// Store exposes Queries plus a unit of work.
type Store interface {
	Queries
	// WithTx runs fn in a single database transaction. Returning an error rolls it back.
	WithTx(ctx context.Context, fn func(Queries) error) error
}

var (
	_ Store   = (*Postgres)(nil)
	_ Store   = (*Memory)(nil)
	_ Queries = (*memState)(nil)
)
