package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. All statements are serialized and WithTx runs
// on a copy of the state that replaces the original only when fn succeeds.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

// WithTx implements Store.
func (m *Memory) WithTx(_ context.Context, fn func(Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.state = work
	return nil
}

// SeedSupply inserts or replaces a supply row.
func (m *Memory) SeedSupply(s Supply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.supplies[s.ID] = s
}

// SeedNeed inserts or replaces an emergency need row.
func (m *Memory) SeedNeed(n EmergencyNeed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.needs[n.ID] = n
}

// SeedOrder inserts an order with its lines. Missing timestamps default to now.
func (m *Memory) SeedOrder(o Order, lines ...Line) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.state.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	if o.OriginTradeNo == "" {
		o.OriginTradeNo = o.TradeNo
	}
	if o.Status == "" {
		o.Status = OrderStatusPending
	}
	m.state.orders[o.ID] = o
	m.state.lines[o.ID] = slices.Clone(lines)
}

// SeedTransaction inserts or replaces a transaction row.
func (m *Memory) SeedTransaction(t Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	m.state.txns[t.OrderID] = t
}

// Supply returns the current supply row.
func (m *Memory) Supply(id uuid.UUID) (Supply, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.supplies[id]
	return s, ok
}

// Need returns the current emergency need row.
func (m *Memory) Need(id uuid.UUID) (EmergencyNeed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.state.needs[id]
	return n, ok
}

// TransactionCount returns the number of transaction rows.
func (m *Memory) TransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.txns)
}

// SetClock overrides the time source used for timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.now = now
}

func (m *Memory) GetOrder(ctx context.Context, id uuid.UUID) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetOrder(ctx, id)
}

func (m *Memory) GetOrderByTradeNo(ctx context.Context, tradeNo string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetOrderByTradeNo(ctx, tradeNo)
}

func (m *Memory) ListOrderLines(ctx context.Context, orderID uuid.UUID) ([]Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListOrderLines(ctx, orderID)
}

func (m *Memory) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateOrderStatus(ctx, id, status)
}

func (m *Memory) UpdateOrderTradeNo(ctx context.Context, id uuid.UUID, tradeNo string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateOrderTradeNo(ctx, id, tradeNo, attempts)
}

func (m *Memory) GetTransactionByTradeNo(ctx context.Context, tradeNo string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetTransactionByTradeNo(ctx, tradeNo)
}

func (m *Memory) GetTransactionByOrder(ctx context.Context, orderID uuid.UUID) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetTransactionByOrder(ctx, orderID)
}

func (m *Memory) LockTransaction(ctx context.Context, tradeNo string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LockTransaction(ctx, tradeNo)
}

func (m *Memory) UpsertProcessingTransaction(ctx context.Context, orderID uuid.UUID, tradeNo string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpsertProcessingTransaction(ctx, orderID, tradeNo)
}

func (m *Memory) TransitionTransaction(ctx context.Context, tradeNo string, from []TransactionStatus, to TransactionStatus, gatewayTradeNo string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.TransitionTransaction(ctx, tradeNo, from, to, gatewayTradeNo)
}

func (m *Memory) SaveTransactionPayload(ctx context.Context, tradeNo string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveTransactionPayload(ctx, tradeNo, payload)
}

func (m *Memory) ResetTransaction(ctx context.Context, orderID uuid.UUID, tradeNo string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ResetTransaction(ctx, orderID, tradeNo)
}

func (m *Memory) IncrementSupplyStock(ctx context.Context, id uuid.UUID, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IncrementSupplyStock(ctx, id, qty)
}

func (m *Memory) AddNeedCollected(ctx context.Context, id uuid.UUID, qty int64) (EmergencyNeed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AddNeedCollected(ctx, id, qty)
}

func (m *Memory) CompleteNeed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CompleteNeed(ctx, id)
}

type memState struct {
	orders   map[uuid.UUID]Order
	lines    map[uuid.UUID][]Line
	txns     map[uuid.UUID]Transaction // keyed by order id
	supplies map[uuid.UUID]Supply
	needs    map[uuid.UUID]EmergencyNeed
	now      func() time.Time
}

func newMemState() *memState {
	return &memState{
		orders:   map[uuid.UUID]Order{},
		lines:    map[uuid.UUID][]Line{},
		txns:     map[uuid.UUID]Transaction{},
		supplies: map[uuid.UUID]Supply{},
		needs:    map[uuid.UUID]EmergencyNeed{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		orders:   make(map[uuid.UUID]Order, len(s.orders)),
		lines:    make(map[uuid.UUID][]Line, len(s.lines)),
		txns:     make(map[uuid.UUID]Transaction, len(s.txns)),
		supplies: make(map[uuid.UUID]Supply, len(s.supplies)),
		needs:    make(map[uuid.UUID]EmergencyNeed, len(s.needs)),
		now:      s.now,
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.lines {
		c.lines[k] = v
	}
	for k, v := range s.txns {
		v.Payload = slices.Clone(v.Payload)
		c.txns[k] = v
	}
	for k, v := range s.supplies {
		c.supplies[k] = v
	}
	for k, v := range s.needs {
		c.needs[k] = v
	}
	return c
}

func (s *memState) GetOrder(_ context.Context, id uuid.UUID) (Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (s *memState) GetOrderByTradeNo(_ context.Context, tradeNo string) (Order, error) {
	for _, o := range s.orders {
		if o.TradeNo == tradeNo {
			return o, nil
		}
	}
	return Order{}, ErrNotFound
}

func (s *memState) ListOrderLines(_ context.Context, orderID uuid.UUID) ([]Line, error) {
	return slices.Clone(s.lines[orderID]), nil
}

func (s *memState) UpdateOrderStatus(_ context.Context, id uuid.UUID, status OrderStatus) error {
	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = s.now()
	s.orders[id] = o
	return nil
}

func (s *memState) UpdateOrderTradeNo(_ context.Context, id uuid.UUID, tradeNo string, attempts int) error {
	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	for oid, other := range s.orders {
		if oid != id && other.TradeNo == tradeNo {
			return ErrTradeNoTaken
		}
	}
	o.TradeNo = tradeNo
	o.Attempts = attempts
	o.UpdatedAt = s.now()
	s.orders[id] = o
	return nil
}

func (s *memState) findTxn(tradeNo string) (Transaction, bool) {
	for _, t := range s.txns {
		if t.TradeNo == tradeNo {
			return t, true
		}
	}
	return Transaction{}, false
}

func (s *memState) GetTransactionByTradeNo(_ context.Context, tradeNo string) (Transaction, error) {
	t, ok := s.findTxn(tradeNo)
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

func (s *memState) GetTransactionByOrder(_ context.Context, orderID uuid.UUID) (Transaction, error) {
	t, ok := s.txns[orderID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

func (s *memState) LockTransaction(ctx context.Context, tradeNo string) (Transaction, error) {
	return s.GetTransactionByTradeNo(ctx, tradeNo)
}

func (s *memState) UpsertProcessingTransaction(_ context.Context, orderID uuid.UUID, tradeNo string) (Transaction, error) {
	now := s.now()
	if t, ok := s.findTxn(tradeNo); ok {
		if t.Status.Terminal() {
			return Transaction{}, ErrTransactionTerminal
		}
		t.Status = TransactionProcessing
		t.UpdatedAt = now
		s.txns[t.OrderID] = t
		return t, nil
	}
	if existing, ok := s.txns[orderID]; ok {
		// unique order_id
		return Transaction{}, &conflictError{orderID: orderID, tradeNo: existing.TradeNo}
	}
	t := Transaction{
		ID:        uuid.New(),
		OrderID:   orderID,
		TradeNo:   tradeNo,
		Status:    TransactionProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.txns[orderID] = t
	return t, nil
}

func (s *memState) TransitionTransaction(_ context.Context, tradeNo string, from []TransactionStatus, to TransactionStatus, gatewayTradeNo string) (bool, error) {
	t, ok := s.findTxn(tradeNo)
	if !ok || !slices.Contains(from, t.Status) {
		return false, nil
	}
	now := s.now()
	t.Status = to
	if gatewayTradeNo != "" {
		t.GatewayTradeNo = gatewayTradeNo
	}
	if to.Terminal() {
		t.SettledAt = &now
	}
	t.UpdatedAt = now
	s.txns[t.OrderID] = t
	return true, nil
}

func (s *memState) SaveTransactionPayload(_ context.Context, tradeNo string, payload []byte) error {
	t, ok := s.findTxn(tradeNo)
	if !ok {
		return ErrNotFound
	}
	t.Payload = slices.Clone(payload)
	t.UpdatedAt = s.now()
	s.txns[t.OrderID] = t
	return nil
}

func (s *memState) ResetTransaction(_ context.Context, orderID uuid.UUID, tradeNo string) (Transaction, error) {
	now := s.now()
	t, ok := s.txns[orderID]
	if !ok {
		t = Transaction{ID: uuid.New(), OrderID: orderID, CreatedAt: now}
	}
	t.TradeNo = tradeNo
	t.Status = TransactionPending
	t.Payload = nil
	t.GatewayTradeNo = ""
	t.SettledAt = nil
	t.UpdatedAt = now
	s.txns[orderID] = t
	return t, nil
}

func (s *memState) IncrementSupplyStock(_ context.Context, id uuid.UUID, qty int64) error {
	sup, ok := s.supplies[id]
	if !ok {
		return ErrNotFound
	}
	sup.Stock += qty
	s.supplies[id] = sup
	return nil
}

func (s *memState) AddNeedCollected(_ context.Context, id uuid.UUID, qty int64) (EmergencyNeed, error) {
	n, ok := s.needs[id]
	if !ok {
		return EmergencyNeed{}, ErrNotFound
	}
	n.Collected += qty
	s.needs[id] = n
	return n, nil
}

func (s *memState) CompleteNeed(_ context.Context, id uuid.UUID) error {
	n, ok := s.needs[id]
	if !ok || n.Status != NeedFundraising {
		return nil
	}
	n.Status = NeedCompleted
	s.needs[id] = n
	return nil
}

type conflictError struct {
	orderID uuid.UUID
	tradeNo string
}

func (e *conflictError) Error() string {
	return "store: order " + e.orderID.String() + " already has transaction " + e.tradeNo
}
