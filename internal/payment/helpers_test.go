package payment_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/donasi-payments/internal/checksum"
	"github.com/noah-isme/donasi-payments/internal/payment"
	"github.com/noah-isme/donasi-payments/internal/reconcile"
	"github.com/noah-isme/donasi-payments/internal/store"
)

// public stage credentials of the gateway's sandbox merchant
const (
	testMerchantID = "3002607"
	testHashKey    = "pwFHCqoQZGmho4w6"
	testHashIV     = "EkRm7iFT261dpevs"
)

var fixedNow = time.Date(2026, 10, 19, 4, 0, 0, 0, time.UTC)

type env struct {
	mem      *store.Memory
	gateway  *payment.ECPay
	engine   *reconcile.Engine
	svc      *payment.Service
	order    store.Order
	supplyID uuid.UUID
	logger   *zerolog.Logger
}

func newGateway(t *testing.T) *payment.ECPay {
	t.Helper()
	g, err := payment.NewECPay(testMerchantID, testHashKey, testHashIV, "", "donation", "")
	require.NoError(t, err)
	return g
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := zerolog.New(io.Discard)
	mem := store.NewMemory()
	mem.SetClock(func() time.Time { return fixedNow })

	supply := store.Supply{ID: uuid.New(), Name: "rice 5kg", Stock: 3}
	mem.SeedSupply(supply)
	order := store.Order{
		ID:          uuid.New(),
		TradeNo:     "DN20261019040000001",
		TotalAmount: 1500,
		Kind:        store.OrderKindRegular,
		ItemName:    "rice 5kg x3",
		CreatedAt:   fixedNow.Add(-time.Hour),
	}
	mem.SeedOrder(order, store.SupplyLine{SupplyID: supply.ID, Qty: 3, UnitPrice: 500})
	seeded, err := mem.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)

	gateway := newGateway(t)
	engine := reconcile.New(mem, &log)
	svc := &payment.Service{
		Store:      mem,
		Gateway:    gateway,
		Reconciler: engine,
		URLs:       payment.CallbackURLs{ReturnURL: "https://api.example.org/api/v1/payments/callback"},
		Now:        func() time.Time { return fixedNow },
		Logger:     &log,
	}
	return &env{mem: mem, gateway: gateway, engine: engine, svc: svc, order: seeded, supplyID: supply.ID, logger: &log}
}

func (e *env) checkout(t *testing.T) payment.CheckoutForm {
	t.Helper()
	form, err := e.svc.Checkout(context.Background(), e.order.ID, payment.CallbackURLs{})
	require.NoError(t, err)
	return form
}

func (e *env) stock(t *testing.T) int64 {
	t.Helper()
	s, ok := e.mem.Supply(e.supplyID)
	require.True(t, ok)
	return s.Stock
}

// signedCallback builds a gateway notification for tradeNo signed with the
// merchant secrets.
func signedCallback(t *testing.T, tradeNo, rtnCode string, amount string) map[string]string {
	t.Helper()
	params := map[string]string{
		"MerchantID":      testMerchantID,
		"MerchantTradeNo": tradeNo,
		"RtnCode":         rtnCode,
		"RtnMsg":          "Succeeded",
		"TradeNo":         "2610191200000001",
		"TradeAmt":        amount,
		"PaymentDate":     "2026/10/19 12:00:00",
		"PaymentType":     "Credit_CreditCard",
		"SimulatePaid":    "0",
	}
	if rtnCode != "1" {
		params["RtnMsg"] = "Declined"
	}
	engine, err := checksum.New(testHashKey, testHashIV)
	require.NoError(t, err)
	params[checksum.Field] = engine.Sign(params)
	return params
}

type memReplay struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memReplay) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]bool{}
	}
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *memReplay) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type recordingRetry struct {
	mu     sync.Mutex
	trades []string
}

func (r *recordingRetry) ScheduleSettle(_ context.Context, tradeNo, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, tradeNo)
	return nil
}

func jsonField(t *testing.T, raw []byte, field string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	return string(m[field])
}
