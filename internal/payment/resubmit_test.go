package payment_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/donasi-payments/internal/events"
	"github.com/noah-isme/donasi-payments/internal/lock"
	"github.com/noah-isme/donasi-payments/internal/payment"
	"github.com/noah-isme/donasi-payments/internal/store"
)

func newResubmitter(e *env, log *eventLog) *payment.Resubmitter {
	return &payment.Resubmitter{
		Store:   e.mem,
		Service: e.svc,
		Window:  payment.DefaultResubmitWindow,
		Now:     func() time.Time { return fixedNow },
		Events:  &events.Bus{Store: log},
		Logger:  e.logger,
	}
}

func requireReason(t *testing.T, err error, want payment.RejectReason) {
	t.Helper()
	require.ErrorIs(t, err, payment.ErrResubmissionRejected)
	reason, ok := payment.Reason(err)
	require.True(t, ok)
	require.Equal(t, want, reason)
}

func TestResubmitRotatesTradeNumber(t *testing.T) {
	e := newEnv(t)
	log := &eventLog{}
	r := newResubmitter(e, log)
	ctx := context.Background()

	e.checkout(t)
	_, err := e.engine.Fail(ctx, e.order.TradeNo, "")
	require.NoError(t, err)

	res, err := r.Resubmit(ctx, e.order.ID, payment.CallbackURLs{})
	require.NoError(t, err)
	require.Equal(t, e.order.TradeNo, res.PreviousTradeNo)
	require.Equal(t, 1, res.Attempt)
	require.NotEqual(t, e.order.TradeNo, res.TradeNo)
	require.LessOrEqual(t, len(res.TradeNo), store.MaxTradeNoLen)
	require.Equal(t, res.TradeNo, res.Form.Value("MerchantTradeNo"))

	order, err := e.mem.GetOrder(ctx, e.order.ID)
	require.NoError(t, err)
	require.Equal(t, res.TradeNo, order.TradeNo)
	require.Equal(t, e.order.TradeNo, order.OriginTradeNo)
	require.Equal(t, 1, order.Attempts)
	require.Equal(t, store.OrderStatusFailed, order.Status)

	txn, err := e.mem.GetTransactionByOrder(ctx, e.order.ID)
	require.NoError(t, err)
	require.Equal(t, res.TradeNo, txn.TradeNo)
	require.Equal(t, store.TransactionProcessing, txn.Status)
	require.Equal(t, 1, e.mem.TransactionCount())
	require.Equal(t, []string{events.TopicOrderResubmitted}, log.seen())

	// the old trade number no longer resolves; the new one settles normally
	hook := newWebhook(e, log)
	require.Equal(t, payment.AckError, hook.Process(ctx, signedCallback(t, e.order.TradeNo, "1", "1500")))
	require.Equal(t, payment.AckOK, hook.Process(ctx, signedCallback(t, res.TradeNo, "1", "1500")))
	require.Equal(t, int64(6), e.stock(t))

	second, err := r.Resubmit(ctx, e.order.ID, payment.CallbackURLs{})
	require.Error(t, err)
	requireReason(t, err, payment.ReasonAlreadyPaid)
	require.Empty(t, second.TradeNo)
}

func TestResubmitRejectsStaleOrder(t *testing.T) {
	e := newEnv(t)
	r := newResubmitter(e, &eventLog{})
	r.Now = func() time.Time { return fixedNow.Add(48 * time.Hour) }

	_, err := r.Resubmit(context.Background(), e.order.ID, payment.CallbackURLs{})
	requireReason(t, err, payment.ReasonExpired)
	require.Zero(t, e.mem.TransactionCount())

	order, err := e.mem.GetOrder(context.Background(), e.order.ID)
	require.NoError(t, err)
	require.Equal(t, e.order.TradeNo, order.TradeNo)
}

func TestResubmitRejectsPaidOrder(t *testing.T) {
	e := newEnv(t)
	r := newResubmitter(e, &eventLog{})
	_, err := e.svc.MarkPaid(context.Background(), e.order.ID)
	require.NoError(t, err)

	_, err = r.Resubmit(context.Background(), e.order.ID, payment.CallbackURLs{})
	requireReason(t, err, payment.ReasonAlreadyPaid)
}

func TestResubmitUnknownOrder(t *testing.T) {
	e := newEnv(t)
	r := newResubmitter(e, &eventLog{})
	_, err := r.Resubmit(context.Background(), e.order.ID, payment.CallbackURLs{})
	require.NoError(t, err)

	_, err = r.Resubmit(context.Background(), uuid.New(), payment.CallbackURLs{})
	require.ErrorIs(t, err, payment.ErrNotFound)
}

func TestResubmitRejectsWhileLocked(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	e := newEnv(t)
	r := newResubmitter(e, &eventLog{})
	locker := lock.Locker{R: client}
	r.Locker = locker

	err = locker.TryWithLock(context.Background(), "lock:resubmit:"+e.order.ID.String(), time.Minute, func(ctx context.Context) error {
		_, err := r.Resubmit(ctx, e.order.ID, payment.CallbackURLs{})
		return err
	})
	requireReason(t, err, payment.ReasonInProgress)

	res, err := r.Resubmit(context.Background(), e.order.ID, payment.CallbackURLs{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempt)
}

func TestResubmitRejectedFormLeavesOrderUntouched(t *testing.T) {
	e := newEnv(t)
	r := newResubmitter(e, &eventLog{})
	ctx := context.Background()

	free := store.Order{
		ID:        uuid.New(),
		TradeNo:   "DN20261019040000002",
		Kind:      store.OrderKindRegular,
		ItemName:  "blanket",
		CreatedAt: fixedNow.Add(-time.Hour),
	}
	e.mem.SeedOrder(free)

	_, err := r.Resubmit(ctx, free.ID, payment.CallbackURLs{})
	require.ErrorIs(t, err, payment.ErrValidation)

	order, err := e.mem.GetOrder(ctx, free.ID)
	require.NoError(t, err)
	require.Equal(t, free.TradeNo, order.TradeNo)
	require.Zero(t, order.Attempts)
	_, err = e.mem.GetTransactionByOrder(ctx, free.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Zero(t, e.mem.TransactionCount())
}

func TestResubmitTradeNoAlreadyTaken(t *testing.T) {
	e := newEnv(t)
	r := newResubmitter(e, &eventLog{})
	ctx := context.Background()

	next, err := payment.NextTradeNo(e.order.TradeNo, 1)
	require.NoError(t, err)
	e.mem.SeedOrder(store.Order{ID: uuid.New(), TradeNo: next, TotalAmount: 100, Kind: store.OrderKindRegular, ItemName: "soap"})

	_, err = r.Resubmit(ctx, e.order.ID, payment.CallbackURLs{})
	requireReason(t, err, payment.ReasonTradeNoSpace)

	order, err := e.mem.GetOrder(ctx, e.order.ID)
	require.NoError(t, err)
	require.Equal(t, e.order.TradeNo, order.TradeNo)
	require.Zero(t, e.mem.TransactionCount())
}

func TestNextTradeNoKeepsLongOriginalsApart(t *testing.T) {
	pairs := [][2]string{
		{"DN202610190400000A1", "DN202610190400000A2"},
		{"DN2026101904000001A", "DN2026101904000001B"},
		{"DN20261019040000001X", "DN20261019040000001Y"},
	}
	for _, pair := range pairs {
		for attempt := 1; attempt <= 40; attempt++ {
			a, err := payment.NextTradeNo(pair[0], attempt)
			require.NoError(t, err)
			b, err := payment.NextTradeNo(pair[1], attempt)
			require.NoError(t, err)
			require.NotEqual(t, a, b, "%s and %s share retry number at attempt %d", pair[0], pair[1], attempt)
			require.LessOrEqual(t, len(a), store.MaxTradeNoLen)
			require.LessOrEqual(t, len(b), store.MaxTradeNoLen)
		}
	}

	_, err := payment.NextTradeNo("DN20261019040000001X", 36*36*36)
	require.Error(t, err)
}

func TestNextTradeNo(t *testing.T) {
	got, err := payment.NextTradeNo("DN0001", 1)
	require.NoError(t, err)
	require.Equal(t, "DN0001R1", got)

	long := "DN20261019040000001X"
	seen := map[string]bool{long: true}
	for attempt := 1; attempt <= 2000; attempt++ {
		next, err := payment.NextTradeNo(long, attempt)
		require.NoError(t, err)
		require.LessOrEqual(t, len(next), store.MaxTradeNoLen)
		require.False(t, seen[next], "duplicate trade number %s", next)
		seen[next] = true
	}

	_, err = payment.NextTradeNo("", 1)
	require.Error(t, err)
	_, err = payment.NextTradeNo("DN1", 0)
	require.Error(t, err)
}
