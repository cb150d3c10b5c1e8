package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"inferpay/currency"
	"inferpay/payout"
	"inferpay/storage/audit"
	"inferpay/storage/ledger"
)

type fixture struct {
	store   *ledger.Store
	manager *Manager
	audit   *audit.Log
	clock   time.Time
	calls   atomic.Int32
	keys    []string
	mu      sync.Mutex
	failPay atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := ledger.New(db)
	require.NoError(t, err)
	auditLog, err := audit.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = auditLog.Close()
		_ = store.Close()
	})

	f := &fixture{store: store, audit: auditLog, clock: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	wallet := payout.FuncWallet{TransferFunc: func(_ context.Context, tr payout.Transfer) (string, error) {
		f.calls.Add(1)
		f.mu.Lock()
		f.keys = append(f.keys, tr.IdempotencyKey)
		f.mu.Unlock()
		if f.failPay.Load() {
			return "", errors.New("treasury unavailable")
		}
		return "sig-" + string(tr.Action) + "-" + tr.EscrowID.String(), nil
	}}
	f.manager = NewManager(store,
		WithWallet(wallet),
		WithAudit(auditLog),
		WithClock(func() time.Time { return f.clock }),
	)
	return f
}

func (f *fixture) request(t *testing.T, cost currency.Amount) *ledger.Request {
	t.Helper()
	req := &ledger.Request{ProviderID: "prov", Payer: "payer", Cost: cost, PaymentReference: "sig", CreatedAt: f.clock}
	require.NoError(t, f.store.CreateRequest(context.Background(), req))
	return req
}

func TestCreateHoldStartsHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t, currency.Lamports(500_000))

	id, err := f.manager.CreateHold(ctx, req.ID, currency.Lamports(500_000), "sig")
	require.NoError(t, err)
	esc, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowHeld, esc.Status)
	require.Equal(t, req.ID, esc.RequestID)
	require.True(t, esc.Amount.Equal(req.Cost))
	require.Nil(t, esc.SettledAt)

	_, err = f.manager.CreateHold(ctx, req.ID, currency.Lamports(500_000), "sig")
	require.ErrorIs(t, err, ErrDuplicateHold)
}

func TestCreateHoldValidatesAgainstRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t, currency.Lamports(500_000))

	_, err := f.manager.CreateHold(ctx, req.ID, currency.Lamports(499_999), "sig")
	require.ErrorIs(t, err, ErrAmountMismatch)

	_, err = f.manager.CreateHold(ctx, uuid.New(), currency.Lamports(500_000), "sig")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.manager.CreateHold(ctx, req.ID, currency.Amount{}, "sig")
	require.Error(t, err)
}

func TestSettleTwiceIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t, currency.Lamports(500_000))
	id, err := f.manager.CreateHold(ctx, req.ID, currency.Lamports(500_000), "sig")
	require.NoError(t, err)

	require.NoError(t, f.manager.Settle(ctx, id, "provider-wallet"))
	first, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowReleased, first.Status)
	require.NotNil(t, first.SettledAt)
	require.NotNil(t, first.ReleaseReference)
	require.Equal(t, ledger.PayoutSent, first.PayoutStatus)

	f.clock = f.clock.Add(time.Hour)
	require.NoError(t, f.manager.Settle(ctx, id, "provider-wallet"))
	require.NoError(t, f.manager.Refund(ctx, id, "payer"))

	second, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowReleased, second.Status)
	require.True(t, first.SettledAt.Equal(*second.SettledAt))
	require.Nil(t, second.RefundReference)
	require.EqualValues(t, 1, f.calls.Load())
}

func TestTrySettleReportsWhetherItResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t, currency.Lamports(500_000))
	id, err := f.manager.CreateHold(ctx, req.ID, currency.Lamports(500_000), "sig")
	require.NoError(t, err)

	applied, err := f.manager.TrySettle(ctx, id, "provider-wallet")
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = f.manager.TrySettle(ctx, id, "provider-wallet")
	require.NoError(t, err)
	require.False(t, applied)
	applied, err = f.manager.TryRefund(ctx, id, "payer")
	require.NoError(t, err)
	require.False(t, applied)
	require.EqualValues(t, 1, f.calls.Load())
}

func TestRefundRecordsReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t, currency.Lamports(10))
	id, err := f.manager.CreateHold(ctx, req.ID, currency.Lamports(10), "sig")
	require.NoError(t, err)

	require.NoError(t, f.manager.Refund(ctx, id, "payer"))
	esc, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowRefunded, esc.Status)
	require.NotNil(t, esc.RefundReference)
	require.Equal(t, "sig-refund-"+id.String(), *esc.RefundReference)

	entries, err := f.audit.List(ctx, id.String(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, audit.ActionHold, entries[0].Action)
	require.Equal(t, audit.ActionRefund, entries[1].Action)
	require.Equal(t, audit.ActionPayout, entries[2].Action)
}

func TestSettleUnknownEscrow(t *testing.T) {
	f := newFixture(t)
	err := f.manager.Settle(context.Background(), uuid.New(), "provider-wallet")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPayoutFailureKeepsTransitionAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t, currency.Lamports(10))
	id, err := f.manager.CreateHold(ctx, req.ID, currency.Lamports(10), "sig")
	require.NoError(t, err)

	f.failPay.Store(true)
	err = f.manager.Settle(ctx, id, "provider-wallet")
	require.ErrorIs(t, err, ErrPayoutFailed)

	esc, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowReleased, esc.Status)
	require.Equal(t, ledger.PayoutFailed, esc.PayoutStatus)

	// A second settle must not attempt another transfer through this path.
	require.NoError(t, f.manager.Settle(ctx, id, "provider-wallet"))
	require.EqualValues(t, 1, f.calls.Load())

	failed, err := f.manager.ListFailedPayouts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	f.failPay.Store(false)
	require.NoError(t, f.manager.RetryPayout(ctx, failed[0], "provider-wallet"))
	esc, err = f.manager.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ledger.PayoutSent, esc.PayoutStatus)
	require.Equal(t, 2, esc.PayoutAttempts)
	require.Len(t, f.keys, 2)
	require.Equal(t, f.keys[0], f.keys[1])
}

func TestConcurrentSettlePaysOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t, currency.Lamports(10))
	id, err := f.manager.CreateHold(ctx, req.ID, currency.Lamports(10), "sig")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = f.manager.Settle(ctx, id, "provider-wallet")
				return
			}
			_ = f.manager.Refund(ctx, id, "payer")
		}(i)
	}
	wg.Wait()

	esc, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	require.NotEqual(t, ledger.EscrowHeld, esc.Status)
	require.EqualValues(t, 1, f.calls.Load())
}

func TestListHeldOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		req := f.request(t, currency.Lamports(1))
		id, err := f.manager.CreateHold(ctx, req.ID, currency.Lamports(1), "sig")
		require.NoError(t, err)
		ids = append(ids, id)
		f.clock = f.clock.Add(time.Minute)
	}
	require.NoError(t, f.manager.Settle(ctx, ids[1], "provider-wallet"))

	held, err := f.manager.ListHeld(ctx, 0)
	require.NoError(t, err)
	require.Len(t, held, 2)
	require.Equal(t, ids[0], held[0].ID)
	require.Equal(t, ids[2], held[1].ID)
}
