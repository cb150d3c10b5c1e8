package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gorm.io/gorm"

	"inferpay/currency"
	"inferpay/escrow"
	"inferpay/inference/providers"
	"inferpay/payment"
	"inferpay/storage/ledger"
)

var (
	payoutAddr = base58.Encode(bytes.Repeat([]byte{3}, 32))
	payerAddr  = base58.Encode(bytes.Repeat([]byte{9}, 32))
	txSig      = base58.Encode(bytes.Repeat([]byte{7}, 64))
)

type chainStub struct {
	lamports int64
	calls    atomic.Int32
}

func (c *chainStub) LookupTransaction(_ context.Context, reference string) (payment.Transaction, error) {
	c.calls.Add(1)
	return payment.Transaction{
		Reference:      reference,
		Found:          true,
		Succeeded:      true,
		Participants:   []string{payerAddr, payoutAddr},
		BalanceChanges: []int64{-c.lamports - 5000, c.lamports},
	}, nil
}

type harness struct {
	store    *ledger.Store
	chain    *chainStub
	registry *providers.Registry
	orch     *Orchestrator
	spans    *tracetest.SpanRecorder
	adapter  providers.AdapterFunc
	calls    atomic.Int32
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := ledger.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	price, err := currency.ParseSOL("0.0005")
	require.NoError(t, err)
	require.NoError(t, store.UpsertProvider(context.Background(), &ledger.Provider{
		ID: "gpt", Name: "GPT", Kind: string(providers.KindOpenAI), Model: "gpt-4o",
		PayoutAddress: payoutAddr, Price: price, Active: true,
	}))
	require.NoError(t, store.UpsertProvider(context.Background(), &ledger.Provider{
		ID: "retired", Name: "Old", Kind: string(providers.KindOpenAI),
		PayoutAddress: payoutAddr, Price: price, Active: false,
	}))
	require.NoError(t, store.UpsertProvider(context.Background(), &ledger.Provider{
		ID: "hf", Name: "HF", Kind: string(providers.KindHuggingFace),
		PayoutAddress: payoutAddr, Price: price, Active: true,
	}))

	h := &harness{store: store, chain: &chainStub{lamports: 500_000}, registry: providers.NewRegistry()}
	h.spans = tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	require.NoError(t, h.registry.Register(providers.KindOpenAI, providers.AdapterFunc(
		func(ctx context.Context, input string, cfg providers.ModelConfig) (providers.Output, error) {
			h.calls.Add(1)
			if h.adapter != nil {
				return h.adapter(ctx, input, cfg)
			}
			return providers.TextOutput("hello"), nil
		})))

	verifier := payment.NewVerifier(h.chain)
	manager := escrow.NewManager(store)
	base := []Option{
		WithTracer(tp.Tracer("test")),
		WithRetryPolicy(RetryPolicy{
			MaxAttempts: 3,
			Backoff:     []time.Duration{time.Millisecond},
			Retryable:   providers.Retryable,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		}),
	}
	h.orch = NewOrchestrator(store, verifier, manager, h.registry, append(base, opts...)...)
	return h
}

func (h *harness) submit(ctx context.Context) (Result, error) {
	return h.orch.Submit(ctx, SubmitRequest{
		ProviderID:       "gpt",
		Input:            "say hello",
		PaymentReference: txSig,
		Payer:            payerAddr,
	})
}

func TestSubmitCompletesAndReleases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.submit(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", res.Output)
	require.Equal(t, ledger.RequestCompleted, res.Status)
	require.Equal(t, "500000", res.Cost.LamportString())

	req, err := h.store.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	require.Equal(t, ledger.RequestCompleted, req.Status)
	require.NotNil(t, req.Output)
	require.Equal(t, "hello", *req.Output)
	require.NotNil(t, req.CompletedAt)

	esc, err := h.store.GetEscrowByRequest(ctx, res.RequestID)
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowReleased, esc.Status)
	require.True(t, esc.Amount.Equal(req.Cost))
	require.NotNil(t, esc.ReleaseReference)
	require.Nil(t, esc.RefundReference)
	require.Equal(t, ledger.PayoutSent, esc.PayoutStatus)

	names := make([]string, 0)
	for _, s := range h.spans.Ended() {
		names = append(names, s.Name())
	}
	require.Contains(t, names, "inference.submit")
	require.Contains(t, names, "inference.provider_call")
}

func TestSubmitProviderErrorRefunds(t *testing.T) {
	h := newHarness(t)
	h.adapter = func(context.Context, string, providers.ModelConfig) (providers.Output, error) {
		return providers.Output{}, errors.New("model exploded")
	}
	ctx := context.Background()

	_, err := h.submit(ctx)
	require.Error(t, err)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, KindInferenceFailed, ierr.Kind)
	require.NotEqual(t, uuid.Nil, ierr.RequestID)

	req, err := h.store.GetRequest(ctx, ierr.RequestID)
	require.NoError(t, err)
	require.Equal(t, ledger.RequestFailed, req.Status)
	require.NotNil(t, req.ErrorMessage)
	require.Contains(t, *req.ErrorMessage, "model exploded")

	esc, err := h.store.GetEscrowByRequest(ctx, ierr.RequestID)
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowRefunded, esc.Status)
	require.NotNil(t, esc.RefundReference)
	require.Equal(t, int32(1), h.calls.Load())
}

func TestSubmitRetriesTransientErrors(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32
	h.adapter = func(context.Context, string, providers.ModelConfig) (providers.Output, error) {
		if attempts.Add(1) < 3 {
			return providers.Output{}, &providers.StatusError{Kind: providers.KindOpenAI, Status: 429}
		}
		return providers.TextOutput("third time"), nil
	}

	res, err := h.submit(context.Background())
	require.NoError(t, err)
	require.Equal(t, "third time", res.Output)
	require.Equal(t, int32(3), attempts.Load())
}

func TestSubmitDoesNotRetryTerminalErrors(t *testing.T) {
	h := newHarness(t)
	h.adapter = func(context.Context, string, providers.ModelConfig) (providers.Output, error) {
		return providers.Output{}, &providers.StatusError{Kind: providers.KindOpenAI, Status: 401}
	}

	_, err := h.submit(context.Background())
	require.Equal(t, KindInferenceFailed, KindOf(err))
	require.Equal(t, int32(1), h.calls.Load())
}

func TestSubmitTimeoutRefunds(t *testing.T) {
	h := newHarness(t, WithTimeout(20*time.Millisecond))
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.adapter = func(context.Context, string, providers.ModelConfig) (providers.Output, error) {
		<-release
		return providers.TextOutput("late"), nil
	}

	_, err := h.submit(context.Background())
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, KindInferenceFailed, ierr.Kind)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	esc, err := h.store.GetEscrowByRequest(context.Background(), ierr.RequestID)
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowRefunded, esc.Status)
}

func TestSubmitSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	var seen error
	h.adapter = func(callCtx context.Context, _ string, _ providers.ModelConfig) (providers.Output, error) {
		cancel()
		seen = callCtx.Err()
		return providers.TextOutput("done anyway"), nil
	}

	res, err := h.submit(ctx)
	require.NoError(t, err)
	require.NoError(t, seen)
	esc, err := h.store.GetEscrowByRequest(context.Background(), res.RequestID)
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowReleased, esc.Status)
}

func TestSubmitRejectsUnderpayment(t *testing.T) {
	h := newHarness(t)
	h.chain.lamports = 400_000

	_, err := h.submit(context.Background())
	require.Equal(t, KindPaymentInvalid, KindOf(err))
	require.Zero(t, h.calls.Load())

	var count int64
	require.NoError(t, h.store.DB().Model(&ledger.Request{}).Count(&count).Error)
	require.Zero(t, count)
	require.NoError(t, h.store.DB().Model(&ledger.Escrow{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSubmitRejectsPaymentFromAnotherPayer(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Submit(context.Background(), SubmitRequest{
		ProviderID:       "gpt",
		Input:            "say hello",
		PaymentReference: txSig,
		Payer:            base58.Encode(bytes.Repeat([]byte{4}, 32)),
	})
	require.Equal(t, KindPaymentInvalid, KindOf(err))
	require.Contains(t, err.Error(), payment.OutcomePayerMismatch)
	require.Zero(t, h.calls.Load())

	var count int64
	require.NoError(t, h.store.DB().Model(&ledger.Request{}).Count(&count).Error)
	require.Zero(t, count)
	require.NoError(t, h.store.DB().Model(&ledger.Escrow{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSubmitErrorKinds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitRequest
		kind ErrorKind
	}{
		{"missing provider", SubmitRequest{Input: "x", PaymentReference: txSig, Payer: payerAddr}, KindValidation},
		{"blank input", SubmitRequest{ProviderID: "gpt", Input: "  ", PaymentReference: txSig, Payer: payerAddr}, KindValidation},
		{"missing payment", SubmitRequest{ProviderID: "gpt", Input: "x", Payer: payerAddr}, KindValidation},
		{"missing payer", SubmitRequest{ProviderID: "gpt", Input: "x", PaymentReference: txSig}, KindValidation},
		{"unknown provider", SubmitRequest{ProviderID: "nope", Input: "x", PaymentReference: txSig, Payer: payerAddr}, KindProviderNotFound},
		{"inactive provider", SubmitRequest{ProviderID: "retired", Input: "x", PaymentReference: txSig, Payer: payerAddr}, KindProviderInactive},
		{"kind without adapter", SubmitRequest{ProviderID: "hf", Input: "x", PaymentReference: txSig, Payer: payerAddr}, KindProviderInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.orch.Submit(ctx, tc.req)
			require.Equal(t, tc.kind, KindOf(err))
		})
	}
	require.Zero(t, h.chain.calls.Load())
}

func TestStatusProjection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.submit(ctx)
	require.NoError(t, err)

	view, err := h.orch.Status(ctx, res.RequestID)
	require.NoError(t, err)
	require.Equal(t, ledger.RequestCompleted, view.Status)
	require.Equal(t, "say hello", view.Input)
	require.Equal(t, "GPT", view.Provider.Name)
	require.Equal(t, ledger.EscrowReleased, view.EscrowStatus)

	_, err = h.orch.Status(ctx, uuid.New())
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestProviderStatsAndQuote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.submit(ctx)
	require.NoError(t, err)
	h.adapter = func(context.Context, string, providers.ModelConfig) (providers.Output, error) {
		return providers.Output{}, errors.New("down")
	}
	_, err = h.submit(ctx)
	require.Error(t, err)

	stats, err := h.orch.ProviderStats(ctx, "gpt")
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.TotalRequests)
	require.EqualValues(t, 1, stats.CompletedRequests)
	require.EqualValues(t, 1, stats.FailedRequests)
	require.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	require.Equal(t, "500000", stats.TotalEarnings.LamportString())
	require.Zero(t, stats.PendingEscrows)
	require.Len(t, stats.Recent, 2)

	empty, err := h.orch.ProviderStats(ctx, "retired")
	require.NoError(t, err)
	require.Zero(t, empty.SuccessRate)

	_, err = h.orch.ProviderStats(ctx, "nope")
	require.Equal(t, KindProviderNotFound, KindOf(err))

	quote, err := h.orch.Quote(ctx, "gpt")
	require.NoError(t, err)
	require.Equal(t, payoutAddr, quote.PayoutAddress)
	require.Equal(t, "0.0005", quote.Price.String())
	require.Equal(t, "solana", quote.Network)

	_, err = h.orch.Quote(ctx, "retired")
	require.Equal(t, KindProviderInactive, KindOf(err))
}
