// Package inference runs the paid inference workflow: verify the payment,
// hold the funds, call the provider, then settle or refund the hold.
package inference

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"inferpay/currency"
	"inferpay/escrow"
	"inferpay/inference/providers"
	"inferpay/observability"
	"inferpay/observability/logging"
	"inferpay/payment"
	"inferpay/storage/ledger"
)

// DefaultTimeout bounds the whole provider call including retries.
const DefaultTimeout = 60 * time.Second

// DefaultMaxInputBytes caps the submitted input.
const DefaultMaxInputBytes = 64 << 10

// Store is the subset of the ledger the orchestrator reads and writes.
type Store interface {
	GetProvider(ctx context.Context, id string) (*ledger.Provider, error)
	CreateRequest(ctx context.Context, r *ledger.Request) error
	GetRequest(ctx context.Context, id uuid.UUID) (*ledger.Request, error)
	CompleteRequest(ctx context.Context, id uuid.UUID, output string, elapsed time.Duration, at time.Time) (bool, error)
	FailRequest(ctx context.Context, id uuid.UUID, message string, elapsed time.Duration, at time.Time) (bool, error)
	GetEscrowByRequest(ctx context.Context, requestID uuid.UUID) (*ledger.Escrow, error)
	ProviderStats(ctx context.Context, providerID string) (ledger.ProviderStats, error)
	RecentRequests(ctx context.Context, providerID string, limit int) ([]ledger.Request, error)
}

// Verifier checks an on-chain payment.
type Verifier interface {
	CheckPayer(ctx context.Context, reference, payer, payoutAddress string, expected currency.Amount) payment.Result
}

// Escrows creates and resolves holds.
type Escrows interface {
	CreateHold(ctx context.Context, requestID uuid.UUID, amount currency.Amount, paymentReference string) (uuid.UUID, error)
	Settle(ctx context.Context, escrowID uuid.UUID, payoutAddress string) error
	Refund(ctx context.Context, escrowID uuid.UUID, payerIdentity string) error
}

// Adapters resolves a provider kind to its adapter.
type Adapters interface {
	Lookup(kind providers.Kind) (providers.Adapter, error)
}

// SubmitRequest is one paid inference call.
type SubmitRequest struct {
	ProviderID       string
	Input            string
	PaymentReference string
	Payer            string
}

// Result summarises a completed submission.
type Result struct {
	RequestID      uuid.UUID
	Status         ledger.RequestStatus
	Output         string
	OutputKind     providers.OutputKind
	Cost           currency.Amount
	ProcessingTime float64
}

// Orchestrator ties payment verification, escrow and provider calls together.
// It keeps no state between submissions.
type Orchestrator struct {
	store    Store
	verifier Verifier
	escrows  Escrows
	adapters Adapters
	retry    RetryPolicy
	timeout  time.Duration
	maxInput int
	network  string
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.InferenceMetrics
	tracer   trace.Tracer
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithRetryPolicy overrides the provider retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithTimeout bounds the provider call.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxInputBytes caps the accepted input size.
func WithMaxInputBytes(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxInput = n
		}
	}
}

// WithNetwork names the payment network reported in quotes.
func WithNetwork(network string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(network) != "" {
			o.network = strings.TrimSpace(network)
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.InferenceMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// NewOrchestrator wires the workflow collaborators.
func NewOrchestrator(store Store, verifier Verifier, escrows Escrows, adapters Adapters, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		verifier: verifier,
		escrows:  escrows,
		adapters: adapters,
		retry:    DefaultRetryPolicy(),
		timeout:  DefaultTimeout,
		maxInput: DefaultMaxInputBytes,
		network:  "solana",
		now:      time.Now,
		logger:   slog.Default(),
		metrics:  observability.Inference(),
		tracer:   otel.Tracer("inferpay/inference"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) validate(req *SubmitRequest) error {
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.PaymentReference = strings.TrimSpace(req.PaymentReference)
	req.Payer = strings.TrimSpace(req.Payer)
	switch {
	case req.ProviderID == "":
		return newError(KindValidation, nil, "provider_id is required")
	case strings.TrimSpace(req.Input) == "":
		return newError(KindValidation, nil, "input is required")
	case len(req.Input) > o.maxInput:
		return newError(KindValidation, nil, "input exceeds %d bytes", o.maxInput)
	case !utf8.ValidString(req.Input):
		return newError(KindValidation, nil, "input must be valid UTF-8")
	case req.PaymentReference == "":
		return newError(KindValidation, nil, "payment_reference is required")
	case req.Payer == "":
		return newError(KindValidation, nil, "payer is required")
	case len(req.Payer) > 128 || len(req.PaymentReference) > 128:
		return newError(KindValidation, nil, "payer and payment_reference must be at most 128 characters")
	}
	return nil
}

// Submit runs one paid call end to end. Once the escrow hold exists the flow
// runs to settle or refund even if ctx is cancelled.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	started := o.now()
	ctx, span := o.tracer.Start(ctx, "inference.submit",
		trace.WithAttributes(attribute.String("provider.id", req.ProviderID)))
	defer span.End()

	res, err := o.submit(ctx, span, req, started)
	outcome := "completed"
	if err != nil {
		outcome = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "completed")
	}
	o.metrics.RecordSubmission(req.ProviderID, outcome)
	return res, err
}

func (o *Orchestrator) submit(ctx context.Context, span trace.Span, req SubmitRequest, started time.Time) (Result, error) {
	if err := o.validate(&req); err != nil {
		return Result{}, err
	}
	provider, adapter, err := o.resolveProvider(ctx, req.ProviderID)
	if err != nil {
		return Result{}, err
	}

	check := o.verifier.CheckPayer(ctx, req.PaymentReference, req.Payer, provider.PayoutAddress, provider.Price)
	if !check.Valid {
		o.logger.Info("payment rejected",
			slog.String("provider", provider.ID),
			slog.String("outcome", check.Outcome),
			slog.String("payer", logging.MaskIdentity(req.Payer)))
		return Result{}, newError(KindPaymentInvalid, nil, "payment verification failed: %s", check.Outcome)
	}

	// From here on state exists, so caller cancellation must not strand it.
	flowCtx := context.WithoutCancel(ctx)

	record := &ledger.Request{
		ID:               uuid.New(),
		ProviderID:       provider.ID,
		Payer:            req.Payer,
		Input:            req.Input,
		Status:           ledger.RequestProcessing,
		Cost:             provider.Price,
		PaymentReference: req.PaymentReference,
		CreatedAt:        o.now().UTC(),
	}
	if err := o.store.CreateRequest(flowCtx, record); err != nil {
		return Result{}, newError(KindPersistence, err, "failed to record request")
	}
	span.SetAttributes(attribute.String("request.id", record.ID.String()))

	escrowID, err := o.escrows.CreateHold(flowCtx, record.ID, record.Cost, req.PaymentReference)
	if err != nil {
		if _, failErr := o.store.FailRequest(flowCtx, record.ID, "escrow hold could not be created", 0, o.now().UTC()); failErr != nil {
			o.logger.Error("mark request failed after hold error",
				slog.String("request_id", record.ID.String()), slog.Any("error", failErr))
		}
		e := newError(KindPersistence, err, "failed to create escrow hold")
		e.RequestID = record.ID
		return Result{}, e
	}

	callStart := o.now()
	output, callErr := o.invoke(flowCtx, provider, adapter, req.Input)
	elapsed := o.now().Sub(callStart)
	finishedAt := o.now().UTC()

	if callErr != nil {
		return o.fail(flowCtx, provider, record, escrowID, req.Payer, callErr, elapsed, finishedAt)
	}

	encoded := output.Encode()
	if _, err := o.store.CompleteRequest(flowCtx, record.ID, encoded, elapsed, finishedAt); err != nil {
		e := newError(KindPersistence, err, "failed to record completion")
		e.RequestID = record.ID
		return Result{}, e
	}
	if err := o.escrows.Settle(flowCtx, escrowID, provider.PayoutAddress); err != nil {
		// The request is completed; a held escrow or failed payout is left to the sweep.
		msg := "settle after completion failed"
		if errors.Is(err, escrow.ErrPayoutFailed) {
			msg = "release payout failed"
		}
		o.logger.Warn(msg,
			slog.String("request_id", record.ID.String()),
			slog.String("escrow_id", escrowID.String()),
			slog.Any("error", err))
	}
	o.metrics.ObserveEndToEnd(o.now().Sub(started))
	o.logger.Info("inference completed",
		slog.String("request_id", record.ID.String()),
		slog.String("provider", provider.ID),
		slog.Float64("processing_seconds", elapsed.Seconds()))
	return Result{
		RequestID:      record.ID,
		Status:         ledger.RequestCompleted,
		Output:         encoded,
		OutputKind:     output.Kind,
		Cost:           record.Cost,
		ProcessingTime: elapsed.Seconds(),
	}, nil
}

func (o *Orchestrator) fail(ctx context.Context, provider *ledger.Provider, record *ledger.Request, escrowID uuid.UUID, payer string, callErr error, elapsed time.Duration, at time.Time) (Result, error) {
	message := callErr.Error()
	if errors.Is(callErr, context.DeadlineExceeded) {
		message = "provider call timed out: " + message
	}
	if _, err := o.store.FailRequest(ctx, record.ID, message, elapsed, at); err != nil {
		e := newError(KindPersistence, err, "failed to record provider failure")
		e.RequestID = record.ID
		return Result{}, e
	}
	if err := o.escrows.Refund(ctx, escrowID, payer); err != nil {
		msg := "refund after failure failed"
		if errors.Is(err, escrow.ErrPayoutFailed) {
			msg = "refund payout failed"
		}
		o.logger.Warn(msg,
			slog.String("request_id", record.ID.String()),
			slog.String("escrow_id", escrowID.String()),
			slog.Any("error", err))
	}
	o.logger.Info("inference failed",
		slog.String("request_id", record.ID.String()),
		slog.String("provider", provider.ID),
		slog.String("error", message))
	e := newError(KindInferenceFailed, callErr, "%s", message)
	e.RequestID = record.ID
	return Result{}, e
}

func (o *Orchestrator) resolveProvider(ctx context.Context, id string) (*ledger.Provider, providers.Adapter, error) {
	provider, err := o.store.GetProvider(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, nil, newError(KindProviderNotFound, err, "provider %s not found", id)
		}
		return nil, nil, newError(KindPersistence, err, "failed to load provider")
	}
	if !provider.Active {
		return nil, nil, newError(KindProviderInactive, nil, "provider %s is not active", id)
	}
	kind, err := providers.ParseKind(provider.Kind)
	if err != nil {
		return nil, nil, newError(KindProviderInactive, err, "provider %s has unsupported kind %q", id, provider.Kind)
	}
	adapter, err := o.adapters.Lookup(kind)
	if err != nil {
		return nil, nil, newError(KindProviderInactive, err, "provider %s kind %s is not configured", id, kind)
	}
	return provider, adapter, nil
}

func (o *Orchestrator) invoke(ctx context.Context, provider *ledger.Provider, adapter providers.Adapter, input string) (providers.Output, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "inference.provider_call",
		trace.WithAttributes(
			attribute.String("provider.kind", provider.Kind),
			attribute.String("provider.model", provider.Model)))
	defer span.End()

	cfg := providers.ModelConfig{Model: provider.Model, SystemPrompt: provider.SystemPrompt}
	var output providers.Output
	err := o.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			o.metrics.RecordRetry(provider.Kind)
			o.logger.Debug("retrying provider call",
				slog.String("provider", provider.ID),
				slog.Int("attempt", attempt))
		}
		start := o.now()
		out, err := invokeBounded(ctx, adapter, input, cfg)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		o.metrics.ObserveProviderCall(provider.Kind, outcome, o.now().Sub(start))
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return providers.Output{}, err
	}
	span.SetStatus(codes.Ok, "ok")
	return output, nil
}

type invokeResult struct {
	out providers.Output
	err error
}

// invokeBounded returns when the adapter does or when ctx ends, whichever is first.
func invokeBounded(ctx context.Context, adapter providers.Adapter, input string, cfg providers.ModelConfig) (providers.Output, error) {
	done := make(chan invokeResult, 1)
	go func() {
		out, err := adapter.Invoke(ctx, input, cfg)
		done <- invokeResult{out: out, err: err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return providers.Output{}, ctx.Err()
	}
}
