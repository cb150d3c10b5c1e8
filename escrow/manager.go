// Package escrow owns the hold lifecycle: a hold is created in the held
// state and moves exactly once to released or refunded. Repeated settle or
// refund calls on a resolved escrow are no-ops.
//
// The status transition is committed before the payout is attempted, so a
// crash between the two leaves an escrow with payout_status=pending and never
// a second transfer through this path. Transfers carry a stable idempotency
// key; a treasury that honours it makes retries safe.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"inferpay/currency"
	"inferpay/observability"
	"inferpay/observability/logging"
	"inferpay/payout"
	"inferpay/storage/audit"
	"inferpay/storage/ledger"
)

// Store is the subset of the ledger the manager needs.
type Store interface {
	CreateEscrow(ctx context.Context, e *ledger.Escrow) error
	GetEscrow(ctx context.Context, id uuid.UUID) (*ledger.Escrow, error)
	TransitionEscrow(ctx context.Context, id uuid.UUID, to ledger.EscrowStatus, at time.Time) (bool, error)
	RecordPayout(ctx context.Context, id uuid.UUID, reference string, payoutErr error, at time.Time) error
	ListEscrowsByStatus(ctx context.Context, status ledger.EscrowStatus, limit int) ([]ledger.Escrow, error)
	ListFailedPayouts(ctx context.Context, limit int) ([]ledger.Escrow, error)
}

// Recorder appends audit entries.
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Manager coordinates escrow transitions and the payouts that follow them.
type Manager struct {
	store   Store
	wallet  payout.Wallet
	audit   Recorder
	logger  *slog.Logger
	metrics interface {
		RecordTransition(action string)
		RecordPayoutFailure(action string)
	}
	now func() time.Time

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

// Option customises the manager.
type Option func(*Manager)

// WithWallet supplies the payout wallet. Without one, settlement is ledger-only.
func WithWallet(w payout.Wallet) Option {
	return func(m *Manager) { m.wallet = w }
}

// WithAudit supplies the audit recorder.
func WithAudit(r Recorder) Option {
	return func(m *Manager) { m.audit = r }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.now = clock }
}

// NewManager constructs a manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		wallet:   payout.LedgerWallet{},
		logger:   slog.Default(),
		metrics:  observability.Escrow(),
		now:      time.Now,
		inFlight: make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.wallet == nil {
		m.wallet = payout.LedgerWallet{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// CreateHold records a held escrow for requestID and returns its id.
func (m *Manager) CreateHold(ctx context.Context, requestID uuid.UUID, amount currency.Amount, paymentReference string) (uuid.UUID, error) {
	if requestID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("escrow: request id required")
	}
	if amount.IsZero() {
		return uuid.Nil, fmt.Errorf("escrow: amount must be positive")
	}
	esc := &ledger.Escrow{
		ID:               uuid.New(),
		RequestID:        requestID,
		Amount:           amount,
		PaymentReference: strings.TrimSpace(paymentReference),
		CreatedAt:        m.now().UTC(),
	}
	if err := m.store.CreateEscrow(ctx, esc); err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicateEscrow):
			return uuid.Nil, fmt.Errorf("%w: request %s", ErrDuplicateHold, requestID)
		case errors.Is(err, ledger.ErrAmountMismatch):
			return uuid.Nil, fmt.Errorf("%w: %v", ErrAmountMismatch, err)
		case errors.Is(err, ledger.ErrNotFound):
			return uuid.Nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return uuid.Nil, err
	}
	m.metrics.RecordTransition("hold")
	m.record(ctx, newHoldEntry(esc))
	m.logger.Info("escrow held",
		slog.String("escrow_id", esc.ID.String()),
		slog.String("request_id", requestID.String()),
		slog.String("lamports", amount.LamportString()))
	return esc.ID, nil
}

// Settle releases a held escrow to payoutAddress. It is a no-op when the
// escrow is no longer held.
func (m *Manager) Settle(ctx context.Context, escrowID uuid.UUID, payoutAddress string) error {
	_, err := m.TrySettle(ctx, escrowID, payoutAddress)
	return err
}

// Refund returns a held escrow to payerIdentity. It is a no-op when the
// escrow is no longer held.
func (m *Manager) Refund(ctx context.Context, escrowID uuid.UUID, payerIdentity string) error {
	_, err := m.TryRefund(ctx, escrowID, payerIdentity)
	return err
}

// TrySettle is Settle that also reports whether this call moved the escrow
// out of held. It returns false when the escrow was already resolved.
func (m *Manager) TrySettle(ctx context.Context, escrowID uuid.UUID, payoutAddress string) (bool, error) {
	return m.resolve(ctx, escrowID, ledger.EscrowReleased, payout.ActionRelease, payoutAddress)
}

// TryRefund is Refund that also reports whether this call moved the escrow
// out of held.
func (m *Manager) TryRefund(ctx context.Context, escrowID uuid.UUID, payerIdentity string) (bool, error) {
	return m.resolve(ctx, escrowID, ledger.EscrowRefunded, payout.ActionRefund, payerIdentity)
}

func (m *Manager) resolve(ctx context.Context, escrowID uuid.UUID, to ledger.EscrowStatus, action payout.Action, destination string) (bool, error) {
	esc, err := m.Get(ctx, escrowID)
	if err != nil {
		return false, err
	}
	if esc.Status != ledger.EscrowHeld {
		return false, nil
	}
	applied, err := m.store.TransitionEscrow(ctx, escrowID, to, m.now().UTC())
	if err != nil {
		return false, err
	}
	if !applied {
		// Another caller resolved the escrow between the read and the update.
		return false, nil
	}
	esc, err = m.Get(ctx, escrowID)
	if err != nil {
		return true, err
	}
	m.metrics.RecordTransition(string(action))
	m.record(ctx, newTransitionEntry(esc, action, destination))
	m.logger.Info("escrow resolved",
		slog.String("escrow_id", escrowID.String()),
		slog.String("status", string(to)),
		slog.String("destination", logging.MaskIdentity(destination)))
	return true, m.pay(ctx, esc, action, destination, false)
}

// RetryPayout re-attempts the transfer for an escrow whose payout failed or
// never recorded an outcome. The same idempotency key is reused.
func (m *Manager) RetryPayout(ctx context.Context, esc ledger.Escrow, destination string) error {
	var action payout.Action
	switch esc.Status {
	case ledger.EscrowReleased:
		action = payout.ActionRelease
	case ledger.EscrowRefunded:
		action = payout.ActionRefund
	default:
		return fmt.Errorf("escrow: %s is %s, nothing to pay", esc.ID, esc.Status)
	}
	if esc.PayoutStatus == ledger.PayoutSent {
		return nil
	}
	return m.pay(ctx, &esc, action, destination, true)
}

func (m *Manager) pay(ctx context.Context, esc *ledger.Escrow, action payout.Action, destination string, retry bool) error {
	m.mu.Lock()
	if _, busy := m.inFlight[esc.ID]; busy {
		m.mu.Unlock()
		return ErrPayoutInFlight
	}
	m.inFlight[esc.ID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, esc.ID)
		m.mu.Unlock()
	}()

	transfer := payout.NewTransfer(esc.ID, action, destination, esc.Amount)
	reference, payErr := m.wallet.Transfer(ctx, transfer)
	if payErr == nil && strings.TrimSpace(reference) == "" {
		payErr = fmt.Errorf("wallet returned empty reference")
	}
	if err := m.store.RecordPayout(ctx, esc.ID, reference, payErr, m.now().UTC()); err != nil {
		m.logger.Error("record payout failed",
			slog.String("escrow_id", esc.ID.String()),
			slog.Any("error", err))
		if payErr == nil {
			return err
		}
	}
	m.record(ctx, newPayoutEntry(esc, transfer, reference, payErr, retry))
	if payErr != nil {
		m.metrics.RecordPayoutFailure(string(action))
		m.logger.Warn("escrow payout failed",
			slog.String("escrow_id", esc.ID.String()),
			slog.String("action", string(action)),
			slog.Any("error", payErr))
		return fmt.Errorf("%w: %s %s: %v", ErrPayoutFailed, action, esc.ID, payErr)
	}
	return nil
}

// Get loads an escrow.
func (m *Manager) Get(ctx context.Context, escrowID uuid.UUID) (*ledger.Escrow, error) {
	esc, err := m.store.GetEscrow(ctx, escrowID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, escrowID)
		}
		return nil, err
	}
	return esc, nil
}

// ListHeld returns held escrows, oldest first.
func (m *Manager) ListHeld(ctx context.Context, limit int) ([]ledger.Escrow, error) {
	return m.store.ListEscrowsByStatus(ctx, ledger.EscrowHeld, limit)
}

// ListFailedPayouts returns resolved escrows whose transfer still needs to go out.
func (m *Manager) ListFailedPayouts(ctx context.Context, limit int) ([]ledger.Escrow, error) {
	return m.store.ListFailedPayouts(ctx, limit)
}

func (m *Manager) record(ctx context.Context, entry audit.Entry) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, entry); err != nil {
		m.logger.Warn("audit write failed", slog.String("action", entry.Action), slog.Any("error", err))
	}
}
