// Package reconcile resolves escrow holds left behind by an interrupted
// submission and flags holds that need a human decision.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"inferpay/escrow"
	"inferpay/observability"
	"inferpay/storage/audit"
	"inferpay/storage/ledger"
)

// DefaultStuckThreshold is the age after which a processing request is flagged.
const DefaultStuckThreshold = 10 * time.Minute

// DefaultBatchSize is the page size used when listing escrows.
const DefaultBatchSize = 500

// Trigger names who started a run.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// Store is the subset of the ledger the sweep reads.
type Store interface {
	ListEscrowsAfter(ctx context.Context, status ledger.EscrowStatus, after *ledger.EscrowCursor, limit int) ([]ledger.Escrow, error)
	ListFailedPayouts(ctx context.Context, limit int) ([]ledger.Escrow, error)
	ListStalePayouts(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Escrow, error)
	GetRequest(ctx context.Context, id uuid.UUID) (*ledger.Request, error)
	GetProvider(ctx context.Context, id string) (*ledger.Provider, error)
}

// Escrows resolves holds and retries failed payouts.
type Escrows interface {
	TrySettle(ctx context.Context, escrowID uuid.UUID, payoutAddress string) (bool, error)
	TryRefund(ctx context.Context, escrowID uuid.UUID, payerIdentity string) (bool, error)
	RetryPayout(ctx context.Context, esc ledger.Escrow, destination string) error
}

// Recorder appends audit entries.
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Action is what the sweep did with one escrow.
type Action string

const (
	ActionReleased     Action = "released"
	ActionRefunded     Action = "refunded"
	ActionResolved     Action = "already_resolved"
	ActionFlagged      Action = "flagged"
	ActionWaiting      Action = "waiting"
	ActionPayoutRetry  Action = "payout_retried"
	ActionPayoutFailed Action = "payout_failed"
	ActionError        Action = "error"
)

// Item records the decision taken for one escrow.
type Item struct {
	EscrowID      uuid.UUID
	RequestID     uuid.UUID
	ProviderID    string
	RequestStatus ledger.RequestStatus
	Lamports      string
	Age           time.Duration
	Action        Action
	Error         string
}

// Summary is the result of one sweep run.
type Summary struct {
	Trigger        string
	StartedAt      time.Time
	FinishedAt     time.Time
	Held           int
	Processed      int
	Released       int
	Refunded       int
	Flagged        int
	PayoutsRetried int
	Errors         []string
	Items          []Item
	Report         *Report
}

// Sweeper scans held escrows and resolves them from the linked request status.
type Sweeper struct {
	store     Store
	escrows   Escrows
	audit     Recorder
	reports   *ReportWriter
	threshold time.Duration
	batch     int
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.SweepMetrics

	mu sync.Mutex
}

// Option customises the sweeper.
type Option func(*Sweeper)

// WithStuckThreshold overrides the processing age that triggers a flag.
func WithStuckThreshold(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.threshold = d
		}
	}
}

// WithBatchSize sets the page size used when listing escrows. Every held
// escrow is examined regardless of the page size.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithAudit records runs and flags.
func WithAudit(r Recorder) Option {
	return func(s *Sweeper) { s.audit = r }
}

// WithReports writes a CSV and Parquet report per run.
func WithReports(w *ReportWriter) Option {
	return func(s *Sweeper) { s.reports = w }
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SweepMetrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// NewSweeper constructs a sweeper.
func NewSweeper(store Store, escrows Escrows, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		escrows:   escrows,
		threshold: DefaultStuckThreshold,
		batch:     DefaultBatchSize,
		now:       time.Now,
		logger:    slog.Default(),
		metrics:   observability.Sweep(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Threshold reports the stuck threshold in effect.
func (s *Sweeper) Threshold() time.Duration { return s.threshold }

// Run executes one sweep over every held escrow, a page at a time. Per-escrow
// failures are collected in the summary; only a failure to list the first
// page aborts the run. Runs are serialised.
func (s *Sweeper) Run(ctx context.Context, trigger string) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := Summary{Trigger: trigger, StartedAt: s.now().UTC(), Errors: []string{}}
	var cursor *ledger.EscrowCursor
	for page := 0; ; page++ {
		held, err := s.store.ListEscrowsAfter(ctx, ledger.EscrowHeld, cursor, s.batch)
		if err != nil {
			if page == 0 {
				return summary, fmt.Errorf("reconcile: list held escrows: %w", err)
			}
			summary.Errors = append(summary.Errors, fmt.Sprintf("list held escrows: %v", err))
			break
		}
		summary.Held += len(held)
		if !s.sweepPage(ctx, held, &summary) || len(held) < s.batch {
			break
		}
		cursor = ledger.CursorOf(held[len(held)-1])
	}

	summary.PayoutsRetried = s.retryPayouts(ctx, &summary)
	summary.FinishedAt = s.now().UTC()

	if s.reports != nil {
		report, err := s.reports.Write(summary)
		if err != nil {
			s.logger.Error("sweep report failed", slog.Any("error", err))
		} else {
			summary.Report = report
		}
	}
	s.metrics.RecordRun(trigger, summary.Held, summary.Released, summary.Refunded,
		summary.Flagged, len(summary.Errors), summary.PayoutsRetried, summary.FinishedAt)
	s.record(ctx, audit.Entry{
		OccurredAt: summary.FinishedAt,
		Subject:    "sweep",
		Action:     audit.ActionSweep,
		Actor:      trigger,
		Details: map[string]string{
			"held":            strconv.Itoa(summary.Held),
			"released":        strconv.Itoa(summary.Released),
			"refunded":        strconv.Itoa(summary.Refunded),
			"flagged":         strconv.Itoa(summary.Flagged),
			"payouts_retried": strconv.Itoa(summary.PayoutsRetried),
			"errors":          strconv.Itoa(len(summary.Errors)),
		},
	})
	s.logger.Info("escrow sweep finished",
		slog.String("trigger", trigger),
		slog.Int("held", summary.Held),
		slog.Int("released", summary.Released),
		slog.Int("refunded", summary.Refunded),
		slog.Int("flagged", summary.Flagged),
		slog.Int("payouts_retried", summary.PayoutsRetried),
		slog.Int("errors", len(summary.Errors)))
	return summary, nil
}

// sweepPage resolves one page of held escrows. It returns false when the
// context ended part way through.
func (s *Sweeper) sweepPage(ctx context.Context, held []ledger.Escrow, summary *Summary) bool {
	for _, esc := range held {
		if err := ctx.Err(); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("sweep interrupted: %v", err))
			return false
		}
		item := s.resolve(ctx, esc)
		summary.Items = append(summary.Items, item)
		switch item.Action {
		case ActionReleased:
			summary.Released++
			summary.Processed++
		case ActionRefunded:
			summary.Refunded++
			summary.Processed++
		case ActionFlagged:
			summary.Flagged++
		}
		if item.Error != "" {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", esc.ID, item.Error))
		}
	}
	return true
}

func (s *Sweeper) resolve(ctx context.Context, esc ledger.Escrow) Item {
	item := Item{
		EscrowID:  esc.ID,
		RequestID: esc.RequestID,
		Lamports:  esc.Amount.LamportString(),
	}
	req, err := s.store.GetRequest(ctx, esc.RequestID)
	if err != nil {
		item.Action = ActionError
		item.Error = fmt.Sprintf("load request %s: %v", esc.RequestID, err)
		return item
	}
	item.ProviderID = req.ProviderID
	item.RequestStatus = req.Status
	item.Age = s.now().Sub(req.CreatedAt)

	switch req.Status {
	case ledger.RequestCompleted:
		provider, err := s.store.GetProvider(ctx, req.ProviderID)
		if err != nil {
			item.Action = ActionError
			item.Error = fmt.Sprintf("load provider %s: %v", req.ProviderID, err)
			return item
		}
		applied, err := s.escrows.TrySettle(ctx, esc.ID, provider.PayoutAddress)
		s.settled(&item, ActionReleased, applied, err)
	case ledger.RequestFailed:
		applied, err := s.escrows.TryRefund(ctx, esc.ID, req.Payer)
		s.settled(&item, ActionRefunded, applied, err)
	case ledger.RequestProcessing:
		if item.Age <= s.threshold {
			item.Action = ActionWaiting
			return item
		}
		item.Action = ActionFlagged
		s.logger.Warn("escrow needs manual review",
			slog.String("escrow_id", esc.ID.String()),
			slog.String("request_id", req.ID.String()),
			slog.Duration("age", item.Age))
		s.record(ctx, audit.Entry{
			OccurredAt: s.now().UTC(),
			Subject:    esc.ID.String(),
			Action:     audit.ActionFlag,
			Details: map[string]string{
				"request_id": req.ID.String(),
				"age":        item.Age.Round(time.Second).String(),
			},
		})
	default:
		item.Action = ActionError
		item.Error = fmt.Sprintf("request %s has unknown status %q", req.ID, req.Status)
	}
	return item
}

// settled sets the item's action from the outcome of a settle or refund. Once
// the status transition is committed the action stands even if the payout
// failed. A call that found the escrow already resolved by another path is
// reported as such and not counted.
func (s *Sweeper) settled(item *Item, action Action, applied bool, err error) {
	switch {
	case applied:
		item.Action = action
	case err == nil:
		item.Action = ActionResolved
	default:
		item.Action = ActionError
	}
	if err != nil {
		item.Error = err.Error()
	}
}

// retryPayouts re-attempts failed payouts and pending payouts older than the
// stuck threshold. The latter belong to attempts interrupted before their
// outcome was recorded.
func (s *Sweeper) retryPayouts(ctx context.Context, summary *Summary) int {
	failed, err := s.store.ListFailedPayouts(ctx, s.batch)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("list failed payouts: %v", err))
		return 0
	}
	stale, err := s.store.ListStalePayouts(ctx, s.now().UTC().Add(-s.threshold), s.batch)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("list stale payouts: %v", err))
	}
	retried := 0
	for _, esc := range append(failed, stale...) {
		item := Item{EscrowID: esc.ID, RequestID: esc.RequestID, Lamports: esc.Amount.LamportString(), Action: ActionPayoutRetry}
		destination, err := s.destination(ctx, esc)
		if err == nil {
			err = s.escrows.RetryPayout(ctx, esc, destination)
		}
		switch {
		case err == nil:
			retried++
		case errors.Is(err, escrow.ErrPayoutInFlight):
			continue
		default:
			item.Action = ActionPayoutFailed
			item.Error = err.Error()
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", esc.ID, err))
		}
		summary.Items = append(summary.Items, item)
	}
	return retried
}

func (s *Sweeper) destination(ctx context.Context, esc ledger.Escrow) (string, error) {
	req, err := s.store.GetRequest(ctx, esc.RequestID)
	if err != nil {
		return "", err
	}
	if esc.Status == ledger.EscrowRefunded {
		return req.Payer, nil
	}
	provider, err := s.store.GetProvider(ctx, req.ProviderID)
	if err != nil {
		return "", err
	}
	return provider.PayoutAddress, nil
}

func (s *Sweeper) record(ctx context.Context, entry audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit write failed", slog.String("action", entry.Action), slog.Any("error", err))
	}
}

// PendingHold describes a held escrow for operators.
type PendingHold struct {
	EscrowID      uuid.UUID
	RequestID     uuid.UUID
	Amount        string
	RequestStatus ledger.RequestStatus
	CreatedAt     time.Time
	Age           time.Duration
	Stuck         bool
}

// Pending lists held escrows, oldest first, with their age and stuck flag.
func (s *Sweeper) Pending(ctx context.Context) ([]PendingHold, error) {
	var held []ledger.Escrow
	var cursor *ledger.EscrowCursor
	for {
		page, err := s.store.ListEscrowsAfter(ctx, ledger.EscrowHeld, cursor, s.batch)
		if err != nil {
			return nil, fmt.Errorf("reconcile: list held escrows: %w", err)
		}
		held = append(held, page...)
		if len(page) < s.batch {
			break
		}
		cursor = ledger.CursorOf(page[len(page)-1])
	}
	now := s.now()
	out := make([]PendingHold, 0, len(held))
	for _, esc := range held {
		hold := PendingHold{
			EscrowID:  esc.ID,
			RequestID: esc.RequestID,
			Amount:    esc.Amount.String(),
			CreatedAt: esc.CreatedAt,
			Age:       now.Sub(esc.CreatedAt),
		}
		if req, err := s.store.GetRequest(ctx, esc.RequestID); err == nil {
			hold.RequestStatus = req.Status
			hold.Stuck = req.Status == ledger.RequestProcessing && now.Sub(req.CreatedAt) > s.threshold
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("reconcile: load request %s: %w", esc.RequestID, err)
		}
		out = append(out, hold)
	}
	return out, nil
}
