// Package ledger persists requests, escrow holds and the provider catalogue.
// Every mutation is a single-row update keyed by primary id; status changes
// are guarded by the expected prior status so concurrent writers cannot
// regress or double-apply a transition.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"inferpay/currency"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrDuplicateEscrow is returned when a request already has an escrow.
	ErrDuplicateEscrow = errors.New("ledger: escrow already exists for request")
	// ErrAmountMismatch is returned when an escrow amount differs from the request cost.
	ErrAmountMismatch = errors.New("ledger: escrow amount does not match request cost")
)

// Store wraps a gorm handle with the ledger's access patterns.
type Store struct {
	db *gorm.DB
}

// Open dials the configured driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	embedded := false
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(sqliteDSN(dsn))
		embedded = true
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("ledger: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
	}
	if embedded {
		// SQLite allows one writer. A single pooled connection queues writers in
		// process instead of failing a read-then-write transaction with SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// sqliteBusyTimeout bounds the wait for a lock held by another process.
const sqliteBusyTimeout = 5 * time.Second

// sqliteDSN adds a busy timeout unless the DSN already sets one.
func sqliteDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)", dsn, sep, sqliteBusyTimeout.Milliseconds())
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: database handle required")
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for tests and maintenance tooling.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertProvider inserts or refreshes a catalogue entry.
func (s *Store) UpsertProvider(ctx context.Context, p *Provider) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("ledger: provider id required")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "kind", "model", "system_prompt", "payout_address", "price", "active", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("ledger: upsert provider %s: %w", p.ID, err)
	}
	return nil
}

// GetProvider loads a provider by id.
func (s *Store) GetProvider(ctx context.Context, id string) (*Provider, error) {
	var p Provider
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound("provider", id, err)
	}
	return &p, nil
}

// CreateRequest inserts a request. The status must be processing.
func (s *Store) CreateRequest(ctx context.Context, r *Request) error {
	if r == nil {
		return fmt.Errorf("ledger: request required")
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = RequestProcessing
	}
	if r.Status != RequestProcessing {
		return fmt.Errorf("ledger: new request must be %s, got %s", RequestProcessing, r.Status)
	}
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("ledger: create request: %w", err)
	}
	return nil
}

// GetRequest loads a request by id.
func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	var r Request
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound("request", id.String(), err)
	}
	return &r, nil
}

// CompleteRequest moves a processing request to completed. It reports false
// when the request had already left the processing state.
func (s *Store) CompleteRequest(ctx context.Context, id uuid.UUID, output string, elapsed time.Duration, at time.Time) (bool, error) {
	seconds := elapsed.Seconds()
	return s.finishRequest(ctx, id, map[string]any{
		"status":          RequestCompleted,
		"output":          output,
		"processing_time": seconds,
		"completed_at":    at,
		"updated_at":      at,
	})
}

// FailRequest moves a processing request to failed with the supplied message.
func (s *Store) FailRequest(ctx context.Context, id uuid.UUID, message string, elapsed time.Duration, at time.Time) (bool, error) {
	seconds := elapsed.Seconds()
	return s.finishRequest(ctx, id, map[string]any{
		"status":          RequestFailed,
		"error_message":   message,
		"processing_time": seconds,
		"completed_at":    at,
		"updated_at":      at,
	})
}

func (s *Store) finishRequest(ctx context.Context, id uuid.UUID, updates map[string]any) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Request{}).
		Where("id = ? AND status = ?", id, RequestProcessing).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("ledger: update request %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CreateEscrow inserts a held escrow for an existing request. The request must
// exist, must not already own an escrow, and its cost must equal the amount.
func (s *Store) CreateEscrow(ctx context.Context, e *Escrow) error {
	if e == nil {
		return fmt.Errorf("ledger: escrow required")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Status = EscrowHeld
	e.PayoutStatus = PayoutNone
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req Request
		if err := tx.First(&req, "id = ?", e.RequestID).Error; err != nil {
			return wrapNotFound("request", e.RequestID.String(), err)
		}
		if !req.Cost.Equal(e.Amount) {
			return fmt.Errorf("%w: cost %s, amount %s", ErrAmountMismatch, req.Cost, e.Amount)
		}
		var existing int64
		if err := tx.Model(&Escrow{}).Where("request_id = ?", e.RequestID).Count(&existing).Error; err != nil {
			return fmt.Errorf("ledger: count escrows: %w", err)
		}
		if existing > 0 {
			return ErrDuplicateEscrow
		}
		if err := tx.Create(e).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateEscrow
			}
			return fmt.Errorf("ledger: create escrow: %w", err)
		}
		return nil
	})
}

// GetEscrow loads an escrow by id.
func (s *Store) GetEscrow(ctx context.Context, id uuid.UUID) (*Escrow, error) {
	var e Escrow
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound("escrow", id.String(), err)
	}
	return &e, nil
}

// GetEscrowByRequest loads the escrow attached to a request.
func (s *Store) GetEscrowByRequest(ctx context.Context, requestID uuid.UUID) (*Escrow, error) {
	var e Escrow
	if err := s.db.WithContext(ctx).First(&e, "request_id = ?", requestID).Error; err != nil {
		return nil, wrapNotFound("escrow for request", requestID.String(), err)
	}
	return &e, nil
}

// TransitionEscrow atomically moves a held escrow to the target status. It
// reports false, without error, when the escrow was no longer held.
func (s *Store) TransitionEscrow(ctx context.Context, id uuid.UUID, to EscrowStatus, at time.Time) (bool, error) {
	if to != EscrowReleased && to != EscrowRefunded {
		return false, fmt.Errorf("ledger: illegal escrow transition to %q", to)
	}
	res := s.db.WithContext(ctx).Model(&Escrow{}).
		Where("id = ? AND status = ?", id, EscrowHeld).
		Updates(map[string]any{
			"status":        to,
			"settled_at":    at,
			"payout_status": PayoutPending,
			"updated_at":    at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("ledger: transition escrow %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RecordPayout stores the outcome of the transfer that follows a transition.
// A nil payoutErr marks the payout sent and records the reference.
func (s *Store) RecordPayout(ctx context.Context, id uuid.UUID, reference string, payoutErr error, at time.Time) error {
	e, err := s.GetEscrow(ctx, id)
	if err != nil {
		return err
	}
	updates := map[string]any{
		"payout_attempts": gorm.Expr("payout_attempts + 1"),
		"updated_at":      at,
	}
	if payoutErr != nil {
		updates["payout_status"] = PayoutFailed
		updates["payout_error"] = payoutErr.Error()
	} else {
		updates["payout_status"] = PayoutSent
		updates["payout_error"] = nil
		switch e.Status {
		case EscrowReleased:
			updates["release_reference"] = reference
		case EscrowRefunded:
			updates["refund_reference"] = reference
		default:
			return fmt.Errorf("ledger: escrow %s is %s, cannot record payout", id, e.Status)
		}
	}
	res := s.db.WithContext(ctx).Model(&Escrow{}).
		Where("id = ? AND payout_status IN ?", id, []PayoutStatus{PayoutPending, PayoutFailed}).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("ledger: record payout %s: %w", id, res.Error)
	}
	return nil
}

// ListEscrowsByStatus returns escrows in the given status, oldest first. A
// non-positive limit returns every match.
func (s *Store) ListEscrowsByStatus(ctx context.Context, status EscrowStatus, limit int) ([]Escrow, error) {
	return s.ListEscrowsAfter(ctx, status, nil, limit)
}

// EscrowCursor is the position of the last escrow of a page in
// (created_at, id) order.
type EscrowCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// CursorOf returns the cursor that continues a listing after esc.
func CursorOf(esc Escrow) *EscrowCursor {
	return &EscrowCursor{CreatedAt: esc.CreatedAt, ID: esc.ID}
}

// ListEscrowsAfter returns escrows in status that sort after the cursor,
// oldest first. A nil cursor starts from the oldest escrow. Rows that leave
// the status between pages do not shift later pages.
func (s *Store) ListEscrowsAfter(ctx context.Context, status EscrowStatus, after *EscrowCursor, limit int) ([]Escrow, error) {
	q := s.db.WithContext(ctx).Where("status = ?", status)
	if after != nil {
		q = q.Where("(created_at > ? OR (created_at = ? AND id > ?))", after.CreatedAt, after.CreatedAt, after.ID)
	}
	q = q.Order("created_at ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Escrow
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ledger: list %s escrows: %w", status, err)
	}
	return out, nil
}

// ListFailedPayouts returns settled escrows whose payout needs another attempt.
func (s *Store) ListFailedPayouts(ctx context.Context, limit int) ([]Escrow, error) {
	q := s.db.WithContext(ctx).
		Where("status IN ? AND payout_status = ?", []EscrowStatus{EscrowReleased, EscrowRefunded}, PayoutFailed).
		Order("settled_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Escrow
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ledger: list failed payouts: %w", err)
	}
	return out, nil
}

// ListStalePayouts returns settled escrows whose payout has been pending since
// before cutoff. A pending payout that old belongs to an attempt that never
// recorded its outcome.
func (s *Store) ListStalePayouts(ctx context.Context, cutoff time.Time, limit int) ([]Escrow, error) {
	q := s.db.WithContext(ctx).
		Where("status IN ? AND payout_status = ? AND settled_at < ?",
			[]EscrowStatus{EscrowReleased, EscrowRefunded}, PayoutPending, cutoff).
		Order("settled_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Escrow
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ledger: list stale payouts: %w", err)
	}
	return out, nil
}

// ProviderStats aggregates request and escrow counts for one provider.
type ProviderStats struct {
	TotalRequests     int64
	CompletedRequests int64
	FailedRequests    int64
	TotalEarnings     currency.Amount
	PendingEscrows    int64
}

// ProviderStats computes read-only aggregates for a provider.
func (s *Store) ProviderStats(ctx context.Context, providerID string) (ProviderStats, error) {
	var stats ProviderStats
	db := s.db.WithContext(ctx)
	type statusCount struct {
		Status RequestStatus
		N      int64
	}
	var counts []statusCount
	if err := db.Model(&Request{}).Select("status, COUNT(*) AS n").
		Where("provider_id = ?", providerID).Group("status").Scan(&counts).Error; err != nil {
		return stats, fmt.Errorf("ledger: count requests: %w", err)
	}
	for _, c := range counts {
		stats.TotalRequests += c.N
		switch c.Status {
		case RequestCompleted:
			stats.CompletedRequests = c.N
		case RequestFailed:
			stats.FailedRequests = c.N
		}
	}
	var completed []Request
	if err := db.Select("cost").Where("provider_id = ? AND status = ?", providerID, RequestCompleted).
		Find(&completed).Error; err != nil {
		return stats, fmt.Errorf("ledger: load earnings: %w", err)
	}
	for _, r := range completed {
		sum, err := stats.TotalEarnings.Add(r.Cost)
		if err != nil {
			return stats, err
		}
		stats.TotalEarnings = sum
	}
	if err := db.Model(&Escrow{}).
		Joins("JOIN inference_requests ON inference_requests.id = escrow_holds.request_id").
		Where("inference_requests.provider_id = ? AND escrow_holds.status = ?", providerID, EscrowHeld).
		Count(&stats.PendingEscrows).Error; err != nil {
		return stats, fmt.Errorf("ledger: count pending escrows: %w", err)
	}
	return stats, nil
}

// RecentRequests returns the newest requests for a provider.
func (s *Store) RecentRequests(ctx context.Context, providerID string, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []Request
	if err := s.db.WithContext(ctx).Where("provider_id = ?", providerID).
		Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ledger: recent requests: %w", err)
	}
	return out, nil
}

func wrapNotFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return fmt.Errorf("ledger: load %s %s: %w", kind, id, err)
}
