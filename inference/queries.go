package inference

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"inferpay/currency"
	"inferpay/storage/ledger"
)

// ProviderSummary is the provider projection attached to a request view.
type ProviderSummary struct {
	ID    string
	Name  string
	Kind  string
	Model string
}

// RequestView is the status projection of one request.
type RequestView struct {
	ID               uuid.UUID
	Status           ledger.RequestStatus
	Input            string
	Output           *string
	Cost             currency.Amount
	ProcessingTime   *float64
	ErrorMessage     *string
	PaymentReference string
	CreatedAt        time.Time
	CompletedAt      *time.Time
	Provider         ProviderSummary
	EscrowStatus     ledger.EscrowStatus
}

// Status returns the current projection of a request.
func (o *Orchestrator) Status(ctx context.Context, requestID uuid.UUID) (RequestView, error) {
	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return RequestView{}, newError(KindNotFound, err, "request %s not found", requestID)
		}
		return RequestView{}, newError(KindPersistence, err, "failed to load request")
	}
	view := RequestView{
		ID:               req.ID,
		Status:           req.Status,
		Input:            req.Input,
		Output:           req.Output,
		Cost:             req.Cost,
		ProcessingTime:   req.ProcessingTime,
		ErrorMessage:     req.ErrorMessage,
		PaymentReference: req.PaymentReference,
		CreatedAt:        req.CreatedAt,
		CompletedAt:      req.CompletedAt,
		Provider:         ProviderSummary{ID: req.ProviderID},
	}
	if p, err := o.store.GetProvider(ctx, req.ProviderID); err == nil {
		view.Provider = ProviderSummary{ID: p.ID, Name: p.Name, Kind: p.Kind, Model: p.Model}
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return RequestView{}, newError(KindPersistence, err, "failed to load provider")
	}
	if esc, err := o.store.GetEscrowByRequest(ctx, req.ID); err == nil {
		view.EscrowStatus = esc.Status
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return RequestView{}, newError(KindPersistence, err, "failed to load escrow")
	}
	return view, nil
}

// RecentRequest is one row of the provider activity list.
type RecentRequest struct {
	ID             uuid.UUID
	Payer          string
	Status         ledger.RequestStatus
	Cost           currency.Amount
	ProcessingTime *float64
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// Stats aggregates a provider's history.
type Stats struct {
	ProviderID        string
	TotalRequests     int64
	CompletedRequests int64
	FailedRequests    int64
	SuccessRate       float64
	TotalEarnings     currency.Amount
	PendingEscrows    int64
	Recent            []RecentRequest
}

// ProviderStats reads the aggregates for one provider. It never mutates state.
func (o *Orchestrator) ProviderStats(ctx context.Context, providerID string) (Stats, error) {
	if _, err := o.store.GetProvider(ctx, providerID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Stats{}, newError(KindProviderNotFound, err, "provider %s not found", providerID)
		}
		return Stats{}, newError(KindPersistence, err, "failed to load provider")
	}
	agg, err := o.store.ProviderStats(ctx, providerID)
	if err != nil {
		return Stats{}, newError(KindPersistence, err, "failed to aggregate provider stats")
	}
	recent, err := o.store.RecentRequests(ctx, providerID, 10)
	if err != nil {
		return Stats{}, newError(KindPersistence, err, "failed to load recent requests")
	}
	stats := Stats{
		ProviderID:        providerID,
		TotalRequests:     agg.TotalRequests,
		CompletedRequests: agg.CompletedRequests,
		FailedRequests:    agg.FailedRequests,
		TotalEarnings:     agg.TotalEarnings,
		PendingEscrows:    agg.PendingEscrows,
		Recent:            make([]RecentRequest, 0, len(recent)),
	}
	if agg.TotalRequests > 0 {
		stats.SuccessRate = float64(agg.CompletedRequests) / float64(agg.TotalRequests)
	}
	for _, r := range recent {
		stats.Recent = append(stats.Recent, RecentRequest{
			ID:             r.ID,
			Payer:          r.Payer,
			Status:         r.Status,
			Cost:           r.Cost,
			ProcessingTime: r.ProcessingTime,
			CreatedAt:      r.CreatedAt,
			CompletedAt:    r.CompletedAt,
		})
	}
	return stats, nil
}

// Quote is the payment a caller must make before submitting.
type Quote struct {
	ProviderID    string
	Name          string
	PayoutAddress string
	Price         currency.Amount
	Network       string
}

// Quote returns the payment requirement for an active provider.
func (o *Orchestrator) Quote(ctx context.Context, providerID string) (Quote, error) {
	provider, _, err := o.resolveProvider(ctx, providerID)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		ProviderID:    provider.ID,
		Name:          provider.Name,
		PayoutAddress: provider.PayoutAddress,
		Price:         provider.Price,
		Network:       o.network,
	}, nil
}
