package inferenced

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"inferpay/inference"
	"inferpay/reconcile"
)

const maxBodyBytes = 1 << 20

// InferenceService is the orchestrator surface served over HTTP.
type InferenceService interface {
	Submit(ctx context.Context, req inference.SubmitRequest) (inference.Result, error)
	Status(ctx context.Context, requestID uuid.UUID) (inference.RequestView, error)
	ProviderStats(ctx context.Context, providerID string) (inference.Stats, error)
	Quote(ctx context.Context, providerID string) (inference.Quote, error)
}

// SweepService runs and inspects the reconciliation sweep.
type SweepService interface {
	Run(ctx context.Context, trigger string) (reconcile.Summary, error)
	Pending(ctx context.Context) ([]reconcile.PendingHold, error)
}

// ServerConfig captures the dependencies required to construct the server.
type ServerConfig struct {
	Inference InferenceService
	Sweeper   SweepService
	Auth      *Authenticator
	Limiter   *RateLimiter
	Logger    *slog.Logger
	// TrustProxyHeaders takes the client address from forwarding headers.
	TrustProxyHeaders bool
}

// Server exposes the inference and operator HTTP API.
type Server struct {
	inference InferenceService
	sweeper   SweepService
	auth      *Authenticator
	limiter   *RateLimiter
	logger    *slog.Logger
	router    http.Handler

	trustProxyHeaders bool
}

// NewServer constructs the router.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		inference: cfg.Inference,
		sweeper:   cfg.Sweeper,
		auth:      cfg.Auth,
		limiter:   cfg.Limiter,
		logger:    logger,

		trustProxyHeaders: cfg.TrustProxyHeaders,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if s.trustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(s.accessLog)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.With(s.limiter.Middleware).Post("/inference", s.handleSubmit)
		api.Get("/inference/{id}", s.handleStatus)
		api.Get("/providers/{id}/stats", s.handleProviderStats)
		api.Get("/providers/{id}/quote", s.handleQuote)

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.Middleware)
			admin.Post("/escrows/sweep", s.handleSweep)
			admin.Get("/escrows/pending", s.handlePending)
		})
	})
	return otelhttp.NewHandler(r, "inferenced")
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Duration("duration", time.Since(start)))
	})
}

type submitRequest struct {
	ProviderID       string `json:"provider_id"`
	Input            string `json:"input"`
	PaymentReference string `json:"payment_reference"`
	Payer            string `json:"payer"`
}

type submitResponse struct {
	RequestID             string  `json:"request_id"`
	Status                string  `json:"status"`
	Output                string  `json:"output"`
	OutputKind            string  `json:"output_kind"`
	Cost                  string  `json:"cost"`
	CostLamports          string  `json:"cost_lamports"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(inference.KindValidation), "invalid JSON payload")
		return
	}
	res, err := s.inference.Submit(r.Context(), inference.SubmitRequest{
		ProviderID:       req.ProviderID,
		Input:            req.Input,
		PaymentReference: req.PaymentReference,
		Payer:            req.Payer,
	})
	if err != nil {
		s.writeInferenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		RequestID:             res.RequestID.String(),
		Status:                string(res.Status),
		Output:                res.Output,
		OutputKind:            string(res.OutputKind),
		Cost:                  res.Cost.String(),
		CostLamports:          res.Cost.LamportString(),
		ProcessingTimeSeconds: res.ProcessingTime,
	})
}

type providerSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Model string `json:"model,omitempty"`
}

type statusResponse struct {
	ID                    string          `json:"id"`
	Status                string          `json:"status"`
	Input                 string          `json:"input"`
	Output                *string         `json:"output"`
	Cost                  string          `json:"cost"`
	ProcessingTimeSeconds *float64        `json:"processing_time_seconds"`
	ErrorMessage          *string         `json:"error_message"`
	PaymentReference      string          `json:"payment_reference"`
	EscrowStatus          string          `json:"escrow_status,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	CompletedAt           *time.Time      `json:"completed_at"`
	Provider              providerSummary `json:"provider"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, string(inference.KindNotFound), "request not found")
		return
	}
	view, err := s.inference.Status(r.Context(), id)
	if err != nil {
		s.writeInferenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ID:                    view.ID.String(),
		Status:                string(view.Status),
		Input:                 view.Input,
		Output:                view.Output,
		Cost:                  view.Cost.String(),
		ProcessingTimeSeconds: view.ProcessingTime,
		ErrorMessage:          view.ErrorMessage,
		PaymentReference:      view.PaymentReference,
		EscrowStatus:          string(view.EscrowStatus),
		CreatedAt:             view.CreatedAt,
		CompletedAt:           view.CompletedAt,
		Provider: providerSummary{
			ID:    view.Provider.ID,
			Name:  view.Provider.Name,
			Kind:  view.Provider.Kind,
			Model: view.Provider.Model,
		},
	})
}

type recentRequest struct {
	ID                    string     `json:"id"`
	Payer                 string     `json:"payer"`
	Status                string     `json:"status"`
	Cost                  string     `json:"cost"`
	ProcessingTimeSeconds *float64   `json:"processing_time_seconds"`
	CreatedAt             time.Time  `json:"created_at"`
	CompletedAt           *time.Time `json:"completed_at"`
}

type statsResponse struct {
	ProviderID        string          `json:"provider_id"`
	TotalRequests     int64           `json:"total_requests"`
	CompletedRequests int64           `json:"completed_requests"`
	FailedRequests    int64           `json:"failed_requests"`
	SuccessRate       float64         `json:"success_rate"`
	TotalEarnings     string          `json:"total_earnings"`
	PendingEscrows    int64           `json:"pending_escrows"`
	RecentRequests    []recentRequest `json:"recent_requests"`
}

func (s *Server) handleProviderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.inference.ProviderStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeInferenceError(w, err)
		return
	}
	resp := statsResponse{
		ProviderID:        stats.ProviderID,
		TotalRequests:     stats.TotalRequests,
		CompletedRequests: stats.CompletedRequests,
		FailedRequests:    stats.FailedRequests,
		SuccessRate:       stats.SuccessRate,
		TotalEarnings:     stats.TotalEarnings.String(),
		PendingEscrows:    stats.PendingEscrows,
		RecentRequests:    make([]recentRequest, 0, len(stats.Recent)),
	}
	for _, rr := range stats.Recent {
		resp.RecentRequests = append(resp.RecentRequests, recentRequest{
			ID:                    rr.ID.String(),
			Payer:                 rr.Payer,
			Status:                string(rr.Status),
			Cost:                  rr.Cost.String(),
			ProcessingTimeSeconds: rr.ProcessingTime,
			CreatedAt:             rr.CreatedAt,
			CompletedAt:           rr.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type quoteResponse struct {
	ProviderID    string `json:"provider_id"`
	Name          string `json:"name"`
	PayoutAddress string `json:"payout_address"`
	Price         string `json:"price"`
	PriceLamports string `json:"price_lamports"`
	Network       string `json:"network"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	quote, err := s.inference.Quote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeInferenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		ProviderID:    quote.ProviderID,
		Name:          quote.Name,
		PayoutAddress: quote.PayoutAddress,
		Price:         quote.Price.String(),
		PriceLamports: quote.Price.LamportString(),
		Network:       quote.Network,
	})
}

type sweepItem struct {
	EscrowID      string  `json:"escrow_id"`
	RequestID     string  `json:"request_id"`
	RequestStatus string  `json:"request_status,omitempty"`
	AgeSeconds    float64 `json:"age_seconds"`
	Action        string  `json:"action"`
	Error         string  `json:"error,omitempty"`
}

type sweepResponse struct {
	Trigger        string      `json:"trigger"`
	Held           int         `json:"held"`
	Processed      int         `json:"processed"`
	Released       int         `json:"released"`
	Refunded       int         `json:"refunded"`
	Flagged        int         `json:"flagged"`
	PayoutsRetried int         `json:"payouts_retried"`
	Errors         []string    `json:"errors"`
	Items          []sweepItem `json:"items"`
	ReportCSV      string      `json:"report_csv,omitempty"`
	ReportParquet  string      `json:"report_parquet,omitempty"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sweeper.Run(r.Context(), reconcile.TriggerManual)
	if err != nil {
		s.logger.Error("manual sweep failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, string(inference.KindPersistence), "sweep failed")
		return
	}
	resp := sweepResponse{
		Trigger:        summary.Trigger,
		Held:           summary.Held,
		Processed:      summary.Processed,
		Released:       summary.Released,
		Refunded:       summary.Refunded,
		Flagged:        summary.Flagged,
		PayoutsRetried: summary.PayoutsRetried,
		Errors:         summary.Errors,
		Items:          make([]sweepItem, 0, len(summary.Items)),
	}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	for _, item := range summary.Items {
		resp.Items = append(resp.Items, sweepItem{
			EscrowID:      item.EscrowID.String(),
			RequestID:     item.RequestID.String(),
			RequestStatus: string(item.RequestStatus),
			AgeSeconds:    item.Age.Seconds(),
			Action:        string(item.Action),
			Error:         item.Error,
		})
	}
	if summary.Report != nil {
		resp.ReportCSV = summary.Report.CSVPath
		resp.ReportParquet = summary.Report.ParquetPath
	}
	writeJSON(w, http.StatusOK, resp)
}

type pendingHold struct {
	EscrowID      string    `json:"escrow_id"`
	RequestID     string    `json:"request_id"`
	Amount        string    `json:"amount"`
	RequestStatus string    `json:"request_status"`
	CreatedAt     time.Time `json:"created_at"`
	AgeSeconds    float64   `json:"age_seconds"`
	Stuck         bool      `json:"stuck"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	holds, err := s.sweeper.Pending(r.Context())
	if err != nil {
		s.logger.Error("list pending escrows failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, string(inference.KindPersistence), "failed to list pending escrows")
		return
	}
	out := make([]pendingHold, 0, len(holds))
	for _, h := range holds {
		out = append(out, pendingHold{
			EscrowID:      h.EscrowID.String(),
			RequestID:     h.RequestID.String(),
			Amount:        h.Amount,
			RequestStatus: string(h.RequestStatus),
			CreatedAt:     h.CreatedAt,
			AgeSeconds:    h.Age.Seconds(),
			Stuck:         h.Stuck,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "escrows": out})
}

var kindStatus = map[inference.ErrorKind]int{
	inference.KindValidation:       http.StatusBadRequest,
	inference.KindNotFound:         http.StatusNotFound,
	inference.KindProviderNotFound: http.StatusNotFound,
	inference.KindProviderInactive: http.StatusConflict,
	inference.KindPaymentInvalid:   http.StatusPaymentRequired,
	inference.KindInferenceFailed:  http.StatusBadGateway,
	inference.KindPersistence:      http.StatusInternalServerError,
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

func (s *Server) writeInferenceError(w http.ResponseWriter, err error) {
	var ierr *inference.Error
	if !errors.As(err, &ierr) {
		s.logger.Error("unexpected error", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, string(inference.KindPersistence), "internal error")
		return
	}
	status, ok := kindStatus[ierr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	message := ierr.Message
	if ierr.Kind == inference.KindPersistence {
		s.logger.Error("persistence failure", slog.Any("error", err))
	}
	resp := errorResponse{Error: errorBody{Kind: string(ierr.Kind), Message: message}}
	if ierr.RequestID != uuid.Nil {
		resp.RequestID = ierr.RequestID.String()
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
