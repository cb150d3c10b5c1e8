package inferenced

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"inferpay/escrow"
	"inferpay/inference"
	"inferpay/inference/providers"
	"inferpay/observability"
	"inferpay/payment"
	"inferpay/payout"
	"inferpay/reconcile"
	"inferpay/storage/audit"
	"inferpay/storage/ledger"
)

// App holds the wired service components. Scheduler is nil when sweeping is
// disabled.
type App struct {
	Server    *Server
	Scheduler *reconcile.Scheduler
	Store     *ledger.Store
	Audit     *audit.Log
	Sweeper   *reconcile.Sweeper
}

// NewApp opens storage, seeds providers and wires every component from cfg.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := ledger.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	auditLog, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	app := &App{Store: store, Audit: auditLog}
	if err := seedProviders(ctx, store, cfg.Providers); err != nil {
		_ = app.Close()
		return nil, err
	}

	registry, err := buildRegistry(cfg.Adapters)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	verifierOpts := []payment.Option{
		payment.WithTolerance(cfg.Payment.ToleranceLamports),
		payment.WithLogger(logger),
		payment.WithMetrics(observability.Inference()),
	}
	if cfg.Payment.AllowMockTransactions && cfg.IsDevelopment() {
		logger.Warn("mock payment references are accepted", slog.String("prefix", cfg.Payment.MockPrefix))
		verifierOpts = append(verifierOpts, payment.WithMockPrefix(cfg.Payment.MockPrefix))
	}
	chain := payment.NewSolanaClient(cfg.Solana.RPCURL, cfg.Solana.Timeout.Duration,
		payment.WithCommitment(cfg.Solana.Commitment))
	verifier := payment.NewVerifier(chain, verifierOpts...)

	managerOpts := []escrow.Option{escrow.WithAudit(auditLog), escrow.WithLogger(logger)}
	if cfg.Treasury.Endpoint != "" {
		managerOpts = append(managerOpts, escrow.WithWallet(
			payout.NewTreasuryClient(cfg.Treasury.Endpoint, cfg.Treasury.Token, cfg.Treasury.Timeout.Duration)))
	} else {
		logger.Warn("treasury endpoint not configured; payouts are recorded in the ledger only")
	}
	manager := escrow.NewManager(store, managerOpts...)

	backoff := make([]time.Duration, 0, len(cfg.Retry.Backoff))
	for _, d := range cfg.Retry.Backoff {
		backoff = append(backoff, d.Duration)
	}
	orchestrator := inference.NewOrchestrator(store, verifier, manager, registry,
		inference.WithRetryPolicy(inference.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     backoff,
			Retryable:   providers.Retryable,
		}),
		inference.WithTimeout(cfg.Retry.Timeout.Duration),
		inference.WithLogger(logger),
		inference.WithMetrics(observability.Inference()),
	)

	sweepOpts := []reconcile.Option{
		reconcile.WithStuckThreshold(cfg.Sweep.StuckThreshold.Duration),
		reconcile.WithAudit(auditLog),
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(observability.Sweep()),
	}
	if cfg.Sweep.ReportDir != "" {
		reports, err := reconcile.NewReportWriter(cfg.Sweep.ReportDir)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		sweepOpts = append(sweepOpts, reconcile.WithReports(reports))
	}
	app.Sweeper = reconcile.NewSweeper(store, manager, sweepOpts...)
	if !cfg.Sweep.Disabled {
		app.Scheduler = reconcile.NewScheduler(app.Sweeper, cfg.Sweep.Interval.Duration, logger)
	}

	auth, err := NewAuthenticator(AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		JWTSecret:   cfg.Admin.JWT.Secret,
		Issuer:      cfg.Admin.JWT.Issuer,
		Audience:    cfg.Admin.JWT.Audience,
	}, logger)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("admin auth: %w", err)
	}
	app.Server = NewServer(ServerConfig{
		Inference: orchestrator,
		Sweeper:   app.Sweeper,
		Auth:      auth,
		Limiter:   NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		Logger:    logger,

		TrustProxyHeaders: cfg.RateLimit.TrustProxyHeaders,
	})
	return app, nil
}

// Close releases storage handles.
func (a *App) Close() error {
	var errs []error
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

func buildRegistry(cfg AdaptersConfig) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	openai := providers.NewOpenAI(providers.OpenAIConfig{
		BaseURL: cfg.OpenAI.BaseURL,
		HTTPConfig: providers.HTTPConfig{
			APIKey:            cfg.OpenAI.APIKey,
			RequestsPerMinute: cfg.OpenAI.RequestsPerMinute,
			Burst:             cfg.OpenAI.Burst,
		},
	})
	if err := registry.Register(providers.KindOpenAI, openai); err != nil {
		return nil, err
	}
	hf := providers.NewHuggingFace(providers.HuggingFaceConfig{
		ChatURL:      cfg.HuggingFace.BaseURL,
		InferenceURL: cfg.HuggingFace.InferenceURL,
		HTTPConfig: providers.HTTPConfig{
			APIKey:            cfg.HuggingFace.APIKey,
			RequestsPerMinute: cfg.HuggingFace.RequestsPerMinute,
			Burst:             cfg.HuggingFace.Burst,
		},
	})
	if err := registry.Register(providers.KindHuggingFace, hf); err != nil {
		return nil, err
	}
	if missing := registry.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("no adapter registered for %v", missing)
	}
	return registry, nil
}

// seedProviders upserts the configured catalogue. Providers absent from the
// config are left untouched.
func seedProviders(ctx context.Context, store *ledger.Store, entries []ProviderConfig) error {
	for _, p := range entries {
		row := &ledger.Provider{
			ID:            p.ID,
			Name:          p.Name,
			Kind:          p.Kind,
			Model:         p.Model,
			SystemPrompt:  p.SystemPrompt,
			PayoutAddress: p.PayoutAddress,
			Price:         p.price,
			Active:        p.IsActive(),
		}
		if err := store.UpsertProvider(ctx, row); err != nil {
			return fmt.Errorf("seed provider %s: %w", p.ID, err)
		}
	}
	return nil
}
