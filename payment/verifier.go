// Package payment confirms that an on-chain transfer paid the expected
// recipient the expected amount before any escrow is created.
package payment

import (
	"context"
	"log/slog"
	"strings"

	"github.com/btcsuite/btcutil/base58"

	"inferpay/currency"
	"inferpay/observability"
	"inferpay/observability/logging"
)

// DefaultToleranceLamports absorbs rounding noise when comparing balance deltas.
const DefaultToleranceLamports = 1000

// DefaultMockPrefix marks development-only test transactions.
const DefaultMockPrefix = "mock-tx-"

const (
	signatureLength = 64
	addressLength   = 32
)

// Verification outcomes.
const (
	OutcomeVerified         = "verified"
	OutcomeMock             = "mock"
	OutcomeInvalidAmount    = "invalid_amount"
	OutcomeInvalidReference = "invalid_reference"
	OutcomeInvalidRecipient = "invalid_recipient"
	OutcomeInvalidPayer     = "invalid_payer"
	OutcomeLookupError      = "lookup_error"
	OutcomeNotFound         = "not_found"
	OutcomeOnChainError     = "onchain_error"
	OutcomeRecipientMissing = "recipient_missing"
	OutcomeNoBalances       = "balances_unavailable"
	OutcomeAmountMismatch   = "amount_mismatch"
	OutcomePayerMismatch    = "payer_mismatch"
)

// Result describes the outcome of a verification.
type Result struct {
	Valid   bool
	Outcome string
	// Delta is the observed balance change of the recipient in lamports.
	Delta int64
}

// Verifier performs single-shot payment checks. It never retries and fails closed.
type Verifier struct {
	ledger     Ledger
	tolerance  uint64
	mockPrefix string
	logger     *slog.Logger
	metrics    *observability.InferenceMetrics
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithTolerance sets the accepted lamport deviation.
func WithTolerance(lamports uint64) Option {
	return func(v *Verifier) { v.tolerance = lamports }
}

// WithMockPrefix enables the development bypass for references carrying prefix.
// It must only be used in development configurations.
func WithMockPrefix(prefix string) Option {
	return func(v *Verifier) { v.mockPrefix = strings.TrimSpace(prefix) }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.InferenceMetrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier constructs a verifier backed by ledger.
func NewVerifier(ledger Ledger, opts ...Option) *Verifier {
	v := &Verifier{
		ledger:    ledger,
		tolerance: DefaultToleranceLamports,
		logger:    slog.Default(),
		metrics:   observability.Inference(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

// Verify reports whether reference is a successful transfer crediting
// payoutAddress with expected lamports, within tolerance.
func (v *Verifier) Verify(ctx context.Context, reference, payoutAddress string, expected currency.Amount) bool {
	return v.Check(ctx, reference, payoutAddress, expected).Valid
}

// Check is Verify with the failure reason attached.
func (v *Verifier) Check(ctx context.Context, reference, payoutAddress string, expected currency.Amount) Result {
	return v.CheckPayer(ctx, reference, "", payoutAddress, expected)
}

// CheckPayer is Check that also requires payer to be the account debited by
// the transfer. An empty payer skips that requirement.
func (v *Verifier) CheckPayer(ctx context.Context, reference, payer, payoutAddress string, expected currency.Amount) Result {
	res := v.check(ctx, strings.TrimSpace(reference), strings.TrimSpace(payer), strings.TrimSpace(payoutAddress), expected)
	v.metrics.RecordVerification(res.Outcome)
	level := slog.LevelInfo
	if !res.Valid {
		level = slog.LevelWarn
	}
	v.logger.Log(ctx, level, "payment verification",
		slog.String("reference", reference),
		slog.String("payer", logging.MaskIdentity(payer)),
		slog.String("recipient", logging.MaskIdentity(payoutAddress)),
		slog.String("expected_lamports", expected.LamportString()),
		slog.Int64("delta_lamports", res.Delta),
		slog.String("outcome", res.Outcome),
	)
	return res
}

func (v *Verifier) check(ctx context.Context, reference, payer, payoutAddress string, expected currency.Amount) Result {
	if v.mockPrefix != "" && strings.HasPrefix(reference, v.mockPrefix) {
		return Result{Valid: true, Outcome: OutcomeMock}
	}
	if expected.IsZero() {
		return Result{Outcome: OutcomeInvalidAmount}
	}
	if !ValidSignature(reference) {
		return Result{Outcome: OutcomeInvalidReference}
	}
	if !ValidAddress(payoutAddress) {
		return Result{Outcome: OutcomeInvalidRecipient}
	}
	if payer != "" && !ValidAddress(payer) {
		return Result{Outcome: OutcomeInvalidPayer}
	}
	if v.ledger == nil {
		return Result{Outcome: OutcomeLookupError}
	}
	tx, err := v.ledger.LookupTransaction(ctx, reference)
	if err != nil {
		v.logger.Warn("payment lookup failed", slog.String("reference", reference), slog.Any("error", err))
		return Result{Outcome: OutcomeLookupError}
	}
	if !tx.Found {
		return Result{Outcome: OutcomeNotFound}
	}
	if !tx.Succeeded {
		return Result{Outcome: OutcomeOnChainError}
	}
	delta, outcome := balanceChange(tx, payoutAddress)
	if outcome != "" {
		return Result{Outcome: outcome}
	}
	if !currency.WithinTolerance(delta, expected, v.tolerance) {
		return Result{Outcome: OutcomeAmountMismatch, Delta: delta}
	}
	if payer != "" {
		spent, outcome := balanceChange(tx, payer)
		if outcome != "" || !debited(spent, expected, v.tolerance) {
			return Result{Outcome: OutcomePayerMismatch, Delta: delta}
		}
	}
	return Result{Valid: true, Outcome: OutcomeVerified, Delta: delta}
}

// balanceChange returns the lamport change of account in tx, or the outcome
// explaining why it is unavailable.
func balanceChange(tx Transaction, account string) (int64, string) {
	for i, key := range tx.Participants {
		if key != account {
			continue
		}
		if i >= len(tx.BalanceChanges) {
			return 0, OutcomeNoBalances
		}
		return tx.BalanceChanges[i], ""
	}
	return 0, OutcomeRecipientMissing
}

// debited reports whether delta is a debit of at least expected, less the
// tolerance. The payer also pays the network fee, so a larger debit is fine.
func debited(delta int64, expected currency.Amount, tolerance uint64) bool {
	want, ok := expected.Uint64()
	if !ok || delta >= 0 {
		return false
	}
	return uint64(-delta)+tolerance >= want
}

// ValidSignature reports whether s is a base58 encoded 64-byte transaction signature.
func ValidSignature(s string) bool {
	return decodedLength(s) == signatureLength
}

// ValidAddress reports whether s is a base58 encoded 32-byte account address.
func ValidAddress(s string) bool {
	return decodedLength(s) == addressLength
}

func decodedLength(s string) int {
	if strings.TrimSpace(s) == "" {
		return 0
	}
	return len(base58.Decode(s))
}
