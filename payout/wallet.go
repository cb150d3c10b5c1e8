// Package payout moves settled escrow funds to their destination. Every
// transfer carries a deterministic idempotency key so a retried payout for
// the same escrow and action is recognised by the treasury.
package payout

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"inferpay/currency"
)

// Action identifies which side of an escrow a transfer pays.
type Action string

const (
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
)

// Transfer describes one outbound payment.
type Transfer struct {
	IdempotencyKey string
	Action         Action
	EscrowID       uuid.UUID
	Destination    string
	Amount         currency.Amount
}

// Wallet executes transfers and returns the resulting on-chain reference.
type Wallet interface {
	Transfer(ctx context.Context, t Transfer) (string, error)
}

// FuncWallet adapts a callback to the Wallet interface.
type FuncWallet struct {
	TransferFunc func(ctx context.Context, t Transfer) (string, error)
}

// Transfer delegates to the configured callback.
func (w FuncWallet) Transfer(ctx context.Context, t Transfer) (string, error) {
	if w.TransferFunc == nil {
		return "", fmt.Errorf("payout: wallet not configured")
	}
	return w.TransferFunc(ctx, t)
}

// LedgerWallet records settlement without moving funds on-chain. The returned
// reference is derived from the escrow id so repeated calls agree.
type LedgerWallet struct{}

// Transfer returns a deterministic ledger-only reference.
func (LedgerWallet) Transfer(_ context.Context, t Transfer) (string, error) {
	return fmt.Sprintf("ledger-%s-%s", t.Action, t.EscrowID), nil
}

// IdempotencyKey derives the stable key for paying escrowID via action.
func IdempotencyKey(escrowID uuid.UUID, action Action) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte("inferpay/payout/v1"))
	_, _ = h.Write(escrowID[:])
	_, _ = h.Write([]byte(strings.ToLower(string(action))))
	return hex.EncodeToString(h.Sum(nil))
}

// NewTransfer assembles a transfer with its idempotency key filled in.
func NewTransfer(escrowID uuid.UUID, action Action, destination string, amount currency.Amount) Transfer {
	return Transfer{
		IdempotencyKey: IdempotencyKey(escrowID, action),
		Action:         action,
		EscrowID:       escrowID,
		Destination:    strings.TrimSpace(destination),
		Amount:         amount,
	}
}
