package payout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"inferpay/currency"
)

func TestIdempotencyKeyIsStablePerAction(t *testing.T) {
	id := uuid.New()
	require.Equal(t, IdempotencyKey(id, ActionRelease), IdempotencyKey(id, ActionRelease))
	require.NotEqual(t, IdempotencyKey(id, ActionRelease), IdempotencyKey(id, ActionRefund))
	require.NotEqual(t, IdempotencyKey(id, ActionRelease), IdempotencyKey(uuid.New(), ActionRelease))
	require.Len(t, IdempotencyKey(id, ActionRelease), 64)
}

func TestLedgerWalletDeterministic(t *testing.T) {
	id := uuid.New()
	ref, err := LedgerWallet{}.Transfer(context.Background(), NewTransfer(id, ActionRefund, "payer", currency.Lamports(1)))
	require.NoError(t, err)
	require.Equal(t, "ledger-refund-"+id.String(), ref)
}

func TestFuncWalletUnconfigured(t *testing.T) {
	_, err := FuncWallet{}.Transfer(context.Background(), Transfer{})
	require.Error(t, err)
}

func TestTreasuryClientSendsIdempotencyKey(t *testing.T) {
	id := uuid.New()
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transfers", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		seen = append(seen, r.Header.Get("Idempotency-Key"))
		var body transferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "500000", body.Lamports)
		require.Equal(t, "release", body.Action)
		_ = json.NewEncoder(w).Encode(transferResponse{Reference: "sig-" + body.EscrowID})
	}))
	defer server.Close()

	client := NewTreasuryClient(server.URL, "secret", time.Second)
	transfer := NewTransfer(id, ActionRelease, "provider-wallet", currency.Lamports(500_000))
	ref, err := client.Transfer(context.Background(), transfer)
	require.NoError(t, err)
	require.Equal(t, "sig-"+id.String(), ref)
	_, err = client.Transfer(context.Background(), transfer)
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.Equal(t, seen[0], seen[1])
}

func TestTreasuryClientSurfacesErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient funds", http.StatusConflict)
	}))
	defer server.Close()

	_, err := NewTreasuryClient(server.URL, "", time.Second).Transfer(context.Background(),
		NewTransfer(uuid.New(), ActionRefund, "payer", currency.Lamports(1)))
	require.Error(t, err)
	require.Contains(t, err.Error(), "insufficient funds")
}
