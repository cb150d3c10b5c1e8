package inferenced

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"inferpay/currency"
	"inferpay/storage/ledger"
)

func TestAppServesPaidInferenceEndToEnd(t *testing.T) {
	openai := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"forty-two"}}]}`))
	}))
	t.Cleanup(openai.Close)

	dir := t.TempDir()
	path := writeConfig(t, "config.yaml", `
environment: test
database:
  dsn: `+filepath.Join(dir, "ledger.db")+`
audit:
  path: `+filepath.Join(dir, "audit.db")+`
solana:
  rpc_url: http://127.0.0.1:1
payment:
  allow_mock_transactions: true
admin:
  bearer_token: operator
adapters:
  openai:
    base_url: `+openai.URL+`
    api_key: sk-test
sweep:
  disabled: true
  report_dir: `+filepath.Join(dir, "reports")+`
providers:
  - id: gpt
    kind: openai
    model: gpt-4o
    payout_address: `+testPayout+`
    price: "0.01"
  - id: retired
    kind: openai
    payout_address: `+testPayout+`
    price: "0.02"
    active: false
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	app, err := NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	require.Nil(t, app.Scheduler)

	ts := httptest.NewServer(app.Server.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/v1/inference", "application/json",
		strings.NewReader(`{"provider_id":"gpt","input":"meaning of life?","payment_reference":"mock-tx-1","payer":"alice"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "forty-two", body["output"])
	requestID, err := uuid.Parse(body["request_id"].(string))
	require.NoError(t, err)

	esc, err := app.Store.GetEscrowByRequest(context.Background(), requestID)
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowReleased, esc.Status)

	resp, err = http.Post(ts.URL+"/v1/inference", "application/json",
		strings.NewReader(`{"provider_id":"retired","input":"x","payment_reference":"mock-tx-2","payer":"alice"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/admin/escrows/sweep", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer operator")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sweep sweepResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sweep))
	resp.Body.Close()
	require.Zero(t, sweep.Held)
	require.NotEmpty(t, sweep.ReportCSV)
}

func TestSeedProvidersUpdatesExisting(t *testing.T) {
	dir := t.TempDir()
	store, err := ledger.Open("sqlite", filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	entries := []ProviderConfig{{ID: "gpt", Name: "GPT", Kind: "openai", PayoutAddress: testPayout}}
	entries[0].price, err = currency.ParseSOL("0.01")
	require.NoError(t, err)
	require.NoError(t, seedProviders(context.Background(), store, entries))

	inactive := false
	entries[0].Active = &inactive
	entries[0].Name = "GPT-4o"
	require.NoError(t, seedProviders(context.Background(), store, entries))

	got, err := store.GetProvider(context.Background(), "gpt")
	require.NoError(t, err)
	require.Equal(t, "GPT-4o", got.Name)
	require.False(t, got.Active)
	require.Equal(t, "10000000", got.Price.LamportString())
}
