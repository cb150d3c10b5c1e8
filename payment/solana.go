package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Transaction is the read-only view of an on-chain transfer used for verification.
type Transaction struct {
	Reference      string
	Found          bool
	Succeeded      bool
	Participants   []string
	BalanceChanges []int64
}

// Ledger looks up finalized transactions on the payment network.
type Ledger interface {
	LookupTransaction(ctx context.Context, reference string) (Transaction, error)
}

// DefaultCommitment only returns transactions that can no longer be rolled back.
const DefaultCommitment = "finalized"

// SolanaClient is a minimal JSON-RPC client for the Solana getTransaction method.
type SolanaClient struct {
	endpoint   string
	commitment string
	http       *http.Client
	nextID     atomic.Int64
}

// SolanaOption customises the client.
type SolanaOption func(*SolanaClient)

// WithHTTPClient overrides the HTTP client used for RPC calls.
func WithHTTPClient(client *http.Client) SolanaOption {
	return func(c *SolanaClient) { c.http = client }
}

// WithCommitment sets the commitment level ("confirmed" or "finalized").
func WithCommitment(commitment string) SolanaOption {
	return func(c *SolanaClient) {
		if trimmed := strings.TrimSpace(commitment); trimmed != "" {
			c.commitment = trimmed
		}
	}
}

// NewSolanaClient constructs a client for the given RPC endpoint.
func NewSolanaClient(endpoint string, timeout time.Duration, opts ...SolanaOption) *SolanaClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &SolanaClient{
		endpoint:   strings.TrimSpace(endpoint),
		commitment: DefaultCommitment,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonRPCError   `json:"error"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type transactionResult struct {
	Slot uint64 `json:"slot"`
	Meta *struct {
		Err          json.RawMessage `json:"err"`
		PreBalances  []int64         `json:"preBalances"`
		PostBalances []int64         `json:"postBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// LookupTransaction fetches a transaction by signature. A transaction that is
// unknown or not yet at the configured commitment is reported with Found=false.
func (c *SolanaClient) LookupTransaction(ctx context.Context, reference string) (Transaction, error) {
	out := Transaction{Reference: reference}
	params := []any{
		reference,
		map[string]any{
			"encoding":                       "json",
			"commitment":                     c.commitment,
			"maxSupportedTransactionVersion": 0,
		},
	}
	raw, err := c.call(ctx, "getTransaction", params)
	if err != nil {
		return out, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, nil
	}
	var result transactionResult
	if err := json.Unmarshal(trimmed, &result); err != nil {
		return out, fmt.Errorf("payment: decode transaction: %w", err)
	}
	out.Found = true
	out.Participants = append(out.Participants, result.Transaction.Message.AccountKeys...)
	if result.Meta == nil {
		return out, nil
	}
	errField := bytes.TrimSpace(result.Meta.Err)
	out.Succeeded = len(errField) == 0 || bytes.Equal(errField, []byte("null"))
	if len(result.Meta.PreBalances) == len(result.Meta.PostBalances) {
		out.BalanceChanges = make([]int64, len(result.Meta.PreBalances))
		for i := range result.Meta.PreBalances {
			out.BalanceChanges[i] = result.Meta.PostBalances[i] - result.Meta.PreBalances[i]
		}
	}
	return out, nil
}

func (c *SolanaClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment: rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("payment: rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(snippet))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("payment: decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("payment: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}
