package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TreasuryClient submits transfers to a treasury signing service over HTTP.
type TreasuryClient struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewTreasuryClient constructs a client for endpoint, authenticating with a bearer token.
func NewTreasuryClient(endpoint, token string, timeout time.Duration) *TreasuryClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TreasuryClient{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		token:    strings.TrimSpace(token),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type transferRequest struct {
	EscrowID    string `json:"escrow_id"`
	Action      string `json:"action"`
	Destination string `json:"destination"`
	Lamports    string `json:"lamports"`
}

type transferResponse struct {
	Reference string `json:"reference"`
}

// Transfer posts the transfer. The treasury deduplicates on the Idempotency-Key header.
func (c *TreasuryClient) Transfer(ctx context.Context, t Transfer) (string, error) {
	if c.endpoint == "" {
		return "", fmt.Errorf("payout: treasury endpoint not configured")
	}
	if t.Destination == "" {
		return "", fmt.Errorf("payout: destination required")
	}
	body, err := json.Marshal(transferRequest{
		EscrowID:    t.EscrowID.String(),
		Action:      string(t.Action),
		Destination: t.Destination,
		Lamports:    t.Amount.LamportString(),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", t.IdempotencyKey)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("payout: treasury request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("payout: treasury status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("payout: decode treasury response: %w", err)
	}
	if strings.TrimSpace(out.Reference) == "" {
		return "", fmt.Errorf("payout: treasury returned empty reference")
	}
	return out.Reference, nil
}
