package providers

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
	"golang.org/x/time/rate"
)

// HTTPConfig holds the transport settings shared by the HTTP adapters.
type HTTPConfig struct {
	APIKey            string
	HTTPClient        *http.Client
	RequestsPerMinute float64
	Burst             int
}

type transport struct {
	kind    Kind
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func newTransport(kind Kind, cfg HTTPConfig) transport {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), burst)
	}
	return transport{kind: kind, apiKey: strings.TrimSpace(cfg.APIKey), client: client, limiter: limiter}
}

type apiErrorBody struct {
	Error any `json:"error"`
}

// do sends body as JSON and returns the raw response body for 2xx replies.
func (t transport) do(ctx context.Context, url string, body any) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limiter: %w", t.kind, err)
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", t.kind, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", t.kind, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Kind: t.kind, Status: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

func errorMessage(data []byte) string {
	var body apiErrorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != nil {
		switch v := body.Error.(type) {
		case string:
			return v
		case map[string]any:
			if msg, ok := v["message"].(string); ok {
				return msg
			}
		}
	}
	text := strings.TrimSpace(string(data))
	if len(text) > 256 {
		text = text[:256]
	}
	return text
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const noResponse = "No response generated"

func (t transport) chat(ctx context.Context, url string, req chatRequest) (string, error) {
	data, err := t.do(ctx, url, req)
	if err != nil {
		return "", err
	}
	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("%s: decode chat response: %w", t.kind, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return noResponse, nil
	}
	return resp.Choices[0].Message.Content, nil
}

func chatMessages(systemPrompt, input string) []chatMessage {
	messages := make([]chatMessage, 0, 2)
	if prompt := strings.TrimSpace(systemPrompt); prompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: prompt})
	}
	return append(messages, chatMessage{Role: "user", Content: input})
}
