// Package providers holds the closed set of inference provider adapters and
// the registry that maps a provider kind to its implementation.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind enumerates the supported provider integrations.
type Kind string

const (
	KindOpenAI      Kind = "openai"
	KindHuggingFace Kind = "huggingface"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindOpenAI, KindHuggingFace}

// ErrUnknownKind is returned for a kind outside Kinds.
var ErrUnknownKind = errors.New("providers: unknown kind")

// ParseKind normalises and validates a kind string.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case KindOpenAI, KindHuggingFace:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// ModelConfig carries per-provider call settings.
type ModelConfig struct {
	Model        string
	SystemPrompt string
}

// OutputKind distinguishes plain text from generated media.
type OutputKind string

const (
	OutputText  OutputKind = "text"
	OutputMedia OutputKind = "media"
)

// Media describes a generated asset.
type Media struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
	URL    string `json:"url"`
}

// Output is the successful result of a provider call.
type Output struct {
	Kind  OutputKind
	Text  string
	Media *Media
}

// TextOutput wraps a text response.
func TextOutput(text string) Output {
	return Output{Kind: OutputText, Text: text}
}

// MediaOutput wraps a generated media reference.
func MediaOutput(media Media) Output {
	return Output{Kind: OutputMedia, Media: &media}
}

// Encode renders the output as the opaque string stored on the request.
// Media results are encoded as a tagged JSON document.
func (o Output) Encode() string {
	if o.Kind != OutputMedia || o.Media == nil {
		return o.Text
	}
	payload, err := json.Marshal(o.Media)
	if err != nil {
		return ""
	}
	return string(payload)
}

// Adapter invokes one provider integration.
type Adapter interface {
	Invoke(ctx context.Context, input string, cfg ModelConfig) (Output, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, input string, cfg ModelConfig) (Output, error)

// Invoke calls f.
func (f AdapterFunc) Invoke(ctx context.Context, input string, cfg ModelConfig) (Output, error) {
	return f(ctx, input, cfg)
}

// StatusError reports a non-success HTTP response from a provider.
type StatusError struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Kind, describeStatus(e.Status, msg), e.Status)
}

func describeStatus(status int, msg string) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication failed"
	case http.StatusForbidden:
		return "access forbidden: " + msg
	case http.StatusNotFound:
		return "model not found: " + msg
	case http.StatusTooManyRequests:
		return "rate limit exceeded"
	case http.StatusServiceUnavailable:
		return "service unavailable or model loading"
	default:
		return msg
	}
}

// Retryable reports whether err is a transient provider condition (rate
// limiting or temporary unavailability).
func Retryable(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.Status == http.StatusTooManyRequests || statusErr.Status == http.StatusServiceUnavailable
}
