package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = secret ,, broken, =x, team=payments")
	require.Equal(t, map[string]string{"api-key": "secret", "team": "payments"}, headers)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "auth=token")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")

	cfg := ConfigFromEnv("inferenced", "staging")
	require.True(t, cfg.Enabled())
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.False(t, cfg.Insecure)
	require.Equal(t, "token", cfg.Headers["auth"])
	require.Equal(t, "staging", cfg.Environment)
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := ConfigFromEnv("inferenced", "test")
	require.False(t, cfg.Enabled())

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{})
	require.Error(t, err)
}
