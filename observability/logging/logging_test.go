package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf))
	logger.Info("escrow released", slog.String("escrow_id", "e-1"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "escrow released", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, "e-1", line["escrow_id"])
}

func TestSetupWithFileWritesRotatingLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inferenced.log")
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := SetupWithFile("inferenced", "test", FileOptions{Path: path})
	logger.Info("hello")

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(contents), `"service":"inferenced"`)
	require.Contains(t, string(contents), `"env":"test"`)
}

func TestMaskHelpers(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("api_key", "sk-123").Value.String())
	require.Equal(t, "e-1", MaskField("escrow_id", "e-1").Value.String())
	require.Equal(t, "CmGg...Nqv1", MaskIdentity("CmGgLQL36Y9ubtTsy2zmE46TAxwCBm66onZmPPhUWNqv1"))
	require.Equal(t, RedactedValue, MaskIdentity("short"))
	require.Equal(t, "", MaskIdentity(""))
}
