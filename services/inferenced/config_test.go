package inferenced

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/stretchr/testify/require"
)

var testPayout = base58.Encode(bytes.Repeat([]byte{7}, 32))

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigYAMLDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
solana:
  rpc_url: https://api.devnet.solana.com
admin:
  bearer_token: operator
adapters:
  openai:
    api_key: sk-test
providers:
  - id: gpt
    kind: OpenAI
    model: gpt-4o
    payout_address: `+testPayout+`
    price: "0.01"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, "production", cfg.Environment)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "finalized", cfg.Solana.Commitment)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, []Duration{{2 * time.Second}, {4 * time.Second}}, cfg.Retry.Backoff)
	require.Equal(t, 60*time.Second, cfg.Retry.Timeout.Duration)
	require.Equal(t, 10*time.Minute, cfg.Sweep.StuckThreshold.Duration)
	require.Len(t, cfg.Providers, 1)
	p := cfg.Providers[0]
	require.Equal(t, "openai", p.Kind)
	require.Equal(t, "gpt", p.Name)
	require.True(t, p.IsActive())
	require.Equal(t, "10000000", p.price.LamportString())
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
environment = "dev"
listen = ":9090"

[solana]
rpc_url = "http://localhost:8899"
timeout = "3s"

[payment]
allow_mock_transactions = true

[admin.jwt]
secret = "s3cret"
issuer = "ops"

[retry]
max_attempts = 2
backoff = ["1s"]

[[providers]]
id = "hf"
kind = "huggingface"
payout_address = "`+testPayout+`"
price = "0.5"
active = false
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddress)
	require.True(t, cfg.IsDevelopment())
	require.True(t, cfg.Payment.AllowMockTransactions)
	require.Equal(t, 3*time.Second, cfg.Solana.Timeout.Duration)
	require.Equal(t, []Duration{{time.Second}}, cfg.Retry.Backoff)
	require.Equal(t, "ops", cfg.Admin.JWT.Issuer)
	require.False(t, cfg.Providers[0].IsActive())
}

func TestLoadConfigEnvironmentOverride(t *testing.T) {
	t.Setenv("INFERPAY_ENV", "local")
	path := writeConfig(t, "config.yaml", `
environment: production
solana: {rpc_url: "http://localhost:8899"}
admin: {bearer_token: operator}
payment: {allow_mock_transactions: true}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "local", cfg.Environment)
}

func TestLoadConfigSecrets(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "hf.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("hf-key\n"), 0o600))
	t.Setenv("TEST_OPENAI_KEY", "sk-env")
	path := writeConfig(t, "config.yaml", `
solana: {rpc_url: "http://localhost:8899"}
admin: {bearer_token: operator}
adapters:
  openai: {api_key_env: TEST_OPENAI_KEY}
  huggingface: {api_key_file: `+keyFile+`}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "sk-env", cfg.Adapters.OpenAI.APIKey)
	require.Equal(t, "hf-key", cfg.Adapters.HuggingFace.APIKey)
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]string{
		"mock outside dev": `
solana: {rpc_url: "http://localhost:8899"}
admin: {bearer_token: operator}
payment: {allow_mock_transactions: true}
`,
		"missing rpc": `
admin: {bearer_token: operator}
`,
		"missing admin auth": `
solana: {rpc_url: "http://localhost:8899"}
`,
		"unsupported driver": `
database: {driver: mysql, dsn: x}
solana: {rpc_url: "http://localhost:8899"}
admin: {bearer_token: operator}
`,
		"unknown kind": `
solana: {rpc_url: "http://localhost:8899"}
admin: {bearer_token: operator}
providers:
  - {id: x, kind: anthropic, payout_address: ` + testPayout + `, price: "1"}
`,
		"bad payout address": `
solana: {rpc_url: "http://localhost:8899"}
admin: {bearer_token: operator}
adapters: {openai: {api_key: k}}
providers:
  - {id: x, kind: openai, payout_address: not-an-address, price: "1"}
`,
		"zero price": `
solana: {rpc_url: "http://localhost:8899"}
admin: {bearer_token: operator}
adapters: {openai: {api_key: k}}
providers:
  - {id: x, kind: openai, payout_address: ` + testPayout + `, price: "0"}
`,
		"duplicate id": `
solana: {rpc_url: "http://localhost:8899"}
admin: {bearer_token: operator}
adapters: {openai: {api_key: k}}
providers:
  - {id: x, kind: openai, payout_address: ` + testPayout + `, price: "1"}
  - {id: x, kind: openai, payout_address: ` + testPayout + `, price: "1"}
`,
		"active provider without key": `
solana: {rpc_url: "http://localhost:8899"}
admin: {bearer_token: operator}
providers:
  - {id: x, kind: openai, payout_address: ` + testPayout + `, price: "1"}
`,
		"bad duration": `
solana: {rpc_url: "http://localhost:8899", timeout: soon}
admin: {bearer_token: operator}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "config.yaml", body))
			require.Error(t, err)
		})
	}
}
