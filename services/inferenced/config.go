package inferenced

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"inferpay/currency"
	"inferpay/inference/providers"
	"inferpay/payment"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for inferenced.
type Config struct {
	ListenAddress string           `yaml:"listen" toml:"listen"`
	Environment   string           `yaml:"environment" toml:"environment"`
	Database      DatabaseConfig   `yaml:"database" toml:"database"`
	Audit         AuditConfig      `yaml:"audit" toml:"audit"`
	Solana        SolanaConfig     `yaml:"solana" toml:"solana"`
	Payment       PaymentConfig    `yaml:"payment" toml:"payment"`
	Providers     []ProviderConfig `yaml:"providers" toml:"providers"`
	Adapters      AdaptersConfig   `yaml:"adapters" toml:"adapters"`
	Retry         RetryConfig      `yaml:"retry" toml:"retry"`
	Sweep         SweepConfig      `yaml:"sweep" toml:"sweep"`
	Treasury      TreasuryConfig   `yaml:"treasury" toml:"treasury"`
	Admin         AdminConfig      `yaml:"admin" toml:"admin"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
	Logging       LoggingConfig    `yaml:"logging" toml:"logging"`
}

// DatabaseConfig selects the ledger engine.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// AuditConfig locates the audit log database.
type AuditConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// SolanaConfig configures the JSON-RPC client used for payment verification.
type SolanaConfig struct {
	RPCURL     string   `yaml:"rpc_url" toml:"rpc_url"`
	Commitment string   `yaml:"commitment" toml:"commitment"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
}

// PaymentConfig tunes verification.
type PaymentConfig struct {
	ToleranceLamports     uint64 `yaml:"tolerance_lamports" toml:"tolerance_lamports"`
	AllowMockTransactions bool   `yaml:"allow_mock_transactions" toml:"allow_mock_transactions"`
	MockPrefix            string `yaml:"mock_prefix" toml:"mock_prefix"`
}

// ProviderConfig seeds one catalogue entry.
type ProviderConfig struct {
	ID            string `yaml:"id" toml:"id"`
	Name          string `yaml:"name" toml:"name"`
	Kind          string `yaml:"kind" toml:"kind"`
	Model         string `yaml:"model" toml:"model"`
	SystemPrompt  string `yaml:"system_prompt" toml:"system_prompt"`
	PayoutAddress string `yaml:"payout_address" toml:"payout_address"`
	Price         string `yaml:"price" toml:"price"`
	Active        *bool  `yaml:"active" toml:"active"`

	price currency.Amount
}

// IsActive defaults to true when unset.
func (p ProviderConfig) IsActive() bool {
	return p.Active == nil || *p.Active
}

// AdaptersConfig configures the provider integrations.
type AdaptersConfig struct {
	OpenAI      AdapterConfig `yaml:"openai" toml:"openai"`
	HuggingFace AdapterConfig `yaml:"huggingface" toml:"huggingface"`
}

// AdapterConfig holds the transport settings for one integration.
type AdapterConfig struct {
	BaseURL           string  `yaml:"base_url" toml:"base_url"`
	InferenceURL      string  `yaml:"inference_url" toml:"inference_url"`
	APIKey            string  `yaml:"api_key" toml:"api_key"`
	APIKeyFile        string  `yaml:"api_key_file" toml:"api_key_file"`
	APIKeyEnv         string  `yaml:"api_key_env" toml:"api_key_env"`
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// RetryConfig bounds provider calls.
type RetryConfig struct {
	MaxAttempts int        `yaml:"max_attempts" toml:"max_attempts"`
	Backoff     []Duration `yaml:"backoff" toml:"backoff"`
	Timeout     Duration   `yaml:"timeout" toml:"timeout"`
}

// SweepConfig schedules the reconciliation sweep.
type SweepConfig struct {
	Disabled       bool     `yaml:"disabled" toml:"disabled"`
	Interval       Duration `yaml:"interval" toml:"interval"`
	StuckThreshold Duration `yaml:"stuck_threshold" toml:"stuck_threshold"`
	ReportDir      string   `yaml:"report_dir" toml:"report_dir"`
}

// TreasuryConfig points at the payout service. Without an endpoint payouts
// are recorded in the ledger only.
type TreasuryConfig struct {
	Endpoint  string   `yaml:"endpoint" toml:"endpoint"`
	Token     string   `yaml:"token" toml:"token"`
	TokenFile string   `yaml:"token_file" toml:"token_file"`
	TokenEnv  string   `yaml:"token_env" toml:"token_env"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
}

// AdminConfig captures operator authentication.
type AdminConfig struct {
	BearerToken     string    `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string    `yaml:"bearer_token_file" toml:"bearer_token_file"`
	JWT             JWTConfig `yaml:"jwt" toml:"jwt"`
}

// JWTConfig enables HS256 operator tokens.
type JWTConfig struct {
	Secret    string `yaml:"secret" toml:"secret"`
	SecretEnv string `yaml:"secret_env" toml:"secret_env"`
	Issuer    string `yaml:"issuer" toml:"issuer"`
	Audience  string `yaml:"audience" toml:"audience"`
}

// RateLimitConfig limits submissions per client. Clients are keyed by the
// connection's address unless TrustProxyHeaders is set, in which case
// X-Forwarded-For and X-Real-IP are honoured. Enable it only behind a proxy
// that overwrites those headers.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
	TrustProxyHeaders bool    `yaml:"trust_proxy_headers" toml:"trust_proxy_headers"`
}

// LoggingConfig enables the rotating file sink.
type LoggingConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

var devEnvironments = map[string]struct{}{
	"dev": {}, "development": {}, "local": {}, "test": {},
}

// IsDevelopment reports whether the configured environment permits test transactions.
func (c Config) IsDevelopment() bool {
	_, ok := devEnvironments[strings.ToLower(strings.TrimSpace(c.Environment))]
	return ok
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if env := strings.TrimSpace(os.Getenv("INFERPAY_ENV")); env != "" {
		cfg.Environment = env
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "inferpay.db"
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "inferpay-audit.db"
	}
	if cfg.Solana.Commitment == "" {
		cfg.Solana.Commitment = "finalized"
	}
	if cfg.Solana.Timeout.Duration == 0 {
		cfg.Solana.Timeout.Duration = 10 * time.Second
	}
	if cfg.Payment.ToleranceLamports == 0 {
		cfg.Payment.ToleranceLamports = payment.DefaultToleranceLamports
	}
	if cfg.Payment.MockPrefix == "" {
		cfg.Payment.MockPrefix = payment.DefaultMockPrefix
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if len(cfg.Retry.Backoff) == 0 {
		cfg.Retry.Backoff = []Duration{{2 * time.Second}, {4 * time.Second}}
	}
	if cfg.Retry.Timeout.Duration == 0 {
		cfg.Retry.Timeout.Duration = 60 * time.Second
	}
	if cfg.Sweep.Interval.Duration == 0 {
		cfg.Sweep.Interval.Duration = 5 * time.Minute
	}
	if cfg.Sweep.StuckThreshold.Duration == 0 {
		cfg.Sweep.StuckThreshold.Duration = 10 * time.Minute
	}
	if cfg.Treasury.Timeout.Duration == 0 {
		cfg.Treasury.Timeout.Duration = 15 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 30
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 5
	}
}

func (c *Config) normalise() error {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	c.Solana.RPCURL = strings.TrimSpace(c.Solana.RPCURL)
	c.Treasury.Endpoint = strings.TrimSpace(c.Treasury.Endpoint)

	var err error
	if c.Adapters.OpenAI.APIKey, err = resolveSecret("adapters.openai.api_key", c.Adapters.OpenAI.APIKey, c.Adapters.OpenAI.APIKeyFile, c.Adapters.OpenAI.APIKeyEnv); err != nil {
		return err
	}
	if c.Adapters.HuggingFace.APIKey, err = resolveSecret("adapters.huggingface.api_key", c.Adapters.HuggingFace.APIKey, c.Adapters.HuggingFace.APIKeyFile, c.Adapters.HuggingFace.APIKeyEnv); err != nil {
		return err
	}
	if c.Treasury.Token, err = resolveSecret("treasury.token", c.Treasury.Token, c.Treasury.TokenFile, c.Treasury.TokenEnv); err != nil {
		return err
	}
	if c.Admin.BearerToken, err = resolveSecret("admin.bearer_token", c.Admin.BearerToken, c.Admin.BearerTokenFile, ""); err != nil {
		return err
	}
	if c.Admin.JWT.Secret, err = resolveSecret("admin.jwt.secret", c.Admin.JWT.Secret, "", c.Admin.JWT.SecretEnv); err != nil {
		return err
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		p.ID = strings.TrimSpace(p.ID)
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		p.PayoutAddress = strings.TrimSpace(p.PayoutAddress)
		if p.Name == "" {
			p.Name = p.ID
		}
	}
	return nil
}

// resolveSecret prefers the inline value, then the file, then the environment variable.
func resolveSecret(name, value, file, env string) (string, error) {
	if value = strings.TrimSpace(value); value != "" {
		return value, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s file: %w", name, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	if env = strings.TrimSpace(env); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return "", fmt.Errorf("%s env %s is empty", name, env)
		}
		return value, nil
	}
	return "", nil
}

func validateConfig(cfg *Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database driver %q is not supported", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if cfg.Solana.RPCURL == "" {
		return fmt.Errorf("solana rpc_url must be configured")
	}
	if cfg.Payment.AllowMockTransactions && !cfg.IsDevelopment() {
		return fmt.Errorf("payment.allow_mock_transactions is only permitted in development environments, not %q", cfg.Environment)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if cfg.Admin.BearerToken == "" && cfg.Admin.JWT.Secret == "" {
		return fmt.Errorf("configure admin.bearer_token or admin.jwt.secret for operator endpoints")
	}
	seen := make(map[string]struct{}, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		kind, err := providers.ParseKind(p.Kind)
		if err != nil {
			return fmt.Errorf("provider %s: %w", p.ID, err)
		}
		if !payment.ValidAddress(p.PayoutAddress) {
			return fmt.Errorf("provider %s: payout_address is not a valid address", p.ID)
		}
		price, err := currency.ParseSOL(p.Price)
		if err != nil {
			return fmt.Errorf("provider %s: price: %w", p.ID, err)
		}
		if price.IsZero() {
			return fmt.Errorf("provider %s: price must be positive", p.ID)
		}
		p.price = price
		if p.IsActive() && cfg.Adapters.key(kind) == "" {
			return fmt.Errorf("provider %s: adapters.%s api key must be configured", p.ID, kind)
		}
	}
	return nil
}

func (a AdaptersConfig) key(kind providers.Kind) string {
	switch kind {
	case providers.KindOpenAI:
		return a.OpenAI.APIKey
	case providers.KindHuggingFace:
		return a.HuggingFace.APIKey
	}
	return ""
}
