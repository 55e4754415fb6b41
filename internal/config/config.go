package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the xServer daemon
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Node      NodeConfig      `toml:"node"`
	Registry  RegistryConfig  `toml:"registry"`
	Profiles  ProfilesConfig  `toml:"profiles"`
	PriceLock PriceLockConfig `toml:"pricelock"`
	Pricing   PricingConfig   `toml:"pricing"`
	Payments  PaymentsConfig  `toml:"payments"`
	Chain     ChainConfig     `toml:"chain"`
	Sync      SyncConfig      `toml:"sync"`
	P2P       P2PConfig       `toml:"p2p"`
	Admin     AdminConfig     `toml:"admin"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Log       LogConfig       `toml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	ReadTimeout  int    `toml:"read_timeout"`
	WriteTimeout int    `toml:"write_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration. Disabled runs the
// daemon from memory only.
type DatabaseConfig struct {
	Disabled bool   `toml:"disabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"ssl_mode"`
}

// NodeConfig identifies the local xServer. SignKey is the hex private
// key behind the registered sign address; Tier is used until the node
// finds its own registry entry.
type NodeConfig struct {
	KeyAddress          string `toml:"key_address"`
	SignKey             string `toml:"sign_key"`
	Tier                int    `toml:"tier"`
	Version             string `toml:"version"`
	PublicScheme        string `toml:"public_scheme"`
	PeerAuthSkewSeconds int    `toml:"peer_auth_skew_seconds"`
}

// RegistryConfig holds node registry settings
type RegistryConfig struct {
	LivenessWindowMinutes int `toml:"liveness_window_minutes"`
	PageSize              int `toml:"page_size"`
	HeartbeatSkewSeconds  int `toml:"heartbeat_skew_seconds"`
	PruneAfterHours       int `toml:"prune_after_hours"`
	PruneIntervalMinutes  int `toml:"prune_interval_minutes"`
}

// ProfilesConfig holds reservation ledger settings
type ProfilesConfig struct {
	HeightWindow uint64 `toml:"height_window"`
	HeightDrift  uint64 `toml:"height_drift"`
	PageSize     int    `toml:"page_size"`
}

// PriceLockConfig holds price-lock engine settings
type PriceLockConfig struct {
	TTLMinutes           int `toml:"ttl_minutes"`
	ReapIntervalMinutes  int `toml:"reap_interval_minutes"`
	RetentionHours       int `toml:"retention_hours"`
	PriceTimeoutSeconds  int `toml:"price_timeout_seconds"`
	VerifyTimeoutSeconds int `toml:"verify_timeout_seconds"`
}

// PairConfig is one quotable fiat currency
type PairConfig struct {
	ID       int    `toml:"id"`
	Currency string `toml:"currency"`
	// Price is only read by the static provider.
	Price string `toml:"price"`
}

// PricingConfig selects the pricing feed
type PricingConfig struct {
	// Provider is "coingecko" or "static".
	Provider        string       `toml:"provider"`
	Endpoint        string       `toml:"endpoint"`
	CoinID          string       `toml:"coin_id"`
	CacheTTLSeconds int          `toml:"cache_ttl_seconds"`
	Pairs           []PairConfig `toml:"pairs"`
}

// PaymentsConfig selects the payment verifier
type PaymentsConfig struct {
	// Provider is "explorer" or "static".
	Provider         string `toml:"provider"`
	Endpoint         string `toml:"endpoint"`
	MinConfirmations int64  `toml:"min_confirmations"`
	// AcceptAll is only read by the static provider.
	AcceptAll bool `toml:"accept_all"`
}

// ChainConfig selects the best-block-height source
type ChainConfig struct {
	Endpoint string `toml:"endpoint"`
	// StaticHeight is used when no endpoint is configured.
	StaticHeight uint64 `toml:"static_height"`
}

// SyncConfig holds peer synchronization settings
type SyncConfig struct {
	Enabled               bool     `toml:"enabled"`
	OutboxSize            int      `toml:"outbox_size"`
	Workers               int      `toml:"workers"`
	MaxAttempts           int      `toml:"max_attempts"`
	BaseDelayMillis       int      `toml:"base_delay_ms"`
	MaxDelayMillis        int      `toml:"max_delay_ms"`
	RequestTimeoutSeconds int      `toml:"request_timeout_seconds"`
	MaxPeers              int      `toml:"max_peers"`
	StaticPeers           []string `toml:"static_peers"`
	PullIntervalSeconds   int      `toml:"pull_interval_seconds"`
	PullMaxPages          int      `toml:"pull_max_pages"`
}

// P2PConfig holds libp2p configuration
type P2PConfig struct {
	Enabled         bool     `toml:"enabled"`
	ListenAddresses []string `toml:"listen_addresses"`
	BootstrapPeers  []string `toml:"bootstrap_peers"`
}

// AdminConfig holds operator login settings
type AdminConfig struct {
	Username             string `toml:"username"`
	PasswordHash         string `toml:"password_hash"`
	JWTSecret            string `toml:"jwt_secret"`
	JWTExpirationMinutes int    `toml:"jwt_expiration_minutes"`
}

// RateLimitConfig holds per-client request limits
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"requests_per_minute"`
	Burst             int     `toml:"burst"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
	// File enables a rotated file sink next to stderr.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Load loads configuration from TOML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	return &config, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// DatabaseURL returns the PostgreSQL connection URL
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// Addr returns the HTTP listen address
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SetDefaults sets default values for config
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.User == "" {
		c.Database.User = "postgres"
	}
	if c.Database.Database == "" {
		c.Database.Database = "xserver"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Node.Tier == 0 {
		c.Node.Tier = 1
	}
	if c.Node.Version == "" {
		c.Node.Version = "dev"
	}
	if c.Node.PublicScheme == "" {
		c.Node.PublicScheme = "http"
	}
	if c.Node.PeerAuthSkewSeconds == 0 {
		c.Node.PeerAuthSkewSeconds = 300
	}
	if c.Registry.LivenessWindowMinutes == 0 {
		c.Registry.LivenessWindowMinutes = 30
	}
	if c.Registry.PageSize == 0 {
		c.Registry.PageSize = 50
	}
	if c.Registry.HeartbeatSkewSeconds == 0 {
		c.Registry.HeartbeatSkewSeconds = 300
	}
	if c.Registry.PruneAfterHours == 0 {
		c.Registry.PruneAfterHours = 24 * 7
	}
	if c.Registry.PruneIntervalMinutes == 0 {
		c.Registry.PruneIntervalMinutes = 60
	}
	if c.Profiles.HeightWindow == 0 {
		c.Profiles.HeightWindow = 6
	}
	if c.Profiles.HeightDrift == 0 {
		c.Profiles.HeightDrift = 1
	}
	if c.Profiles.PageSize == 0 {
		c.Profiles.PageSize = 10
	}
	if c.PriceLock.TTLMinutes == 0 {
		c.PriceLock.TTLMinutes = 30
	}
	if c.PriceLock.ReapIntervalMinutes == 0 {
		c.PriceLock.ReapIntervalMinutes = 10
	}
	if c.PriceLock.RetentionHours == 0 {
		c.PriceLock.RetentionHours = 24 * 30
	}
	if c.PriceLock.PriceTimeoutSeconds == 0 {
		c.PriceLock.PriceTimeoutSeconds = 5
	}
	if c.PriceLock.VerifyTimeoutSeconds == 0 {
		c.PriceLock.VerifyTimeoutSeconds = 10
	}
	if c.Pricing.Provider == "" {
		c.Pricing.Provider = "coingecko"
	}
	if c.Pricing.Endpoint == "" {
		c.Pricing.Endpoint = "https://api.coingecko.com/api/v3"
	}
	if c.Pricing.CoinID == "" {
		c.Pricing.CoinID = "xcash"
	}
	if c.Pricing.CacheTTLSeconds == 0 {
		c.Pricing.CacheTTLSeconds = 60
	}
	if len(c.Pricing.Pairs) == 0 {
		c.Pricing.Pairs = []PairConfig{
			{ID: 1, Currency: "USD"},
			{ID: 2, Currency: "EUR"},
		}
	}
	if c.Payments.Provider == "" {
		c.Payments.Provider = "explorer"
	}
	if c.Payments.MinConfirmations == 0 {
		c.Payments.MinConfirmations = 1
	}
	if c.Sync.OutboxSize == 0 {
		c.Sync.OutboxSize = 1024
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 8
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 5
	}
	if c.Sync.BaseDelayMillis == 0 {
		c.Sync.BaseDelayMillis = 500
	}
	if c.Sync.MaxDelayMillis == 0 {
		c.Sync.MaxDelayMillis = 30000
	}
	if c.Sync.RequestTimeoutSeconds == 0 {
		c.Sync.RequestTimeoutSeconds = 10
	}
	if c.Sync.MaxPeers == 0 {
		c.Sync.MaxPeers = 100
	}
	if c.Sync.PullIntervalSeconds == 0 {
		c.Sync.PullIntervalSeconds = 300
	}
	if c.Sync.PullMaxPages == 0 {
		c.Sync.PullMaxPages = 100
	}
	if len(c.P2P.ListenAddresses) == 0 {
		c.P2P.ListenAddresses = []string{
			"/ip4/0.0.0.0/tcp/4001",
			"/ip4/0.0.0.0/udp/4001/quic-v1",
		}
	}
	if c.Admin.JWTExpirationMinutes == 0 {
		c.Admin.JWTExpirationMinutes = 60
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
}

// Validate reports settings the daemon cannot start with
func (c *Config) Validate() error {
	if c.Node.Tier < 1 || c.Node.Tier > 3 {
		return fmt.Errorf("node.tier must be 1-3, got %d", c.Node.Tier)
	}
	switch c.Pricing.Provider {
	case "coingecko", "static":
	default:
		return fmt.Errorf("unknown pricing provider %q", c.Pricing.Provider)
	}
	switch c.Payments.Provider {
	case "explorer":
		if c.Payments.Endpoint == "" {
			return fmt.Errorf("payments.endpoint is required for the explorer provider")
		}
	case "static":
	default:
		return fmt.Errorf("unknown payments provider %q", c.Payments.Provider)
	}
	if c.Admin.PasswordHash != "" && c.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwt_secret is required when admin login is enabled")
	}
	if (c.Sync.Enabled || c.P2P.Enabled) && (c.Node.KeyAddress == "" || c.Node.SignKey == "") {
		return fmt.Errorf("node.key_address and node.sign_key are required for peer sync")
	}
	return nil
}

// Duration converts whole units from the config into a time.Duration.
func Duration(n int, unit time.Duration) time.Duration {
	return time.Duration(n) * unit
}
