package ctrader

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvironmentDemo = "demo"
	EnvironmentLive = "live"

	DemoHost    = "demo.ctraderapi.com"
	LiveHost    = "live.ctraderapi.com"
	DefaultPort = 5036

	DefaultReconnectDelay    = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSendRateLimit     = 45.0
	DefaultSendBurst         = 5

	// TokenURL is the cTrader Open API OAuth2 token endpoint
	TokenURL = "https://openapi.ctrader.com/apps/token"
	// AuthURL is the cTrader Open API authorization page
	AuthURL = "https://id.ctrader.com/my/settings/openapi/grantingaccess/"
)

// Config holds everything needed to run a cTrader session
type Config struct {
	Environment  string `yaml:"environment"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	RedirectURL  string `yaml:"redirect_url"`

	// Endpoint overrides. URL wins over Host/Port.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	URL  string `yaml:"url"`

	LotSize string `yaml:"lot_size"`

	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// HandshakeTimeout of zero waits for the handshake indefinitely.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// SendRateLimit is sends per second; zero takes the default, negative disables throttling.
	SendRateLimit float64 `yaml:"send_rate_limit"`
	SendBurst     int     `yaml:"send_burst"`

	TokenStoragePath string `yaml:"token_storage_path"`
	MetricsAddr      string `yaml:"metrics_addr"`

	Log LogConfig `yaml:"log"`
}

// LogConfig configures NewLogger
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "text" or "json"
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LoadConfig reads .env (if present), then the YAML file at path (if path is
// non-empty), then applies CTRADER_* and LOG_* environment overrides.
// Defaults are filled and the result validated.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setString("CTRADER_ENVIRONMENT", &c.Environment)
	setString("CTRADER_CLIENT_ID", &c.ClientID)
	setString("CTRADER_CLIENT_SECRET", &c.ClientSecret)
	setString("CTRADER_ACCESS_TOKEN", &c.AccessToken)
	setString("CTRADER_REFRESH_TOKEN", &c.RefreshToken)
	setString("CTRADER_REDIRECT_URL", &c.RedirectURL)
	setString("CTRADER_HOST", &c.Host)
	setString("CTRADER_URL", &c.URL)
	setString("CTRADER_LOT_SIZE", &c.LotSize)
	setString("TOKEN_STORAGE_PATH", &c.TokenStoragePath)
	setString("LOG_LEVEL", &c.Log.Level)
	setString("LOG_FILE", &c.Log.File)

	if v := os.Getenv("CTRADER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CTRADER_PORT %q: %w", v, err)
		}
		c.Port = port
	}
	return nil
}

// ApplyDefaults fills zero-valued fields
func (c *Config) ApplyDefaults() {
	c.Environment = strings.ToLower(c.Environment)
	if c.Environment == "" {
		c.Environment = EnvironmentDemo
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LotSize == "" {
		c.LotSize = "micro"
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SendRateLimit == 0 {
		c.SendRateLimit = DefaultSendRateLimit
	}
	if c.SendBurst == 0 {
		c.SendBurst = DefaultSendBurst
	}
	if c.TokenStoragePath == "" {
		c.TokenStoragePath = "data"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
}

// Validate checks required fields and enumerations
func (c *Config) Validate() error {
	if c.Environment != EnvironmentDemo && c.Environment != EnvironmentLive {
		return fmt.Errorf("invalid environment %q (must be %s or %s)", c.Environment, EnvironmentDemo, EnvironmentLive)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client id is required (set CTRADER_CLIENT_ID)")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("client secret is required (set CTRADER_CLIENT_SECRET)")
	}
	if _, err := ParseLotSize(c.LotSize); err != nil {
		return err
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake timeout must not be negative")
	}
	return nil
}

// Lot returns the configured LotSize; Validate guarantees the name parses.
func (c *Config) Lot() LotSize {
	lot, err := ParseLotSize(c.LotSize)
	if err != nil {
		return MicroLot
	}
	return lot
}

// IsLive reports whether the config points at real money
func (c *Config) IsLive() bool {
	return c.Environment == EnvironmentLive
}

// WebSocketURL returns the JSON endpoint for the configured environment
func (c *Config) WebSocketURL() string {
	if c.URL != "" {
		return c.URL
	}
	host := c.Host
	if host == "" {
		host = DemoHost
		if c.IsLive() {
			host = LiveHost
		}
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("wss://%s:%d", host, port)
}

// TestConfig manages integration test configuration
type TestConfig struct {
	SkipIntegrationTests bool
	ClientID             string
	ClientSecret         string
	AccessToken          string
	URL                  string
}

// LoadTestConfig loads test configuration from environment variables.
// Integration tests always target the demo server.
func LoadTestConfig() TestConfig {
	skipIntegration, _ := strconv.ParseBool(os.Getenv("SKIP_INTEGRATION"))

	return TestConfig{
		SkipIntegrationTests: skipIntegration,
		ClientID:             os.Getenv("CTRADER_CLIENT_ID"),
		ClientSecret:         os.Getenv("CTRADER_CLIENT_SECRET"),
		AccessToken:          os.Getenv("CTRADER_ACCESS_TOKEN"),
		URL:                  fmt.Sprintf("wss://%s:%d", DemoHost, DefaultPort),
	}
}

// IsIntegrationTestEnabled checks if integration tests should run
func (tc TestConfig) IsIntegrationTestEnabled() bool {
	return !tc.SkipIntegrationTests && tc.ClientID != "" && tc.ClientSecret != "" && tc.AccessToken != ""
}
