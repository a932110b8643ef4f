// Package config loads the livechat client configuration from YAML or JSON5
// files, applies defaults and validates the result.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/livechat/pkg/models"
)

// Config is the main configuration structure for a livechat client.
type Config struct {
	Version   int             `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Transport TransportConfig `yaml:"transport"`
	Identity  IdentityConfig  `yaml:"identity"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Directory DirectoryConfig `yaml:"directory"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig locates the chat server.
type ServerConfig struct {
	WebSocketURL string `yaml:"ws_url"`
	APIURL       string `yaml:"api_url"`
	// Credential is the opaque bearer token. Leave empty for a guest widget.
	Credential string `yaml:"credential"`
}

// ClientConfig describes who this client is.
type ClientConfig struct {
	Role        models.Role `yaml:"role"`
	DisplayName string      `yaml:"display_name"`
	Email       string      `yaml:"email"`
	Phone       string      `yaml:"phone"`
}

// Profile returns the profile reference to declare, or nil.
func (c ClientConfig) Profile() *models.ProfileRef {
	if c.Email == "" && c.Phone == "" {
		return nil
	}
	return &models.ProfileRef{Email: c.Email, Phone: c.Phone}
}

// TransportConfig controls connection keepalive and reconnection.
type TransportConfig struct {
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

type IdentityConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type DeliveryConfig struct {
	DedupTolerance time.Duration `yaml:"dedup_tolerance"`
	// KeepFailed marks rejected sends failed instead of removing them.
	KeepFailed bool `yaml:"keep_failed"`
}

type DirectoryConfig struct {
	// Refresh is a cron spec ("@every 30s", "*/1 * * * *").
	Refresh string `yaml:"refresh"`
}

// CacheConfig selects the persistence backend.
type CacheConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// Load reads, merges and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Client.Role == "" {
		cfg.Client.Role = models.RoleStaff
	}
	if cfg.Transport.RetryInterval == 0 {
		cfg.Transport.RetryInterval = 3 * time.Second
	}
	if cfg.Transport.MaxAttempts == 0 {
		cfg.Transport.MaxAttempts = 5
	}
	if cfg.Transport.BackoffFactor == 0 {
		cfg.Transport.BackoffFactor = 1
	}
	if cfg.Transport.MaxRetryInterval == 0 {
		cfg.Transport.MaxRetryInterval = 30 * time.Second
	}
	if cfg.Transport.DialTimeout == 0 {
		cfg.Transport.DialTimeout = 10 * time.Second
	}
	if cfg.Transport.PingInterval == 0 {
		cfg.Transport.PingInterval = 30 * time.Second
	}
	if cfg.Transport.WriteTimeout == 0 {
		cfg.Transport.WriteTimeout = 10 * time.Second
	}
	if cfg.Identity.HandshakeTimeout == 0 {
		cfg.Identity.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Delivery.DedupTolerance == 0 {
		cfg.Delivery.DedupTolerance = 2 * time.Second
	}
	if cfg.Directory.Refresh == "" {
		cfg.Directory.Refresh = "@every 30s"
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9464"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "livechat"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}
}

var refreshParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var issues []string
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}

	if c.Server.WebSocketURL != "" {
		if err := checkURL(c.Server.WebSocketURL, "ws", "wss"); err != nil {
			issues = append(issues, fmt.Sprintf("server.ws_url: %v", err))
		}
	}
	if c.Server.APIURL != "" {
		if err := checkURL(c.Server.APIURL, "http", "https"); err != nil {
			issues = append(issues, fmt.Sprintf("server.api_url: %v", err))
		}
	}
	if !c.Client.Role.Valid() {
		issues = append(issues, fmt.Sprintf("client.role: unknown role %q", c.Client.Role))
	}
	if c.Client.Role == models.RoleStaff && strings.TrimSpace(c.Server.Credential) == "" {
		issues = append(issues, "server.credential: required for the staff role")
	}
	if c.Transport.RetryInterval < 0 {
		issues = append(issues, "transport.retry_interval: must not be negative")
	}
	if c.Transport.MaxAttempts < 0 {
		issues = append(issues, "transport.max_attempts: must not be negative")
	}
	if c.Transport.PingInterval < time.Second {
		issues = append(issues, "transport.ping_interval: must be at least 1s")
	}
	if c.Transport.BackoffFactor < 1 {
		issues = append(issues, "transport.backoff_factor: must be at least 1")
	}
	if c.Identity.HandshakeTimeout < 0 {
		issues = append(issues, "identity.handshake_timeout: must not be negative")
	}
	if c.Delivery.DedupTolerance < 0 {
		issues = append(issues, "delivery.dedup_tolerance: must not be negative")
	}
	if _, err := refreshParser.Parse(c.Directory.Refresh); err != nil {
		issues = append(issues, fmt.Sprintf("directory.refresh: %v", err))
	}
	switch c.Cache.Backend {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Cache.Path) == "" {
			issues = append(issues, "cache.path: required for the sqlite backend")
		}
	default:
		issues = append(issues, fmt.Sprintf("cache.backend: unknown backend %q", c.Cache.Backend))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		issues = append(issues, fmt.Sprintf("logging.format: must be text or json, got %q", c.Logging.Format))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		issues = append(issues, "tracing.endpoint: required when tracing is enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate: must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ValidationError lists every invalid setting.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}
