// Package config provides configuration management for the platform.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Channels ChannelsConfig `mapstructure:"channels"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Personas []PersonaConfig `mapstructure:"personas"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// When Driver is "sqlite" only Path is used; the postgres fields apply
// when Driver is "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// GatewayConfig holds the in-sandbox gateway proxy configuration.
type GatewayConfig struct {
	// PublicBaseURL is the externally reachable base URL for per-session
	// gateways, handed to runners that spawn children. Empty disables
	// gateway URLs in spawn responses.
	PublicBaseURL    string `mapstructure:"publicBaseUrl"`
	Port             int    `mapstructure:"port"`
	ModelServerURL   string `mapstructure:"modelServerUrl"`   // local model server upstream
	EditorURL        string `mapstructure:"editorUrl"`        // code editor upstream
	VNCURL           string `mapstructure:"vncUrl"`           // remote desktop upstream
	TerminalURL      string `mapstructure:"terminalUrl"`      // ttyd upstream
	SessionCookieTTL int    `mapstructure:"sessionCookieTtl"` // in seconds
}

// RunnerConfig holds the sandbox runner bridge configuration.
type RunnerConfig struct {
	ControlURL       string `mapstructure:"controlUrl"` // holder WebSocket endpoint
	SessionID        string `mapstructure:"sessionId"`
	Token            string `mapstructure:"token"`
	ReconnectBaseMs  int    `mapstructure:"reconnectBaseMs"`
	ReconnectCapMs   int    `mapstructure:"reconnectCapMs"`
	PingIntervalSecs int    `mapstructure:"pingIntervalSecs"`
}

// LimitsConfig holds admission-control and queueing limits.
type LimitsConfig struct {
	// MaxActivePerUser caps pending+running+waiting_approval executions per user.
	MaxActivePerUser int `mapstructure:"maxActivePerUser"`
	// MaxActiveGlobal caps the same count across all users.
	MaxActiveGlobal int `mapstructure:"maxActiveGlobal"`
	// CollectDebounceMs is the default debounce window for collect-mode prompts.
	// Bounded to [0, 10000].
	CollectDebounceMs int `mapstructure:"collectDebounceMs"`
	// ApprovalTTLMinutes is the default approval-gate timeout.
	ApprovalTTLMinutes int `mapstructure:"approvalTtlMinutes"`
}

// WorkflowConfig tunes the workflow execution worker pool. Zero values
// fall back to the executor defaults.
type WorkflowConfig struct {
	Workers               int `mapstructure:"workers"`
	QueueDepth            int `mapstructure:"queueDepth"`
	StepTimeoutSecs       int `mapstructure:"stepTimeoutSecs"`
	ReconcileIntervalSecs int `mapstructure:"reconcileIntervalSecs"`
}

// ChannelsConfig holds per-provider channel adapter credentials.
type ChannelsConfig struct {
	Telegram ChannelRouting `mapstructure:"telegram"`
	Slack    ChannelRouting `mapstructure:"slack"`
	GitHub   ChannelRouting `mapstructure:"github"`
}

// ChannelRouting holds one provider's webhook credentials. BaseURL
// overrides the provider API endpoint, mainly for tests.
type ChannelRouting struct {
	Token   string `mapstructure:"token"`
	Secret  string `mapstructure:"secret"`
	TeamID  string `mapstructure:"teamId"`
	BaseURL string `mapstructure:"baseUrl"`
}

// GitHubConfig holds the GitHub REST integration configuration.
type GitHubConfig struct {
	// APIBase overrides https://api.github.com, mainly for tests and
	// GitHub Enterprise deployments.
	APIBase string `mapstructure:"apiBase"`
}

// PersonaConfig is one agent preset offered to runners via list-personas.
type PersonaConfig struct {
	ID          string `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// SessionCookieTTLDuration returns the gateway session cookie TTL as a time.Duration.
func (g *GatewayConfig) SessionCookieTTLDuration() time.Duration {
	return time.Duration(g.SessionCookieTTL) * time.Second
}

// CollectDebounce returns the collect debounce window as a time.Duration.
func (l *LimitsConfig) CollectDebounce() time.Duration {
	return time.Duration(l.CollectDebounceMs) * time.Millisecond
}

// ApprovalTTL returns the approval-gate timeout as a time.Duration.
func (l *LimitsConfig) ApprovalTTL() time.Duration {
	return time.Duration(l.ApprovalTTLMinutes) * time.Minute
}

// StepTimeout returns the per-step execution timeout as a time.Duration.
func (w *WorkflowConfig) StepTimeout() time.Duration {
	return time.Duration(w.StepTimeoutSecs) * time.Second
}

// ReconcileInterval returns the reconciler sweep interval as a time.Duration.
func (w *WorkflowConfig) ReconcileInterval() time.Duration {
	return time.Duration(w.ReconcileIntervalSecs) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("KITE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file store unless postgres is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "kite.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "kite")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "kite")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kite-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour

	// Gateway defaults
	v.SetDefault("gateway.port", 8787)
	v.SetDefault("gateway.modelServerUrl", "http://127.0.0.1:4096")
	v.SetDefault("gateway.editorUrl", "http://127.0.0.1:13338")
	v.SetDefault("gateway.vncUrl", "http://127.0.0.1:6080")
	v.SetDefault("gateway.terminalUrl", "http://127.0.0.1:7681")
	v.SetDefault("gateway.sessionCookieTtl", 900) // 15 minutes

	// Runner defaults
	v.SetDefault("runner.controlUrl", "")
	v.SetDefault("runner.sessionId", "")
	v.SetDefault("runner.token", "")
	v.SetDefault("runner.reconnectBaseMs", 1000)
	v.SetDefault("runner.reconnectCapMs", 30000)
	v.SetDefault("runner.pingIntervalSecs", 30)

	// Limits defaults
	v.SetDefault("limits.maxActivePerUser", 10)
	v.SetDefault("limits.maxActiveGlobal", 100)
	v.SetDefault("limits.collectDebounceMs", 1500)
	v.SetDefault("limits.approvalTtlMinutes", 60)

	// Workflow pool defaults
	v.SetDefault("workflow.workers", 4)
	v.SetDefault("workflow.queueDepth", 256)
	v.SetDefault("workflow.stepTimeoutSecs", 600)
	v.SetDefault("workflow.reconcileIntervalSecs", 30)

	// GitHub defaults - empty apiBase means api.github.com
	v.SetDefault("github.apiBase", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KITE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/kite/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("KITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("runner.controlUrl", "KITE_RUNNER_CONTROL_URL")
	_ = v.BindEnv("runner.sessionId", "KITE_RUNNER_SESSION_ID", "KITE_SESSION_ID")
	_ = v.BindEnv("runner.token", "KITE_RUNNER_TOKEN")
	_ = v.BindEnv("auth.jwtSecret", "KITE_AUTH_JWT_SECRET")
	_ = v.BindEnv("gateway.modelServerUrl", "KITE_GATEWAY_MODEL_SERVER_URL")
	_ = v.BindEnv("gateway.publicBaseUrl", "KITE_GATEWAY_PUBLIC_BASE_URL")
	_ = v.BindEnv("github.apiBase", "KITE_GITHUB_API_BASE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kite/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	// Auth validation - generate random secret if not set (dev mode)
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if cfg.Gateway.SessionCookieTTL <= 0 {
		errs = append(errs, "gateway.sessionCookieTtl must be positive")
	}

	if cfg.Limits.MaxActivePerUser <= 0 {
		errs = append(errs, "limits.maxActivePerUser must be positive")
	}
	if cfg.Limits.MaxActiveGlobal <= 0 {
		errs = append(errs, "limits.maxActiveGlobal must be positive")
	}
	// The collect debounce window must be non-negative and bounded.
	if cfg.Limits.CollectDebounceMs < 0 || cfg.Limits.CollectDebounceMs > 10000 {
		errs = append(errs, "limits.collectDebounceMs must be between 0 and 10000")
	}
	if cfg.Limits.ApprovalTTLMinutes <= 0 {
		errs = append(errs, "limits.approvalTtlMinutes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// Use a fixed dev secret with a warning prefix
	// In production, users should set KITE_AUTH_JWT_SECRET
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
