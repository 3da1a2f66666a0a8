// Package config provides configuration management for the fleet controller.
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
	Server      ServerConfig      `mapstructure:"server"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Durable     DurableConfig     `mapstructure:"durable"`
	OLAP        OLAPConfig        `mapstructure:"olap"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory bus (single-process development).
type NATSConfig struct {
	URL             string `mapstructure:"url"`
	ClientID        string `mapstructure:"clientId"`
	MaxReconnects   int    `mapstructure:"maxReconnects"` // -1 = retry forever
	WorkerPoolSize  int    `mapstructure:"workerPoolSize"`
	WorkerQueueSize int    `mapstructure:"workerQueueSize"`
}

// AgentConfig holds the agent-side runtime configuration.
type AgentConfig struct {
	// ID is the stable agent identity. Empty means a fresh UUID is
	// minted at startup.
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`

	// ModulesDir is watched for module manifests (*.module.json).
	ModulesDir string `mapstructure:"modulesDir"`

	// WorkDir receives crash record files.
	WorkDir string `mapstructure:"workDir"`

	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // seconds, 2..5
	StopTimeout       int `mapstructure:"stopTimeout"`       // seconds
	DebounceMillis    int `mapstructure:"debounceMillis"`    // manifest reload debounce

	Tags map[string]string `mapstructure:"tags"`
}

// CoordinatorConfig holds the coordinator-side runtime configuration.
type CoordinatorConfig struct {
	HeartbeatInterval      int  `mapstructure:"heartbeatInterval"`      // seconds; expected agent interval
	HeartbeatTimeoutFactor int  `mapstructure:"heartbeatTimeoutFactor"` // timeout = interval * factor
	DeathSweepInterval     int  `mapstructure:"deathSweepInterval"`     // seconds
	ExecWorkers            int  `mapstructure:"execWorkers"`
	ExecQueueSize          int  `mapstructure:"execQueueSize"`
	ReconcileEnabled       bool `mapstructure:"reconcileEnabled"`
	ReconcileInterval      int  `mapstructure:"reconcileInterval"` // seconds
}

// DatabaseConfig holds persistence configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	URL      string `mapstructure:"url"`    // postgres DSN
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DurableConfig holds the durable-workflow substrate configuration.
// An empty URL selects the in-memory substrate.
type DurableConfig struct {
	URL string `mapstructure:"url"` // redis:// DSN
}

// OLAPConfig holds the ClickHouse sink configuration. The sink is
// disabled while Host is empty.
type OLAPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// TelemetryConfig holds tracing configuration.
type TelemetryConfig struct {
	TraceEndpoint string `mapstructure:"traceEndpoint"`
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

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (a *AgentConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(a.HeartbeatInterval) * time.Second
}

// StopTimeoutDuration returns the module stop timeout as a time.Duration.
func (a *AgentConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(a.StopTimeout) * time.Second
}

// DebounceDuration returns the manifest reload debounce as a time.Duration.
func (a *AgentConfig) DebounceDuration() time.Duration {
	return time.Duration(a.DebounceMillis) * time.Millisecond
}

// HeartbeatIntervalDuration returns the expected heartbeat interval.
func (c *CoordinatorConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// HeartbeatTimeout returns the liveness timeout (interval times factor).
func (c *CoordinatorConfig) HeartbeatTimeout() time.Duration {
	return c.HeartbeatIntervalDuration() * time.Duration(c.HeartbeatTimeoutFactor)
}

// DeathSweepIntervalDuration returns the workflow death sweep interval.
func (c *CoordinatorConfig) DeathSweepIntervalDuration() time.Duration {
	return time.Duration(c.DeathSweepInterval) * time.Second
}

// ReconcileIntervalDuration returns the store reconcile interval.
func (c *CoordinatorConfig) ReconcileIntervalDuration() time.Duration {
	return time.Duration(c.ReconcileInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AIORI_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.clientId", "aiori")
	v.SetDefault("nats.maxReconnects", -1)
	v.SetDefault("nats.workerPoolSize", 8)
	v.SetDefault("nats.workerQueueSize", 256)

	// Agent defaults
	v.SetDefault("agent.id", "")
	v.SetDefault("agent.name", "")
	v.SetDefault("agent.modulesDir", "./modules")
	v.SetDefault("agent.workDir", ".")
	v.SetDefault("agent.heartbeatInterval", 2)
	v.SetDefault("agent.stopTimeout", 20)
	v.SetDefault("agent.debounceMillis", 500)
	v.SetDefault("agent.tags", map[string]string{})

	// Coordinator defaults
	v.SetDefault("coordinator.heartbeatInterval", 2)
	v.SetDefault("coordinator.heartbeatTimeoutFactor", 2)
	v.SetDefault("coordinator.deathSweepInterval", 30)
	v.SetDefault("coordinator.execWorkers", 10)
	v.SetDefault("coordinator.execQueueSize", 256)
	v.SetDefault("coordinator.reconcileEnabled", false)
	v.SetDefault("coordinator.reconcileInterval", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "aiori.db")
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Durable substrate defaults - empty means in-memory
	v.SetDefault("durable.url", "")

	// OLAP defaults - disabled until a host is configured
	v.SetDefault("olap.host", "")
	v.SetDefault("olap.port", 8123)
	v.SetDefault("olap.database", "imn")
	v.SetDefault("olap.username", "admin")
	v.SetDefault("olap.password", "")

	// Telemetry defaults - empty endpoint means tracing stays a no-op
	v.SetDefault("telemetry.traceEndpoint", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AIORI_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/aiori/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AIORI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the deployment-contract names and for
	// camelCase config keys AutomaticEnv cannot derive.
	_ = v.BindEnv("nats.url", "NATS_URL", "AIORI_NATS_URL")
	_ = v.BindEnv("agent.id", "AGENT_ID", "AIORI_AGENT_ID")
	_ = v.BindEnv("agent.name", "AGENT_NAME", "AIORI_AGENT_NAME")
	_ = v.BindEnv("agent.modulesDir", "AIORI_AGENT_MODULES_DIR")
	_ = v.BindEnv("agent.workDir", "AIORI_AGENT_WORK_DIR")
	_ = v.BindEnv("durable.url", "DBOS_SYSTEM_DATABASE_URL", "AIORI_DURABLE_URL")
	_ = v.BindEnv("database.url", "AIORI_DATABASE_URL")
	_ = v.BindEnv("telemetry.traceEndpoint", "OTLP_TRACE_ENDPOINT")
	_ = v.BindEnv("olap.host", "CLICKHOUSE_HOST")
	_ = v.BindEnv("olap.port", "CLICKHOUSE_PORT")
	_ = v.BindEnv("olap.database", "CLICKHOUSE_DATABASE")
	_ = v.BindEnv("olap.username", "CLICKHOUSE_USERNAME")
	_ = v.BindEnv("olap.password", "CLICKHOUSE_PASSWORD")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/aiori/")

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

// validate checks that all required configuration fields are set and
// fills the hostname-derived agent name.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.Name == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Agent.Name = hostname
		} else {
			cfg.Agent.Name = "aiori-agent"
		}
	}
	if cfg.Agent.HeartbeatInterval < 2 || cfg.Agent.HeartbeatInterval > 5 {
		errs = append(errs, "agent.heartbeatInterval must be between 2 and 5 seconds")
	}
	if cfg.Agent.StopTimeout <= 0 {
		errs = append(errs, "agent.stopTimeout must be positive")
	}
	if cfg.Agent.ModulesDir == "" {
		errs = append(errs, "agent.modulesDir is required")
	}

	if cfg.Coordinator.HeartbeatInterval <= 0 {
		errs = append(errs, "coordinator.heartbeatInterval must be positive")
	}
	if cfg.Coordinator.HeartbeatTimeoutFactor < 1 {
		errs = append(errs, "coordinator.heartbeatTimeoutFactor must be at least 1")
	}
	if cfg.Coordinator.ExecWorkers <= 0 {
		errs = append(errs, "coordinator.execWorkers must be positive")
	}
	if cfg.Coordinator.ExecQueueSize <= 0 {
		errs = append(errs, "coordinator.execQueueSize must be positive")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.URL == "" {
			errs = append(errs, "database.url is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
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

// Addr returns the ClickHouse host:port address.
func (o *OLAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// Enabled reports whether the OLAP sink is configured.
func (o *OLAPConfig) Enabled() bool {
	return o.Host != ""
}
