package moo

import (
	"fmt"
	"time"

	"github.com/adred-codev/moo/internal/logging"
	"github.com/adred-codev/moo/internal/service"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// ExtensionIdentity is the fixed identity the client presents during
// registration (spec §3 ConnectionConfig "extension identity").
type ExtensionIdentity struct {
	ID          string `env:"MOO_EXTENSION_ID"`
	DisplayName string `env:"MOO_DISPLAY_NAME"`
	Version     string `env:"MOO_DISPLAY_VERSION" envDefault:"1.0.0"`
	Publisher   string `env:"MOO_PUBLISHER"`
	Email       string `env:"MOO_EMAIL"`
}

// ConnectionConfig is immutable for the lifetime of one Connection (spec
// §3 ConnectionConfig). ProvidedServices and OnCoreLost are populated by
// the caller after LoadConfigFromEnv returns; they have no environment
// representation.
type ConnectionConfig struct {
	Host string `env:"MOO_HOST,required"`
	Port int    `env:"MOO_PORT" envDefault:"9330"`

	Identity ExtensionIdentity

	SavedToken string `env:"MOO_TOKEN"`

	RequestTimeout   time.Duration `env:"MOO_REQUEST_TIMEOUT" envDefault:"30s"`
	HandshakeTimeout time.Duration `env:"MOO_HANDSHAKE_TIMEOUT" envDefault:"10s"`

	AutoReconnect  bool          `env:"MOO_AUTO_RECONNECT" envDefault:"true"`
	InitialBackoff time.Duration `env:"MOO_BACKOFF_INITIAL" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"MOO_BACKOFF_MAX" envDefault:"60s"`

	// BroadcastWorkers and BroadcastQueueSize size the provided-service
	// fan-out pool (internal/service.broadcastPool).
	BroadcastWorkers   int `env:"MOO_BROADCAST_WORKERS" envDefault:"4"`
	BroadcastQueueSize int `env:"MOO_BROADCAST_QUEUE_SIZE" envDefault:"400"`

	// EventsBufferSize sizes the public events channel (spec §4.6
	// "bounded, drop-oldest").
	EventsBufferSize int `env:"MOO_EVENTS_BUFFER_SIZE" envDefault:"256"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// EnableDiscovery, DiscoveryInterval and DiscoveryTimeout tune
	// Connection.WatchCores (spec §6 CoreFound/CoreLost producer). The
	// caller still has to call WatchCores explicitly; these only size it.
	EnableDiscovery   bool          `env:"MOO_ENABLE_DISCOVERY" envDefault:"false"`
	DiscoveryInterval time.Duration `env:"MOO_DISCOVERY_INTERVAL" envDefault:"10s"`
	DiscoveryTimeout  time.Duration `env:"MOO_DISCOVERY_TIMEOUT" envDefault:"3s"`

	ProvidedServices []service.Spec      `env:"-"`
	OnCoreLost       func(coreID string) `env:"-"`
}

// LoadConfigFromEnv reads configuration from a .env file (if present)
// and the process environment, then validates it. The caller still
// attaches ProvidedServices and OnCoreLost afterward — neither has a
// textual representation.
func LoadConfigFromEnv(logger *zerolog.Logger) (*ConnectionConfig, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &ConnectionConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("moo: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("moo: validate config: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("configuration loaded and validated")
	}
	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *ConnectionConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("MOO_HOST is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("MOO_PORT must be 1-65535, got %d", c.Port)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("MOO_REQUEST_TIMEOUT must be > 0, got %s", c.RequestTimeout)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("MOO_HANDSHAKE_TIMEOUT must be > 0, got %s", c.HandshakeTimeout)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("MOO_BACKOFF_INITIAL must be > 0, got %s", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("MOO_BACKOFF_MAX (%s) must be >= MOO_BACKOFF_INITIAL (%s)", c.MaxBackoff, c.InitialBackoff)
	}
	if c.EnableDiscovery {
		if c.DiscoveryInterval <= 0 {
			return fmt.Errorf("MOO_DISCOVERY_INTERVAL must be > 0, got %s", c.DiscoveryInterval)
		}
		if c.DiscoveryTimeout <= 0 {
			return fmt.Errorf("MOO_DISCOVERY_TIMEOUT must be > 0, got %s", c.DiscoveryTimeout)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as a structured log line.
func (c *ConnectionConfig) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("host", c.Host).
		Int("port", c.Port).
		Str("extension_id", c.Identity.ID).
		Dur("request_timeout", c.RequestTimeout).
		Bool("auto_reconnect", c.AutoReconnect).
		Dur("backoff_initial", c.InitialBackoff).
		Dur("backoff_max", c.MaxBackoff).
		Int("broadcast_workers", c.BroadcastWorkers).
		Int("events_buffer_size", c.EventsBufferSize).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Bool("discovery_enabled", c.EnableDiscovery).
		Msg("connection configuration loaded")
}

// loggingConfig adapts the textual log level/format into the logging
// package's typed Config.
func (c *ConnectionConfig) loggingConfig() logging.Config {
	return logging.Config{Level: logging.Level(c.LogLevel), Format: logging.Format(c.LogFormat)}
}
