// Package config provides Viper-based configuration loading for the relay.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings. The room socket and the
// admin overlay share one listener under /room and /admin.
type ServerConfig struct {
	// Host is the bind address for the websocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the websocket listener.
	Port int `mapstructure:"port"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WebsocketConfig holds per-connection transport settings.
type WebsocketConfig struct {
	// ReadBufferSize is the gorilla upgrader read buffer in bytes.
	ReadBufferSize int `mapstructure:"read_buffer_size"`
	// WriteBufferSize is the gorilla upgrader write buffer in bytes.
	WriteBufferSize int `mapstructure:"write_buffer_size"`
	// MaxMessageSize is the largest accepted inbound frame in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// WriteTimeout is the per-write deadline on the socket.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MessagesPerSecond is the per-connection inbound rate limit.
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	// Burst is the inbound rate limiter bucket size.
	Burst int `mapstructure:"burst"`
}

// RoomConfig holds the spatial partition settings.
type RoomConfig struct {
	// ZoneWidth is the width of one zone cell in room coordinates.
	ZoneWidth int32 `mapstructure:"zone_width"`
	// ZoneHeight is the height of one zone cell in room coordinates.
	ZoneHeight int32 `mapstructure:"zone_height"`
}

// BatchConfig holds the outbound batcher settings.
type BatchConfig struct {
	// Window is the coalescing delay before a scheduled flush.
	Window time.Duration `mapstructure:"window"`
	// MaxPending flushes immediately once this many sub-messages accumulate.
	MaxPending int `mapstructure:"max_pending"`
	// MaxBufferedBytes is the transport backpressure ceiling; flushes are
	// dropped while the transport holds more than this.
	MaxBufferedBytes int `mapstructure:"max_buffered_bytes"`
}

// LivenessConfig holds the server-side keepalive settings.
type LivenessConfig struct {
	// PingInterval is the cadence of server-initiated pings.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// PongTimeout forcibly closes a connection that misses a pong.
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
}

// AdminConfig holds the control-plane overlay settings.
type AdminConfig struct {
	// TokenSecret verifies the HS256 token carrying the room allow-list.
	TokenSecret string `mapstructure:"token_secret"`
}

// ProviderConfig holds settings for the external member-data lookup and
// chat-credential fabrication.
type ProviderConfig struct {
	// URL is the member-data endpoint; empty enables the local fallback.
	URL string `mapstructure:"url"`
	// Timeout bounds each member-data request.
	Timeout time.Duration `mapstructure:"timeout"`
	// AllowAnonymous permits upgrades without a bearer token.
	AllowAnonymous bool `mapstructure:"allow_anonymous"`
	// IdentitySecret verifies HS256 bearer tokens presented at upgrade.
	IdentitySecret string `mapstructure:"identity_secret"`
	// ChatSecret, when set, signs fabricated chat credentials.
	ChatSecret string `mapstructure:"chat_secret"`
	// ChatCredentialTTL is the lifetime of signed chat credentials.
	ChatCredentialTTL time.Duration `mapstructure:"chat_credential_ttl"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	Room      RoomConfig      `mapstructure:"room"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Liveness  LivenessConfig  `mapstructure:"liveness"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Websocket.MaxMessageSize < 1 {
		errs = append(errs, "websocket.max_message_size must be >= 1")
	}
	if c.Websocket.WriteTimeout <= 0 {
		errs = append(errs, "websocket.write_timeout must be positive")
	}
	if c.Websocket.MessagesPerSecond <= 0 {
		errs = append(errs, "websocket.messages_per_second must be positive")
	}
	if c.Websocket.Burst < 1 {
		errs = append(errs, "websocket.burst must be >= 1")
	}
	if c.Room.ZoneWidth < 1 || c.Room.ZoneHeight < 1 {
		errs = append(errs, fmt.Sprintf("room.zone_width and room.zone_height must be >= 1, got %dx%d", c.Room.ZoneWidth, c.Room.ZoneHeight))
	}
	if c.Batch.Window <= 0 {
		errs = append(errs, "batch.window must be positive")
	}
	if c.Batch.MaxPending < 1 {
		errs = append(errs, "batch.max_pending must be >= 1")
	}
	if c.Batch.MaxBufferedBytes < 1 {
		errs = append(errs, "batch.max_buffered_bytes must be >= 1")
	}
	if c.Liveness.PingInterval <= 0 {
		errs = append(errs, "liveness.ping_interval must be positive")
	}
	if c.Liveness.PongTimeout <= 0 {
		errs = append(errs, "liveness.pong_timeout must be positive")
	}
	if c.Admin.TokenSecret == "" {
		errs = append(errs, "admin.token_secret must not be empty")
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, "provider.timeout must be positive")
	}
	if c.Provider.IdentitySecret == "" {
		errs = append(errs, "provider.identity_secret must not be empty")
	}
	if c.Provider.ChatSecret != "" && c.Provider.ChatCredentialTTL <= 0 {
		errs = append(errs, "provider.chat_credential_ttl must be positive when provider.chat_secret is set")
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment
// variable overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with MERIDIAN_ prefix
	v.SetEnvPrefix("MERIDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration, used when no file is given.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := LoadFromViper(v)
	if err != nil {
		// Defaults must validate; this is a programming error.
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("websocket.read_buffer_size", 4096)
	v.SetDefault("websocket.write_buffer_size", 4096)
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.messages_per_second", 100)
	v.SetDefault("websocket.burst", 200)

	v.SetDefault("room.zone_width", 320)
	v.SetDefault("room.zone_height", 320)

	v.SetDefault("batch.window", "100ms")
	v.SetDefault("batch.max_pending", 64)
	v.SetDefault("batch.max_buffered_bytes", 262144)

	v.SetDefault("liveness.ping_interval", "30s")
	v.SetDefault("liveness.pong_timeout", "15s")

	v.SetDefault("admin.token_secret", "dev-admin-secret")

	v.SetDefault("provider.url", "")
	v.SetDefault("provider.timeout", "5s")
	v.SetDefault("provider.allow_anonymous", true)
	v.SetDefault("provider.identity_secret", "dev-identity-secret")
	v.SetDefault("provider.chat_secret", "")
	v.SetDefault("provider.chat_credential_ttl", "24h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
