// Package config provides Viper-based configuration loading for the pusher gateway.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Mode is "gateway" (rooms stream from the configured backends) or
	// "standalone" (an in-process backend hub is started alongside the gateway).
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig holds PostgreSQL connection settings for the moderation store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// HTTPConfig holds the client endpoint settings.
type HTTPConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// WriteTimeout bounds every websocket frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// BatchFlushInterval is how long sub-messages accumulate before a batch
	// frame is sent to a client.
	BatchFlushInterval time.Duration `mapstructure:"batch_flush_interval"`
	// SendQueueSize is the number of frames buffered per client before the
	// client is considered too slow and disconnected.
	SendQueueSize int `mapstructure:"send_queue_size"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// BackendConfig lists the backend servers rooms are streamed from.
type BackendConfig struct {
	// Addresses are gRPC targets; a room is always served by the same one.
	Addresses []string `mapstructure:"addresses"`
	// DialTimeout bounds opening a room stream.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// ListenAddr is where the in-process hub listens in standalone mode.
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// ProtocolConfig holds client protocol settings.
type ProtocolConfig struct {
	// APIVersion must match the version query parameter sent by clients.
	APIVersion string `mapstructure:"api_version"`
	// BatchPolicy is "skip" or "abort"; see protocol.ParseBatchPolicy.
	BatchPolicy string `mapstructure:"batch_policy"`
	// XMPPDomain is the chat domain user jids are issued under.
	XMPPDomain string `mapstructure:"xmpp_domain"`
}

// ConferenceDomain returns the domain chat rooms live under.
func (p ProtocolConfig) ConferenceDomain() string {
	return "conference." + p.XMPPDomain
}

// AdminConfig configures the standalone admin implementation.
type AdminConfig struct {
	// StartRoomURL is the map path requests for the root map are redirected to.
	StartRoomURL string `mapstructure:"start_room_url"`
	// DisableAnonymous rejects connections without a token.
	DisableAnonymous bool `mapstructure:"disable_anonymous"`
	// MucRoomsFile optionally lists extra chat rooms offered to every member.
	MucRoomsFile string `mapstructure:"muc_rooms_file"`
	// Moderation enables player reports and bans backed by the database.
	Moderation bool `mapstructure:"moderation"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Database DatabaseConfig `mapstructure:"database"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string
	for _, err := range []error{
		validateServer(c.Server),
		validateHTTP(c.HTTP),
		validateBackend(c.Backend, c.Server.Mode),
		validateLogging(c.Logging),
		validateProtocol(c.Protocol),
		validateAdmin(c.Admin),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Admin.Moderation {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	validModes := map[string]bool{"standalone": true, "gateway": true}
	if !validModes[s.Mode] {
		return fmt.Errorf("server.mode must be one of [standalone, gateway], got %q", s.Mode)
	}
	return nil
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if h.Port < 1 || h.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be 1-65535, got %d", h.Port))
	}
	if h.WriteTimeout <= 0 {
		errs = append(errs, "http.write_timeout must be positive")
	}
	if h.BatchFlushInterval < 0 {
		errs = append(errs, "http.batch_flush_interval must not be negative")
	}
	if h.SendQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("http.send_queue_size must be >= 1, got %d", h.SendQueueSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateBackend(b BackendConfig, mode string) error {
	var errs []string
	if mode == "gateway" && len(b.Addresses) == 0 {
		errs = append(errs, "backend.addresses must not be empty in gateway mode")
	}
	if mode == "standalone" && b.ListenAddr == "" {
		errs = append(errs, "backend.listen_addr must not be empty in standalone mode")
	}
	for i, a := range b.Addresses {
		if strings.TrimSpace(a) == "" {
			errs = append(errs, fmt.Sprintf("backend.addresses[%d] must not be empty", i))
		}
	}
	if b.DialTimeout <= 0 {
		errs = append(errs, "backend.dial_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
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

func validateProtocol(p ProtocolConfig) error {
	var errs []string
	if p.APIVersion == "" {
		errs = append(errs, "protocol.api_version must not be empty")
	}
	validPolicies := map[string]bool{"skip": true, "abort": true}
	if !validPolicies[p.BatchPolicy] {
		errs = append(errs, fmt.Sprintf("protocol.batch_policy must be one of [skip, abort], got %q", p.BatchPolicy))
	}
	if p.XMPPDomain == "" {
		errs = append(errs, "protocol.xmpp_domain must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	if a.StartRoomURL == "" {
		return nil
	}
	if !strings.HasPrefix(a.StartRoomURL, "/_/") {
		return fmt.Errorf("admin.start_room_url must be a map path of the form /_/<instance>/<map>, got %q", a.StartRoomURL)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with PUSHER_ prefix
	v.SetEnvPrefix("PUSHER")
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

// Defaults returns a Viper instance carrying only the default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "standalone")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.batch_flush_interval", "100ms")
	v.SetDefault("http.send_queue_size", 64)

	v.SetDefault("backend.dial_timeout", "5s")
	v.SetDefault("backend.listen_addr", "127.0.0.1:50051")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("protocol.api_version", "1")
	v.SetDefault("protocol.batch_policy", "skip")
	v.SetDefault("protocol.xmpp_domain", "localhost")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "pusher")
	v.SetDefault("database.password", "pusher")
	v.SetDefault("database.name", "pusher")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
}
