package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billm/letterbox/pkg/types"
)

// Config represents the complete configuration for a letterbox process
type Config struct {
	Logging  LoggingConfig  `json:"logging" yaml:"logging" toml:"logging"`
	Mailbox  MailboxConfig  `json:"mailbox" yaml:"mailbox" toml:"mailbox"`
	Protocol ProtocolConfig `json:"protocol" yaml:"protocol" toml:"protocol"`
	Client   ClientConfig   `json:"client" yaml:"client" toml:"client"`
	Server   ServerConfig   `json:"server" yaml:"server" toml:"server"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level           string `json:"level" yaml:"level" toml:"level"`    // debug, info, warn, error
	Format          string `json:"format" yaml:"format" toml:"format"` // json, text, console
	Output          string `json:"output" yaml:"output" toml:"output"` // stdout, stderr, file path
	RotationEnabled bool   `json:"rotation_enabled" yaml:"rotation_enabled" toml:"rotation_enabled"`
	MaxSize         int    `json:"max_size" yaml:"max_size" toml:"max_size"` // MB
	MaxBackups      int    `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAge          int    `json:"max_age" yaml:"max_age" toml:"max_age"` // days
	Compress        bool   `json:"compress" yaml:"compress" toml:"compress"`
}

// MailboxConfig sizes the per-task mailboxes, in bytes
type MailboxConfig struct {
	ReplyCapacity   int `json:"reply_capacity" yaml:"reply_capacity" toml:"reply_capacity"`
	RequestCapacity int `json:"request_capacity" yaml:"request_capacity" toml:"request_capacity"`
}

// ProtocolConfig contains send table and clock configuration
type ProtocolConfig struct {
	Tick     time.Duration `json:"tick" yaml:"tick" toml:"tick"`
	MaxSends int           `json:"max_sends" yaml:"max_sends" toml:"max_sends"`
}

// ClientConfig contains client-side request layer configuration.
// Timeouts are in ticks, 0 waits forever.
type ClientConfig struct {
	MaxRequestIDs            int   `json:"max_request_ids" yaml:"max_request_ids" toml:"max_request_ids"`
	MaxRequestSize           int   `json:"max_request_size" yaml:"max_request_size" toml:"max_request_size"`
	MaxIntermediateReplySize int   `json:"max_intermediate_reply_size" yaml:"max_intermediate_reply_size" toml:"max_intermediate_reply_size"`
	MaxFinalReplySize        int   `json:"max_final_reply_size" yaml:"max_final_reply_size" toml:"max_final_reply_size"`
	IntermediateTimeout      int64 `json:"intermediate_timeout" yaml:"intermediate_timeout" toml:"intermediate_timeout"`
	FinalTimeout             int64 `json:"final_timeout" yaml:"final_timeout" toml:"final_timeout"`
}

// ServerConfig contains server-side request layer configuration
type ServerConfig struct {
	MaxRequestIDs  int `json:"max_request_ids" yaml:"max_request_ids" toml:"max_request_ids"`
	MaxRequestSize int `json:"max_request_size" yaml:"max_request_size" toml:"max_request_size"`
	MaxReplySize   int `json:"max_reply_size" yaml:"max_reply_size" toml:"max_reply_size"`
	MaxHandlers    int `json:"max_handlers" yaml:"max_handlers" toml:"max_handlers"`
}

// Default returns a configuration populated with defaults
func Default() *Config {
	return &Config{
		Logging:  DefaultLoggingConfig(),
		Mailbox:  DefaultMailboxConfig(),
		Protocol: DefaultProtocolConfig(),
		Client:   DefaultClientConfig(),
		Server:   DefaultServerConfig(),
	}
}

// applyDefaults fills in zero-valued config fields with their defaults.
// Applied field-by-field so partial files keep what they set.
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = defaultLogging.MaxSize
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = defaultLogging.MaxBackups
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = defaultLogging.MaxAge
	}

	defaultMailbox := DefaultMailboxConfig()
	if cfg.Mailbox.ReplyCapacity == 0 {
		cfg.Mailbox.ReplyCapacity = defaultMailbox.ReplyCapacity
	}
	if cfg.Mailbox.RequestCapacity == 0 {
		cfg.Mailbox.RequestCapacity = defaultMailbox.RequestCapacity
	}

	defaultProtocol := DefaultProtocolConfig()
	if cfg.Protocol.Tick == 0 {
		cfg.Protocol.Tick = defaultProtocol.Tick
	}
	if cfg.Protocol.MaxSends == 0 {
		cfg.Protocol.MaxSends = defaultProtocol.MaxSends
	}

	// Client timeouts stay as given: zero is a meaningful "wait forever".
	defaultClient := DefaultClientConfig()
	if cfg.Client.MaxRequestIDs == 0 {
		cfg.Client.MaxRequestIDs = defaultClient.MaxRequestIDs
	}
	if cfg.Client.MaxRequestSize == 0 {
		cfg.Client.MaxRequestSize = defaultClient.MaxRequestSize
	}
	if cfg.Client.MaxFinalReplySize == 0 {
		cfg.Client.MaxFinalReplySize = defaultClient.MaxFinalReplySize
	}

	defaultServer := DefaultServerConfig()
	if cfg.Server.MaxRequestIDs == 0 {
		cfg.Server.MaxRequestIDs = defaultServer.MaxRequestIDs
	}
	if cfg.Server.MaxRequestSize == 0 {
		cfg.Server.MaxRequestSize = defaultServer.MaxRequestSize
	}
	if cfg.Server.MaxReplySize == 0 {
		cfg.Server.MaxReplySize = defaultServer.MaxReplySize
	}
	if cfg.Server.MaxHandlers == 0 {
		cfg.Server.MaxHandlers = defaultServer.MaxHandlers
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// This is used by both Load() and the config reloader.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvTick); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvTick, err)
		}
		cfg.Protocol.Tick = d
	}

	ints := []struct {
		env string
		dst *int
	}{
		{EnvMaxSends, &cfg.Protocol.MaxSends},
		{EnvReplyCapacity, &cfg.Mailbox.ReplyCapacity},
		{EnvRequestCapacity, &cfg.Mailbox.RequestCapacity},
		{EnvClientMaxRequests, &cfg.Client.MaxRequestIDs},
		{EnvServerMaxRequests, &cfg.Server.MaxRequestIDs},
	}
	for _, o := range ints {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+o.env, err)
		}
		*o.dst = n
	}

	return nil
}

// Load creates a new Config from the default config file when present,
// otherwise from defaults, then applies environment variable overrides
func Load() (*Config, error) {
	var cfg *Config

	configPath, err := GetDefaultConfigPath()
	if err == nil {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err = LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadPath loads path when given, otherwise behaves like Load. Environment
// overrides apply on top of the file in both cases.
func LoadPath(path string) (*Config, error) {
	if path == "" {
		return Load()
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OverrideOptions holds command line overrides. Zero values are ignored.
type OverrideOptions struct {
	LogLevel  string
	LogFormat string
	LogOutput string
	Tick      time.Duration
	MaxSends  int
}

// ApplyOverrides applies command line overrides, the highest precedence
// source, and revalidates
func (c *Config) ApplyOverrides(opts OverrideOptions) error {
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
	if opts.Tick > 0 {
		c.Protocol.Tick = opts.Tick
	}
	if opts.MaxSends > 0 {
		c.Protocol.MaxSends = opts.MaxSends
	}
	return c.Validate()
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "invalid log level: "+c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text", "console":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "invalid log format: "+c.Logging.Format)
	}

	if c.Mailbox.ReplyCapacity <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "mailbox reply capacity must be positive")
	}
	if c.Mailbox.RequestCapacity <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "mailbox request capacity must be positive")
	}

	if c.Protocol.Tick <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "protocol tick must be positive")
	}
	if c.Protocol.MaxSends <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "protocol max sends must be positive")
	}

	if c.Client.MaxRequestIDs <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client max request ids must be positive")
	}
	if c.Client.MaxRequestIDs > c.Protocol.MaxSends {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("client max request ids (%d) exceeds protocol max sends (%d)",
				c.Client.MaxRequestIDs, c.Protocol.MaxSends))
	}
	if c.Client.MaxRequestSize <= 0 || c.Client.MaxFinalReplySize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client request and final reply sizes must be positive")
	}
	if c.Client.MaxIntermediateReplySize < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client intermediate reply size cannot be negative")
	}
	if c.Client.IntermediateTimeout < 0 || c.Client.FinalTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client timeouts cannot be negative")
	}

	if c.Server.MaxRequestIDs <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server max request ids must be positive")
	}
	if c.Server.MaxRequestSize <= 0 || c.Server.MaxReplySize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server request and reply sizes must be positive")
	}
	if c.Server.MaxHandlers <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server max handlers must be positive")
	}

	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Mailbox: %s, Protocol: %s, Client: %s, Server: %s}",
		c.Logging, c.Mailbox, c.Protocol, c.Client, c.Server)
}

// String returns a string representation of the logging config
func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s, Rotation: %v}",
		c.Level, c.Format, c.Output, c.RotationEnabled)
}

// String returns a string representation of the mailbox config
func (c MailboxConfig) String() string {
	return fmt.Sprintf("MailboxConfig{Reply: %d, Request: %d}", c.ReplyCapacity, c.RequestCapacity)
}

// String returns a string representation of the protocol config
func (c ProtocolConfig) String() string {
	return fmt.Sprintf("ProtocolConfig{Tick: %s, MaxSends: %d}", c.Tick, c.MaxSends)
}

// String returns a string representation of the client config
func (c ClientConfig) String() string {
	return fmt.Sprintf("ClientConfig{MaxRequestIDs: %d, Request: %d, Intermediate: %d, Final: %d, Timeouts: %d/%d}",
		c.MaxRequestIDs, c.MaxRequestSize, c.MaxIntermediateReplySize, c.MaxFinalReplySize,
		c.IntermediateTimeout, c.FinalTimeout)
}

// String returns a string representation of the server config
func (c ServerConfig) String() string {
	return fmt.Sprintf("ServerConfig{MaxRequestIDs: %d, Request: %d, Reply: %d, Handlers: %d}",
		c.MaxRequestIDs, c.MaxRequestSize, c.MaxReplySize, c.MaxHandlers)
}
