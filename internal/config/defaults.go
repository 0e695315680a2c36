package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the letterbox configuration directory
// Uses ~/.config/letterbox/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "letterbox"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel          = "LETTERBOX_LOG_LEVEL"
	EnvLogFormat         = "LETTERBOX_LOG_FORMAT"
	EnvLogOutput         = "LETTERBOX_LOG_OUTPUT"
	EnvTick              = "LETTERBOX_TICK"
	EnvMaxSends          = "LETTERBOX_MAX_SENDS"
	EnvReplyCapacity     = "LETTERBOX_REPLY_CAPACITY"
	EnvRequestCapacity   = "LETTERBOX_REQUEST_CAPACITY"
	EnvClientMaxRequests = "LETTERBOX_CLIENT_MAX_REQUESTS"
	EnvServerMaxRequests = "LETTERBOX_SERVER_MAX_REQUESTS"
)

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultMailboxCapacity = 64 * 1024

	DefaultTick     = 10 * time.Millisecond
	DefaultMaxSends = 80

	DefaultClientMaxRequestIDs = 10
	DefaultServerMaxRequestIDs = 10
	DefaultMaxHandlers         = 32
	DefaultMaxMessageSize      = 1024
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:           DefaultLogLevel,
		Format:          DefaultLogFormat,
		Output:          "stdout",
		RotationEnabled: false,
		MaxSize:         100, // MB
		MaxBackups:      3,
		MaxAge:          28, // days
		Compress:        true,
	}
}

// DefaultMailboxConfig returns the default mailbox configuration
func DefaultMailboxConfig() MailboxConfig {
	return MailboxConfig{
		ReplyCapacity:   DefaultMailboxCapacity,
		RequestCapacity: DefaultMailboxCapacity,
	}
}

// DefaultProtocolConfig returns the default protocol configuration
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		Tick:     DefaultTick,
		MaxSends: DefaultMaxSends,
	}
}

// DefaultClientConfig returns the default client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxRequestIDs:            DefaultClientMaxRequestIDs,
		MaxRequestSize:           DefaultMaxMessageSize,
		MaxIntermediateReplySize: DefaultMaxMessageSize,
		MaxFinalReplySize:        DefaultMaxMessageSize,
		IntermediateTimeout:      0,
		FinalTimeout:             0,
	}
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxRequestIDs:  DefaultServerMaxRequestIDs,
		MaxRequestSize: DefaultMaxMessageSize,
		MaxReplySize:   DefaultMaxMessageSize,
		MaxHandlers:    DefaultMaxHandlers,
	}
}
