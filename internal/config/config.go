// Package config provides the configuration schema and loader for the
// voicelink client and gateway.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from
// a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Gateway GatewayConfig `yaml:"gateway"`
	Logging LoggingConfig `yaml:"logging"`
}

// ClientConfig configures the voice session client.
type ClientConfig struct {
	// ServerURL is the orchestrator WebSocket endpoint
	// (e.g., "wss://voice.example.com/ws/v2").
	ServerURL string `yaml:"server_url"`

	// Token is the bearer token forwarded on the handshake. Optional when
	// the orchestrator is reached directly rather than via the gateway.
	Token string `yaml:"token"`

	// MaxReconnectAttempts caps automatic reconnection after an abnormal
	// closure. 0 means the built-in default (5).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// ReconnectDelay is the base backoff delay. 0 means 1s.
	ReconnectDelay Duration `yaml:"reconnect_delay"`

	// HeartbeatInterval is the ping cadence. 0 means 30s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// AutoUnlockPlayback opens the playback gate at startup instead of
	// waiting for an explicit unlock.
	AutoUnlockPlayback bool `yaml:"auto_unlock_playback"`
}

// GatewayConfig configures the authenticating reverse proxy.
type GatewayConfig struct {
	// ListenAddr is the TCP address the gateway listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// UpstreamURL is the orchestrator base URL requests are proxied to.
	UpstreamURL string `yaml:"upstream_url"`

	// JWT configures bearer-token validation. When nil, requests pass
	// through unauthenticated (development only).
	JWT *JWTConfig `yaml:"jwt"`
}

// JWTConfig holds bearer-token validation settings.
type JWTConfig struct {
	// Secret is the HMAC signing secret tokens are verified against.
	Secret string `yaml:"secret"`

	// Issuer is the required "iss" claim. Empty skips the check.
	Issuer string `yaml:"issuer"`

	// Audience is the required "aud" claim. Empty skips the check.
	Audience string `yaml:"audience"`
}

// LoggingConfig holds logging settings shared by both binaries.
type LoggingConfig struct {
	// Level controls verbosity.
	Level LogLevel `yaml:"level"`

	// BufferSize is the number of recent records retained in the in-memory
	// log ring. 0 means the built-in default.
	BufferSize int `yaml:"buffer_size"`
}
