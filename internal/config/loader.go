package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Logging.Level != "" && !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}
	if cfg.Logging.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("logging.buffer_size %d must not be negative", cfg.Logging.BufferSize))
	}

	if cfg.Client.ServerURL != "" {
		if err := validateURL("client.server_url", cfg.Client.ServerURL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Client.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("client.max_reconnect_attempts %d must not be negative", cfg.Client.MaxReconnectAttempts))
	}
	if cfg.Client.ReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("client.reconnect_delay %s must not be negative", cfg.Client.ReconnectDelay))
	}
	if cfg.Client.HeartbeatInterval < 0 {
		errs = append(errs, fmt.Errorf("client.heartbeat_interval %s must not be negative", cfg.Client.HeartbeatInterval))
	}

	if cfg.Gateway.UpstreamURL != "" {
		if err := validateURL("gateway.upstream_url", cfg.Gateway.UpstreamURL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Gateway.JWT != nil && cfg.Gateway.JWT.Secret == "" {
		errs = append(errs, errors.New("gateway.jwt.secret is required when gateway.jwt is set"))
	}

	return errors.Join(errs...)
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is not a valid URL: %w", field, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s %q must use scheme %s", field, raw, strings.Join(schemes, " or "))
}
