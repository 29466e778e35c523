package websocket

import (
	"fmt"
	"net/url"
	"time"

	"github.com/msakrejda/cartographer/errors"
)

// Config holds the websocket transport configuration
type Config struct {
	URL              string           `json:"url" yaml:"url"`
	HandshakeTimeout time.Duration    `json:"handshake_timeout" yaml:"handshake_timeout"`
	ReadLimit        int64            `json:"read_limit" yaml:"read_limit"`
	Reconnect        *ReconnectConfig `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
}

// ReconnectConfig holds reconnection configuration
type ReconnectConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	MaxRetries      int           `json:"max_retries" yaml:"max_retries"` // 0 = unlimited
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `json:"multiplier" yaml:"multiplier"`
}

// DefaultConfig returns the default configuration for the websocket transport
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/connect",
		HandshakeTimeout: 45 * time.Second,
		ReadLimit:        16 << 20,
		Reconnect: &ReconnectConfig{
			Enabled:         true,
			MaxRetries:      0,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
		},
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "parse url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: url scheme must be ws or wss, got %q", errors.ErrInvalidConfig, u.Scheme),
			"Config", "Validate", "check url scheme")
	}
	if c.ReadLimit < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: read_limit must not be negative", errors.ErrInvalidConfig),
			"Config", "Validate", "check read limit")
	}
	if r := c.Reconnect; r != nil && r.Enabled {
		if r.InitialInterval <= 0 || r.MaxInterval < r.InitialInterval {
			return errors.WrapInvalid(
				fmt.Errorf("%w: reconnect intervals must satisfy 0 < initial <= max", errors.ErrInvalidConfig),
				"Config", "Validate", "check reconnect intervals")
		}
		if r.Multiplier < 1 {
			return errors.WrapInvalid(
				fmt.Errorf("%w: reconnect multiplier must be at least 1", errors.ErrInvalidConfig),
				"Config", "Validate", "check reconnect multiplier")
		}
	}
	return nil
}
