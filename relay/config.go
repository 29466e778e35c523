package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/msakrejda/cartographer/errors"
)

// Config holds the relay server configuration
type Config struct {
	// Listen is the host:port the HTTP server binds.
	Listen string `json:"listen" yaml:"listen"`
	// Path serves the websocket endpoint viewers connect to.
	Path string `json:"path" yaml:"path"`

	// ClientBuffer is the number of messages queued per client before the
	// oldest is dropped.
	ClientBuffer int           `json:"client_buffer" yaml:"client_buffer"`
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// ReadTimeout closes a client that answers no ping within this window.
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`
}

// DefaultConfig returns the default relay configuration
func DefaultConfig() Config {
	return Config{
		Listen:       "localhost:8080",
		Path:         "/connect",
		ClientBuffer: 100,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: listen address is required", errors.ErrMissingConfig),
			"Config", "Validate", "check listen")
	}
	if !strings.HasPrefix(c.Path, "/") || c.Path == "/" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: path %q must start with / and not be the root", errors.ErrInvalidConfig, c.Path),
			"Config", "Validate", "check path")
	}
	if c.ClientBuffer < 1 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: client_buffer must be at least 1", errors.ErrInvalidConfig),
			"Config", "Validate", "check client buffer")
	}
	if c.PingInterval <= 0 || c.WriteTimeout <= 0 || c.ReadTimeout <= c.PingInterval {
		return errors.WrapInvalid(
			fmt.Errorf("%w: timeouts must be positive and read_timeout must exceed ping_interval", errors.ErrInvalidConfig),
			"Config", "Validate", "check timeouts")
	}
	return nil
}
