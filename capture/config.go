package capture

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/pkg/retry"
)

// Config holds the capture proxy configuration
type Config struct {
	// Listen is a host:port, or a unix socket path when it contains "/".
	Listen string `json:"listen" yaml:"listen"`
	// Target is the Postgres server address, in the same form as Listen.
	Target string `json:"target" yaml:"target"`

	DialTimeout      time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	// DialAttempts bounds connection attempts to Target per session.
	DialAttempts int `json:"dial_attempts" yaml:"dial_attempts"`
	// ReadBufferSize is the minimum chunk reader buffer per connection side.
	ReadBufferSize int `json:"read_buffer_size" yaml:"read_buffer_size"`
}

// DefaultConfig returns the default proxy configuration
func DefaultConfig() Config {
	return Config{
		Listen:           "localhost:5433",
		Target:           "localhost:5432",
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		DialAttempts:     3,
		ReadBufferSize:   8192,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Listen == "" || c.Target == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: listen and target are required", errors.ErrMissingConfig),
			"Config", "Validate", "check addresses")
	}
	if c.Listen == c.Target {
		return errors.WrapInvalid(
			fmt.Errorf("%w: listen and target must differ", errors.ErrInvalidConfig),
			"Config", "Validate", "check addresses")
	}
	if c.ReadBufferSize < 0 || c.DialTimeout < 0 || c.HandshakeTimeout < 0 || c.DialAttempts < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: sizes and timeouts must not be negative", errors.ErrInvalidConfig),
			"Config", "Validate", "check limits")
	}
	return nil
}

func (c Config) dialPolicy() retry.Policy {
	p := retry.Default()
	p.Attempts = c.DialAttempts
	p.Max = 2 * time.Second
	return p
}

// network picks the unix or tcp network for an address.
func network(address string) string {
	if strings.Contains(address, "/") {
		return "unix"
	}
	return "tcp"
}

// Listen listens on a tcp address or unix socket path.
func Listen(ctx context.Context, address string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network(address), address)
	if err != nil {
		return nil, errors.WrapTransient(err, "Proxy", "Listen", "listen on "+address)
	}
	return ln, nil
}

// Dial connects to a tcp address or unix socket path.
func Dial(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network(address), address)
	if err != nil {
		return nil, errors.WrapTransient(err, "Proxy", "Dial", "dial "+address)
	}
	return conn, nil
}
