package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/msakrejda/cartographer/capture"
	"github.com/msakrejda/cartographer/chart"
	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/intake/nats"
	"github.com/msakrejda/cartographer/intake/websocket"
	"github.com/msakrejda/cartographer/pkg/buffer"
	"github.com/msakrejda/cartographer/relay"
	"github.com/msakrejda/cartographer/rendererregistry"
	"github.com/msakrejda/cartographer/schema"
)

// Result sources for the viewer.
const (
	SourceWebSocket = "websocket"
	SourceNATS      = "nats"
)

// Publish targets for captured results.
const (
	PublishRelay = "relay"
	PublishNATS  = "nats"
	PublishLog   = "log"
)

// Config is the complete application configuration
type Config struct {
	Proxy   ProxyConfig   `json:"proxy" yaml:"proxy"`
	Relay   relay.Config  `json:"relay" yaml:"relay"`
	Viewer  ViewerConfig  `json:"viewer" yaml:"viewer"`
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Schema  SchemaConfig  `json:"schema" yaml:"schema"`
}

// ProxyConfig configures the capture proxy and where its results go.
type ProxyConfig struct {
	capture.Config `yaml:",inline"`

	// Publish lists the sinks: relay, nats and log.
	Publish []string `json:"publish" yaml:"publish"`
}

// ViewerConfig configures the result viewer.
type ViewerConfig struct {
	Source    string           `json:"source" yaml:"source"`
	WebSocket websocket.Config `json:"websocket" yaml:"websocket"`

	Renderers []string `json:"renderers" yaml:"renderers"`
	// Policy is "sticky" or "always_replace".
	Policy     string `json:"policy" yaml:"policy"`
	MaxHistory int    `json:"max_history" yaml:"max_history"`

	QueueSize int `json:"queue_size" yaml:"queue_size"`
	// Overflow is the loop queue policy: block, drop_oldest or drop_newest.
	Overflow string `json:"overflow" yaml:"overflow"`
	// ANSI clears the terminal between frames.
	ANSI bool `json:"ansi" yaml:"ansi"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls" yaml:"urls"`
	Subject       string        `json:"subject" yaml:"subject"`
	Name          string        `json:"name,omitempty" yaml:"name,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// SchemaConfig extends the column type table. Keys are wire type tokens,
// values are logical types: text, integer, float or date.
type SchemaConfig struct {
	Tokens map[string]string `json:"tokens,omitempty" yaml:"tokens,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Config:  capture.DefaultConfig(),
			Publish: []string{PublishRelay},
		},
		Relay: relay.DefaultConfig(),
		Viewer: ViewerConfig{
			Source:    SourceWebSocket,
			WebSocket: websocket.DefaultConfig(),
			Renderers: rendererregistry.Builtins(),
			Policy:    chart.Sticky.String(),
			QueueSize: 256,
			Overflow:  buffer.Block.String(),
			ANSI:      true,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Subject:       nats.DefaultSubject,
			Name:          "cartographer",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Proxy.Validate(); err != nil {
		return err
	}
	for _, target := range c.Proxy.Publish {
		switch target {
		case PublishRelay, PublishNATS, PublishLog:
		default:
			return invalid("proxy", fmt.Sprintf("unknown publish target %q", target))
		}
	}
	if err := c.Relay.Validate(); err != nil {
		return err
	}
	if err := c.Viewer.validate(); err != nil {
		return err
	}
	if c.usesNATS() {
		if len(c.NATS.URLs) == 0 {
			return invalid("nats", "at least one url is required")
		}
		if c.NATS.Subject == "" || strings.ContainsAny(c.NATS.Subject, " \t") {
			return invalid("nats", fmt.Sprintf("invalid subject %q", c.NATS.Subject))
		}
	}
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return invalid("metrics", fmt.Sprintf("invalid port %d", c.Metrics.Port))
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return invalid("metrics", fmt.Sprintf("path %q must start with /", c.Metrics.Path))
		}
	}
	for token, logical := range c.Schema.Tokens {
		if !schema.LogicalType(strings.ToLower(logical)).Valid() {
			return invalid("schema", fmt.Sprintf("token %q maps to unknown type %q", token, logical))
		}
	}
	return nil
}

func (v ViewerConfig) validate() error {
	switch v.Source {
	case SourceWebSocket:
		if err := v.WebSocket.Validate(); err != nil {
			return err
		}
	case SourceNATS:
	default:
		return invalid("viewer", fmt.Sprintf("unknown source %q", v.Source))
	}

	if len(v.Renderers) == 0 {
		return invalid("viewer", "at least one renderer is required")
	}
	builtins := rendererregistry.Builtins()
	for _, name := range v.Renderers {
		if !slices.Contains(builtins, name) {
			return invalid("viewer", fmt.Sprintf("unknown renderer %q", name))
		}
	}
	if _, ok := chart.ParseReplacePolicy(v.Policy); !ok {
		return invalid("viewer", fmt.Sprintf("unknown policy %q", v.Policy))
	}
	if _, ok := buffer.ParseOverflowPolicy(v.Overflow); !ok {
		return invalid("viewer", fmt.Sprintf("unknown overflow policy %q", v.Overflow))
	}
	if v.MaxHistory < 0 || v.QueueSize < 0 {
		return invalid("viewer", "max_history and queue_size must not be negative")
	}
	return nil
}

func (c *Config) usesNATS() bool {
	return c.Viewer.Source == SourceNATS || slices.Contains(c.Proxy.Publish, PublishNATS)
}

// ReplacePolicy returns the parsed viewer policy.
func (v ViewerConfig) ReplacePolicy() chart.ReplacePolicy {
	p, _ := chart.ParseReplacePolicy(v.Policy)
	return p
}

// OverflowPolicy returns the parsed loop queue policy.
func (v ViewerConfig) OverflowPolicy() buffer.OverflowPolicy {
	p, _ := buffer.ParseOverflowPolicy(v.Overflow)
	return p
}

// TypeTokens returns the column type table with the configured extras.
func (s SchemaConfig) TypeTokens() *schema.Tokens {
	return schema.NewTokens(s.Tokens)
}

// String returns the configuration as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

func invalid(section, detail string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s: %s", errors.ErrInvalidConfig, section, detail),
		"Config", "Validate", "check "+section)
}
