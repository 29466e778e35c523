package natsclient

import (
	"log/slog"
	"time"

	"github.com/msakrejda/cartographer/pkg/retry"
)

type options struct {
	logger         *slog.Logger
	name           string
	token          string
	maxReconnects  int
	reconnectWait  time.Duration
	pingInterval   time.Duration
	timeout        time.Duration
	drainTimeout   time.Duration
	handlerTimeout time.Duration
	connectRetry   retry.Policy
}

func defaultOptions() options {
	connect := retry.Default()
	connect.Max = 2 * time.Second
	return options{
		logger:         slog.Default(),
		maxReconnects:  -1,
		reconnectWait:  2 * time.Second,
		pingInterval:   30 * time.Second,
		timeout:        5 * time.Second,
		drainTimeout:   10 * time.Second,
		handlerTimeout: 30 * time.Second,
		connectRetry:   connect,
	}
}

// ClientOption configures a Client.
type ClientOption func(*options)

func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithName sets the connection name shown by the server's monitoring.
func WithName(name string) ClientOption {
	return func(o *options) { o.name = name }
}

func WithToken(token string) ClientOption {
	return func(o *options) { o.token = token }
}

// WithMaxReconnects caps reconnects after a connection is lost. -1 retries
// forever.
func WithMaxReconnects(n int) ClientOption {
	return func(o *options) { o.maxReconnects = n }
}

func WithReconnectWait(d time.Duration) ClientOption {
	return func(o *options) { o.reconnectWait = d }
}

func WithPingInterval(d time.Duration) ClientOption {
	return func(o *options) { o.pingInterval = d }
}

// WithTimeout bounds each dial attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.timeout = d }
}

func WithDrainTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.drainTimeout = d }
}

// WithHandlerTimeout bounds the context handed to subscription handlers.
func WithHandlerTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.handlerTimeout = d }
}

// WithConnectAttempts sets how many times Connect dials before giving up.
func WithConnectAttempts(n int) ClientOption {
	return func(o *options) { o.connectRetry.Attempts = n }
}
