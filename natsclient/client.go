package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/pkg/retry"
)

// State is the connection state as last reported by nats.go.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrNotConnected is returned by calls that need a live connection.
var ErrNotConnected = fmt.Errorf("nats: %w", errors.ErrNoConnection)

// Client owns one NATS connection for publishing or consuming results.
type Client struct {
	url    string
	opts   options
	logger *slog.Logger

	mu       sync.Mutex
	conn     *nats.Conn
	subs     []*nats.Subscription
	state    State
	changed  chan struct{} // closed and replaced on every state change
	onHealth func(bool)
}

// NewClient returns a disconnected client for url, which may hold several
// comma-separated server URLs.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "check server url")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		url:     url,
		opts:    o,
		logger:  o.logger.With("component", "natsclient"),
		changed: make(chan struct{}),
	}, nil
}

// URL returns the configured server list.
func (c *Client) URL() string { return c.url }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsHealthy reports whether the client is connected.
func (c *Client) IsHealthy() bool {
	return c.State() == StateConnected
}

// OnHealthChange installs fn, replacing any previous callback. fn runs on
// its own goroutine each time the client gains or loses its connection.
func (c *Client) OnHealthChange(fn func(bool)) {
	c.mu.Lock()
	c.onHealth = fn
	c.mu.Unlock()
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	close(c.changed)
	c.changed = make(chan struct{})
	fn := c.onHealth
	c.mu.Unlock()

	if fn == nil {
		return
	}
	if healthy := next == StateConnected; healthy != (prev == StateConnected) {
		go fn(healthy)
	}
}

// WaitForConnection blocks until the client is connected or ctx is done.
func (c *Client) WaitForConnection(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()

		if state == StateConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(fmt.Errorf("%w: still %s", errors.ErrTimeout, state),
				"Client", "WaitForConnection", "wait for connection")
		case <-changed:
		}
	}
}

// Connect dials the servers, retrying up to the configured number of
// attempts. Once connected, nats.go handles reconnects on its own.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return errors.WrapFatal(errors.ErrAlreadyStopped, "Client", "Connect", "check state")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setState(StateConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	conn, err := retry.Run(ctx, c.opts.connectRetry, func() (*nats.Conn, error) {
		conn, err := nats.Connect(c.url, c.natsOptions()...)
		if err != nil {
			c.logger.Debug("NATS connect attempt failed", "error", err)
		}
		return conn, err
	})
	if err != nil {
		c.setState(StateDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "connect to "+c.url)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)
	c.logger.Info("Connected to NATS", "server", conn.ConnectedUrlRedacted())
	return nil
}

func (c *Client) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.opts.maxReconnects),
		nats.ReconnectWait(c.opts.reconnectWait),
		nats.PingInterval(c.opts.pingInterval),
		nats.Timeout(c.opts.timeout),
		nats.DrainTimeout(c.opts.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if c.State() == StateClosed {
				return
			}
			c.logger.Warn("Disconnected from NATS", "error", err)
			c.setState(StateReconnecting)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("Reconnected to NATS", "server", conn.ConnectedUrlRedacted())
			c.setState(StateConnected)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.setState(StateClosed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if c.opts.name != "" {
		opts = append(opts, nats.Name(c.opts.name))
	}
	if c.opts.token != "" {
		opts = append(opts, nats.Token(c.opts.token))
	}
	return opts
}

func (c *Client) liveConn() (*nats.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Publish sends data on subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// Flush round-trips to the server so earlier publishes and subscriptions
// are known to have been processed.
func (c *Client) Flush(ctx context.Context) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return errors.WrapTransient(err, "Client", "Flush", "flush")
	}
	return nil
}

// RTT measures the round trip to the connected server.
func (c *Client) RTT() (time.Duration, error) {
	conn, err := c.liveConn()
	if err != nil {
		return 0, err
	}
	return conn.RTT()
}

// Subscription is one subject subscription owned by a Client.
type Subscription struct {
	client *Client
	sub    *nats.Subscription
}

// Subject returns the subscribed subject.
func (s *Subscription) Subject() string { return s.sub.Subject }

// Unsubscribe stops delivery. Calling it after the client closed is a no-op.
func (s *Subscription) Unsubscribe() error {
	s.client.mu.Lock()
	s.client.subs = slices.DeleteFunc(s.client.subs, func(sub *nats.Subscription) bool { return sub == s.sub })
	s.client.mu.Unlock()

	err := s.sub.Unsubscribe()
	if err == nil || stderrors.Is(err, nats.ErrConnectionClosed) || stderrors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return errors.Wrap(err, "Subscription", "Unsubscribe", "unsubscribe "+s.sub.Subject)
}

// Subscribe delivers each payload on subject to handler. The handler context
// is derived from ctx and bounded by the configured handler timeout.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) (*Subscription, error) {
	conn, err := c.liveConn()
	if err != nil {
		return nil, err
	}

	timeout := c.opts.handlerTimeout
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		hctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		handler(hctx, msg.Data)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return &Subscription{client: c, sub: sub}, nil
}

// Close drains subscriptions and pending publishes, then closes the
// connection. The drain is bounded by ctx and the drain timeout. Close is
// idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conn, subs := c.conn, c.subs
	c.conn, c.subs = nil, nil
	alreadyClosed := c.state == StateClosed && conn == nil
	c.mu.Unlock()

	if alreadyClosed {
		return nil
	}
	if conn == nil {
		c.setState(StateClosed)
		return nil
	}

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe "+sub.Subject))
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.opts.drainTimeout)
	defer cancel()
	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	select {
	case err := <-drained:
		if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "drain"))
		}
	case <-drainCtx.Done():
		errs = append(errs, errors.WrapTransient(fmt.Errorf("%w: drain", errors.ErrTimeout), "Client", "Close", "drain"))
	}

	conn.Close()
	c.setState(StateClosed)
	return stderrors.Join(errs...)
}
