// Package websocket provides the websocket client transport that streams
// results from a relay.
package websocket

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/intake"
	"github.com/msakrejda/cartographer/metric"
)

const transportName = "websocket"

// Client is a websocket intake transport. It dials the relay, delivers
// every text or binary frame as one payload and reconnects with
// exponential backoff when the connection drops.
type Client struct {
	intake.Handlers

	config  Config
	header  http.Header
	logger  *slog.Logger
	metrics *metric.Metrics

	connMu sync.Mutex
	conn   *websocket.Conn

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	connections       atomic.Int64
	reconnectAttempts atomic.Int64
	// set when a close has been reported for the current connection
	closeReported atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHeader sets extra handshake headers.
func WithHeader(header http.Header) Option {
	return func(c *Client) { c.header = header }
}

// WithCoreMetrics records upstream status and reconnects in the shared
// process metrics.
func WithCoreMetrics(m *metric.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient validates config and creates a stopped client.
func NewClient(config Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := &Client{config: config, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With("component", "intake-websocket", "url", config.URL)
	return c, nil
}

// Start begins connecting in the background. Connection failures are
// reported through OnClose, not returned.
func (c *Client) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Client", "Start", "check started state")
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true
	c.closeReported.Store(false)

	c.wg.Add(1)
	go c.connectLoop(clientCtx)
	return nil
}

// Stop closes the connection and waits for the read goroutine.
func (c *Client) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false
	c.cancel()

	c.connMu.Lock()
	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stopping")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	}
	c.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"Client", "Stop", "wait for goroutines")
	}
}

// Connections returns how many times the client connected.
func (c *Client) Connections() int64 {
	return c.connections.Load()
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOffContext {
	r := c.config.Reconnect
	if r == nil || !r.Enabled {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.InitialInterval
	exp.MaxInterval = r.MaxInterval
	exp.Multiplier = r.Multiplier
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if r.MaxRetries > 0 {
		b = backoff.WithMaxRetries(exp, uint64(r.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// connectLoop dials, reads until the connection drops and redials until the
// backoff policy gives up or the context ends.
func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	policy := c.newBackOff(ctx)

	for {
		conn, _, err := dialer.DialContext(ctx, c.config.URL, c.header)
		if err != nil {
			if ctx.Err() != nil {
				c.reportClose("stopped")
				return
			}
			c.logger.Warn("connect failed", "error", err)
			c.recordError()
			if !c.wait(ctx, policy) {
				c.reportClose(fmt.Sprintf("connect failed: %v", err))
				return
			}
			continue
		}

		policy.Reset()
		c.setConn(ctx, conn)
		c.connections.Add(1)
		c.closeReported.Store(false)
		c.recordStatus(true)
		c.logger.Info("connected")
		c.EmitOpen()

		reason := c.readLoop(conn)

		c.setConn(ctx, nil)
		_ = conn.Close()
		c.recordStatus(false)

		if ctx.Err() != nil {
			c.reportClose("stopped")
			return
		}
		c.logger.Info("disconnected", "reason", reason)
		c.reportClose(reason)

		if !c.wait(ctx, policy) {
			return
		}
	}
}

// wait sleeps for the next backoff interval. It returns false when the
// policy is exhausted or ctx ends.
func (c *Client) wait(ctx context.Context, policy backoff.BackOff) bool {
	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		return false
	}

	attempt := c.reconnectAttempts.Add(1)
	if c.metrics != nil {
		c.metrics.RecordUpstreamReconnect(transportName)
	}
	c.logger.Debug("reconnecting", "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// readLoop delivers frames until the connection fails and returns the
// reason it stopped.
func (c *Client) readLoop(conn *websocket.Conn) string {
	if c.config.ReadLimit > 0 {
		conn.SetReadLimit(c.config.ReadLimit)
	}
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return closeReason(err)
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		c.EmitMessage(payload)
	}
}

func closeReason(err error) string {
	var closeErr *websocket.CloseError
	if stderrors.As(err, &closeErr) {
		if closeErr.Text != "" {
			return fmt.Sprintf("closed by server (%d): %s", closeErr.Code, closeErr.Text)
		}
		return fmt.Sprintf("closed by server (%d)", closeErr.Code)
	}
	return err.Error()
}

func (c *Client) reportClose(reason string) {
	if c.closeReported.CompareAndSwap(false, true) {
		c.EmitClose(reason)
	}
}

// setConn publishes the live connection for Stop. A connection that
// arrives after Stop already ran is closed straight away.
func (c *Client) setConn(ctx context.Context, conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if conn != nil && ctx.Err() != nil {
		_ = conn.Close()
	}
	c.conn = conn
}

func (c *Client) recordStatus(connected bool) {
	if c.metrics != nil {
		c.metrics.RecordUpstreamStatus(transportName, connected)
	}
}

func (c *Client) recordError() {
	if c.metrics != nil {
		c.metrics.RecordError("intake-websocket", errors.Transient.String())
	}
}
