// Package relay fans captured results out to websocket viewers.
//
// A Hub is a capture.Sink: every message the proxy publishes is encoded once
// and queued on each connected client. Each client has its own bounded
// queue, so a slow viewer loses its oldest messages instead of stalling the
// proxy.
package relay

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/metric"
	"github.com/msakrejda/cartographer/pkg/buffer"
	"github.com/msakrejda/cartographer/result"
)

// Hub accepts viewer connections and broadcasts results to them.
type Hub struct {
	config   Config
	logger   *slog.Logger
	clock    clockwork.Clock
	upgrader websocket.Upgrader
	metrics  *hubMetrics

	clientsMu sync.RWMutex
	clients   map[string]*client

	broadcasts atomic.Int64

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	server    *http.Server
	listener  net.Listener
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

type client struct {
	id          string
	conn        *websocket.Conn
	remote      string
	connectedAt time.Time
	queue       *buffer.Ring[[]byte]
	dropped     atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
}

// ClientInfo describes a connected viewer in the status report.
type ClientInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	Queued      int       `json:"queued"`
	Dropped     int64     `json:"dropped"`
}

// Status is the JSON document served at the root path.
type Status struct {
	Running    bool         `json:"running"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	Broadcasts int64        `json:"broadcasts"`
	Clients    []ClientInfo `json:"clients"`
}

// Option configures a Hub.
type Option func(*Hub) error

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) error {
		if logger != nil {
			h.logger = logger
		}
		return nil
	}
}

// WithClock sets the clock driving client pings.
func WithClock(clock clockwork.Clock) Option {
	return func(h *Hub) error {
		if clock != nil {
			h.clock = clock
		}
		return nil
	}
}

// WithMetrics registers the relay metrics.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(h *Hub) error {
		if registry == nil {
			return nil
		}
		m, err := newHubMetrics(registry)
		if err != nil {
			return err
		}
		h.metrics = m
		return nil
	}
}

// NewHub validates config and creates a stopped hub.
func NewHub(config Config, opts ...Option) (*Hub, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	h := &Hub{
		config:  config,
		logger:  slog.Default(),
		clock:   clockwork.NewRealClock(),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// viewers are local tools served from arbitrary origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(h); err != nil {
			return nil, errors.Wrap(err, "Hub", "NewHub", "apply option")
		}
	}
	h.logger = h.logger.With("component", "relay")
	return h, nil
}

// Handler returns the HTTP handler serving the websocket endpoint and the
// status document.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(h.config.Path, h.handleWebSocket)
	mux.HandleFunc("/", h.handleStatus)
	return mux
}

// Start binds the listener and serves in the background.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Hub", "Start", "check running state")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", h.config.Listen)
	if err != nil {
		return errors.WrapTransient(err, "Hub", "Start", "listen on "+h.config.Listen)
	}

	h.listener = ln
	h.server = &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.shutdown = make(chan struct{})
	h.running = true
	h.startedAt = h.clock.Now()

	h.wg.Add(2)
	go h.serve(h.server, ln)
	go h.maintainClients(ctx, h.shutdown)

	h.logger.Info("relay listening", "addr", ln.Addr().String(), "path", h.config.Path)
	return nil
}

func (h *Hub) serve(server *http.Server, ln net.Listener) {
	defer h.wg.Done()
	if err := server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		h.logger.Error("relay server failed", "error", err)
	}
}

// Addr returns the bound address, or nil before Start.
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop shuts the server down and disconnects every client.
func (h *Hub) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	close(h.shutdown)
	server := h.server
	h.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, errors.WrapTransient(err, "Hub", "Stop", "shutdown http server"))
	}

	for _, c := range h.snapshot() {
		h.removeClient(c, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout), "Hub", "Stop", "wait for clients"))
	}
	return stderrors.Join(errs...)
}

// Publish encodes msg and broadcasts it to every client.
func (h *Hub) Publish(_ context.Context, msg *result.Message) error {
	data, err := result.Encode(msg)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// Broadcast queues data on every connected client.
func (h *Hub) Broadcast(data []byte) {
	h.broadcasts.Add(1)
	h.metrics.broadcast()

	for _, c := range h.snapshot() {
		if err := c.queue.Write(data); err != nil {
			h.removeClient(c, "queue closed")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Status reports the hub state.
func (h *Hub) Status() Status {
	h.mu.Lock()
	st := Status{Running: h.running, StartedAt: h.startedAt, Broadcasts: h.broadcasts.Load()}
	h.mu.Unlock()

	st.Clients = []ClientInfo{}
	for _, c := range h.snapshot() {
		st.Clients = append(st.Clients, ClientInfo{
			ID:          c.id,
			Remote:      c.remote,
			ConnectedAt: c.connectedAt,
			Queued:      c.queue.Size(),
			Dropped:     c.dropped.Load(),
		})
	}
	sort.Slice(st.Clients, func(i, j int) bool {
		return st.Clients[i].ConnectedAt.Before(st.Clients[j].ConnectedAt)
	})
	return st
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data, err := json.Marshal(h.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.metrics.upgradeFailed()
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		remote:      r.RemoteAddr,
		connectedAt: h.clock.Now(),
	}
	c.queue, err = buffer.NewRing[[]byte](h.config.ClientBuffer,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
		buffer.WithDropCallback[[]byte](func([]byte) {
			c.dropped.Add(1)
			h.metrics.drop()
		}),
	)
	if err != nil {
		_ = conn.Close()
		return
	}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.wg.Add(2)
	h.clientsMu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.mu.Unlock()
	h.metrics.clientCount(count)

	h.logger.Info("viewer connected", "client", c.id, "remote", c.remote)

	go h.writeLoop(c)
	go h.readLoop(c)
}

// writeLoop drains the client queue onto the connection.
func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	for {
		data, err := c.queue.ReadContext(context.Background())
		if err != nil {
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.removeClient(c, "write failed")
			return
		}
	}
}

// readLoop consumes control frames; viewers send nothing else.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()

	_ = c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.removeClient(c, "disconnected")
			return
		}
	}
}

func (h *Hub) maintainClients(ctx context.Context, shutdown <-chan struct{}) {
	defer h.wg.Done()

	ticker := h.clock.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-ticker.Chan():
			h.pingClients()
		}
	}
}

func (h *Hub) pingClients() {
	deadline := time.Now().Add(h.config.WriteTimeout)
	for _, c := range h.snapshot() {
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.removeClient(c, "ping failed")
		}
	}
}

func (h *Hub) snapshot() []*client {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if !c.closed.Load() {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) removeClient(c *client, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		h.clientsMu.Lock()
		delete(h.clients, c.id)
		count := len(h.clients)
		h.clientsMu.Unlock()

		_ = c.queue.Close()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
			time.Now().Add(time.Second))
		_ = c.conn.Close()

		h.metrics.clientCount(count)
		h.logger.Info("viewer disconnected", "client", c.id, "reason", reason, "dropped", c.dropped.Load())
	})
}

type hubMetrics struct {
	clients    prometheus.Gauge
	broadcasts prometheus.Counter
	dropped    prometheus.Counter
	upgrades   prometheus.Counter
}

func newHubMetrics(registry metric.MetricsRegistrar) (*hubMetrics, error) {
	m := &hubMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "relay",
			Name:      "clients",
			Help:      "Connected viewer clients",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "relay",
			Name:      "broadcasts_total",
			Help:      "Messages broadcast to viewers",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Messages dropped from full client queues",
		}),
		upgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "relay",
			Name:      "upgrade_failures_total",
			Help:      "Failed websocket upgrades",
		}),
	}

	if err := registry.RegisterGauge("relay", "clients", m.clients); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("relay", "broadcasts_total", m.broadcasts); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("relay", "dropped_total", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("relay", "upgrade_failures_total", m.upgrades); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *hubMetrics) clientCount(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}

func (m *hubMetrics) broadcast() {
	if m != nil {
		m.broadcasts.Inc()
	}
}

func (m *hubMetrics) drop() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *hubMetrics) upgradeFailed() {
	if m != nil {
		m.upgrades.Inc()
	}
}
