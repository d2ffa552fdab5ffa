// Package status serves a local view of the agent: a JSON snapshot at
// /status and a websocket at /ws that streams every loop event.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mmmagent/agent"
	"mmmagent/clock"
	"mmmagent/hardware"
	"mmmagent/logger"
	"mmmagent/miner"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Only local tooling connects; the listener is bound by the operator.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the envelope of every websocket frame.
type Message struct {
	Type string `json:"type"` // "snapshot" or "event"
	Data any    `json:"data"`
}

// DeviceStatus is the live view of one GPU. Values are the running averages
// of the current interval.
type DeviceStatus struct {
	Index     int    `json:"index"`
	Model     string `json:"model"`
	UUID      string `json:"uuid"`
	HashRate  int64  `json:"hash_rate"`
	PowerDraw int64  `json:"power_draw"`
}

// Snapshot is the body of GET /status.
type Snapshot struct {
	Hostname  string           `json:"hostname"`
	StartedAt time.Time        `json:"started_at"`
	Uptime    float64          `json:"uptime_seconds"`
	Cycles    int64            `json:"cycles"`
	Failures  int64            `json:"failures"`
	Operation *miner.Operation `json:"operation,omitempty"`
	Devices   []DeviceStatus   `json:"devices"`
	LastEvent *agent.Event     `json:"last_event,omitempty"`
	Clients   int              `json:"clients"`
}

// Options configures a Hub.
type Options struct {
	Hostname  string
	GPUs      []*hardware.GPU
	Operation func() *miner.Operation // current mining operation, may be nil
	Clock     clock.Clock
	Logger    *slog.Logger
}

type client struct {
	conn       *websocket.Conn
	registered chan struct{} // closed once Run has added the client
	mu         sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks agent events and fans them out to websocket clients.
// It implements agent.Observer.
type Hub struct {
	hostname  string
	gpus      []*hardware.GPU
	operation func() *miner.Operation
	clock     clock.Clock
	logger    *slog.Logger
	startedAt time.Time

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu       sync.RWMutex
	clients  map[*client]bool
	cycles   int64
	failures int64
	last     *agent.Event
}

// NewHub creates a Hub. Call Run to start delivering events.
func NewHub(opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Hub{
		hostname:   opts.Hostname,
		gpus:       opts.GPUs,
		operation:  opts.Operation,
		clock:      opts.Clock,
		logger:     opts.Logger,
		startedAt:  opts.Clock.Now(),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Run delivers broadcasts until ctx is cancelled, then closes all clients.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			close(c.registered)
			h.logger.Debug("status client connected", "remote", c.conn.RemoteAddr().String())

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				c.conn.Close()
			}
			h.mu.Unlock()
			h.logger.Debug("status client disconnected", "remote", c.conn.RemoteAddr().String())

		case message := <-h.broadcast:
			// Writes happen outside the lock so Observe and Snapshot never
			// wait on a slow client.
			h.mu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()

			var failed []*client
			for _, c := range targets {
				if err := c.write(message); err != nil {
					h.logger.Debug("status write failed", "error", err)
					failed = append(failed, c)
				}
			}
			if len(failed) > 0 {
				h.mu.Lock()
				for _, c := range failed {
					delete(h.clients, c)
					c.conn.Close()
				}
				h.mu.Unlock()
			}
		}
	}
}

// Observe records e and queues it for connected clients. Events are dropped
// when clients fall too far behind.
func (h *Hub) Observe(e agent.Event) {
	h.mu.Lock()
	if e.Phase == agent.PhaseCycle {
		h.cycles++
	}
	if e.Error != "" {
		h.failures++
	}
	event := e
	h.last = &event
	h.mu.Unlock()

	data, err := json.Marshal(Message{Type: "event", Data: e})
	if err != nil {
		h.logger.Warn("failed to encode status event", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Debug("status event dropped")
	}
}

// Snapshot returns the current status.
func (h *Hub) Snapshot() Snapshot {
	h.mu.RLock()
	s := Snapshot{
		Hostname:  h.hostname,
		StartedAt: h.startedAt,
		Uptime:    h.clock.Now().Sub(h.startedAt).Seconds(),
		Cycles:    h.cycles,
		Failures:  h.failures,
		Clients:   len(h.clients),
	}
	if h.last != nil {
		last := *h.last
		s.LastEvent = &last
	}
	h.mu.RUnlock()

	if h.operation != nil {
		s.Operation = h.operation()
	}
	s.Devices = make([]DeviceStatus, 0, len(h.gpus))
	for _, g := range h.gpus {
		s.Devices = append(s.Devices, DeviceStatus{
			Index:     g.Index,
			Model:     g.Model,
			UUID:      g.UUID,
			HashRate:  g.AverageHashRate(),
			PowerDraw: g.AveragePowerDraw(),
		})
	}
	return s
}

// Handler routes /status and /ws.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/ws", h.HandleWebSocket)
	return mux
}

// HandleStatus writes the snapshot as JSON.
func (h *Hub) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Snapshot()); err != nil {
		h.logger.Debug("failed to write status", "error", err)
	}
}

// HandleWebSocket upgrades the connection, sends a snapshot and then
// streams events until the client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, registered: make(chan struct{})}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}
	select {
	case <-c.registered:
	case <-h.done:
		conn.Close()
		return
	}

	data, err := json.Marshal(Message{Type: "snapshot", Data: h.Snapshot()})
	if err == nil {
		err = c.write(data)
	}
	if err != nil {
		h.drop(c)
		return
	}

	go h.readLoop(c)
}

// readLoop discards client frames and unregisters on close.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("status client read error", "error", err)
			}
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		c.conn.Close()
	}
}

// Serve listens on addr until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	h.logger.Info("status endpoint listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
