package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/registry"
)

const (
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultMaxMessageBytes      = 1 << 20
	DefaultMaxMessagesPerSecond = 50
)

var errNoRelay = errors.New("signaling: relay not configured")

// Config wires together the runtime dependencies of the WebSocket surface.
type Config struct {
	Relay *Relay

	// WebSocket keepalive. A zero IdleTimeout disables the read deadline and
	// a zero PingInterval disables server pings.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// Inbound hardening. MaxMessagesPerSecond <= 0 disables rate limiting.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// OutboxBytes bounds each client's queue of pending outbound frames.
	OutboxBytes int

	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool

	Metrics *metrics.Metrics
	Monitor *metrics.Monitor
	Logger  *slog.Logger
}

// Server implements the relay's client surface.
//
// Endpoints:
//   - GET /ws     : WebSocket signaling
//   - GET /signal : same handler, kept for clients built against the older route
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	conns  map[*wsConn]struct{}
	wg     sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*wsConn]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /signal", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ActiveConnections reports the number of open client sockets.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Relay == nil {
		http.Error(w, errNoRelay.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := registry.NewClientID()
	c := &wsConn{
		relay:           s.cfg.Relay,
		conn:            conn,
		id:              id,
		outbox:          registry.NewOutbox(s.cfg.OutboxBytes),
		limiter:         ratelimit.PerSecond(ratelimit.RealClock{}, s.cfg.MaxMessagesPerSecond),
		idleTimeout:     s.cfg.IdleTimeout,
		pingInterval:    s.cfg.PingInterval,
		maxMessageBytes: s.cfg.MaxMessageBytes,
		metrics:         s.cfg.Metrics,
		monitor:         s.cfg.Monitor,
		log:             s.log.With("client_id", id),
		onClose:         s.untrack,
	}

	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer s.wg.Done()
	c.run(s.ctx)
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close sends a going-away close to every client, tears the connections
// down and waits for their pumps to exit.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.teardown()
	}
	s.wg.Wait()
}
