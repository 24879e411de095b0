// Package remote exposes taskpilot's remote-control surface: an
// authenticated WebSocket event feed with per-connection subscription
// filters, plus a small read-only REST API on the same listener.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskpilot/internal/otel"
	"github.com/basket/taskpilot/internal/persistence"
)

const closeReasonShutdown = "server shutting down"

// ServerConfig holds the server's dependencies.
type ServerConfig struct {
	// APIKeys is the raw comma-separated credential source. A blank
	// value leaves the whole remote surface disabled.
	APIKeys  string
	BindAddr string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	Store   *persistence.Store
	Logger  *slog.Logger
	Metrics *otel.Metrics

	AgentEvents   EventSource
	WatcherEvents EventSource

	// ConfigFingerprint is the active config hash surfaced on /api/status.
	ConfigFingerprint string

	Debug bool
}

// StartState discriminates the outcome of Start.
type StartState int

const (
	StateDisabled StartState = iota
	StateEnabled
	StateFailed
)

// StartResult is the structured outcome of Start. Start never panics
// and never returns an error directly; failures are carried here so the
// host process can continue with the feature unavailable.
type StartResult struct {
	State  StartState
	Addr   string // set when State == StateEnabled
	Reason string // set when State == StateDisabled
	Err    error  // set when State == StateFailed
}

// ShutdownStats is captured before any teardown step runs.
type ShutdownStats struct {
	Uptime        time.Duration
	Connections   int
	BridgedEvents int64
}

// ShutdownResult aggregates the teardown outcome.
type ShutdownResult struct {
	Stats ShutdownStats
	Errs  []error
}

// Clean reports whether every teardown step succeeded.
func (r ShutdownResult) Clean() bool { return len(r.Errs) == 0 }

// Server owns the remote-control listener, the connection registry, and
// the event bridge.
type Server struct {
	cfg ServerConfig

	keyring     *Keyring
	registry    *Registry
	broadcaster *Broadcaster
	bridge      *Bridge

	mu        sync.Mutex
	running   bool
	addr      string
	startedAt time.Time
	listener  net.Listener
	httpSrv   *http.Server
}

// NewServer wires up an unstarted Server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, cfg.Logger, cfg.Metrics)
	return &Server{
		cfg:         cfg,
		keyring:     NewKeyring(),
		registry:    registry,
		broadcaster: broadcaster,
		bridge:      NewBridge(broadcaster, cfg.Store, cfg.Logger, cfg.Metrics),
	}
}

// Broadcaster exposes the fan-out engine for callers outside the bridge
// path.
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// Registry exposes the connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// Bridge exposes the event bridge.
func (s *Server) Bridge() *Bridge { return s.bridge }

// Start brings the remote surface up. The feature is optional: with no
// API keys configured it is skipped, not failed. Re-entrant calls while
// running return the existing address. Any failure mid-startup tears
// down whatever was partially created and comes back as a structured
// failure, never a panic.
func (s *Server) Start(ctx context.Context) (res StartResult) {
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Logger.Error("remote start panicked", "panic", r)
			res = StartResult{State: StateFailed, Err: fmt.Errorf("remote start panicked: %v", r)}
		}
	}()

	if strings.TrimSpace(s.cfg.APIKeys) == "" {
		s.cfg.Logger.Info("remote access disabled: no API keys configured")
		return StartResult{State: StateDisabled, Reason: "no API keys configured"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return StartResult{State: StateEnabled, Addr: s.addr}
	}

	if err := s.keyring.LoadKeys(s.cfg.APIKeys); err != nil {
		return StartResult{State: StateFailed, Err: fmt.Errorf("load API keys: %w", err)}
	}

	bindAddr := s.cfg.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1:8317"
	}
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return StartResult{State: StateFailed, Err: fmt.Errorf("listen on %s: %w", bindAddr, err)}
	}

	srv := &http.Server{Handler: s.Handler()}
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.cfg.Logger.Error("remote listener stopped", "error", serveErr)
		}
	}()

	s.bridge.Initialize(s.cfg.AgentEvents, s.cfg.WatcherEvents, s.cfg.Debug)

	s.listener = ln
	s.httpSrv = srv
	s.addr = ln.Addr().String()
	s.startedAt = time.Now()
	s.running = true
	s.cfg.Logger.Info("remote access enabled", "addr", s.addr, "keys", s.keyring.KeyCount())
	return StartResult{State: StateEnabled, Addr: s.addr}
}

// Shutdown tears the remote surface down. Stats are captured before any
// destructive step, and each of {close connections, shut down bridge,
// stop listener} runs isolated so one failure cannot skip the others.
// Shutting down a server that never started is a no-op.
func (s *Server) Shutdown(ctx context.Context) ShutdownResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ShutdownResult{}
	}

	result := ShutdownResult{
		Stats: ShutdownStats{
			Uptime:        time.Since(s.startedAt),
			Connections:   s.registry.Count(),
			BridgedEvents: s.bridge.EventCount(),
		},
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"close connections", func() error {
			s.registry.CloseAll(closeReasonShutdown)
			return nil
		}},
		{"shutdown event bridge", func() error {
			s.bridge.Shutdown()
			return nil
		}},
		{"stop listener", func() error {
			return s.httpSrv.Shutdown(ctx)
		}},
	}
	for _, step := range steps {
		if err := runIsolated(step.name, step.run); err != nil {
			s.cfg.Logger.Warn("remote shutdown step failed", "step", step.name, "error", err)
			result.Errs = append(result.Errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	s.running = false
	s.addr = ""
	s.listener = nil
	s.httpSrv = nil
	s.cfg.Logger.Info("remote access stopped",
		"uptime", result.Stats.Uptime,
		"connections", result.Stats.Connections,
		"bridged_events", result.Stats.BridgedEvents,
	)
	return result
}

func runIsolated(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn()
}

// Handler returns the HTTP mux for the remote surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/api/status", s.keyring.Middleware(http.HandlerFunc(s.handleAPIStatus)))
	mux.Handle("/api/tasks", s.keyring.Middleware(http.HandlerFunc(s.handleAPITasks)))
	mux.Handle("/api/tasks/", s.keyring.Middleware(http.HandlerFunc(s.handleAPITaskByID)))
	mux.Handle("/api/projects", s.keyring.Middleware(http.HandlerFunc(s.handleAPIProjects)))
	return mux
}

// handleWS authenticates, upgrades, registers the connection, and runs
// the per-frame read loop. The upgrade is refused before any connection
// state exists when the credential is missing or invalid.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.keyring.Authenticate(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	transport := newWSTransport(wsConn)
	conn := s.registry.Register(transport)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.Add(r.Context(), 1)
	}
	s.cfg.Logger.Info("ws: client connected", "conn_id", conn.ID())
	defer func() {
		// The transport's own close/error signal is the single place a
		// connection is destroyed.
		s.registry.Unregister(conn.ID())
		transport.markClosed()
		_ = wsConn.Close(websocket.StatusNormalClosure, "bye")
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ActiveConnections.Add(context.Background(), -1)
		}
		s.cfg.Logger.Info("ws: client disconnected", "conn_id", conn.ID())
	}()

	for {
		msgType, data, err := wsConn.Read(r.Context())
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		reply := processFrame(conn, data)
		if s.cfg.Metrics != nil && reply.Type == TypeError {
			s.cfg.Metrics.FramesRejected.Add(r.Context(), 1)
		}
		s.broadcaster.SendTo(conn, reply)
	}
}

// wsTransport adapts a coder/websocket connection to the Transport
// interface. Writes are serialized by a mutex.
type wsTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Open() bool { return !t.closed.Load() }

func (t *wsTransport) Write(ctx context.Context, v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return wsjson.Write(ctx, t.conn, v)
}

func (t *wsTransport) Close(reason string) error {
	t.closed.Store(true)
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

func (t *wsTransport) markClosed() { t.closed.Store(true) }
