// Package server implements the LTP node: the duplex listener, the
// per-connection state machine, admission control, the janitor, and the
// metrics surface.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ltp-dev/ltp/internal/auth"
	"github.com/ltp-dev/ltp/internal/limiter"
	"github.com/ltp-dev/ltp/internal/store"
	"github.com/ltp-dev/ltp/pkg/protocol"
	"github.com/ltp-dev/ltp/pkg/trace"
)

// Server is the LTP node. It owns the session store, the auth registry,
// the trace logger, and every per-connection task.
type Server struct {
	config    *Config
	store     *store.Store
	auth      *auth.Registry
	tracer    *trace.Logger
	metrics   *Metrics
	ipLimiter *limiter.IPTable
	upgrader  websocket.Upgrader
	log       *slog.Logger
	spans     oteltrace.Tracer

	httpServer    *http.Server
	metricsServer *MetricsServer
	janitor       *Janitor

	mu           sync.Mutex
	conns        map[*websocket.Conn]struct{}
	connCount    atomic.Int64
	shuttingDown atomic.Bool
}

// New wires a node together. The trace logger may be nil, which disables
// frame tracing (used by tests that only exercise the session plane).
func New(cfg *Config, st *store.Store, reg *auth.Registry, tl *trace.Logger, m *Metrics) *Server {
	logger := slog.Default().With("component", "server")

	s := &Server{
		config:    cfg,
		store:     st,
		auth:      reg,
		tracer:    tl,
		metrics:   m,
		ipLimiter: limiter.NewIPTable(cfg.IPRateLimitRPS, cfg.IPRateLimitBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: cfg.HandshakeTimeout,
			// LTP clients are machine peers, not browsers; Origin carries
			// no authority here. The api-key gate is the admission control.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:   logger,
		spans: otel.Tracer("ltp"),
		conns: make(map[*websocket.Conn]struct{}),
	}
	s.janitor = NewJanitor(st, s.ipLimiter, m, cfg, logger)
	s.metricsServer = NewMetricsServer(cfg.MetricsAddr, m, logger)
	return s
}

// Handler returns the duplex listener as an http.Handler, for tests and
// for mounting behind an external mux.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// IPLimiter exposes the peer-IP table (the janitor prunes it).
func (s *Server) IPLimiter() *limiter.IPTable { return s.ipLimiter }

// Janitor exposes the background sweeper.
func (s *Server) Janitor() *Janitor { return s.janitor }

// handleUpgrade is the admission gate plus WebSocket upgrade. Credential
// checks run before the upgrade so rejected clients get a structured HTTP
// error instead of a dead socket.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, protocol.ErrRateLimit, "node is shutting down")
		return
	}

	if int(s.connCount.Load()) >= s.config.MaxConnections {
		s.metrics.CapacityRejections.Inc()
		writeJSONError(w, http.StatusServiceUnavailable, protocol.ErrRateLimit, "connection capacity reached")
		return
	}

	credential := credentialFromRequest(r)
	identity, ok := s.auth.Validate(credential)
	if !ok {
		s.metrics.AuthFailures.Inc()
		writeJSONError(w, http.StatusUnauthorized, protocol.ErrUnauthorized, "invalid credential")
		return
	}

	ip := peerIP(r, s.config.TrustProxy, s.config.TrustProxySafelist)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "peer", ip)
		return
	}

	s.connCount.Add(1)
	s.metrics.ConnectionsCurrent.Inc()
	s.trackConn(conn, true)

	defer func() {
		s.trackConn(conn, false)
		s.connCount.Add(-1)
		s.metrics.ConnectionsCurrent.Dec()
		conn.Close()
	}()

	ctx, span := s.spans.Start(r.Context(), "ltp.connection")
	defer span.End()

	h := &connHandler{
		srv:      s,
		conn:     conn,
		ip:       ip,
		identity: identity,
		bucket:   limiter.NewBucket(s.config.RateLimitRPS, s.config.RateLimitBurst),
		log:      s.log.With("peer", ip),
		span:     span,
	}
	h.run(ctx)
}

func (s *Server) trackConn(conn *websocket.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// mintSessionID returns a 128-bit random hex id.
func mintSessionID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("server: mint session id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// credentialFromRequest extracts the presented key from X-Api-Key or an
// Authorization header with a Bearer or ApiKey scheme.
func credentialFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	authz := r.Header.Get("Authorization")
	for _, scheme := range []string{"Bearer ", "ApiKey "} {
		if len(authz) > len(scheme) && strings.EqualFold(authz[:len(scheme)], scheme) {
			return strings.TrimSpace(authz[len(scheme):])
		}
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, code protocol.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, err := protocol.EncodeOutbound(&protocol.ErrorFrame{Code: code, Message: message})
	if err != nil {
		return
	}
	w.Write(body)
	w.Write([]byte("\n"))
}

// Run starts the listener, the metrics server, and the janitor, then
// blocks until SIGINT/SIGTERM or a listener failure.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.config.Addr,
		Handler: s.Handler(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.janitor.Run(ctx)
	go s.auth.Run(ctx)
	go func() {
		if err := s.metricsServer.Run(); err != nil {
			s.log.Error("metrics server failed", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("node starting", "address", s.config.Addr, "node_id", s.config.NodeID)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-shutdown:
		s.log.Info("shutting down")
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops accepting, closes live connections so their handlers exit
// at the next read, winds down the HTTP and metrics servers, and flushes
// the trace log. The janitor and key reload loop stop when Run's context
// is cancelled, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)

	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.tracer != nil {
		if err := s.tracer.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.log.Info("shutdown complete")
	return firstErr
}

// traceFrame records one direction of a frame. Logging failures are
// warned and counted but never abort the connection.
func (s *Server) traceFrame(direction, sessionID string, raw []byte) {
	if s.tracer == nil {
		return
	}
	if err := s.tracer.Log(direction, sessionID, json.RawMessage(raw)); err != nil {
		s.log.Warn("trace write failed", "error", err)
		s.metrics.TraceWriteFailures.Inc()
		return
	}
	s.metrics.TraceEntries.Inc()
}
