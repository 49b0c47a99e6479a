// Package server accepts peerlink connections over TCP and WebSocket, assigns
// each one an identity, keeps the peer directory in sync and routes redirect
// envelopes between peers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/dispatch"
	"github.com/1ureka/peerlink/internal/metrics"
	"github.com/1ureka/peerlink/internal/peer"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

var (
	// ErrUnknownTarget is returned by Send when no connection matches.
	ErrUnknownTarget = errors.New("unknown connection or peer")
	// ErrServerClosed is returned after Close.
	ErrServerClosed = errors.New("server closed")
)

// Server is a peerlink hub. Set the event fields before calling Listen.
type Server struct {
	// OnConnected fires after the identity handshake has been queued.
	OnConnected func(conn *transport.Connection, p *peer.Peer)
	// OnDisconnected fires once per connection after it left the directory.
	OnDisconnected func(conn *transport.Connection, p *peer.Peer, reason transport.DisconnectionReason)
	// OnError receives per-message protocol errors; the connection stays open.
	OnError func(conn *transport.Connection, err error)

	cfg      *config.Config
	types    *protocol.Registry
	codec    *protocol.Codec
	log      util.Logger
	stats    *util.Stats
	metrics  *metrics.Collector
	promReg  *prometheus.Registry
	handlers *dispatch.Registry
	dir      *peer.Directory
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	conns     map[string]*transport.Connection // by connection id
	byPeer    map[string]*transport.Connection // by peer id
	events    map[string]*notifier             // by peer id
	listeners []net.Listener
	https     []*http.Server

	joinMu sync.Mutex // orders directory changes with the events announcing them

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	reporterOnce sync.Once
}

// New creates a server. A nil cfg uses the defaults; a nil types holds only
// the built-in records.
func New(cfg *config.Config, types *protocol.Registry) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if types == nil {
		types = protocol.NewRegistry()
	}
	util.SetLevel(cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		types:    types,
		codec:    cfg.Codec(types),
		log:      util.Logger{Enabled: cfg.Log.Enabled, Prefix: "server"},
		stats:    &util.Stats{},
		handlers: dispatch.NewRegistry(nil),
		dir:      peer.NewDirectory(),
		conns:    make(map[string]*transport.Connection),
		byPeer:   make(map[string]*transport.Connection),
		events:   make(map[string]*notifier),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.DownloadBufferSize,
		WriteBufferSize: cfg.UploadBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	s.metrics = metrics.NewCollector("server", s.connectionCount, s.dir.Len)
	s.promReg = metrics.NewRegistry(s.metrics)
	return s
}

// ---------------------------------------------------------------------------
// Listening
// ---------------------------------------------------------------------------

// Listen binds a TCP listener on addr and accepts in the background until ctx
// is cancelled or Close is called.
func (s *Server) Listen(ctx context.Context, addr string) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if addr == "" {
		addr = s.cfg.Server.BindAddr
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.startReporter()
	s.log.Infof("[listen] tcp addr=%s", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-s.ctx.Done():
		}
	}()
	return nil
}

// acceptLoop keeps exactly one Accept in flight and re-arms it immediately.
func (s *Server) acceptLoop(ln net.Listener) {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if delay > time.Second {
					delay = time.Second
				}
				s.log.Warnf("accept error: %v; retrying in %v", err, delay)
				time.Sleep(delay)
				continue
			}
			s.log.Errorf("accept failed: %v", err)
			return
		}
		delay = 0
		s.Accept(transport.TCPStream(conn))
	}
}

// ServeHTTP upgrades the request to a WebSocket and accepts it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("websocket upgrade failed: %v", err)
		return
	}
	s.Accept(transport.WebSocketStream(ws))
}

// Handler serves the WebSocket endpoint, telemetry and a health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Server.WSPath, s)
	mux.Handle(s.cfg.Server.TelemetryPath, metrics.Handler(s.promReg, s.cfg.Server.TelemetryPath))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ListenWebSocket serves Handler on addr in the background.
func (s *Server) ListenWebSocket(ctx context.Context, addr string) (net.Addr, error) {
	if s.closed.Load() {
		return nil, ErrServerClosed
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.https = append(s.https, srv)
	s.mu.Unlock()

	s.startReporter()
	s.log.Infof("[listen] websocket addr=%s path=%s", ln.Addr(), s.cfg.Server.WSPath)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("websocket server: %v", err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			srv.Close()
		case <-s.ctx.Done():
		}
	}()
	return ln.Addr(), nil
}

// Addr returns the first TCP listener's address, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

func (s *Server) startReporter() {
	s.reporterOnce.Do(func() {
		s.stats.StartReporter(s.ctx, 10*time.Second, s.log)
	})
}

// Close stops listening and closes every connection. Each connection still
// reports its own disconnect.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	listeners := s.listeners
	https := s.https
	s.listeners, s.https = nil, nil
	s.mu.Unlock()

	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, srv := range https {
		if err := srv.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range s.Connections() {
		c.Close()
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Handlers is where application handlers are registered with dispatch.Handle.
func (s *Server) Handlers() *dispatch.Registry       { return s.handlers }
func (s *Server) Directory() *peer.Directory         { return s.dir }
func (s *Server) Metrics() *metrics.Collector        { return s.metrics }
func (s *Server) Registry() *prometheus.Registry     { return s.promReg }
func (s *Server) Types() *protocol.Registry          { return s.types }
func (s *Server) Stats() *util.Stats                 { return s.stats }
func (s *Server) Config() *config.Config             { return s.cfg }
func (s *Server) SetExecutor(exec dispatch.Executor) { s.handlers.SetExecutor(exec) }

// Connections returns the open connections.
func (s *Server) Connections() []*transport.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*transport.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) connectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// lookup resolves a connection id or a peer id.
func (s *Server) lookup(target string) (*transport.Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conns[target]; ok {
		return c, true
	}
	c, ok := s.byPeer[target]
	return c, ok
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send queues v on the connection identified by a connection id or a peer id.
func (s *Server) Send(target string, v any) error {
	c, ok := s.lookup(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return c.Send(v)
}

// SendBroadcast queues v on every identified connection except the listed
// peer ids and returns how many connections accepted it.
func (s *Server) SendBroadcast(v any, except ...string) int {
	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}

	s.mu.RLock()
	targets := make([]*transport.Connection, 0, len(s.byPeer))
	for id, c := range s.byPeer {
		if _, ok := skip[id]; !ok {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if err := c.Send(v); err != nil {
			s.log.Debugf("broadcast to %s: %v", c.PeerID(), err)
			continue
		}
		n++
	}
	return n
}

// SetMetadata patches a peer's metadata with server authority and broadcasts
// the change. Restricted keys are allowed.
func (s *Server) SetMetadata(peerID string, patch map[string]string) error {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	applied, ok := s.dir.Patch(peerID, patch, true)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, peerID)
	}
	if len(applied) > 0 {
		s.notify(&protocol.Identity{ID: peerID, Metadata: applied, Action: protocol.MetadataUpdate}, "")
	}
	return nil
}

// RestrictMetadata marks keys that clients may not change on themselves.
func (s *Server) RestrictMetadata(keys ...string) {
	s.dir.Restrict(keys...)
}
