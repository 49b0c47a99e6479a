// Package client connects to a peerlink server, tracks the peer directory the
// server publishes and exchanges values with other peers through redirects or
// direct links.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/dispatch"
	"github.com/1ureka/peerlink/internal/metrics"
	"github.com/1ureka/peerlink/internal/p2p"
	"github.com/1ureka/peerlink/internal/peer"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

// endpoint is something the client can dial again after a disconnect.
type endpoint struct {
	host string
	port int
	dial func(ctx context.Context) (transport.Stream, error)
}

// Client is a peerlink client. Set the event fields before connecting.
type Client struct {
	// OnConnected fires when a stream is established, before any message is read.
	OnConnected func(conn *transport.Connection)
	// OnIdentified fires when the server has assigned this client an identity.
	OnIdentified func(self *peer.Peer)
	OnPeerJoined func(p *peer.Peer)
	OnPeerLeft   func(p *peer.Peer)
	// OnPeerMetadata receives the patch that was applied; an empty value is a
	// deleted key. p may be this client's own identity.
	OnPeerMetadata func(p *peer.Peer, patch map[string]string)
	OnDisconnected func(reason transport.DisconnectionReason, err error)
	// OnConnectionFailed fires for every failed dial, reconnect attempts included.
	OnConnectionFailed func(host string, port int, err error)
	// OnError receives per-message protocol errors; the connection stays open.
	OnError func(err error)
	// OnDirectLink and OnDirectClosed report direct peer links.
	OnDirectLink   func(p *peer.Peer, conn *transport.Connection)
	OnDirectClosed func(p *peer.Peer, reason transport.DisconnectionReason)

	cfg      *config.Config
	types    *protocol.Registry
	codec    *protocol.Codec
	log      util.Logger
	stats    *util.Stats
	metrics  *metrics.Collector
	handlers *dispatch.Registry
	dir      *peer.Directory
	p2p      *p2p.Manager

	mu         sync.RWMutex
	conn       *transport.Connection
	self       *peer.Peer
	identified chan struct{}
	last       *endpoint
	suppressed *transport.Connection // closed by Disconnect; no auto-reconnect

	resolveMu sync.Mutex
	resolved  map[string]string // host:port -> ip:port

	reconnecting atomic.Bool
	closed       atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a client. A nil cfg uses the defaults; a nil types holds only the
// built-in records.
func New(cfg *config.Config, types *protocol.Registry) *Client {
	if cfg == nil {
		cfg = config.Default()
	}
	if types == nil {
		types = protocol.NewRegistry()
	}
	util.SetLevel(cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		types:      types,
		codec:      cfg.Codec(types),
		log:        util.Logger{Enabled: cfg.Log.Enabled, Prefix: "client"},
		stats:      &util.Stats{},
		handlers:   dispatch.NewRegistry(nil),
		dir:        peer.NewDirectory(),
		identified: make(chan struct{}),
		resolved:   make(map[string]string),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.metrics = metrics.NewCollector("client", c.connectionCount, c.dir.Len)

	if cfg.P2P.Enabled {
		opts := transport.OptionsFromConfig(cfg, c.codec, c.log)
		opts.Stats = c.stats
		opts.Observer = c.metrics
		c.p2p = p2p.NewManager(p2p.Config{
			STUNServers: cfg.P2P.STUNServers,
			Options:     opts,
			Log:         c.log,
			SelfID:      c.selfID,
			OnOpen:      c.handleDirectOpen,
			OnMessage:   c.handleDirect,
			OnError: func(_ string, conn *transport.Connection, err error) {
				c.handleError(conn, err)
			},
			OnClose: c.handleDirectClose,
		}, c.sendSignal)
	}
	return c
}

// ---------------------------------------------------------------------------
// Connecting
// ---------------------------------------------------------------------------

// Connect dials host:port over TCP, bounded by the configured connection
// timeout. Resolved addresses are cached per host:port.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	ep := &endpoint{host: host, port: port}
	ep.dial = func(ctx context.Context) (transport.Stream, error) {
		addr, err := c.resolve(ctx, host, port)
		if err != nil {
			return nil, err
		}
		stream, err := transport.DialTCP(ctx, addr)
		if err != nil {
			c.forget(host, port)
			return nil, err
		}
		return stream, nil
	}
	return c.connect(ctx, ep)
}

// ConnectWebSocket dials a ws:// or wss:// URL.
func (c *Client) ConnectWebSocket(ctx context.Context, rawURL string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid websocket url %q: %w", rawURL, err)
	}
	port, _ := strconv.Atoi(u.Port())
	if port == 0 {
		port = 80
		if u.Scheme == "wss" {
			port = 443
		}
	}
	ep := &endpoint{
		host: u.Hostname(),
		port: port,
		dial: func(ctx context.Context) (transport.Stream, error) {
			return transport.DialWebSocket(ctx, rawURL)
		},
	}
	return c.connect(ctx, ep)
}

func (c *Client) connect(ctx context.Context, ep *endpoint) error {
	stream, err := c.dial(ctx, ep)
	if err != nil {
		return err
	}
	return c.attach(stream, ep)
}

func (c *Client) dial(ctx context.Context, ep *endpoint) (transport.Stream, error) {
	timeout := c.cfg.Client.ConnectionTimeout
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := ep.dial(dctx)
	if err == nil {
		return stream, nil
	}

	var ne net.Error
	timedOut := errors.Is(dctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout())
	if ctx.Err() == nil && timedOut {
		err = &ConnectionTimeoutError{Host: ep.host, Port: ep.port, Timeout: timeout}
	} else {
		err = fmt.Errorf("connect to %s: %w", util.JoinHostPort(ep.host, ep.port), err)
	}
	c.log.Warnf("%v", err)
	if c.OnConnectionFailed != nil {
		c.OnConnectionFailed(ep.host, ep.port, err)
	}
	return nil, err
}

// attach makes stream the current connection, replacing any previous one.
func (c *Client) attach(stream transport.Stream, ep *endpoint) error {
	opts := transport.OptionsFromConfig(c.cfg, c.codec, c.log)
	opts.Outbound = true
	opts.Stats = c.stats
	opts.Observer = c.metrics

	conn := transport.New(stream, opts, transport.Handlers{
		OnMessage: c.handleMessage,
		OnError:   c.handleError,
		OnClose:   c.handleClose,
	})

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.self = nil
	c.identified = make(chan struct{})
	c.last = ep
	c.suppressed = nil
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.dir.Clear()

	if c.OnConnected != nil {
		c.OnConnected(conn)
	}
	if err := conn.Start(); err != nil {
		return err
	}
	c.metrics.ConnectionOpened()
	c.log.Infof("connected to %s", stream.RemoteAddr())
	return nil
}

// resolve returns the cached ip:port for host:port, looking it up once.
func (c *Client) resolve(ctx context.Context, host string, port int) (string, error) {
	key := util.JoinHostPort(host, port)

	c.resolveMu.Lock()
	addr, ok := c.resolved[key]
	c.resolveMu.Unlock()
	if ok {
		return addr, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		addr = key
	} else {
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", host, err)
		}
		if len(ips) == 0 {
			return "", fmt.Errorf("resolve %s: no addresses", host)
		}
		chosen := ips[0].IP
		for _, candidate := range ips {
			if candidate.IP.To4() != nil {
				chosen = candidate.IP
				break
			}
		}
		addr = util.JoinHostPort(chosen.String(), port)
	}

	c.resolveMu.Lock()
	c.resolved[key] = addr
	c.resolveMu.Unlock()
	return addr, nil
}

// forget drops a cached address that failed to connect.
func (c *Client) forget(host string, port int) {
	c.resolveMu.Lock()
	delete(c.resolved, util.JoinHostPort(host, port))
	c.resolveMu.Unlock()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (c *Client) handleClose(conn *transport.Connection, reason transport.DisconnectionReason, err error) {
	c.metrics.ConnectionClosed(reason.String())

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.self = nil
	}
	suppressed := c.suppressed == conn
	if suppressed {
		c.suppressed = nil
	}
	ep := c.last
	c.mu.Unlock()

	// A replaced connection leaves no trace.
	if !current {
		return
	}
	c.dir.Clear()

	if err != nil {
		c.log.Infof("disconnected: %s (%v)", reason, err)
	} else {
		c.log.Infof("disconnected: %s", reason)
	}
	if c.OnDisconnected != nil {
		c.OnDisconnected(reason, err)
	}

	if suppressed || c.closed.Load() || !c.cfg.Client.AutoReconnect || ep == nil {
		return
	}
	go c.reconnect(ep)
}

// reconnect re-dials ep with exponential backoff until it succeeds, the client
// is closed or another connection has been made.
func (c *Client) reconnect(ep *endpoint) {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    c.cfg.Client.MaxReconnectInterval,
		Factor: 2,
		Jitter: true,
	}
	for {
		d := b.Duration()
		c.log.Infof("reconnecting to %s in %v", util.JoinHostPort(ep.host, ep.port), d)
		select {
		case <-time.After(d):
		case <-c.ctx.Done():
			return
		}
		if c.closed.Load() || c.IsConnected() {
			return
		}

		stream, err := c.dial(c.ctx, ep)
		if err != nil {
			continue
		}
		if err := c.attach(stream, ep); err != nil {
			c.log.Warnf("reconnect: %v", err)
			continue
		}
		return
	}
}

// Disconnect closes the current connection without triggering auto-reconnect.
// The suppression is tied to that connection, so a later unexpected
// disconnect still reconnects.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		c.suppressed = conn
	}
	c.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Close()
}

// Close disconnects, closes every direct link and stops reconnecting.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.Disconnect()
	if c.p2p != nil {
		c.p2p.Close()
	}
	return nil
}

// WaitIdentified blocks until the server has assigned an identity on the
// current connection.
func (c *Client) WaitIdentified(ctx context.Context) (*peer.Peer, error) {
	for {
		c.mu.RLock()
		conn, ch := c.conn, c.identified
		c.mu.RUnlock()
		if conn == nil {
			return nil, ErrNotConnected
		}

		select {
		case <-ch:
			if self := c.Identity(); self != nil {
				return self, nil
			}
			// The connection was replaced; wait on the new one.
		case <-conn.Done():
			return nil, ErrNotConnected
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Handlers is where application handlers are registered with dispatch.Handle.
func (c *Client) Handlers() *dispatch.Registry       { return c.handlers }
func (c *Client) Directory() *peer.Directory         { return c.dir }
func (c *Client) Metrics() *metrics.Collector        { return c.metrics }
func (c *Client) Types() *protocol.Registry          { return c.types }
func (c *Client) Stats() *util.Stats                 { return c.stats }
func (c *Client) Config() *config.Config             { return c.cfg }
func (c *Client) SetExecutor(exec dispatch.Executor) { c.handlers.SetExecutor(exec) }

// Connection returns the current server connection, or nil.
func (c *Client) Connection() *transport.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) IsConnected() bool { return c.Connection() != nil }

// Identity returns this client's identity, or nil before it is assigned.
func (c *Client) Identity() *peer.Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// Peers returns the other peers known to this client, ordered by id.
func (c *Client) Peers() []*peer.Peer { return c.dir.Snapshot() }

// Peer looks up another peer by id.
func (c *Client) Peer(id string) (*peer.Peer, bool) { return c.dir.Get(id) }

func (c *Client) selfID() string {
	if self := c.Identity(); self != nil {
		return self.ID()
	}
	return ""
}

func (c *Client) connectionCount() int {
	if c.IsConnected() {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send queues v for the server itself.
func (c *Client) Send(v any) error {
	conn := c.Connection()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(v)
}

// SendToPeer asks the server to forward v to peerID. Relaying through the
// server is part of the p2p layer and fails when it is disabled.
func (c *Client) SendToPeer(peerID string, v any) error {
	return c.redirect(peerID, v)
}

// SendBroadcast asks the server to forward v to every other peer.
func (c *Client) SendBroadcast(v any) error {
	return c.redirect(protocol.BroadcastRecipient, v)
}

func (c *Client) redirect(recipient string, v any) error {
	if !c.cfg.P2P.Enabled {
		return &PeerToPeerError{Reason: "p2p disabled"}
	}
	c.mu.RLock()
	conn, self := c.conn, c.self
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if self == nil {
		return &PeerToPeerError{Reason: "identity not negotiated"}
	}

	payload, err := c.codec.Marshal(v)
	if err != nil {
		return err
	}
	name, _ := c.types.NameOf(v)
	return conn.Send(&protocol.Redirect{
		Sender:    self.ID(),
		Recipient: recipient,
		Type:      name,
		Payload:   payload,
	})
}

// UpdateMetadata asks the server to patch this client's metadata. An empty
// value deletes a key. The change is applied locally once the server echoes it.
func (c *Client) UpdateMetadata(patch map[string]string) error {
	c.mu.RLock()
	conn, self := c.conn, c.self
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if self == nil {
		return &PeerToPeerError{Reason: "identity not negotiated"}
	}
	return conn.Send(&protocol.Identity{ID: self.ID(), Metadata: patch, Action: protocol.MetadataUpdate})
}
