// Package transport runs the per-connection protocol pipeline: a receive loop
// that decodes frames into values, a single-writer send loop, keepalive and an
// idempotent close that reports exactly one disconnect.
package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// Defaults used when the corresponding Options field is zero.
const (
	DefaultReadBufferSize      = 64 * 1024
	DefaultMaxBufferSize       = protocol.MaxFrameSize + protocol.HeaderSize
	DefaultSegmentSize         = 64 * 1024
	DefaultSendQueueSize       = 64
	DefaultMaxMissedKeepalives = 3
)

// State is the lifecycle position of a Connection.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Observer receives traffic notifications. Implementations must be safe for
// concurrent use.
type Observer interface {
	BytesSent(n int)
	BytesReceived(n int)
	MessageReceived(typeName string)
}

// Options tunes a Connection.
type Options struct {
	Codec *protocol.Codec

	ReadBufferSize int // bytes per stream read
	MaxBufferSize  int // cap on buffered, not yet decoded bytes
	SegmentSize    int // marshaled payloads above this are split
	SendQueueSize  int

	// KeepaliveInterval <= 0 disables the keepalive loop.
	KeepaliveInterval   time.Duration
	MaxMissedKeepalives int

	// Outbound connections start in StateConnecting until Start.
	Outbound bool

	Log        util.Logger
	LogSend    bool
	LogReceive bool
	Stats      *util.Stats
	Observer   Observer
}

func (o *Options) setDefaults() {
	if o.Codec == nil {
		o.Codec = protocol.NewCodec(nil, nil)
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.MaxBufferSize <= 0 {
		o.MaxBufferSize = DefaultMaxBufferSize
	}
	if o.SegmentSize <= 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.MaxMissedKeepalives <= 0 {
		o.MaxMissedKeepalives = DefaultMaxMissedKeepalives
	}
}

// Handlers are invoked from the connection's goroutines. OnMessage runs on the
// receive goroutine in decode order; a slow handler stalls that connection only.
type Handlers struct {
	OnMessage func(c *Connection, v any)
	OnError   func(c *Connection, err error)
	OnClose   func(c *Connection, reason DisconnectionReason, err error)
}

// Connection is one framed, bidirectional session over a Stream.
type Connection struct {
	id     string
	stream Stream
	opts   Options
	h      Handlers
	reasm  *protocol.Reassembler

	state     atomic.Int32
	closed    atomic.Bool
	sending   atomic.Bool
	receiving atomic.Bool

	outbox    chan []byte
	enqueueMu sync.Mutex // keeps one message's segments contiguous

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	peerID string

	bytesSent atomic.Int64
	bytesRecv atomic.Int64
	winSent   atomic.Int64 // current keepalive window
	winRecv   atomic.Int64
	winData   atomic.Int64 // non-ping bytes written in the current window
	rateSent  atomic.Int64 // last completed window
	rateRecv  atomic.Int64

	started atomic.Bool
	ping    []byte
}

// New wraps stream. Nothing is read or written until Start.
func New(stream Stream, opts Options, h Handlers) *Connection {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		id:     uuid.NewString(),
		stream: stream,
		opts:   opts,
		h:      h,
		reasm:  protocol.NewReassembler(),
		outbox: make(chan []byte, opts.SendQueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.opts.Log = opts.Log.With("conn " + c.id[:8])
	c.reasm.MaxBytes = opts.MaxBufferSize

	if opts.Outbound {
		c.state.Store(int32(StateConnecting))
	} else {
		c.state.Store(int32(StateCreated))
	}
	return c
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start opens the connection and launches the receive, send and keepalive loops.
func (c *Connection) Start() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.state.CompareAndSwap(int32(StateCreated), int32(StateOpen)) &&
		!c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return ErrAlreadyStarted
	}

	c.started.Store(true)
	if c.opts.Stats != nil {
		c.opts.Stats.AddConn()
	}
	c.opts.Log.Debugf("open (remote=%s)", c.stream.RemoteAddr())

	if c.opts.KeepaliveInterval > 0 {
		ping, err := c.opts.Codec.Encode(&protocol.Ping{})
		if err != nil {
			c.opts.Log.Errorf("encode ping: %v", err)
		}
		c.ping = ping
	}

	go c.StartReceiving()
	go c.StartSending()
	if c.ping != nil {
		go c.keepalive()
	}
	return nil
}

// Close shuts the connection down. It is safe to call any number of times from
// any goroutine; OnClose fires once.
func (c *Connection) Close() error {
	c.closeWith(ReasonLocalClosed, nil)
	return nil
}

// closeWith runs the shutdown sequence once. The stream is closed before the
// queue is drained so that blocked reads and writes fault out.
func (c *Connection) closeWith(reason DisconnectionReason, err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.state.Store(int32(StateClosing))
	c.cancel()
	_ = c.stream.Close()

	for {
		select {
		case <-c.outbox:
			continue
		default:
		}
		break
	}
	c.reasm.Reset()
	c.state.Store(int32(StateClosed))

	if c.opts.Stats != nil && c.started.Load() {
		c.opts.Stats.RemoveConn()
	}
	c.opts.Log.Debugf("closed: %s (sent %s received %s)", reason,
		util.FormatBytes(c.bytesSent.Load()), util.FormatBytes(c.bytesRecv.Load()))

	if c.h.OnClose != nil {
		c.h.OnClose(c, reason, err)
	}
	close(c.done)
}

// fail closes the connection because the stream or the peer misbehaved.
func (c *Connection) fail(err error) {
	if c.closed.Load() {
		return
	}
	reason := Classify(err)
	c.closeWith(reason, &TransportError{Reason: reason, Err: err})
}

// Done is closed after OnClose has returned.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Context is cancelled when the connection starts closing.
func (c *Connection) Context() context.Context { return c.ctx }

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (c *Connection) ID() string         { return c.id }
func (c *Connection) RemoteAddr() string { return c.stream.RemoteAddr() }
func (c *Connection) State() State       { return State(c.state.Load()) }
func (c *Connection) IsClosed() bool     { return c.closed.Load() }
func (c *Connection) Codec() *protocol.Codec {
	return c.opts.Codec
}

// PeerID returns the negotiated identity, or "" before negotiation.
func (c *Connection) PeerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

func (c *Connection) SetPeerID(id string) {
	c.mu.Lock()
	c.peerID = id
	c.mu.Unlock()
}

// BytesSent and BytesReceived are lifetime totals.
func (c *Connection) BytesSent() int64     { return c.bytesSent.Load() }
func (c *Connection) BytesReceived() int64 { return c.bytesRecv.Load() }

// Rates returns bytes sent and received during the last keepalive window.
func (c *Connection) Rates() (sent, received int64) {
	return c.rateSent.Load(), c.rateRecv.Load()
}

// PendingSegments reports incomplete inbound segment sessions.
func (c *Connection) PendingSegments() int { return c.reasm.Len() }

// ---------------------------------------------------------------------------
// Receive
// ---------------------------------------------------------------------------

// StartReceiving runs the receive loop on the calling goroutine until the
// stream fails or the connection closes. It returns false immediately if a
// receive loop is already running.
func (c *Connection) StartReceiving() bool {
	if !c.receiving.CompareAndSwap(false, true) {
		return false
	}
	defer c.receiving.Store(false)

	buf := make([]byte, c.opts.ReadBufferSize)
	var pending []byte

	for !c.closed.Load() {
		n, err := c.stream.Read(buf)
		if n > 0 {
			c.bytesRecv.Add(int64(n))
			c.winRecv.Add(int64(n))
			if c.opts.Stats != nil {
				c.opts.Stats.AddRecv(n)
			}
			if c.opts.Observer != nil {
				c.opts.Observer.BytesReceived(n)
			}

			pending = append(pending, buf[:n]...)
			frames, rest, derr := protocol.Decode(pending)
			pending = rest

			for _, f := range frames {
				if c.closed.Load() {
					return true
				}
				c.handlePayload(f)
			}

			switch {
			case errors.Is(derr, protocol.ErrFrameTooLarge):
				c.fail(derr)
				return true
			case errors.Is(derr, protocol.ErrEmptyFrame):
				c.reportError(&protocol.ProtocolError{Kind: protocol.KindEmptyFrame, Err: derr})
			}
			if len(pending) > c.opts.MaxBufferSize {
				c.fail(protocol.ErrFrameTooLarge)
				return true
			}
		}
		if err != nil {
			c.fail(err)
			return true
		}
	}
	return true
}

func (c *Connection) handlePayload(payload []byte) {
	v, err := c.opts.Codec.Unmarshal(payload)
	if err != nil {
		var ce *protocol.CompressionError
		if errors.As(err, &ce) {
			c.closeWith(ReasonCompressionError, err)
			return
		}
		c.reportError(err)
		return
	}

	switch m := v.(type) {
	case *protocol.Ping:
		return
	case *protocol.Segment:
		data, err := c.reasm.Accept(m)
		if err != nil {
			c.reportError(err)
			return
		}
		if data != nil {
			c.handlePayload(data)
		}
		return
	}

	name, _ := c.opts.Codec.Types.NameOf(v)
	if c.opts.LogReceive {
		c.opts.Log.Debugf("recv %s (%s)", name, util.FormatBytes(int64(len(payload))))
	}
	if c.opts.Observer != nil {
		c.opts.Observer.MessageReceived(name)
	}
	if c.h.OnMessage != nil {
		c.h.OnMessage(c, v)
	}
}

func (c *Connection) reportError(err error) {
	c.opts.Log.Debugf("%v", err)
	if c.h.OnError != nil {
		c.h.OnError(c, err)
	}
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

// Send marshals v and queues it. Payloads above SegmentSize are queued as
// consecutive segments. Send blocks while the queue is full.
func (c *Connection) Send(v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	payload, err := c.opts.Codec.Marshal(v)
	if err != nil {
		return err
	}

	if c.opts.LogSend {
		name, _ := c.opts.Codec.Types.NameOf(v)
		c.opts.Log.Debugf("send %s (%s)", name, util.FormatBytes(int64(len(payload))))
	}

	if len(payload) <= c.opts.SegmentSize {
		return c.enqueue(protocol.Frame(payload))
	}

	segs := protocol.Split(payload, c.opts.SegmentSize)
	frames := make([][]byte, 0, len(segs))
	for _, seg := range segs {
		frame, err := c.opts.Codec.Encode(seg)
		if err != nil {
			return err
		}
		frames = append(frames, frame)
	}
	return c.enqueue(frames...)
}

func (c *Connection) enqueue(frames ...[]byte) error {
	c.enqueueMu.Lock()
	defer c.enqueueMu.Unlock()

	for _, f := range frames {
		select {
		case c.outbox <- f:
		case <-c.ctx.Done():
			return ErrClosed
		}
	}
	return nil
}

// StartSending runs the single-writer loop on the calling goroutine. It returns
// false immediately if a send loop is already running.
func (c *Connection) StartSending() bool {
	if !c.sending.CompareAndSwap(false, true) {
		return false
	}
	defer c.sending.Store(false)

	for {
		select {
		case frame := <-c.outbox:
			if c.closed.Load() {
				return true
			}
			n, err := c.stream.Write(frame)
			if n > 0 {
				c.bytesSent.Add(int64(n))
				c.winSent.Add(int64(n))
				if !bytes.Equal(frame, c.ping) {
					c.winData.Add(int64(n))
				}
				if c.opts.Stats != nil {
					c.opts.Stats.AddSent(n)
				}
				if c.opts.Observer != nil {
					c.opts.Observer.BytesSent(n)
				}
			}
			if err != nil {
				c.fail(err)
				return true
			}
		case <-c.ctx.Done():
			return true
		}
	}
}

// ---------------------------------------------------------------------------
// Keepalive
// ---------------------------------------------------------------------------

// keepalive pings the peer every interval. A window in which nothing arrived
// and no queued data left the socket is a miss; our own pings do not count as
// progress, so a half-open link still times out.
func (c *Connection) keepalive() {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ticker.C:
			c.rateSent.Store(c.winSent.Swap(0))
			recv := c.winRecv.Swap(0)
			c.rateRecv.Store(recv)
			data := c.winData.Swap(0)

			if n := c.reasm.Sweep(); n > 0 {
				c.opts.Log.Debugf("dropped %d stale segment sessions", n)
			}

			// A full queue already has traffic waiting, so the ping is skipped.
			select {
			case c.outbox <- c.ping:
			default:
			}

			if recv == 0 && data == 0 {
				missed++
			} else {
				missed = 0
			}
			if missed >= c.opts.MaxMissedKeepalives {
				c.opts.Log.Warnf("keepalive failed %d times in a row", missed)
				c.closeWith(ReasonInternetUnavailable, ErrKeepaliveTimeout)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
