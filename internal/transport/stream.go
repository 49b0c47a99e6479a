package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// Stream is the byte pipe a Connection runs over. Reads may return any number
// of bytes; the connection does its own framing.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() string
}

// ---------------------------------------------------------------------------
// TCP
// ---------------------------------------------------------------------------

type tcpStream struct {
	conn net.Conn
}

// TCPStream adapts a net.Conn.
func TCPStream(conn net.Conn) Stream {
	return &tcpStream{conn: conn}
}

func (s *tcpStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *tcpStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *tcpStream) Close() error                { return s.conn.Close() }
func (s *tcpStream) RemoteAddr() string          { return s.conn.RemoteAddr().String() }

// DialTCP connects to addr, giving up when ctx expires.
func DialTCP(ctx context.Context, addr string) (Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return TCPStream(conn), nil
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

const wsCloseGrace = time.Second

// wsStream maps each Write to one binary WebSocket message and concatenates
// inbound messages into a byte stream.
type wsStream struct {
	conn   *websocket.Conn
	reader io.Reader

	mu        sync.Mutex // serializes writers
	closeOnce sync.Once
	closeErr  error
}

// WebSocketStream adapts an established gorilla/websocket connection.
func WebSocketStream(conn *websocket.Conn) Stream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			s.reader = r
		}

		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *wsStream) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string) (Stream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return WebSocketStream(conn), nil
}

// ---------------------------------------------------------------------------
// WebRTC DataChannel
// ---------------------------------------------------------------------------

const (
	highWaterMark = 256 * 1024 // pause writing when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume writing when bufferedAmount drops below this
	dcInboxSize   = 256
)

// ChannelStream turns a message-oriented DataChannel into a byte stream. Writes
// wait until the channel is open and respect the buffered-amount watermarks.
type ChannelStream struct {
	dc     *webrtc.DataChannel
	remote string

	inbox   chan []byte
	pending []byte

	openSignal  chan struct{}
	drainSignal chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

// DataChannelStream wraps dc. It must be called before the channel opens so
// that no inbound message is missed.
func DataChannelStream(dc *webrtc.DataChannel, remote string) *ChannelStream {
	s := &ChannelStream{
		dc:          dc,
		remote:      remote,
		inbox:       make(chan []byte, dcInboxSize),
		openSignal:  make(chan struct{}),
		drainSignal: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	var openOnce sync.Once
	markOpen := func() { openOnce.Do(func() { close(s.openSignal) }) }
	dc.OnOpen(markOpen)
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		markOpen()
	}

	dc.OnClose(func() { s.shutdown() })

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case s.inbox <- msg.Data:
		case <-s.done:
		}
	})

	return s
}

func (s *ChannelStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		select {
		case data := <-s.inbox:
			s.pending = data
		case <-s.done:
			// Deliver what already arrived before reporting EOF.
			select {
			case data := <-s.inbox:
				s.pending = data
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *ChannelStream) Write(p []byte) (int, error) {
	select {
	case <-s.openSignal:
	case <-s.done:
		return 0, io.ErrClosedPipe
	}

	if s.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-s.drainSignal:
		case <-s.done:
			return 0, io.ErrClosedPipe
		}
	}

	if err := s.dc.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *ChannelStream) Close() error {
	s.shutdown()
	return s.dc.Close()
}

func (s *ChannelStream) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *ChannelStream) RemoteAddr() string { return s.remote }

// Opened is closed once the channel can carry data.
func (s *ChannelStream) Opened() <-chan struct{} { return s.openSignal }

// Done is closed once the channel or the stream has been closed.
func (s *ChannelStream) Done() <-chan struct{} { return s.done }
