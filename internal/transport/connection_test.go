package transport

import (
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peerlink/internal/protocol"
)

type chatMessage struct {
	Text string `json:"text"`
}

type secret struct {
	Token string `json:"token"`
}

func testRegistry() *protocol.Registry {
	reg := protocol.NewRegistry()
	protocol.Register[chatMessage](reg, "test.Chat")
	protocol.Register[secret](reg, "test.Secret")
	return reg
}

// recorder collects handler callbacks on channels.
type recorder struct {
	messages chan any
	errors   chan error
	closes   chan DisconnectionReason
	closeN   atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{
		messages: make(chan any, 64),
		errors:   make(chan error, 64),
		closes:   make(chan DisconnectionReason, 64),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnMessage: func(_ *Connection, v any) { r.messages <- v },
		OnError:   func(_ *Connection, err error) { r.errors <- err },
		OnClose: func(_ *Connection, reason DisconnectionReason, _ error) {
			r.closeN.Add(1)
			r.closes <- reason
		},
	}
}

func waitMessage(t *testing.T, r *recorder) any {
	t.Helper()
	select {
	case v := <-r.messages:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func waitClose(t *testing.T, r *recorder) DisconnectionReason {
	t.Helper()
	select {
	case reason := <-r.closes:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
		return ReasonUnknown
	}
}

// newPair starts two connections over an in-memory pipe.
func newPair(t *testing.T, optsA, optsB Options) (*Connection, *recorder, *Connection, *recorder) {
	t.Helper()
	a, b := net.Pipe()
	ra, rb := newRecorder(), newRecorder()

	ca := New(TCPStream(a), optsA, ra.handlers())
	cb := New(TCPStream(b), optsB, rb.handlers())
	require.NoError(t, ca.Start())
	require.NoError(t, cb.Start())

	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, ra, cb, rb
}

func TestConnectionExchange(t *testing.T) {
	codec := protocol.NewCodec(testRegistry(), nil)
	ca, _, cb, rb := newPair(t, Options{Codec: codec}, Options{Codec: codec})

	assert.Equal(t, StateOpen, ca.State())
	assert.NotEqual(t, ca.ID(), cb.ID())

	for i, text := range []string{"first", "second", "third"} {
		require.NoError(t, ca.Send(&chatMessage{Text: text}), "i=%d", i)
	}
	for _, want := range []string{"first", "second", "third"} {
		v := waitMessage(t, rb)
		msg, ok := v.(*chatMessage)
		require.True(t, ok, "got %T", v)
		assert.Equal(t, want, msg.Text)
	}

	assert.Eventually(t, func() bool {
		return ca.BytesSent() > 0 && cb.BytesReceived() == ca.BytesSent()
	}, time.Second, 10*time.Millisecond)
}

func TestConnectionSegmentsLargePayloads(t *testing.T) {
	codec := protocol.NewCodec(testRegistry(), nil)
	opts := Options{Codec: codec, SegmentSize: 128}
	ca, _, _, rb := newPair(t, opts, opts)

	big := string(bytes.Repeat([]byte("segmented payload "), 1000))
	require.NoError(t, ca.Send(&chatMessage{Text: big}))
	require.NoError(t, ca.Send(&chatMessage{Text: "after"}))

	assert.Equal(t, big, waitMessage(t, rb).(*chatMessage).Text)
	assert.Equal(t, "after", waitMessage(t, rb).(*chatMessage).Text)
}

func TestConnectionWhitelistKeepsConnectionAlive(t *testing.T) {
	reg := testRegistry()
	sender := protocol.NewCodec(reg, nil)
	receiver := protocol.NewCodec(reg, protocol.NewTypeFilter([]string{"test.Chat"}, nil))

	ca, _, cb, rb := newPair(t, Options{Codec: sender}, Options{Codec: receiver})

	require.NoError(t, ca.Send(&secret{Token: "nope"}))
	require.NoError(t, ca.Send(&chatMessage{Text: "allowed"}))

	select {
	case err := <-rb.errors:
		assert.Equal(t, protocol.KindNotWhitelisted, protocol.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("expected a whitelist error")
	}
	assert.Equal(t, "allowed", waitMessage(t, rb).(*chatMessage).Text)
	assert.False(t, cb.IsClosed())
	assert.False(t, ca.IsClosed())
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	codec := protocol.NewCodec(testRegistry(), nil)
	ca, ra, _, rb := newPair(t, Options{Codec: codec}, Options{Codec: codec})

	const n = 32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ca.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, ReasonLocalClosed, waitClose(t, ra))
	assert.Equal(t, ReasonRemoteClosed, waitClose(t, rb))
	<-ca.Done()

	assert.Equal(t, int32(1), ra.closeN.Load())
	assert.Equal(t, StateClosed, ca.State())
	assert.ErrorIs(t, ca.Send(&chatMessage{Text: "late"}), ErrClosed)
	assert.ErrorIs(t, ca.Start(), ErrClosed)
}

func TestConnectionExclusiveLoops(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	c := New(TCPStream(a), Options{}, Handlers{})
	require.NoError(t, c.Start())
	defer c.Close()

	require.Eventually(t, func() bool { return c.receiving.Load() && c.sending.Load() }, time.Second, 5*time.Millisecond)
	assert.False(t, c.StartReceiving())
	assert.False(t, c.StartSending())
	assert.ErrorIs(t, c.Start(), ErrAlreadyStarted)
}

func TestConnectionOutboundState(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	c := New(TCPStream(a), Options{Outbound: true}, Handlers{})
	assert.Equal(t, StateConnecting, c.State())
	require.NoError(t, c.Start())
	assert.Equal(t, StateOpen, c.State())
	c.Close()
}

func TestConnectionKeepaliveClosesSilentPeer(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	// The far end reads everything and never answers, so every ping is written
	// and none of them counts as progress.
	go io.Copy(io.Discard, b)

	r := newRecorder()
	c := New(TCPStream(a), Options{KeepaliveInterval: 20 * time.Millisecond}, r.handlers())
	require.NoError(t, c.Start())

	assert.Equal(t, ReasonInternetUnavailable, waitClose(t, r))
}

// slowStream delays every write, like a link slower than the send queue fills.
type slowStream struct {
	Stream
	delay time.Duration
}

func (s *slowStream) Write(p []byte) (int, error) {
	time.Sleep(s.delay)
	return s.Stream.Write(p)
}

func TestConnectionKeepaliveSurvivesSlowBulkSend(t *testing.T) {
	a, b := net.Pipe()
	codec := protocol.NewCodec(testRegistry(), nil)

	rs := newRecorder()
	sender := New(&slowStream{Stream: TCPStream(a), delay: 10 * time.Millisecond}, Options{
		Codec:             codec,
		SegmentSize:       1024,
		SendQueueSize:     8,
		KeepaliveInterval: 30 * time.Millisecond,
	}, rs.handlers())
	// The receiver never pings, so only the sender's own progress keeps it alive.
	rr := newRecorder()
	receiver := New(TCPStream(b), Options{Codec: codec}, rr.handlers())
	require.NoError(t, sender.Start())
	require.NoError(t, receiver.Start())
	t.Cleanup(func() {
		sender.Close()
		receiver.Close()
	})

	big := string(bytes.Repeat([]byte("x"), 32*1024))
	require.NoError(t, sender.Send(&chatMessage{Text: big}))

	assert.Equal(t, big, waitMessage(t, rr).(*chatMessage).Text)
	assert.False(t, sender.IsClosed())
	assert.Zero(t, rs.closeN.Load())
}

func TestConnectionCompressionErrorCloses(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	r := newRecorder()
	c := New(TCPStream(a), Options{}, r.handlers())
	require.NoError(t, c.Start())

	_, err := b.Write(protocol.Frame([]byte{0x01, 0xff, 0xfe, 0xfd}))
	require.NoError(t, err)

	assert.Equal(t, ReasonCompressionError, waitClose(t, r))
}

func TestConnectionEmptyFrameIsReported(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	codec := protocol.NewCodec(testRegistry(), nil)
	r := newRecorder()
	c := New(TCPStream(a), Options{Codec: codec}, r.handlers())
	require.NoError(t, c.Start())
	defer c.Close()

	frame, err := codec.Encode(&chatMessage{Text: "still here"})
	require.NoError(t, err)
	_, err = b.Write(append(protocol.Frame(nil), frame...))
	require.NoError(t, err)

	select {
	case err := <-r.errors:
		assert.Equal(t, protocol.KindEmptyFrame, protocol.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("expected an empty frame error")
	}
	assert.Equal(t, "still here", waitMessage(t, r).(*chatMessage).Text)
}

func TestConnectionPingIsNotDispatched(t *testing.T) {
	codec := protocol.NewCodec(testRegistry(), nil)
	ca, _, _, rb := newPair(t, Options{Codec: codec}, Options{Codec: codec})

	require.NoError(t, ca.Send(&protocol.Ping{}))
	require.NoError(t, ca.Send(&chatMessage{Text: "after ping"}))

	assert.Equal(t, "after ping", waitMessage(t, rb).(*chatMessage).Text)
}

func TestConnectionPeerID(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := New(TCPStream(a), Options{}, Handlers{})
	assert.Empty(t, c.PeerID())
	c.SetPeerID("peer-1")
	assert.Equal(t, "peer-1", c.PeerID())
}
