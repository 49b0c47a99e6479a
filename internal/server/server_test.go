package server_test

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peerlink/internal/client"
	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/dispatch"
	"github.com/1ureka/peerlink/internal/peer"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/server"
	"github.com/1ureka/peerlink/internal/transport"
)

type chatMessage struct {
	Text string `json:"text"`
}

func testTypes() *protocol.Registry {
	reg := protocol.NewRegistry()
	protocol.Register[chatMessage](reg, "test.Chat")
	return reg
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Log.Enabled = false
	cfg.KeepaliveInterval = -1
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) (*server.Server, int) {
	t.Helper()
	srv := server.New(cfg, testTypes())
	require.NoError(t, srv.Listen(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { srv.Close() })
	return srv, srv.Addr().(*net.TCPAddr).Port
}

// connectClient connects a client and waits for its identity. setup runs
// before connecting, so event fields are in place for the first message.
func connectClient(t *testing.T, port int, setup ...func(*client.Client)) *client.Client {
	t.Helper()
	c := client.New(testConfig(), testTypes())
	for _, fn := range setup {
		fn(c)
	}
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, "127.0.0.1", port))
	_, err := c.WaitIdentified(ctx)
	require.NoError(t, err)
	return c
}

type received struct {
	text       string
	from       string
	redirected bool
}

// inbox collects chat messages dispatched on c.
func inbox(c *client.Client) chan received {
	ch := make(chan received, 16)
	dispatch.Handle(c.Handlers(), func(m *chatMessage, ev *dispatch.Event) {
		r := received{text: m.Text, redirected: ev.Redirected}
		if ev.From != nil {
			r.from = ev.From.ID()
		}
		ch <- r
	})
	return ch
}

func expect(t *testing.T, ch chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a message")
		return received{}
	}
}

func expectNone(t *testing.T, ch chan received) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected message %q from %s", r.text, r.from)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitPeers(t *testing.T, n int, clients ...*client.Client) {
	t.Helper()
	for _, c := range clients {
		require.Eventually(t, func() bool { return len(c.Peers()) == n }, time.Second, 5*time.Millisecond)
	}
}

func TestBroadcastFanOut(t *testing.T) {
	_, port := startServer(t, testConfig())
	a, b, c := connectClient(t, port), connectClient(t, port), connectClient(t, port)
	waitPeers(t, 2, a, b, c)

	inA, inB, inC := inbox(a), inbox(b), inbox(c)
	require.NoError(t, a.SendBroadcast(&chatMessage{Text: "hello all"}))

	for _, ch := range []chan received{inB, inC} {
		r := expect(t, ch)
		assert.Equal(t, "hello all", r.text)
		assert.Equal(t, a.Identity().ID(), r.from)
		assert.True(t, r.redirected)
	}
	expectNone(t, inA)
}

func TestTargetedRedirect(t *testing.T) {
	_, port := startServer(t, testConfig())
	a, b, c := connectClient(t, port), connectClient(t, port), connectClient(t, port)
	waitPeers(t, 2, a, b, c)

	inB, inC := inbox(b), inbox(c)
	require.NoError(t, a.SendToPeer(b.Identity().ID(), &chatMessage{Text: "just you"}))

	r := expect(t, inB)
	assert.Equal(t, "just you", r.text)
	assert.Equal(t, a.Identity().ID(), r.from)
	expectNone(t, inC)
}

func TestServerHandlerCancelsRedirect(t *testing.T) {
	srv, port := startServer(t, testConfig())

	var seen sync.Map
	dispatch.Handle(srv.Handlers(), func(m *chatMessage, ev *dispatch.Event) {
		seen.Store(m.Text, ev.From.ID())
		if m.Text == "blocked" {
			ev.CancelRedirect()
		}
	})

	a, b := connectClient(t, port), connectClient(t, port)
	waitPeers(t, 1, a, b)
	inB := inbox(b)

	require.NoError(t, a.SendToPeer(b.Identity().ID(), &chatMessage{Text: "blocked"}))
	require.NoError(t, a.SendToPeer(b.Identity().ID(), &chatMessage{Text: "allowed"}))

	assert.Equal(t, "allowed", expect(t, inB).text)
	expectNone(t, inB)

	from, ok := seen.Load("blocked")
	require.True(t, ok, "server handler did not see the canceled value")
	assert.Equal(t, a.Identity().ID(), from)
}

func TestUnknownRecipientIsDropped(t *testing.T) {
	_, port := startServer(t, testConfig())
	a, b := connectClient(t, port), connectClient(t, port)
	waitPeers(t, 1, a, b)
	inB := inbox(b)

	require.NoError(t, a.SendToPeer("no-such-peer", &chatMessage{Text: "lost"}))
	require.NoError(t, a.SendToPeer(b.Identity().ID(), &chatMessage{Text: "found"}))

	assert.Equal(t, "found", expect(t, inB).text)
	assert.True(t, a.IsConnected())
}

func TestJoinAndLeave(t *testing.T) {
	cfg := testConfig()
	srv := server.New(cfg, testTypes())

	connected := make(chan *peer.Peer, 4)
	disconnected := make(chan transport.DisconnectionReason, 4)
	srv.OnConnected = func(_ *transport.Connection, p *peer.Peer) { connected <- p }
	srv.OnDisconnected = func(_ *transport.Connection, _ *peer.Peer, reason transport.DisconnectionReason) {
		disconnected <- reason
	}
	require.NoError(t, srv.Listen(context.Background(), "127.0.0.1:0"))
	defer srv.Close()
	port := srv.Addr().(*net.TCPAddr).Port

	joined := make(chan string, 4)
	left := make(chan string, 4)
	a := connectClient(t, port, func(c *client.Client) {
		c.OnPeerJoined = func(p *peer.Peer) { joined <- p.ID() }
		c.OnPeerLeft = func(p *peer.Peer) { left <- p.ID() }
	})

	b := connectClient(t, port)
	bID := b.Identity().ID()

	select {
	case id := <-joined:
		assert.Equal(t, bID, id)
	case <-time.After(time.Second):
		t.Fatal("no join event")
	}
	assert.Eventually(t, func() bool { return len(connected) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, srv.Directory().Len())

	b.Close()

	select {
	case id := <-left:
		assert.Equal(t, bID, id)
	case <-time.After(time.Second):
		t.Fatal("no leave event")
	}
	select {
	case reason := <-disconnected:
		assert.Equal(t, transport.ReasonRemoteClosed, reason)
	case <-time.After(time.Second):
		t.Fatal("no disconnect event")
	}
	assert.Equal(t, 1, srv.Directory().Len())
	assert.Empty(t, a.Peers())
}

func TestLocalIdentityCarriesAddress(t *testing.T) {
	srv, port := startServer(t, testConfig())
	a := connectClient(t, port)

	self := a.Identity()
	assert.Equal(t, "127.0.0.1", self.IP())

	p, ok := srv.Directory().Get(self.ID())
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", p.IP())
}

func TestRestrictedMetadata(t *testing.T) {
	srv, port := startServer(t, testConfig())
	srv.RestrictMetadata("role")

	type update struct {
		id    string
		patch map[string]string
	}
	updates := make(chan update, 8)
	a := connectClient(t, port)
	b := connectClient(t, port, func(c *client.Client) {
		c.OnPeerMetadata = func(p *peer.Peer, patch map[string]string) {
			updates <- update{id: p.ID(), patch: patch}
		}
	})
	waitPeers(t, 1, a, b)
	aID := a.Identity().ID()

	require.NoError(t, a.UpdateMetadata(map[string]string{"role": "admin", "name": "alice"}))
	select {
	case u := <-updates:
		assert.Equal(t, aID, u.id)
		assert.Equal(t, map[string]string{"name": "alice"}, u.patch)
	case <-time.After(time.Second):
		t.Fatal("no metadata update")
	}

	require.Eventually(t, func() bool {
		v, _ := a.Identity().Get("name")
		return v == "alice"
	}, time.Second, 5*time.Millisecond)
	_, hasRole := a.Identity().Get("role")
	assert.False(t, hasRole)

	// The server itself may change restricted keys.
	require.NoError(t, srv.SetMetadata(aID, map[string]string{"role": "admin"}))
	select {
	case u := <-updates:
		assert.Equal(t, aID, u.id)
		assert.Equal(t, map[string]string{"role": "admin"}, u.patch)
	case <-time.After(time.Second):
		t.Fatal("no server metadata update")
	}
	pa, ok := b.Peer(aID)
	require.True(t, ok)
	role, _ := pa.Get("role")
	assert.Equal(t, "admin", role)

	assert.ErrorIs(t, srv.SetMetadata("nobody", map[string]string{"x": "y"}), server.ErrUnknownTarget)
}

func TestServerSend(t *testing.T) {
	srv, port := startServer(t, testConfig())
	a := connectClient(t, port)
	inA := inbox(a)

	require.NoError(t, srv.Send(a.Identity().ID(), &chatMessage{Text: "by peer id"}))
	r := expect(t, inA)
	assert.Equal(t, "by peer id", r.text)
	assert.False(t, r.redirected)
	assert.Empty(t, r.from)

	conns := srv.Connections()
	require.Len(t, conns, 1)
	require.NoError(t, srv.Send(conns[0].ID(), &chatMessage{Text: "by connection id"}))
	assert.Equal(t, "by connection id", expect(t, inA).text)

	assert.ErrorIs(t, srv.Send("missing", &chatMessage{}), server.ErrUnknownTarget)
}

func TestWebSocketClientsShareDirectory(t *testing.T) {
	srv, port := startServer(t, testConfig())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tcp := connectClient(t, port)

	ws := client.New(testConfig(), testTypes())
	defer ws.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ws.ConnectWebSocket(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws"))
	_, err := ws.WaitIdentified(ctx)
	require.NoError(t, err)

	waitPeers(t, 1, tcp, ws)
	inWS := inbox(ws)
	require.NoError(t, tcp.SendToPeer(ws.Identity().ID(), &chatMessage{Text: "across transports"}))

	r := expect(t, inWS)
	assert.Equal(t, "across transports", r.text)
	assert.Equal(t, tcp.Identity().ID(), r.from)
}

func TestBacklogRejectsExtraConnections(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Backlog = 1
	_, port := startServer(t, cfg)
	connectClient(t, port)

	extra := client.New(testConfig(), testTypes())
	defer extra.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, extra.Connect(ctx, "127.0.0.1", port))

	_, err := extra.WaitIdentified(ctx)
	assert.ErrorIs(t, err, client.ErrNotConnected)
}

func TestCloseDisconnectsClients(t *testing.T) {
	srv, port := startServer(t, testConfig())
	reasons := make(chan transport.DisconnectionReason, 1)
	connectClient(t, port, func(c *client.Client) {
		c.OnDisconnected = func(reason transport.DisconnectionReason, _ error) { reasons <- reason }
	})

	require.NoError(t, srv.Close())
	select {
	case reason := <-reasons:
		assert.Equal(t, transport.ReasonRemoteClosed, reason)
	case <-time.After(time.Second):
		t.Fatal("client was not disconnected")
	}
	assert.ErrorIs(t, srv.Listen(context.Background(), "127.0.0.1:0"), server.ErrServerClosed)
}

func TestRelayDisabledDropsRedirects(t *testing.T) {
	cfg := testConfig()
	cfg.P2P.Enabled = false
	srv, port := startServer(t, cfg)

	a, b := connectClient(t, port), connectClient(t, port)
	waitPeers(t, 1, a, b)
	inB := inbox(b)

	require.NoError(t, a.SendToPeer(b.Identity().ID(), &chatMessage{Text: "relay me"}))
	require.NoError(t, a.SendBroadcast(&chatMessage{Text: "relay all"}))
	expectNone(t, inB)

	expected := `
# HELP peerlink_redirects_dropped_total Redirect envelopes addressed to an unknown peer or refused by a hub with relaying disabled.
# TYPE peerlink_redirects_dropped_total counter
peerlink_redirects_dropped_total 2
`
	assert.Eventually(t, func() bool {
		return testutil.CollectAndCompare(srv.Metrics(), strings.NewReader(expected),
			"peerlink_redirects_dropped_total") == nil
	}, time.Second, 10*time.Millisecond)

	// Direct traffic with the hub is unaffected.
	require.NoError(t, srv.Send(b.Identity().ID(), &chatMessage{Text: "from hub"}))
	assert.Equal(t, "from hub", expect(t, inB).text)
}

// TestStalledPeerDoesNotBlockMembership keeps one connection that never reads
// and checks that joins and leaves still reach everyone else.
func TestStalledPeerDoesNotBlockMembership(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueueSize = 1
	srv, port := startServer(t, cfg)

	stalled, far := net.Pipe()
	t.Cleanup(func() { far.Close() })
	require.NotNil(t, srv.Accept(transport.TCPStream(stalled)))

	watcher := connectClient(t, port)
	clients := make([]*client.Client, 0, 8)
	for range 8 {
		clients = append(clients, connectClient(t, port))
	}
	// The stalled peer is listed too.
	require.Eventually(t, func() bool { return len(watcher.Peers()) == 9 }, 2*time.Second, 5*time.Millisecond)

	for _, c := range clients {
		c.Close()
	}
	require.Eventually(t, func() bool { return len(watcher.Peers()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, srv.Directory().Len())
}
