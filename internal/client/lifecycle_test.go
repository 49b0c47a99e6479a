package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/transport"
)

func (c *Client) suppressedConn() *transport.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.suppressed
}

func TestDisconnectSuppressionIsPerConnection(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Enabled = false
	cfg.KeepaliveInterval = -1
	cfg.Client.AutoReconnect = true
	cfg.Client.MaxReconnectInterval = 50 * time.Millisecond
	c := New(cfg, nil)
	defer c.Close()

	// Every dial hands back one end of a pipe and reports the other.
	far := make(chan net.Conn, 8)
	ep := &endpoint{host: "pipe", port: 1}
	ep.dial = func(context.Context) (transport.Stream, error) {
		a, b := net.Pipe()
		far <- b
		return transport.TCPStream(a), nil
	}
	attach := func() net.Conn {
		t.Helper()
		stream, err := ep.dial(context.Background())
		require.NoError(t, err)
		require.NoError(t, c.attach(stream, ep))
		return <-far
	}

	attach()
	c.Disconnect()
	require.Eventually(t, func() bool { return !c.IsConnected() }, time.Second, 5*time.Millisecond)
	assert.Nil(t, c.suppressedConn())

	// With nothing connected there is nothing to mark.
	c.Disconnect()
	assert.Nil(t, c.suppressedConn())

	select {
	case <-far:
		t.Fatal("reconnected after Disconnect")
	case <-time.After(200 * time.Millisecond):
	}

	// A later unexpected disconnect still reconnects.
	remote := attach()
	require.NoError(t, remote.Close())
	select {
	case <-far:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect after an unexpected disconnect")
	}
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
}
