package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector("server", func() int { return 3 }, func() int { return 2 })

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed("remote_closed")
	c.BytesSent(100)
	c.BytesReceived(40)
	c.MessageReceived("test.Chat")
	c.MessageReceived("test.Chat")
	c.ProtocolError("not_whitelisted")
	c.ProtocolError("")
	c.RedirectForwarded(2)
	c.RedirectDropped()
	c.RedirectCanceled()

	expected := `
# HELP peerlink_connections_open Number of currently open connections.
# TYPE peerlink_connections_open gauge
peerlink_connections_open 3
# HELP peerlink_connections_total Total connections accepted or dialed.
# TYPE peerlink_connections_total counter
peerlink_connections_total 2
# HELP peerlink_disconnects_total Closed connections by disconnection reason.
# TYPE peerlink_disconnects_total counter
peerlink_disconnects_total{reason="remote_closed"} 1
# HELP peerlink_messages_received_total Decoded application messages by type name.
# TYPE peerlink_messages_received_total counter
peerlink_messages_received_total{type="test.Chat"} 2
# HELP peerlink_peers Number of identified peers in the directory.
# TYPE peerlink_peers gauge
peerlink_peers 2
# HELP peerlink_protocol_errors_total Inbound messages rejected, by error kind.
# TYPE peerlink_protocol_errors_total counter
peerlink_protocol_errors_total{kind="not_whitelisted"} 1
peerlink_protocol_errors_total{kind="other"} 1
# HELP peerlink_redirects_dropped_total Redirect envelopes addressed to an unknown peer or refused by a hub with relaying disabled.
# TYPE peerlink_redirects_dropped_total counter
peerlink_redirects_dropped_total 1
# HELP peerlink_redirects_forwarded_total Redirect envelopes forwarded to a recipient connection.
# TYPE peerlink_redirects_forwarded_total counter
peerlink_redirects_forwarded_total 2
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"peerlink_connections_open",
		"peerlink_connections_total",
		"peerlink_disconnects_total",
		"peerlink_messages_received_total",
		"peerlink_peers",
		"peerlink_protocol_errors_total",
		"peerlink_redirects_dropped_total",
		"peerlink_redirects_forwarded_total",
	)
	assert.NoError(t, err)
}

func TestCollectorWithoutCallbacks(t *testing.T) {
	c := NewCollector("client", nil, nil)
	// info, connections_total, bytes x2, redirects x3
	assert.Equal(t, 7, testutil.CollectAndCount(c))
}

func TestHandler(t *testing.T) {
	c := NewCollector("server", nil, nil)
	c.BytesSent(5)
	srv := httptest.NewServer(Handler(NewRegistry(c), "/telemetry"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/telemetry")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "peerlink_bytes_sent_total 5")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
