package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peerlink/internal/config"
)

func TestResolveCachesByHostPort(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Enabled = false
	c := New(cfg, nil)
	defer c.Close()

	testCases := []struct {
		host string
		port int
		want string
	}{
		{"127.0.0.1", 7420, "127.0.0.1:7420"},
		{"::1", 7420, "[::1]:7420"},
		{"10.0.0.1", 80, "10.0.0.1:80"},
	}

	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			addr, err := c.resolve(context.Background(), tc.host, tc.port)
			require.NoError(t, err)
			assert.Equal(t, tc.want, addr)
		})
	}
	assert.Len(t, c.resolved, len(testCases))

	// Cached entries are served without a lookup, so a poisoned entry sticks
	// until it is forgotten.
	c.resolved["example.invalid:1"] = "192.0.2.1:1"
	addr, err := c.resolve(context.Background(), "example.invalid", 1)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:1", addr)

	c.forget("example.invalid", 1)
	_, cached := c.resolved["example.invalid:1"]
	assert.False(t, cached)
}
