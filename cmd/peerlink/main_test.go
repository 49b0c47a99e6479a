package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peerlink/internal/peer"
	"github.com/1ureka/peerlink/internal/protocol"
)

func TestChatTypes(t *testing.T) {
	types := chatTypes()
	name, ok := types.NameOf(&ChatLine{})
	require.True(t, ok)
	assert.Equal(t, "peerlink.chat.Line", name)

	codec := protocol.NewCodec(types, nil)
	payload, err := codec.Marshal(&ChatLine{Text: "hi"})
	require.NoError(t, err)
	v, err := codec.Unmarshal(payload)
	require.NoError(t, err)
	assert.Equal(t, "hi", v.(*ChatLine).Text)
}

func TestDisplayName(t *testing.T) {
	testCases := []struct {
		name string
		p    *peer.Peer
		want string
	}{
		{"server origin", nil, "hub"},
		{"named", peer.New("0123456789abcdef", "", map[string]string{"name": "alice"}), "alice"},
		{"unnamed", peer.New("0123456789abcdef", "", nil), "01234567"},
		{"short id", peer.New("abc", "", nil), "abc"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, displayName(tc.p))
		})
	}
}
