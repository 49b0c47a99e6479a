package client

import (
	"context"

	"github.com/1ureka/peerlink/internal/dispatch"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/transport"
)

func (c *Client) directReady() error {
	if c.p2p == nil {
		return &PeerToPeerError{Reason: "p2p disabled"}
	}
	if c.Identity() == nil {
		return &PeerToPeerError{Reason: "identity not negotiated"}
	}
	return nil
}

// ConnectPeer negotiates a direct link to peerID through the server and waits
// for it to open.
func (c *Client) ConnectPeer(ctx context.Context, peerID string) (*transport.Connection, error) {
	if err := c.directReady(); err != nil {
		return nil, err
	}
	if peerID == c.selfID() {
		return nil, &PeerToPeerError{Reason: "cannot link to self"}
	}
	return c.p2p.Connect(ctx, peerID)
}

// SendDirect queues v on the open direct link to peerID.
func (c *Client) SendDirect(peerID string, v any) error {
	if c.p2p == nil {
		return &PeerToPeerError{Reason: "p2p disabled"}
	}
	return c.p2p.Send(peerID, v)
}

// ClosePeer hangs up the direct link to peerID.
func (c *Client) ClosePeer(peerID string) bool {
	if c.p2p == nil {
		return false
	}
	return c.p2p.Hangup(peerID)
}

// DirectPeers returns the ids with a direct link, open or negotiating.
func (c *Client) DirectPeers() []string {
	if c.p2p == nil {
		return nil
	}
	return c.p2p.Peers()
}

func (c *Client) sendSignal(peerID string, sig *protocol.Signal) error {
	return c.redirect(peerID, sig)
}

func (c *Client) handleDirect(peerID string, conn *transport.Connection, v any) {
	c.handlers.Dispatch(v, &dispatch.Event{
		From: c.peerOrPlaceholder(peerID),
		Conn: conn,
	})
}

func (c *Client) handleDirectOpen(peerID string, conn *transport.Connection) {
	c.metrics.ConnectionOpened()
	if c.OnDirectLink != nil {
		c.OnDirectLink(c.peerOrPlaceholder(peerID), conn)
	}
}

func (c *Client) handleDirectClose(peerID string, reason transport.DisconnectionReason) {
	c.metrics.ConnectionClosed(reason.String())
	if c.OnDirectClosed != nil {
		c.OnDirectClosed(c.peerOrPlaceholder(peerID), reason)
	}
}
