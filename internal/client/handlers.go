package client

import (
	"github.com/1ureka/peerlink/internal/dispatch"
	"github.com/1ureka/peerlink/internal/peer"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/transport"
)

func (c *Client) current(conn *transport.Connection) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn == conn
}

func (c *Client) handleMessage(conn *transport.Connection, v any) {
	if !c.current(conn) {
		return
	}
	switch m := v.(type) {
	case *protocol.Identity:
		c.handleIdentity(conn, m)
	case *protocol.Redirect:
		c.handleRedirect(conn, m)
	default:
		c.handlers.Dispatch(v, &dispatch.Event{Conn: conn})
	}
}

func (c *Client) handleIdentity(conn *transport.Connection, rec *protocol.Identity) {
	switch rec.Action {
	case protocol.LocalIdentity:
		self := peer.FromIdentity(rec)
		conn.SetPeerID(rec.ID)

		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		c.self = self
		select {
		case <-c.identified:
		default:
			close(c.identified)
		}
		c.mu.Unlock()

		c.log.Infof("identified as %s (%s)", rec.ID, rec.IP)
		if c.OnIdentified != nil {
			c.OnIdentified(self)
		}

	case protocol.RemoteIdentity:
		if rec.ID == c.selfID() {
			return
		}
		p, created := c.dir.Upsert(rec.ID, rec.IP, rec.Metadata)
		if created {
			c.log.Debugf("peer %s joined", rec.ID)
			if c.OnPeerJoined != nil {
				c.OnPeerJoined(p)
			}
		}

	case protocol.Dispose:
		p, ok := c.dir.Remove(rec.ID)
		if c.p2p != nil {
			c.p2p.Remove(rec.ID)
		}
		if ok {
			c.log.Debugf("peer %s left", rec.ID)
			if c.OnPeerLeft != nil {
				c.OnPeerLeft(p)
			}
		}

	case protocol.MetadataUpdate:
		var p *peer.Peer
		if self := c.Identity(); self != nil && self.ID() == rec.ID {
			p = self
		} else if other, ok := c.dir.Get(rec.ID); ok {
			p = other
		} else {
			return
		}
		// Updates from the server are authoritative.
		p.Apply(rec.Metadata)
		if c.OnPeerMetadata != nil {
			c.OnPeerMetadata(p, rec.Metadata)
		}

	default:
		c.log.Debugf("ignoring identity record with action %d", rec.Action)
	}
}

// handleRedirect unwraps a value forwarded by the server from another peer.
func (c *Client) handleRedirect(conn *transport.Connection, r *protocol.Redirect) {
	inner, err := c.codec.Unmarshal(r.Payload)
	if err != nil {
		c.handleError(conn, err)
		return
	}

	if sig, ok := inner.(*protocol.Signal); ok {
		if c.p2p != nil {
			c.p2p.HandleSignal(r.Sender, sig)
		}
		return
	}

	c.handlers.Dispatch(inner, &dispatch.Event{
		From:       c.peerOrPlaceholder(r.Sender),
		Conn:       conn,
		Redirected: true,
		Recipient:  r.Recipient,
	})
}

// peerOrPlaceholder returns the directory entry for id, or a bare peer when the
// identity record has not arrived yet.
func (c *Client) peerOrPlaceholder(id string) *peer.Peer {
	if p, ok := c.dir.Get(id); ok {
		return p
	}
	return peer.New(id, "", nil)
}

func (c *Client) handleError(conn *transport.Connection, err error) {
	c.metrics.ProtocolError(string(protocol.KindOf(err)))
	c.log.Debugf("message dropped: %v", err)
	if c.OnError != nil {
		c.OnError(err)
	}
}
