package server

import (
	"github.com/google/uuid"

	"github.com/1ureka/peerlink/internal/dispatch"
	"github.com/1ureka/peerlink/internal/peer"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

// Accept runs an already established stream as a server connection: it starts
// the connection, assigns an identity and performs the join handshake.
func (s *Server) Accept(stream transport.Stream) *transport.Connection {
	if s.closed.Load() {
		stream.Close()
		return nil
	}
	if backlog := s.cfg.Server.Backlog; backlog > 0 && s.connectionCount() >= backlog {
		s.log.Warnf("rejecting %s: %d connections open", stream.RemoteAddr(), backlog)
		stream.Close()
		return nil
	}

	opts := transport.OptionsFromConfig(s.cfg, s.codec, s.log)
	opts.Stats = s.stats
	opts.Observer = s.metrics

	conn := transport.New(stream, opts, transport.Handlers{
		OnMessage: s.handleMessage,
		OnError:   s.handleError,
		OnClose:   s.handleClose,
	})

	id := uuid.NewString()
	p := peer.New(id, util.HostOf(stream.RemoteAddr()), nil)
	conn.SetPeerID(id)

	// Directory events are queued without blocking, so the lock is never held
	// across a send to a slow connection.
	s.joinMu.Lock()
	snapshot := s.dir.Snapshot()
	events := newNotifier(conn)

	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.byPeer[id] = conn
	s.events[id] = events
	s.mu.Unlock()
	s.dir.Add(p)

	if err := conn.Start(); err != nil {
		s.joinMu.Unlock()
		s.log.Errorf("start %s: %v", stream.RemoteAddr(), err)
		return nil
	}

	// The newcomer learns its own identity first, then everyone else's.
	handshake := make([]any, 0, len(snapshot)+1)
	handshake = append(handshake, p.Identity(protocol.LocalIdentity))
	for _, other := range snapshot {
		handshake = append(handshake, other.Identity(protocol.RemoteIdentity))
	}
	events.seed(handshake...)
	s.notify(p.Identity(protocol.RemoteIdentity), id)
	s.joinMu.Unlock()

	s.metrics.ConnectionOpened()
	s.log.Infof("peer %s joined from %s", id, stream.RemoteAddr())
	if s.OnConnected != nil {
		s.OnConnected(conn, p)
	}
	return conn
}

func (s *Server) handleClose(conn *transport.Connection, reason transport.DisconnectionReason, err error) {
	id := conn.PeerID()

	s.joinMu.Lock()
	s.mu.Lock()
	delete(s.conns, conn.ID())
	if cur, ok := s.byPeer[id]; ok && cur == conn {
		delete(s.byPeer, id)
		delete(s.events, id)
	}
	s.mu.Unlock()
	p, removed := s.dir.Remove(id)
	if removed {
		s.notify(&protocol.Identity{ID: id, Action: protocol.Dispose}, id)
	}
	s.joinMu.Unlock()

	s.metrics.ConnectionClosed(reason.String())

	if err != nil {
		s.log.Infof("peer %s left: %s (%v)", id, reason, err)
	} else {
		s.log.Infof("peer %s left: %s", id, reason)
	}
	if s.OnDisconnected != nil {
		s.OnDisconnected(conn, p, reason)
	}
}

func (s *Server) handleError(conn *transport.Connection, err error) {
	s.metrics.ProtocolError(string(protocol.KindOf(err)))
	if s.OnError != nil {
		s.OnError(conn, err)
	}
}

func (s *Server) handleMessage(conn *transport.Connection, v any) {
	switch m := v.(type) {
	case *protocol.Identity:
		s.handleIdentity(conn, m)
		return
	case *protocol.Redirect:
		s.route(conn, m)
		return
	case *protocol.Signal:
		// Signals are only meaningful inside redirects.
		s.log.Debugf("ignoring bare signal from %s", conn.PeerID())
		return
	}

	from, _ := s.dir.Get(conn.PeerID())
	s.handlers.Dispatch(v, &dispatch.Event{From: from, Conn: conn})
}

// handleIdentity applies a client's request to change its own metadata.
func (s *Server) handleIdentity(conn *transport.Connection, rec *protocol.Identity) {
	id := conn.PeerID()
	if rec.Action != protocol.MetadataUpdate || rec.ID != id {
		s.log.Debugf("ignoring %s identity record from %s", rec.Action, id)
		return
	}

	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	applied, ok := s.dir.Patch(id, rec.Metadata, false)
	if !ok || len(applied) == 0 {
		return
	}
	s.notify(&protocol.Identity{ID: id, Metadata: applied, Action: protocol.MetadataUpdate}, "")
}

// route forwards a redirect envelope. The inner value is decoded for server
// handlers when its type is known here; a handler may cancel the forward.
func (s *Server) route(conn *transport.Connection, r *protocol.Redirect) {
	sender := conn.PeerID()
	r.Sender = sender

	if !s.cfg.P2P.Enabled {
		s.metrics.RedirectDropped()
		s.log.Debugf("redirect %s from %s refused: p2p disabled", r.Type, sender)
		return
	}

	from, _ := s.dir.Get(sender)
	ev := &dispatch.Event{From: from, Conn: conn, Redirected: true, Recipient: r.Recipient}

	if inner, err := s.codec.Unmarshal(r.Payload); err == nil {
		if name, ok := s.types.NameOf(inner); ok {
			r.Type = name
		}
		s.handlers.Dispatch(inner, ev)
	} else if kind := protocol.KindOf(err); kind != protocol.KindUnknownType && kind != protocol.KindNotWhitelisted {
		s.handleError(conn, err)
	}

	if ev.RedirectCanceled() {
		s.metrics.RedirectCanceled()
		s.log.Debugf("redirect %s from %s canceled", r.Type, sender)
		return
	}

	if r.IsBroadcast() {
		n := s.SendBroadcast(r, sender)
		s.metrics.RedirectForwarded(n)
		return
	}

	if r.Recipient == sender {
		return
	}
	s.mu.RLock()
	target, ok := s.byPeer[r.Recipient]
	s.mu.RUnlock()
	if !ok {
		s.metrics.RedirectDropped()
		s.log.Debugf("redirect %s from %s to unknown peer %s dropped", r.Type, sender, r.Recipient)
		return
	}
	if err := target.Send(r); err != nil {
		s.log.Debugf("redirect to %s: %v", r.Recipient, err)
		return
	}
	s.metrics.RedirectForwarded(1)
}
