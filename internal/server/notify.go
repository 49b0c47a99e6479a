package server

import (
	"sync"

	"github.com/1ureka/peerlink/internal/transport"
)

// maxPendingEvents bounds the directory events waiting for one connection.
// A connection that falls further behind is closed.
const maxPendingEvents = 4096

// notifier delivers directory events to one connection in the order they were
// queued. Queuing never blocks, so events can be queued under joinMu while a
// slow connection only delays itself.
type notifier struct {
	conn *transport.Connection
	wake chan struct{}

	mu      sync.Mutex
	pending []any
}

func newNotifier(conn *transport.Connection) *notifier {
	n := &notifier{conn: conn, wake: make(chan struct{}, 1)}
	go n.run()
	return n
}

// seed queues the join handshake. It is not subject to maxPendingEvents.
func (n *notifier) seed(vs ...any) {
	n.mu.Lock()
	n.pending = append(n.pending, vs...)
	n.mu.Unlock()
	n.signal()
}

// push queues v and reports false when the connection is too far behind.
func (n *notifier) push(v any) bool {
	n.mu.Lock()
	if len(n.pending) >= maxPendingEvents {
		n.mu.Unlock()
		return false
	}
	n.pending = append(n.pending, v)
	n.mu.Unlock()
	n.signal()
	return true
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	done := n.conn.Context().Done()
	for {
		select {
		case <-n.wake:
		case <-done:
			return
		}

		n.mu.Lock()
		batch := n.pending
		n.pending = nil
		n.mu.Unlock()

		for _, v := range batch {
			if err := n.conn.Send(v); err != nil {
				return
			}
		}
	}
}

// notify queues v for every identified connection except the given peer id.
// Callers hold joinMu so that events reach every connection in one order.
func (s *Server) notify(v any, except string) {
	s.mu.RLock()
	var lagging []*notifier
	for id, n := range s.events {
		if id == except {
			continue
		}
		if !n.push(v) {
			lagging = append(lagging, n)
		}
	}
	s.mu.RUnlock()

	for _, n := range lagging {
		s.log.Warnf("peer %s is %d directory events behind, disconnecting", n.conn.PeerID(), maxPendingEvents)
		// Closing runs handleClose, which needs joinMu.
		go n.conn.Close()
	}
}
