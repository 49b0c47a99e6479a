// Package p2p negotiates direct WebRTC DataChannel links between peers. The
// server only introduces the two sides: offers, answers and ICE candidates
// travel as protocol.Signal values inside redirects. An open link is driven by
// a regular transport.Connection, so framing and whitelisting are unchanged.
package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

var (
	// ErrNoLink is returned when no open link exists for a peer.
	ErrNoLink = errors.New("no direct link to peer")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("p2p manager closed")
)

// channelID is the pre-negotiated DataChannel id used by both sides.
const channelID uint16 = 0

// Signaler delivers a negotiation message to a remote peer.
type Signaler func(peerID string, sig *protocol.Signal) error

// Config configures a Manager. Options and the callbacks apply to every link.
type Config struct {
	STUNServers []string
	Options     transport.Options
	Log         util.Logger

	// SelfID returns the local peer id; it breaks ties when both sides offer.
	SelfID func() string

	OnOpen    func(peerID string, conn *transport.Connection)
	OnMessage func(peerID string, conn *transport.Connection, v any)
	OnError   func(peerID string, conn *transport.Connection, err error)
	OnClose   func(peerID string, reason transport.DisconnectionReason)
}

// Manager owns the direct links of one client.
type Manager struct {
	cfg    Config
	signal Signaler
	log    util.Logger

	mu     sync.Mutex
	links  map[string]*link
	closed bool
}

// NewManager returns a manager that negotiates through signal.
func NewManager(cfg Config, signal Signaler) *Manager {
	return &Manager{
		cfg:    cfg,
		signal: signal,
		log:    cfg.Log.With("p2p"),
		links:  make(map[string]*link),
	}
}

// link is one PeerConnection and the Connection riding its DataChannel.
type link struct {
	peerID  string
	offerer bool
	pc      *webrtc.PeerConnection
	stream  *transport.ChannelStream
	conn    *transport.Connection

	ready     chan struct{}
	readyOnce sync.Once

	mu            sync.Mutex
	remoteSet     bool
	remotePending []webrtc.ICECandidateInit
	localSent     bool
	localPending  []*protocol.Signal
}

func newPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// createDataChannel opens the negotiated, ordered channel every link uses.
// Ordering matters: segments of one message must arrive in sequence.
func createDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered, negotiated, id := true, true, channelID
	return pc.CreateDataChannel("peerlink", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// newLink builds the PeerConnection, channel and connection for peerID and
// registers it, replacing nothing: the caller must have checked for an
// existing link under m.mu.
func (m *Manager) newLink(peerID string, offerer bool) (*link, error) {
	pc, err := newPeerConnection(m.cfg.STUNServers)
	if err != nil {
		return nil, fmt.Errorf("NewPeerConnection: %w", err)
	}
	dc, err := createDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("CreateDataChannel: %w", err)
	}

	l := &link{
		peerID:  peerID,
		offerer: offerer,
		pc:      pc,
		stream:  transport.DataChannelStream(dc, "p2p:"+peerID),
		ready:   make(chan struct{}),
	}

	opts := m.cfg.Options
	opts.Outbound = offerer
	opts.Log = m.log.With(shortID(peerID))
	l.conn = transport.New(l.stream, opts, transport.Handlers{
		OnMessage: func(c *transport.Connection, v any) {
			if m.cfg.OnMessage != nil {
				m.cfg.OnMessage(peerID, c, v)
			}
		},
		OnError: func(c *transport.Connection, err error) {
			if m.cfg.OnError != nil {
				m.cfg.OnError(peerID, c, err)
			}
		},
		OnClose: func(c *transport.Connection, reason transport.DisconnectionReason, err error) {
			m.drop(l)
			pc.Close()
			m.log.Infof("direct link to %s closed: %s", peerID, reason)
			if m.cfg.OnClose != nil {
				m.cfg.OnClose(peerID, reason)
			}
		},
	})
	l.conn.SetPeerID(peerID)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		m.sendLocal(l, &protocol.Signal{Kind: protocol.SignalCandidate, Candidate: string(data)})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Debugf("link %s: %s", peerID, state)
		if state == webrtc.PeerConnectionStateFailed {
			m.log.Warnf("ICE failed for %s", peerID)
			l.conn.Close()
		}
	})

	// The connection starts once the channel opens so keepalive does not
	// count negotiation time as silence.
	go func() {
		select {
		case <-l.stream.Opened():
			if err := l.conn.Start(); err != nil {
				return
			}
			l.readyOnce.Do(func() { close(l.ready) })
			m.log.Infof("direct link to %s open", peerID)
			if m.cfg.OnOpen != nil {
				m.cfg.OnOpen(peerID, l.conn)
			}
		case <-l.stream.Done():
			l.conn.Close()
		}
	}()

	m.links[peerID] = l
	return l, nil
}

// Connect offers a direct link to peerID and waits until it opens or ctx ends.
// An already open link is returned as is.
func (m *Manager) Connect(ctx context.Context, peerID string) (*transport.Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	l, ok := m.links[peerID]
	if !ok {
		var err error
		if l, err = m.newLink(peerID, true); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	m.mu.Unlock()

	if !ok {
		if err := m.offer(l); err != nil {
			l.conn.Close()
			return nil, err
		}
	}

	select {
	case <-l.ready:
		return l.conn, nil
	case <-l.conn.Done():
		return nil, fmt.Errorf("direct link to %s: %w", peerID, transport.ErrClosed)
	case <-ctx.Done():
		l.conn.Close()
		return nil, fmt.Errorf("direct link to %s: %w", peerID, ctx.Err())
	}
}

func (m *Manager) offer(l *link) error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	if err := m.signal(l.peerID, &protocol.Signal{Kind: protocol.SignalOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	m.flushLocal(l)
	return nil
}

// HandleSignal applies a negotiation message received from peerID.
func (m *Manager) HandleSignal(peerID string, sig *protocol.Signal) {
	switch sig.Kind {
	case protocol.SignalOffer:
		m.handleOffer(peerID, sig)
	case protocol.SignalAnswer:
		l, ok := m.link(peerID)
		if !ok {
			m.log.Debugf("answer from %s without an offer", peerID)
			return
		}
		if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  sig.SDP,
		}); err != nil {
			m.log.Warnf("SetRemoteDescription failed for %s: %v", peerID, err)
			return
		}
		m.flushRemote(l)
	case protocol.SignalCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(sig.Candidate), &init); err != nil {
			m.log.Debugf("bad candidate from %s: %v", peerID, err)
			return
		}
		l, ok := m.link(peerID)
		if !ok {
			m.log.Debugf("candidate from %s without a link", peerID)
			return
		}
		l.mu.Lock()
		if !l.remoteSet {
			l.remotePending = append(l.remotePending, init)
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		if err := l.pc.AddICECandidate(init); err != nil {
			m.log.Debugf("AddICECandidate failed for %s: %v", peerID, err)
		}
	case protocol.SignalHangup:
		if l, ok := m.link(peerID); ok {
			l.conn.Close()
		}
	default:
		m.log.Debugf("unknown signal %q from %s", sig.Kind, peerID)
	}
}

func (m *Manager) handleOffer(peerID string, sig *protocol.Signal) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if existing, ok := m.links[peerID]; ok {
		// Both sides offered: the smaller id keeps its offer.
		if existing.offerer && m.selfID() < peerID {
			m.mu.Unlock()
			return
		}
		delete(m.links, peerID)
		go existing.conn.Close()
	}
	l, err := m.newLink(peerID, false)
	m.mu.Unlock()
	if err != nil {
		m.log.Errorf("answer %s: %v", peerID, err)
		return
	}

	if err := m.answer(l, sig.SDP); err != nil {
		m.log.Warnf("answer %s: %v", peerID, err)
		l.conn.Close()
	}
}

func (m *Manager) answer(l *link, sdp string) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}
	m.flushRemote(l)

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	if err := m.signal(l.peerID, &protocol.Signal{Kind: protocol.SignalAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	m.flushLocal(l)
	return nil
}

// sendLocal forwards a local candidate, holding it back until the offer or
// answer it belongs to has been sent.
func (m *Manager) sendLocal(l *link, sig *protocol.Signal) {
	l.mu.Lock()
	if !l.localSent {
		l.localPending = append(l.localPending, sig)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	if err := m.signal(l.peerID, sig); err != nil {
		m.log.Debugf("send candidate to %s: %v", l.peerID, err)
	}
}

func (m *Manager) flushLocal(l *link) {
	l.mu.Lock()
	l.localSent = true
	pending := l.localPending
	l.localPending = nil
	l.mu.Unlock()
	for _, sig := range pending {
		if err := m.signal(l.peerID, sig); err != nil {
			m.log.Debugf("send candidate to %s: %v", l.peerID, err)
		}
	}
}

func (m *Manager) flushRemote(l *link) {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.remotePending
	l.remotePending = nil
	l.mu.Unlock()
	for _, init := range pending {
		if err := l.pc.AddICECandidate(init); err != nil {
			m.log.Debugf("AddICECandidate failed for %s: %v", l.peerID, err)
		}
	}
}

func (m *Manager) link(peerID string) (*link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[peerID]
	return l, ok
}

// drop unregisters l unless it was already replaced.
func (m *Manager) drop(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.links[l.peerID]; ok && cur == l {
		delete(m.links, l.peerID)
	}
}

func (m *Manager) selfID() string {
	if m.cfg.SelfID == nil {
		return ""
	}
	return m.cfg.SelfID()
}

// Get returns the open connection to peerID.
func (m *Manager) Get(peerID string) (*transport.Connection, bool) {
	l, ok := m.link(peerID)
	if !ok {
		return nil, false
	}
	select {
	case <-l.ready:
		return l.conn, !l.conn.IsClosed()
	default:
		return nil, false
	}
}

// Send queues v on the open link to peerID.
func (m *Manager) Send(peerID string, v any) error {
	conn, ok := m.Get(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLink, peerID)
	}
	return conn.Send(v)
}

// Peers returns the ids with a registered link, open or negotiating.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Hangup tells peerID the link is going away and closes it.
func (m *Manager) Hangup(peerID string) bool {
	l, ok := m.link(peerID)
	if !ok {
		return false
	}
	if err := m.signal(peerID, &protocol.Signal{Kind: protocol.SignalHangup}); err != nil {
		m.log.Debugf("send hangup to %s: %v", peerID, err)
	}
	l.conn.Close()
	return true
}

// Remove closes the link to peerID without signalling, e.g. when the peer has
// already left.
func (m *Manager) Remove(peerID string) {
	if l, ok := m.link(peerID); ok {
		l.conn.Close()
	}
}

// Close closes every link and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		l.conn.Close()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
