// Package protocol defines the wire format shared by servers, clients and direct
// peer links: length-prefixed frames, the built-in control records, the type
// registry and whitelist, and segmentation of oversized payloads.
package protocol

// BroadcastRecipient addresses a redirect to every identified peer but the sender.
const BroadcastRecipient = "#ALL#"

// Built-in type names. They are always registered and always whitelisted.
const (
	TypePing     = "peerlink.Ping"
	TypeSegment  = "peerlink.Segment"
	TypeIdentity = "peerlink.Identity"
	TypeRedirect = "peerlink.Redirect"
	TypeSignal   = "peerlink.Signal"
)

// Ping is the keepalive message. It is consumed by the connection and never
// dispatched.
type Ping struct{}

// Segment is one slice of an oversized marshaled payload.
type Segment struct {
	Session string `json:"session"`
	Index   int    `json:"index"` // 1-based
	Total   int    `json:"total"`
	Data    []byte `json:"data"`
}

// IdentityAction tells the receiver what to do with an Identity record.
type IdentityAction uint8

const (
	RemoteIdentity IdentityAction = iota // another peer joined or is listed in a snapshot
	LocalIdentity                        // the receiver's own identity
	Dispose                              // the peer left
	MetadataUpdate                       // metadata patch
)

func (a IdentityAction) String() string {
	switch a {
	case RemoteIdentity:
		return "remote"
	case LocalIdentity:
		return "local"
	case Dispose:
		return "dispose"
	case MetadataUpdate:
		return "metadata"
	}
	return "unknown"
}

// Identity is the wire form of a peer. IP is only set on LocalIdentity records.
type Identity struct {
	ID       string            `json:"id"`
	IP       string            `json:"ip,omitempty"`
	Metadata map[string]string `json:"meta,omitempty"`
	Action   IdentityAction    `json:"action"`
}

// Redirect carries an already-marshaled value between two peers through the server.
type Redirect struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Type      string `json:"type"`
	Payload   []byte `json:"payload"`
}

// IsBroadcast reports whether r is addressed to every peer.
func (r *Redirect) IsBroadcast() bool {
	return r.Recipient == BroadcastRecipient
}

// SignalKind identifies a direct-link negotiation message.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	SignalHangup    SignalKind = "hangup"
)

// Signal is exchanged through redirects to negotiate a direct peer link.
type Signal struct {
	Kind      SignalKind `json:"kind"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}
