// Package peer holds live identities and the directory that indexes them.
package peer

import (
	"maps"
	"sort"
	"sync"

	"github.com/1ureka/peerlink/internal/protocol"
)

// Peer is one identified participant. A Peer is updated in place for its whole
// lifetime, so references handed to callbacks stay current.
type Peer struct {
	id string

	mu   sync.RWMutex
	ip   string
	meta map[string]string
}

// New creates a peer. meta is copied.
func New(id, ip string, meta map[string]string) *Peer {
	p := &Peer{id: id, ip: ip, meta: make(map[string]string, len(meta))}
	for k, v := range meta {
		if v != "" {
			p.meta[k] = v
		}
	}
	return p
}

// FromIdentity builds a peer from its wire record.
func FromIdentity(rec *protocol.Identity) *Peer {
	return New(rec.ID, rec.IP, rec.Metadata)
}

func (p *Peer) ID() string { return p.id }

// IP is only known for the local identity and on the server.
func (p *Peer) IP() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ip
}

// Metadata returns a copy of the peer's metadata.
func (p *Peer) Metadata() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.meta)
}

// Get returns a single metadata value.
func (p *Peer) Get(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.meta[key]
	return v, ok
}

// Identity returns the wire record for p. The IP is only included in
// LocalIdentity records.
func (p *Peer) Identity(action protocol.IdentityAction) *protocol.Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec := &protocol.Identity{
		ID:       p.id,
		Metadata: maps.Clone(p.meta),
		Action:   action,
	}
	if action == protocol.LocalIdentity {
		rec.IP = p.ip
	}
	return rec
}

func (p *Peer) String() string { return p.id }

// Apply merges patch into the metadata; an empty value deletes the key.
func (p *Peer) Apply(patch map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range patch {
		if v == "" {
			delete(p.meta, k)
		} else {
			p.meta[k] = v
		}
	}
}

// replace swaps the whole metadata map, keeping p itself.
func (p *Peer) replace(ip string, meta map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ip != "" {
		p.ip = ip
	}
	clear(p.meta)
	for k, v := range meta {
		if v != "" {
			p.meta[k] = v
		}
	}
}

// Directory indexes peers by id. It never holds two entries with the same id.
type Directory struct {
	mu         sync.RWMutex
	peers      map[string]*Peer
	restricted map[string]struct{}
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		peers:      make(map[string]*Peer),
		restricted: make(map[string]struct{}),
	}
}

// Upsert inserts a peer, or refreshes the existing entry in place. created
// reports whether the id was new.
func (d *Directory) Upsert(id, ip string, meta map[string]string) (p *Peer, created bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.peers[id]; ok {
		existing.replace(ip, meta)
		return existing, false
	}
	p = New(id, ip, meta)
	d.peers[id] = p
	return p, true
}

// Add inserts p unless its id is taken; it returns the entry that is stored.
func (d *Directory) Add(p *Peer) (*Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.peers[p.id]; ok {
		return existing, false
	}
	d.peers[p.id] = p
	return p, true
}

// Remove deletes the entry for id and returns it.
func (d *Directory) Remove(id string) (*Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	if ok {
		delete(d.peers, id)
	}
	return p, ok
}

func (d *Directory) Get(id string) (*Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	return p, ok
}

// Snapshot returns the current peers ordered by id.
func (d *Directory) Snapshot() []*Peer {
	d.mu.RLock()
	out := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Clear drops every entry.
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.peers)
}

// Patch applies a metadata patch to the peer id. Untrusted patches lose their
// restricted keys first. The applied subset is returned; ok is false when id
// is unknown.
func (d *Directory) Patch(id string, patch map[string]string, trusted bool) (applied map[string]string, ok bool) {
	d.mu.RLock()
	p, ok := d.peers[id]
	applied = make(map[string]string, len(patch))
	for k, v := range patch {
		if _, r := d.restricted[k]; r && !trusted {
			continue
		}
		applied[k] = v
	}
	d.mu.RUnlock()

	if !ok {
		return nil, false
	}
	p.Apply(applied)
	return applied, true
}

// Restrict marks keys that only trusted (server-side) patches may change.
func (d *Directory) Restrict(keys ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		d.restricted[k] = struct{}{}
	}
}

func (d *Directory) IsRestricted(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.restricted[key]
	return ok
}
