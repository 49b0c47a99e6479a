package protocol

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reassembly defaults. DefaultMaxSegments allows a MaxFrameSize payload split
// into 1 KiB segments.
const (
	DefaultSegmentTTL  = 30 * time.Second
	DefaultMaxSessions = 256
	DefaultMaxSegments = MaxFrameSize / 1024
	DefaultMaxBytes    = MaxFrameSize
)

// Split cuts data into ceil(len/maxSize) segments sharing a fresh session id.
// Empty data yields a single empty segment.
func Split(data []byte, maxSize int) []*Segment {
	if maxSize <= 0 {
		panic("protocol: Split with non-positive maxSize")
	}

	total := (len(data) + maxSize - 1) / maxSize
	if total == 0 {
		total = 1
	}
	session := uuid.NewString()

	segs := make([]*Segment, 0, total)
	for i := range total {
		lo := i * maxSize
		hi := min(lo+maxSize, len(data))
		part := make([]byte, hi-lo)
		copy(part, data[lo:hi])
		segs = append(segs, &Segment{
			Session: session,
			Index:   i + 1,
			Total:   total,
			Data:    part,
		})
	}
	return segs
}

// Rebuild concatenates a complete set of segments in index order.
func Rebuild(segs []*Segment) ([]byte, error) {
	if len(segs) == 0 {
		return nil, malformed(errors.New("no segments"))
	}
	session, total := segs[0].Session, segs[0].Total
	if total != len(segs) {
		return nil, malformed(fmt.Errorf("have %d of %d segments", len(segs), total))
	}

	sorted := make([]*Segment, len(segs))
	copy(sorted, segs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	size := 0
	for i, s := range sorted {
		if s.Session != session || s.Total != total {
			return nil, malformed(errors.New("segments from different sessions"))
		}
		if s.Index != i+1 {
			return nil, malformed(fmt.Errorf("missing or duplicate index %d", i+1))
		}
		size += len(s.Data)
	}

	out := make([]byte, 0, size)
	for _, s := range sorted {
		out = append(out, s.Data...)
	}
	return out, nil
}

func malformed(err error) error {
	return &ProtocolError{Kind: KindMalformedSegment, Type: TypeSegment, Err: err}
}

type pendingSession struct {
	total    int
	size     int
	parts    map[int]*Segment
	lastSeen time.Time
}

// Reassembler collects segments by session id and rebuilds each payload once.
// It is safe for concurrent use; the last-segment check and the rebuild happen
// under the same lock, so a session is never rebuilt twice.
//
// MaxSegments bounds the Total a segment may declare. MaxBytes bounds the data
// held across all pending sessions: a session that alone exceeds it is
// dropped, otherwise the oldest other sessions are evicted to make room.
type Reassembler struct {
	TTL         time.Duration
	MaxSessions int
	MaxSegments int
	MaxBytes    int

	mu       sync.Mutex
	sessions map[string]*pendingSession
	size     int
	now      func() time.Time
}

// NewReassembler creates a reassembler with the default limits.
func NewReassembler() *Reassembler {
	return &Reassembler{
		TTL:         DefaultSegmentTTL,
		MaxSessions: DefaultMaxSessions,
		MaxSegments: DefaultMaxSegments,
		MaxBytes:    DefaultMaxBytes,
		sessions:    make(map[string]*pendingSession),
		now:         time.Now,
	}
}

// Accept stores seg and returns the rebuilt payload when it completes its
// session. Returns nil, nil while the session is still incomplete.
func (r *Reassembler) Accept(seg *Segment) ([]byte, error) {
	if seg == nil || seg.Session == "" || seg.Total < 1 || seg.Index < 1 || seg.Index > seg.Total {
		return nil, malformed(errors.New("invalid segment header"))
	}
	if r.MaxSegments > 0 && seg.Total > r.MaxSegments {
		return nil, malformed(fmt.Errorf("total %d exceeds %d segments", seg.Total, r.MaxSegments))
	}
	if r.MaxBytes > 0 && len(seg.Data) > r.MaxBytes {
		return nil, malformed(fmt.Errorf("segment of %d bytes exceeds %d", len(seg.Data), r.MaxBytes))
	}

	// Fast path: nothing to cache.
	if seg.Total == 1 {
		return Rebuild([]*Segment{seg})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.sessions[seg.Session]
	if !ok {
		if r.MaxSessions > 0 && len(r.sessions) >= r.MaxSessions {
			r.evictOldestLocked(seg.Session)
		}
		p = &pendingSession{total: seg.Total, parts: make(map[int]*Segment)}
		r.sessions[seg.Session] = p
	}
	if p.total != seg.Total {
		r.dropLocked(seg.Session)
		return nil, malformed(fmt.Errorf("session %s total changed from %d to %d", seg.Session, p.total, seg.Total))
	}

	grow := len(seg.Data)
	if old, ok := p.parts[seg.Index]; ok {
		grow -= len(old.Data)
	}
	if r.MaxBytes > 0 {
		if p.size+grow > r.MaxBytes {
			r.dropLocked(seg.Session)
			return nil, malformed(fmt.Errorf("session %s exceeds %d bytes", seg.Session, r.MaxBytes))
		}
		for r.size+grow > r.MaxBytes {
			if !r.evictOldestLocked(seg.Session) {
				break
			}
		}
	}

	p.parts[seg.Index] = seg
	p.size += grow
	r.size += grow
	p.lastSeen = r.now()
	if len(p.parts) < p.total {
		return nil, nil
	}

	r.dropLocked(seg.Session)
	segs := make([]*Segment, 0, p.total)
	for _, s := range p.parts {
		segs = append(segs, s)
	}
	return Rebuild(segs)
}

// Sweep drops sessions that have not received a segment within TTL and returns
// how many were dropped.
func (r *Reassembler) Sweep() int {
	if r.TTL <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.TTL)
	dropped := 0
	for id, p := range r.sessions {
		if p.lastSeen.Before(cutoff) {
			r.dropLocked(id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of incomplete sessions.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Size returns the segment bytes held by incomplete sessions.
func (r *Reassembler) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Reset discards every pending session.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.sessions)
	r.size = 0
}

func (r *Reassembler) dropLocked(id string) {
	if p, ok := r.sessions[id]; ok {
		r.size -= p.size
		delete(r.sessions, id)
	}
}

// evictOldestLocked drops the least recently fed session other than keep and
// reports whether one was dropped.
func (r *Reassembler) evictOldestLocked(keep string) bool {
	var oldestID string
	var oldest time.Time
	for id, p := range r.sessions {
		if id == keep {
			continue
		}
		if oldestID == "" || p.lastSeen.Before(oldest) {
			oldestID, oldest = id, p.lastSeen
		}
	}
	if oldestID == "" {
		return false
	}
	r.dropLocked(oldestID)
	return true
}
