package peer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peerlink/internal/protocol"
)

func TestUpsertKeepsReference(t *testing.T) {
	d := NewDirectory()
	p, created := d.Upsert("a", "10.0.0.1", map[string]string{"name": "alice"})
	require.True(t, created)

	again, created := d.Upsert("a", "", map[string]string{"name": "alice2", "room": "1"})
	assert.False(t, created)
	assert.Same(t, p, again)
	assert.Equal(t, map[string]string{"name": "alice2", "room": "1"}, p.Metadata())
	assert.Equal(t, "10.0.0.1", p.IP())
	assert.Equal(t, 1, d.Len())
}

func TestPatch(t *testing.T) {
	d := NewDirectory()
	d.Restrict("role")
	p, _ := d.Upsert("a", "", map[string]string{"name": "alice", "role": "user"})

	testCases := []struct {
		name        string
		patch       map[string]string
		trusted     bool
		wantApplied map[string]string
		wantMeta    map[string]string
	}{
		{
			name:        "plain update",
			patch:       map[string]string{"name": "al"},
			wantApplied: map[string]string{"name": "al"},
			wantMeta:    map[string]string{"name": "al", "role": "user"},
		},
		{
			name:        "restricted key dropped",
			patch:       map[string]string{"role": "admin", "mood": "ok"},
			wantApplied: map[string]string{"mood": "ok"},
			wantMeta:    map[string]string{"name": "al", "role": "user", "mood": "ok"},
		},
		{
			name:        "trusted may change restricted",
			patch:       map[string]string{"role": "admin"},
			trusted:     true,
			wantApplied: map[string]string{"role": "admin"},
			wantMeta:    map[string]string{"name": "al", "role": "admin", "mood": "ok"},
		},
		{
			name:        "empty value deletes",
			patch:       map[string]string{"mood": ""},
			wantApplied: map[string]string{"mood": ""},
			wantMeta:    map[string]string{"name": "al", "role": "admin"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			applied, ok := d.Patch("a", tc.patch, tc.trusted)
			require.True(t, ok)
			assert.Equal(t, tc.wantApplied, applied)
			assert.Equal(t, tc.wantMeta, p.Metadata())
		})
	}

	_, ok := d.Patch("missing", map[string]string{"x": "y"}, true)
	assert.False(t, ok)
	assert.True(t, d.IsRestricted("role"))
	assert.False(t, d.IsRestricted("name"))
}

func TestIdentityRecord(t *testing.T) {
	p := New("a", "1.2.3.4", map[string]string{"k": "v", "empty": ""})

	local := p.Identity(protocol.LocalIdentity)
	assert.Equal(t, "1.2.3.4", local.IP)
	assert.Equal(t, map[string]string{"k": "v"}, local.Metadata)

	remote := p.Identity(protocol.RemoteIdentity)
	assert.Empty(t, remote.IP)
	assert.Equal(t, protocol.RemoteIdentity, remote.Action)

	// The record is a copy.
	remote.Metadata["k"] = "changed"
	v, _ := p.Get("k")
	assert.Equal(t, "v", v)
}

func TestAddDoesNotReplace(t *testing.T) {
	d := NewDirectory()
	first, ok := d.Add(New("a", "", nil))
	require.True(t, ok)
	stored, ok := d.Add(New("a", "", map[string]string{"x": "y"}))
	assert.False(t, ok)
	assert.Same(t, first, stored)
}

// TestDirectoryConcurrent runs adds, removes and patches from many goroutines
// and checks the final contents.
func TestDirectoryConcurrent(t *testing.T) {
	d := NewDirectory()
	const workers = 16
	const perWorker = 50

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				id := fmt.Sprintf("w%d-%d", w, i)
				d.Upsert(id, "", map[string]string{"gen": "0"})
				// Every worker also races on a shared id.
				d.Upsert("shared", "", nil)
				d.Patch(id, map[string]string{"gen": fmt.Sprint(i)}, false)
				if i%2 == 1 {
					d.Remove(id)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker/2+1, d.Len())
	seen := make(map[string]bool)
	for _, p := range d.Snapshot() {
		assert.False(t, seen[p.ID()], "duplicate %s", p.ID())
		seen[p.ID()] = true
	}
	for w := range workers {
		for i := 0; i < perWorker; i += 2 {
			p, ok := d.Get(fmt.Sprintf("w%d-%d", w, i))
			require.True(t, ok)
			gen, _ := p.Get("gen")
			assert.Equal(t, fmt.Sprint(i), gen)
		}
	}
}

func TestSnapshotOrdered(t *testing.T) {
	d := NewDirectory()
	for _, id := range []string{"c", "a", "b"} {
		d.Upsert(id, "", nil)
	}
	var ids []string
	for _, p := range d.Snapshot() {
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	removed, ok := d.Remove("b")
	require.True(t, ok)
	assert.Equal(t, "b", removed.ID())
	d.Clear()
	assert.Zero(t, d.Len())
}
