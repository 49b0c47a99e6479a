// Package dispatch routes decoded values to handlers registered per Go type.
package dispatch

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/1ureka/peerlink/internal/peer"
	"github.com/1ureka/peerlink/internal/transport"
)

// Event describes where a dispatched value came from.
type Event struct {
	// From is the sending peer. On a client it is the redirect sender; on a
	// server it is the identity owning Conn. Nil when unknown.
	From *peer.Peer
	// Conn is the connection the value arrived on.
	Conn *transport.Connection
	// Redirected is set when the value travelled inside a redirect envelope.
	Redirected bool
	// Recipient is the redirect target: a peer id or the broadcast sentinel.
	Recipient string

	canceled atomic.Bool
}

// CancelRedirect asks the server not to forward the value. It only has an
// effect on a server, and only while the handler runs synchronously.
func (e *Event) CancelRedirect() { e.canceled.Store(true) }

// RedirectCanceled reports whether a handler called CancelRedirect.
func (e *Event) RedirectCanceled() bool { return e.canceled.Load() }

// Executor runs dispatch work. The default runs it inline on the receive
// goroutine, which keeps per-connection order.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// Inline runs work on the calling goroutine.
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

type entry struct {
	id uint64
	fn func(any, *Event)
}

// Registry holds the handlers of one server or client.
type Registry struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]entry
	any      []entry
	nextID   uint64
	exec     Executor
}

// NewRegistry returns an empty registry that runs handlers through exec, or
// inline when exec is nil.
func NewRegistry(exec Executor) *Registry {
	if exec == nil {
		exec = Inline
	}
	return &Registry{
		handlers: make(map[reflect.Type][]entry),
		exec:     exec,
	}
}

// SetExecutor swaps the executor used by later dispatches.
func (r *Registry) SetExecutor(exec Executor) {
	if exec == nil {
		exec = Inline
	}
	r.mu.Lock()
	r.exec = exec
	r.mu.Unlock()
}

func baseType(t reflect.Type) reflect.Type {
	if t != nil && t.Kind() == reflect.Pointer {
		return t.Elem()
	}
	return t
}

// Handle registers fn for values of type T. T may be the registered struct or a
// pointer to it; both receive the same messages. The returned function removes
// the handler.
func Handle[T any](r *Registry, fn func(T, *Event)) (remove func()) {
	key := baseType(reflect.TypeFor[T]())
	adapter := func(v any, ev *Event) {
		switch x := v.(type) {
		case T:
			fn(x, ev)
		default:
			// v is *T where T is a value type, or T where T is a pointer.
			rv := reflect.ValueOf(v)
			want := reflect.TypeFor[T]()
			switch {
			case rv.Kind() == reflect.Pointer && rv.Type().Elem() == want:
				fn(rv.Elem().Interface().(T), ev)
			case rv.Type() == baseType(want) && want.Kind() == reflect.Pointer:
				p := reflect.New(rv.Type())
				p.Elem().Set(rv)
				fn(p.Interface().(T), ev)
			}
		}
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[key] = append(r.handlers[key], entry{id: id, fn: adapter})
	r.mu.Unlock()

	return func() { r.remove(key, id) }
}

// HandleAny registers fn for every dispatched value.
func HandleAny(r *Registry, fn func(any, *Event)) (remove func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.any = append(r.any, entry{id: id, fn: fn})
	r.mu.Unlock()

	return func() { r.remove(nil, id) }
}

func (r *Registry) remove(key reflect.Type, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.any
	if key != nil {
		list = r.handlers[key]
	}
	out := list[:0:0]
	for _, e := range list {
		if e.id != id {
			out = append(out, e)
		}
	}
	if key == nil {
		r.any = out
	} else if len(out) == 0 {
		delete(r.handlers, key)
	} else {
		r.handlers[key] = out
	}
}

// Has reports whether a typed handler exists for v's type.
func (r *Registry) Has(v any) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[baseType(reflect.TypeOf(v))]) > 0
}

// Dispatch runs every handler for v through the executor and reports how many
// handlers matched.
func (r *Registry) Dispatch(v any, ev *Event) int {
	if ev == nil {
		ev = &Event{}
	}

	r.mu.RLock()
	typed := r.handlers[baseType(reflect.TypeOf(v))]
	list := make([]entry, 0, len(typed)+len(r.any))
	list = append(list, typed...)
	list = append(list, r.any...)
	exec := r.exec
	r.mu.RUnlock()

	if len(list) == 0 {
		return 0
	}
	exec.Execute(func() {
		for _, e := range list {
			e.fn(v, ev)
		}
	})
	return len(list)
}
