package protocol

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry maps wire type names to Go types. Values are always constructed as
// pointers, so a type registered as T is delivered to handlers as *T.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
	ctor   map[string]func() any
}

// NewRegistry returns a registry holding the built-in control records.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
		ctor:   make(map[string]func() any),
	}
	Register[Ping](r, TypePing)
	Register[Segment](r, TypeSegment)
	Register[Identity](r, TypeIdentity)
	Register[Redirect](r, TypeRedirect)
	Register[Signal](r, TypeSignal)
	return r
}

// Register binds name to T. Registering the same pair twice is a no-op; binding a
// name or a type twice to different counterparts panics.
func Register[T any](r *Registry, name string) {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byName[name]; ok {
		if prev == t {
			return
		}
		panic(fmt.Sprintf("protocol: type name %q already bound to %s", name, prev))
	}
	if prev, ok := r.byType[t]; ok {
		panic(fmt.Sprintf("protocol: type %s already registered as %q", t, prev))
	}

	r.byName[name] = t
	r.byType[t] = name
	r.ctor[name] = func() any { return reflect.New(t).Interface() }
}

// NameOf returns the registered name for v (a T or *T).
func (r *Registry) NameOf(v any) (string, bool) {
	t := reflect.TypeOf(v)
	if t == nil {
		return "", false
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[t]
	return name, ok
}

// New returns a fresh *T for the type registered under name.
func (r *Registry) New(name string) (any, bool) {
	r.mu.RLock()
	ctor, ok := r.ctor[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// Names lists every registered name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// IsBuiltin reports whether name is one of the control records.
func IsBuiltin(name string) bool {
	switch name {
	case TypePing, TypeSegment, TypeIdentity, TypeRedirect, TypeSignal:
		return true
	}
	return false
}

// TypeFilter is the inbound whitelist plus blacklist. An empty whitelist admits
// every registered type; the blacklist always wins. Built-in records are always
// admitted.
type TypeFilter struct {
	mu    sync.RWMutex
	allow map[string]struct{}
	deny  map[string]struct{}
}

// NewTypeFilter builds a filter from the configured lists.
func NewTypeFilter(allow, deny []string) *TypeFilter {
	f := &TypeFilter{
		allow: make(map[string]struct{}),
		deny:  make(map[string]struct{}),
	}
	f.Allow(allow...)
	f.Deny(deny...)
	return f
}

// Allow adds names to the whitelist.
func (f *TypeFilter) Allow(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.allow[n] = struct{}{}
	}
}

// Deny adds names to the blacklist.
func (f *TypeFilter) Deny(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.deny[n] = struct{}{}
	}
}

// Allowed reports whether values declared as name may be constructed.
func (f *TypeFilter) Allowed(name string) bool {
	if IsBuiltin(name) {
		return true
	}
	if f == nil {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.deny[name]; ok {
		return false
	}
	if len(f.allow) == 0 {
		return true
	}
	_, ok := f.allow[name]
	return ok
}
