// Package registry maps topic keys to their live backend subscription.
//
// A Registry is not safe for concurrent use; the router serializes every
// call under its own lock.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkkko/agentdesk/internal/clock"
)

// Consumer is one callback pair attached to a topic
type Consumer struct {
	ID      string
	OnData  func(data any)
	OnError func(err error)

	detached atomic.Bool

	// delivery bookkeeping, guarded by mu
	mu         sync.Mutex
	seen       uint64
	delivering bool
	queued     *delivery
}

type delivery struct {
	version uint64
	data    any
}

// Deliver hands data, published as version of the topic value, to OnData.
// A version at or below the last one accepted is dropped. Calls never
// overlap: a delivery that arrives while OnData runs is queued, and only
// the newest queued value is handed over once OnData returns. It reports
// whether data was accepted.
func (c *Consumer) Deliver(version uint64, data any) bool {
	if c.OnData == nil {
		return false
	}
	c.mu.Lock()
	if version <= c.seen || c.Detached() {
		c.mu.Unlock()
		return false
	}
	c.seen = version
	if c.delivering {
		c.queued = &delivery{version: version, data: data}
		c.mu.Unlock()
		return true
	}
	c.delivering = true
	c.mu.Unlock()

	for {
		if !c.Detached() {
			c.OnData(data)
		}

		c.mu.Lock()
		next := c.queued
		c.queued = nil
		if next == nil {
			c.delivering = false
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()
		data = next.data
	}
}

// Detach marks the consumer gone. It reports false if it already was.
func (c *Consumer) Detach() bool {
	return c.detached.CompareAndSwap(false, true)
}

// Detached reports whether Detach was called
func (c *Consumer) Detached() bool {
	return c.detached.Load()
}

// Entry is the single live subscription for a topic key
type Entry struct {
	Key string
	// Generation identifies this activation; a key that is torn down and
	// attached again gets a new one
	Generation uint64
	// Unsubscribe is owned by the entry and called exactly once on teardown
	Unsubscribe func()
	Consumers   map[string]*Consumer
	LastValue   any
	HasValue    bool
	// Version counts publishes of this activation; LastValue is Version
	Version uint64
	// Pending is the armed debounce timer, nil when no fan-out is scheduled
	Pending   *clock.Timer
	CreatedAt time.Time
}

// Snapshot returns the attached consumers in a stable order
func (e *Entry) Snapshot() []*Consumer {
	out := make([]*Consumer, 0, len(e.Consumers))
	for _, c := range e.Consumers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopPending cancels a scheduled fan-out if there is one
func (e *Entry) StopPending() {
	if e.Pending != nil {
		e.Pending.Stop()
		e.Pending = nil
	}
}

// Registry holds zero or one Entry per topic key
type Registry struct {
	entries    map[string]*Entry
	generation uint64
	now        func() time.Time
}

// New creates an empty registry
func New(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entries: make(map[string]*Entry),
		now:     now,
	}
}

// Get returns the entry for key, or nil
func (r *Registry) Get(key string) *Entry {
	return r.entries[key]
}

// Create returns the entry for key, creating a fresh activation if none
// exists. created reports whether a new entry was made.
func (r *Registry) Create(key string) (entry *Entry, created bool) {
	if e, ok := r.entries[key]; ok {
		return e, false
	}
	r.generation++
	e := &Entry{
		Key:        key,
		Generation: r.generation,
		Consumers:  make(map[string]*Consumer),
		CreatedAt:  r.now(),
	}
	r.entries[key] = e
	return e, true
}

// Remove deletes the entry for key and returns it, or nil if absent
func (r *Registry) Remove(key string) *Entry {
	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	delete(r.entries, key)
	return e
}

// Len returns the number of live topics
func (r *Registry) Len() int {
	return len(r.entries)
}

// Keys returns the live topic keys in sorted order
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
