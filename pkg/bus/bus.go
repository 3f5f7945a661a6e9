// Package bus defines the agent's message-bus surface: a right-pushable
// list plus a pub/sub channel. It ships one in-process implementation so
// the agent runs end to end without a real Redis deployment; the event
// producer and log shipper depend only on the narrow Bus interface, so a
// Redis-backed implementation can be swapped in without touching them.
package bus

import (
	"context"
	"sync"
	"time"
)

// Bus is the narrow surface the event producer and log shipper need: a
// right-pushed list (for durable, orderable records) and a pub/sub channel
// (for live fan-out), both keyed by name.
type Bus interface {
	// ListPush appends value to the list at key. If ttl is non-zero, the
	// key's expiry is (re)set to ttl after the push.
	ListPush(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Publish fans value out to current subscribers of channel. Publishing
	// to a channel with no subscribers is a no-op, not an error.
	Publish(ctx context.Context, channel string, value []byte) error
}

// Subscriber receives values published to a channel it subscribed to.
type Subscriber chan []byte

// SubscribableBus is implemented by bus backends that also support
// subscription, used by tests and by any future live log tail feature.
type SubscribableBus interface {
	Bus
	Subscribe(channel string) Subscriber
	Unsubscribe(channel string, sub Subscriber)
}

type listEntry struct {
	values    [][]byte
	expiresAt time.Time
}

// InMemoryBus is a single-process Bus: lists live in a map guarded by a
// mutex, and channels fan out to per-subscriber buffers, one subscriber
// set per channel name.
type InMemoryBus struct {
	mu    sync.Mutex
	lists map[string]*listEntry
	subs  map[string]map[Subscriber]bool
}

// NewInMemoryBus constructs an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		lists: make(map[string]*listEntry),
		subs:  make(map[string]map[Subscriber]bool),
	}
}

// ListPush appends value to key's list, expiring the whole key after ttl
// (used by the log shipper's containerlog.<id> safety-cap TTL).
func (b *InMemoryBus) ListPush(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reapLocked(key)

	e, ok := b.lists[key]
	if !ok {
		e = &listEntry{}
		b.lists[key] = e
	}
	e.values = append(e.values, append([]byte(nil), value...))
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

// reapLocked drops key if its TTL has elapsed. Caller holds b.mu.
func (b *InMemoryBus) reapLocked(key string) {
	e, ok := b.lists[key]
	if !ok {
		return
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(b.lists, key)
	}
}

// List returns a copy of key's current list contents, for tests.
func (b *InMemoryBus) List(key string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reapLocked(key)
	e, ok := b.lists[key]
	if !ok {
		return nil
	}
	out := make([][]byte, len(e.values))
	copy(out, e.values)
	return out
}

// Publish fans value out to channel's current subscribers, dropping it
// silently for any subscriber whose buffer is full.
func (b *InMemoryBus) Publish(ctx context.Context, channel string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[channel] {
		select {
		case sub <- value:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber on channel.
func (b *InMemoryBus) Subscribe(channel string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[Subscriber]bool)
	}
	b.subs[channel][sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (b *InMemoryBus) Unsubscribe(channel string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[channel]; ok {
		if _, ok := subs[sub]; ok {
			delete(subs, sub)
			close(sub)
		}
	}
}
