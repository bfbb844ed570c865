// Package hooks implements the in-process lifecycle event bus. The outbox
// publisher feeds it; subscribers such as the history projector and
// application callbacks consume it.
package hooks

import (
	"context"
	"errors"
	"strings"
	"sync"

	"goa.design/flow/runtime/process/outbox"
)

type (
	// Handler processes one published lifecycle event. The context comes
	// from the Publish call and carries its deadline and cancellation.
	//
	// Delivery is at least once: the outbox publisher redelivers rows whose
	// dispatch failed, so handlers must be idempotent and should dedupe on
	// the event ID when a double apply is harmful.
	Handler func(ctx context.Context, topic string, ev *outbox.Event) error

	// Bus fans lifecycle events out to topic subscribers. Dispatch is
	// synchronous in the publisher's goroutine, in subscription order, and
	// stops at the first handler error so critical subscribers can hold a
	// row in the outbox for retry.
	Bus struct {
		mu   sync.RWMutex
		subs []*Subscription
	}

	// Subscription is an active registration on a Bus. Close removes it;
	// Close is idempotent and safe to call concurrently with Publish.
	Subscription struct {
		bus     *Bus
		pattern string
		handler Handler
		once    sync.Once
	}
)

// NewBus returns an empty bus ready for use.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for every topic the pattern matches. A
// pattern is an exact topic, "*" for everything, or a prefix form like
// "process.task.*" which matches any topic under that prefix.
func (b *Bus) Subscribe(pattern string, h Handler) (*Subscription, error) {
	if pattern == "" {
		return nil, errors.New("pattern is required")
	}
	if h == nil {
		return nil, errors.New("handler is required")
	}
	if strings.Contains(pattern, "*") && pattern != "*" && !isPrefixPattern(pattern) {
		return nil, errors.New("wildcard must be the whole pattern or a trailing \".*\" segment")
	}
	s := &Subscription{bus: b, pattern: pattern, handler: h}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Publish delivers the event to every subscription whose pattern matches the
// topic, in subscription order. It stops at the first handler error and
// returns it; with no matching subscriptions it returns nil.
//
// The subscriber set is snapshotted before iteration, so Subscribe and Close
// during a Publish do not affect the in-flight delivery.
func (b *Bus) Publish(ctx context.Context, topic string, ev *outbox.Event) error {
	b.mu.RLock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if Match(s.pattern, topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()
	for _, s := range matched {
		if err := s.handler(ctx, topic, ev); err != nil {
			return err
		}
	}
	return nil
}

// Close removes the subscription from the bus. It is idempotent; in-flight
// deliveries that already snapshotted the subscription still complete.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, sub := range s.bus.subs {
			if sub == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}

// Pattern returns the pattern the subscription was registered with.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Match reports whether the pattern covers the topic. "*" matches every
// topic; "seg.*" matches any topic starting with "seg." at any depth;
// anything else matches exactly.
func Match(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if isPrefixPattern(pattern) {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return pattern == topic
}

func isPrefixPattern(pattern string) bool {
	return strings.HasSuffix(pattern, ".*") && strings.Count(pattern, "*") == 1
}
