// Package events is the in-process fan-out point for activation events.
// Publishers are the activation endpoint and the cross-process receiver, both
// of which run on goroutines the application did not start. The bus makes no
// attempt to move handlers onto any particular goroutine; handlers that need
// a UI-owning loop must hand the event over themselves.
package events

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
)

// Source tells where an activation came from.
type Source string

const (
	SourceNotification Source = "notification"
	SourceDeepLink     Source = "deeplink"
)

// Event is a request to act on an argument string plus optional key/value
// data. Events are self-describing; no ordering between sources is implied.
type Event struct {
	Arguments string
	Data      map[string]string
	Source    Source
}

func (e Event) String() string {
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s '%s'", e.Source, e.Arguments)
	for _, k := range keys {
		fmt.Fprintf(&b, " & '%s' : '%s'", k, e.Data[k])
	}
	return b.String()
}

// Handler receives published events.
type Handler func(Event)

// Token identifies a subscription. The zero Token is never issued.
type Token uint64

type subscription struct {
	token   Token
	handler Handler
}

// Bus is a single-topic publish/subscribe point. Handlers run in
// subscription order on the publisher's goroutine, with no lock held.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	next   Token
	closed bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe adds h to the end of the delivery order. It returns the zero
// Token if the bus is closed.
func (b *Bus) Subscribe(h Handler) Token {
	if h == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}
	b.next++
	b.subs = append(b.subs, subscription{token: b.next, handler: h})
	return b.next
}

// Unsubscribe removes the subscription and reports whether it existed.
func (b *Bus) Unsubscribe(t Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.token == t {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers e to every current subscriber and returns how many
// handlers ran. It is safe to call from any goroutine. Events published
// while nobody is subscribed are dropped, not queued.
func (b *Bus) Publish(e Event) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		ev := e
		ev.Data = maps.Clone(e.Data)
		if ev.Data == nil {
			ev.Data = map[string]string{}
		}
		s.handler(ev)
	}
	return len(subs)
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = nil
}
