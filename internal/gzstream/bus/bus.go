// Package bus fans inbound messages out to in-process subscribers by topic.
package bus

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/dimasma0305/gzstream/internal/gzstream/protocol"
	"github.com/dimasma0305/gzstream/internal/log"
)

// Lifecycle and catch-all topics
const (
	TopicConnected        = "connected"
	TopicDisconnected     = "disconnected"
	TopicReconnecting     = "reconnecting"
	TopicError            = "error"
	TopicConnectionFailed = "connection_failed"

	// TopicAll receives every inbound message
	TopicAll = "*"
	// TopicActivity receives every inbound message, for liveness indicators
	TopicActivity = "activity"
)

// RouteKey addresses messages of one type correlated with one id
type RouteKey struct {
	Type string
	ID   string
}

func (k RouteKey) String() string {
	if k.ID == "" {
		return k.Type
	}
	return k.Type + ":" + k.ID
}

// Handler receives the payload emitted on a topic
type Handler func(data any)

// Subscription identifies one registered handler
type Subscription struct {
	topic string
	id    uint64
}

// Topic returns the topic the handler was registered for
func (s Subscription) Topic() string {
	return s.topic
}

func (s Subscription) String() string {
	return fmt.Sprintf("%s#%d", s.topic, s.id)
}

type entry struct {
	id      uint64
	handler Handler
}

// PanicHandler is called when a handler panics
type PanicHandler func(topic string, recovered any)

// Bus is a concurrency-safe topic registry
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	nextID   uint64
	onPanic  PanicHandler
}

// Option configures a Bus
type Option func(*Bus)

// WithPanicHandler replaces the default panic logger
func WithPanicHandler(h PanicHandler) Option {
	return func(b *Bus) {
		if h != nil {
			b.onPanic = h
		}
	}
}

// New creates an empty bus
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]entry),
		onPanic: func(topic string, recovered any) {
			log.Error("Handler for %q panicked: %v", topic, recovered)
			log.DebugH2("%s", debug.Stack())
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers handler for topic and returns its handle
func (b *Bus) On(topic string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], entry{id: b.nextID, handler: handler})
	return Subscription{topic: topic, id: b.nextID}
}

// OnKey registers handler for a composite route key
func (b *Bus) OnKey(key RouteKey, handler Handler) Subscription {
	return b.On(key.String(), handler)
}

// Off removes a handler. Unknown or already removed handles are ignored.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[sub.topic]
	for i, e := range entries {
		if e.id != sub.id {
			continue
		}
		next := make([]entry, 0, len(entries)-1)
		next = append(next, entries[:i]...)
		next = append(next, entries[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, sub.topic)
		} else {
			b.handlers[sub.topic] = next
		}
		return
	}
}

// Count returns the number of handlers registered for topic
func (b *Bus) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

// Emit calls every handler registered for exactly topic, in registration order.
// Handlers may register or remove handlers while being called.
func (b *Bus) Emit(topic string, data any) {
	b.mu.RLock()
	entries := b.handlers[topic]
	b.mu.RUnlock()

	for _, e := range entries {
		b.call(topic, e.handler, data)
	}
}

func (b *Bus) call(topic string, h Handler, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.onPanic(topic, r)
		}
	}()
	h(data)
}

// Publish routes an inbound message: by type, by type:id for each correlating
// id, then to the catch-all topics. A message whose type is an alias is also
// routed under the canonical kind name.
func (b *Bus) Publish(msg protocol.Message) {
	for _, topic := range Keys(msg) {
		b.Emit(topic, msg)
	}
}

// Keys returns the topics Publish emits msg under, in order
func Keys(msg protocol.Message) []string {
	types := []string{msg.Type}
	if msg.Kind != protocol.KindUnknown && msg.Kind.String() != msg.Type {
		types = append(types, msg.Kind.String())
	}

	var keys []string
	for _, typ := range types {
		keys = append(keys, typ)
		for _, id := range msg.IDs() {
			keys = append(keys, RouteKey{Type: typ, ID: id}.String())
		}
	}
	return append(keys, TopicAll, TopicActivity)
}
