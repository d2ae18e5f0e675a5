package event

import (
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/uhyunpark/instruction-desk/pkg/util"
)

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id      string
	typ     Type // empty = all types
	handler Handler
}

// Bus fans every published event out to all subscribers.
//
// Publish assigns the process-wide sequence number and dispatches while holding
// the publish lock, so every subscriber observes events in sequence order. The
// bus is role-agnostic; filtering belongs to the subscriber.
type Bus struct {
	publishMu sync.Mutex
	seq       uint64

	mu   sync.RWMutex
	subs []subscription

	nextID atomic.Uint64
	logger *zap.SugaredLogger
}

func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{logger: util.OrNop(logger)}
}

// Subscribe registers a handler for every event type.
func (b *Bus) Subscribe(handler Handler) string {
	return b.SubscribeType("", handler)
}

// SubscribeType registers a handler for a single event type.
func (b *Bus) SubscribeType(typ Type, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)
	b.subs = append(b.subs, subscription{id: id, typ: typ, handler: handler})
	return id
}

// Unsubscribe removes a subscription. Returns false if the id is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish stamps the event with the next sequence number and delivers it.
// It returns the stamped event.
func (b *Bus) Publish(ev Event) Event {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.seq++
	ev.Sequence = b.seq

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.typ != "" && s.typ != ev.Type {
			continue
		}
		b.safeCall(s.handler, ev)
	}
	return ev
}

func (b *Bus) safeCall(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event_handler_panic",
				"type", ev.Type, "seq", ev.Sequence, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	handler(ev)
}

// LastSequence returns the sequence of the most recently published event.
func (b *Bus) LastSequence() uint64 {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	return b.seq
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
