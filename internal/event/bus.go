// Package event provides the notification bus the engine publishes state
// changes on. Typed subscribers are called directly; every event is also
// mirrored as JSON onto a watermill topic for taps such as the CLI event log.
package event

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/telnet2/go-practice/agentstream/internal/logging"
)

// Topic is the watermill topic events are mirrored to.
const Topic = "agentstream.events"

// Metadata keys set on mirrored messages.
const (
	MetaType = "type"
	MetaSeq  = "seq"
)

// EventType represents the type of event.
type EventType string

const (
	SessionMessagesUpdated EventType = "session.messages.updated"
	TurnStarted            EventType = "turn.started"
	TraceUpdated           EventType = "turn.trace.updated"
	TurnCompleted          EventType = "turn.completed"
	TurnFailed             EventType = "turn.failed"
	TurnAborted            EventType = "turn.aborted"
	DraftSaved             EventType = "draft.saved"
	DraftCleared           EventType = "draft.cleared"
)

// Event represents an event to be published.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus manages subscribers. The zero value is not usable; use NewBus.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel
	taps   atomic.Int32

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	seq    atomic.Uint64
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers: make(map[EventType][]subscriberEntry),
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers fn for one event type and returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribe(eventType, id) }
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			break
		}
	}
}

// collect returns the subscribers for t, or nil when the bus is closed.
func (b *Bus) collect(t EventType) ([]Subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false
	}
	subs := make([]Subscriber, 0, len(b.subscribers[t])+len(b.global))
	for _, entry := range b.subscribers[t] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs, true
}

// Publish sends an event to all subscribers asynchronously, each in its own
// goroutine. Use PublishSync when subscribers depend on ordering.
func (b *Bus) Publish(event Event) {
	subs, ok := b.collect(event.Type)
	if !ok {
		return
	}
	b.mirror(event)
	for _, sub := range subs {
		go sub(event)
	}
}

// PublishSync calls all subscribers in the current goroutine before returning.
func (b *Bus) PublishSync(event Event) {
	subs, ok := b.collect(event.Type)
	if !ok {
		return
	}
	b.mirror(event)
	for _, sub := range subs {
		sub(event)
	}
}

// Tap subscribes to the mirrored JSON stream. Consumers must Ack every
// message. Delivery order is not guaranteed; the MetaSeq metadata carries the
// publish order.
func (b *Bus) Tap(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}
	b.taps.Add(1)
	context.AfterFunc(ctx, func() { b.taps.Add(-1) })
	return ch, nil
}

func (b *Bus) mirror(event Event) {
	seq := b.seq.Add(1)
	if b.taps.Load() == 0 {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Warn().Err(err).Str("type", string(event.Type)).Msg("cannot mirror event")
		return
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(MetaType, string(event.Type))
	msg.Metadata.Set(MetaSeq, strconv.FormatUint(seq, 10))
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		logging.Debug().Err(err).Msg("mirror publish failed")
	}
}

// Close drops all subscribers and closes taps.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
