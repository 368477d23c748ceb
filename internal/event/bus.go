// Package event provides a pub/sub event system using watermill.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opencode-ai/agentd/internal/logging"
)

// feedTopic is the watermill topic mirroring every event of a mirrored bus.
const feedTopic = "agentd.events"

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// subscriberEntry wraps a subscriber with an ID.
type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is the event bus. Typed subscribers are called directly so Data keeps
// its Go type; a mirrored bus additionally publishes a JSON copy of every
// event to a watermill gochannel, which backs Feed.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel
	mirror bool

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry
	watchers    map[uint64]*Subscription

	nextID       uint64
	closed       bool
	closedCancel context.CancelFunc
	closedCtx    context.Context
}

// globalBus carries process-wide lifecycle events.
var globalBus = newBus(true)

func newBus(mirror bool) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		mirror:       mirror,
		subscribers:  make(map[EventType][]subscriberEntry),
		watchers:     make(map[uint64]*Subscription),
		closedCtx:    ctx,
		closedCancel: cancel,
	}
}

// NewBus creates a bus that is not mirrored to watermill. Agent instances
// use one each for their event stream.
func NewBus() *Bus {
	return newBus(false)
}

// NewMirroredBus creates a bus whose events are also available through Feed.
func NewMirroredBus() *Bus {
	return newBus(true)
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for a specific event type on the global bus.
// Returns an unsubscribe function.
func Subscribe(eventType EventType, fn Subscriber) func() {
	return globalBus.Subscribe(eventType, fn)
}

func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	entry := subscriberEntry{id: id, fn: fn}
	b.subscribers[eventType] = append(b.subscribers[eventType], entry)

	return func() {
		b.unsubscribe(eventType, id)
	}
}

// SubscribeAll registers a subscriber for all events on the global bus.
// Returns an unsubscribe function.
func SubscribeAll(fn Subscriber) func() {
	return globalBus.SubscribeAll(fn)
}

func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribeGlobal(id)
	}
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
	delete(b.watchers, id)
}

// Watch returns a channel-backed subscription to every event published
// after the call. Delivery blocks the publisher while the buffer is full,
// until the subscription is closed.
func (b *Bus) Watch(buffer int) *Subscription {
	sub := &Subscription{
		c:      make(chan Event, buffer),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.shutdown()
		return sub
	}
	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: sub.deliver})
	b.watchers[id] = sub
	b.mu.Unlock()

	sub.unsubscribe = func() { b.unsubscribeGlobal(id) }
	return sub
}

// Publish sends an event to the global bus asynchronously.
func Publish(event Event) {
	globalBus.Publish(event)
}

// Publish sends an event to all subscribers asynchronously.
// Each subscriber is called in its own goroutine to prevent blocking.
func (b *Bus) Publish(event Event) {
	subs, ok := b.collect(&event)
	if !ok {
		return
	}
	for _, sub := range subs {
		go sub(event)
	}
	b.mirrorEvent(event)
}

// PublishSync sends an event to the global bus synchronously.
func PublishSync(event Event) {
	globalBus.PublishSync(event)
}

// PublishSync sends an event to all subscribers synchronously, in
// subscription order, before returning.
func (b *Bus) PublishSync(event Event) {
	subs, ok := b.collect(&event)
	if !ok {
		return
	}
	for _, sub := range subs {
		sub(event)
	}
	b.mirrorEvent(event)
}

func (b *Bus) collect(event *Event) ([]Subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	subs := make([]Subscriber, 0, len(b.subscribers[event.Type])+len(b.global))
	for _, entry := range b.subscribers[event.Type] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs, true
}

func (b *Bus) mirrorEvent(event Event) {
	if !b.mirror {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Warn().Err(err).Str("eventType", string(event.Type)).Msg("event not mirrored")
		return
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	if err := b.pubsub.Publish(feedTopic, msg); err != nil {
		logging.Debug().Err(err).Str("eventType", string(event.Type)).Msg("event feed publish failed")
	}
}

// Feed subscribes to the JSON mirror of the global bus.
func Feed(ctx context.Context) (<-chan FeedEvent, error) {
	return globalBus.Feed(ctx)
}

// Feed streams the JSON mirror of a mirrored bus until ctx ends or the bus
// closes. Data arrives as raw JSON.
func (b *Bus) Feed(ctx context.Context) (<-chan FeedEvent, error) {
	msgs, err := b.pubsub.Subscribe(ctx, feedTopic)
	if err != nil {
		return nil, err
	}

	out := make(chan FeedEvent, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var fe FeedEvent
			if err := json.Unmarshal(msg.Payload, &fe); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- fe:
			case <-ctx.Done():
				return
			case <-b.closedCtx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Reset replaces the global bus (for testing).
func Reset() {
	old := globalBus
	globalBus = newBus(true)
	_ = old.Close()
}

// Close closes the bus. Outstanding Watch subscriptions observe the close
// after draining what was already delivered to them.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.closedCancel()

	watchers := b.watchers
	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.watchers = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range watchers {
		sub.shutdown()
	}

	return b.pubsub.Close()
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// PubSub returns the underlying watermill GoChannel.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
