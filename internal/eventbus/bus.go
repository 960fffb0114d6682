// Package eventbus implements a multi-producer, multi-consumer
// broadcast of lifecycle Events: each subscriber gets its own bounded
// mailbox, and a full mailbox drops its oldest queued event rather
// than blocking the publisher, since a single slow UI subscriber must
// never stall device Workers.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Kind enumerates the event variants a Bus carries.
type Kind string

const (
	Connected         Kind = "Connected"
	Disconnected      Kind = "Disconnected"
	Reconnected       Kind = "Reconnected"
	FeaturesUpdated   Kind = "FeaturesUpdated"
	Ready             Kind = "Ready"
	PinRequest        Kind = "PinRequest"
	PassphraseRequest Kind = "PassphraseRequest"
	ButtonRequest     Kind = "ButtonRequest"
	AccessError       Kind = "AccessError"
	InvalidState      Kind = "InvalidState"
	SetupRequired     Kind = "SetupRequired"
	UpdateProgress    Kind = "UpdateProgress"

	// Lagged is a bus-internal marker, never emitted by a Worker: it is
	// spliced into a subscriber's stream ahead of the next event
	// delivered after that subscriber's buffer overflows.
	Lagged Kind = "Lagged"
)

// Event is the published record carried on the bus.
type Event struct {
	Kind     Kind
	DeviceID string
	Payload  interface{}
}

const defaultBuffer = 256

// subscriber holds one consumer's bounded mailbox plus the bookkeeping
// needed to preserve per-device ordering within the retained suffix
// across drop-oldest overflows.
type subscriber struct {
	ch     chan Event
	mu     sync.Mutex
	lagged bool
	closed bool
}

// Bus is the process-wide event broadcast.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
	log    zerolog.Logger

	seqMu    sync.Mutex
	sequence map[string]uint64 // per-device publication counter, read through Sequence
}

// New builds a Bus. buffer is the per-subscriber mailbox size
// (config event_subscriber_buffer, default 256); pass 0 for the
// default.
func New(buffer int, log zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		subs:     make(map[*subscriber]struct{}),
		buffer:   buffer,
		log:      log,
		sequence: make(map[string]uint64),
	}
}

// Subscription is a live handle returned by Subscribe.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Events returns the channel to range/select over.
func (s *Subscription) Events() <-chan Event { return s.sub.ch }

// Close detaches the subscriber; safe to call more than once.
func (s *Subscription) Close() { s.bus.unsubscribe(s.sub) }

// Subscribe registers a new consumer with its own bounded mailbox.
func (b *Bus) Subscribe() *Subscription {
	sub := &subscriber{
		ch: make(chan Event, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return &Subscription{bus: b, sub: sub}
}

func (b *Bus) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	if ok {
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish broadcasts ev to every current subscriber. Delivery is
// best-effort: a full mailbox drops its oldest queued event (never the
// new one) and splices a one-time Lagged marker ahead of the next
// delivered event, so drop-oldest never silently reorders what a
// subscriber actually receives for one device_id.
func (b *Bus) Publish(ev Event) {
	if ev.DeviceID != "" {
		b.seqMu.Lock()
		b.sequence[ev.DeviceID]++
		b.seqMu.Unlock()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		b.deliver(sub, ev)
	}

	b.log.Debug().Str("kind", string(ev.Kind)).Str("device_id", ev.DeviceID).Msg("event published")
}

func (b *Bus) deliver(sub *subscriber, ev Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return
	}

	if sub.lagged {
		select {
		case sub.ch <- Event{Kind: Lagged, DeviceID: ev.DeviceID}:
			sub.lagged = false
		default:
			b.dropOldest(sub)
			select {
			case sub.ch <- Event{Kind: Lagged, DeviceID: ev.DeviceID}:
				sub.lagged = false
			default:
			}
		}
	}

	select {
	case sub.ch <- ev:
		return
	default:
	}

	b.dropOldest(sub)
	sub.lagged = true
	select {
	case sub.ch <- ev:
	default:
		// Mailbox filled again between drop and re-send (a concurrent
		// drain raced us); the event is lost but the subscriber still
		// carries lagged=true and will be told so on the next Publish.
	}
}

// dropOldest discards exactly one queued event to make room, holding
// sub.mu already locked by the caller.
func (b *Bus) dropOldest(sub *subscriber) {
	select {
	case <-sub.ch:
	default:
	}
}

// Sequence returns the number of events published for device_id so
// far. Nothing in this module reads it; the Publish path only counts.
func (b *Bus) Sequence(deviceID string) uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	return b.sequence[deviceID]
}
