// Package events is the in-process pub/sub backbone. Dispatch, subscription,
// and abuse flows emit CloudEvents-style envelopes; the realtime hub, the
// abuse controller, and the scheduler subscribe. An optional Pub/Sub mirror
// makes every event durable.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haven/backend/internal/metrics"
)

// Event types emitted across the platform.
const (
	TypeRequestCreated      = "haven.request.created"
	TypeRequestAllocated    = "haven.request.allocated"
	TypeRequestStatus       = "haven.request.status"
	TypeRequestCancelled    = "haven.request.cancelled"
	TypeRequestCompleted    = "haven.request.completed"
	TypeETAUpdate           = "haven.request.eta_update"
	TypeLocationUpdate      = "haven.request.location_update"
	TypePrankFlagged        = "haven.prank.flagged"
	TypeSubscriptionApplied = "haven.subscription.applied"
	TypeSubscriptionExpiry  = "haven.subscription.expiring"
	TypeAccountSuspended    = "haven.account.suspended"
	TypeAccountBanned       = "haven.account.banned"
)

// Emitter is what producers depend on; both buses satisfy it.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Broker adds in-process subscription to Emitter for components that both
// consume and produce events.
type Broker interface {
	Emitter
	Subscribe(eventTypes ...string) chan *Event
	Unsubscribe(ch chan *Event)
}

// Event is the CloudEvents 1.0 envelope used on the bus and on the wire.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewEvent builds a CloudEvents 1.0 compliant envelope.
func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the envelope.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is the in-process fan-out. Delivery is non-blocking: a subscriber
// whose buffer is full misses the event rather than stalling producers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // event type -> channels
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving the named event types, or every
// event when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// Publish fans the event out to matching subscribers.
func (b *Bus) Publish(event *Event) {
	metrics.EventsPublished.WithLabelValues(event.Type).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Buffer full, subscriber misses this one.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, source, subject, data))
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)
