package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	// Watch events emitted by the API server for every accepted change
	EventObjectAdded    EventType = "object.added"
	EventObjectModified EventType = "object.modified"
	EventObjectDeleted  EventType = "object.deleted"

	// Reconcile lifecycle
	EventReconcileScheduled EventType = "reconcile.scheduled"
	EventReconcileStarted   EventType = "reconcile.started"
	EventReconcileDone      EventType = "reconcile.done"
	EventReconcileError     EventType = "reconcile.error"
	EventReconcileTimeout   EventType = "reconcile.timeout"

	// Faults
	EventControllerCrashed   EventType = "controller.crashed"
	EventControllerRecovered EventType = "controller.recovered"
	EventFaultDisabled       EventType = "fault.disabled"
	EventMessageDropped      EventType = "message.dropped"

	EventInvariantViolated EventType = "invariant.violated"
)

// Event represents a cluster event
type Event struct {
	ID        string
	Type      EventType
	Tick      uint64
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// NewEvent builds an event with a fresh id
func NewEvent(typ EventType, tick uint64, message string, metadata map[string]string) *Event {
	return &Event{
		ID:       uuid.New().String(),
		Type:     typ,
		Tick:     tick,
		Message:  message,
		Metadata: metadata,
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for all subscribers. The cluster publishes from
// inside a tick, so a full queue drops the event instead of blocking.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
