package events

import (
	"sync"
	"time"

	"github.com/cuemby/slurmsync/pkg/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType represents the type of event
type EventType string

const (
	EventMemberJoined           EventType = "member.joined"
	EventMemberLeft             EventType = "member.left"
	EventMemberRevived          EventType = "member.revived"
	EventMemberPresumedDeparted EventType = "member.presumed_departed"
	EventMemberSynced           EventType = "member.synced"
	EventControllerLost         EventType = "controller.lost"
	EventControllerUnreachable  EventType = "controller.unreachable"
	EventControllerPromoted     EventType = "controller.promoted"
	EventHandoffTimeout         EventType = "handoff.timeout"
	EventInvariantViolation     EventType = "invariant.violation"
	EventConfigPublished        EventType = "config.published"
	EventSecretRotated          EventType = "secret.rotated"
	EventSecretRetired          EventType = "secret.retired"
	EventClusterConverged       EventType = "cluster.converged"
)

// Severity grades how urgently an operator should look at an event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event represents a cluster event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Alert reports whether the event needs operator attention
func (e *Event) Alert() bool {
	return e.Severity == SeverityWarning || e.Severity == SeverityCritical
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// DefaultHistory is the number of recent events kept for status queries
const DefaultHistory = 100

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once

	historyMu sync.Mutex
	history   []*Event
	limit     int

	logger zerolog.Logger
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
		limit:       DefaultHistory,
		logger:      log.WithComponent("events"),
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

	sub := make(Subscriber, 50) // Buffer per subscriber
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

// Publish publishes an event to all subscribers. It never blocks: when the
// broker is backed up the event is kept in history but not broadcast.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	b.record(event)

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		b.logger.Warn().
			Str("type", string(event.Type)).
			Msg("Event queue full, dropping broadcast")
	}
}

func (b *Broker) record(event *Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.limit {
		b.history = b.history[len(b.history)-b.limit:]
	}
}

// Recent returns up to n of the most recent events, oldest first
func (b *Broker) Recent(n int) []*Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]*Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
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
