package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle event of a request or reservation.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RequestID is the associated request, if applicable.
	RequestID string `json:"request_id,omitempty"`

	// ReservationID is the associated reservation, if applicable.
	ReservationID string `json:"reservation_id,omitempty"`

	// FromState and ToState describe a request transition.
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`

	// Reason is the error kind that caused a terminal transition.
	Reason string `json:"reason,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRequestTransition   = "request.transition"
	EventTypeReservationReleased = "reservation.released"
	EventTypeReservationExpired  = "reservation.expired"
	EventTypePolicyViolation     = "policy.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans lifecycle events out to subscribers such as the audit
// store.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. A nil publisher drops it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishTransition publishes a request state transition.
func (ep *EventPublisher) PublishTransition(requestID, from, to, reason string, at time.Time) error {
	level := EventLevelInfo
	switch to {
	case "timed-out":
		level = EventLevelWarning
	case "failed":
		level = EventLevelError
	}
	msg := fmt.Sprintf("Request %s moved from %s to %s", requestID, from, to)
	if reason != "" {
		msg += ": " + reason
	}
	return ep.Publish(Event{
		Timestamp: at,
		Type:      EventTypeRequestTransition,
		Source:    "supervisor",
		RequestID: requestID,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		Message:   msg,
		Level:     level,
	})
}

// PublishReservationReleased publishes an explicit release.
func (ep *EventPublisher) PublishReservationReleased(requestID, reservationID string, at time.Time) error {
	return ep.Publish(Event{
		Timestamp:     at,
		Type:          EventTypeReservationReleased,
		Source:        "environment",
		RequestID:     requestID,
		ReservationID: reservationID,
		Message:       fmt.Sprintf("Reservation %s released", reservationID),
		Level:         EventLevelInfo,
	})
}

// PublishReservationExpired publishes a reservation reclaimed by the sweeper.
func (ep *EventPublisher) PublishReservationExpired(requestID, reservationID string, resources []string, at time.Time) error {
	return ep.Publish(Event{
		Timestamp:     at,
		Type:          EventTypeReservationExpired,
		Source:        "sweeper",
		RequestID:     requestID,
		ReservationID: reservationID,
		Message:       fmt.Sprintf("Reservation %s expired and was reclaimed", reservationID),
		Level:         EventLevelWarning,
		Data: map[string]interface{}{
			"resources": resources,
		},
	})
}

// PublishPolicyViolation publishes a request rejected by admission policy.
func (ep *EventPublisher) PublishPolicyViolation(requestID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypePolicyViolation,
		Source:    "policy",
		RequestID: requestID,
		Message:   fmt.Sprintf("Request %s denied by %s: %s", requestID, policyName, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Drain what is already queued before delivering.
			for len(batch) < ep.config.MaxBatchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			flush()

		case <-ep.ctx.Done():
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			flush()
			return
		}
	}
}

// deliverEvent hands an event to every matching subscriber in order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRequestID creates a filter that only allows events for one request.
func FilterByRequestID(requestID string) EventFilter {
	return func(event Event) bool {
		return event.RequestID == requestID
	}
}
