package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notification emitted by the convergence engine.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	RunID     string    `json:"run_id,omitempty"`
	Resource  string    `json:"resource,omitempty"`
	Message   string    `json:"message"`
	Level     string    `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeResourceUpdated = "resource.updated"
	EventTypeItemFailed      = "item.failed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter decides whether a subscriber sees an event.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Delivery is synchronous
// unless EnableAsync is set, in which case one goroutine drains a buffer in
// publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if cfg.Enabled && cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			return nil, fmt.Errorf("event buffer size must be positive")
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

// Publish stamps and delivers an event.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.buffer != nil {
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliver(event)
	return nil
}

// PublishResourceUpdated announces that a convergence invocation changed
// the system. identities lists the names that changed.
func (ep *EventPublisher) PublishResourceUpdated(runID, resource, kind, action string, identities []string) error {
	return ep.Publish(Event{
		Type:     EventTypeResourceUpdated,
		Source:   "engine",
		RunID:    runID,
		Resource: resource,
		Message:  fmt.Sprintf("%s %s[%s] updated", action, kind, resource),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"kind":       kind,
			"action":     action,
			"identities": identities,
		},
	})
}

// PublishItemFailed announces a per-identity failure.
func (ep *EventPublisher) PublishItemFailed(runID, resource, identity, code, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypeItemFailed,
		Source:   "engine",
		RunID:    runID,
		Resource: resource,
		Message:  fmt.Sprintf("%s failed: %s", identity, reason),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"identity": identity,
			"code":     code,
		},
	})
}

// PublishRunStarted announces the start of a declaration run.
func (ep *EventPublisher) PublishRunStarted(runID string, resources int) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "agent",
		RunID:   runID,
		Message: fmt.Sprintf("run %s started with %d resources", runID, resources),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"resources": resources},
	})
}

// PublishRunCompleted announces the end of a declaration run.
func (ep *EventPublisher) PublishRunCompleted(runID string, updated, failed int, duration time.Duration) error {
	level := EventLevelInfo
	if failed > 0 {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "agent",
		RunID:   runID,
		Message: fmt.Sprintf("run %s completed: %d updated, %d failed", runID, updated, failed),
		Level:   level,
		Data: map[string]interface{}{
			"updated":  updated,
			"failed":   failed,
			"duration": duration.Seconds(),
		},
	})
}

// Subscribe registers a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for event := range ep.buffer {
		ep.deliver(event)
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains pending async events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.buffer == nil {
		return nil
	}
	ep.closeOnce.Do(func() { close(ep.buffer) })

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

// FilterByType only passes events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// FilterByResource only passes events for one resource.
func FilterByResource(resource string) EventFilter {
	return func(event Event) bool {
		return event.Resource == resource
	}
}
