// Package progress persists engine events and fans them out to live
// subscribers. The store is the history; subscriber channels carry only
// what happens after Subscribe, and reconnecting clients replay the gap
// from the store.
package progress

import (
	"context"
	"sync"

	"loom/internal/domain"
	"loom/internal/ids"
	"loom/internal/logging"
	"loom/internal/store"
)

const defaultSubscriberBuffer = 64

// Bus persists events and broadcasts them per project.
type Bus struct {
	store      *store.Store
	logger     logging.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[string]map[string]chan *domain.TaskEvent

	metricsMu  sync.Mutex
	eventsSent int64
	dropped    int64
}

// NewBus wires a bus over the store. bufferSize caps each subscriber's
// pending events; zero or negative picks the default.
func NewBus(s *store.Store, bufferSize int, logger logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Bus{
		store:       s,
		logger:      logging.OrNop(logger),
		bufferSize:  bufferSize,
		subscribers: make(map[string]map[string]chan *domain.TaskEvent),
	}
}

// Publish persists the event, then delivers it to every subscriber of its
// project. Slow subscribers lose events rather than block the engine;
// terminal events evict the oldest buffered event to get through.
func (b *Bus) Publish(ctx context.Context, event *domain.TaskEvent) (int64, error) {
	id, err := b.store.InsertEvent(ctx, event)
	if err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for subID, ch := range b.subscribers[event.ProjectID] {
		select {
		case ch <- event:
			b.countSent()
		default:
			if domain.TerminalEvent(event.EventType) && b.forceDeliver(ch, event) {
				b.countSent()
				continue
			}
			b.logger.Warn("Subscriber %s buffer full for project %s, dropping %s",
				subID, event.ProjectID, event.EventType)
			b.countDropped()
		}
	}
	return id, nil
}

// forceDeliver frees one slot for a terminal event and retries once.
func (b *Bus) forceDeliver(ch chan *domain.TaskEvent, event *domain.TaskEvent) bool {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}

// Subscription is one live listener on a project's event stream.
type Subscription struct {
	ID        string
	ProjectID string
	C         <-chan *domain.TaskEvent

	bus  *Bus
	ch   chan *domain.TaskEvent
	once sync.Once
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Subscribe attaches a listener to a project's stream.
func (b *Bus) Subscribe(projectID string) *Subscription {
	ch := make(chan *domain.TaskEvent, b.bufferSize)
	sub := &Subscription{
		ID:        ids.NewSubscriberID(),
		ProjectID: projectID,
		C:         ch,
		bus:       b,
		ch:        ch,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[projectID] == nil {
		b.subscribers[projectID] = make(map[string]chan *domain.TaskEvent)
	}
	b.subscribers[projectID][sub.ID] = ch
	b.logger.Debug("Subscriber %s attached to project %s (total: %d)",
		sub.ID, projectID, len(b.subscribers[projectID]))
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.ProjectID]
	if _, ok := subs[sub.ID]; !ok {
		return
	}
	delete(subs, sub.ID)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.subscribers, sub.ProjectID)
	}
	b.logger.Debug("Subscriber %s detached from project %s (remaining: %d)",
		sub.ID, sub.ProjectID, len(subs))
}

// SubscriberCount returns how many listeners a project has.
func (b *Bus) SubscriberCount(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[projectID])
}

// Replay returns the persisted events after afterID, for reconnects.
func (b *Bus) Replay(ctx context.Context, projectID string, afterID int64) ([]*domain.TaskEvent, error) {
	return b.store.EventsAfter(ctx, projectID, afterID)
}

// Metrics is a snapshot of delivery counters.
type Metrics struct {
	EventsSent        int64 `json:"events_sent"`
	DroppedEvents     int64 `json:"dropped_events"`
	ActiveSubscribers int   `json:"active_subscribers"`
}

// Metrics reports delivery counters and the live subscriber count.
func (b *Bus) Metrics() Metrics {
	b.metricsMu.Lock()
	sent, dropped := b.eventsSent, b.dropped
	b.metricsMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	active := 0
	for _, subs := range b.subscribers {
		active += len(subs)
	}
	return Metrics{EventsSent: sent, DroppedEvents: dropped, ActiveSubscribers: active}
}

func (b *Bus) countSent() {
	b.metricsMu.Lock()
	b.eventsSent++
	b.metricsMu.Unlock()
}

func (b *Bus) countDropped() {
	b.metricsMu.Lock()
	b.dropped++
	b.metricsMu.Unlock()
}
