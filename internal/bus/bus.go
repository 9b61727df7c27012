package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Model Store event topics. Store.completed is published exactly once per
// preparation attempt, terminal status only (ready or error).
const (
	TopicStorePreparing = "store.preparing"
	TopicStoreCompleted = "store.completed"
)

// Instance lifecycle event topics.
const (
	TopicInstanceCreated  = "instance.created"
	TopicInstanceLoaded   = "instance.loaded"
	TopicInstanceDisposed = "instance.disposed"
	TopicInstanceError    = "instance.error"
)

// Pool scheduling event topics. They are published alongside the audit
// entries the pool records for the same decisions (GPU preemption,
// eviction); they are not consulted by the selection algorithm itself.
const (
	TopicPoolQueued     = "pool.queued"
	TopicPoolGPULease   = "pool.gpu_lease"
	TopicPoolEvicted    = "pool.evicted"
	TopicTaskTokens     = "task.tokens"
	TopicTaskFinishReason = "task.finish_reason"
)

// StoreCompletedEvent is published once per model preparation attempt.
type StoreCompletedEvent struct {
	ModelID string
	Status  string // "ready" or "error"
	Error   string // non-empty only when Status == "error"
}

// InstanceEvent is published on every instance lifecycle transition.
type InstanceEvent struct {
	InstanceID string
	ModelID    string
	Status     string
	GPU        bool
}

// GPULeaseEvent is published whenever the global GPU lease changes hands,
// including preemption of an idle holder.
type GPULeaseEvent struct {
	GrantedTo  string // instance id gaining the lease
	PreemptedFrom string // instance id that was disposed to free it, if any
}

// EvictedEvent is published whenever the Pool disposes an idle instance,
// either via TTL expiry or a cross-model evict-and-create.
type EvictedEvent struct {
	InstanceID string
	ModelID    string
	Reason     string // "ttl" or "evict_for_capacity"
}

// TaskTokensEvent is published after a completion task finishes
// successfully, carrying the token accounting used by Testable Property 4
// (context-reuse prompt token reduction).
type TaskTokensEvent struct {
	TaskID           string
	InstanceID       string
	PromptTokens     int
	CompletionTokens int
	ContextTokens    int
}

// TaskFinishReasonEvent is published alongside TaskTokensEvent for
// completion tasks, carrying the finishReason the instance settled on.
type TaskFinishReasonEvent struct {
	TaskID       string
	InstanceID   string
	FinishReason string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64 // last threshold at which a warning was logged
}

// New creates a new Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus with an optional logger for observability.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full - increment counter instead of logging per-drop (avoid I/O spike).
				newCount := b.droppedEvents.Add(1)
				b.maybeLogDropWarning(newCount, topic)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to full buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, 1000, ...) at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning when dropped event count crosses an exponential threshold.
// Uses CompareAndSwap to avoid duplicate logs from concurrent publishers.
func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount < threshold {
		return
	}
	// Only log when we exactly hit a threshold boundary.
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
