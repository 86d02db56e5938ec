package modkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHistorySize is the bounded event history capacity.
const DefaultHistorySize = 1000

// EventHandler processes a single delivered event. A handler error is
// logged by the bus and never fails the publish or blocks later handlers.
type EventHandler func(ctx context.Context, event Event) error

// Middleware may transform an event before it is retained and delivered.
// A middleware error is logged and that middleware is skipped.
type Middleware func(event Event) (Event, error)

// SubscribeOptions tune a single subscription.
type SubscribeOptions struct {
	// Once removes the subscription after its first successful invocation.
	Once bool
	// Priority orders delivery within one publish, highest first. Ties
	// are broken by subscription order.
	Priority int
}

// HistoryFilter selects retained events. A zero filter returns everything.
type HistoryFilter struct {
	Type  string // exact type or trailing-* pattern
	Since time.Time
	Limit int
}

type subscription struct {
	id        string
	eventType string // exact type or trailing-* pattern
	handler   EventHandler
	once      bool
	priority  int
	seq       uint64
}

// EventBusConfig configures a bus. The zero value is usable.
type EventBusConfig struct {
	HistorySize int    // retained events, default DefaultHistorySize
	Source      string // default source stamped when the publisher names none
	Logger      Logger
}

// EventBus is the process-wide publish/subscribe hub. Within one publish
// subscriber order is stable (priority descending, subscription order on
// ties); two concurrent publishes do not interleave deterministically
// relative to each other.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
	byID map[string]*subscription
	seq  uint64

	mwMu       sync.RWMutex
	middleware []Middleware

	history *ring[Event]
	logger  Logger
	source  string
	metrics *busMetrics
}

// NewEventBus creates a bus from cfg; nil cfg means defaults.
func NewEventBus(cfg *EventBusConfig) *EventBus {
	if cfg == nil {
		cfg = &EventBusConfig{}
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	source := cfg.Source
	if source == "" {
		source = "modkit"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &EventBus{
		subs:    make(map[string][]*subscription),
		byID:    make(map[string]*subscription),
		history: newRing[Event](size),
		logger:  logger,
		source:  source,
	}
}

// Use appends a middleware to the publish chain.
func (b *EventBus) Use(mw Middleware) {
	if mw == nil {
		return
	}
	b.mwMu.Lock()
	b.middleware = append(b.middleware, mw)
	b.mwMu.Unlock()
}

// Subscribe registers a handler for an event type (or trailing-* pattern)
// and returns an opaque subscription id.
func (b *EventBus) Subscribe(eventType string, handler EventHandler, opts *SubscribeOptions) (string, error) {
	if eventType == "" {
		return "", ErrEventTypeEmpty
	}
	if handler == nil {
		return "", ErrEventHandlerNil
	}
	if opts == nil {
		opts = &SubscribeOptions{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub := &subscription{
		id:        uuid.New().String(),
		eventType: eventType,
		handler:   handler,
		once:      opts.Once,
		priority:  opts.Priority,
		seq:       b.seq,
	}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.byID[sub.id] = sub
	if b.metrics != nil {
		b.metrics.subscriptions.Inc()
	}
	return sub.id, nil
}

// Unsubscribe releases a subscription by id.
func (b *EventBus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	b.removeLocked(sub)
	return nil
}

func (b *EventBus) removeLocked(sub *subscription) {
	delete(b.byID, sub.id)
	list := b.subs[sub.eventType]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.eventType] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.eventType]) == 0 {
		delete(b.subs, sub.eventType)
	}
	if b.metrics != nil {
		b.metrics.subscriptions.Dec()
	}
}

// Publish stamps id, timestamp and source, threads the event through the
// middleware chain, retains it in the bounded history, and invokes every
// matching subscriber in priority order. The returned boolean reflects
// bus-level success only; subscriber errors are logged and swallowed.
func (b *EventBus) Publish(ctx context.Context, eventType string, data any, metadata map[string]any) bool {
	if eventType == "" {
		b.logger.Error("Dropping event with empty type")
		return false
	}

	meta := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[MetaTimestamp] = time.Now()
	if _, ok := meta[MetaSource]; !ok {
		meta[MetaSource] = b.source
	}
	event := Event{
		ID:       newEventID(),
		Type:     eventType,
		Data:     data,
		Metadata: meta,
	}

	b.mwMu.RLock()
	chain := make([]Middleware, len(b.middleware))
	copy(chain, b.middleware)
	b.mwMu.RUnlock()
	for _, mw := range chain {
		next, err := mw(event)
		if err != nil {
			b.logger.Warn("Event middleware failed, skipping", "type", eventType, "error", err)
			continue
		}
		event = next
	}

	b.history.push(event)
	if b.metrics != nil {
		b.metrics.published.Inc()
	}

	b.mu.RLock()
	var matching []*subscription
	for pattern, list := range b.subs {
		if matchEventType(event.Type, pattern) {
			matching = append(matching, list...)
		}
	}
	b.mu.RUnlock()

	sort.SliceStable(matching, func(i, j int) bool {
		if matching[i].priority != matching[j].priority {
			return matching[i].priority > matching[j].priority
		}
		return matching[i].seq < matching[j].seq
	})

	for _, sub := range matching {
		if err := b.invoke(ctx, sub, event); err != nil {
			b.logger.Error("Event handler failed", "type", event.Type, "subscription", sub.id, "error", err)
			if b.metrics != nil {
				b.metrics.handlerErrors.Inc()
			}
			continue
		}
		if b.metrics != nil {
			b.metrics.delivered.Inc()
		}
		if sub.once {
			b.mu.Lock()
			if _, live := b.byID[sub.id]; live {
				b.removeLocked(sub)
			}
			b.mu.Unlock()
		}
	}

	return true
}

// invoke runs a handler, converting panics into errors so one subscriber
// cannot take down the publish.
func (b *EventBus) invoke(ctx context.Context, sub *subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

// History is a pure filter over the retained events, newest first.
func (b *EventBus) History(filter HistoryFilter) []Event {
	events := b.history.snapshot(0)
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if filter.Type != "" && !matchEventType(ev.Type, filter.Type) {
			continue
		}
		if !filter.Since.IsZero() && !ev.Timestamp().After(filter.Since) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// SubscriberCount returns the number of subscriptions registered for an
// exact event type key.
func (b *EventBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// matchEventType matches an event type against a subscription pattern:
// exact, or prefix when the pattern ends with '*'.
func matchEventType(eventType, pattern string) bool {
	if eventType == pattern {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix
	}
	return false
}
