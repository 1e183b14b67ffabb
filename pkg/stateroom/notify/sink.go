package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handler consumes one notification.
type Handler func(n Notification)

// Subscription is an active LocalSink subscription.
type Subscription interface {
	// Unsubscribe removes the subscription and releases its worker.
	Unsubscribe()
}

// SinkConfig configures LocalSink behavior.
type SinkConfig struct {
	// BufferSize is the channel buffer per subscription. Default: 256.
	BufferSize int

	// OnDrop is called when a subscriber's buffer is full and a
	// notification is discarded. Emission never blocks the pipeline.
	OnDrop func(n Notification, subscriberID string)
}

// DefaultSinkConfig provides reasonable defaults.
var DefaultSinkConfig = SinkConfig{BufferSize: 256}

// LocalSink is an in-process fan-out Sink. Each subscription gets a
// buffered channel drained by its own goroutine; a slow subscriber
// drops notifications rather than stalling event processing.
type LocalSink struct {
	config SinkConfig

	mu     sync.RWMutex
	subs   map[string]*subscription
	byKind map[Kind]map[string]*subscription

	closed atomic.Bool
}

type subscription struct {
	id      string
	kinds   []Kind // empty = all kinds
	handler Handler
	ch      chan Notification
	done    chan struct{}
	sink    *LocalSink
}

// NewLocalSink creates a LocalSink.
func NewLocalSink(config SinkConfig) *LocalSink {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultSinkConfig.BufferSize
	}
	return &LocalSink{
		config: config,
		subs:   make(map[string]*subscription),
		byKind: make(map[Kind]map[string]*subscription),
	}
}

// Subscribe registers a handler for the given kinds; an empty list
// subscribes to everything.
func (s *LocalSink) Subscribe(kinds []Kind, handler Handler) Subscription {
	sub := &subscription{
		id:      uuid.NewString(),
		kinds:   kinds,
		handler: handler,
		ch:      make(chan Notification, s.config.BufferSize),
		done:    make(chan struct{}),
		sink:    s,
	}

	s.mu.Lock()
	s.subs[sub.id] = sub
	for _, kind := range kinds {
		if s.byKind[kind] == nil {
			s.byKind[kind] = make(map[string]*subscription)
		}
		s.byKind[kind][sub.id] = sub
	}
	s.mu.Unlock()

	go sub.run()
	return sub
}

func (sub *subscription) run() {
	for {
		select {
		case n := <-sub.ch:
			sub.handler(n)
		case <-sub.done:
			return
		}
	}
}

// Unsubscribe implements Subscription.
func (sub *subscription) Unsubscribe() {
	s := sub.sink
	s.mu.Lock()
	if _, ok := s.subs[sub.id]; ok {
		delete(s.subs, sub.id)
		for _, kind := range sub.kinds {
			delete(s.byKind[kind], sub.id)
		}
		close(sub.done)
	}
	s.mu.Unlock()
}

// Emit implements Sink. Delivery is non-blocking: a full subscriber
// buffer drops the notification and reports it via OnDrop.
func (s *LocalSink) Emit(_ context.Context, n Notification) error {
	if s.closed.Load() {
		return nil
	}

	s.mu.RLock()
	var targets []*subscription
	for _, sub := range s.subs {
		if sub.matches(n.Kind()) {
			targets = append(targets, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- n:
		default:
			if s.config.OnDrop != nil {
				s.config.OnDrop(n, sub.id)
			}
		}
	}
	return nil
}

func (sub *subscription) matches(kind Kind) bool {
	if len(sub.kinds) == 0 {
		return true
	}
	for _, k := range sub.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Close shuts the sink down and releases every subscription.
func (s *LocalSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	for _, sub := range s.subs {
		close(sub.done)
	}
	s.subs = make(map[string]*subscription)
	s.byKind = make(map[Kind]map[string]*subscription)
	s.mu.Unlock()
	return nil
}
