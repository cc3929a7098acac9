package engine

import (
	"sync"
	"time"

	"github.com/seantiz/stevedore/internal/model"
)

const (
	// subscriberBufferSize is how many events a stream subscriber may lag
	// behind before further events are dropped for it.
	subscriberBufferSize = 64

	// defaultFinishedRetention is how long a finished run is remembered.
	defaultFinishedRetention = 15 * time.Minute
)

// EventBroker delivers a run's events to live stream subscribers as the
// Delegator emits them. It is safe for concurrent use.
//
// A run is finished once it failed, stopped cleanly or was terminated. For a
// while after that, subscribing to it yields an already closed channel, so an
// event stream opened just after the run ended completes at once. Finished
// runs older than the retention are forgotten.
type EventBroker struct {
	mu        sync.Mutex
	runs      map[string]*runSubscribers
	finished  map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

type runSubscribers struct {
	subs   map[int]chan model.Event
	nextID int
}

// BrokerOption configures an EventBroker.
type BrokerOption func(*EventBroker)

// WithFinishedRetention sets how long finished runs are remembered.
func WithFinishedRetention(d time.Duration) BrokerOption {
	return func(b *EventBroker) { b.retention = d }
}

// WithBrokerClock replaces the broker's time source.
func WithBrokerClock(now func() time.Time) BrokerOption {
	return func(b *EventBroker) { b.now = now }
}

// NewEventBroker creates an event broker with no subscribers.
func NewEventBroker(opts ...BrokerOption) *EventBroker {
	b := &EventBroker{
		runs:      make(map[string]*runSubscribers),
		finished:  make(map[string]time.Time),
		retention: defaultFinishedRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel receiving the run's events from now on and a
// function that cancels the subscription. The channel is closed when the run
// finishes.
func (b *EventBroker) Subscribe(runID string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune()

	ch := make(chan model.Event, subscriberBufferSize)
	if _, done := b.finished[runID]; done {
		close(ch)
		return ch, func() {}
	}

	r, ok := b.runs[runID]
	if !ok {
		r = &runSubscribers{subs: make(map[int]chan model.Event)}
		b.runs[runID] = r
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(r.subs, id)
		if len(r.subs) == 0 && b.runs[runID] == r {
			delete(b.runs, runID)
		}
	}
}

// Publish delivers ev to the subscribers of its run. A subscriber whose
// buffer is full misses the event.
func (b *EventBroker) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.runs[ev.RunID]
	if !ok {
		return
	}
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			// Never block the emitting operation.
		}
	}
}

// Close marks the run finished and closes its subscribers' channels.
func (b *EventBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune()

	if r, ok := b.runs[runID]; ok {
		for _, ch := range r.subs {
			close(ch)
		}
		delete(b.runs, runID)
	}
	b.finished[runID] = b.now()
}

// Tracked reports how many runs the broker holds state for, live or finished.
func (b *EventBroker) Tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune()
	return len(b.runs) + len(b.finished)
}

// prune forgets finished runs older than the retention. b.mu must be held.
func (b *EventBroker) prune() {
	cutoff := b.now().Add(-b.retention)
	for runID, at := range b.finished {
		if at.Before(cutoff) {
			delete(b.finished, runID)
		}
	}
}
