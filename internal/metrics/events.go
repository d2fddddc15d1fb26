// Package metrics carries adapter events (polls, publications, topic
// creations and service lifecycle changes) to the reporters configured in the
// metrics section of a snapshot.
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the stage of a request an event reports.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseSuccess
	PhaseFailure
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseRequest:
		return "request"
	case PhaseSuccess:
		return "success"
	case PhaseFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// PollEvent reports one HTTP poll of an endpoint.
type PollEvent struct {
	Phase    Phase
	Service  string
	Endpoint string
	URL      string

	// Status, Bytes and Latency are set on success; Status is also set on
	// failures caused by an HTTP error status.
	Status  int
	Bytes   int
	Latency time.Duration

	Err error
}

// PublicationEvent reports one value submitted to a topic.
type PublicationEvent struct {
	Phase Phase
	Path  string
	Bytes int
	Err   error
}

// TopicEvent reports one topic creation request.
type TopicEvent struct {
	Phase Phase
	Path  string
	Type  string

	// Reason classifies a failure, e.g. "EXISTS_INCOMPATIBLE".
	Reason string
	Err    error
}

// ServiceKind is a service lifecycle transition.
type ServiceKind string

const (
	ServiceActive  ServiceKind = "active"
	ServiceStandby ServiceKind = "standby"
	ServiceRemoved ServiceKind = "removed"
)

// ServiceEvent reports a service lifecycle transition.
type ServiceEvent struct {
	Service string
	Kind    ServiceKind
}

// Dispatcher delivers events to every registered callback of the matching
// kind. Delivery order between callbacks is unspecified.
//
// A nil *Dispatcher is valid and drops all events.
type Dispatcher struct {
	logger       *slog.Logger
	polls        listeners[PollEvent]
	publications listeners[PublicationEvent]
	topics       listeners[TopicEvent]
	services     listeners[ServiceEvent]
}

// NewDispatcher creates a dispatcher. Panics raised by callbacks are
// recovered and logged.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// OnPoll registers fn for poll events.
func (d *Dispatcher) OnPoll(fn func(PollEvent)) (remove func()) {
	if d == nil {
		return func() {}
	}
	return d.polls.add(fn)
}

// OnPublication registers fn for publication events.
func (d *Dispatcher) OnPublication(fn func(PublicationEvent)) (remove func()) {
	if d == nil {
		return func() {}
	}
	return d.publications.add(fn)
}

// OnTopic registers fn for topic creation events.
func (d *Dispatcher) OnTopic(fn func(TopicEvent)) (remove func()) {
	if d == nil {
		return func() {}
	}
	return d.topics.add(fn)
}

// OnService registers fn for service lifecycle events.
func (d *Dispatcher) OnService(fn func(ServiceEvent)) (remove func()) {
	if d == nil {
		return func() {}
	}
	return d.services.add(fn)
}

// Poll emits a poll event.
func (d *Dispatcher) Poll(e PollEvent) {
	if d != nil {
		emit(d, &d.polls, e)
	}
}

// Publication emits a publication event.
func (d *Dispatcher) Publication(e PublicationEvent) {
	if d != nil {
		emit(d, &d.publications, e)
	}
}

// Topic emits a topic creation event.
func (d *Dispatcher) Topic(e TopicEvent) {
	if d != nil {
		emit(d, &d.topics, e)
	}
}

// Service emits a service lifecycle event.
func (d *Dispatcher) Service(e ServiceEvent) {
	if d != nil {
		emit(d, &d.services, e)
	}
}

type listeners[E any] struct {
	mu   sync.RWMutex
	fns  map[uint64]func(E)
	next uint64
}

func (l *listeners[E]) add(fn func(E)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(E))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func emit[E any](d *Dispatcher, l *listeners[E], e E) {
	l.mu.RLock()
	fns := make([]func(E), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		safeCall(d, fn, e)
	}
}

// safeCall runs fn and recovers from panics, logging them with a
// correlation ID.
func safeCall[E any](d *Dispatcher, fn func(E), e E) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("metrics callback panicked",
				"correlation_id", uuid.New().String(),
				"panic", r,
			)
		}
	}()
	fn(e)
}
