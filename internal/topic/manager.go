// Package topic creates and removes the broker topics that mirror REST
// endpoints and classifies topic creation failures.
package topic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpalmerr/restadapter/broker"
	"github.com/jpalmerr/restadapter/config"
	"github.com/jpalmerr/restadapter/internal/endpoint"
	"github.com/jpalmerr/restadapter/internal/metrics"
)

// RemovalGrace is how long topics outlive the last session of the adapter's
// principal before the broker removes them.
const RemovalGrace = time.Minute

// FailReason classifies a topic creation failure.
type FailReason string

const (
	InvalidName          FailReason = "INVALID_NAME"
	ExistsIncompatible   FailReason = "EXISTS_INCOMPATIBLE"
	ExceededLicenseLimit FailReason = "EXCEEDED_LICENSE_LIMIT"
	InvalidDetails       FailReason = "INVALID_DETAILS"
	UnexpectedError      FailReason = "UNEXPECTED_ERROR"
)

// CreationError is returned when the broker rejects a topic.
type CreationError struct {
	Path   string
	Reason FailReason
	Err    error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create topic %s: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// Classify maps a broker topic creation error to a [FailReason]. Errors the
// broker does not classify map to [UnexpectedError].
func Classify(err error) FailReason {
	switch {
	case errors.Is(err, broker.ErrInvalidTopicPath):
		return InvalidName
	case errors.Is(err, broker.ErrIncompatibleExistingTopic):
		return ExistsIncompatible
	case errors.Is(err, broker.ErrTopicLicenseLimit):
		return ExceededLicenseLimit
	case errors.Is(err, broker.ErrInvalidTopicSpecification):
		return InvalidDetails
	default:
		return UnexpectedError
	}
}

// RemovalPolicy returns the removal policy attached to topics created by a
// session of principal.
func RemovalPolicy(principal string) string {
	return fmt.Sprintf(`when no session has "$Principal eq '%s'" for %s`, principal, formatGrace(RemovalGrace))
}

func formatGrace(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int64(d/time.Minute))
	}
	return fmt.Sprintf("%ds", int64(d/time.Second))
}

// Manager creates and removes endpoint topics over one broker session.
type Manager struct {
	session  broker.Session
	registry *endpoint.Registry
	events   *metrics.Dispatcher
	logger   *slog.Logger
}

// NewManager creates a topic manager for session. Topic events are emitted to
// events, which may be nil.
func NewManager(session broker.Session, events *metrics.Dispatcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		session:  session,
		registry: endpoint.Default(),
		events:   events,
		logger:   logger,
	}
}

// AddEndpoint requests the topic for ep. An unresolvable produces identifier
// fails synchronously with [endpoint.ErrUnknownType].
//
// The returned channel receives exactly one value: nil once the topic exists
// (whether created or already present), or a *[CreationError].
func (m *Manager) AddEndpoint(ctx context.Context, svc config.Service, ep config.Endpoint) (<-chan error, error) {
	typ, err := m.registry.From(ep.Produces)
	if err != nil {
		return nil, err
	}

	path := svc.TopicPath(ep)
	spec := broker.TopicSpec{
		Type: typ.TopicType(),
		Properties: map[string]string{
			broker.PropertyRemoval: RemovalPolicy(m.session.Principal()),
		},
	}

	done := make(chan error, 1)
	m.events.Topic(metrics.TopicEvent{Phase: metrics.PhaseRequest, Path: path, Type: string(spec.Type)})

	go func() {
		done <- m.create(ctx, path, spec)
	}()
	return done, nil
}

func (m *Manager) create(ctx context.Context, path string, spec broker.TopicSpec) error {
	result, err := m.session.TopicControl().AddTopic(ctx, path, spec)
	if err != nil {
		reason := Classify(err)
		m.logger.Warn("topic creation failed", "path", path, "reason", reason, "error", err)
		m.events.Topic(metrics.TopicEvent{
			Phase:  metrics.PhaseFailure,
			Path:   path,
			Type:   string(spec.Type),
			Reason: string(reason),
			Err:    err,
		})
		return &CreationError{Path: path, Reason: reason, Err: err}
	}

	m.logger.Debug("topic ready", "path", path, "created", result == broker.AddCreated)
	m.events.Topic(metrics.TopicEvent{Phase: metrics.PhaseSuccess, Path: path, Type: string(spec.Type)})
	return nil
}

// RemoveEndpoint requests removal of the topic for ep. Errors are logged.
func (m *Manager) RemoveEndpoint(svc config.Service, ep config.Endpoint) {
	path := svc.TopicPath(ep)
	go func() {
		if _, err := m.session.TopicControl().RemoveTopics(context.Background(), path); err != nil {
			m.logger.Warn("topic removal failed", "path", path, "error", err)
		}
	}()
}
