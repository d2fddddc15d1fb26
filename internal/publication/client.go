// Package publication publishes polled endpoint values to broker topics.
//
// A [Client] registers one broker update source per service topic root and
// hands out an [UpdateContext] per endpoint. Update contexts hold at most one
// pending value while the broker session is recovering and replay it once the
// session reconnects.
package publication

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jpalmerr/restadapter/broker"
	"github.com/jpalmerr/restadapter/config"
	"github.com/jpalmerr/restadapter/internal/endpoint"
	"github.com/jpalmerr/restadapter/internal/metrics"
	"github.com/jpalmerr/restadapter/internal/session"
)

var (
	// ErrSessionClosed is returned by [UpdateContext.Publish] once the broker
	// session is closed. Callers must not retry through the same context.
	ErrSessionClosed = errors.New("publication: session closed")

	// ErrSourceStandby is returned by [UpdateContext.Publish] while another
	// adapter instance holds the active update source for the service.
	ErrSourceStandby = errors.New("publication: update source is on standby")

	// ErrSourceClosed is returned by [UpdateContext.Publish] once the update
	// source of the service was removed or closed by the broker.
	ErrSourceClosed = errors.New("publication: update source closed")

	// ErrUnknownService is returned for services not added to the client.
	ErrUnknownService = errors.New("publication: unknown service")
)

// StateNotifier delivers broker session state transitions.
type StateNotifier interface {
	AddStateListener(l session.Listener) (remove func())
}

// SourceHandlers receives the update source lifecycle of a service. Handlers
// run on a broker notification goroutine; nil handlers are skipped.
type SourceHandlers struct {
	// OnActive is called when this adapter may publish for the service.
	OnActive func(svc config.Service)

	// OnStandby is called when another instance publishes for the service.
	OnStandby func(svc config.Service)

	// OnClose is called once the registration is torn down.
	OnClose func(svc config.Service)

	// OnError is called if registration fails. It is not retried.
	OnError func(svc config.Service, err error)
}

// Client owns the update source registrations of the adapter.
type Client struct {
	session broker.Session
	events  *metrics.Dispatcher
	logger  *slog.Logger

	mu             sync.Mutex
	sources        map[string]*source // keyed by topic path root
	removeListener func()
	closed         bool
}

// NewClient creates a publishing client over session. notifier must report
// the state transitions of session.
func NewClient(s broker.Session, notifier StateNotifier, events *metrics.Dispatcher, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		session: s,
		events:  events,
		logger:  logger,
		sources: make(map[string]*source),
	}
	c.removeListener = notifier.AddStateListener(c.onSessionState)
	return c
}

// AddService registers the update source for svc's topic root. Adding a
// service whose root is already registered is a no-op.
func (c *Client) AddService(svc config.Service, handlers SourceHandlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrSessionClosed
	}
	if _, exists := c.sources[svc.TopicPathRoot]; exists {
		return nil
	}

	src := &source{
		client:   c,
		svc:      svc,
		handlers: handlers,
		closed:   make(chan struct{}),
		contexts: make(map[string]*UpdateContext),
	}
	c.sources[svc.TopicPathRoot] = src

	err := c.session.UpdateControl().RegisterUpdateSource(svc.TopicPathRoot, broker.UpdateSourceHandlers{
		OnRegistered: src.onRegistered,
		OnActive:     src.onActive,
		OnStandby:    src.onStandby,
		OnClose:      src.onClose,
		OnError:      src.onError,
	})
	if err != nil {
		delete(c.sources, svc.TopicPathRoot)
		if errors.Is(err, broker.ErrSessionClosed) {
			return ErrSessionClosed
		}
		return fmt.Errorf("register update source %s: %w", svc.TopicPathRoot, err)
	}

	c.logger.Debug("update source requested", "service", svc.Name, "path", svc.TopicPathRoot)
	return nil
}

// RemoveService deregisters the update source of svc. The returned channel
// is closed once the broker confirms the registration is closed; for unknown
// services it is already closed.
func (c *Client) RemoveService(svc config.Service) <-chan struct{} {
	c.mu.Lock()
	src, ok := c.sources[svc.TopicPathRoot]
	if ok {
		delete(c.sources, svc.TopicPathRoot)
	}
	c.mu.Unlock()

	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}

	src.remove()
	return src.closed
}

// CreateUpdateContext returns the update context for ep of svc, creating it
// on first use. typ selects how values are sized for publication events.
func (c *Client) CreateUpdateContext(svc config.Service, ep config.Endpoint, typ *endpoint.Type) (*UpdateContext, error) {
	c.mu.Lock()
	src, ok := c.sources[svc.TopicPathRoot]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, svc.Name)
	}

	path := svc.TopicPath(ep)

	src.mu.Lock()
	defer src.mu.Unlock()
	if uc, exists := src.contexts[path]; exists {
		return uc, nil
	}
	uc := &UpdateContext{client: c, source: src, path: path, typ: typ}
	src.contexts[path] = uc
	return uc, nil
}

// Close stops observing the session and deregisters every update source.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sources := make([]*source, 0, len(c.sources))
	for _, src := range c.sources {
		sources = append(sources, src)
	}
	c.sources = make(map[string]*source)
	c.mu.Unlock()

	c.removeListener()
	for _, src := range sources {
		src.remove()
	}
}

func (c *Client) onSessionState(s broker.Session, oldState, newState broker.State) {
	if s.ID() != c.session.ID() || !oldState.IsRecovering() || !newState.IsConnected() {
		return
	}

	c.mu.Lock()
	var contexts []*UpdateContext
	for _, src := range c.sources {
		contexts = append(contexts, src.snapshotContexts()...)
	}
	c.mu.Unlock()

	for _, uc := range contexts {
		uc.replay()
	}
}

type sourceState int

const (
	sourcePending sourceState = iota
	sourceActive
	sourceStandby
	sourceClosed
)

// source is the update source of one service.
type source struct {
	client   *Client
	svc      config.Service
	handlers SourceHandlers
	closed   chan struct{}

	mu           sync.Mutex
	state        sourceState
	registration broker.Registration
	updater      broker.Updater
	removed      bool
	contexts     map[string]*UpdateContext
	closeOnce    sync.Once
}

func (s *source) activeUpdater() broker.Updater {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sourceActive || s.removed {
		return nil
	}
	return s.updater
}

// publishable reports why values cannot be published through s, or nil if
// the source is active.
func (s *source) publishable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.removed || s.state == sourceClosed:
		return ErrSourceClosed
	case s.state != sourceActive:
		return ErrSourceStandby
	default:
		return nil
	}
}

func (s *source) snapshotContexts() []*UpdateContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*UpdateContext, 0, len(s.contexts))
	for _, uc := range s.contexts {
		out = append(out, uc)
	}
	return out
}

func (s *source) remove() {
	s.mu.Lock()
	s.removed = true
	reg := s.registration
	s.contexts = make(map[string]*UpdateContext)
	s.mu.Unlock()

	if reg != nil {
		if err := reg.Close(); err != nil {
			s.client.logger.Warn("update source close failed", "service", s.svc.Name, "error", err)
		}
	}
}

func (s *source) onRegistered(_ string, reg broker.Registration) {
	s.mu.Lock()
	s.registration = reg
	removed := s.removed
	s.mu.Unlock()

	if removed {
		_ = reg.Close()
	}
}

func (s *source) onActive(path string, updater broker.Updater) {
	s.mu.Lock()
	if s.removed || s.state == sourceClosed {
		s.mu.Unlock()
		return
	}
	s.state = sourceActive
	s.updater = updater
	s.mu.Unlock()

	s.client.logger.Info("update source active", "service", s.svc.Name, "path", path)
	if fn := s.handlers.OnActive; fn != nil {
		fn(s.svc)
	}
}

func (s *source) onStandby(path string) {
	s.mu.Lock()
	if s.removed || s.state == sourceClosed {
		s.mu.Unlock()
		return
	}
	s.state = sourceStandby
	s.updater = nil
	s.mu.Unlock()

	s.client.logger.Info("update source on standby", "service", s.svc.Name, "path", path)
	if fn := s.handlers.OnStandby; fn != nil {
		fn(s.svc)
	}
}

func (s *source) onClose(path string) {
	s.finish(path, true)
}

func (s *source) onError(path string, err error) {
	s.client.logger.Warn("update source registration failed", "service", s.svc.Name, "path", path, "error", err)
	if fn := s.handlers.OnError; fn != nil {
		fn(s.svc, err)
	}
	s.finish(path, false)
}

// finish marks the source closed and resolves pending removals. notify
// selects whether the OnClose handler runs.
func (s *source) finish(path string, notify bool) {
	s.mu.Lock()
	s.state = sourceClosed
	s.updater = nil
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		close(s.closed)
		s.client.forget(s)
		s.client.logger.Info("update source closed", "service", s.svc.Name, "path", path)
		if fn := s.handlers.OnClose; notify && fn != nil {
			fn(s.svc)
		}
	})
}

// forget drops s from the client if it is still the registered source for
// its root.
func (c *Client) forget(s *source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sources[s.svc.TopicPathRoot] == s {
		delete(c.sources, s.svc.TopicPathRoot)
	}
}
