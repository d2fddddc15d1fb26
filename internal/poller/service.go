package poller

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jpalmerr/restadapter/config"
)

// Handler receives the successful responses of one endpoint.
//
// Handlers run while the session lock is held and must not call back into
// the [ServiceSession].
type Handler func(resp Response)

// ServiceSession polls the endpoints of one service.
//
// Each tracked endpoint owns a repeating task on the shared [Scheduler] and
// the cancel functions of its in-flight requests. Responses that complete
// after the endpoint or the session was stopped are discarded.
type ServiceSession struct {
	svc       config.Service
	client    Requester
	scheduler *Scheduler
	logger    *slog.Logger

	mu        sync.Mutex
	running   bool
	endpoints map[config.Endpoint]*pollHandle
	order     []config.Endpoint
}

type pollHandle struct {
	ep       config.Endpoint
	handler  Handler
	task     *Task
	inflight map[uint64]context.CancelFunc
	nextID   uint64
}

// NewServiceSession creates a stopped session for svc.
func NewServiceSession(svc config.Service, client Requester, scheduler *Scheduler, logger *slog.Logger) *ServiceSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceSession{
		svc:       svc,
		client:    client,
		scheduler: scheduler,
		logger:    logger.With("service", svc.Name),
		endpoints: make(map[config.Endpoint]*pollHandle),
	}
}

// Service returns the service descriptor of the session.
func (s *ServiceSession) Service() config.Service { return s.svc }

// Start arms polling for every tracked endpoint not already running.
// Start is idempotent.
func (s *ServiceSession) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = true
	for _, ep := range s.order {
		if h := s.endpoints[ep]; h.task == nil {
			s.armLocked(h)
		}
	}
	s.logger.Info("service session started", "endpoints", len(s.order))
}

// AddEndpoint tracks ep. Adding a tracked endpoint is a no-op. If the session
// is running the endpoint is polled immediately.
func (s *ServiceSession) AddEndpoint(ep config.Endpoint, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.endpoints[ep]; exists {
		return
	}
	h := &pollHandle{ep: ep, handler: handler, inflight: make(map[uint64]context.CancelFunc)}
	s.endpoints[ep] = h
	s.order = append(s.order, ep)

	if s.running {
		s.armLocked(h)
	}
}

// StopEndpoint stops polling ep and cancels its in-flight requests.
func (s *ServiceSession) StopEndpoint(ep config.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.endpoints[ep]
	if !exists {
		return
	}
	s.disarmLocked(h)
	delete(s.endpoints, ep)
	for i, e := range s.order {
		if e == ep {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

// Stop halts polling of every endpoint and cancels in-flight requests. The
// endpoints stay tracked; a later Start resumes them. Stop is idempotent.
func (s *ServiceSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	for _, h := range s.endpoints {
		s.disarmLocked(h)
	}
	s.logger.Info("service session stopped")
}

// Running reports whether the session is started.
func (s *ServiceSession) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *ServiceSession) armLocked(h *pollHandle) {
	task, err := s.scheduler.Schedule(s.svc.PollInterval(), func() { s.poll(h) })
	if err != nil {
		s.logger.Warn("cannot schedule endpoint", "endpoint", h.ep.Name, "error", err)
		return
	}
	h.task = task
}

func (s *ServiceSession) disarmLocked(h *pollHandle) {
	if h.task != nil {
		h.task.Cancel()
		h.task = nil
	}
	for id, cancel := range h.inflight {
		cancel()
		delete(h.inflight, id)
	}
}

// poll issues one request for h. It runs on a scheduler worker and returns
// without waiting for the response.
func (s *ServiceSession) poll(h *pollHandle) {
	s.mu.Lock()
	if !s.running || s.endpoints[h.ep] != h || h.task == nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := h.nextID
	h.nextID++
	h.inflight[id] = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		resp, err := s.client.Request(ctx, s.svc, h.ep)

		s.mu.Lock()
		defer s.mu.Unlock()
		delete(h.inflight, id)

		if !s.running || s.endpoints[h.ep] != h {
			return
		}
		if err != nil {
			s.logger.Debug("poll failed", "endpoint", h.ep.Name, "error", err)
			return
		}
		h.handler(resp)
	}()
}
