package adapter

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jpalmerr/restadapter/config"
	"github.com/jpalmerr/restadapter/internal/endpoint"
	"github.com/jpalmerr/restadapter/internal/metrics"
	"github.com/jpalmerr/restadapter/internal/poller"
	"github.com/jpalmerr/restadapter/internal/publication"
	"github.com/jpalmerr/restadapter/internal/topic"
)

// serviceDeps are the components a running service uses. They belong to
// one broker session.
type serviceDeps struct {
	publisher *publication.Client
	topics    *topic.Manager
	client    poller.Requester
	scheduler *poller.Scheduler
	events    *metrics.Dispatcher
	logger    *slog.Logger
}

// serviceManager keeps one running service per configured service name.
type serviceManager struct {
	entries map[string]*serviceEntry
}

func newServiceManager() *serviceManager {
	return &serviceManager{entries: make(map[string]*serviceEntry)}
}

// reconfigure reconciles the running services with services. Unchanged
// services keep running; removed and changed services are stopped and
// deregistered before replacements are added.
func (m *serviceManager) reconfigure(deps serviceDeps, services []config.Service) {
	next := make(map[string]config.Service, len(services))
	for _, svc := range services {
		next[svc.Name] = svc
	}

	for name, entry := range m.entries {
		svc, keep := next[name]
		if keep && config.ServiceEqual(entry.svc, svc) {
			continue
		}
		entry.stop()
		entry.deps.publisher.RemoveService(entry.svc)
		removeStaleTopics(entry, svc, keep)
		delete(m.entries, name)
	}

	for _, svc := range services {
		if _, running := m.entries[svc.Name]; running {
			continue
		}
		entry := newServiceEntry(svc, deps)
		if err := deps.publisher.AddService(svc, entry.handlers()); err != nil {
			deps.logger.Warn("cannot add service", "service", svc.Name, "error", err)
			continue
		}
		m.entries[svc.Name] = entry
	}
}

// removeStaleTopics removes the topics of entry that the replacement
// service, if any, no longer publishes.
func removeStaleTopics(entry *serviceEntry, replacement config.Service, replaced bool) {
	keep := make(map[string]struct{})
	if replaced {
		for _, ep := range replacement.Endpoints {
			keep[replacement.TopicPath(ep)] = struct{}{}
		}
	}
	for _, ep := range entry.svc.Endpoints {
		if _, ok := keep[entry.svc.TopicPath(ep)]; !ok {
			entry.deps.topics.RemoveEndpoint(entry.svc, ep)
		}
	}
}

// len returns the number of running services.
func (m *serviceManager) len() int { return len(m.entries) }

// close stops every service and deregisters its update source.
func (m *serviceManager) close() {
	for name, entry := range m.entries {
		entry.stop()
		entry.deps.publisher.RemoveService(entry.svc)
		delete(m.entries, name)
	}
}

// release stops every service, leaving registrations to the session.
func (m *serviceManager) release() {
	for name, entry := range m.entries {
		entry.stop()
		delete(m.entries, name)
	}
}

// serviceEntry is one running service: its poll session and the reactions
// to its update source lifecycle.
type serviceEntry struct {
	svc     config.Service
	deps    serviceDeps
	session *poller.ServiceSession
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	stopped    bool
	generation uint64 // bumped on every active or standby notification
}

func newServiceEntry(svc config.Service, deps serviceDeps) *serviceEntry {
	ctx, cancel := context.WithCancel(context.Background())
	return &serviceEntry{
		svc:     svc,
		deps:    deps,
		session: poller.NewServiceSession(svc, deps.client, deps.scheduler, deps.logger),
		logger:  deps.logger.With("service", svc.Name),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (e *serviceEntry) handlers() publication.SourceHandlers {
	return publication.SourceHandlers{
		OnActive: func(config.Service) {
			e.mu.Lock()
			e.generation++
			gen := e.generation
			e.mu.Unlock()
			go e.activate(gen)
		},
		OnStandby: func(config.Service) { e.standby() },
		OnClose: func(config.Service) {
			e.deps.events.Service(metrics.ServiceEvent{Service: e.svc.Name, Kind: metrics.ServiceRemoved})
		},
		OnError: func(_ config.Service, err error) {
			e.logger.Error("service update source failed", "error", err)
		},
	}
}

// activate creates the topics of the service, then polls every endpoint
// whose topic is ready. gen is the generation of the active notification.
func (e *serviceEntry) activate(gen uint64) {
	type pending struct {
		ep   config.Endpoint
		done <-chan error
	}

	var requests []pending
	for _, ep := range e.svc.Endpoints {
		done, err := e.deps.topics.AddEndpoint(e.ctx, e.svc, ep)
		if err != nil {
			e.logger.Warn("endpoint not added", "endpoint", ep.Name, "error", err)
			continue
		}
		requests = append(requests, pending{ep: ep, done: done})
	}

	for _, req := range requests {
		var err error
		select {
		case err = <-req.done:
		case <-e.ctx.Done():
			return
		}
		if err != nil {
			e.logger.Warn("endpoint topic unavailable", "endpoint", req.ep.Name, "error", err)
			continue
		}

		typ, err := endpoint.Default().From(req.ep.Produces)
		if err != nil {
			continue
		}
		uc, err := e.deps.publisher.CreateUpdateContext(e.svc, req.ep, typ)
		if err != nil {
			e.logger.Warn("no update context", "endpoint", req.ep.Name, "error", err)
			continue
		}
		e.session.AddEndpoint(req.ep, e.publishTo(req.ep, uc))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.generation != gen {
		return
	}
	e.session.Start()
	e.deps.events.Service(metrics.ServiceEvent{Service: e.svc.Name, Kind: metrics.ServiceActive})
}

func (e *serviceEntry) standby() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation++
	e.session.Stop()
	e.deps.events.Service(metrics.ServiceEvent{Service: e.svc.Name, Kind: metrics.ServiceStandby})
}

func (e *serviceEntry) stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	e.session.Stop()
}

// publishTo returns the poll handler that parses responses of ep and
// publishes them through uc.
func (e *serviceEntry) publishTo(ep config.Endpoint, uc *publication.UpdateContext) poller.Handler {
	typ := uc.Type()
	return func(resp poller.Response) {
		value, err := typ.Parse(resp.Body, resp.ContentType)
		if err != nil {
			e.logger.Warn("cannot parse response", "endpoint", ep.Name, "error", err)
			e.deps.events.Publication(metrics.PublicationEvent{
				Phase: metrics.PhaseFailure,
				Path:  uc.Path(),
				Bytes: len(resp.Body),
				Err:   err,
			})
			return
		}

		if err := uc.Publish(value); err != nil {
			level := slog.LevelWarn
			if errors.Is(err, publication.ErrSourceStandby) || errors.Is(err, publication.ErrSourceClosed) {
				level = slog.LevelDebug
			}
			e.logger.Log(context.Background(), level, "value not published", "endpoint", ep.Name, "error", err)
			e.deps.events.Publication(metrics.PublicationEvent{
				Phase: metrics.PhaseFailure,
				Path:  uc.Path(),
				Bytes: len(value),
				Err:   err,
			})
		}
	}
}
