package adapter

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/restadapter/broker"
	"github.com/jpalmerr/restadapter/config"
	"github.com/jpalmerr/restadapter/internal/metrics"
	"github.com/jpalmerr/restadapter/internal/poller"
	"github.com/jpalmerr/restadapter/internal/publication"
	"github.com/jpalmerr/restadapter/internal/session"
	"github.com/jpalmerr/restadapter/internal/topic"
)

// Config holds the collaborators of a [Runner].
type Config struct {
	// Connector opens broker sessions. Required.
	Connector broker.Connector

	// Events receives poll, publication, topic and service events. If nil a
	// private dispatcher is used.
	Events *metrics.Dispatcher

	// Registerer receives the Prometheus collectors when enabled.
	Registerer prometheus.Registerer

	// Instance labels the Prometheus series of this runner. Defaults to a
	// random UUID.
	Instance string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// PollWorkers sizes the shared poll worker pool.
	PollWorkers int

	// PollTimeout bounds each HTTP request.
	PollTimeout time.Duration

	// OnShutdown is invoked once when the adapter reaches STOPPED.
	OnShutdown func()
}

// Runner executes the adapter state machine.
//
// Every event is applied under one mutex: the transition is computed by
// [Transition] and its effects run before the next event is accepted.
// Broker and timer callbacks re-enter the runner on their own goroutines.
type Runner struct {
	cfg       Config
	events    *metrics.Dispatcher
	logger    *slog.Logger
	sessions  *session.Manager
	scheduler *poller.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	m         Machine
	provider  *metrics.Provider
	session   broker.Session // session the clients are built over
	tls       *tls.Config
	publisher *publication.Client
	topics    *topic.Manager
	client    *poller.Client
	services  *serviceManager
	reconnect *time.Timer
}

// NewRunner creates a runner in the INIT state.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Connector == nil {
		return nil, errors.New("adapter: connector is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = metrics.NewDispatcher(cfg.Logger)
	}
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:       cfg,
		events:    cfg.Events,
		logger:    cfg.Logger,
		sessions:  session.NewManager(cfg.Connector, cfg.Logger),
		scheduler: poller.NewScheduler(cfg.PollWorkers, cfg.Logger),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		services:  newServiceManager(),
	}
	r.sessions.AddStateListener(func(s broker.Session, _, newState broker.State) {
		if newState.IsClosed() {
			go r.Handle(SessionClosed{Session: s})
		}
	})
	r.scheduler.Start()
	return r, nil
}

// Handle applies one event.
func (r *Runner) Handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, effects := Transition(r.m, e)
	if next.State != r.m.State {
		r.logger.Info("adapter state changed", "from", r.m.State, "to", next.State)
	}
	r.m = next
	for _, fx := range effects {
		r.apply(fx)
	}
}

// Reconfigure applies a new configuration snapshot.
func (r *Runner) Reconfigure(snap *config.Snapshot) { r.Handle(Reconfigure{Next: snap}) }

// Close shuts the adapter down. It is a no-op once stopping.
func (r *Runner) Close() { r.Handle(Close{}) }

// Done is closed once the adapter has stopped.
func (r *Runner) Done() <-chan struct{} { return r.done }

// State returns the current adapter state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m.State
}

// Snapshot returns the configuration in force.
func (r *Runner) Snapshot() *config.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m.Current
}

// Session returns the broker session in force, or nil.
func (r *Runner) Session() broker.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m.Session
}

// Services returns the number of running services.
func (r *Runner) Services() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.services.len()
}

// Counts returns the event counts if counting is enabled.
func (r *Runner) Counts() (metrics.Counts, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider.Counts()
}

// apply runs one effect. r.mu is held.
func (r *Runner) apply(fx Effect) {
	switch fx := fx.(type) {
	case ApplyMetrics:
		r.provider.Close()
		r.provider = metrics.NewProvider(fx.Metrics, r.events, r.cfg.Registerer, r.cfg.Instance, r.logger)
		if r.session != nil && r.session == r.m.Session {
			r.provider.Attach(r.session)
		}

	case StopMetrics:
		r.provider.Close()
		r.provider = nil

	case OpenSession:
		r.openSession(fx)

	case CloseSession:
		r.dropClients()
		if err := fx.Session.Close(); err != nil {
			r.logger.Warn("broker session close failed", "session", fx.Session.ID(), "error", err)
		}

	case DropSession:
		r.dropClients()

	case StartClients:
		r.session = fx.Session
		r.topics = topic.NewManager(fx.Session, r.events, r.logger)
		r.publisher = publication.NewClient(fx.Session, r.sessions, r.events, r.logger)
		r.provider.Attach(fx.Session)

	case StopPolling:
		if fx.Release {
			r.services.release()
		} else {
			r.services.close()
		}
		r.client.Close()
		r.client = nil

	case RebuildServices:
		if r.publisher == nil {
			r.logger.Warn("no publishing client, services not rebuilt")
			return
		}
		if r.client == nil {
			r.client = poller.NewClient(r.tls, r.cfg.PollTimeout, r.events)
			r.client.Start()
		}
		r.services.reconfigure(serviceDeps{
			publisher: r.publisher,
			topics:    r.topics,
			client:    r.client,
			scheduler: r.scheduler,
			events:    r.events,
			logger:    r.logger,
		}, fx.Snapshot.Services)

	case ScheduleReconnect:
		if r.reconnect != nil {
			r.reconnect.Stop()
		}
		seq := fx.Seq
		r.logger.Info("reconnecting to broker", "delay", fx.Delay)
		r.reconnect = time.AfterFunc(fx.Delay, func() { r.Handle(ReconnectDue{Seq: seq}) })

	case Shutdown:
		r.shutdown()
	}
}

func (r *Runner) openSession(fx OpenSession) {
	attempt := fx.Attempt
	fail := func(err error) {
		go r.Handle(SessionOpenFailed{Attempt: attempt, Err: err})
	}

	tlsConfig, err := session.LoadTLSConfig(fx.Snapshot.Truststore, fx.Snapshot.BaseDir)
	if err != nil {
		r.logger.Error("cannot load truststore", "error", err)
		fail(err)
		return
	}
	r.tls = tlsConfig

	result := r.sessions.OpenAsync(r.ctx, fx.Snapshot.Broker, tlsConfig, func(s broker.Session) {
		go r.Handle(SessionLost{Session: s})
	})
	go func() {
		res := <-result
		switch {
		case res.Err != nil:
			r.Handle(SessionOpenFailed{Attempt: attempt, Err: res.Err})
		case res.Session.State().IsClosed():
			r.Handle(SessionOpenFailed{Attempt: attempt, Err: broker.ErrSessionClosed})
		default:
			r.Handle(SessionOpened{Attempt: attempt, Session: res.Session})
		}
	}()
}

func (r *Runner) dropClients() {
	r.provider.Detach()
	r.session = nil
	if r.publisher != nil {
		r.publisher.Close()
		r.publisher = nil
	}
	r.topics = nil
}

func (r *Runner) shutdown() {
	if r.reconnect != nil {
		r.reconnect.Stop()
		r.reconnect = nil
	}
	r.once.Do(func() {
		r.cancel()
		go func() {
			r.scheduler.Stop()
			if r.cfg.OnShutdown != nil {
				r.cfg.OnShutdown()
			}
			close(r.done)
		}()
	})
}
