package restadapter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/restadapter/broker"
	"github.com/jpalmerr/restadapter/config"
	"github.com/jpalmerr/restadapter/internal/adapter"
	"github.com/jpalmerr/restadapter/internal/metrics"
)

const (
	defaultPollWorkers = 10
	defaultPollTimeout = 10 * time.Second
)

// ErrNilSnapshot is returned by [Adapter.Reconfigure] for a nil snapshot.
var ErrNilSnapshot = errors.New("restadapter: nil snapshot")

// Adapter mirrors REST endpoints into broker topics.
//
// An Adapter is created with [New] and driven by configuration snapshots:
// the first snapshot passed to [Adapter.Reconfigure] starts it, later ones
// are applied incrementally, and a snapshot with Active set to false or a
// call to [Adapter.Close] stops it.
//
//	a, err := restadapter.New(restadapter.WithConnector(mem))
//	if err != nil {
//	    slog.Error("failed to create adapter", "error", err)
//	    os.Exit(1)
//	}
//
//	snap, err := config.Load("adapter.yaml")
//	...
//	a.Reconfigure(snap)
//	defer a.Close()
type Adapter struct {
	runner *adapter.Runner
	events *metrics.Dispatcher
	logger *slog.Logger

	closeOnce sync.Once
}

// New creates an [Adapter] in the INIT state.
//
// A broker must be configured via [WithConnector]. Other options default
// to:
//   - Poll workers: 10
//   - Poll timeout: 10 seconds
//   - Registerer: [prometheus.DefaultRegisterer]
//
// Returns an error if any option is invalid.
func New(opts ...Option) (*Adapter, error) {
	cfg := &adapterConfig{
		pollWorkers: defaultPollWorkers,
		pollTimeout: defaultPollTimeout,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.connector == nil {
		return nil, errors.New("a broker connector is required")
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	registerer := cfg.registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	events := metrics.NewDispatcher(logger)
	for _, cb := range cfg.serviceCallbacks {
		events.OnService(cb)
	}
	for _, cb := range cfg.pollCallbacks {
		events.OnPoll(func(e metrics.PollEvent) {
			if e.Phase != metrics.PhaseRequest {
				cb(pollResult(e))
			}
		})
	}

	handlers := cfg.shutdownHandlers
	runner, err := adapter.NewRunner(adapter.Config{
		Connector:   cfg.connector,
		Events:      events,
		Registerer:  registerer,
		Instance:    cfg.instance,
		Logger:      logger,
		PollWorkers: cfg.pollWorkers,
		PollTimeout: cfg.pollTimeout,
		OnShutdown: func() {
			for _, fn := range handlers {
				invokeSafe(fn, logger)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	return &Adapter{runner: runner, events: events, logger: logger}, nil
}

// Reconfigure applies snap. The snapshot is validated first; an invalid
// snapshot is rejected and the configuration in force is kept.
//
// Reconfiguring a stopped adapter has no effect.
func (a *Adapter) Reconfigure(snap *config.Snapshot) error {
	if snap == nil {
		return ErrNilSnapshot
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	a.runner.Reconfigure(snap)
	return nil
}

// Run applies every snapshot received from updates until ctx is cancelled
// or the adapter stops, then closes the adapter and waits for shutdown.
//
// Invalid snapshots are logged and skipped. A closed updates channel leaves
// the adapter running on its last snapshot.
func (a *Adapter) Run(ctx context.Context, updates <-chan *config.Snapshot) error {
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if err := a.Reconfigure(snap); err != nil {
				a.logger.Warn("snapshot rejected", "error", err)
			}

		case <-a.runner.Done():
			return nil

		case <-ctx.Done():
			a.Close()
			<-a.runner.Done()
			return nil
		}
	}
}

// Close stops the adapter: polling ends, the broker session is closed and
// the shutdown handlers run. Close is safe to call multiple times.
func (a *Adapter) Close() {
	a.closeOnce.Do(a.runner.Close)
}

// Done is closed once the adapter has stopped and its shutdown handlers
// returned.
func (a *Adapter) Done() <-chan struct{} {
	return a.runner.Done()
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	return a.runner.State()
}

// Snapshot returns the configuration snapshot in force, or nil before the
// first [Adapter.Reconfigure].
func (a *Adapter) Snapshot() *config.Snapshot {
	return a.runner.Snapshot()
}

// Session returns the broker session in force, or nil.
func (a *Adapter) Session() broker.Session {
	return a.runner.Session()
}

// Counts returns the event counters, or false if counting is disabled in
// the snapshot in force.
func (a *Adapter) Counts() (Counts, bool) {
	return a.runner.Counts()
}

// invokeSafe calls a shutdown handler with panic recovery.
func invokeSafe(fn func(), logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("shutdown handler panicked", "panic", r)
		}
	}()
	fn()
}
