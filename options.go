package restadapter

import (
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/restadapter/broker"
)

// adapterConfig holds mutable state during Adapter construction.
type adapterConfig struct {
	connector        broker.Connector
	logger           *slog.Logger
	registerer       prometheus.Registerer
	instance         string
	pollWorkers      int
	pollTimeout      time.Duration
	shutdownHandlers []func()
	serviceCallbacks []func(ServiceEvent)
	pollCallbacks    []func(PollResult)
}

// Option is a function that configures an [Adapter] during construction.
//
// Options return an error if validation fails.
type Option func(*adapterConfig) error

// WithConnector sets the broker the adapter opens sessions with. Required.
//
// Example:
//
//	mem := broker.NewMemory()
//	a, err := restadapter.New(restadapter.WithConnector(mem))
func WithConnector(c broker.Connector) Option {
	return func(cfg *adapterConfig) error {
		if c == nil {
			return errors.New("connector cannot be nil")
		}
		cfg.connector = c
		return nil
	}
}

// WithLogger sets a custom [slog.Logger]. If not specified, [slog.Default]
// is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *adapterConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithRegisterer sets where Prometheus collectors are registered when a
// snapshot enables them. Defaults to [prometheus.DefaultRegisterer].
func WithRegisterer(r prometheus.Registerer) Option {
	return func(cfg *adapterConfig) error {
		if r == nil {
			return errors.New("registerer cannot be nil")
		}
		cfg.registerer = r
		return nil
	}
}

// WithInstanceName sets the value of the "adapter" label carried by every
// Prometheus series of the adapter. Adapters sharing a registerer must use
// distinct names. Defaults to a random UUID.
//
// Returns an error if the name is empty.
func WithInstanceName(name string) Option {
	return func(cfg *adapterConfig) error {
		if name == "" {
			return errors.New("instance name cannot be empty")
		}
		cfg.instance = name
		return nil
	}
}

// WithPollWorkers sets how many polls may run concurrently across every
// service. Defaults to 10.
//
// Returns an error if the value is zero or negative.
func WithPollWorkers(n int) Option {
	return func(cfg *adapterConfig) error {
		if n <= 0 {
			return errors.New("poll workers must be positive")
		}
		cfg.pollWorkers = n
		return nil
	}
}

// WithPollTimeout bounds each HTTP request. Defaults to 10 seconds.
//
// Returns an error if the duration is zero or negative.
func WithPollTimeout(d time.Duration) Option {
	return func(cfg *adapterConfig) error {
		if d <= 0 {
			return errors.New("poll timeout must be positive")
		}
		cfg.pollTimeout = d
		return nil
	}
}

// WithShutdownHandler registers a function called once the adapter has
// stopped, either through [Adapter.Close] or an inactive snapshot.
//
// Nil handlers are silently ignored.
func WithShutdownHandler(fn func()) Option {
	return func(cfg *adapterConfig) error {
		if fn != nil {
			cfg.shutdownHandlers = append(cfg.shutdownHandlers, fn)
		}
		return nil
	}
}

// WithServiceCallback registers a function called whenever a service
// becomes active, goes to standby or is removed.
//
// Callbacks must be non-blocking. Panics within callbacks are recovered
// and logged.
//
// Example:
//
//	a, err := restadapter.New(
//	    restadapter.WithConnector(mem),
//	    restadapter.WithServiceCallback(func(e restadapter.ServiceEvent) {
//	        if e.Kind == restadapter.ServiceStandby {
//	            log.Printf("%s is published by another adapter", e.Service)
//	        }
//	    }),
//	)
//
// Nil callbacks are silently ignored.
func WithServiceCallback(cb func(ServiceEvent)) Option {
	return func(cfg *adapterConfig) error {
		if cb != nil {
			cfg.serviceCallbacks = append(cfg.serviceCallbacks, cb)
		}
		return nil
	}
}

// WithPollCallback registers a function called on every poll completion,
// successful or not.
//
// Callbacks must be non-blocking. Panics within callbacks are recovered
// and logged. Nil callbacks are silently ignored.
func WithPollCallback(cb func(PollResult)) Option {
	return func(cfg *adapterConfig) error {
		if cb != nil {
			cfg.pollCallbacks = append(cfg.pollCallbacks, cb)
		}
		return nil
	}
}
