// Package session opens broker sessions for the adapter and fans their state
// transitions out to interested components.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jpalmerr/restadapter/broker"
	"github.com/jpalmerr/restadapter/config"
)

// Listener is notified of session state transitions.
type Listener func(session broker.Session, oldState, newState broker.State)

// OpenResult is the outcome of [Manager.OpenAsync].
type OpenResult struct {
	Session broker.Session
	Err     error
}

// Manager opens broker sessions through a [broker.Connector].
//
// State transitions of every session opened by the manager are delivered to
// all registered listeners, in registration order, on the broker's
// notification goroutine.
type Manager struct {
	connector broker.Connector
	logger    *slog.Logger

	mu        sync.Mutex
	listeners map[uint64]Listener
	order     []uint64
	nextID    uint64
}

// NewManager creates a session manager.
func NewManager(connector broker.Connector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		connector: connector,
		logger:    logger,
		listeners: make(map[uint64]Listener),
	}
}

// AddStateListener registers l and returns a function that removes it.
// The remove function is safe to call more than once.
func (m *Manager) AddStateListener(l Listener) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.order = append(m.order, id)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.listeners[id]; !ok {
			return
		}
		delete(m.listeners, id)
		for i, v := range m.order {
			if v == id {
				m.order = append(m.order[:i:i], m.order[i+1:]...)
				break
			}
		}
	}
}

// OpenAsync opens a session in the background and delivers the result on the
// returned channel, which receives exactly one value.
//
// onLost is called if the broker closes the session for any reason other
// than [broker.Session.Close]. The connection timeout of cfg bounds the open.
func (m *Manager) OpenAsync(ctx context.Context, cfg *config.Broker, tlsConfig *tls.Config, onLost func(broker.Session)) <-chan OpenResult {
	result := make(chan OpenResult, 1)
	if cfg == nil {
		result <- OpenResult{Err: fmt.Errorf("session: no broker configured")}
		return result
	}

	opts := broker.Options{
		Host:                cfg.Host,
		Port:                cfg.Port,
		Secure:              cfg.Secure,
		Principal:           cfg.Principal,
		Password:            cfg.Password,
		ConnectionTimeout:   cfg.ConnectionTimeout.Duration(),
		ReconnectionTimeout: cfg.ReconnectionTimeout.Duration(),
		TLS:                 tlsConfig,
		OnStateChange:       m.dispatch,
		OnLost:              onLost,
	}

	go func() {
		openCtx := ctx
		if timeout := opts.ConnectionTimeout; timeout > 0 {
			var cancel context.CancelFunc
			openCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		m.logger.Info("opening broker session",
			"host", opts.Host,
			"port", opts.Port,
			"principal", opts.Principal,
		)
		s, err := m.connector.Open(openCtx, opts)
		if err != nil {
			m.logger.Warn("broker session open failed", "host", opts.Host, "error", err)
			result <- OpenResult{Err: fmt.Errorf("open broker session: %w", err)}
			return
		}
		result <- OpenResult{Session: s}
	}()

	return result
}

func (m *Manager) dispatch(s broker.Session, oldState, newState broker.State) {
	m.mu.Lock()
	listeners := make([]Listener, 0, len(m.order))
	for _, id := range m.order {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.Unlock()

	m.logger.Debug("broker session state changed",
		"session", s.ID(),
		"from", oldState,
		"to", newState,
	)
	for _, l := range listeners {
		l(s, oldState, newState)
	}
}
