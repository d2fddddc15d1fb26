// Package adapter holds the adapter lifecycle: a pure state transition
// function over configuration and session events, and the runner that
// executes the effects it returns.
package adapter

import (
	"time"

	"github.com/jpalmerr/restadapter/broker"
	"github.com/jpalmerr/restadapter/config"
)

// State is the lifecycle state of the adapter.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateStandby
	StateActive
	StateRecovering
	StateStopping
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateStandby:
		return "STANDBY"
	case StateActive:
		return "ACTIVE"
	case StateRecovering:
		return "RECOVERING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Machine is the complete state the transition function works on.
type Machine struct {
	State   State
	Current *config.Snapshot

	// Session is the session in force, or nil.
	Session broker.Session

	// Attempt identifies the latest session open request. Completions of
	// older attempts are stale.
	Attempt uint64

	// Reconnect identifies the latest scheduled reconnection.
	Reconnect uint64
}

// Event is an input of [Transition].
type Event interface{ isEvent() }

// Reconfigure requests a new configuration snapshot.
type Reconfigure struct{ Next *config.Snapshot }

// SessionOpened reports a session opened for attempt Attempt.
type SessionOpened struct {
	Attempt uint64
	Session broker.Session
}

// SessionOpenFailed reports that attempt Attempt did not open a session.
type SessionOpenFailed struct {
	Attempt uint64
	Err     error
}

// SessionLost reports that the broker gave up on Session.
type SessionLost struct{ Session broker.Session }

// SessionClosed reports that Session reached the CLOSED state.
type SessionClosed struct{ Session broker.Session }

// ReconnectDue fires once the reconnection delay scheduled as Seq elapsed.
type ReconnectDue struct{ Seq uint64 }

// Close requests shutdown of the adapter.
type Close struct{}

func (Reconfigure) isEvent()       {}
func (SessionOpened) isEvent()     {}
func (SessionOpenFailed) isEvent() {}
func (SessionLost) isEvent()       {}
func (SessionClosed) isEvent()     {}
func (ReconnectDue) isEvent()      {}
func (Close) isEvent()             {}

// Effect is an action [Transition] asks the runner to perform.
type Effect interface{ isEffect() }

// ApplyMetrics replaces the metrics provider with one built from Metrics.
type ApplyMetrics struct{ Metrics config.Metrics }

// StopMetrics closes the metrics provider.
type StopMetrics struct{}

// OpenSession opens a session asynchronously for Snapshot. The outcome is
// reported as SessionOpened or SessionOpenFailed carrying Attempt.
type OpenSession struct {
	Attempt  uint64
	Snapshot *config.Snapshot
}

// CloseSession closes Session and releases the clients built over it.
type CloseSession struct{ Session broker.Session }

// DropSession releases the clients built over a session that is already
// gone.
type DropSession struct{ Session broker.Session }

// StartClients builds the topic manager and publishing client for Session.
type StartClients struct{ Session broker.Session }

// StopPolling stops every service session and the HTTP client. Release
// keeps the update source registrations, for a session about to close.
type StopPolling struct{ Release bool }

// RebuildServices reconciles the running services with Snapshot.
type RebuildServices struct{ Snapshot *config.Snapshot }

// ScheduleReconnect arms a ReconnectDue{Seq} after Delay.
type ScheduleReconnect struct {
	Seq   uint64
	Delay time.Duration
}

// Shutdown invokes the shutdown handler.
type Shutdown struct{}

func (ApplyMetrics) isEffect()      {}
func (StopMetrics) isEffect()       {}
func (OpenSession) isEffect()       {}
func (CloseSession) isEffect()      {}
func (DropSession) isEffect()       {}
func (StartClients) isEffect()      {}
func (StopPolling) isEffect()       {}
func (RebuildServices) isEffect()   {}
func (ScheduleReconnect) isEffect() {}
func (Shutdown) isEffect()          {}

// Transition computes the next machine and the effects that carry it out.
// It performs no I/O.
func Transition(m Machine, e Event) (Machine, []Effect) {
	switch e := e.(type) {
	case Reconfigure:
		return reconfigure(m, e.Next)
	case SessionOpened:
		return sessionOpened(m, e)
	case SessionOpenFailed:
		return sessionOpenFailed(m, e)
	case SessionLost:
		return sessionGone(m, e.Session)
	case SessionClosed:
		return sessionGone(m, e.Session)
	case ReconnectDue:
		return reconnectDue(m, e)
	case Close:
		return closeMachine(m)
	default:
		return m, nil
	}
}

func reconfigure(m Machine, next *config.Snapshot) (Machine, []Effect) {
	if next == nil || m.State == StateStopping || m.State == StateStopped {
		return m, nil
	}
	prev := m.Current
	var fx []Effect

	switch {
	case !next.Active:
		m.Current = next
		fx = append(fx, shutdownSession(&m)...)
		if m.State == StateConnecting {
			m.State = StateStopping
		} else {
			m.State = StateStopped
			fx = append(fx, StopMetrics{}, Shutdown{})
		}

	case m.State == StateInit:
		m.Current = next
		fx = append(fx, ApplyMetrics{Metrics: next.Metrics})
		if next.Broker == nil {
			m.State = StateStandby
		} else {
			fx = append(fx, connect(&m)...)
		}

	case !next.IsPolling():
		fx = append(fx, metricsIfChanged(prev, next)...)
		m.Current = next
		fx = append(fx, shutdownPolling(m)...)
		if m.State == StateActive || m.State == StateStandby {
			m.State = StateStandby
		}

	case config.TruststoreChanged(prev, next) || config.BrokerChanged(prev, next):
		fx = append(fx, metricsIfChanged(prev, next)...)
		m.Current = next
		fx = append(fx, shutdownSession(&m)...)
		fx = append(fx, connect(&m)...)

	case m.State == StateStandby ||
		m.State == StateActive && (config.ServiceSecurityChanged(prev, next) || config.ServicesChanged(prev, next)):
		fx = append(fx, metricsIfChanged(prev, next)...)
		m.Current = next
		m.State = StateActive
		fx = append(fx, RebuildServices{Snapshot: next})

	case config.MetricsChanged(prev, next):
		m.Current = next
		fx = append(fx, ApplyMetrics{Metrics: next.Metrics})

	default:
		m.Current = next
	}
	return m, fx
}

func sessionOpened(m Machine, e SessionOpened) (Machine, []Effect) {
	if e.Attempt != m.Attempt || (m.State != StateConnecting && m.State != StateStopping) {
		return m, []Effect{CloseSession{Session: e.Session}}
	}

	if m.State == StateStopping {
		m.State = StateStopped
		return m, []Effect{CloseSession{Session: e.Session}, StopMetrics{}, Shutdown{}}
	}

	m.Session = e.Session
	fx := []Effect{StartClients{Session: e.Session}}
	if !m.Current.IsPolling() {
		m.State = StateStandby
		return m, fx
	}
	m.State = StateActive
	return m, append(fx, RebuildServices{Snapshot: m.Current})
}

func sessionOpenFailed(m Machine, e SessionOpenFailed) (Machine, []Effect) {
	if e.Attempt != m.Attempt {
		return m, nil
	}
	switch m.State {
	case StateStopping:
		m.State = StateStopped
		return m, []Effect{StopMetrics{}, Shutdown{}}
	case StateConnecting:
		return enterRecovering(m, nil)
	default:
		return m, nil
	}
}

// sessionGone handles loss and closure of the session in force. Events for
// any other session are stale and ignored.
func sessionGone(m Machine, s broker.Session) (Machine, []Effect) {
	if s == nil || m.Session == nil || s.ID() != m.Session.ID() {
		return m, nil
	}

	var fx []Effect
	if m.State == StateActive {
		// Registrations went with the session.
		fx = append(fx, StopPolling{Release: true})
	}
	fx = append(fx, DropSession{Session: m.Session})
	m.Session = nil
	return enterRecovering(m, fx)
}

func reconnectDue(m Machine, e ReconnectDue) (Machine, []Effect) {
	if m.State != StateRecovering || e.Seq != m.Reconnect {
		return m, nil
	}
	if m.Current == nil || m.Current.Broker == nil {
		m.State = StateStandby
		return m, nil
	}
	return m, connect(&m)
}

func closeMachine(m Machine) (Machine, []Effect) {
	if m.State == StateStopped || m.State == StateStopping {
		return m, nil
	}

	var fx []Effect
	if m.State == StateActive {
		fx = append(fx, StopPolling{Release: true})
	}
	if (m.State == StateActive || m.State == StateStandby) && m.Session != nil {
		fx = append(fx, CloseSession{Session: m.Session})
		m.Session = nil
	}

	if m.State == StateConnecting {
		m.State = StateStopping
		return m, fx
	}
	m.State = StateStopped
	return m, append(fx, StopMetrics{}, Shutdown{})
}

// connect starts a new session attempt.
func connect(m *Machine) []Effect {
	m.Attempt++
	m.State = StateConnecting
	return []Effect{OpenSession{Attempt: m.Attempt, Snapshot: m.Current}}
}

// enterRecovering enters RECOVERING and schedules a reconnection.
func enterRecovering(m Machine, fx []Effect) (Machine, []Effect) {
	m.State = StateRecovering
	m.Reconnect++
	delay := time.Duration(0)
	if m.Current != nil && m.Current.Broker != nil {
		delay = m.Current.Broker.ReconnectionTimeout.Duration()
	}
	return m, append(fx, ScheduleReconnect{Seq: m.Reconnect, Delay: delay})
}

func shutdownPolling(m Machine) []Effect {
	if m.State == StateActive {
		return []Effect{StopPolling{}}
	}
	return nil
}

// shutdownSession stops polling and closes the session in force.
func shutdownSession(m *Machine) []Effect {
	fx := shutdownPolling(*m)
	if (m.State == StateActive || m.State == StateStandby) && m.Session != nil {
		fx = append(fx, CloseSession{Session: m.Session})
	}
	m.Session = nil
	return fx
}

func metricsIfChanged(prev, next *config.Snapshot) []Effect {
	if config.MetricsChanged(prev, next) {
		return []Effect{ApplyMetrics{Metrics: next.Metrics}}
	}
	return nil
}
