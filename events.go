package restadapter

import (
	"time"

	"github.com/jpalmerr/restadapter/internal/adapter"
	"github.com/jpalmerr/restadapter/internal/metrics"
)

// State is the lifecycle state of an [Adapter].
type State = adapter.State

const (
	StateInit       = adapter.StateInit
	StateConnecting = adapter.StateConnecting
	StateStandby    = adapter.StateStandby
	StateActive     = adapter.StateActive
	StateRecovering = adapter.StateRecovering
	StateStopping   = adapter.StateStopping
	StateStopped    = adapter.StateStopped
)

// ServiceEvent reports a service lifecycle transition.
type ServiceEvent = metrics.ServiceEvent

// ServiceKind is the kind of a [ServiceEvent].
type ServiceKind = metrics.ServiceKind

const (
	// ServiceActive: this adapter publishes the service's topics.
	ServiceActive = metrics.ServiceActive

	// ServiceStandby: another session publishes the service's topics.
	ServiceStandby = metrics.ServiceStandby

	// ServiceRemoved: the service's update source was closed.
	ServiceRemoved = metrics.ServiceRemoved
)

// Counts is a snapshot of the adapter's event counters.
type Counts = metrics.Counts

// PollResult holds the outcome of polling one endpoint.
type PollResult struct {
	Service    string
	Endpoint   string
	URL        string
	StatusCode int
	Bytes      int
	Latency    time.Duration

	// Err is set if the poll failed.
	Err error
}

func pollResult(e metrics.PollEvent) PollResult {
	return PollResult{
		Service:    e.Service,
		Endpoint:   e.Endpoint,
		URL:        e.URL,
		StatusCode: e.Status,
		Bytes:      e.Bytes,
		Latency:    e.Latency,
		Err:        e.Err,
	}
}
