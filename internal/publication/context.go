package publication

import (
	"context"
	"sync/atomic"

	"github.com/jpalmerr/restadapter/internal/endpoint"
	"github.com/jpalmerr/restadapter/internal/metrics"
)

// UpdateContext publishes the values of one endpoint to its topic.
//
// The recovery cache and the in-flight slot are single-value atomics: a new
// value replaces any value not yet handed to the broker.
type UpdateContext struct {
	client *Client
	source *source
	path   string
	typ    *endpoint.Type

	cached   atomic.Pointer[[]byte] // held while the session recovers
	pending  atomic.Pointer[[]byte] // awaiting submission to the broker
	latest   atomic.Pointer[[]byte] // last value submitted to the broker
	inflight atomic.Bool
}

// Path returns the topic path of the context.
func (u *UpdateContext) Path() string { return u.path }

// Type returns the endpoint type of the context.
func (u *UpdateContext) Type() *endpoint.Type { return u.typ }

// Latest returns the last value submitted to the broker, or nil.
func (u *UpdateContext) Latest() []byte {
	if v := u.latest.Load(); v != nil {
		return *v
	}
	return nil
}

// Publish submits value for publication.
//
// It fails with [ErrSessionClosed] once the session is closed, with
// [ErrSourceClosed] once the update source was removed and with
// [ErrSourceStandby] while the update source is not active. While the
// session is recovering the value replaces the cached value and is published
// when the session reconnects.
func (u *UpdateContext) Publish(value []byte) error {
	s := u.client.session
	state := s.State()
	switch {
	case state.IsClosed():
		return ErrSessionClosed
	case state.IsRecovering():
		v := append([]byte(nil), value...)
		u.cached.Store(&v)
		u.client.logger.Debug("caching value while recovering", "path", u.path)
		// The session may have reconnected before the value was cached.
		if s.State().IsConnected() {
			u.replay()
		}
		return nil
	}

	if err := u.source.publishable(); err != nil {
		return err
	}
	u.submit(append([]byte(nil), value...))
	return nil
}

// replay publishes the cached value, if any.
func (u *UpdateContext) replay() {
	v := u.cached.Swap(nil)
	if v == nil {
		return
	}
	if u.source.activeUpdater() == nil {
		u.client.logger.Debug("dropping cached value, update source not active", "path", u.path)
		return
	}
	u.client.logger.Debug("publishing cached value on recovery", "path", u.path)
	u.submit(*v)
}

func (u *UpdateContext) submit(value []byte) {
	u.pending.Store(&value)
	if u.inflight.CompareAndSwap(false, true) {
		go u.drain()
	}
}

// drain hands pending values to the broker one at a time until none remain.
func (u *UpdateContext) drain() {
	for {
		v := u.pending.Swap(nil)
		if v == nil {
			u.inflight.Store(false)
			if u.pending.Load() == nil || !u.inflight.CompareAndSwap(false, true) {
				return
			}
			continue
		}
		u.set(*v)
	}
}

func (u *UpdateContext) set(value []byte) {
	events := u.client.events
	updater := u.source.activeUpdater()
	if updater == nil {
		return
	}

	events.Publication(metrics.PublicationEvent{Phase: metrics.PhaseRequest, Path: u.path, Bytes: len(value)})
	u.latest.Store(&value)

	if err := updater.Set(context.Background(), u.path, value); err != nil {
		u.client.logger.Warn("publication failed", "path", u.path, "error", err)
		events.Publication(metrics.PublicationEvent{
			Phase: metrics.PhaseFailure,
			Path:  u.path,
			Bytes: len(value),
			Err:   err,
		})
		return
	}
	events.Publication(metrics.PublicationEvent{Phase: metrics.PhaseSuccess, Path: u.path, Bytes: len(value)})
}
