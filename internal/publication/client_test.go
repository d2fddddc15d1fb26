package publication

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpalmerr/restadapter/broker"
	"github.com/jpalmerr/restadapter/config"
	"github.com/jpalmerr/restadapter/internal/endpoint"
	"github.com/jpalmerr/restadapter/internal/metrics"
	"github.com/jpalmerr/restadapter/internal/session"
)

var (
	svc = config.Service{Name: "svc", TopicPathRoot: "root"}
	ep  = config.Endpoint{Name: "ep", URL: "/ep", TopicPath: "ep", Produces: "json"}
)

type harness struct {
	mem     *broker.Memory
	manager *session.Manager
	session broker.Session
	client  *Client
	events  *metrics.Dispatcher
}

func newHarness(t *testing.T, mem *broker.Memory) *harness {
	t.Helper()
	manager := session.NewManager(mem, nil)
	res := <-manager.OpenAsync(context.Background(), &config.Broker{Host: "localhost", Port: 1, Principal: "adapter"}, nil, nil)
	require.NoError(t, res.Err)

	_, err := res.Session.TopicControl().AddTopic(context.Background(), "root/ep", broker.TopicSpec{Type: broker.TopicTypeJSON})
	require.NoError(t, err)

	events := metrics.NewDispatcher(nil)
	h := &harness{
		mem:     mem,
		manager: manager,
		session: res.Session,
		client:  NewClient(res.Session, manager, events, nil),
		events:  events,
	}
	t.Cleanup(func() {
		h.client.Close()
		_ = h.session.Close()
	})
	return h
}

// activeContext adds svc, waits for it to become active and returns the
// update context of ep.
func (h *harness) activeContext(t *testing.T) *UpdateContext {
	t.Helper()
	active := make(chan struct{}, 1)
	require.NoError(t, h.client.AddService(svc, SourceHandlers{
		OnActive: func(config.Service) { active <- struct{}{} },
	}))
	select {
	case <-active:
	case <-time.After(time.Second):
		t.Fatal("update source not active")
	}

	uc, err := h.client.CreateUpdateContext(svc, ep, endpoint.JSON)
	require.NoError(t, err)
	return uc
}

func topicValue(t *testing.T, mem *broker.Memory) broker.TopicSnapshot {
	t.Helper()
	topic, ok := mem.Topic("root/ep")
	require.True(t, ok)
	return topic
}

func TestUpdateContext_PublishConnected(t *testing.T) {
	h := newHarness(t, broker.NewMemory())
	uc := h.activeContext(t)
	assert.Equal(t, "root/ep", uc.Path())
	assert.Same(t, endpoint.JSON, uc.Type())

	require.NoError(t, uc.Publish([]byte(`{"v":1}`)))

	require.Eventually(t, func() bool {
		return topicValue(t, h.mem).Updates == 1
	}, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"v":1}`, string(topicValue(t, h.mem).Value))
	assert.JSONEq(t, `{"v":1}`, string(uc.Latest()))
}

func TestUpdateContext_LastValueWinsAcrossRecovery(t *testing.T) {
	h := newHarness(t, broker.NewMemory())
	uc := h.activeContext(t)

	require.NoError(t, h.mem.Disconnect(h.session))
	require.NoError(t, uc.Publish([]byte(`"v1"`)))
	require.NoError(t, uc.Publish([]byte(`"v2"`)))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), topicValue(t, h.mem).Updates)

	require.NoError(t, h.mem.Reconnect(h.session))

	require.Eventually(t, func() bool {
		return topicValue(t, h.mem).Updates == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, `"v2"`, string(topicValue(t, h.mem).Value))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), topicValue(t, h.mem).Updates)
}

func TestUpdateContext_RecoveryWithEmptyCache(t *testing.T) {
	h := newHarness(t, broker.NewMemory())
	h.activeContext(t)

	require.NoError(t, h.mem.Disconnect(h.session))
	require.NoError(t, h.mem.Reconnect(h.session))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), topicValue(t, h.mem).Updates)
}

func TestUpdateContext_PublishClosedSessionFails(t *testing.T) {
	h := newHarness(t, broker.NewMemory())
	uc := h.activeContext(t)

	require.NoError(t, h.session.Close())
	assert.ErrorIs(t, uc.Publish([]byte(`1`)), ErrSessionClosed)
	assert.ErrorIs(t, uc.Publish([]byte(`2`)), ErrSessionClosed)
}

func TestUpdateContext_StandbySuppressesPublishing(t *testing.T) {
	mem := broker.NewMemory()
	primary := newHarness(t, mem)
	primary.activeContext(t)

	secondary := newHarness(t, mem)
	standby := make(chan struct{}, 1)
	require.NoError(t, secondary.client.AddService(svc, SourceHandlers{
		OnStandby: func(config.Service) { standby <- struct{}{} },
	}))
	select {
	case <-standby:
	case <-time.After(time.Second):
		t.Fatal("secondary not on standby")
	}

	uc, err := secondary.client.CreateUpdateContext(svc, ep, endpoint.JSON)
	require.NoError(t, err)
	assert.ErrorIs(t, uc.Publish([]byte(`1`)), ErrSourceStandby)
	assert.Equal(t, int64(0), topicValue(t, mem).Updates)
}

func TestClient_AddServiceIsIdempotent(t *testing.T) {
	h := newHarness(t, broker.NewMemory())

	var actives atomic.Int32
	handlers := SourceHandlers{OnActive: func(config.Service) { actives.Add(1) }}
	require.NoError(t, h.client.AddService(svc, handlers))
	require.NoError(t, h.client.AddService(svc, handlers))

	require.Eventually(t, func() bool { return actives.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), actives.Load())
}

func TestClient_RemoveServiceResolvesOnClose(t *testing.T) {
	h := newHarness(t, broker.NewMemory())

	closed := make(chan struct{}, 1)
	active := make(chan struct{}, 1)
	require.NoError(t, h.client.AddService(svc, SourceHandlers{
		OnActive: func(config.Service) { active <- struct{}{} },
		OnClose:  func(config.Service) { closed <- struct{}{} },
	}))
	<-active

	select {
	case <-h.client.RemoveService(svc):
	case <-time.After(time.Second):
		t.Fatal("removal not resolved")
	}
	<-closed

	_, err := h.client.CreateUpdateContext(svc, ep, endpoint.JSON)
	assert.ErrorIs(t, err, ErrUnknownService)

	// Unknown services resolve immediately.
	<-h.client.RemoveService(config.Service{TopicPathRoot: "other"})
}

func TestClient_PublicationEvents(t *testing.T) {
	h := newHarness(t, broker.NewMemory())
	var requests, successes atomic.Int32
	h.events.OnPublication(func(e metrics.PublicationEvent) {
		switch e.Phase {
		case metrics.PhaseRequest:
			requests.Add(1)
		case metrics.PhaseSuccess:
			successes.Add(1)
		}
	})

	uc := h.activeContext(t)
	require.NoError(t, uc.Publish([]byte(`true`)))

	require.Eventually(t, func() bool {
		return requests.Load() == 1 && successes.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestClient_AddServiceAfterClose(t *testing.T) {
	h := newHarness(t, broker.NewMemory())
	h.client.Close()
	h.client.Close()

	assert.ErrorIs(t, h.client.AddService(svc, SourceHandlers{}), ErrSessionClosed)
}

func TestUpdateContext_PublishAfterRemoveReportsClosed(t *testing.T) {
	h := newHarness(t, broker.NewMemory())
	uc := h.activeContext(t)

	select {
	case <-h.client.RemoveService(svc):
	case <-time.After(time.Second):
		t.Fatal("removal not resolved")
	}

	err := uc.Publish([]byte(`{"v":1}`))
	assert.ErrorIs(t, err, ErrSourceClosed)
	assert.NotErrorIs(t, err, ErrSourceStandby)
	assert.Equal(t, int64(0), topicValue(t, h.mem).Updates)
}
