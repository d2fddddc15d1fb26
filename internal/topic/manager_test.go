package topic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpalmerr/restadapter/broker"
	"github.com/jpalmerr/restadapter/config"
	"github.com/jpalmerr/restadapter/internal/endpoint"
	"github.com/jpalmerr/restadapter/internal/metrics"
)

var (
	svc = config.Service{Name: "svc", TopicPathRoot: "root"}
	ep  = config.Endpoint{Name: "ep", URL: "/ep", TopicPath: "ep", Produces: "json"}
)

// fakeSession is a broker session whose topic control returns scripted
// results.
type fakeSession struct {
	broker.Session

	mu       sync.Mutex
	addErr   error
	result   broker.AddResult
	specs    map[string]broker.TopicSpec
	removed  []string
	removeCh chan string
}

func newFakeSession() *fakeSession {
	return &fakeSession{specs: make(map[string]broker.TopicSpec), removeCh: make(chan string, 1)}
}

func (f *fakeSession) Principal() string                 { return "adapter" }
func (f *fakeSession) TopicControl() broker.TopicControl { return f }

func (f *fakeSession) AddTopic(_ context.Context, path string, spec broker.TopicSpec) (broker.AddResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[path] = spec
	return f.result, f.addErr
}

func (f *fakeSession) RemoveTopics(_ context.Context, selector string) (int, error) {
	f.mu.Lock()
	f.removed = append(f.removed, selector)
	f.mu.Unlock()
	f.removeCh <- selector
	return 1, errors.New("ignored")
}

func await(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("creation did not complete")
		return nil
	}
}

func TestManager_AddEndpointCreatesTopic(t *testing.T) {
	fake := newFakeSession()
	m := NewManager(fake, nil, nil)

	done, err := m.AddEndpoint(context.Background(), svc, ep)
	require.NoError(t, err)
	require.NoError(t, await(t, done))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	spec, ok := fake.specs["root/ep"]
	require.True(t, ok)
	assert.Equal(t, broker.TopicTypeJSON, spec.Type)
	assert.Equal(t, `when no session has "$Principal eq 'adapter'" for 1m`, spec.Properties[broker.PropertyRemoval])
}

func TestManager_AddEndpointAlreadyExistsSucceeds(t *testing.T) {
	fake := newFakeSession()
	fake.result = broker.AddExists
	m := NewManager(fake, nil, nil)

	done, err := m.AddEndpoint(context.Background(), svc, ep)
	require.NoError(t, err)
	assert.NoError(t, await(t, done))
}

func TestManager_AddEndpointExistingMemoryTopic(t *testing.T) {
	mem := broker.NewMemory()
	s, err := mem.Open(context.Background(), broker.Options{Principal: "adapter"})
	require.NoError(t, err)
	defer s.Close()

	m := NewManager(s, nil, nil)
	for i := 0; i < 2; i++ {
		done, err := m.AddEndpoint(context.Background(), svc, ep)
		require.NoError(t, err)
		assert.NoError(t, await(t, done))
	}
	_, ok := mem.Topic("root/ep")
	assert.True(t, ok)
}

func TestManager_AddEndpointUnknownType(t *testing.T) {
	m := NewManager(newFakeSession(), nil, nil)

	bad := ep
	bad.Produces = "unknown-type"
	done, err := m.AddEndpoint(context.Background(), svc, bad)
	assert.ErrorIs(t, err, endpoint.ErrUnknownType)
	assert.Nil(t, done)
}

func TestManager_AddEndpointFailureClassification(t *testing.T) {
	tests := []struct {
		err  error
		want FailReason
	}{
		{broker.ErrInvalidTopicPath, InvalidName},
		{broker.ErrIncompatibleExistingTopic, ExistsIncompatible},
		{broker.ErrTopicLicenseLimit, ExceededLicenseLimit},
		{broker.ErrInvalidTopicSpecification, InvalidDetails},
		{errors.New("connection reset"), UnexpectedError},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			fake := newFakeSession()
			fake.addErr = tt.err

			d := metrics.NewDispatcher(nil)
			var mu sync.Mutex
			var phases []metrics.Phase
			var reason string
			d.OnTopic(func(e metrics.TopicEvent) {
				mu.Lock()
				defer mu.Unlock()
				phases = append(phases, e.Phase)
				if e.Phase == metrics.PhaseFailure {
					reason = e.Reason
				}
			})

			m := NewManager(fake, d, nil)
			done, err := m.AddEndpoint(context.Background(), svc, ep)
			require.NoError(t, err)

			var creationErr *CreationError
			require.ErrorAs(t, await(t, done), &creationErr)
			assert.Equal(t, tt.want, creationErr.Reason)
			assert.Equal(t, "root/ep", creationErr.Path)
			assert.ErrorIs(t, creationErr, tt.err)

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []metrics.Phase{metrics.PhaseRequest, metrics.PhaseFailure}, phases)
			assert.Equal(t, string(tt.want), reason)
		})
	}
}

func TestManager_RemoveEndpoint(t *testing.T) {
	fake := newFakeSession()
	m := NewManager(fake, nil, nil)

	m.RemoveEndpoint(svc, ep)
	select {
	case selector := <-fake.removeCh:
		assert.Equal(t, "root/ep", selector)
	case <-time.After(time.Second):
		t.Fatal("removal not requested")
	}
}
