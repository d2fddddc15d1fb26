package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpalmerr/restadapter/config"
)

// fakeRequester records request times and answers after a fixed latency.
// While gate is non-nil it blocks every request until gate is closed,
// ignoring cancellation.
type fakeRequester struct {
	latency time.Duration
	gate    chan struct{}

	mu    sync.Mutex
	times []time.Time
}

func (f *fakeRequester) Request(ctx context.Context, _ config.Service, ep config.Endpoint) (Response, error) {
	f.mu.Lock()
	f.times = append(f.times, time.Now())
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	} else if f.latency > 0 {
		time.Sleep(f.latency)
	}
	return Response{Body: []byte(ep.Name), StatusCode: 200}, nil
}

func (f *fakeRequester) requests() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.times...)
}

func startedScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := NewScheduler(2, nil)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func testService(period int64) config.Service {
	return config.Service{Name: "svc", Host: "localhost", Port: 80, PollPeriod: period, TopicPathRoot: "root"}
}

// TestServiceSession_FixedRateIndependentOfLatency issues polls every period
// even when each response takes longer than the period.
func TestServiceSession_FixedRateIndependentOfLatency(t *testing.T) {
	fake := &fakeRequester{latency: 120 * time.Millisecond}
	s := NewServiceSession(testService(40), fake, startedScheduler(t), nil)

	var responses atomic.Int32
	s.AddEndpoint(testEndpoint, func(Response) { responses.Add(1) })
	start := time.Now()
	s.Start()
	defer s.Stop()

	time.Sleep(190 * time.Millisecond)
	times := fake.requests()

	// completion-driven polling would have issued at most two requests
	require.GreaterOrEqual(t, len(times), 4)
	assert.Less(t, times[0].Sub(start), 20*time.Millisecond)
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.InDelta(t, float64(40*time.Millisecond), float64(gap), float64(25*time.Millisecond), "gap %d", i)
	}
	assert.Greater(t, responses.Load(), int32(0))
}

// TestServiceSession_ZeroPeriodPollsOnce issues exactly one request and
// arms no repeat.
func TestServiceSession_ZeroPeriodPollsOnce(t *testing.T) {
	fake := &fakeRequester{}
	s := NewServiceSession(testService(0), fake, startedScheduler(t), nil)

	got := make(chan Response, 4)
	s.AddEndpoint(testEndpoint, func(r Response) { got <- r })
	s.Start()
	defer s.Stop()

	select {
	case r := <-got:
		assert.Equal(t, "ep", string(r.Body))
	case <-time.After(time.Second):
		t.Fatal("no poll issued")
	}
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, fake.requests(), 1)
}

// TestServiceSession_LateCompletionAfterStopDiscarded drops responses that
// complete after Stop.
func TestServiceSession_LateCompletionAfterStopDiscarded(t *testing.T) {
	fake := &fakeRequester{gate: make(chan struct{})}
	s := NewServiceSession(testService(0), fake, startedScheduler(t), nil)

	var published atomic.Int32
	s.AddEndpoint(testEndpoint, func(Response) { published.Add(1) })
	s.Start()

	require.Eventually(t, func() bool { return len(fake.requests()) == 1 }, time.Second, time.Millisecond)
	s.Stop()
	close(fake.gate)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), published.Load())
	assert.False(t, s.Running())
}

func TestServiceSession_StopEndpointDiscardsLateCompletion(t *testing.T) {
	fake := &fakeRequester{gate: make(chan struct{})}
	s := NewServiceSession(testService(0), fake, startedScheduler(t), nil)

	var published atomic.Int32
	s.AddEndpoint(testEndpoint, func(Response) { published.Add(1) })
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return len(fake.requests()) == 1 }, time.Second, time.Millisecond)
	s.StopEndpoint(testEndpoint)
	s.StopEndpoint(testEndpoint)
	close(fake.gate)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), published.Load())
}

func TestServiceSession_AddEndpointIsIdempotent(t *testing.T) {
	fake := &fakeRequester{}
	s := NewServiceSession(testService(0), fake, startedScheduler(t), nil)

	s.AddEndpoint(testEndpoint, func(Response) {})
	s.AddEndpoint(testEndpoint, func(Response) {})
	s.Start()
	s.Start()
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fake.requests(), 1)
}

func TestServiceSession_AddEndpointDeferredUntilStart(t *testing.T) {
	fake := &fakeRequester{}
	s := NewServiceSession(testService(0), fake, startedScheduler(t), nil)

	s.AddEndpoint(testEndpoint, func(Response) {})
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, fake.requests())

	s.Start()
	defer s.Stop()
	require.Eventually(t, func() bool { return len(fake.requests()) == 1 }, time.Second, time.Millisecond)

	// endpoints added while running are polled immediately
	other := config.Endpoint{Name: "other", URL: "/other", TopicPath: "other", Produces: "json"}
	s.AddEndpoint(other, func(Response) {})
	require.Eventually(t, func() bool { return len(fake.requests()) == 2 }, time.Second, time.Millisecond)
}

func TestServiceSession_RestartAfterStop(t *testing.T) {
	fake := &fakeRequester{}
	s := NewServiceSession(testService(0), fake, startedScheduler(t), nil)
	s.AddEndpoint(testEndpoint, func(Response) {})

	s.Start()
	require.Eventually(t, func() bool { return len(fake.requests()) == 1 }, time.Second, time.Millisecond)
	s.Stop()
	s.Stop()

	s.Start()
	defer s.Stop()
	require.Eventually(t, func() bool { return len(fake.requests()) == 2 }, time.Second, time.Millisecond)
}
