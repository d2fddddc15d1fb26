package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpalmerr/restadapter/broker"
	"github.com/jpalmerr/restadapter/config"
)

func openSession(t *testing.T, m *broker.Memory, principal string) broker.Session {
	t.Helper()
	s, err := m.Open(context.Background(), broker.Options{Principal: principal})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func topicValue(m *broker.Memory, path string) string {
	snap, ok := m.Topic(path)
	if !ok {
		return ""
	}
	return string(snap.Value)
}

func TestTopicReporter_PublishesCounts(t *testing.T) {
	mem := broker.NewMemory()
	s := openSession(t, mem, "adapter")

	d := NewDispatcher(nil)
	c := NewCounter(d)
	d.Poll(PollEvent{Phase: PhaseRequest})
	d.Poll(PollEvent{Phase: PhaseFailure})
	d.Topic(TopicEvent{Phase: PhaseSuccess})

	r := NewTopicReporter(c, s, "metrics/adapter", 10*time.Millisecond, nil)
	assert.Equal(t, "metrics/adapter", r.Root())

	require.Eventually(t, func() bool {
		return strings.Contains(topicValue(mem, "metrics/adapter/polls"), `"requests":1`)
	}, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"requests":1,"successes":0,"failures":1}`, topicValue(mem, "metrics/adapter/polls"))

	snap, ok := mem.Topic("metrics/adapter/topics")
	require.True(t, ok)
	assert.Equal(t, broker.TopicTypeJSON, snap.Type)
	_, ok = mem.Topic("metrics/adapter/publications")
	assert.True(t, ok)

	d.Publication(PublicationEvent{Phase: PhaseSuccess})
	require.Eventually(t, func() bool {
		return strings.Contains(topicValue(mem, "metrics/adapter/publications"), `"successes":1`)
	}, time.Second, 5*time.Millisecond)

	r.Close()
	r.Close()
	for _, name := range []string{PollsTopic, PublicationsTopic, TopicsTopic} {
		_, ok := mem.Topic("metrics/adapter/" + name)
		assert.False(t, ok, name)
	}
}

func TestTopicReporter_ReusesExistingTopics(t *testing.T) {
	mem := broker.NewMemory()
	s := openSession(t, mem, "adapter")

	_, err := s.TopicControl().AddTopic(context.Background(), "m/polls", broker.TopicSpec{Type: broker.TopicTypeJSON})
	require.NoError(t, err)

	d := NewDispatcher(nil)
	c := NewCounter(d)
	d.Poll(PollEvent{Phase: PhaseSuccess})

	r := NewTopicReporter(c, s, "m", 10*time.Millisecond, nil)
	defer r.Close()

	require.Eventually(t, func() bool {
		return strings.Contains(topicValue(mem, "m/polls"), `"successes":1`)
	}, time.Second, 5*time.Millisecond)
}

func TestTopicReporter_StandbyDoesNotReport(t *testing.T) {
	mem := broker.NewMemory()
	d := NewDispatcher(nil)
	c := NewCounter(d)

	first := NewTopicReporter(c, openSession(t, mem, "a"), "m", 10*time.Millisecond, nil)
	require.Eventually(t, func() bool {
		snap, ok := mem.Topic("m/polls")
		return ok && snap.Updates > 0
	}, time.Second, 5*time.Millisecond)

	other := NewDispatcher(nil)
	otherCounter := NewCounter(other)
	other.Poll(PollEvent{Phase: PhaseRequest})
	other.Poll(PollEvent{Phase: PhaseRequest})
	second := NewTopicReporter(otherCounter, openSession(t, mem, "b"), "m", 10*time.Millisecond, nil)
	defer second.Close()

	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, topicValue(mem, "m/polls"), `"requests":2`)

	// Closing the active reporter removes its topics; recreate one for the
	// promoted reporter to set.
	first.Close()
	_, err := openSession(t, mem, "c").TopicControl().AddTopic(context.Background(), "m/polls", broker.TopicSpec{Type: broker.TopicTypeJSON})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(topicValue(mem, "m/polls"), `"requests":2`)
	}, time.Second, 5*time.Millisecond)
}

func TestTopicReporter_ClosedSession(t *testing.T) {
	mem := broker.NewMemory()
	s, err := mem.Open(context.Background(), broker.Options{Principal: "adapter"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	r := NewTopicReporter(NewCounter(NewDispatcher(nil)), s, "m", time.Millisecond, nil)
	assert.NotPanics(t, r.Close)
	assert.Empty(t, mem.Topics())
}

func TestProvider_AttachDetachTopicReporter(t *testing.T) {
	mem := broker.NewMemory()
	s := openSession(t, mem, "adapter")
	d := NewDispatcher(nil)

	p := NewProvider(config.Metrics{
		Topic: &config.TopicMetrics{TopicRoot: "m", Interval: config.Duration(10 * time.Millisecond)},
	}, d, nil, "a", nil)
	defer p.Close()

	d.Topic(TopicEvent{Phase: PhaseRequest})
	_, ok := p.Counts()
	require.True(t, ok)

	p.Attach(s)
	require.Eventually(t, func() bool {
		return strings.Contains(topicValue(mem, "m/topics"), `"requests":1`)
	}, time.Second, 5*time.Millisecond)

	p.Detach()
	_, ok = mem.Topic("m/topics")
	assert.False(t, ok)
	p.Detach()

	// Without topic reporting Attach does nothing.
	off := NewProvider(config.Metrics{Counting: true}, d, nil, "a", nil)
	off.Attach(s)
	off.Close()
	assert.Empty(t, mem.Topics())
}
