package metrics

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Counts is a point-in-time copy of the event counters.
type Counts struct {
	PollRequests         int64 `json:"poll_requests"`
	PollSuccesses        int64 `json:"poll_successes"`
	PollFailures         int64 `json:"poll_failures"`
	PublicationRequests  int64 `json:"publication_requests"`
	PublicationSuccesses int64 `json:"publication_successes"`
	PublicationFailures  int64 `json:"publication_failures"`
	TopicRequests        int64 `json:"topic_requests"`
	TopicSuccesses       int64 `json:"topic_successes"`
	TopicFailures        int64 `json:"topic_failures"`
}

// Counter counts adapter events.
type Counter struct {
	poll, publication, topic phaseCounts
	removes                  []func()
}

type phaseCounts struct {
	request, success, failure atomic.Int64
}

func (p *phaseCounts) inc(phase Phase) {
	switch phase {
	case PhaseRequest:
		p.request.Add(1)
	case PhaseSuccess:
		p.success.Add(1)
	case PhaseFailure:
		p.failure.Add(1)
	}
}

// NewCounter creates a counter fed by d.
func NewCounter(d *Dispatcher) *Counter {
	c := &Counter{}
	c.removes = []func(){
		d.OnPoll(func(e PollEvent) { c.poll.inc(e.Phase) }),
		d.OnPublication(func(e PublicationEvent) { c.publication.inc(e.Phase) }),
		d.OnTopic(func(e TopicEvent) { c.topic.inc(e.Phase) }),
	}
	return c
}

// Counts returns the current counter values.
func (c *Counter) Counts() Counts {
	return Counts{
		PollRequests:         c.poll.request.Load(),
		PollSuccesses:        c.poll.success.Load(),
		PollFailures:         c.poll.failure.Load(),
		PublicationRequests:  c.publication.request.Load(),
		PublicationSuccesses: c.publication.success.Load(),
		PublicationFailures:  c.publication.failure.Load(),
		TopicRequests:        c.topic.request.Load(),
		TopicSuccesses:       c.topic.success.Load(),
		TopicFailures:        c.topic.failure.Load(),
	}
}

// Close detaches the counter from its dispatcher.
func (c *Counter) Close() {
	for _, remove := range c.removes {
		remove()
	}
}

// Summary periodically logs the counts of a [Counter].
type Summary struct {
	counter  *Counter
	interval time.Duration
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewSummary starts logging c every interval.
func NewSummary(c *Counter, interval time.Duration, logger *slog.Logger) *Summary {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Summary{
		counter:  c,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Summary) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.log()
		}
	}
}

func (s *Summary) log() {
	c := s.counter.Counts()
	s.logger.Info("adapter event summary",
		"poll_requests", c.PollRequests,
		"poll_successes", c.PollSuccesses,
		"poll_failures", c.PollFailures,
		"publication_requests", c.PublicationRequests,
		"publication_successes", c.PublicationSuccesses,
		"publication_failures", c.PublicationFailures,
		"topic_requests", c.TopicRequests,
		"topic_successes", c.TopicSuccesses,
		"topic_failures", c.TopicFailures,
	)
}

// Stop ends the summary loop and waits for it to exit. Safe to call more
// than once.
func (s *Summary) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}
