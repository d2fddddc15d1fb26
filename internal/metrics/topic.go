package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jpalmerr/restadapter/broker"
)

// Topic paths below the reporter root.
const (
	PollsTopic        = "polls"
	PublicationsTopic = "publications"
	TopicsTopic       = "topics"
)

// phaseValue is the JSON value of one counts topic.
type phaseValue struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// TopicReporter publishes the counts of a [Counter] to JSON topics below a
// root path of a broker session: <root>/polls, <root>/publications and
// <root>/topics.
//
// The reporter registers an update source at the root, so of several
// adapters sharing a root only the active one reports. Topics that already
// exist are reused. Close removes the whole subtree.
type TopicReporter struct {
	counter  *Counter
	session  broker.Session
	root     string
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu           sync.Mutex
	registration broker.Registration
	updater      broker.Updater
	closed       bool
}

// NewTopicReporter creates the topics below root over s and starts
// reporting c every interval. An interval <= 0 selects one minute.
func NewTopicReporter(c *Counter, s broker.Session, root string, interval time.Duration, logger *slog.Logger) *TopicReporter {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &TopicReporter{
		counter:  c,
		session:  s,
		root:     root,
		interval: interval,
		logger:   logger.With("root", root),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Root returns the root topic path of the reporter.
func (r *TopicReporter) Root() string { return r.root }

func (r *TopicReporter) run() {
	defer close(r.done)

	if err := r.createTopics(); err != nil {
		r.logger.Warn("metrics topics not created", "error", err)
		return
	}

	err := r.session.UpdateControl().RegisterUpdateSource(r.root, broker.UpdateSourceHandlers{
		OnRegistered: r.onRegistered,
		OnActive:     r.onActive,
		OnStandby:    func(string) { r.setUpdater(nil) },
		OnClose:      func(string) { r.setUpdater(nil) },
		OnError: func(_ string, err error) {
			r.logger.Warn("metrics update source failed", "error", err)
			r.setUpdater(nil)
		},
	})
	if err != nil {
		r.logger.Warn("metrics update source not registered", "error", err)
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *TopicReporter) createTopics() error {
	spec := broker.TopicSpec{Type: broker.TopicTypeJSON}
	for _, name := range []string{PollsTopic, PublicationsTopic, TopicsTopic} {
		if _, err := r.session.TopicControl().AddTopic(r.ctx, r.root+"/"+name, spec); err != nil {
			return err
		}
	}
	return nil
}

func (r *TopicReporter) onRegistered(_ string, reg broker.Registration) {
	r.mu.Lock()
	r.registration = reg
	closed := r.closed
	r.mu.Unlock()

	if closed {
		_ = reg.Close()
	}
}

func (r *TopicReporter) onActive(_ string, updater broker.Updater) {
	r.setUpdater(updater)
	r.logger.Debug("metrics update source active")
	go r.report()
}

func (r *TopicReporter) setUpdater(u broker.Updater) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.updater = u
}

// report publishes the current counts if the reporter's update source is
// active.
func (r *TopicReporter) report() {
	r.mu.Lock()
	updater := r.updater
	r.mu.Unlock()
	if updater == nil {
		return
	}

	c := r.counter.Counts()
	values := map[string]phaseValue{
		PollsTopic:        {c.PollRequests, c.PollSuccesses, c.PollFailures},
		PublicationsTopic: {c.PublicationRequests, c.PublicationSuccesses, c.PublicationFailures},
		TopicsTopic:       {c.TopicRequests, c.TopicSuccesses, c.TopicFailures},
	}
	for name, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if err := updater.Set(r.ctx, r.root+"/"+name, data); err != nil {
			r.logger.Debug("metrics topic not updated", "topic", name, "error", err)
		}
	}
}

// Close stops reporting, deregisters the update source and removes the
// topics below the root. Safe to call more than once.
func (r *TopicReporter) Close() {
	r.once.Do(func() {
		r.cancel()
		<-r.done

		r.mu.Lock()
		r.closed = true
		r.updater = nil
		reg := r.registration
		r.mu.Unlock()

		if reg != nil {
			_ = reg.Close()
		}
		if _, err := r.session.TopicControl().RemoveTopics(context.Background(), r.root+"//"); err != nil &&
			!errors.Is(err, broker.ErrSessionClosed) {
			r.logger.Warn("metrics topics not removed", "error", err)
		}
	})
}
