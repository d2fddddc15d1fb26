package metrics

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/restadapter/broker"
	"github.com/jpalmerr/restadapter/config"
)

// Provider is the set of reporters built from one metrics configuration.
// The adapter closes the current provider and builds a new one whenever the
// metrics section of the snapshot changes.
//
// The topic reporter needs a broker session; it runs between [Provider.Attach]
// and [Provider.Detach].
type Provider struct {
	counter    *Counter
	summary    *Summary
	prometheus *Prometheus
	topic      *config.TopicMetrics
	logger     *slog.Logger

	mu       sync.Mutex
	reporter *TopicReporter
}

// NewProvider builds the reporters enabled by cfg and attaches them to d.
// A summary or topic reporting implies counting. Prometheus series are
// labelled with instance.
//
// A Prometheus registration failure is logged and leaves the exporter
// disabled; the other reporters are still built.
func NewProvider(cfg config.Metrics, d *Dispatcher, registerer prometheus.Registerer, instance string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{logger: logger, topic: cfg.Topic}

	if cfg.Counting || cfg.Summary != nil || cfg.Topic != nil {
		p.counter = NewCounter(d)
	}
	if cfg.Summary != nil && cfg.Summary.Interval > 0 {
		p.summary = NewSummary(p.counter, cfg.Summary.Interval.Duration(), logger)
	}
	if cfg.Prometheus {
		exporter, err := NewPrometheus(d, registerer, instance)
		if err != nil {
			logger.Error("prometheus exporter disabled", "instance", instance, "error", err)
		}
		p.prometheus = exporter
	}

	logger.Debug("metrics provider built",
		"counting", p.counter != nil,
		"summary", p.summary != nil,
		"prometheus", p.prometheus != nil,
		"topic", p.topic != nil,
	)
	return p
}

// Attach starts topic reporting over s if it is enabled, replacing any
// reporter attached to an earlier session.
func (p *Provider) Attach(s broker.Session) {
	if p == nil || p.topic == nil || s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reporter != nil {
		p.reporter.Close()
	}
	p.reporter = NewTopicReporter(p.counter, s, p.topic.TopicRoot, p.topic.Interval.Duration(), p.logger)
}

// Detach stops topic reporting and removes the metrics topics.
func (p *Provider) Detach() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reporter != nil {
		p.reporter.Close()
		p.reporter = nil
	}
}

// Counts returns the event counts, or false if counting is disabled.
func (p *Provider) Counts() (Counts, bool) {
	if p == nil || p.counter == nil {
		return Counts{}, false
	}
	return p.counter.Counts(), true
}

// Close stops every reporter of the provider. A nil provider is a no-op.
func (p *Provider) Close() {
	if p == nil {
		return
	}
	p.Detach()
	if p.summary != nil {
		p.summary.Stop()
	}
	if p.counter != nil {
		p.counter.Close()
	}
	if p.prometheus != nil {
		p.prometheus.Close()
	}
}
