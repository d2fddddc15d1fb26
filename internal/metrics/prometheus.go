package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports adapter events as Prometheus collectors.
type Prometheus struct {
	registerer prometheus.Registerer
	collectors []prometheus.Collector
	removes    []func()

	polls        *prometheus.CounterVec
	pollLatency  *prometheus.HistogramVec
	publications *prometheus.CounterVec
	topics       *prometheus.CounterVec
	services     *prometheus.CounterVec
}

// InstanceLabel is the constant label distinguishing the collectors of
// several adapters registered with one registerer.
const InstanceLabel = "adapter"

// NewPrometheus registers the adapter collectors with registerer and feeds
// them from d. Every series carries instance as its [InstanceLabel]. A nil
// registerer selects prometheus.DefaultRegisterer.
//
// Registration fails if the registerer already holds collectors of the same
// instance; nothing stays registered in that case.
func NewPrometheus(d *Dispatcher, registerer prometheus.Registerer, instance string) (*Prometheus, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{InstanceLabel: instance}

	p := &Prometheus{
		registerer: registerer,
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "restadapter_polls_total",
				Help:        "Total number of endpoint poll events by phase",
				ConstLabels: labels,
			},
			[]string{"service", "endpoint", "phase"},
		),
		pollLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "restadapter_poll_duration_seconds",
				Help:        "Duration of successful endpoint polls in seconds",
				Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
				ConstLabels: labels,
			},
			[]string{"service", "endpoint"},
		),
		publications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "restadapter_publications_total",
				Help:        "Total number of topic publication events by phase",
				ConstLabels: labels,
			},
			[]string{"phase"},
		),
		topics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "restadapter_topic_creations_total",
				Help:        "Total number of topic creation events by phase and failure reason",
				ConstLabels: labels,
			},
			[]string{"phase", "reason"},
		),
		services: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "restadapter_service_events_total",
				Help:        "Total number of service lifecycle transitions",
				ConstLabels: labels,
			},
			[]string{"service", "event"},
		),
	}

	for _, c := range []prometheus.Collector{p.polls, p.pollLatency, p.publications, p.topics, p.services} {
		if err := registerer.Register(c); err != nil {
			p.unregister()
			return nil, fmt.Errorf("register prometheus collectors: %w", err)
		}
		p.collectors = append(p.collectors, c)
	}

	p.removes = []func(){
		d.OnPoll(p.observePoll),
		d.OnPublication(p.observePublication),
		d.OnTopic(p.observeTopic),
		d.OnService(p.observeService),
	}
	return p, nil
}

func (p *Prometheus) observePoll(e PollEvent) {
	p.polls.WithLabelValues(e.Service, e.Endpoint, e.Phase.String()).Inc()
	if e.Phase == PhaseSuccess {
		p.pollLatency.WithLabelValues(e.Service, e.Endpoint).Observe(e.Latency.Seconds())
	}
}

func (p *Prometheus) observePublication(e PublicationEvent) {
	p.publications.WithLabelValues(e.Phase.String()).Inc()
}

func (p *Prometheus) observeTopic(e TopicEvent) {
	p.topics.WithLabelValues(e.Phase.String(), e.Reason).Inc()
}

func (p *Prometheus) observeService(e ServiceEvent) {
	p.services.WithLabelValues(e.Service, string(e.Kind)).Inc()
}

// Close detaches the exporter and unregisters its collectors so a
// replacement can register under the same names.
func (p *Prometheus) Close() {
	for _, remove := range p.removes {
		remove()
	}
	p.unregister()
}

func (p *Prometheus) unregister() {
	for _, c := range p.collectors {
		p.registerer.Unregister(c)
	}
	p.collectors = nil
}
