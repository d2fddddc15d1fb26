package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func baseSnapshot() *Snapshot {
	return &Snapshot{
		Active: true,
		Broker: &Broker{Host: "localhost", Port: 8080, ReconnectionTimeout: Duration(time.Second)},
		Services: []Service{{
			Name:          "weather",
			Host:          "api.example.com",
			Port:          443,
			TopicPathRoot: "weather",
			Security:      &Security{Basic: &BasicAuth{Username: "u", Password: "p"}},
			Endpoints:     []Endpoint{{Name: "london", URL: "/london", TopicPath: "london", Produces: "json"}},
		}},
	}
}

func TestEqual(t *testing.T) {
	a, b := baseSnapshot(), baseSnapshot()
	assert.True(t, Equal(a, b))

	b.BaseDir = "/etc/adapter"
	assert.True(t, Equal(a, b), "BaseDir is not significant")

	b.Services[0].Endpoints = append(b.Services[0].Endpoints, Endpoint{Name: "paris"})
	assert.False(t, Equal(a, b))

	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(a, nil))
}

func TestChangeDetection(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Snapshot)
		broker   bool
		trust    bool
		metrics  bool
		services bool
		security bool
	}{
		{name: "unchanged", mutate: func(*Snapshot) {}},
		{
			name:   "broker port",
			mutate: func(s *Snapshot) { s.Broker.Port = 9090 },
			broker: true,
		},
		{
			name:   "broker removed",
			mutate: func(s *Snapshot) { s.Broker = nil },
			broker: true,
		},
		{
			name:   "truststore",
			mutate: func(s *Snapshot) { s.Truststore = "ca.pem" },
			trust:  true,
		},
		{
			name:    "metrics",
			mutate:  func(s *Snapshot) { s.Metrics.Counting = true },
			metrics: true,
		},
		{
			name:     "poll period",
			mutate:   func(s *Snapshot) { s.Services[0].PollPeriod = 10 },
			services: true,
		},
		{
			name:     "service added",
			mutate:   func(s *Snapshot) { s.Services = append(s.Services, Service{Name: "other"}) },
			services: true,
		},
		{
			name:     "password",
			mutate:   func(s *Snapshot) { s.Services[0].Security.Basic.Password = "q" },
			services: true,
			security: true,
		},
		{
			name:     "security removed",
			mutate:   func(s *Snapshot) { s.Services[0].Security = nil },
			services: true,
			security: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev, next := baseSnapshot(), baseSnapshot()
			tt.mutate(next)

			assert.Equal(t, tt.broker, BrokerChanged(prev, next), "BrokerChanged")
			assert.Equal(t, tt.trust, TruststoreChanged(prev, next), "TruststoreChanged")
			assert.Equal(t, tt.metrics, MetricsChanged(prev, next), "MetricsChanged")
			assert.Equal(t, tt.services, ServicesChanged(prev, next), "ServicesChanged")
			assert.Equal(t, tt.security, ServiceSecurityChanged(prev, next), "ServiceSecurityChanged")
		})
	}
}

func TestChangeDetection_FromNothing(t *testing.T) {
	next := baseSnapshot()
	assert.True(t, BrokerChanged(nil, next))
	assert.True(t, ServicesChanged(nil, next))
	assert.False(t, TruststoreChanged(nil, next))
	assert.False(t, MetricsChanged(nil, next))
}

func TestServiceEqual(t *testing.T) {
	a := baseSnapshot().Services[0]
	b := baseSnapshot().Services[0]
	assert.True(t, ServiceEqual(a, b))

	b.Endpoints = nil
	a.Endpoints = []Endpoint{}
	assert.True(t, ServiceEqual(a, b), "empty and nil endpoint lists are equal")

	b.Port = 80
	assert.False(t, ServiceEqual(a, b))
}
