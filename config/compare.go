package config

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// snapshotOpts ignores fields that do not influence runtime behaviour.
var snapshotOpts = cmp.Options{
	cmpopts.IgnoreFields(Snapshot{}, "BaseDir"),
	cmpopts.EquateEmpty(),
}

// Equal reports whether two snapshots are structurally identical.
func Equal(a, b *Snapshot) bool {
	return cmp.Equal(a, b, snapshotOpts)
}

// BrokerChanged reports whether the broker connection settings differ.
func BrokerChanged(prev, next *Snapshot) bool {
	return !cmp.Equal(brokerOf(prev), brokerOf(next))
}

// TruststoreChanged reports whether the truststore reference differs.
func TruststoreChanged(prev, next *Snapshot) bool {
	return truststoreOf(prev) != truststoreOf(next)
}

// MetricsChanged reports whether the metrics configuration differs.
func MetricsChanged(prev, next *Snapshot) bool {
	return !cmp.Equal(metricsOf(prev), metricsOf(next))
}

// ServicesChanged reports whether the ordered service lists differ in any
// field, including their endpoints.
func ServicesChanged(prev, next *Snapshot) bool {
	return !cmp.Equal(servicesOf(prev), servicesOf(next), cmpopts.EquateEmpty())
}

// ServiceSecurityChanged reports whether the basic authentication settings
// of the services differ. Services without basic authentication are skipped.
func ServiceSecurityChanged(prev, next *Snapshot) bool {
	return !cmp.Equal(basicAuthsOf(prev), basicAuthsOf(next), cmpopts.EquateEmpty())
}

// ServiceEqual reports whether two service descriptors are identical.
func ServiceEqual(a, b Service) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}

func brokerOf(s *Snapshot) *Broker {
	if s == nil {
		return nil
	}
	return s.Broker
}

func truststoreOf(s *Snapshot) string {
	if s == nil {
		return ""
	}
	return s.Truststore
}

func metricsOf(s *Snapshot) Metrics {
	if s == nil {
		return Metrics{}
	}
	return s.Metrics
}

func servicesOf(s *Snapshot) []Service {
	if s == nil {
		return nil
	}
	return s.Services
}

func basicAuthsOf(s *Snapshot) []BasicAuth {
	var out []BasicAuth
	for _, svc := range servicesOf(s) {
		if svc.Security != nil && svc.Security.Basic != nil {
			out = append(out, *svc.Security.Basic)
		}
	}
	return out
}
