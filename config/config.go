// Package config provides the configuration snapshot model for the REST
// adapter together with YAML parsing and live file watching.
//
// A [Snapshot] is immutable once returned by [Parse] or [Load]. Every
// reconfiguration replaces the snapshot wholesale; nothing mutates a
// snapshot in place.
//
// Example configuration:
//
//	broker:
//	  host: localhost
//	  port: 8080
//	  principal: adapter
//
//	services:
//	  - name: weather
//	    host: api.example.com
//	    port: 443
//	    secure: true
//	    pollPeriod: 5000
//	    topicPathRoot: weather
//	    endpoints:
//	      - name: london
//	        url: /london
//	        topicPath: london
//	        produces: json
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/restadapter/internal/endpoint"
)

const (
	defaultConnectionTimeout    = 10 * time.Second
	defaultReconnectionTimeout  = 5 * time.Second
	defaultSummaryInterval      = time.Minute
	defaultTopicMetricsInterval = time.Minute
)

// Snapshot is one complete configuration of the adapter.
//
// Snapshots are shared by reference between components and must be treated
// as read-only.
type Snapshot struct {
	// Active is false when the configuration requests the adapter to stop.
	Active bool `yaml:"active"`

	// Truststore is an optional path to a PEM bundle or PKCS#12 file used to
	// verify TLS peers. Relative paths are resolved against BaseDir.
	Truststore string `yaml:"truststore"`

	// Broker holds the broker connection settings. nil means no broker is
	// configured and the adapter idles in standby.
	Broker *Broker `yaml:"broker"`

	// Metrics configures metrics reporting.
	Metrics Metrics `yaml:"metrics"`

	// Services lists the REST services to poll, in configuration order.
	Services []Service `yaml:"services"`

	// BaseDir is the directory relative resources are resolved against.
	// It is set by [Load] and not read from YAML.
	BaseDir string `yaml:"-"`
}

// Broker describes how to connect to the publish/subscribe broker.
type Broker struct {
	Host                string   `yaml:"host"`
	Port                int      `yaml:"port"`
	Secure              bool     `yaml:"secure"`
	Principal           string   `yaml:"principal"`
	Password            string   `yaml:"password"`
	ConnectionTimeout   Duration `yaml:"connectionTimeout"`
	ReconnectionTimeout Duration `yaml:"reconnectionTimeout"`
}

// Metrics configures how adapter events are reported.
type Metrics struct {
	// Counting enables event counters.
	Counting bool `yaml:"counting"`

	// Summary enables a periodic log summary of the counters.
	Summary *Summary `yaml:"summary"`

	// Prometheus enables the Prometheus collector set.
	Prometheus bool `yaml:"prometheus"`

	// Topic publishes the counters to broker topics.
	Topic *TopicMetrics `yaml:"topic"`
}

// Summary configures the periodic metrics summary log.
type Summary struct {
	Interval Duration `yaml:"interval"`
}

// TopicMetrics configures publication of the event counters to JSON topics
// under TopicRoot of the broker session in force.
type TopicMetrics struct {
	TopicRoot string   `yaml:"topicRoot"`
	Interval  Duration `yaml:"interval"`
}

// Service describes one REST service to poll.
type Service struct {
	// Name identifies the service across reconfigurations.
	Name string `yaml:"name"`

	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secure bool   `yaml:"secure"`

	// PollPeriod is the time in milliseconds between polls. Values <= 0
	// poll each endpoint exactly once.
	PollPeriod int64 `yaml:"pollPeriod"`

	// TopicPathRoot is the topic subtree the service publishes under.
	TopicPathRoot string `yaml:"topicPathRoot"`

	// Security holds optional request authentication.
	Security *Security `yaml:"security"`

	// Endpoints lists the endpoints of the service, in configuration order.
	Endpoints []Endpoint `yaml:"endpoints"`
}

// Security holds the authentication settings of a service.
type Security struct {
	Basic *BasicAuth `yaml:"basic"`
}

// BasicAuth holds HTTP basic authentication credentials.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Endpoint describes one polled URL and the topic it is mirrored to.
//
// Endpoint is comparable and is used as a map key by the poller.
type Endpoint struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	TopicPath string `yaml:"topicPath"`
	Produces  string `yaml:"produces"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// TopicPath returns the full topic path for an endpoint of this service.
func (s Service) TopicPath(ep Endpoint) string {
	return s.TopicPathRoot + "/" + ep.TopicPath
}

// PollInterval returns the poll period as a duration.
func (s Service) PollInterval() time.Duration {
	return time.Duration(s.PollPeriod) * time.Millisecond
}

// Scheme returns "https" for secure services and "http" otherwise.
func (s Service) Scheme() string {
	if s.Secure {
		return "https"
	}
	return "http"
}

// IsPolling reports whether the snapshot has a broker and at least one
// endpoint to poll.
func (s *Snapshot) IsPolling() bool {
	if s == nil || s.Broker == nil {
		return false
	}
	for _, svc := range s.Services {
		if len(svc.Endpoints) > 0 {
			return true
		}
	}
	return false
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// The directory of path becomes the snapshot's BaseDir.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	snap, err := Parse(data)
	if err != nil {
		return nil, err
	}
	snap.BaseDir = filepath.Dir(path)
	return snap, nil
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in hosts, URLs and credentials.
// Active defaults to true; broker timeouts and the summary interval receive
// defaults when unset.
func Parse(data []byte) (*Snapshot, error) {
	snap := Snapshot{Active: true}
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if b := snap.Broker; b != nil {
		if b.ConnectionTimeout == 0 {
			b.ConnectionTimeout = Duration(defaultConnectionTimeout)
		}
		if b.ReconnectionTimeout == 0 {
			b.ReconnectionTimeout = Duration(defaultReconnectionTimeout)
		}
	}
	if s := snap.Metrics.Summary; s != nil && s.Interval == 0 {
		s.Interval = Duration(defaultSummaryInterval)
	}
	if t := snap.Metrics.Topic; t != nil && t.Interval == 0 {
		t.Interval = Duration(defaultTopicMetricsInterval)
	}

	if err := snap.expandAndValidate(); err != nil {
		return nil, err
	}

	return &snap, nil
}

// Validate checks a programmatically built snapshot with the same rules
// [Parse] applies. Environment variables are not expanded.
func (s *Snapshot) Validate() error {
	if s == nil {
		return errors.New("snapshot is nil")
	}
	if err := s.validateBroker(); err != nil {
		return err
	}
	if err := s.validateServices(); err != nil {
		return err
	}
	return s.validateMetrics()
}

// expandAndValidate expands environment variables and validates the snapshot.
func (s *Snapshot) expandAndValidate() error {
	var err error
	if s.Truststore, err = expandEnvVars(s.Truststore); err != nil {
		return fmt.Errorf("truststore: %w", err)
	}

	if b := s.Broker; b != nil {
		if b.Host, err = expandEnvVars(b.Host); err != nil {
			return fmt.Errorf("broker: host: %w", err)
		}
		if b.Principal, err = expandEnvVars(b.Principal); err != nil {
			return fmt.Errorf("broker: principal: %w", err)
		}
		if b.Password, err = expandEnvVars(b.Password); err != nil {
			return fmt.Errorf("broker: password: %w", err)
		}
	}

	for i := range s.Services {
		svc := &s.Services[i]
		if svc.Host, err = expandEnvVars(svc.Host); err != nil {
			return fmt.Errorf("services[%d] (%s): host: %w", i, svc.Name, err)
		}
		if svc.Security != nil && svc.Security.Basic != nil {
			basic := svc.Security.Basic
			if basic.Username, err = expandEnvVars(basic.Username); err != nil {
				return fmt.Errorf("services[%d] (%s): security.basic.username: %w", i, svc.Name, err)
			}
			if basic.Password, err = expandEnvVars(basic.Password); err != nil {
				return fmt.Errorf("services[%d] (%s): security.basic.password: %w", i, svc.Name, err)
			}
		}
		for j := range svc.Endpoints {
			ep := &svc.Endpoints[j]
			if ep.URL, err = expandEnvVars(ep.URL); err != nil {
				return fmt.Errorf("services[%d] (%s): endpoints[%d] (%s): url: %w", i, svc.Name, j, ep.Name, err)
			}
		}
	}

	return s.Validate()
}

func (s *Snapshot) validateBroker() error {
	b := s.Broker
	if b == nil {
		return nil
	}
	if b.Host == "" {
		return errors.New("broker: host is required")
	}
	if b.Port < 1 || b.Port > 65535 {
		return fmt.Errorf("broker: port must be between 1 and 65535, got %d", b.Port)
	}
	if b.ConnectionTimeout < 0 {
		return fmt.Errorf("broker: connectionTimeout cannot be negative, got %s", b.ConnectionTimeout.Duration())
	}
	if b.ReconnectionTimeout < 0 {
		return fmt.Errorf("broker: reconnectionTimeout cannot be negative, got %s", b.ReconnectionTimeout.Duration())
	}
	return nil
}

func (s *Snapshot) validateServices() error {
	names := make(map[string]struct{}, len(s.Services))
	roots := make(map[string]string, len(s.Services))

	for i, svc := range s.Services {
		if svc.Name == "" {
			return fmt.Errorf("services[%d]: name is required", i)
		}
		if _, exists := names[svc.Name]; exists {
			return fmt.Errorf("services[%d]: duplicate service name %q", i, svc.Name)
		}
		names[svc.Name] = struct{}{}

		if svc.Host == "" {
			return fmt.Errorf("services[%d] (%s): host is required", i, svc.Name)
		}
		if svc.Port < 1 || svc.Port > 65535 {
			return fmt.Errorf("services[%d] (%s): port must be between 1 and 65535, got %d", i, svc.Name, svc.Port)
		}
		if svc.TopicPathRoot == "" {
			return fmt.Errorf("services[%d] (%s): topicPathRoot is required", i, svc.Name)
		}
		if strings.HasPrefix(svc.TopicPathRoot, "/") || strings.HasSuffix(svc.TopicPathRoot, "/") {
			return fmt.Errorf("services[%d] (%s): topicPathRoot must not start or end with '/'", i, svc.Name)
		}
		if other, exists := roots[svc.TopicPathRoot]; exists {
			return fmt.Errorf("services[%d] (%s): topicPathRoot %q already used by service %q",
				i, svc.Name, svc.TopicPathRoot, other)
		}
		roots[svc.TopicPathRoot] = svc.Name

		if svc.Security != nil && svc.Security.Basic != nil && svc.Security.Basic.Username == "" {
			return fmt.Errorf("services[%d] (%s): security.basic.username is required", i, svc.Name)
		}

		if err := validateEndpoints(i, svc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Snapshot) validateMetrics() error {
	if s.Metrics.Summary != nil && s.Metrics.Summary.Interval < 0 {
		return fmt.Errorf("metrics: summary.interval cannot be negative, got %s", s.Metrics.Summary.Interval.Duration())
	}

	t := s.Metrics.Topic
	if t == nil {
		return nil
	}
	if t.TopicRoot == "" {
		return errors.New("metrics: topic.topicRoot is required")
	}
	if strings.HasPrefix(t.TopicRoot, "/") || strings.HasSuffix(t.TopicRoot, "/") {
		return errors.New("metrics: topic.topicRoot must not start or end with '/'")
	}
	if t.Interval < 0 {
		return fmt.Errorf("metrics: topic.interval cannot be negative, got %s", t.Interval.Duration())
	}
	for _, svc := range s.Services {
		if nested(t.TopicRoot, svc.TopicPathRoot) {
			return fmt.Errorf("metrics: topic.topicRoot %q overlaps topicPathRoot of service %q", t.TopicRoot, svc.Name)
		}
	}
	return nil
}

// nested reports whether one topic path equals or contains the other.
func nested(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

func validateEndpoints(i int, svc Service) error {
	names := make(map[string]struct{}, len(svc.Endpoints))
	topics := make(map[string]struct{}, len(svc.Endpoints))

	for j, ep := range svc.Endpoints {
		ctx := fmt.Sprintf("services[%d] (%s): endpoints[%d]", i, svc.Name, j)
		if ep.Name == "" {
			return fmt.Errorf("%s: name is required", ctx)
		}
		ctx = fmt.Sprintf("%s (%s)", ctx, ep.Name)
		if _, exists := names[ep.Name]; exists {
			return fmt.Errorf("%s: duplicate endpoint name", ctx)
		}
		names[ep.Name] = struct{}{}

		if ep.URL == "" {
			return fmt.Errorf("%s: url is required", ctx)
		}
		if !strings.HasPrefix(ep.URL, "/") {
			return fmt.Errorf("%s: url must be an absolute path, got %q", ctx, ep.URL)
		}
		if ep.TopicPath == "" {
			return fmt.Errorf("%s: topicPath is required", ctx)
		}
		if _, exists := topics[ep.TopicPath]; exists {
			return fmt.Errorf("%s: duplicate topicPath %q", ctx, ep.TopicPath)
		}
		topics[ep.TopicPath] = struct{}{}

		if _, err := endpoint.Default().From(ep.Produces); err != nil {
			return fmt.Errorf("%s: produces: %w", ctx, err)
		}
	}
	return nil
}
