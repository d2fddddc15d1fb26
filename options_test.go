package restadapter

import (
	"strings"
	"testing"
	"time"

	"github.com/jpalmerr/restadapter/broker"
)

func TestNew_Valid(t *testing.T) {
	a, err := New(WithConnector(broker.NewMemory()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if a.State() != StateInit {
		t.Errorf("State() = %v, want %v", a.State(), StateInit)
	}
	if a.Snapshot() != nil {
		t.Errorf("Snapshot() = %v, want nil", a.Snapshot())
	}
}

func TestNew_NoConnector(t *testing.T) {
	_, err := New()
	if err == nil {
		t.Fatal("New() expected error for missing connector, got nil")
	}
	if !strings.Contains(err.Error(), "connector is required") {
		t.Errorf("New() error = %v, want error containing 'connector is required'", err)
	}
}

func TestOptions_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opt     Option
		wantErr string
	}{
		{name: "nil connector", opt: WithConnector(nil), wantErr: "connector cannot be nil"},
		{name: "nil logger", opt: WithLogger(nil), wantErr: "logger cannot be nil"},
		{name: "nil registerer", opt: WithRegisterer(nil), wantErr: "registerer cannot be nil"},
		{name: "empty instance name", opt: WithInstanceName(""), wantErr: "instance name cannot be empty"},
		{name: "zero workers", opt: WithPollWorkers(0), wantErr: "poll workers must be positive"},
		{name: "negative workers", opt: WithPollWorkers(-1), wantErr: "poll workers must be positive"},
		{name: "zero timeout", opt: WithPollTimeout(0), wantErr: "poll timeout must be positive"},
		{name: "negative timeout", opt: WithPollTimeout(-time.Second), wantErr: "poll timeout must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(WithConnector(broker.NewMemory()), tt.opt)
			if err == nil {
				t.Fatalf("New() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestOptions_NilCallbacksIgnored(t *testing.T) {
	cfg := &adapterConfig{}
	for _, opt := range []Option{WithShutdownHandler(nil), WithServiceCallback(nil), WithPollCallback(nil)} {
		if err := opt(cfg); err != nil {
			t.Fatalf("option error = %v", err)
		}
	}
	if len(cfg.shutdownHandlers)+len(cfg.serviceCallbacks)+len(cfg.pollCallbacks) != 0 {
		t.Error("nil callbacks should not be registered")
	}
}

func TestOptions_Values(t *testing.T) {
	cfg := &adapterConfig{}
	opts := []Option{
		WithPollWorkers(3),
		WithPollTimeout(2 * time.Second),
		WithShutdownHandler(func() {}),
		WithShutdownHandler(func() {}),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			t.Fatalf("option error = %v", err)
		}
	}
	if cfg.pollWorkers != 3 {
		t.Errorf("pollWorkers = %d, want 3", cfg.pollWorkers)
	}
	if cfg.pollTimeout != 2*time.Second {
		t.Errorf("pollTimeout = %v, want 2s", cfg.pollTimeout)
	}
	if len(cfg.shutdownHandlers) != 2 {
		t.Errorf("len(shutdownHandlers) = %d, want 2", len(cfg.shutdownHandlers))
	}
}
