// Example embeds the adapter as a library against the in-memory broker.
//
// Usage:
//
//	go run ./example
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/restadapter"
	"github.com/jpalmerr/restadapter/broker"
	"github.com/jpalmerr/restadapter/config"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	go StartMockWeatherServer("127.0.0.1:9998")
	time.Sleep(100 * time.Millisecond)

	mem := broker.NewMemory(broker.WithLogger(logger))
	a, err := restadapter.New(
		restadapter.WithConnector(mem),
		restadapter.WithLogger(logger),
		restadapter.WithServiceCallback(func(e restadapter.ServiceEvent) {
			logger.Info("service event", "service", e.Service, "kind", e.Kind)
		}),
	)
	if err != nil {
		logger.Error("failed to create adapter", "error", err)
		os.Exit(1)
	}

	snap := &config.Snapshot{
		Active: true,
		Broker: &config.Broker{
			Host:                "localhost",
			Port:                8080,
			Principal:           "example",
			ReconnectionTimeout: config.Duration(5 * time.Second),
		},
		Metrics: config.Metrics{
			Counting: true,
			Summary:  &config.Summary{Interval: config.Duration(30 * time.Second)},
		},
		Services: []config.Service{{
			Name:          "weather",
			Host:          "127.0.0.1",
			Port:          9998,
			PollPeriod:    2000,
			TopicPathRoot: "weather",
			Endpoints: []config.Endpoint{
				{Name: "london", URL: "/weather/london", TopicPath: "london", Produces: "json"},
				{Name: "paris", URL: "/weather/paris", TopicPath: "paris", Produces: "json"},
				{Name: "madrid", URL: "/weather/madrid", TopicPath: "madrid", Produces: "json"},
			},
		}},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	updates := mem.Subscribe()
	defer mem.Unsubscribe(updates)
	go func() {
		for topic := range updates {
			logger.Info("topic updated", "path", topic.Path, "value", string(topic.Value))
		}
	}()

	snapshots := make(chan *config.Snapshot, 1)
	snapshots <- snap
	if err := a.Run(ctx, snapshots); err != nil {
		logger.Error("adapter error", "error", err)
		os.Exit(1)
	}
}
