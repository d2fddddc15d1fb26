// Package restadapter mirrors REST endpoints into the topic tree of a
// publish/subscribe broker.
//
// An adapter polls the endpoints of each configured service at the
// service's poll period, parses each response according to the endpoint's
// type (JSON, string or binary), and publishes the value to a topic under
// the service's topic path root. Several adapters may run against the same
// broker: the broker elects one active update source per root and the
// others wait in standby.
//
// # Quick Start
//
//	mem := broker.NewMemory()
//	a, err := restadapter.New(restadapter.WithConnector(mem))
//	if err != nil {
//	    slog.Error("failed to create adapter", "error", err)
//	    os.Exit(1)
//	}
//
//	snap, err := config.Load("adapter.yaml")
//	if err != nil {
//	    slog.Error("failed to load config", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	updates := make(chan *config.Snapshot, 1)
//	updates <- snap
//	a.Run(ctx, updates) // blocks until ctx is cancelled
//
// # Reconfiguration
//
// Every snapshot passed to [Adapter.Reconfigure] is compared with the one
// in force and only the difference is applied:
//
//   - Broker or truststore changes reopen the broker session
//   - Service changes restart the changed services only
//   - Metrics changes rebuild the metrics reporters only
//   - A snapshot with Active set to false shuts the adapter down
//
// [config.Watcher] produces snapshots from a YAML file as it changes.
//
// # Lifecycle
//
// The adapter moves through the states INIT, CONNECTING, STANDBY (session
// open, nothing to poll), ACTIVE (polling), RECOVERING (session lost,
// reconnection scheduled), STOPPING and STOPPED.
//
// # Architecture
//
// Two packages are public: config holds the snapshot model and file
// watcher, and broker holds the broker interfaces an adapter connects
// through along with an embedded in-memory broker.
//
// The internal packages are not part of the public API:
//
//   - internal/adapter: lifecycle state machine and service manager
//   - internal/poller: HTTP client, shared poll scheduler, per-service sessions
//   - internal/publication: update sources and update contexts
//   - internal/topic: topic creation and failure classification
//   - internal/session: broker session management and truststores
//   - internal/metrics: event dispatch, counters, summaries, Prometheus
//   - internal/server: HTTP view of the embedded broker
package restadapter
