// Package poller polls the endpoints of REST services.
//
// The main components are:
//
//   - [Client]: HTTP client issuing one request per poll, with basic
//     authentication, TLS and size limits
//   - [Scheduler]: timer and worker pool shared by all service sessions
//   - [ServiceSession]: the per-service set of endpoint poll tasks
//
// Poll firings are fire-and-forget: a slow response never delays the next
// firing, so two requests for one endpoint may be in flight at once.
package poller
