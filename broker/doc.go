// Package broker defines the publish/subscribe broker collaborators the
// adapter consumes and provides an embedded in-memory implementation.
//
// The collaborator surface is deliberately small:
//
//   - [Connector]: opens sessions asynchronously from the caller's point of view
//   - [Session]: exposes its [State] and the control features below
//   - [TopicControl]: creates and removes topics
//   - [UpdateControl]: registers update sources that the broker arbitrates
//     between active and standby
//   - [Updater]: the update stream handed to an active update source
//
// [Memory] implements every collaborator in process. It keeps the latest
// value of each topic, arbitrates update sources in registration order,
// applies topic removal policies and can simulate disconnection, recovery
// and session loss. Subscribers receive topic updates via channels with
// non-blocking sends (slow subscribers miss updates rather than block
// publishers).
package broker
