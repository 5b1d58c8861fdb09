// Package eventcore is an event-stream monitoring engine.
//
// Events flow in over TCP, UDP or WebSocket listeners, pass through an
// ordered stream pipeline, and land in an in-memory latest-event index
// keyed by host and service. Entries carry a TTL; a periodic reaper expires
// stale entries back into the pipeline as synthetic "expired" events, so
// silence becomes an observable signal. Index mutations fan out on an
// in-process pubsub, feeding live WebSocket subscribers and a NATS bridge.
//
// The engine reconfigures without dropping events: configuration is an
// immutable core value, and reloads build a new core and transition to it,
// reusing every running service the new configuration describes
// equivalently. See the core package for the transition machinery and
// cmd/eventcore for the daemon.
package eventcore
