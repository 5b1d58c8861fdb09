// Package core implements the configuration-transition and lifecycle
// orchestration at the heart of eventcore.
//
// A Core is an immutable snapshot of the running configuration: the
// ordered stream pipeline, the service set, the named index and pubsub
// services, and the core's own stream measurement accumulator.
// Configuration reloads never mutate a running core; they build a new one
// and call Transition, which merges the two, reusing every running
// service the new configuration describes equivalently. Transition then
// stops the obsolete services, reloads the merged set, and starts it,
// each phase fanning out in parallel and completing before the next
// begins.
//
// The package also provides the two built-in periodic services that
// consume this machinery: the Reaper, which expires stale index entries
// into synthetic "expired" events, and the Sampler, which feeds the
// system's self-measurements back through its own pipeline.
package core
