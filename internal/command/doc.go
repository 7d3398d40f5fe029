// Package command implements the serialized command dispatcher for the
// Quadruped Control Container.
//
// Arbitrary concurrent callers submit command requests and block on a
// per-call result slot; a single consumer (the session supervisor) drains
// the queue one request at a time against the current session. The queue
// is bounded: beyond the configured depth new submissions fail fast with
// OVERLOADED so a stalled robot cannot accumulate unbounded memory.
package command
