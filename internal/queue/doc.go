// Package queue defines the transport-neutral queue contract and the shared
// machinery every backend builds on: priority weights and FIFO tie-breaking,
// the retry/dead-letter state transition rules, the first-match handler
// dispatcher, and the ticker-driven drain loop.
//
// Backends live in subpackages (memory, durable, push, embedded) and differ
// only in where state is kept; the external state machine is identical:
//
//	pending → processing → completed
//	                     → pending (retryCount+1, re-ranked by priority)
//	                     → dead_letter (retryCount == maxRetries)
//
// The transition and ranking logic is deliberately centralized here so
// backends cannot silently diverge in tie-break or retry semantics.
//
// # Dispatch contract
//
// For each drained message, only the first registered handler whose
// CanHandle returns true receives it. There is no fan-out to multiple
// matching handlers. Producers that need fan-out publish to multiple queues.
package queue
