// Package session provides conversation memory with pluggable persistence.
//
// A session holds the ordered turns exchanged between user and assistant.
// [Store] layers the eviction policy and window assembly over a [Backend];
// three backends ship: [Postgres] for durable deployments, [Redis] for
// shared ephemeral state, and [InMemory] for tests and single-process runs.
//
// Key operations:
//
//   - Turn persistence: [Store.Append] (atomic batch insertion), [Store.Turns]
//   - Prompt assembly: [Store.Window] (newest-first trimming under a token budget)
//   - Session lifecycle: [Store.Get], [Store.List], [Store.Clear], [Store.Delete]
//
// # Eviction
//
// History is kept in full until its running token total passes the
// configured cap. The oldest turns are then folded into one synthesized
// summary turn (role "system-summary") produced by the injected
// [Summarizer]. Folding happens inside the append's critical section, so a
// reader never observes the evicted turns and the summary together.
//
// # Concurrency
//
// Store is safe for concurrent use. Appends to the same session serialize:
// Postgres locks the session row with SELECT ... FOR UPDATE, Redis retries
// WATCH/MULTI transactions, InMemory holds a per-session mutex. Sessions
// never block each other.
package session
