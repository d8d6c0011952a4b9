// Package task implements the background task processing core: leasing of
// scheduled tasks, dispatch to registered handlers, and finalization of
// outcomes. Each leased task is finalized inside a single database
// transaction so handler writes, outbox events, and the status transition
// commit together.
package task
