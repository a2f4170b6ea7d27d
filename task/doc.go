// Package task defines task records, their identity keys, and the
// durable store interface the scheduler and workers coordinate through.
//
// A task is one idempotent unit of pipeline work, identified by a
// deterministic key derived from its function name and version, its
// subject blob, its scalar parameters, and its dependency set.
// Re-submitting an identical task is a no-op lookup rather than
// duplicate work; records are never deleted and form the audit trail
// and re-entrancy guard for reprocessing after code changes.
package task
