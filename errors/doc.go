// Package errors provides the error taxonomy used by the sift engine.
//
// Task functions and engine components classify failures into a small set
// of kinds that drive scheduling decisions: transient infrastructure
// problems are retried with backoff, permanent content problems mark a
// task and its descendants as failed/deferred, configuration problems are
// fatal to the run, and liveness failures (worker crash or hang) are
// detected by the reaper and converted into retries.
package errors
