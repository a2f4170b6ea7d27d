package errors

// Kind represents a machine-readable error classification.
type Kind string

// Failure kinds that drive scheduling decisions.
const (
	// KindTransient indicates a temporary infrastructure problem
	// (I/O, network, timeout). The task will be retried with backoff.
	KindTransient Kind = "TRANSIENT"
	// KindPermanent indicates a permanent content problem (corrupt or
	// unsupported input). The task is never retried; its descendants
	// are deferred.
	KindPermanent Kind = "PERMANENT"
	// KindConfig indicates a configuration problem (dependency cycle,
	// unknown function version). Fatal to the run, never auto-retried.
	KindConfig Kind = "CONFIG"
	// KindLiveness indicates a worker crash or hang, detected by the
	// reaper and converted into a retry.
	KindLiveness Kind = "LIVENESS"
)

// Storage and lookup kinds.
const (
	// KindNotFound indicates a requested blob or record does not exist.
	KindNotFound Kind = "NOT_FOUND"
	// KindAlreadyExists indicates the entity already exists.
	KindAlreadyExists Kind = "ALREADY_EXISTS"
	// KindConflict indicates a lost conditional transition (for example
	// a task already claimed by another worker).
	KindConflict Kind = "CONFLICT"
)

var retryableKinds = map[Kind]bool{
	KindTransient: true,
	KindLiveness:  true,
	KindConflict:  false,
	KindPermanent: false,
	KindConfig:    false,
	KindNotFound:  false,
}

// IsRetryableKind returns true if the kind indicates a retryable failure.
func IsRetryableKind(kind Kind) bool {
	return retryableKinds[kind]
}
