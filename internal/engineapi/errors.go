package engineapi

import "errors"

// Sentinel errors for the taxonomy every component wraps around (spec §7).
// Callers use errors.Is against these; components attach context (model
// id, task id, sequence) via fmt.Errorf("%w: ...", Err...).
var (
	// ErrConfigInvalid is raised for bad model options, an unknown
	// engine name, or a duplicate model id. Fatal at construction/init.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrPrepareFailed covers a missing artifact, checksum mismatch, a
	// failed download, or a failed re-validation after download.
	ErrPrepareFailed = errors.New("prepare failed")

	// ErrLoadFailed is raised when the engine's createInstance rejects.
	ErrLoadFailed = errors.New("load failed")

	// ErrEngineUnsupported is raised synchronously when the engine does
	// not implement the processor for the requested task kind.
	ErrEngineUnsupported = errors.New("engine does not support task")

	// ErrInputInvalid is raised synchronously for empty/malformed task
	// arguments (empty messages, empty prompt, malformed media).
	ErrInputInvalid = errors.New("input invalid")

	// ErrCancelled marks a caller-initiated abort. Completions resolve
	// with FinishReasonCancel instead of propagating this error;
	// non-completion tasks return it.
	ErrCancelled = errors.New("cancelled")

	// ErrTimedOut marks a per-task timeout. Completions resolve with
	// FinishReasonTimeout instead of propagating this error;
	// non-completion tasks return it.
	ErrTimedOut = errors.New("timed out")

	// ErrPoolShutdown is returned to a queued requestInstance caller
	// when the pool is disposed while they wait.
	ErrPoolShutdown = errors.New("pool shut down")

	// ErrGPULeaseBusy is returned when a new instance cannot be created
	// because the GPU lease is held by a busy peer and the model is
	// pinned (or preempting would violate the single-holder invariant).
	// Transient: the caller may retry once the lease frees up.
	ErrGPULeaseBusy = errors.New("gpu lease busy")
)

// IsAbort reports whether err represents a caller-driven or
// scheduler-driven abort that a completion task should resolve rather
// than propagate (ErrCancelled, ErrTimedOut, or context.Canceled /
// context.DeadlineExceeded wrapped beneath them).
func IsAbort(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrTimedOut)
}
