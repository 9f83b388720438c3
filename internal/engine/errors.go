package engine

import "errors"

// Error kinds named in spec.md §7. TransientGatewayError is not a sentinel
// here but the gateway.TemporaryError marker interface; everything else is
// a concrete wrapped error.
var (
	// ErrValidation is returned when a submitted MixRequest fails its own
	// invariants (spec.md §3) — rejected at admission, never retried.
	ErrValidation = errors.New("engine: validation failed")

	// ErrNotRunning is returned by Submit once the engine has been
	// stopped or was never started.
	ErrNotRunning = errors.New("engine: not running")

	// ErrCapacityReached is the AdmissionRejected reason when the
	// non-terminal request backlog exceeds the queue ceiling.
	ErrCapacityReached = errors.New("engine: admission capacity reached")

	// ErrStrategyDowngrade signals CoinJoin formation/participant loss;
	// it causes strategy reselection WITHOUT incrementing retry_count.
	ErrStrategyDowngrade = errors.New("engine: strategy downgrade")

	// ErrTimeout is returned when a MixingContext exceeds max_mixing_time.
	ErrTimeout = errors.New("engine: max_mixing_time exceeded")

	// ErrPermanentGateway marks a gateway failure that is not retryable
	// (invalid signature, insufficient funds after recheck).
	ErrPermanentGateway = errors.New("engine: permanent gateway failure")

	// ErrNotFound is returned by Status for an unknown mix ID.
	ErrNotFound = errors.New("engine: mix request not found")
)

// permanentError wraps an error as ErrPermanentGateway, never retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Is(target error) bool {
	return target == ErrPermanentGateway
}

// Permanent wraps err so isRetryable treats it as PermanentGatewayError
// regardless of whether it also implements gateway.TemporaryError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// temporary is satisfied by errors carrying an explicit Temporary() bool,
// mirroring the standard library's net.Error convention (spec.md §7
// TransientGatewayError).
type temporary interface {
	Temporary() bool
}

// isRetryable decides whether a phase error should be retried (linear
// backoff, spec.md §4.1) or should fail the request immediately.
// StrategyDowngrade is handled by its caller before isRetryable is ever
// consulted — it never increments retry_count.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanentGateway) {
		return false
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	// Unclassified errors (context deadline, store failures) default to
	// retryable: only explicit permanent markers stop retries early.
	return true
}
