// Package forgeerr defines the forge core's typed error taxonomy. Every
// component boundary returns one of these, wrapped with fmt.Errorf and
// %w, never a bare string or an ad-hoc error value.
package forgeerr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Test and caller code matches on these with errors.Is,
// never by inspecting an error's message.
var (
	// ErrInvalidInput marks a schema mismatch or otherwise malformed request.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition marks a state-machine violation.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrGateViolation marks a sandbox diff outside the allowlist.
	ErrGateViolation = errors.New("diff allowlist gate violation")

	// ErrTimeout marks a wall-clock bound exceeded by a child process.
	ErrTimeout = errors.New("operation timed out")

	// ErrToolFailure marks a non-zero exit from a verification tool.
	ErrToolFailure = errors.New("tool exited non-zero")

	// ErrGatewayUnavailable marks an unreachable or malformed LLM gateway
	// response.
	ErrGatewayUnavailable = errors.New("llm gateway unavailable")

	// ErrStoreUnavailable marks an artifact or ledger I/O failure.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTrustError marks a runtime hash mismatch; execution must be refused.
	ErrTrustError = errors.New("trust verification failed")

	// ErrUnknownEntity marks a lookup by id/name that found nothing.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrConcurrentModification marks a ledger write that lost a race
	// against another writer for the same proposal.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Wrap attaches msg context to one of the sentinel errors above, keeping
// errors.Is/errors.As usable by callers.
func Wrap(sentinel error, msg string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), sentinel)
}

// Is reports whether err is, or wraps, target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
