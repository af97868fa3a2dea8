package peer

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a bad import request; no network traffic was attempted.
	ErrConfiguration = errors.New("configuration error")
	// ErrTimeout marks a reply that did not arrive within its budget.
	ErrTimeout = errors.New("timed out waiting for reply")
	// ErrProtocol marks a reply that violates the exchange, such as an out-of-sequence chunk.
	ErrProtocol = errors.New("protocol error")
	// ErrIntegrity is the protocol error raised when the imported content hash does not match.
	ErrIntegrity = fmt.Errorf("%w: integrity check failed", ErrProtocol)
	// ErrCancelled marks an operation aborted by its caller.
	ErrCancelled = errors.New("cancelled")
)

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
