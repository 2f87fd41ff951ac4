package usage

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks a request the caller can fix: malformed
	// identifiers, bad limits, unparseable dates.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidRange is returned when a time range ends before it starts.
	ErrInvalidRange = fmt.Errorf("%w: end is before start", ErrInvalidInput)

	// ErrUnsupportedFormat is returned for an unknown export format.
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported format", ErrInvalidInput)

	// ErrForbidden is returned when an operation is disallowed by policy,
	// e.g. clearing metrics in production.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when no metric entry exists for a key.
	ErrNotFound = errors.New("not found")

	// ErrShuttingDown is returned once the engine stopped accepting work.
	ErrShuttingDown = errors.New("shutting down")
)
