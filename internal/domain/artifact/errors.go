package artifact

import "errors"

var (
	// ErrNotFound is only used by transport adapters; a cache miss is a
	// normal result everywhere else.
	ErrNotFound = errors.New("artifact not found")

	ErrEncodingMismatch    = errors.New("encoding mismatch")
	ErrUnsupportedEncoding = errors.New("unsupported text encoding")
	ErrInvalidRecord       = errors.New("invalid artifact record")
	ErrStorageUnavailable  = errors.New("artifact storage unavailable")
	ErrPartialSweepFailure = errors.New("partial sweep failure")
)
