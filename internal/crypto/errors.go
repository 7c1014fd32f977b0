package crypto

import "errors"

// Failure modes from spec.md §4.1. TIMING_FAILURE has no Go error value:
// it is a fuzz-detected invariant (constant-time variance), not a
// runtime condition any caller branches on.
var (
	ErrInvalidKey     = errors.New("crypto: malformed key bytes")
	ErrDecapsFailure  = errors.New("crypto: decapsulation failed")
)
