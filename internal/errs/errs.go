// Package errs implements the error taxonomy of spec.md §7: a small set
// of classifiable error kinds that every other package wraps its
// failures in, so the CLI boundary (cmd/tallow) can map any surfaced
// error to the correct process exit code without needing to know which
// package produced it.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure per spec.md §7's taxonomy.
type Kind int

const (
	// KindValidation covers malformed input the caller supplied:
	// bad room codes, oversize files, malformed config. Never retried.
	KindValidation Kind = iota

	// KindAuthentication covers PAKE mismatch and signature failures.
	// The session is aborted; the failure counts toward lockout.
	KindAuthentication

	// KindCryptoIntegrity covers AEAD tag and Merkle mismatches. The
	// failing chunk is not re-requested; the error propagates at once.
	KindCryptoIntegrity

	// KindTransport covers connection reset and channel closure.
	// Recoverable via automatic pause + reconnect with backoff.
	KindTransport

	// KindTimeout covers ICE/TURN/handshake/idle timeouts.
	KindTimeout

	// KindStorage covers persistence write failures. Returned at once,
	// with no retry.
	KindStorage

	// KindUserCancel is the explicit CANCELLED terminal state.
	KindUserCancel
)

// String returns a human-readable name for a Kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindCryptoIntegrity:
		return "crypto_integrity"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindStorage:
		return "storage"
	case KindUserCancel:
		return "user_cancel"
	default:
		return "unknown"
	}
}

// Error is a classified, wrapped error that crosses a package boundary.
// Nothing about the wrapped error's message is assumed safe for a
// sensitive-mode log line; callers follow spec.md §7's rule that error
// messages never include key bytes, plaintext, passwords, or raw
// addresses when running in privacy mode.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Validation builds a KindValidation error.
func Validation(format string, args ...any) error { return wrap(KindValidation, format, args...) }

// Authentication builds a KindAuthentication error.
func Authentication(format string, args ...any) error {
	return wrap(KindAuthentication, format, args...)
}

// CryptoIntegrity builds a KindCryptoIntegrity error.
func CryptoIntegrity(format string, args ...any) error {
	return wrap(KindCryptoIntegrity, format, args...)
}

// Transport builds a KindTransport error.
func Transport(format string, args ...any) error { return wrap(KindTransport, format, args...) }

// Timeout builds a KindTimeout error.
func Timeout(format string, args ...any) error { return wrap(KindTimeout, format, args...) }

// Storage builds a KindStorage error.
func Storage(format string, args ...any) error { return wrap(KindStorage, format, args...) }

// UserCancel builds a KindUserCancel error.
func UserCancel(format string, args ...any) error { return wrap(KindUserCancel, format, args...) }

// As reports whether err (or something it wraps) is an *Error, per
// errors.As semantics.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Process exit codes per spec.md §6: 0 success, 1 user error, 2
// transport failure, 3 authentication failure.
const (
	ExitSuccess          = 0
	ExitUserError        = 1
	ExitTransportFailure = 2
	ExitAuthFailure      = 3
)

// ExitCode maps err to the CLI process exit code spec.md §6 specifies.
// Any error kind with no direct mapping (storage, integrity, timeout,
// cancel) surfaces as a generic transport/user error depending on
// whether it originated from user input or from the network.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	e, ok := As(err)
	if !ok {
		return ExitUserError
	}
	switch e.Kind {
	case KindValidation:
		return ExitUserError
	case KindAuthentication:
		return ExitAuthFailure
	case KindTransport, KindTimeout, KindCryptoIntegrity, KindStorage:
		return ExitTransportFailure
	case KindUserCancel:
		return ExitUserError
	default:
		return ExitUserError
	}
}
