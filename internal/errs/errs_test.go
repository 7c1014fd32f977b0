package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitSuccess},
		{"validation", Validation("bad room code"), ExitUserError},
		{"authentication", Authentication("pake mismatch"), ExitAuthFailure},
		{"transport", Transport("connection reset"), ExitTransportFailure},
		{"timeout", Timeout("ice gathering"), ExitTransportFailure},
		{"crypto integrity", CryptoIntegrity("tag mismatch"), ExitTransportFailure},
		{"storage", Storage("write failed"), ExitTransportFailure},
		{"user cancel", UserCancel("cancelled"), ExitUserError},
		{"unclassified", errors.New("boom"), ExitUserError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("inner failure")
	wrapped := fmt.Errorf("outer: %w", CryptoIntegrity("tag mismatch: %w", inner))

	if !errors.Is(wrapped, inner) {
		t.Fatalf("expected errors.Is to find inner error through the chain")
	}

	e, ok := As(wrapped)
	if !ok {
		t.Fatalf("expected As to find an *Error in the chain")
	}
	if e.Kind != KindCryptoIntegrity {
		t.Errorf("Kind = %v, want KindCryptoIntegrity", e.Kind)
	}
}

func TestKindString(t *testing.T) {
	if KindValidation.String() != "validation" {
		t.Errorf("unexpected Kind.String() for KindValidation")
	}
	if Kind(99).String() != "unknown" {
		t.Errorf("unexpected Kind.String() for unknown kind")
	}
}
