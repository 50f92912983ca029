package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestSentinelErrorsCarryPrefix(t *testing.T) {
	sentinels := map[string]error{
		"ErrServiceRequired":     ErrServiceRequired,
		"ErrTransportRequired":   ErrTransportRequired,
		"ErrNoCapabilities":      ErrNoCapabilities,
		"ErrProcessorNotFound":   ErrProcessorNotFound,
		"ErrMessageTypeRequired": ErrMessageTypeRequired,
		"ErrLockerRequired":      ErrLockerRequired,
	}

	for name, err := range sentinels {
		t.Run(name, func(t *testing.T) {
			if !strings.HasPrefix(err.Error(), "busflow: ") {
				t.Errorf("%s = %q, want busflow prefix", name, err.Error())
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("must be positive")

	err := ConfigValidationError{Field: "processing.max_concurrent_calls", Err: inner}
	if got, want := err.Error(), "busflow: invalid configuration processing.max_concurrent_calls: must be positive"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, inner) {
		t.Fatal("expected ConfigValidationError to unwrap to the inner error")
	}

	anonymous := ConfigValidationError{Err: inner}
	if got := anonymous.Error(); got != "busflow: invalid configuration: must be positive" {
		t.Fatalf("unexpected message without field: %q", got)
	}
}
