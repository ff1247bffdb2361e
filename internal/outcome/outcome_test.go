package outcome

import (
	"errors"
	"fmt"
	"testing"
)

var errSample = New(ClassProtocolViolation, "ReplayDetected", "replay detected")

func TestClassOfWrapped(t *testing.T) {
	err := fmt.Errorf("bridge b1: %w", errSample)
	if got := ClassOf(err); got != ClassProtocolViolation {
		t.Fatalf("ClassOf = %q, want %q", got, ClassProtocolViolation)
	}
	if got := CodeOf(err); got != "ReplayDetected" {
		t.Fatalf("CodeOf = %q", got)
	}
	if !errors.Is(err, errSample) {
		t.Fatalf("expected errors.Is to match sentinel")
	}
}

func TestWrapKeepsIdentity(t *testing.T) {
	cause := errors.New("nonce 4")
	err := Wrap(errSample, cause)
	if !errors.Is(err, errSample) {
		t.Fatalf("wrapped error lost sentinel identity")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("wrapped error lost cause")
	}
	if err.Error() != "replay detected: nonce 4" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestClassOfUnclassified(t *testing.T) {
	if ClassOf(nil) != ClassNone {
		t.Fatalf("nil should be unclassified")
	}
	if ClassOf(errors.New("x")) != ClassNone {
		t.Fatalf("plain error should be unclassified")
	}
	if !errors.Is(Configuration("bad %s", "ref"), New(ClassConfiguration, "ConfigurationError", "")) {
		t.Fatalf("configuration helper should match by code")
	}
}
