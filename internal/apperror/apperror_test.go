package apperror

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", New(Validation, "missing owner"), Validation},
		{"wrapped cause", Wrap(TransientInfra, "timeout", errors.New("i/o timeout")), TransientInfra},
		{"fmt-wrapped classified", fmt.Errorf("outer: %w", New(Canceled, "stopped")), Canceled},
		{"unclassified", errors.New("plain"), InternalPanic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransient(t *testing.T) {
	if !Transient(Wrap(TransientInfra, "rate limited", errors.New("429"))) {
		t.Fatal("transient error not recognized")
	}
	if Transient(New(Validation, "bad input")) {
		t.Fatal("validation error reported as transient")
	}
	if Transient(errors.New("plain")) {
		t.Fatal("unclassified error reported as transient")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(TransientInfra, "model call failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause not reachable via errors.Is")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(DataIntegrity, "owner mismatch")); got != "DATA_INTEGRITY" {
		t.Fatalf("CodeOf() = %q, want DATA_INTEGRITY", got)
	}
	if got := CodeOf(errors.New("plain")); got != "INTERNAL_PANIC" {
		t.Fatalf("CodeOf(unclassified) = %q, want INTERNAL_PANIC", got)
	}
}
