package daperr

import (
	"testing"

	"github.com/juju/errors"
)

func TestCodeOfUnwrapsDaperrError(t *testing.T) {
	err := New(DpWait, nil, "transfer timed out")
	if CodeOf(err) != DpWait {
		t.Errorf("CodeOf() = %v, want DpWait", CodeOf(err))
	}
}

func TestCodeOfUnwrapsThroughAnnotate(t *testing.T) {
	base := New(AlgorithmFailed, nil, "algorithm returned 3")
	wrapped := errors.Annotatef(base, "while programming page 2")
	if CodeOf(wrapped) != AlgorithmFailed {
		t.Errorf("CodeOf() = %v, want AlgorithmFailed", CodeOf(wrapped))
	}
}

func TestCodeOfUnknownForPlainError(t *testing.T) {
	if CodeOf(errors.New("boom")) != Unknown {
		t.Errorf("CodeOf() should default to Unknown for an untyped error")
	}
}

func TestWithValueCarriesValue(t *testing.T) {
	err := WithValue(VerifyMismatch, 0x20001000, nil, "mismatch")
	de, ok := err.(*Error)
	if !ok {
		t.Fatalf("WithValue did not return a *Error")
	}
	if de.Value != 0x20001000 {
		t.Errorf("Value = 0x%x, want 0x20001000", de.Value)
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := New(DpFault, errors.New("ack=FAULT"), "write failed")
	if got := err.Error(); got == "" {
		t.Fatalf("Error() returned empty string")
	}
}
