package mediaerr

import (
	"errors"
	"testing"
)

func TestNewWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("short read")
	err := New(KindIO, "short_read", cause)

	if err.Kind != KindIO {
		t.Fatalf("Kind = %v, want KindIO", err.Kind)
	}
	if err.Code != "short_read" {
		t.Fatalf("Code = %q, want short_read", err.Code)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
	if err.Offset != -1 || err.Sample != -1 {
		t.Fatalf("Offset/Sample = %d/%d, want -1/-1", err.Offset, err.Sample)
	}
}

func TestAtAndAtSampleReturnCopies(t *testing.T) {
	base := Newf(KindFormat, "bad_box", "invalid box size %d", 7)
	positioned := base.At(128).AtSample(42)

	if base.Offset != -1 || base.Sample != -1 {
		t.Fatalf("base mutated: offset=%d sample=%d", base.Offset, base.Sample)
	}
	if positioned.Offset != 128 || positioned.Sample != 42 {
		t.Fatalf("positioned offset/sample = %d/%d, want 128/42", positioned.Offset, positioned.Sample)
	}
}

func TestIsMatchesOnKindAndCode(t *testing.T) {
	a := New(KindLogic, "invalid_state", nil)
	b := New(KindLogic, "invalid_state", errors.New("different cause"))
	c := New(KindIO, "invalid_state", nil)

	if !a.Is(b) {
		t.Fatalf("expected Is to match on Kind+Code regardless of cause")
	}
	if a.Is(c) {
		t.Fatalf("expected Is to reject a different Kind")
	}
	if !errors.Is(ErrInvalidState, &Error{Kind: KindLogic, Code: "invalid_state"}) {
		t.Fatalf("ErrInvalidState should satisfy Is() against its own Kind+Code")
	}
}

func TestResetErrorCallsImplementer(t *testing.T) {
	r := &resettable{}
	ResetError(r)
	if !r.called {
		t.Fatalf("expected ResetError to invoke ResetErrorer.ResetError")
	}

	// Calling on a value that doesn't implement ResetErrorer must be a no-op,
	// not a panic.
	ResetError(struct{}{})
}

type resettable struct{ called bool }

func (r *resettable) ResetError() { r.called = true }
