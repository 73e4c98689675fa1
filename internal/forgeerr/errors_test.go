package forgeerr

import "testing"

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrTimeout, "command %v exceeded %s", []string{"ruff"}, "30s")
	if !Is(err, ErrTimeout) {
		t.Errorf("expected wrapped error to match ErrTimeout, got %v", err)
	}
	if Is(err, ErrGateViolation) {
		t.Error("expected wrapped error not to match an unrelated sentinel")
	}
}

func TestWrapFormatsMessage(t *testing.T) {
	err := Wrap(ErrUnknownEntity, "build %s", "abc-123")
	want := "build abc-123: unknown entity"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
