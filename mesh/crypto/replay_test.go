package crypto

import "testing"

func accept(t *testing.T, w *Window, counter uint64) {
	t.Helper()
	if err := w.Check(counter); err != nil {
		t.Fatalf("Check(%d): %v", counter, err)
	}
	w.Accept(counter)
}

func TestWindowRejectsZeroCounter(t *testing.T) {
	w := NewWindow(128)
	if err := w.Check(0); err == nil {
		t.Fatalf("counter 0 must never be accepted")
	}
}

func TestWindowRejectsDuplicate(t *testing.T) {
	w := NewWindow(128)
	accept(t, w, 1)
	accept(t, w, 2)
	if err := w.Check(1); err == nil {
		t.Fatalf("duplicate counter accepted")
	}
	if err := w.Check(2); err == nil {
		t.Fatalf("duplicate counter accepted")
	}
}

func TestWindowAcceptsLateUnseen(t *testing.T) {
	w := NewWindow(128)
	accept(t, w, 100)
	// Late but inside the window and never seen.
	accept(t, w, 50)
	if err := w.Check(50); err == nil {
		t.Fatalf("late counter accepted twice")
	}
}

func TestWindowFloor(t *testing.T) {
	w := NewWindow(128)
	accept(t, w, 1000)
	if err := w.Check(1000 - w.size); err == nil {
		t.Fatalf("counter at the floor accepted")
	}
	if err := w.Check(1000 - w.size + 1); err != nil {
		t.Fatalf("counter just above the floor rejected: %v", err)
	}
}

func TestWindowLargeJumpClearsState(t *testing.T) {
	w := NewWindow(128)
	for c := uint64(1); c <= 64; c++ {
		accept(t, w, c)
	}
	// Jump far ahead; everything before the new floor must be rejected,
	// counters inside the new window must be clean.
	accept(t, w, 1_000_000)
	if err := w.Check(64); err == nil {
		t.Fatalf("pre-jump counter accepted after large jump")
	}
	accept(t, w, 1_000_000-1)
}

func TestWindowCheckDoesNotMutate(t *testing.T) {
	w := NewWindow(128)
	accept(t, w, 10)
	for i := 0; i < 3; i++ {
		if err := w.Check(11); err != nil {
			t.Fatalf("repeated Check rejected fresh counter: %v", err)
		}
	}
	if w.Latest() != 10 {
		t.Fatalf("Check advanced the window")
	}
}

func TestWindowMinimumSize(t *testing.T) {
	w := NewWindow(1)
	if w.size < MinReplayWindow {
		t.Fatalf("window size %d below minimum", w.size)
	}
}
