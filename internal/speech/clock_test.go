package speech

import (
	"testing"
	"time"
)

func TestClockHandlePositionTracksPauses(t *testing.T) {
	h := newClockHandle(10000)

	now := time.Unix(0, 0)
	h.now = func() time.Time { return now }

	if pos, ok := h.PositionMs(); !ok || pos != 0 {
		t.Fatalf("expected position 0 before play, got %v ok=%v", pos, ok)
	}
	if err := h.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}

	now = now.Add(500 * time.Millisecond)
	if pos, _ := h.PositionMs(); pos != 500 {
		t.Fatalf("expected position 500, got %v", pos)
	}

	if err := h.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	now = now.Add(2 * time.Second)
	if pos, _ := h.PositionMs(); pos != 500 {
		t.Fatalf("expected paused position 500, got %v", pos)
	}

	resumed, err := h.Resume()
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed != 500 {
		t.Fatalf("expected resumed offset 500, got %v", resumed)
	}
	now = now.Add(250 * time.Millisecond)
	if pos, _ := h.PositionMs(); pos != 750 {
		t.Fatalf("expected position 750 after resume, got %v", pos)
	}
}

func TestClockHandleStopClosesDone(t *testing.T) {
	h := newClockHandle(60000)
	if err := h.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("expected done channel closed after stop")
	}
	// Stop is idempotent.
	if err := h.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if pos, ok := h.PositionMs(); !ok || pos != 60000 {
		t.Fatalf("expected stopped position at duration, got %v ok=%v", pos, ok)
	}
}

func TestClockHandleNaturalEnd(t *testing.T) {
	h := newClockHandle(10)
	if err := h.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected playback to end naturally")
	}
}
