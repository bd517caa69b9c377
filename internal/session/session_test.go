package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hilitelabs/narrate-core/internal/speech"
	"github.com/hilitelabs/narrate-core/internal/surface"
	"github.com/hilitelabs/narrate-core/internal/timing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOptions() Options {
	return Options{
		TargetWPM:    150,
		TickInterval: 5 * time.Millisecond,
		MaxNullReads: 3,
		SynthTimeout: time.Second,
	}
}

// fakeHandle lets tests script the playback position by hand.
type fakeHandle struct {
	mu       sync.Mutex
	pos      float64
	posOK    bool
	dur      float64
	resumeAt float64
	paused   bool
	stopped  bool
	done     chan struct{}
}

func newFakeHandle(durationMs float64) *fakeHandle {
	return &fakeHandle{posOK: true, dur: durationMs, done: make(chan struct{})}
}

func (h *fakeHandle) setPos(pos float64, ok bool) {
	h.mu.Lock()
	h.pos, h.posOK = pos, ok
	h.mu.Unlock()
}

func (h *fakeHandle) Play() error  { return nil }
func (h *fakeHandle) Pause() error { h.mu.Lock(); h.paused = true; h.mu.Unlock(); return nil }
func (h *fakeHandle) Resume() (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = false
	return h.resumeAt, nil
}
func (h *fakeHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stopped {
		h.stopped = true
		close(h.done)
	}
	return nil
}
func (h *fakeHandle) PositionMs() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos, h.posOK
}
func (h *fakeHandle) DurationMs() (float64, bool) { return h.dur, true }
func (h *fakeHandle) Done() <-chan struct{}       { return h.done }

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type fakeProvider struct {
	caps   speech.Capabilities
	marks  []timing.SpeechMark
	handle *fakeHandle
	err    error
	delay  time.Duration
}

func (p *fakeProvider) Capabilities() speech.Capabilities { return p.caps }

func (p *fakeProvider) Synthesize(ctx context.Context, req speech.Request) (speech.Synthesis, error) {
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return speech.Synthesis{}, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	if p.err != nil {
		return speech.Synthesis{}, p.err
	}
	return speech.Synthesis{Handle: p.handle, Marks: p.marks}, nil
}

func fullCaps() speech.Capabilities {
	return speech.Capabilities{
		CanPause:           true,
		CanResume:          true,
		ProvidesWordTiming: true,
		ProvidesPosition:   true,
		ProvidesDuration:   true,
	}
}

// recordingHighlighter captures highlight and clear calls.
type recordingHighlighter struct {
	mu         sync.Mutex
	highlights [][]surface.Region
	clears     int
}

func (r *recordingHighlighter) Highlight(regions []surface.Region) {
	r.mu.Lock()
	r.highlights = append(r.highlights, regions)
	r.mu.Unlock()
}

func (r *recordingHighlighter) Clear() {
	r.mu.Lock()
	r.clears++
	r.mu.Unlock()
}

func (r *recordingHighlighter) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.highlights), r.clears
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func helloWorldMarks() []timing.SpeechMark {
	return []timing.SpeechMark{
		{TimeMs: 0, Kind: "word", StartOffset: 0, EndOffset: 5, Text: "Hello"},
		{TimeMs: 340, Kind: "word", StartOffset: 6, EndOffset: 11, Text: "world"},
	}
}

func TestSpeakHighlightsWordsInOrder(t *testing.T) {
	handle := newFakeHandle(800)
	provider := &fakeProvider{caps: fullCaps(), marks: helloWorldMarks(), handle: handle}
	m := NewManager(provider, nil, testOptions(), newLogger())
	hl := &recordingHighlighter{}

	sess, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello world"), hl, "en-US")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	t.Cleanup(sess.Stop)

	if sess.Estimated() {
		t.Fatal("expected authoritative timings from marks")
	}

	waitFor(t, "first word highlight", func() bool { n, _ := hl.counts(); return n >= 1 })
	handle.setPos(340, true)
	waitFor(t, "second word highlight", func() bool { n, _ := hl.counts(); return n >= 2 })

	hl.mu.Lock()
	defer hl.mu.Unlock()
	first := hl.highlights[0]
	if len(first) != 1 {
		t.Fatalf("expected 1 region for first word, got %+v", first)
	}
	if got := first[0].Fragment.Text()[first[0].Start:first[0].End]; got != "Hello" {
		t.Fatalf("first highlight = %q, want %q", got, "Hello")
	}
	second := hl.highlights[1]
	if got := second[0].Fragment.Text()[second[0].Start:second[0].End]; got != "world" {
		t.Fatalf("second highlight = %q, want %q", got, "world")
	}
}

func TestStaleSurfaceClearsAndSuppresses(t *testing.T) {
	frag := &surface.TextFragment{FragID: "f0", Content: "Hello world again"}
	src := surface.NewStaticSource(frag)

	marks := []timing.SpeechMark{
		{TimeMs: 0, Kind: "word", StartOffset: 0, EndOffset: 5, Text: "Hello"},
		{TimeMs: 400, Kind: "word", StartOffset: 6, EndOffset: 11, Text: "world"},
		{TimeMs: 800, Kind: "word", StartOffset: 12, EndOffset: 17, Text: "again"},
	}
	handle := newFakeHandle(1200)
	provider := &fakeProvider{caps: fullCaps(), marks: marks, handle: handle}
	m := NewManager(provider, nil, testOptions(), newLogger())
	hl := &recordingHighlighter{}

	sess, err := m.Speak(context.Background(), "s1", src, hl, "en-US")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	t.Cleanup(sess.Stop)

	waitFor(t, "first word highlight", func() bool { n, _ := hl.counts(); return n >= 1 })

	// The surface restructures mid-utterance.
	frag.Content = "completely different content"
	handle.setPos(400, true)

	waitFor(t, "clear instruction", func() bool { _, c := hl.counts(); return c >= 1 })

	// Later words must not attempt highlights; audio keeps playing.
	handle.setPos(800, true)
	time.Sleep(50 * time.Millisecond)
	n, _ := hl.counts()
	if n != 1 {
		t.Fatalf("expected highlighting suppressed after staleness, got %d highlights", n)
	}
	if sess.State() != StatePlaying {
		t.Fatalf("expected audio to continue, state = %s", sess.State())
	}
	if handle.isStopped() {
		t.Fatal("expected audio handle untouched by staleness")
	}
}

func TestEstimationFallbackWhenNoMarks(t *testing.T) {
	caps := fullCaps()
	caps.ProvidesWordTiming = false
	handle := newFakeHandle(2000)
	provider := &fakeProvider{caps: caps, handle: handle}
	m := NewManager(provider, nil, testOptions(), newLogger())
	hl := &recordingHighlighter{}

	sess, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello world"), hl, "en-US")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	t.Cleanup(sess.Stop)

	if !sess.Estimated() {
		t.Fatal("expected estimation fallback")
	}
	// Estimated timings still drive highlights.
	waitFor(t, "estimated word highlight", func() bool { n, _ := hl.counts(); return n >= 1 })
}

func TestNoPositionMeansNoHighlighting(t *testing.T) {
	caps := fullCaps()
	caps.ProvidesPosition = false
	caps.ProvidesDuration = false
	handle := newFakeHandle(1000)
	provider := &fakeProvider{caps: caps, marks: helloWorldMarks(), handle: handle}
	m := NewManager(provider, nil, testOptions(), newLogger())
	hl := &recordingHighlighter{}

	sess, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello world"), hl, "en-US")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	t.Cleanup(sess.Stop)

	handle.setPos(340, true)
	time.Sleep(50 * time.Millisecond)
	if n, _ := hl.counts(); n != 0 {
		t.Fatalf("expected no highlights without a position source, got %d", n)
	}
	if _, ok := sess.Progress(); ok {
		t.Fatal("expected no progress without position capability")
	}
}

func TestSynthesisFailure(t *testing.T) {
	provider := &fakeProvider{caps: fullCaps(), err: errors.New("backend rejected request")}
	m := NewManager(provider, nil, testOptions(), newLogger())

	_, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello"), &recordingHighlighter{}, "en-US")
	if !errors.Is(err, ErrSynthesisFailure) {
		t.Fatalf("expected ErrSynthesisFailure, got %v", err)
	}
}

func TestSynthesisTimeout(t *testing.T) {
	handle := newFakeHandle(1000)
	provider := &fakeProvider{caps: fullCaps(), handle: handle, delay: time.Hour}
	opts := testOptions()
	opts.SynthTimeout = 10 * time.Millisecond
	m := NewManager(provider, nil, opts, newLogger())

	_, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello"), &recordingHighlighter{}, "en-US")
	if !errors.Is(err, ErrSynthesisFailure) {
		t.Fatalf("expected ErrSynthesisFailure on timeout, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	handle := newFakeHandle(1000)
	provider := &fakeProvider{caps: fullCaps(), marks: helloWorldMarks(), handle: handle}
	m := NewManager(provider, nil, testOptions(), newLogger())

	sess, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello world"), &recordingHighlighter{}, "en-US")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}

	var mu sync.Mutex
	var transitions []State
	sess.Notify(func(ev Event) {
		if ev.Type == EventStateChanged {
			mu.Lock()
			transitions = append(transitions, ev.State)
			mu.Unlock()
		}
	})

	sess.Stop()
	sess.Stop()

	mu.Lock()
	defer mu.Unlock()
	ended := 0
	for _, st := range transitions {
		if st == StateEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Fatalf("expected exactly one terminal transition, got %v", transitions)
	}
	if !handle.isStopped() {
		t.Fatal("expected audio handle stopped")
	}
}

func TestPauseResume(t *testing.T) {
	handle := newFakeHandle(1000)
	handle.resumeAt = 0 // provider restarts from the top on resume
	provider := &fakeProvider{caps: fullCaps(), marks: helloWorldMarks(), handle: handle}
	m := NewManager(provider, nil, testOptions(), newLogger())
	hl := &recordingHighlighter{}

	sess, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello world"), hl, "en-US")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	t.Cleanup(sess.Stop)

	// Let word 0 land at position 0 before advancing; jumping straight
	// to 340 would emit only the latest eligible word.
	waitFor(t, "first word highlight", func() bool { n, _ := hl.counts(); return n >= 1 })
	handle.setPos(340, true)
	waitFor(t, "both words highlighted", func() bool { n, _ := hl.counts(); return n >= 2 })

	if err := sess.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if sess.State() != StatePaused {
		t.Fatalf("expected paused state, got %s", sess.State())
	}
	handle.mu.Lock()
	paused := handle.paused
	handle.mu.Unlock()
	if !paused {
		t.Fatal("expected provider paused")
	}

	// Resume restarts from 0: emission progress rewinds so the second
	// word is highlighted again when playback re-reaches it.
	handle.setPos(0, true)
	if err := sess.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sess.State() != StatePlaying {
		t.Fatalf("expected playing after resume, got %s", sess.State())
	}
	handle.setPos(340, true)
	waitFor(t, "word re-highlighted after rewind", func() bool { n, _ := hl.counts(); return n >= 3 })
}

func TestPauseUnsupported(t *testing.T) {
	caps := fullCaps()
	caps.CanPause = false
	handle := newFakeHandle(1000)
	provider := &fakeProvider{caps: caps, marks: helloWorldMarks(), handle: handle}
	m := NewManager(provider, nil, testOptions(), newLogger())

	sess, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello world"), &recordingHighlighter{}, "en-US")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	t.Cleanup(sess.Stop)

	if err := sess.Pause(); !errors.Is(err, ErrPauseUnsupported) {
		t.Fatalf("expected ErrPauseUnsupported, got %v", err)
	}
}

func TestNewUtteranceStopsPrior(t *testing.T) {
	handle1 := newFakeHandle(1000)
	provider := &fakeProvider{caps: fullCaps(), marks: helloWorldMarks(), handle: handle1}
	m := NewManager(provider, nil, testOptions(), newLogger())

	first, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello world"), &recordingHighlighter{}, "en-US")
	if err != nil {
		t.Fatalf("first speak: %v", err)
	}

	handle2 := newFakeHandle(1000)
	provider.handle = handle2
	second, err := m.Speak(context.Background(), "s2", surface.NewTextSource("Hello world"), &recordingHighlighter{}, "en-US")
	if err != nil {
		t.Fatalf("second speak: %v", err)
	}
	t.Cleanup(second.Stop)

	if first.State() != StateEnded {
		t.Fatalf("expected prior session ended, got %s", first.State())
	}
	if !handle1.isStopped() {
		t.Fatal("expected prior audio handle stopped")
	}
	if m.Current() != second {
		t.Fatal("expected second session current")
	}
}

func TestRepeatedNullPositionDegrades(t *testing.T) {
	handle := newFakeHandle(1000)
	handle.setPos(0, false)
	provider := &fakeProvider{caps: fullCaps(), marks: helloWorldMarks(), handle: handle}
	// A slow tick keeps escalation comfortably after the error
	// subscription below is registered.
	opts := testOptions()
	opts.TickInterval = 50 * time.Millisecond
	m := NewManager(provider, nil, opts, newLogger())

	sess, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello world"), &recordingHighlighter{}, "en-US")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	t.Cleanup(sess.Stop)

	errCh := make(chan error, 1)
	sess.OnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPlaybackDegraded) {
			t.Fatalf("expected ErrPlaybackDegraded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected degradation after repeated null reads")
	}

	if sess.State() != StateError {
		t.Fatalf("expected error state, got %s", sess.State())
	}
	// Audio continues even though highlighting is lost.
	if handle.isStopped() {
		t.Fatal("expected audio handle still playing")
	}
}

func TestStopAfterDegradationStopsAudio(t *testing.T) {
	handle := newFakeHandle(1000)
	handle.setPos(0, false)
	provider := &fakeProvider{caps: fullCaps(), marks: helloWorldMarks(), handle: handle}
	m := NewManager(provider, nil, testOptions(), newLogger())

	sess, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello world"), &recordingHighlighter{}, "en-US")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}

	waitFor(t, "degraded state", func() bool { return sess.State() == StateError })

	// The error state is terminal for highlighting, not for audio: the
	// host must still be able to silence a degraded session.
	sess.Stop()
	if !handle.isStopped() {
		t.Fatal("expected audio handle stopped")
	}
	select {
	case <-handle.Done():
	default:
		t.Fatal("expected done signal after stop")
	}
	sess.Stop() // idempotent from the error state too

	// And a new utterance must silence a degraded prior session.
	handle2 := newFakeHandle(1000)
	handle2.setPos(0, false)
	provider.handle = handle2
	second, err := m.Speak(context.Background(), "s2", surface.NewTextSource("Hello world"), &recordingHighlighter{}, "en-US")
	if err != nil {
		t.Fatalf("second speak: %v", err)
	}
	waitFor(t, "second session degraded", func() bool { return second.State() == StateError })

	handle3 := newFakeHandle(1000)
	provider.handle = handle3
	third, err := m.Speak(context.Background(), "s3", surface.NewTextSource("Hello world"), &recordingHighlighter{}, "en-US")
	if err != nil {
		t.Fatalf("third speak: %v", err)
	}
	t.Cleanup(third.Stop)
	if !handle2.isStopped() {
		t.Fatal("expected degraded prior session's audio stopped by new utterance")
	}
}

func TestSpeakObserverSeesInitialState(t *testing.T) {
	handle := newFakeHandle(1000)
	provider := &fakeProvider{caps: fullCaps(), marks: helloWorldMarks(), handle: handle}
	m := NewManager(provider, nil, testOptions(), newLogger())

	var mu sync.Mutex
	var events []Event
	sess, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello world"), &recordingHighlighter{}, "en-US",
		func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	t.Cleanup(sess.Stop)

	// The observer is subscribed before playback starts, so the initial
	// transition emitted during startup is not lost.
	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("expected events before Speak returned")
	}
	first := events[0]
	if first.Type != EventStateChanged || first.State != StatePlaying {
		t.Fatalf("expected initial playing transition, got %+v", first)
	}
}

func TestSpeakObserverSeesEstimationFallback(t *testing.T) {
	caps := fullCaps()
	caps.ProvidesWordTiming = false
	handle := newFakeHandle(2000)
	provider := &fakeProvider{caps: caps, handle: handle}
	m := NewManager(provider, nil, testOptions(), newLogger())

	var mu sync.Mutex
	sawFallback := false
	sess, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello world"), &recordingHighlighter{}, "en-US",
		func(ev Event) {
			if ev.Type == EventEstimationFallback {
				mu.Lock()
				sawFallback = true
				mu.Unlock()
			}
		})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	t.Cleanup(sess.Stop)

	mu.Lock()
	defer mu.Unlock()
	if !sawFallback {
		t.Fatal("expected estimation fallback event delivered to observer")
	}
}

func TestProgress(t *testing.T) {
	handle := newFakeHandle(1000)
	provider := &fakeProvider{caps: fullCaps(), marks: helloWorldMarks(), handle: handle}
	m := NewManager(provider, nil, testOptions(), newLogger())

	sess, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello world"), &recordingHighlighter{}, "en-US")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	t.Cleanup(sess.Stop)

	handle.setPos(500, true)
	p, ok := sess.Progress()
	if !ok || p != 0.5 {
		t.Fatalf("expected progress 0.5, got %v ok=%v", p, ok)
	}
}

func TestCompletionOnEndedSignal(t *testing.T) {
	handle := newFakeHandle(1000)
	provider := &fakeProvider{caps: fullCaps(), marks: helloWorldMarks(), handle: handle}
	m := NewManager(provider, nil, testOptions(), newLogger())

	sess, err := m.Speak(context.Background(), "s1", surface.NewTextSource("Hello world"), &recordingHighlighter{}, "en-US")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}

	_ = handle.Stop() // the source's own ended signal
	waitFor(t, "session completion", func() bool { return sess.State() == StateEnded })
}

func TestSpeakEmptySurface(t *testing.T) {
	provider := &fakeProvider{caps: fullCaps(), handle: newFakeHandle(0)}
	m := NewManager(provider, nil, testOptions(), newLogger())

	_, err := m.Speak(context.Background(), "s1", surface.NewTextSource("   "), &recordingHighlighter{}, "en-US")
	if !errors.Is(err, ErrNothingToSpeak) {
		t.Fatalf("expected ErrNothingToSpeak, got %v", err)
	}
}
