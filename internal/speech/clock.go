package speech

import (
	"errors"
	"sync"
	"time"
)

var errNotStarted = errors.New("playback not started")

// clockHandle derives the live playback position from wall time with
// pause accounting. Backends that hand audio to an external sink and
// get no position feedback use it as their playback clock.
type clockHandle struct {
	mu         sync.Mutex
	durationMs float64
	started    bool
	playing    bool
	startedAt  time.Time
	pausedAt   float64
	finished   bool
	done       chan struct{}
	timer      *time.Timer
	now        func() time.Time
}

func newClockHandle(durationMs float64) *clockHandle {
	return &clockHandle{
		durationMs: durationMs,
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

func (h *clockHandle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return errors.New("playback already finished")
	}
	if h.started {
		return errors.New("playback already started")
	}
	h.started = true
	h.playing = true
	h.startedAt = h.now()
	h.armTimerLocked(h.durationMs)
	return nil
}

func (h *clockHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return errNotStarted
	}
	if !h.playing {
		return nil
	}
	h.pausedAt = h.positionLocked()
	h.playing = false
	if h.timer != nil {
		h.timer.Stop()
	}
	return nil
}

func (h *clockHandle) Resume() (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return 0, errNotStarted
	}
	if h.finished {
		return h.durationMs, nil
	}
	if h.playing {
		return h.positionLocked(), nil
	}
	h.playing = true
	h.startedAt = h.now().Add(-time.Duration(h.pausedAt * float64(time.Millisecond)))
	h.armTimerLocked(h.durationMs - h.pausedAt)
	return h.pausedAt, nil
}

func (h *clockHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finishLocked()
	return nil
}

func (h *clockHandle) PositionMs() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return 0, true
	}
	return h.positionLocked(), true
}

func (h *clockHandle) DurationMs() (float64, bool) {
	return h.durationMs, true
}

func (h *clockHandle) Done() <-chan struct{} { return h.done }

func (h *clockHandle) positionLocked() float64 {
	if h.finished {
		return h.durationMs
	}
	if !h.playing {
		return h.pausedAt
	}
	pos := float64(h.now().Sub(h.startedAt)) / float64(time.Millisecond)
	if pos > h.durationMs {
		pos = h.durationMs
	}
	return pos
}

func (h *clockHandle) armTimerLocked(remainingMs float64) {
	if h.timer != nil {
		h.timer.Stop()
	}
	if remainingMs < 0 {
		remainingMs = 0
	}
	h.timer = time.AfterFunc(time.Duration(remainingMs*float64(time.Millisecond)), func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.finishLocked()
	})
}

func (h *clockHandle) finishLocked() {
	if h.finished {
		return
	}
	h.finished = true
	h.playing = false
	if h.timer != nil {
		h.timer.Stop()
	}
	close(h.done)
}
