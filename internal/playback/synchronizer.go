// Package playback translates a live audio position into ordered
// "word reached" events against a fixed word-timing sequence.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hilitelabs/narrate-core/internal/timing"
)

// ErrPositionUnavailable is surfaced after the position source fails
// MaxNullReads consecutive reads. A single failed read is treated as a
// transient underrun and skipped silently.
var ErrPositionUnavailable = errors.New("playback position unavailable")

var errNotIdle = errors.New("synchronizer already started")

const (
	// DefaultTickInterval tracks speech cadence closely without
	// meaningful CPU cost. Coarser than ~100ms lags visibly; finer
	// than ~30ms gains nothing perceptible.
	DefaultTickInterval = 50 * time.Millisecond
	DefaultMaxNullReads = 3
)

// PositionSource reports the live playback position in milliseconds.
// The second return is false when no position is available right now.
type PositionSource interface {
	PositionMs() (float64, bool)
}

type state int

const (
	stateIdle state = iota
	stateRunning
	statePaused
)

// Options parameterize a Synchronizer.
type Options struct {
	TickInterval time.Duration
	MaxNullReads int
}

// Synchronizer is a one-shot polling state machine bound to a single
// utterance. It is created per playback session and discarded with it;
// after Stop it cannot be started again.
//
// Callbacks run on the polling goroutine with the synchronizer's lock
// released; a callback may call Stop without deadlocking.
type Synchronizer struct {
	mu        sync.Mutex
	st        state
	spent     bool
	source    PositionSource
	timings   []timing.WordTiming
	nextIdx   int
	nullReads int
	// inCallback is true while the polling goroutine is inside a
	// callback; Stop must not wait for its own caller to return.
	inCallback bool
	onWord     func(timing.WordTiming)
	onError    func(error)

	interval     time.Duration
	maxNullReads int
	ticker       *time.Ticker
	stopCh       chan struct{}
	doneCh       chan struct{}
	log          *slog.Logger
}

func NewSynchronizer(opts Options, log *slog.Logger) *Synchronizer {
	interval := opts.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	maxNull := opts.MaxNullReads
	if maxNull <= 0 {
		maxNull = DefaultMaxNullReads
	}
	return &Synchronizer{
		interval:     interval,
		maxNullReads: maxNull,
		log:          log.With(slog.String("component", "playback-sync")),
	}
}

// Start begins polling source against timings. Timings must be in
// emission order (non-decreasing TimeMs, strictly increasing
// WordIndex). onWord receives at most one event per tick; onError is
// invoked once if position reads escalate past the retry threshold.
func (s *Synchronizer) Start(source PositionSource, timings []timing.WordTiming, onWord func(timing.WordTiming), onError func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st != stateIdle || s.spent {
		return errNotIdle
	}
	s.source = source
	s.timings = timings
	s.nextIdx = 0
	s.nullReads = 0
	s.onWord = onWord
	s.onError = onError
	s.st = stateRunning
	s.ticker = time.NewTicker(s.interval)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(s.ticker, s.stopCh, s.doneCh)
	return nil
}

func (s *Synchronizer) run(ticker *time.Ticker, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.step()
		}
	}
}

// step runs one poll cycle to completion: position read and
// eligibility scan under the lock, then at most one call-out with the
// lock released.
func (s *Synchronizer) step() {
	s.mu.Lock()
	if s.st != stateRunning {
		s.mu.Unlock()
		return
	}

	pos, ok := s.source.PositionMs()
	if !ok {
		s.nullReads++
		if s.nullReads < s.maxNullReads {
			s.mu.Unlock()
			return
		}
		s.log.Warn("position source failed repeatedly", slog.Int("reads", s.nullReads))
		s.haltLocked()
		onError := s.onError
		s.inCallback = true
		s.mu.Unlock()
		if onError != nil {
			onError(ErrPositionUnavailable)
		}
		s.exitCallback()
		return
	}
	s.nullReads = 0

	reached := timing.CountReached(s.timings, pos)
	if reached <= s.nextIdx {
		s.mu.Unlock()
		return
	}
	// After a forward jump only the most recently eligible word is
	// emitted; the highlight tracks the audio, it never replays
	// skipped words.
	wt := s.timings[reached-1]
	s.nextIdx = reached
	onWord := s.onWord
	s.inCallback = true
	s.mu.Unlock()
	if onWord != nil {
		onWord(wt)
	}
	s.exitCallback()
}

func (s *Synchronizer) exitCallback() {
	s.mu.Lock()
	s.inCallback = false
	s.mu.Unlock()
}

// Pause halts polling and retains emission progress.
func (s *Synchronizer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == stateRunning {
		s.st = statePaused
	}
}

// Resume continues polling. resumedOffsetMs is the position the source
// actually resumed from; when it lies before an already-emitted
// timing, emission progress is rewound so the words in between are not
// silently skipped.
func (s *Synchronizer) Resume(resumedOffsetMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st != statePaused {
		return
	}
	if reached := timing.CountReached(s.timings, resumedOffsetMs); reached < s.nextIdx {
		s.nextIdx = reached
	}
	s.st = stateRunning
}

// Stop disarms the timer, idles the state machine, and permanently
// spends the synchronizer. It is idempotent and waits for the polling
// goroutine to exit, except when invoked from a callback: waiting
// there would be waiting on the caller itself, so the in-flight
// callback is allowed to finish on its own.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.spent {
		s.mu.Unlock()
		return
	}
	s.haltLocked()
	doneCh := s.doneCh
	wait := !s.inCallback
	s.mu.Unlock()
	if wait && doneCh != nil {
		<-doneCh
	}
}

func (s *Synchronizer) haltLocked() {
	s.st = stateIdle
	s.spent = true
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}
}
