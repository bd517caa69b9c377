// Package session orchestrates one narration utterance: synthesis,
// word timing, content position mapping, and playback-synchronized
// highlight events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hilitelabs/narrate-core/internal/config"
	"github.com/hilitelabs/narrate-core/internal/journal"
	"github.com/hilitelabs/narrate-core/internal/playback"
	"github.com/hilitelabs/narrate-core/internal/speech"
	"github.com/hilitelabs/narrate-core/internal/surface"
	"github.com/hilitelabs/narrate-core/internal/timing"
)

var (
	// ErrSynthesisFailure is fatal for the utterance; playback never starts.
	ErrSynthesisFailure = errors.New("speech synthesis failed")
	// ErrPlaybackDegraded marks repeated position loss; highlighting
	// stops while audio continues where physically possible.
	ErrPlaybackDegraded = errors.New("playback degraded: position lost")

	ErrPauseUnsupported  = errors.New("provider cannot pause")
	ErrResumeUnsupported = errors.New("provider cannot resume")
	ErrNothingToSpeak    = errors.New("surface has no spoken text")
)

// State of a narration session.
type State string

const (
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
	StateError   State = "error"
)

// EventType enumerates the session's subscribable events.
type EventType string

const (
	// EventWordReached carries the coordinates of the word being spoken.
	EventWordReached EventType = "word_reached"
	// EventHighlightCleared instructs the consumer to remove any
	// highlight; no further highlight events follow for the utterance.
	EventHighlightCleared EventType = "highlight_cleared"
	EventStateChanged     EventType = "state_changed"
	// EventEstimationFallback signals estimated rather than
	// authoritative timings are in use. Informational, not an error.
	EventEstimationFallback EventType = "estimation_fallback"
)

// Event is one entry of the session's event stream.
type Event struct {
	SessionID  string
	Type       EventType
	State      State
	WordIndex  int
	CharOffset int
	Length     int
	Regions    []surface.Region
}

// Options parameterize sessions created by a Manager.
type Options struct {
	TargetWPM    int
	TickInterval time.Duration
	MaxNullReads int
	SynthTimeout time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		TargetWPM:    cfg.Timing.TargetWPM,
		TickInterval: time.Duration(cfg.Sync.TickIntervalMS) * time.Millisecond,
		MaxNullReads: cfg.Sync.MaxNullReads,
		SynthTimeout: time.Duration(cfg.Speech.SynthTimeoutMS) * time.Millisecond,
	}
}

// Manager creates and tracks narration sessions. At most one session is
// live at a time; starting a new utterance stops the prior one.
type Manager struct {
	provider speech.Provider
	journal  *journal.Store
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	current *Session

	meter      metric.Meter
	utterances metric.Int64Counter
	words      metric.Int64Counter
	stale      metric.Int64Counter
	fallbacks  metric.Int64Counter
	degraded   metric.Int64Counter
}

func NewManager(provider speech.Provider, journalStore *journal.Store, opts Options, log *slog.Logger) *Manager {
	m := &Manager{
		provider: provider,
		journal:  journalStore,
		opts:     opts,
		log:      log.With(slog.String("component", "narration-session")),
		meter:    otel.Meter("github.com/hilitelabs/narrate-core/narration"),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return m
}

func (m *Manager) initMetrics() error {
	var err error
	if m.utterances, err = m.meter.Int64Counter("narrate.utterances",
		metric.WithDescription("Narration utterances started")); err != nil {
		return err
	}
	if m.words, err = m.meter.Int64Counter("narrate.words_emitted",
		metric.WithDescription("Word highlight events emitted")); err != nil {
		return err
	}
	if m.stale, err = m.meter.Int64Counter("narrate.mapping_stale",
		metric.WithDescription("Utterances whose surface went stale mid-playback")); err != nil {
		return err
	}
	if m.fallbacks, err = m.meter.Int64Counter("narrate.estimation_fallbacks",
		metric.WithDescription("Utterances narrated with estimated word timings")); err != nil {
		return err
	}
	if m.degraded, err = m.meter.Int64Counter("narrate.playback_degraded",
		metric.WithDescription("Utterances that lost playback position")); err != nil {
		return err
	}
	liveGauge, err := m.meter.Int64ObservableGauge("narrate.sessions.live",
		metric.WithDescription("Live narration sessions"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(liveGauge, m.liveCount())
		return nil
	}, liveGauge)
	return err
}

func (m *Manager) liveCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0
	}
	switch m.current.State() {
	case StatePlaying, StatePaused:
		return 1
	}
	return 0
}

func (m *Manager) count(counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(context.Background(), 1)
	}
}

// Current returns the most recently started session, live or not.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close stops any live session.
func (m *Manager) Close() {
	if sess := m.Current(); sess != nil {
		sess.Stop()
	}
}

// Speak narrates the surface's current spoken text through the active
// provider and keeps hl synchronized with playback. Any prior session
// is stopped first. Observers are subscribed before playback starts,
// so they see the initial state transition and every word event;
// subscribing via Notify after Speak returns misses events emitted
// during startup.
func (m *Manager) Speak(ctx context.Context, sessionID string, src surface.Source, hl surface.Highlighter, voice string, observers ...func(Event)) (*Session, error) {
	if prior := m.Current(); prior != nil {
		prior.Stop()
	}

	mapper := surface.NewMapper(src)
	text := mapper.SpokenText()
	if text == "" {
		return nil, ErrNothingToSpeak
	}

	caps := m.provider.Capabilities()

	synthCtx := ctx
	if m.opts.SynthTimeout > 0 {
		var cancel context.CancelFunc
		synthCtx, cancel = context.WithTimeout(ctx, m.opts.SynthTimeout)
		defer cancel()
	}
	synth, err := m.provider.Synthesize(synthCtx, speech.Request{SessionID: sessionID, Text: text, Voice: voice})
	if err != nil {
		m.log.Warn("synthesis failed", slog.String("session", sessionID), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %s", ErrSynthesisFailure, err)
	}

	var timings []timing.WordTiming
	estimated := false
	if caps.ProvidesWordTiming {
		timings = timing.ParseMarks(synth.Marks)
	}
	if len(timings) == 0 {
		timings = timing.NewEstimator(m.opts.TargetWPM).Estimate(text)
		estimated = true
	}

	// The surface may have restructured while synthesis ran; the index
	// must describe the surface playback starts against.
	suppressed := false
	if !mapper.Revalidate() {
		mapper = surface.NewMapper(src)
		if mapper.SpokenText() != text {
			// Synthesized audio no longer matches the surface. Speak
			// it anyway, without highlighting.
			suppressed = true
		}
	}

	sess := &Session{
		id:        sessionID,
		text:      text,
		voice:     voice,
		caps:      caps,
		handle:    synth.Handle,
		mapper:    mapper,
		hl:        hl,
		timings:   timings,
		estimated: estimated,
		m:         m,
		log:       m.log.With(slog.String("session", sessionID)),
		state:     StatePlaying,
		suppress:  suppressed,
		subs:      append([]func(Event){}, observers...),
	}
	if caps.ProvidesPosition {
		sess.sync = playback.NewSynchronizer(playback.Options{
			TickInterval: m.opts.TickInterval,
			MaxNullReads: m.opts.MaxNullReads,
		}, m.log)
	} else {
		// Without a live position the synchronizer cannot run at all;
		// the utterance is spoken without synchronized highlighting.
		sess.suppress = true
	}

	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()

	m.count(m.utterances)
	_ = m.journal.BeginSession(ctx, sessionID, voice, len(text))
	_ = m.journal.Append(ctx, journal.Entry{SessionID: sessionID, Type: journal.EntrySpeak, Detail: text})
	if estimated {
		m.count(m.fallbacks)
		_ = m.journal.Append(ctx, journal.Entry{SessionID: sessionID, Type: journal.EntryFallback})
	}

	if err := sess.start(); err != nil {
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSynthesisFailure, err)
	}
	return sess, nil
}

// Session is one live narration utterance.
type Session struct {
	id        string
	text      string
	voice     string
	caps      speech.Capabilities
	handle    speech.Handle
	sync      *playback.Synchronizer
	mapper    *surface.Mapper
	hl        surface.Highlighter
	timings   []timing.WordTiming
	estimated bool
	m         *Manager
	log       *slog.Logger

	mu       sync.Mutex
	state    State
	suppress bool
	// halted marks audio teardown done. Distinct from the error state:
	// a degraded session is terminal but its audio keeps playing until
	// Stop or natural end.
	halted  bool
	subs    []func(Event)
	errSubs []func(error)
}

func (s *Session) ID() string         { return s.id }
func (s *Session) SpokenText() string { return s.text }

// Estimated reports whether timings were fabricated rather than parsed
// from backend speech marks.
func (s *Session) Estimated() bool { return s.estimated }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Notify subscribes to the session's event stream. Callbacks run on
// engine goroutines and must not block.
func (s *Session) Notify(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// OnError subscribes to utterance-fatal errors.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errSubs = append(s.errSubs, fn)
}

func (s *Session) start() error {
	if err := s.handle.Play(); err != nil {
		return err
	}
	if s.sync != nil {
		if err := s.sync.Start(s.handle, s.timings, s.handleWord, s.handleSyncError); err != nil {
			_ = s.handle.Stop()
			return err
		}
	}
	if s.suppress {
		s.hl.Clear()
	}
	go func() {
		<-s.handle.Done()
		s.complete()
	}()

	s.emit(s.stateEvent(StatePlaying))
	if s.estimated {
		s.emit(Event{SessionID: s.id, Type: EventEstimationFallback})
	}
	s.log.Info("narration started",
		slog.Int("words", len(s.timings)),
		slog.Bool("estimated_timing", s.estimated))
	return nil
}

// handleWord runs on the synchronizer's polling goroutine: resolve the
// word's range against the surface and either highlight it or, on
// staleness, clear once and suppress for the rest of the utterance.
func (s *Session) handleWord(wt timing.WordTiming) {
	s.mu.Lock()
	if s.terminalLocked() || s.suppress {
		s.mu.Unlock()
		return
	}
	regions := s.mapper.Resolve(wt.CharOffset, wt.Length)
	stale := len(regions) == 0 || !s.mapper.Revalidate()
	if stale {
		s.suppress = true
	}
	s.mu.Unlock()

	if stale {
		s.hl.Clear()
		s.m.count(s.m.stale)
		_ = s.m.journal.Append(context.Background(), journal.Entry{SessionID: s.id, Type: journal.EntryCleared, WordIndex: wt.WordIndex})
		s.log.Warn("surface went stale, highlighting disabled", slog.Int("word_index", wt.WordIndex))
		s.emit(Event{
			SessionID:  s.id,
			Type:       EventHighlightCleared,
			WordIndex:  wt.WordIndex,
			CharOffset: wt.CharOffset,
			Length:     wt.Length,
		})
		return
	}

	s.hl.Highlight(regions)
	s.m.count(s.m.words)
	_ = s.m.journal.Append(context.Background(), journal.Entry{SessionID: s.id, Type: journal.EntryWord, WordIndex: wt.WordIndex})
	s.emit(Event{
		SessionID:  s.id,
		Type:       EventWordReached,
		WordIndex:  wt.WordIndex,
		CharOffset: wt.CharOffset,
		Length:     wt.Length,
		Regions:    regions,
	})
}

// handleSyncError runs after the synchronizer halted itself. Audio
// keeps playing; only highlighting is lost.
func (s *Session) handleSyncError(err error) {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.suppress = true
	errSubs := append([]func(error){}, s.errSubs...)
	s.mu.Unlock()

	s.hl.Clear()
	s.m.count(s.m.degraded)
	_ = s.m.journal.Append(context.Background(), journal.Entry{SessionID: s.id, Type: journal.EntryDegraded, Detail: err.Error()})
	s.log.Warn("playback degraded", slog.String("error", err.Error()))

	s.emit(s.stateEvent(StateError))
	wrapped := fmt.Errorf("%w: %s", ErrPlaybackDegraded, err)
	for _, fn := range errSubs {
		fn(wrapped)
	}
}

// Pause pauses the provider before halting the synchronizer, so no
// tick races a still-advancing source.
func (s *Session) Pause() error {
	if !s.caps.CanPause {
		return ErrPauseUnsupported
	}
	s.mu.Lock()
	if s.terminalLocked() || s.state == StatePaused {
		s.mu.Unlock()
		return nil
	}
	s.state = StatePaused
	s.mu.Unlock()

	if err := s.handle.Pause(); err != nil {
		s.mu.Lock()
		if s.state == StatePaused {
			s.state = StatePlaying
		}
		s.mu.Unlock()
		return err
	}
	if s.sync != nil {
		s.sync.Pause()
	}
	s.emit(s.stateEvent(StatePaused))
	return nil
}

// Resume restarts playback. The provider reports its actual resumed
// offset; the synchronizer rewinds emission progress when the source
// restarted earlier than it paused.
func (s *Session) Resume() error {
	if !s.caps.CanResume {
		return ErrResumeUnsupported
	}
	s.mu.Lock()
	if s.terminalLocked() || s.state != StatePaused {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	offset, err := s.handle.Resume()
	if err != nil {
		return err
	}
	if s.sync != nil {
		s.sync.Resume(offset)
	}
	s.mu.Lock()
	s.state = StatePlaying
	s.mu.Unlock()
	s.emit(s.stateEvent(StatePlaying))
	return nil
}

// Stop ends the utterance and silences audio. Idempotent: the
// synchronizer is disarmed before the audio handle stops, and the
// terminal transition is emitted at most once. A degraded session is
// already terminal but its audio is still playing; Stop tears the
// handle down without a second transition.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return
	}
	s.halted = true
	wasError := s.state == StateError
	if !wasError {
		s.state = StateEnded
	}
	s.mu.Unlock()

	if s.sync != nil {
		s.sync.Stop()
	}
	_ = s.handle.Stop()
	_ = s.m.journal.Append(context.Background(), journal.Entry{SessionID: s.id, Type: journal.EntryEnded})
	if !wasError {
		s.emit(s.stateEvent(StateEnded))
	}
	s.log.Info("narration stopped")
}

// complete handles the handle's ended signal.
func (s *Session) complete() {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return
	}
	s.halted = true
	wasError := s.state == StateError
	if !wasError {
		s.state = StateEnded
	}
	s.mu.Unlock()

	if s.sync != nil {
		s.sync.Stop()
	}
	_ = s.m.journal.Append(context.Background(), journal.Entry{SessionID: s.id, Type: journal.EntryEnded})
	if !wasError {
		s.emit(s.stateEvent(StateEnded))
	}
	s.log.Info("narration completed")
}

// Progress reports playback progress in [0,1]. The second return is
// false when the provider cannot report position or duration.
func (s *Session) Progress() (float64, bool) {
	if !s.caps.ProvidesPosition || !s.caps.ProvidesDuration {
		return 0, false
	}
	pos, ok := s.handle.PositionMs()
	if !ok {
		return 0, false
	}
	dur, ok := s.handle.DurationMs()
	if !ok || dur <= 0 {
		return 0, false
	}
	p := pos / dur
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p, true
}

func (s *Session) terminalLocked() bool {
	return s.state == StateEnded || s.state == StateError
}

func (s *Session) stateEvent(st State) Event {
	return Event{SessionID: s.id, Type: EventStateChanged, State: st}
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	subs := append([]func(Event){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
