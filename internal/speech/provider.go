package speech

import (
	"context"

	"github.com/hilitelabs/narrate-core/internal/timing"
)

// Capabilities describes what a synthesis backend can do. Each flag is
// independent; consumers branch on capability, never on provider
// identity. A provider that cannot report its actual resumed offset
// must declare CanResume false rather than resume silently from zero.
type Capabilities struct {
	CanPause           bool
	CanResume          bool
	ProvidesWordTiming bool
	ProvidesPosition   bool
	ProvidesDuration   bool
}

// Request contains parameters to synthesize speech.
type Request struct {
	SessionID string
	Text      string
	Voice     string
}

// Synthesis is one utterance's synthesized audio plus any raw timing
// metadata the backend produced.
type Synthesis struct {
	Handle Handle
	Marks  []timing.SpeechMark
}

// Handle controls playback of one synthesized utterance.
type Handle interface {
	Play() error
	Pause() error
	// Resume restarts playback and reports the actual resumed offset in
	// milliseconds, which may be earlier than where playback paused.
	Resume() (float64, error)
	Stop() error
	// PositionMs reports the live playback position. The second return
	// is false when no position is available.
	PositionMs() (float64, bool)
	DurationMs() (float64, bool)
	// Done is closed when playback ends, naturally or via Stop.
	Done() <-chan struct{}
}

// Provider is the contract for synthesis backends.
type Provider interface {
	Capabilities() Capabilities
	Synthesize(ctx context.Context, req Request) (Synthesis, error)
}
