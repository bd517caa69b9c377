package speech

import (
	"context"
	"strings"
	"time"

	"github.com/hilitelabs/narrate-core/internal/timing"
)

type mockProvider struct {
	targetWPM int
	delay     time.Duration
}

// NewMockProvider returns a provider that fabricates speech marks at a
// fixed cadence and plays against a wall-clock handle. Used for tests
// and `mode: mock` deployments.
func NewMockProvider(targetWPM int) Provider {
	if targetWPM <= 0 {
		targetWPM = timing.DefaultTargetWPM
	}
	return &mockProvider{targetWPM: targetWPM, delay: 50 * time.Millisecond}
}

func (m *mockProvider) Capabilities() Capabilities {
	return Capabilities{
		CanPause:           true,
		CanResume:          true,
		ProvidesWordTiming: true,
		ProvidesPosition:   true,
		ProvidesDuration:   true,
	}
}

func (m *mockProvider) Synthesize(ctx context.Context, req Request) (Synthesis, error) {
	select {
	case <-ctx.Done():
		return Synthesis{}, ctx.Err()
	case <-time.After(m.delay):
	}

	msPerWord := 60000.0 / float64(m.targetWPM)
	var marks []timing.SpeechMark
	searchFrom := 0
	for _, token := range strings.Fields(req.Text) {
		at := strings.Index(req.Text[searchFrom:], token)
		if at < 0 {
			continue
		}
		offset := searchFrom + at
		marks = append(marks, timing.SpeechMark{
			TimeMs:      float64(len(marks)) * msPerWord,
			Kind:        timing.MarkKindWord,
			StartOffset: offset,
			EndOffset:   offset + len(token),
			Text:        token,
		})
		searchFrom = offset + len(token)
	}

	durationMs := float64(len(marks)) * msPerWord
	return Synthesis{Handle: newClockHandle(durationMs), Marks: marks}, nil
}
