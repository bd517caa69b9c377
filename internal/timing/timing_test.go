package timing

import (
	"reflect"
	"testing"
)

func TestParseMarks(t *testing.T) {
	marks := []SpeechMark{
		{TimeMs: 0, Kind: "word", StartOffset: 0, EndOffset: 5, Text: "Hello"},
		{TimeMs: 340, Kind: "word", StartOffset: 6, EndOffset: 11, Text: "world"},
	}

	got := ParseMarks(marks)
	want := []WordTiming{
		{TimeMs: 0, WordIndex: 0, CharOffset: 0, Length: 5},
		{TimeMs: 340, WordIndex: 1, CharOffset: 6, Length: 5},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected timings: %+v", got)
	}
}

func TestParseMarksFiltersNonWordKinds(t *testing.T) {
	marks := []SpeechMark{
		{TimeMs: 0, Kind: "sentence", StartOffset: 0, EndOffset: 11},
		{TimeMs: 10, Kind: "word", StartOffset: 0, EndOffset: 5, Text: "Hello"},
		{TimeMs: 20, Kind: "viseme", StartOffset: 0, EndOffset: 1},
		{TimeMs: 340, Kind: "word", StartOffset: 6, EndOffset: 11, Text: "world"},
	}

	got := ParseMarks(marks)
	if len(got) != 2 {
		t.Fatalf("expected 2 word timings, got %d", len(got))
	}
	if got[0].WordIndex != 0 || got[1].WordIndex != 1 {
		t.Fatalf("expected sequential word indices, got %+v", got)
	}
}

func TestParseMarksEmptyInput(t *testing.T) {
	if got := ParseMarks(nil); len(got) != 0 {
		t.Fatalf("expected empty result, got %+v", got)
	}
}

func TestEstimateCadenceAndOffsets(t *testing.T) {
	est := NewEstimator(150)
	got := est.Estimate("the quick brown fox")

	if len(got) != 4 {
		t.Fatalf("expected 4 timings, got %d", len(got))
	}
	for i, wt := range got {
		if wt.WordIndex != i {
			t.Fatalf("expected word index %d, got %d", i, wt.WordIndex)
		}
		if wt.TimeMs != float64(i)*400 {
			t.Fatalf("expected 400ms cadence at 150wpm, got %v at index %d", wt.TimeMs, i)
		}
	}
	if got[2].CharOffset != 10 || got[2].Length != 5 {
		t.Fatalf("expected 'brown' at offset 10 length 5, got %+v", got[2])
	}
}

func TestEstimateRepeatedWords(t *testing.T) {
	est := NewEstimator(DefaultTargetWPM)
	got := est.Estimate("to be or not to be")

	// The second "to" and "be" must resolve to their own occurrences.
	if got[4].CharOffset != 13 {
		t.Fatalf("expected second 'to' at offset 13, got %d", got[4].CharOffset)
	}
	if got[5].CharOffset != 16 {
		t.Fatalf("expected second 'be' at offset 16, got %d", got[5].CharOffset)
	}
}

func TestEstimateDeterministic(t *testing.T) {
	est := NewEstimator(120)
	a := est.Estimate("repeatable input text")
	b := est.Estimate("repeatable input text")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("estimate not deterministic: %+v vs %+v", a, b)
	}
}

func TestEstimateMonotonic(t *testing.T) {
	est := NewEstimator(200)
	got := est.Estimate("one two three four five six")
	for i := 1; i < len(got); i++ {
		if got[i].TimeMs < got[i-1].TimeMs {
			t.Fatalf("time not non-decreasing at %d: %+v", i, got)
		}
		if got[i].WordIndex != got[i-1].WordIndex+1 {
			t.Fatalf("word index not strictly increasing at %d: %+v", i, got)
		}
	}
}

func TestEstimateEmptyText(t *testing.T) {
	est := NewEstimator(150)
	if got := est.Estimate("   "); len(got) != 0 {
		t.Fatalf("expected no timings for whitespace, got %+v", got)
	}
}

func TestCountReached(t *testing.T) {
	timings := []WordTiming{
		{TimeMs: 0, WordIndex: 0},
		{TimeMs: 340, WordIndex: 1},
		{TimeMs: 700, WordIndex: 2},
	}
	cases := []struct {
		position float64
		want     int
	}{
		{-1, 0},
		{0, 1},
		{339, 1},
		{340, 2},
		{5000, 3},
	}
	for _, tc := range cases {
		if got := CountReached(timings, tc.position); got != tc.want {
			t.Fatalf("CountReached(%v) = %d, want %d", tc.position, got, tc.want)
		}
	}
}
