package timing

// MarkKindWord is the only speech mark kind that participates in
// highlight timing. Backends may also emit sentence or viseme marks.
const MarkKindWord = "word"

// SpeechMark is a raw timing event as emitted by a synthesis backend.
type SpeechMark struct {
	TimeMs      float64 `json:"time_ms"`
	Kind        string  `json:"kind"`
	StartOffset int     `json:"start_offset"`
	EndOffset   int     `json:"end_offset"`
	Text        string  `json:"text"`
}

// WordTiming marks when a word's speech begins, normalized against the
// spoken text: CharOffset/Length address the word within it.
type WordTiming struct {
	TimeMs     float64
	WordIndex  int
	CharOffset int
	Length     int
}

// ParseMarks normalizes backend speech marks into word timings. Marks of
// any kind other than "word" are dropped; the remainder map 1:1 in
// arrival order with sequential word indices. Empty input yields an
// empty result.
func ParseMarks(marks []SpeechMark) []WordTiming {
	timings := make([]WordTiming, 0, len(marks))
	for _, mark := range marks {
		if mark.Kind != MarkKindWord {
			continue
		}
		timings = append(timings, WordTiming{
			TimeMs:     mark.TimeMs,
			WordIndex:  len(timings),
			CharOffset: mark.StartOffset,
			Length:     mark.EndOffset - mark.StartOffset,
		})
	}
	return timings
}

// CountReached returns how many timings begin at or before positionMs.
// Timings must be in emission order (non-decreasing TimeMs).
func CountReached(timings []WordTiming, positionMs float64) int {
	count := 0
	for _, wt := range timings {
		if wt.TimeMs > positionMs {
			break
		}
		count++
	}
	return count
}
