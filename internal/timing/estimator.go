package timing

import "strings"

// DefaultTargetWPM approximates a neutral synthesis voice's cadence.
const DefaultTargetWPM = 150

// Estimator fabricates approximate word timings from raw text when a
// backend provides no speech marks. Estimated timings are a degraded
// mode: spacing is uniform at the target cadence regardless of word
// length or punctuation.
type Estimator struct {
	TargetWPM int
}

func NewEstimator(targetWPM int) *Estimator {
	if targetWPM <= 0 {
		targetWPM = DefaultTargetWPM
	}
	return &Estimator{TargetWPM: targetWPM}
}

// Estimate tokenizes text on whitespace and assigns each token a start
// time of wordIndex * (60000 / TargetWPM) milliseconds. Token offsets
// are located by scanning forward from the end of the previous token,
// so repeated words resolve to their own occurrence rather than the
// first. A token that cannot be located is skipped; word indices are
// assigned to emitted entries only, so the output never has gaps.
func (e *Estimator) Estimate(text string) []WordTiming {
	msPerWord := 60000.0 / float64(e.TargetWPM)

	var timings []WordTiming
	searchFrom := 0
	for _, token := range strings.Fields(text) {
		at := strings.Index(text[searchFrom:], token)
		if at < 0 {
			continue
		}
		offset := searchFrom + at
		timings = append(timings, WordTiming{
			TimeMs:     float64(len(timings)) * msPerWord,
			WordIndex:  len(timings),
			CharOffset: offset,
			Length:     len(token),
		})
		searchFrom = offset + len(token)
	}
	return timings
}
