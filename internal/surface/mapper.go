package surface

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// indexEntry maps a contiguous range of spoken text onto a contiguous
// range of one fragment's raw text. Entries are ordered, cover all of
// the spoken text, and never overlap.
type indexEntry struct {
	frag        Fragment
	globalStart int
	globalEnd   int
	localStart  int
	localEnd    int
	// verbatim entries copy raw bytes unchanged; non-verbatim entries
	// are collapsed whitespace runs contributing a single space.
	verbatim bool
}

// Mapper is the bidirectional index between linearized spoken text and
// a live surface's fragments. It is built once per utterance; when the
// surface restructures mid-utterance the mapper goes stale and must not
// be used for further resolution.
type Mapper struct {
	source Source
	spoken string
	index  []indexEntry
}

// NewMapper walks the surface once and builds the index. The spoken
// text is each fragment's content concatenated in document order, with
// whitespace runs collapsed to single spaces and leading/trailing
// whitespace dropped.
func NewMapper(source Source) *Mapper {
	spoken, index := linearize(source)
	return &Mapper{source: source, spoken: spoken, index: index}
}

// SpokenText returns the linearized text the utterance speaks.
func (m *Mapper) SpokenText() string { return m.spoken }

// Resolve returns, in order, every region intersecting the spoken-text
// range [offset, offset+length). A word straddling fragment boundaries
// yields one region per fragment, jointly covering the range. An empty
// result means the range lies outside the indexed text; it is not an
// error.
func (m *Mapper) Resolve(offset, length int) []Region {
	if length <= 0 || offset < 0 || offset >= len(m.spoken) {
		return nil
	}
	end := offset + length
	if end > len(m.spoken) {
		end = len(m.spoken)
	}

	first := sort.Search(len(m.index), func(i int) bool {
		return m.index[i].globalEnd > offset
	})

	var regions []Region
	for i := first; i < len(m.index) && m.index[i].globalStart < end; i++ {
		e := m.index[i]
		if e.globalStart >= offset && e.globalEnd <= end {
			regions = append(regions, Region{Fragment: e.frag, Start: e.localStart, End: e.localEnd})
			continue
		}
		// Partial coverage only happens on verbatim-copied entries,
		// where local and global widths agree.
		start := e.localStart
		if offset > e.globalStart {
			start += offset - e.globalStart
		}
		stop := e.localStart + (min(end, e.globalEnd) - e.globalStart)
		regions = append(regions, Region{Fragment: e.frag, Start: start, End: stop})
	}
	return regions
}

// Revalidate re-linearizes the live surface and compares the result
// byte-for-byte against the text indexed at build time. False means the
// surface restructured since indexing: resolved coordinates can no
// longer be trusted and highlighting must stop for the utterance.
func (m *Mapper) Revalidate() bool {
	current, _ := linearize(m.source)
	return current == m.spoken
}

// linearize walks the fragments in order, collapsing whitespace runs to
// a single space attributed to the run's first whitespace character.
// Index entries break wherever the raw-to-spoken byte mapping stops
// being contiguous.
func linearize(source Source) (string, []indexEntry) {
	var b strings.Builder
	var index []indexEntry

	pending := false
	var pendingFrag Fragment
	var pendingStart, pendingEnd int

	appendEntry := func(frag Fragment, globalStart, localStart, localEnd int) {
		if n := len(index); n > 0 {
			last := &index[n-1]
			if last.verbatim && last.frag == frag && last.localEnd == localStart &&
				last.globalEnd == globalStart {
				last.globalEnd = globalStart + (localEnd - localStart)
				last.localEnd = localEnd
				return
			}
		}
		index = append(index, indexEntry{
			frag:        frag,
			globalStart: globalStart,
			globalEnd:   globalStart + (localEnd - localStart),
			localStart:  localStart,
			localEnd:    localEnd,
			verbatim:    true,
		})
	}

	for _, frag := range source.Fragments() {
		raw := frag.Text()
		for i, r := range raw {
			width := utf8.RuneLen(r)
			if unicode.IsSpace(r) {
				if b.Len() > 0 && !pending {
					pending = true
					pendingFrag = frag
					pendingStart = i
					pendingEnd = i + width
				}
				continue
			}
			if pending {
				// A collapsed run contributes one space, attributed to
				// the run's first whitespace character.
				index = append(index, indexEntry{
					frag:        pendingFrag,
					globalStart: b.Len(),
					globalEnd:   b.Len() + 1,
					localStart:  pendingStart,
					localEnd:    pendingEnd,
				})
				b.WriteByte(' ')
				pending = false
			}
			appendEntry(frag, b.Len(), i, i+width)
			b.WriteRune(r)
		}
	}
	// Trailing whitespace is dropped, pending or not.
	return b.String(), index
}
