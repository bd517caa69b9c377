// Package surface abstracts the rendering surface a narration session
// highlights into. The engine only computes coordinates; rendering them
// is the surface's job.
package surface

import "strconv"

// Fragment is an opaque handle to an addressable text-bearing unit of
// the rendering surface. The surface owns the fragment; the engine
// holds references and never mutates one.
type Fragment interface {
	// ID identifies the fragment within its surface, stable for the
	// surface's current structure.
	ID() string
	// Text returns the fragment's raw renderable text content.
	Text() string
}

// Source enumerates a surface's text-bearing fragments in document
// order. Non-renderable regions must not be included.
type Source interface {
	Fragments() []Fragment
}

// Region addresses a slice of one fragment's raw text.
type Region struct {
	Fragment Fragment
	Start    int
	End      int
}

// Highlighter renders highlight coordinates computed by the engine.
// Clear removes any visible highlight; it must be safe to call when
// nothing is highlighted.
type Highlighter interface {
	Highlight(regions []Region)
	Clear()
}

// TextFragment is a plain in-memory fragment, used by the bus-facing
// service for host-supplied fragment text and by tests.
type TextFragment struct {
	FragID  string
	Content string
}

func (f *TextFragment) ID() string   { return f.FragID }
func (f *TextFragment) Text() string { return f.Content }

// StaticSource is a fixed, ordered fragment list.
type StaticSource struct {
	frags []Fragment
}

func NewStaticSource(frags ...Fragment) *StaticSource {
	return &StaticSource{frags: frags}
}

// NewTextSource builds a static source from raw fragment texts, with
// generated sequential fragment ids.
func NewTextSource(texts ...string) *StaticSource {
	frags := make([]Fragment, 0, len(texts))
	for i, text := range texts {
		frags = append(frags, &TextFragment{FragID: "f" + strconv.Itoa(i), Content: text})
	}
	return &StaticSource{frags: frags}
}

func (s *StaticSource) Fragments() []Fragment {
	return append([]Fragment(nil), s.frags...)
}
