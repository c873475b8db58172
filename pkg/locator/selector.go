// Package locator turns declarative selectors into element handles.
package locator

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
)

// Mode says how the matches of one segment of a composed selector scope the
// next segment.
type Mode int

const (
	// Descend searches the next segment inside each match.
	Descend Mode = iota
	// Shadow searches the next segment inside each match's open shadow root.
	Shadow
	// Frame switches into each match's content document. Only the
	// navigator can cross a frame; see SplitFrames.
	Frame
)

func (m Mode) String() string {
	switch m {
	case Shadow:
		return "shadow"
	case Frame:
		return "frame"
	default:
		return "descend"
	}
}

var modeSeparators = map[Mode]string{
	Descend: " > ",
	Shadow:  " >>> ",
	Frame:   " >>frame>> ",
}

// Segment is one step of a composed selector.
type Segment struct {
	sel  Selector
	mode Mode
}

// In scopes the following segment under the matches of sel.
func In(sel Selector) Segment { return Segment{sel: sel, mode: Descend} }

// ShadowOf scopes the following segment under the shadow roots of sel's
// matches.
func ShadowOf(sel Selector) Segment { return Segment{sel: sel, mode: Shadow} }

// FrameOf scopes the following segment inside the documents of the frames
// sel matches.
func FrameOf(sel Selector) Segment { return Segment{sel: sel, mode: Frame} }

// Selector describes how to find elements. The zero value is invalid.
// Selectors are immutable: constructors copy their inputs and accessors
// return copies.
type Selector struct {
	by       driver.Strategy
	query    string
	segments []Segment
}

func simple(by driver.Strategy, query string) Selector {
	return Selector{by: by, query: query}
}

func ID(id string) Selector                { return simple(driver.ByID, id) }
func Name(name string) Selector            { return simple(driver.ByName, name) }
func CSS(css string) Selector              { return simple(driver.ByCSS, css) }
func XPath(xpath string) Selector          { return simple(driver.ByXPath, xpath) }
func LinkText(text string) Selector        { return simple(driver.ByLinkText, text) }
func PartialLinkText(text string) Selector { return simple(driver.ByPartialLinkText, text) }
func Tag(name string) Selector             { return simple(driver.ByTag, name) }

// Chain composes segments into one selector. Composed segment selectors are
// flattened; the mode of the final segment is ignored.
func Chain(segments ...Segment) Selector {
	var flat []Segment
	for _, seg := range segments {
		if seg.sel.IsComposed() {
			inner := seg.sel.Segments()
			inner[len(inner)-1].mode = seg.mode
			flat = append(flat, inner...)
			continue
		}
		flat = append(flat, seg)
	}
	if len(flat) == 1 {
		return flat[0].sel
	}
	return Selector{segments: flat}
}

// IsComposed reports whether s is a chain of segments.
func (s Selector) IsComposed() bool { return len(s.segments) > 0 }

// Strategy returns the lookup strategy of a simple selector.
func (s Selector) Strategy() driver.Strategy { return s.by }

// Query returns the raw query of a simple selector.
func (s Selector) Query() string { return s.query }

// Segments returns a copy of a composed selector's segments. A simple
// selector is reported as a single Descend segment.
func (s Selector) Segments() []Segment {
	if !s.IsComposed() {
		return []Segment{{sel: s, mode: Descend}}
	}
	out := make([]Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Selector returns the segment's selector.
func (g Segment) Selector() Selector { return g.sel }

// Mode returns the segment's entry mode.
func (g Segment) Mode() Mode { return g.mode }

// IsZero reports whether s was never constructed.
func (s Selector) IsZero() bool { return s.by == "" && !s.IsComposed() }

// Validate reports structural problems that make s unusable.
func (s Selector) Validate() error {
	if s.IsZero() {
		return fmt.Errorf("%w: empty selector", driver.ErrInvalidSelector)
	}
	if !s.IsComposed() {
		if strings.TrimSpace(s.query) == "" {
			return fmt.Errorf("%w: %s selector has an empty query", driver.ErrInvalidSelector, s.by)
		}
		return nil
	}
	for _, seg := range s.segments {
		if err := seg.sel.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// HasFrames reports whether any non-final segment crosses a frame.
func (s Selector) HasFrames() bool {
	for i, seg := range s.segments {
		if i < len(s.segments)-1 && seg.mode == Frame {
			return true
		}
	}
	return false
}

func (s Selector) String() string {
	if s.IsZero() {
		return "<empty>"
	}
	if !s.IsComposed() {
		return fmt.Sprintf("%s(%s)", s.by, s.query)
	}
	var b strings.Builder
	for i, seg := range s.segments {
		b.WriteString(seg.sel.String())
		if i < len(s.segments)-1 {
			b.WriteString(modeSeparators[seg.mode])
		}
	}
	return b.String()
}

// SplitFrames splits s at its frame boundaries. The returned frames are the
// selectors of each frame to enter, outermost first, and rest is what to
// resolve inside the innermost one. For a selector without frame segments
// frames is empty and rest is s.
func SplitFrames(s Selector) (frames []Selector, rest Selector) {
	if !s.HasFrames() {
		return nil, s
	}
	var pending []Segment
	last := len(s.segments) - 1
	for i, seg := range s.segments {
		if i < last && seg.mode == Frame {
			seg.mode = Descend
			frames = append(frames, Chain(append(pending, seg)...))
			pending = nil
			continue
		}
		pending = append(pending, seg)
	}
	return frames, Chain(pending...)
}
