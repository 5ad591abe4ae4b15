// Package sdpfilter rewrites session descriptions so that a media section
// only advertises one codec family.
package sdpfilter

import "strings"

const mediaPrefix = "m="

// Document is an SDP text split on line feeds. Each line keeps its trailing
// carriage return, if any, so String reproduces the input exactly.
type Document struct {
	lines []string
}

// Section is a run of lines opened by a media declaration. End is exclusive.
type Section struct {
	Kind  string
	Start int
	End   int
}

// Parse splits raw SDP text into lines.
func Parse(text string) *Document {
	return &Document{lines: strings.Split(text, "\n")}
}

// Lines returns the document lines.
func (d *Document) Lines() []string {
	return d.lines
}

func (d *Document) String() string {
	return strings.Join(d.lines, "\n")
}

// Sections returns the media sections in document order. Lines before the
// first media declaration are session-level and belong to no section.
func (d *Document) Sections() []Section {
	var sections []Section
	for i, line := range d.lines {
		if !isMediaLine(line) {
			continue
		}
		if n := len(sections); n > 0 {
			sections[n-1].End = i
		}
		sections = append(sections, Section{Kind: mediaKind(line), Start: i, End: len(d.lines)})
	}
	return sections
}

// inKind reports, for every line, whether it belongs to a section of kind.
func (d *Document) inKind(kind string) []bool {
	marks := make([]bool, len(d.lines))
	for _, s := range d.Sections() {
		if s.Kind != kind {
			continue
		}
		for i := s.Start; i < s.End; i++ {
			marks[i] = true
		}
	}
	return marks
}

func isMediaLine(line string) bool {
	return strings.HasPrefix(line, mediaPrefix)
}

// mediaKind returns the media token of an m= line. A declaration with no
// space after the token has no usable kind.
func mediaKind(line string) string {
	rest := line[len(mediaPrefix):]
	i := strings.IndexByte(rest, ' ')
	if i < 0 {
		return ""
	}
	return rest[:i]
}
