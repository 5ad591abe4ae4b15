package sdpfilter

import (
	"strconv"
	"strings"
)

// AllowedSet is an ordered set of payload types in discovery order.
type AllowedSet struct {
	order []int
	seen  map[int]struct{}
}

func newAllowedSet() *AllowedSet {
	return &AllowedSet{seen: make(map[int]struct{})}
}

// Add appends pt unless it is already present.
func (s *AllowedSet) Add(pt int) {
	if _, ok := s.seen[pt]; ok {
		return
	}
	s.seen[pt] = struct{}{}
	s.order = append(s.order, pt)
}

// Contains reports whether pt was discovered.
func (s *AllowedSet) Contains(pt int) bool {
	_, ok := s.seen[pt]
	return ok
}

// Values returns the payload types in discovery order.
func (s *AllowedSet) Values() []int {
	out := make([]int, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of payload types.
func (s *AllowedSet) Len() int {
	return len(s.order)
}

// Request restricts sections of one media kind to one codec family.
type Request struct {
	kind  string
	codec string
}

// NewRequest builds a filter request. The codec is matched case-insensitively
// as a prefix of the rtpmap encoding, so "opus" and "opus/48000/2" both work.
func NewRequest(kind, codec string) Request {
	return Request{kind: kind, codec: strings.ToLower(codec)}
}

// Filter restricts the kind sections of sdp to codec and returns the rewritten text.
func Filter(kind, codec, sdp string) string {
	return NewRequest(kind, codec).Apply(Parse(sdp)).String()
}

// Allowed scans the kind sections in document order and collects the payload
// types mapped to the codec, plus retransmission types whose base type was
// already collected when their fmtp line is reached.
func (r Request) Allowed(doc *Document) *AllowedSet {
	allowed := newAllowedSet()
	marks := doc.inKind(r.kind)

	for i, line := range doc.lines {
		if !marks[i] {
			continue
		}
		line = trimCR(line)

		if pt, ok := r.matchRTPMap(line); ok {
			allowed.Add(pt)
		}
		if pt, base, ok := matchAPT(line); ok && allowed.Contains(base) {
			allowed.Add(pt)
		}
	}
	return allowed
}

// Apply returns a new document in which the kind sections only reference
// the allowed payload types. Other lines are copied verbatim.
func (r Request) Apply(doc *Document) *Document {
	allowed := r.Allowed(doc)
	marks := doc.inKind(r.kind)

	out := make([]string, 0, len(doc.lines))
	for i, line := range doc.lines {
		if !marks[i] {
			out = append(out, line)
			continue
		}

		if isMediaLine(line) {
			out = append(out, rewriteMediaLine(line, allowed))
			continue
		}
		if pt, ok := payloadAttribute(trimCR(line)); ok && !allowed.Contains(pt) {
			continue
		}
		out = append(out, line)
	}
	return &Document{lines: out}
}

func (r Request) matchRTPMap(line string) (int, bool) {
	rest, ok := strings.CutPrefix(line, "a=rtpmap:")
	if !ok {
		return 0, false
	}
	ptText, encoding, ok := strings.Cut(rest, " ")
	if !ok {
		return 0, false
	}
	pt, err := strconv.Atoi(ptText)
	if err != nil {
		return 0, false
	}
	if !strings.HasPrefix(strings.ToLower(encoding), r.codec) {
		return 0, false
	}
	return pt, true
}

// matchAPT recognises "a=fmtp:<pt> apt=<base>" with nothing else on the line.
func matchAPT(line string) (pt, base int, ok bool) {
	rest, found := strings.CutPrefix(line, "a=fmtp:")
	if !found {
		return 0, 0, false
	}
	ptText, params, found := strings.Cut(rest, " ")
	if !found {
		return 0, 0, false
	}
	baseText, found := strings.CutPrefix(params, "apt=")
	if !found {
		return 0, 0, false
	}
	var err error
	if pt, err = strconv.Atoi(ptText); err != nil {
		return 0, 0, false
	}
	if base, err = strconv.Atoi(baseText); err != nil {
		return 0, 0, false
	}
	return pt, base, true
}

var payloadAttributes = []string{"a=fmtp:", "a=rtcp-fb:", "a=rtpmap:"}

// payloadAttribute returns the leading payload type of an fmtp, rtcp-fb or
// rtpmap line. Wildcard rtcp-fb lines have none.
func payloadAttribute(line string) (int, bool) {
	for _, prefix := range payloadAttributes {
		rest, ok := strings.CutPrefix(line, prefix)
		if !ok {
			continue
		}
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end == 0 {
			return 0, false
		}
		pt, err := strconv.Atoi(rest[:end])
		return pt, err == nil
	}
	return 0, false
}

// rewriteMediaLine replaces the format list of an m= line with the allowed
// types that the line already declared, in discovery order.
func rewriteMediaLine(line string, allowed *AllowedSet) string {
	body := trimCR(line)
	cr := line[len(body):]

	fields := strings.Split(body, " ")
	if len(fields) < 3 {
		return line
	}
	head, formats := fields[:3], fields[3:]

	declared := make(map[int]struct{}, len(formats))
	for _, f := range formats {
		if pt, err := strconv.Atoi(f); err == nil {
			declared[pt] = struct{}{}
		}
	}

	parts := append([]string{}, head...)
	for _, pt := range allowed.order {
		if _, ok := declared[pt]; ok {
			parts = append(parts, strconv.Itoa(pt))
		}
	}
	return strings.Join(parts, " ") + cr
}

func trimCR(line string) string {
	return strings.TrimSuffix(line, "\r")
}
