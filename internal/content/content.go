// Package content separates model reasoning blocks from the regular answer text.
//
// Reasoning blocks are delimited by <think> and </think>, matched without regard
// to ASCII case. Blocks never nest: an open marker seen inside a block is plain
// text and the first close marker ends the block.
package content

import "strings"

const (
	OpenMarker  = "<think>"
	CloseMarker = "</think>"
)

// Parsed is the display view of a message buffer. It is recomputed from the
// whole buffer on every call and is never persisted.
type Parsed struct {
	Reasoning []string `json:"reasoningSegments"`
	Regular   string   `json:"regularContent"`
	// Partial holds the interior of a block whose close marker has not arrived
	// yet. Only ParseStreaming sets it.
	Partial *string `json:"partialReasoning"`
}

// Thinking reports whether the buffer ends inside an open reasoning block.
func (p Parsed) Thinking() bool {
	return p.Partial != nil
}

// Parse treats s as a complete document. An open marker without a matching
// close marker is left in the regular content untouched.
func Parse(s string) Parsed {
	sc := scan(s)
	regular := sc.outside
	if sc.dangling >= 0 {
		regular += s[sc.dangling:]
	}
	return Parsed{
		Reasoning: sc.segments,
		Regular:   strings.TrimSpace(regular),
	}
}

// ParseStreaming treats s as a buffer that is still growing. A trailing open
// block is reported in Partial, verbatim, instead of the regular content.
func ParseStreaming(s string) Parsed {
	sc := scan(s)
	p := Parsed{
		Reasoning: sc.segments,
		Regular:   strings.TrimSpace(sc.outside),
	}
	if sc.dangling >= 0 {
		partial := s[sc.dangling+len(OpenMarker):]
		p.Partial = &partial
	}
	return p
}

type scanResult struct {
	segments []string
	outside  string
	// dangling is the offset of an unclosed open marker, or -1.
	dangling int
}

// scan walks s alternating between the outside and inside states.
func scan(s string) scanResult {
	res := scanResult{segments: []string{}, dangling: -1}
	var outside strings.Builder
	outside.Grow(len(s))

	pos := 0
	for pos < len(s) {
		open := indexFold(s, OpenMarker, pos)
		if open < 0 {
			outside.WriteString(s[pos:])
			break
		}
		outside.WriteString(s[pos:open])

		inner := open + len(OpenMarker)
		closeAt := indexFold(s, CloseMarker, inner)
		if closeAt < 0 {
			res.dangling = open
			break
		}
		res.segments = append(res.segments, strings.TrimSpace(s[inner:closeAt]))
		pos = closeAt + len(CloseMarker)
	}

	res.outside = outside.String()
	return res
}

// indexFold returns the index of marker in s at or after from, comparing ASCII
// letters case-insensitively, or -1.
func indexFold(s, marker string, from int) int {
	n := len(marker)
	for i := from; i+n <= len(s); i++ {
		if s[i] != '<' {
			continue
		}
		if equalFoldASCII(s[i:i+n], marker) {
			return i
		}
	}
	return -1
}

func equalFoldASCII(a, b string) bool {
	for i := 0; i < len(a); i++ {
		if lower(a[i]) != lower(b[i]) {
			return false
		}
	}
	return true
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
