package blobstream

import (
	"bytes"

	"blobstream/pkg/schema"
)

// LineSplitter rebuilds logical lines from chunks cut at arbitrary positions. Bytes
// that are not yet followed by the delimiter stay pending until a later chunk
// completes them.
type LineSplitter struct {
	delim   []byte
	pending []byte
	// scanned is how much of pending is known to hold no complete delimiter.
	scanned int
}

// NewLineSplitter returns a splitter for delim. An empty delim means "\n".
func NewLineSplitter(delim string) *LineSplitter {
	if delim == "" {
		delim = schema.DefaultNewlineDelimiter
	}
	return &LineSplitter{delim: []byte(delim)}
}

// Feed appends chunk and returns every line it completes, in input order and without
// the delimiter.
func (s *LineSplitter) Feed(chunk []byte) []string {
	s.pending = append(s.pending, chunk...)

	var lines []string
	start := 0
	from := s.scanned
	for {
		idx := bytes.Index(s.pending[from:], s.delim)
		if idx < 0 {
			break
		}
		end := from + idx
		lines = append(lines, string(s.pending[start:end]))
		start = end + len(s.delim)
		from = start
	}

	if start > 0 {
		n := copy(s.pending, s.pending[start:])
		s.pending = s.pending[:n]
	}
	// The last len(delim)-1 bytes may be the beginning of a delimiter that the next
	// chunk finishes.
	s.scanned = max(0, len(s.pending)-len(s.delim)+1)
	return lines
}

// Pending returns the number of buffered bytes that do not form a complete line yet.
func (s *LineSplitter) Pending() int {
	return len(s.pending)
}

// Flush returns the buffered partial line, if any, and empties the buffer.
func (s *LineSplitter) Flush() (string, bool) {
	if len(s.pending) == 0 {
		return "", false
	}
	line := string(s.pending)
	s.Reset()
	return line, true
}

// Reset discards the buffered partial line.
func (s *LineSplitter) Reset() {
	s.pending = s.pending[:0]
	s.scanned = 0
}
