package blobstream

import (
	"errors"
	"fmt"
	"strings"

	"blobstream/pkg/schema"
)

// Record is one completed blob: field name to coerced value.
type Record map[string]any

var ErrMalformedLine = errors.New("malformed line")

// LineError describes a line the Strict policy refused.
type LineError struct {
	Line int // 1-based
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Assembler collects key/value lines into records. It is idle until the first valid
// pair after a sentinel and accumulating until the next sentinel.
type Assembler struct {
	blobEnd string
	kvp     string
	coercer *Coercer
	policy  Policy

	current   Record
	line      int
	discarded int
}

func NewAssembler(s *schema.Schema, policy Policy) *Assembler {
	return &Assembler{
		blobEnd: s.Settings.BlobEnd,
		kvp:     s.Settings.KVPDelimiter,
		coercer: NewCoercer(s, policy),
		policy:  policy,
	}
}

// Line consumes one logical line. It returns the completed record when line is the
// sentinel and a blob was open. With the Lenient policy the error is always nil.
func (a *Assembler) Line(line string) (Record, bool, error) {
	a.line++

	if line == a.blobEnd {
		if a.current == nil {
			return nil, false, nil
		}
		rec := a.current
		a.current = nil
		return rec, true, nil
	}

	key, raw, found := strings.Cut(line, a.kvp)
	if !found {
		if a.policy == Strict {
			return nil, false, &LineError{Line: a.line, Text: line, Err: fmt.Errorf("%w: no %q delimiter", ErrMalformedLine, a.kvp)}
		}
		a.discarded++
		return nil, false, nil
	}

	value, err := a.coercer.Coerce(key, raw)
	if err != nil {
		return nil, false, &LineError{Line: a.line, Text: line, Err: err}
	}
	if a.current == nil {
		a.current = Record{}
	}
	a.current[key] = value
	return nil, false, nil
}

// Open reports whether a blob is being accumulated.
func (a *Assembler) Open() bool {
	return a.current != nil
}

// Lines returns how many lines have been consumed.
func (a *Assembler) Lines() int {
	return a.line
}

// Discarded returns how many lines were skipped for lacking a delimiter.
func (a *Assembler) Discarded() int {
	return a.discarded
}

// Flush closes the open blob as if the sentinel had been read.
func (a *Assembler) Flush() (Record, bool) {
	if a.current == nil {
		return nil, false
	}
	rec := a.current
	a.current = nil
	return rec, true
}

// Reset drops the open blob.
func (a *Assembler) Reset() {
	a.current = nil
}
