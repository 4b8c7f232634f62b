package blobstream

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"blobstream/pkg/schema"
)

// Policy controls how malformed input is handled.
type Policy int

const (
	// Lenient skips lines without a delimiter and replaces values that fail to parse
	// with a sentinel (NaN, false or the zero time).
	Lenient Policy = iota
	// Strict reports both cases as errors and halts the stream.
	Strict
)

func (p Policy) String() string {
	switch p {
	case Strict:
		return "strict"
	default:
		return "lenient"
	}
}

// ErrInvalidValue is returned by the Strict policy for a value that does not match
// its field type.
var ErrInvalidValue = errors.New("invalid value")

// dateLayouts are tried in order. Layouts without a zone are read as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"2006-01",
	"01/02/2006 15:04:05",
	"01/02/2006",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.RFC822Z,
	time.RFC822,
	time.ANSIC,
	time.UnixDate,
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
}

// IsNaN reports whether v is the NaN sentinel produced for a bad int or float.
func IsNaN(v any) bool {
	f, ok := v.(float64)
	return ok && math.IsNaN(f)
}

// IsInvalidDate reports whether v is the sentinel produced for an unparseable date.
func IsInvalidDate(v any) bool {
	t, ok := v.(time.Time)
	return ok && t.IsZero()
}

// Coercer turns raw text into typed values using the field types of a schema.
type Coercer struct {
	schema *schema.Schema
	policy Policy
}

// NewCoercer returns a Coercer for the field types of s.
func NewCoercer(s *schema.Schema, policy Policy) *Coercer {
	return &Coercer{schema: s, policy: policy}
}

// Coerce converts raw for the given field. With the Lenient policy the error is always
// nil.
func (c *Coercer) Coerce(field, raw string) (any, error) {
	typ := c.schema.FieldType(field)
	v, ok := coerceValue(typ, raw, c.policy == Lenient)
	if !ok && c.policy == Strict {
		return v, fmt.Errorf("%w: field %q is not a valid %s: %q", ErrInvalidValue, field, typ, raw)
	}
	return v, nil
}

// coerceValue returns the converted value and whether raw parsed cleanly. When
// prefix is set, numbers only need a numeric prefix.
func coerceValue(typ schema.Type, raw string, prefix bool) (any, bool) {
	switch typ {
	case schema.TypeInt:
		return parseInt(raw, prefix)
	case schema.TypeFloat:
		return parseFloat(raw, prefix)
	case schema.TypeBoolean:
		s := strings.TrimSpace(raw)
		if strings.EqualFold(s, "true") {
			return true, true
		}
		return false, strings.EqualFold(s, "false")
	case schema.TypeDate:
		return parseDate(raw)
	default:
		return raw, true
	}
}

// parseInt reads a decimal integer. Values beyond the int64 range become float64.
func parseInt(raw string, prefix bool) (any, bool) {
	s := strings.TrimSpace(raw)
	end := numericPrefix(s, false)
	if end == 0 || (end < len(s) && !prefix) {
		return math.NaN(), false
	}
	clean := end == len(s)
	if n, err := strconv.ParseInt(s[:end], 10, 64); err == nil {
		return n, clean
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return math.NaN(), false
	}
	return f, clean
}

// parseFloat reads a decimal number. Words such as "inf" or "nan" and hex or
// underscore forms are not numbers here.
func parseFloat(raw string, prefix bool) (any, bool) {
	s := strings.TrimSpace(raw)
	end := numericPrefix(s, true)
	if end == 0 || (end < len(s) && !prefix) {
		return math.NaN(), false
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return math.NaN(), false
	}
	return f, end == len(s)
}

// numericPrefix returns the length of the longest leading decimal number in s:
// optional sign, digits, and for floats a fraction and exponent. Zero means no digits.
func numericPrefix(s string, float bool) int {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		digits++
	}
	if !float {
		if digits == 0 {
			return 0
		}
		return i
	}
	if i < len(s) && s[i] == '.' {
		j := i + 1
		frac := 0
		for j < len(s) && isDigit(s[j]) {
			j++
			frac++
		}
		if digits+frac > 0 {
			i = j
			digits += frac
		}
	}
	if digits == 0 {
		return 0
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		exp := 0
		for j < len(s) && isDigit(s[j]) {
			j++
			exp++
		}
		if exp > 0 {
			i = j
		}
	}
	return i
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func parseDate(raw string) (any, bool) {
	s := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
