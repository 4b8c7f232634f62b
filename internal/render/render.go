// Package render writes records in the output formats of the CLI and server.
package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"blobstream/pkg/blobstream"
)

type Format string

const (
	JSONL    Format = "jsonl"
	JSON     Format = "json"
	Markdown Format = "markdown"
	HTML     Format = "html"
	Text     Format = "text"
)

var ErrUnknownFormat = errors.New("unknown output format")

func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case JSONL, JSON, Markdown, HTML, Text:
		return f, nil
	case "ndjson":
		return JSONL, nil
	case "md":
		return Markdown, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
}

// Options tunes the table formats.
type Options struct {
	// Columns are placed first, in this order. Other keys follow sorted by name.
	Columns []string
	// Width limits text tables. Zero means unlimited.
	Width int
}

// Writer receives records one at a time. Close must be called to flush formats that
// need to see every record first.
type Writer interface {
	Write(rec blobstream.Record) error
	Close() error
}

func NewWriter(w io.Writer, f Format, opts Options) (Writer, error) {
	switch f {
	case JSONL:
		return &jsonlWriter{enc: json.NewEncoder(w)}, nil
	case JSON:
		return &jsonWriter{w: w}, nil
	case Markdown, HTML, Text:
		return &tableWriter{w: w, format: f, opts: opts}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

// JSONValue maps a record onto values encoding/json can represent. NaN, infinities
// and invalid dates become null.
func JSONValue(rec blobstream.Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		switch x := v.(type) {
		case float64:
			if math.IsNaN(x) || math.IsInf(x, 0) {
				out[k] = nil
				continue
			}
		case time.Time:
			if x.IsZero() {
				out[k] = nil
				continue
			}
		}
		out[k] = v
	}
	return out
}

// FormatValue renders a single value as table cell text.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if math.IsNaN(x) {
			return "NaN"
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.IsZero() {
			return "Invalid Date"
		}
		return x.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

// Columns returns the column order for a set of records.
func Columns(records []blobstream.Record, preferred []string) []string {
	seen := map[string]bool{}
	var cols []string
	for _, c := range preferred {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	var extra []string
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				extra = append(extra, k)
			}
		}
	}
	sort.Strings(extra)
	return append(cols, extra...)
}

type jsonlWriter struct {
	enc *json.Encoder
}

func (j *jsonlWriter) Write(rec blobstream.Record) error {
	return j.enc.Encode(JSONValue(rec))
}

func (j *jsonlWriter) Close() error {
	return nil
}

type jsonWriter struct {
	w     io.Writer
	count int
}

func (j *jsonWriter) Write(rec blobstream.Record) error {
	data, err := json.Marshal(JSONValue(rec))
	if err != nil {
		return err
	}
	sep := ",\n"
	if j.count == 0 {
		sep = "[\n"
	}
	j.count++
	if _, err := io.WriteString(j.w, sep); err != nil {
		return err
	}
	_, err = j.w.Write(data)
	return err
}

func (j *jsonWriter) Close() error {
	if j.count == 0 {
		_, err := io.WriteString(j.w, "[]\n")
		return err
	}
	_, err := io.WriteString(j.w, "\n]\n")
	return err
}

type tableWriter struct {
	w       io.Writer
	format  Format
	opts    Options
	records []blobstream.Record
}

func (t *tableWriter) Write(rec blobstream.Record) error {
	t.records = append(t.records, rec)
	return nil
}

func (t *tableWriter) Close() error {
	cols := Columns(t.records, t.opts.Columns)
	rows := make([][]string, 0, len(t.records))
	for _, rec := range t.records {
		row := make([]string, len(cols))
		for i, c := range cols {
			if v, ok := rec[c]; ok {
				row[i] = FormatValue(v)
			}
		}
		rows = append(rows, row)
	}

	var out string
	switch t.format {
	case Markdown:
		out = MarkdownTable(cols, rows)
	case HTML:
		out = RenderToHTML(MarkdownTable(cols, rows))
	default:
		out = TextTable(cols, rows, t.opts.Width)
	}
	_, err := io.WriteString(t.w, out)
	return err
}
