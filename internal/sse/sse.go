package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"blobstream/internal/render"
	"blobstream/pkg/blobstream"
)

// Event represents an SSE event to send to clients
type Event struct {
	Type string // record, end, error or complete
	Data any    // JSON encoded
}

// FromStream converts a stream outcome into an SSE event.
func FromStream(ev blobstream.Event) Event {
	switch ev.Kind {
	case blobstream.EventRecord:
		return Event{Type: ev.Kind.String(), Data: render.JSONValue(ev.Record)}
	case blobstream.EventError:
		return Event{Type: ev.Kind.String(), Data: map[string]string{"error": ev.Err.Error()}}
	default:
		return Event{Type: ev.Kind.String(), Data: struct{}{}}
	}
}

// FormatSSE formats an event for Server-Sent Events protocol
func FormatSSE(event Event) ([]byte, error) {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	// event: <type>\ndata: <json>\n\n
	output := fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, string(dataJSON))
	return []byte(output), nil
}

// Writer sends events to a client and flushes after each one so records arrive as
// soon as their blob closes.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

func NewWriter(w io.Writer) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

func (s *Writer) Send(event Event) error {
	data, err := FormatSSE(event)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
