package sse

import (
	"errors"
	"math"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"blobstream/pkg/blobstream"
)

func TestFormatSSE(t *testing.T) {
	out, err := FormatSSE(Event{Type: "record", Data: map[string]any{"id": 1}})
	require.NoError(t, err)
	require.Equal(t, "event: record\ndata: {\"id\":1}\n\n", string(out))

	_, err = FormatSSE(Event{Type: "record", Data: math.NaN()})
	require.Error(t, err)
}

func TestFromStream(t *testing.T) {
	rec := FromStream(blobstream.Event{Kind: blobstream.EventRecord, Record: blobstream.Record{"id": math.NaN()}})
	require.Equal(t, "record", rec.Type)
	require.Equal(t, map[string]any{"id": nil}, rec.Data)

	errEv := FromStream(blobstream.Event{Kind: blobstream.EventError, Err: errors.New("boom")})
	require.Equal(t, "error", errEv.Type)
	require.Equal(t, map[string]string{"error": "boom"}, errEv.Data)

	end := FromStream(blobstream.Event{Kind: blobstream.EventEnd})
	out, err := FormatSSE(end)
	require.NoError(t, err)
	require.Equal(t, "event: end\ndata: {}\n\n", string(out))
}

func TestWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NoError(t, w.Send(Event{Type: "complete", Data: struct{}{}}))
	require.True(t, rec.Flushed)
	require.Equal(t, "event: complete\ndata: {}\n\n", rec.Body.String())
}
