package blobstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blobstream/pkg/schema"
)

const twoCities = "id=1\nname=Ottawa\nlocation=Canada\nEOB\nid=2\nname=New York\nEOB\n"

var twoCityRecords = []Record{
	{"id": int64(1), "name": "Ottawa", "location": "Canada"},
	{"id": int64(2), "name": "New York"},
}

// chunkSource hands out the given chunks one Read at a time, then err (io.EOF when
// nil). It records whether it was closed.
type chunkSource struct {
	chunks   [][]byte
	err      error
	closed   int
	closeErr error
	reads    int
}

func newChunkSource(chunks ...string) *chunkSource {
	src := &chunkSource{}
	for _, c := range chunks {
		src.chunks = append(src.chunks, []byte(c))
	}
	return src
}

func (c *chunkSource) Read(p []byte) (int, error) {
	c.reads++
	if len(c.chunks) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (c *chunkSource) Close() error {
	c.closed++
	return c.closeErr
}

// split cuts s at the given offsets.
func split(s string, offsets ...int) []string {
	var out []string
	prev := 0
	for _, off := range offsets {
		out = append(out, s[prev:off])
		prev = off
	}
	return append(out, s[prev:])
}

type outcome struct {
	records []Record
	kinds   []EventKind
	err     error
	runErr  error
}

func run(t *testing.T, s *Stream) outcome {
	t.Helper()
	var o outcome
	o.runErr = s.Run(context.Background(), Handlers{
		OnRecord: func(r Record) {
			o.records = append(o.records, r)
			o.kinds = append(o.kinds, EventRecord)
		},
		OnEnd: func() { o.kinds = append(o.kinds, EventEnd) },
		OnError: func(err error) {
			o.err = err
			o.kinds = append(o.kinds, EventError)
		},
		OnComplete: func() { o.kinds = append(o.kinds, EventComplete) },
	})
	return o
}

func newStream(src io.Reader, opts ...Option) *Stream {
	return New(opts...).SetSchema(schema.Default()).SetSource(src)
}

func TestStream_SingleChunk(t *testing.T) {
	src := newChunkSource(twoCities)
	o := run(t, newStream(src))

	require.NoError(t, o.runErr)
	require.NoError(t, o.err)
	require.Equal(t, twoCityRecords, o.records)
	require.Equal(t, []EventKind{EventRecord, EventRecord, EventEnd, EventComplete}, o.kinds)
	require.Equal(t, 1, src.closed)
}

func TestStream_SplitInsideWord(t *testing.T) {
	cut := strings.Index(twoCities, "Ottawa") + 3
	o := run(t, newStream(newChunkSource(split(twoCities, cut)...)))
	require.Equal(t, twoCityRecords, o.records)
}

func TestStream_ChunkBoundariesDoNotMatter(t *testing.T) {
	input, err := os.ReadFile("testdata/cities.txt")
	require.NoError(t, err)

	want := run(t, newStream(bytes.NewReader(input))).records
	require.Len(t, want, 10)

	for _, size := range []int{1, 2, 3, 5, 7, 16, 31, 64, 1000} {
		got := run(t, newStream(bytes.NewReader(input), WithChunkSize(size))).records
		require.Equal(t, want, got, "chunk size %d", size)
	}

	// Uneven chunks from the source itself.
	s := string(input)
	got := run(t, newStream(newChunkSource(split(s, 1, 4, 5, 20, 21, 22, 100, 101)...))).records
	require.Equal(t, want, got)
}

func TestStream_CitiesSample(t *testing.T) {
	f, err := os.Open("testdata/cities.txt")
	require.NoError(t, err)

	var names []string
	var ids []int64
	o := run(t, newStream(f, WithChunkSize(13)))
	for _, r := range o.records {
		names = append(names, r["name"].(string))
		ids = append(ids, r["id"].(int64))
	}
	require.Equal(t, []string{"Ottawa", "New York", "Rome", "Sydney", "London", "Dubai", "Johannesburg", "Tokyo", "Beijing", "Moscow"}, names)
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, ids)
	require.Equal(t, EventComplete, o.kinds[len(o.kinds)-1])
}

func TestStream_LineAcrossTwoBoundaries(t *testing.T) {
	input := "name=Johannesburg\nEOB\n"
	o := run(t, newStream(newChunkSource(split(input, 7, 12)...)))
	require.Equal(t, []Record{{"name": "Johannesburg"}}, o.records)
}

func TestStream_DoubleTerminator(t *testing.T) {
	o := run(t, newStream(newChunkSource("id=1\nEOB\nEOB\nEOB\n")))
	require.Equal(t, []Record{{"id": int64(1)}}, o.records)
	require.NoError(t, o.err)
}

func TestStream_TruncatedInputDropped(t *testing.T) {
	src := newChunkSource("id=1\nname=Ottawa\n")
	s := newStream(src)
	o := run(t, s)
	require.Empty(t, o.records)
	require.Equal(t, []EventKind{EventEnd, EventComplete}, o.kinds)

	o = run(t, newStream(newChunkSource("id=1\nEOB\nid=2\nname=Rome")))
	require.Equal(t, []Record{{"id": int64(1)}}, o.records)
}

func TestStream_EmitPartial(t *testing.T) {
	o := run(t, newStream(newChunkSource("id=1\nEOB\nid=2\nname=Rome"), WithEndPolicy(EmitPartial)))
	require.Equal(t, []Record{{"id": int64(1)}, {"id": int64(2), "name": "Rome"}}, o.records)
	require.Equal(t, []EventKind{EventRecord, EventRecord, EventEnd, EventComplete}, o.kinds)

	// A trailing sentinel without a newline still closes the blob exactly once.
	o = run(t, newStream(newChunkSource("id=3\nEOB"), WithEndPolicy(EmitPartial)))
	require.Equal(t, []Record{{"id": int64(3)}}, o.records)

	o = run(t, newStream(newChunkSource(""), WithEndPolicy(EmitPartial)))
	require.Empty(t, o.records)
}

func TestStream_SourceError(t *testing.T) {
	boom := errors.New("disk on fire")
	src := newChunkSource("id=1\nEOB\nid=2\n")
	src.err = boom

	o := run(t, newStream(src))
	require.Equal(t, []Record{{"id": int64(1)}}, o.records)
	require.Same(t, boom, o.err)
	require.Same(t, boom, o.runErr)
	require.Equal(t, []EventKind{EventRecord, EventError, EventComplete}, o.kinds)
	require.Equal(t, 1, src.closed)
}

func TestStream_CloseError(t *testing.T) {
	src := newChunkSource("id=1\nEOB\n")
	src.closeErr = errors.New("close failed")

	o := run(t, newStream(src))
	require.Len(t, o.records, 1)
	require.NoError(t, o.err)
	require.Equal(t, []EventKind{EventRecord, EventEnd, EventComplete}, o.kinds)
	require.ErrorIs(t, o.runErr, src.closeErr)
}

func TestStream_NonCloserSource(t *testing.T) {
	o := run(t, newStream(strings.NewReader(twoCities)))
	require.Equal(t, twoCityRecords, o.records)
	require.Equal(t, EventComplete, o.kinds[len(o.kinds)-1])
}

func TestStream_Strict(t *testing.T) {
	src := newChunkSource("id=1\nEOB\nbad line\nid=2\nEOB\n")
	o := run(t, newStream(src, WithPolicy(Strict)))
	require.Equal(t, []Record{{"id": int64(1)}}, o.records)
	require.ErrorIs(t, o.err, ErrMalformedLine)
	require.ErrorIs(t, o.runErr, ErrMalformedLine)
	require.Equal(t, []EventKind{EventRecord, EventError, EventComplete}, o.kinds)
	require.Equal(t, 1, src.closed)

	o = run(t, newStream(newChunkSource("id=x\nEOB\n"), WithPolicy(Strict)))
	require.Empty(t, o.records)
	require.ErrorIs(t, o.err, ErrInvalidValue)
}

func TestStream_NotReady(t *testing.T) {
	called := false
	h := Handlers{OnComplete: func() { called = true }}

	require.NoError(t, New().Run(context.Background(), h))
	require.NoError(t, New().SetSchema(schema.Default()).Run(context.Background(), h))
	require.NoError(t, New().SetSource(strings.NewReader("x")).Run(context.Background(), h))
	require.False(t, called)
	require.False(t, New().Ready())
	require.True(t, newStream(strings.NewReader("")).Ready())

	for range New().Events(context.Background()) {
		t.Fatal("unexpected event")
	}
}

func TestStream_RunsOnce(t *testing.T) {
	s := newStream(strings.NewReader(twoCities))
	require.Len(t, run(t, s).records, 2)

	o := run(t, s)
	require.ErrorIs(t, o.runErr, ErrStreamStarted)
	require.Empty(t, o.kinds)

	var events []Event
	for ev := range s.Events(context.Background()) {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Kind)
	require.ErrorIs(t, events[0].Err, ErrStreamStarted)
}

func TestStream_Events(t *testing.T) {
	var kinds []EventKind
	var records []Record
	for ev := range newStream(newChunkSource(split(twoCities, 10, 11)...)).Events(context.Background()) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventRecord {
			records = append(records, ev.Record)
		}
	}
	require.Equal(t, twoCityRecords, records)
	require.Equal(t, []EventKind{EventRecord, EventRecord, EventEnd, EventComplete}, kinds)
}

func TestStream_EventsBreakAborts(t *testing.T) {
	src := newChunkSource(twoCities, twoCities)
	s := newStream(src, WithChunkSize(len(twoCities)))

	var got []Event
	for ev := range s.Events(context.Background()) {
		got = append(got, ev)
		break
	}
	require.Len(t, got, 1)
	require.Equal(t, EventRecord, got[0].Kind)
	require.Equal(t, 1, src.closed)
	require.Equal(t, 1, src.reads)
}

func TestStream_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := newChunkSource("id=1\nEOB\n", "id=2\n", "EOB\n")

	var records []Record
	var gotErr error
	completed := false
	err := newStream(src).Run(ctx, Handlers{
		OnRecord: func(r Record) {
			records = append(records, r)
			cancel()
		},
		OnError:    func(err error) { gotErr = err },
		OnComplete: func() { completed = true },
	})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, gotErr, context.Canceled)
	require.Len(t, records, 1)
	require.True(t, completed)
	require.Equal(t, 1, src.closed)
}

func TestStream_DeadlineBeforeStart(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	src := newChunkSource(twoCities)
	o := outcome{}
	o.runErr = newStream(src).Run(ctx, Handlers{OnRecord: func(r Record) { o.records = append(o.records, r) }})
	require.ErrorIs(t, o.runErr, context.DeadlineExceeded)
	require.Empty(t, o.records)
	require.Equal(t, 0, src.reads)
}

func TestStream_Stats(t *testing.T) {
	s := newStream(newChunkSource("noise\nid=1\nEOB\n", "id=2\nEOB\n"))
	run(t, s)
	stats := s.Stats()
	require.Equal(t, 2, stats.Chunks)
	require.Equal(t, int64(len("noise\nid=1\nEOB\nid=2\nEOB\n")), stats.Bytes)
	require.Equal(t, 5, stats.Lines)
	require.Equal(t, 2, stats.Records)
	require.Equal(t, 1, stats.Discarded)
}

func TestStream_CRLFSchema(t *testing.T) {
	sc := &schema.Schema{
		Settings:  schema.Settings{NewlineDelimiter: "\r\n", BlobEnd: "END"},
		Structure: map[string]schema.Field{"ok": {Type: schema.TypeBool}},
	}
	require.NoError(t, sc.Validate())

	input := "ok=true\r\nnote=a\rb\r\nEND\r\n"
	o := run(t, New().SetSchema(sc).SetSource(newChunkSource(split(input, 8, 15)...)))
	require.Equal(t, []Record{{"ok": true, "note": "a\rb"}}, o.records)
}

func TestStream_UnvalidatedSchemaGetsDefaults(t *testing.T) {
	sc := &schema.Schema{Settings: schema.Settings{BlobEnd: "EOB", KVPDelimiter: "="}}

	done := make(chan outcome, 1)
	go func() {
		done <- run(t, New().SetSchema(sc).SetSource(strings.NewReader("id=1\nEOB\n")))
	}()

	select {
	case o := <-done:
		require.NoError(t, o.runErr)
		require.Equal(t, []Record{{"id": "1"}}, o.records)
		require.Equal(t, []EventKind{EventRecord, EventEnd, EventComplete}, o.kinds)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	// The caller's schema is left as it was.
	require.Empty(t, sc.Settings.NewlineDelimiter)
}

func TestStream_InvalidSchemaReported(t *testing.T) {
	src := newChunkSource("id=1\nEOB\n")
	sc := &schema.Schema{Settings: schema.Settings{Mode: "singleLine"}}

	o := run(t, New().SetSchema(sc).SetSource(src))
	require.ErrorIs(t, o.runErr, schema.ErrUnsupportedMode)
	require.ErrorIs(t, o.err, schema.ErrUnsupportedMode)
	require.Empty(t, o.records)
	require.Equal(t, []EventKind{EventError, EventComplete}, o.kinds)
	require.Equal(t, 1, src.closed)
	require.Zero(t, src.reads)
}

func TestEventKindString(t *testing.T) {
	require.Equal(t, "record", EventRecord.String())
	require.Equal(t, "end", EventEnd.String())
	require.Equal(t, "error", EventError.String())
	require.Equal(t, "complete", EventComplete.String())
	require.Equal(t, "unknown", EventKind(0).String())
}
