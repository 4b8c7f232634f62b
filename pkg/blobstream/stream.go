package blobstream

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"

	"blobstream/pkg/schema"
)

// DefaultChunkSize is the size of each read from the source.
const DefaultChunkSize = 64 * 1024

// EndPolicy decides what happens to unterminated input when the source ends.
type EndPolicy int

const (
	// DropPartial discards a trailing partial line and an unclosed blob.
	DropPartial EndPolicy = iota
	// EmitPartial treats the end of input as a final delimiter and sentinel.
	EmitPartial
)

var ErrStreamStarted = errors.New("stream already started")

// Stats counts what a stream has processed so far.
type Stats struct {
	Chunks    int
	Bytes     int64
	Lines     int
	Records   int
	Discarded int
}

// Option configures a Stream.
type Option func(*Stream)

// WithChunkSize sets the read size. Values below one are ignored.
func WithChunkSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithPolicy sets how malformed lines and values are handled. The default is Lenient.
func WithPolicy(p Policy) Option {
	return func(s *Stream) {
		s.policy = p
	}
}

// WithEndPolicy sets what happens to unterminated input. The default is DropPartial.
func WithEndPolicy(p EndPolicy) Option {
	return func(s *Stream) {
		s.endPolicy = p
	}
}

// WithLogger sets the logger for stream lifecycle messages. Nil keeps slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	}
}

// Stream drives one pass over a byte source: chunks are split into lines, lines are
// assembled into records, and records are delivered in input order. A Stream is not
// safe for concurrent use and runs only once; use one Stream per source.
type Stream struct {
	schema    *schema.Schema
	source    io.Reader
	chunkSize int
	policy    Policy
	endPolicy EndPolicy
	logger    *slog.Logger

	started bool
	stats   Stats
}

// New returns a Stream configured by opts. It needs a schema and a source before it
// can run.
func New(opts ...Option) *Stream {
	s := &Stream{
		chunkSize: DefaultChunkSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSchema sets the schema. Run validates a copy of it and reports an invalid schema
// through OnError.
func (s *Stream) SetSchema(sc *schema.Schema) *Stream {
	s.schema = sc
	return s
}

// SetSource sets the byte source. If it implements io.Closer it is closed when the
// stream finishes.
func (s *Stream) SetSource(r io.Reader) *Stream {
	s.source = r
	return s
}

// Ready reports whether both a schema and a source have been set.
func (s *Stream) Ready() bool {
	return s.schema != nil && s.source != nil
}

func (s *Stream) Stats() Stats {
	return s.stats
}

// Run processes the source and calls h for every outcome: OnRecord per blob, then
// OnEnd or OnError, then OnComplete after the source was closed. It does nothing and
// returns nil when the stream is not Ready. The returned error is the one passed to
// OnError, if any.
//
// The context is checked between chunks; cancellation halts the stream with ctx.Err()
// reported through OnError.
func (s *Stream) Run(ctx context.Context, h Handlers) error {
	if !s.Ready() {
		return nil
	}
	return s.run(ctx, h.dispatch)
}

// Events returns the outcomes of the stream as a sequence. Breaking out of the loop
// closes the source and discards all pending state. The sequence can be ranged over
// once; a second attempt yields a single EventError with ErrStreamStarted. An empty
// sequence is returned when the stream is not Ready.
func (s *Stream) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if !s.Ready() {
			return
		}
		if err := s.run(ctx, yield); errors.Is(err, ErrStreamStarted) {
			yield(Event{Kind: EventError, Err: err})
		}
	}
}

func (s *Stream) run(ctx context.Context, emit func(Event) bool) error {
	if s.started {
		return ErrStreamStarted
	}
	s.started = true

	p := &pass{stream: s, emit: emit}

	// Validate a copy so unset delimiters get their defaults without touching the
	// caller's schema.
	sc := *s.schema
	if err := sc.Validate(); err != nil {
		s.logger.Debug("Stream rejected schema", "error", err)
		p.fail(err)
	} else {
		p.lines = NewLineSplitter(sc.Settings.NewlineDelimiter)
		p.asm = NewAssembler(&sc, s.policy)
		s.logger.Debug("Stream started",
			"blob_end", sc.Settings.BlobEnd,
			"chunk_size", s.chunkSize,
			"policy", s.policy.String())

		p.consume(ctx)
		s.stats.Lines = p.asm.Lines()
		s.stats.Discarded = p.asm.Discarded()
	}

	if closer, ok := s.source.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn("Failed to close source", "error", err)
			if p.err == nil {
				p.err = err
			}
		}
	}
	if !p.stopped {
		emit(Event{Kind: EventComplete})
	}

	s.logger.Debug("Stream finished",
		"chunks", s.stats.Chunks,
		"bytes", s.stats.Bytes,
		"lines", s.stats.Lines,
		"records", s.stats.Records,
		"discarded", s.stats.Discarded)
	return p.err
}

// pass holds the state of one run.
type pass struct {
	stream *Stream
	lines  *LineSplitter
	asm    *Assembler
	emit   func(Event) bool

	err error
	// stopped is set once the consumer declined further events.
	stopped bool
}

func (p *pass) consume(ctx context.Context) {
	s := p.stream
	buf := make([]byte, s.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			p.discard()
			p.fail(err)
			return
		}

		n, err := s.source.Read(buf)
		if n > 0 {
			s.stats.Chunks++
			s.stats.Bytes += int64(n)
			if !p.feed(buf[:n]) {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			p.end()
			return
		}
		if err != nil {
			p.discard()
			p.fail(err)
			return
		}
	}
}

// feed pushes one chunk through the splitter and assembler. It returns false when the
// stream must halt.
func (p *pass) feed(chunk []byte) bool {
	for _, line := range p.lines.Feed(chunk) {
		if !p.line(line) {
			return false
		}
	}
	return true
}

func (p *pass) line(line string) bool {
	rec, done, err := p.asm.Line(line)
	if err != nil {
		p.discard()
		p.fail(err)
		return false
	}
	if done {
		return p.record(rec)
	}
	return true
}

func (p *pass) record(rec Record) bool {
	p.stream.stats.Records++
	if !p.emit(Event{Kind: EventRecord, Record: rec}) {
		p.stopped = true
		p.discard()
		return false
	}
	return true
}

func (p *pass) end() {
	s := p.stream
	if s.endPolicy == EmitPartial {
		if tail, ok := p.lines.Flush(); ok {
			if !p.line(tail) {
				return
			}
		}
		if rec, ok := p.asm.Flush(); ok {
			if !p.record(rec) {
				return
			}
		}
	} else if p.lines.Pending() > 0 || p.asm.Open() {
		s.logger.Debug("Dropping unterminated input at end of stream",
			"pending_bytes", p.lines.Pending(),
			"open_blob", p.asm.Open())
		p.discard()
	}
	if !p.emit(Event{Kind: EventEnd}) {
		p.stopped = true
	}
}

func (p *pass) fail(err error) {
	p.err = err
	if !p.emit(Event{Kind: EventError, Err: err}) {
		p.stopped = true
	}
}

func (p *pass) discard() {
	p.lines.Reset()
	p.asm.Reset()
}
