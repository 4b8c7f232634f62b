package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"

	"blobstream/internal/render"
	"blobstream/internal/sse"
	"blobstream/pkg/blobstream"
	"blobstream/pkg/schema"
	"blobstream/pkg/source"
)

type Server struct {
	registry *schema.Registry
	started  time.Time

	streams atomic.Int64
	active  atomic.Int64
	records atomic.Int64
}

func New(registry *schema.Registry) *Server {
	return &Server{
		registry: registry,
		started:  time.Now(),
	}
}

// message is the NDJSON and websocket representation of a stream event.
type message struct {
	Type   string         `json:"type"`
	Record map[string]any `json:"record,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func newMessage(ev blobstream.Event) message {
	m := message{Type: ev.Kind.String()}
	switch ev.Kind {
	case blobstream.EventRecord:
		m.Record = render.JSONValue(ev.Record)
	case blobstream.EventError:
		m.Error = ev.Err.Error()
	}
	return m
}

// httpError carries a status code out of a handler.
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return e.message
}

// handlerFunc is the signature of handlers that produce the whole response at once
type handlerFunc func(*http.Request) ([]byte, error)

// wrapHandler adapts a handlerFunc to http.HandlerFunc
func (s *Server) wrapHandler(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := h(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var he *httpError
	if errors.As(err, &he) {
		slog.Error("HTTP handler error",
			"method", r.Method,
			"path", r.URL.Path,
			"status", he.status,
			"error", he.message)
		http.Error(w, he.message, he.status)
		return
	}
	slog.Error("HTTP handler error",
		"method", r.Method,
		"path", r.URL.Path,
		"status", http.StatusInternalServerError,
		"error", err.Error())
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// loggingMiddleware logs each HTTP request
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack implements http.Hijacker to support WebSocket upgrades
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
}

// Flush implements http.Flusher to support streaming
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /parse/{schema}", s.handleParse)
	mux.HandleFunc("GET /ws/{schema}", s.handleWebSocket)
	mux.HandleFunc("GET /schemas", s.wrapHandler(s.handleSchemas))
	mux.HandleFunc("GET /status", s.wrapHandler(s.handleStatus))
	return s.loggingMiddleware(mux)
}

// lookupSchema maps registry failures onto HTTP status codes.
func (s *Server) lookupSchema(name string) (*schema.Schema, error) {
	sc, err := s.registry.Lookup(name)
	switch {
	case err == nil:
		return sc, nil
	case errors.Is(err, schema.ErrNotFound):
		return nil, &httpError{status: http.StatusNotFound, message: err.Error()}
	case errors.Is(err, schema.ErrInvalidName):
		return nil, &httpError{status: http.StatusBadRequest, message: err.Error()}
	}
	return nil, err
}

// streamOptions reads the strict and partial query parameters.
func streamOptions(r *http.Request, name string) []blobstream.Option {
	opts := []blobstream.Option{blobstream.WithLogger(slog.Default().With("schema", name))}
	q := r.URL.Query()
	if q.Get("strict") == "1" || q.Get("strict") == "true" {
		opts = append(opts, blobstream.WithPolicy(blobstream.Strict))
	}
	if q.Get("partial") == "1" || q.Get("partial") == "true" {
		opts = append(opts, blobstream.WithEndPolicy(blobstream.EmitPartial))
	}
	return opts
}

// handleParse streams the request body through the named schema and answers with SSE
// when the client accepts text/event-stream, NDJSON otherwise.
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("schema")
	sc, err := s.lookupSchema(name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	compression := source.None
	if enc := r.Header.Get("Content-Encoding"); enc != "" {
		compression, err = source.ParseCompression(enc)
		if err != nil {
			writeError(w, r, &httpError{status: http.StatusUnsupportedMediaType, message: err.Error()})
			return
		}
	}
	body, err := source.Wrap(r.Body, compression)
	if err != nil {
		writeError(w, r, &httpError{status: http.StatusBadRequest, message: err.Error()})
		return
	}

	var send func(blobstream.Event) error
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		sw := sse.NewWriter(w)
		send = func(ev blobstream.Event) error {
			return sw.Send(sse.FromStream(ev))
		}
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		flusher, _ := w.(http.Flusher)
		send = func(ev blobstream.Event) error {
			if err := enc.Encode(newMessage(ev)); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		}
	}

	stream := blobstream.New(streamOptions(r, name)...).SetSchema(sc).SetSource(body)
	s.serveStream(r, stream, send)
}

// serveStream forwards every event of stream through send and keeps the counters.
func (s *Server) serveStream(r *http.Request, stream *blobstream.Stream, send func(blobstream.Event) error) {
	s.streams.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)

	for ev := range stream.Events(r.Context()) {
		if ev.Kind == blobstream.EventRecord {
			s.records.Add(1)
		}
		if err := send(ev); err != nil {
			slog.Warn("Client went away, aborting stream", "path", r.URL.Path, "error", err)
			break
		}
	}
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		// Check if the Origin header matches the Host header
		// This prevents cross-site WebSocket hijacking attacks
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Allow requests without Origin header (e.g., from native apps)
			return true
		}

		host := r.Host
		for _, expected := range []string{"http://" + host, "https://" + host} {
			if origin == expected {
				return true
			}
		}

		slog.Warn("Rejected WebSocket connection from unauthorized origin", "origin", origin, "host", host)
		return false
	},
}

// handleWebSocket treats every client message as a chunk of input. An empty message
// or a close frame ends the input. Events are sent back as JSON text messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("schema")
	sc, err := s.lookupSchema(name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("Failed to close WebSocket connection", "error", err)
		}
	}()

	stream := blobstream.New(streamOptions(r, name)...).SetSchema(sc).SetSource(&wsSource{conn: conn})
	s.serveStream(r, stream, func(ev blobstream.Event) error {
		return conn.WriteJSON(newMessage(ev))
	})

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// wsSource reads websocket messages as one continuous byte stream.
type wsSource struct {
	conn *websocket.Conn
	cur  io.Reader
	n    int // bytes read from cur
}

func (s *wsSource) Read(p []byte) (int, error) {
	for {
		if s.cur == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.cur, s.n = r, 0
		}
		n, err := s.cur.Read(p)
		s.n += n
		if errors.Is(err, io.EOF) {
			empty := s.n == 0
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			if empty {
				return 0, io.EOF
			}
			continue
		}
		return n, err
	}
}

func (s *Server) handleSchemas(r *http.Request) ([]byte, error) {
	names, err := s.registry.List()
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"schemas": names})
}

// Status is the body of GET /status.
type Status struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Streams       int64  `json:"streams"`
	ActiveStreams int64  `json:"active_streams"`
	Records       int64  `json:"records"`
	RSSBytes      uint64 `json:"rss_bytes,omitempty"`
}

func (s *Server) handleStatus(r *http.Request) ([]byte, error) {
	st := Status{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Streams:       s.streams.Load(),
		ActiveStreams: s.active.Load(),
		Records:       s.records.Load(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfoWithContext(r.Context()); err == nil {
			st.RSSBytes = mem.RSS
		} else {
			slog.Debug("Failed to read memory info", "error", err)
		}
	}
	return json.Marshal(st)
}

// GetSchemaDir returns the schema directory, using the provided value or falling back
// to $BLOBSTREAM_SCHEMA_DIR. An empty result means only builtin schemas are available.
func GetSchemaDir(schemaDir string) (string, error) {
	if schemaDir == "" {
		schemaDir = os.Getenv("BLOBSTREAM_SCHEMA_DIR")
		if schemaDir == "" {
			return "", nil
		}
	}
	info, err := os.Stat(schemaDir)
	if err != nil {
		return "", fmt.Errorf("schema directory %s: %w", schemaDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("schema directory %s is not a directory", schemaDir)
	}
	return schemaDir, nil
}

func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "url", "http://"+addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// Run starts the server with the given configuration
func Run(schemaDir, port string) error {
	schemaDir, err := GetSchemaDir(schemaDir)
	if err != nil {
		return err
	}

	registry := schema.NewRegistry(schemaDir)
	names, err := registry.List()
	if err != nil {
		return err
	}
	slog.Info("Schemas available", "dir", schemaDir, "schemas", names)

	return New(registry).Start(fmt.Sprintf("localhost:%s", port))
}
