package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"blobstream/internal/dedupe"
	"blobstream/internal/render"
	"blobstream/internal/server"
	"blobstream/pkg/blobstream"
	"blobstream/pkg/schema"
	"blobstream/pkg/source"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	schemaDir string
	verbose   bool

	schemaName  string
	format      string
	chunkSize   int
	strict      bool
	emitPartial bool
	dedup       bool
	compression string

	port string
)

var rootCmd = &cobra.Command{
	Use:   "blobstream",
	Short: "blobstream - Parse key=value blob files into records",
	Long: `blobstream reads files made of repeated key=value blobs, each closed by a
sentinel line, and turns every blob into a typed record. The delimiters and field
types come from a schema file.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(cmd.ErrOrStderr(), verbose)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func setupLogging(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

var parseCmd = &cobra.Command{
	Use:   "parse [file...]",
	Short: "Parse blob files and print the records",
	Long: `Parse one or more blob files (stdin when none is given, or "-") and print one
record per blob. Compressed input (gzip, zstd, lz4, s2) is detected automatically.

Files are parsed one after another, each with a fresh parser.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := server.GetSchemaDir(schemaDir)
		if err != nil {
			return err
		}
		sc, err := schema.NewRegistry(dir).Resolve(schemaName)
		if err != nil {
			return err
		}
		comp, err := source.ParseCompression(compression)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		f, width, err := outputFormat(out, format)
		if err != nil {
			return err
		}
		w, err := render.NewWriter(out, f, render.Options{Columns: sc.Fields(), Width: width})
		if err != nil {
			return err
		}

		opts := []blobstream.Option{blobstream.WithChunkSize(chunkSize)}
		if strict {
			opts = append(opts, blobstream.WithPolicy(blobstream.Strict))
		}
		if emitPartial {
			opts = append(opts, blobstream.WithEndPolicy(blobstream.EmitPartial))
		}
		var filter *dedupe.Filter
		if dedup {
			filter = dedupe.New()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		if len(args) == 0 {
			args = []string{source.Stdin}
		}
		var runErr error
		for _, path := range args {
			if err := parseFile(ctx, path, sc, comp, opts, w, filter); err != nil {
				runErr = err
				break
			}
		}
		if err := w.Close(); err != nil && runErr == nil {
			runErr = err
		}
		return runErr
	},
}

// outputFormat resolves the --format flag. Without one, terminals get a table and
// everything else gets JSON lines.
func outputFormat(out io.Writer, name string) (render.Format, int, error) {
	width := 0
	isTTY := false
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		isTTY = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil {
			width = w
		}
	}
	if name == "" {
		if isTTY {
			return render.Text, width, nil
		}
		return render.JSONL, width, nil
	}
	f, err := render.ParseFormat(name)
	return f, width, err
}

func parseFile(ctx context.Context, path string, sc *schema.Schema, comp source.Compression, opts []blobstream.Option, w render.Writer, filter *dedupe.Filter) error {
	src, err := source.Open(path, comp)
	if err != nil {
		return err
	}
	logger := slog.Default().With("file", path)
	stream := blobstream.New(append(opts, blobstream.WithLogger(logger))...).SetSchema(sc).SetSource(src)

	var writeErr error
	duplicates := 0
	err = stream.Run(ctx, blobstream.Handlers{
		OnRecord: func(rec blobstream.Record) {
			if writeErr != nil {
				return
			}
			if filter != nil && filter.Seen(rec) {
				duplicates++
				return
			}
			writeErr = w.Write(rec)
		},
	})
	stats := stream.Stats()
	logger.Debug("Parsed file",
		"records", stats.Records,
		"duplicates", duplicates,
		"discarded_lines", stats.Discarded,
		"bytes", stats.Bytes)

	if err != nil {
		var lineErr *blobstream.LineError
		if errors.As(err, &lineErr) {
			return fmt.Errorf("%s:%d: %w", path, lineErr.Line, lineErr.Err)
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	return writeErr
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start an HTTP server that parses uploaded blob streams.

  POST /parse/{schema}  request body in, NDJSON or SSE (Accept: text/event-stream) out
  GET  /ws/{schema}     websocket: each message is a chunk, an empty message ends input
  GET  /schemas         available schema names
  GET  /status          counters and memory usage`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Run(schemaDir, port)
	},
}

var schemasCmd = &cobra.Command{
	Use:   "schemas",
	Short: "List available schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := server.GetSchemaDir(schemaDir)
		if err != nil {
			return err
		}
		names, err := schema.NewRegistry(dir).List()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&schemaDir, "schema-dir", "", "Directory with schema files (default: $BLOBSTREAM_SCHEMA_DIR)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	parseCmd.Flags().StringVarP(&schemaName, "schema", "s", schema.SampleName, "Schema name or path to a .json, .jsonc or .yaml schema file")
	parseCmd.Flags().StringVarP(&format, "format", "f", "", "Output format: jsonl, json, markdown, html, text (default: text on a terminal, jsonl otherwise)")
	parseCmd.Flags().IntVar(&chunkSize, "chunk-size", blobstream.DefaultChunkSize, "Bytes read per chunk")
	parseCmd.Flags().BoolVar(&strict, "strict", false, "Fail on lines without a delimiter and on values that do not match their type")
	parseCmd.Flags().BoolVar(&emitPartial, "emit-partial", false, "Emit an unterminated trailing blob at end of input")
	parseCmd.Flags().BoolVar(&dedup, "dedupe", false, "Drop records identical to an earlier one")
	parseCmd.Flags().StringVar(&compression, "compression", "auto", "Input compression: auto, none, gzip, zstd, lz4, s2")

	serveCmd.Flags().StringVarP(&port, "port", "p", "22124", "Port to listen on")

	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schemasCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
