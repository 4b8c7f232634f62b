// Package source opens the byte streams blobs are read from: files, stdin or any
// reader, transparently decompressed.
package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names the encoding of a source.
type Compression string

const (
	Auto Compression = "auto"
	None Compression = "none"
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
	LZ4  Compression = "lz4"
	S2   Compression = "s2"
)

// Stdin is the path that selects standard input.
const Stdin = "-"

var ErrUnknownCompression = errors.New("unknown compression")

var magics = []struct {
	prefix []byte
	c      Compression
}{
	{[]byte{0x1f, 0x8b}, Gzip},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, Zstd},
	{[]byte{0x04, 0x22, 0x4d, 0x18}, LZ4},
	{[]byte("\xff\x06\x00\x00S2sTwO"), S2},
	{[]byte("\xff\x06\x00\x00sNaPpY"), S2},
}

// ParseCompression accepts the names above plus the common aliases "gz", "zst",
// "snappy" and "" (auto).
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return Auto, nil
	case "none", "identity":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	case "s2", "snappy", "sz":
		return S2, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCompression, name)
}

// FromExtension returns the compression implied by a file name, or Auto if the
// extension says nothing.
func FromExtension(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return Gzip
	case ".zst", ".zstd":
		return Zstd
	case ".lz4":
		return LZ4
	case ".s2", ".sz", ".snappy":
		return S2
	}
	return Auto
}

// Open opens path, or stdin for "-", and wraps it with Wrap. With Auto the file
// extension is consulted before the content is sniffed.
func Open(path string, c Compression) (io.ReadCloser, error) {
	var f io.ReadCloser
	if path == Stdin {
		f = io.NopCloser(os.Stdin)
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		f = file
		if c == Auto {
			c = FromExtension(path)
		}
	}
	rc, err := Wrap(f, c)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rc, nil
}

// Wrap returns a reader that decompresses r. Auto detects gzip, zstd, lz4 and s2/snappy
// framing from the first bytes and passes anything else through. Closing the result
// closes r when r is an io.Closer.
func Wrap(r io.Reader, c Compression) (io.ReadCloser, error) {
	if c == Auto {
		br := bufio.NewReader(r)
		c = sniff(br)
		r = readCloser{Reader: br, closer: r}
	}

	switch c {
	case None:
		return readCloser{Reader: r, closer: r}, nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return readCloser{Reader: zr, closer: r, decoder: zr}, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return readCloser{Reader: zr, closer: r, decoder: zr.IOReadCloser()}, nil
	case LZ4:
		return readCloser{Reader: lz4.NewReader(r), closer: r}, nil
	case S2:
		return readCloser{Reader: s2.NewReader(r), closer: r}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, c)
}

func sniff(br *bufio.Reader) Compression {
	head, _ := br.Peek(10)
	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return m.c
		}
	}
	return None
}

// readCloser closes the decoder first, then the underlying source.
type readCloser struct {
	io.Reader
	closer  any
	decoder io.Closer
}

func (rc readCloser) Close() error {
	var errs []error
	if rc.decoder != nil {
		errs = append(errs, rc.decoder.Close())
	}
	if c, ok := rc.closer.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
