package fileutil

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/ulikunitz/xz"
)

// Codec identifies a stream compression container.
type Codec string

const (
	// CodecNone writes and reads plain bytes.
	CodecNone Codec = ""
	// CodecGzip uses the gzip container.
	CodecGzip Codec = "gzip"
	// CodecXz uses the xz container.
	CodecXz Codec = "xz"
	// CodecSnappy uses the framed snappy container.
	CodecSnappy Codec = "snappy"
)

// CodecForPath infers the codec from a file extension.
func CodecForPath(path string) Codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return CodecGzip
	case ".xz":
		return CodecXz
	case ".snappy", ".sz":
		return CodecSnappy
	default:
		return CodecNone
	}
}

// Ext returns the filename extension for the codec, including the leading
// dot, or "" for CodecNone.
func (c Codec) Ext() string {
	switch c {
	case CodecGzip:
		return ".gz"
	case CodecXz:
		return ".xz"
	case CodecSnappy:
		return ".snappy"
	default:
		return ""
	}
}

// readCloser pairs a decompressing reader with the closers beneath it.
type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open opens path for reading, transparently decompressing by extension.
// The decompressed stream is never materialized: callers read it
// incrementally, which keeps memory bounded for multi-gigabyte logs.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path) // #nosec G304 -- caller-controlled log path
	if err != nil {
		return nil, err
	}

	switch CodecForPath(path) {
	case CodecGzip:
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return &readCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case CodecXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open xz stream: %w", err)
		}
		return &readCloser{Reader: xr, closers: []io.Closer{f}}, nil
	case CodecSnappy:
		return &readCloser{Reader: snappy.NewReader(f), closers: []io.Closer{f}}, nil
	default:
		return f, nil
	}
}

// writeCloser pairs a compressing writer with the closers beneath it, in
// close order.
type writeCloser struct {
	io.Writer
	closers []io.Closer
}

func (w *writeCloser) Close() error {
	var first error
	for _, c := range w.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WrapWriter layers the codec's compressor over w. Closing the returned
// writer flushes the compressor and closes w.
func WrapWriter(w io.WriteCloser, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case CodecGzip:
		zw := gzip.NewWriter(w)
		return &writeCloser{Writer: zw, closers: []io.Closer{zw, w}}, nil
	case CodecXz:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("open xz writer: %w", err)
		}
		return &writeCloser{Writer: xw, closers: []io.Closer{xw, w}}, nil
	case CodecSnappy:
		sw := snappy.NewBufferedWriter(w)
		return &writeCloser{Writer: sw, closers: []io.Closer{sw, w}}, nil
	case CodecNone:
		return w, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
}

// CreateAtomic opens an atomic writer for path, layering the compressor
// implied by the path's extension. Close commits the file.
func CreateAtomic(path string, perm os.FileMode) (io.WriteCloser, error) {
	aw, err := NewAtomicWriter(path, perm)
	if err != nil {
		return nil, err
	}
	w, err := WrapWriter(aw, CodecForPath(path))
	if err != nil {
		aw.Abort()
		return nil, err
	}
	return w, nil
}
