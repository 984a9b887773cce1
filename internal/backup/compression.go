package backup

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType represents the compression algorithm of an archive
type CompressionType string

const (
	CompressionTypeNone CompressionType = "none"
	CompressionTypeGzip CompressionType = "gzip"
	CompressionTypeLZ4  CompressionType = "lz4"
	CompressionTypeZstd CompressionType = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Extension returns the file extension appended to a tar archive
func (c CompressionType) Extension() string {
	switch c {
	case CompressionTypeGzip:
		return ".gz"
	case CompressionTypeLZ4:
		return ".lz4"
	case CompressionTypeZstd:
		return ".zst"
	}
	return ""
}

// DetectCompression identifies the compression of a stream from its first bytes
func DetectCompression(header []byte) CompressionType {
	switch {
	case bytes.HasPrefix(header, zstdMagic):
		return CompressionTypeZstd
	case bytes.HasPrefix(header, lz4Magic):
		return CompressionTypeLZ4
	case bytes.HasPrefix(header, gzipMagic):
		return CompressionTypeGzip
	}
	return CompressionTypeNone
}

// NewCompressWriter wraps w with the given algorithm. Level 0 selects the
// algorithm default; levels run from 1 (fastest) to 9 (smallest). Output is
// deterministic for identical input.
func NewCompressWriter(w io.Writer, algorithm CompressionType, level int) (io.WriteCloser, error) {
	switch algorithm {
	case CompressionTypeNone, "":
		return nopWriteCloser{w}, nil

	case CompressionTypeGzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		writer, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, NewCompressionError("failed to create gzip writer", err)
		}
		return writer, nil

	case CompressionTypeLZ4:
		writer := lz4.NewWriter(w)
		if level > 0 {
			if err := writer.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
				return nil, NewCompressionError("failed to set LZ4 compression level", err)
			}
		}
		return writer, nil

	case CompressionTypeZstd:
		writer, err := zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstdLevel(level)),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, NewCompressionError("failed to create zstd writer", err)
		}
		return writer, nil
	}

	return nil, NewCompressionError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
}

// NewDecompressReader wraps r with a decompressor for algorithm
func NewDecompressReader(r io.Reader, algorithm CompressionType) (io.ReadCloser, error) {
	switch algorithm {
	case CompressionTypeNone, "":
		return io.NopCloser(r), nil

	case CompressionTypeGzip:
		reader, err := gzip.NewReader(r)
		if err != nil {
			return nil, NewCorruptionError("failed to read gzip header", err)
		}
		return reader, nil

	case CompressionTypeLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil

	case CompressionTypeZstd:
		decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, NewCorruptionError("failed to create zstd reader", err)
		}
		return decoder.IOReadCloser(), nil
	}

	return nil, NewCompressionError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
}

// NewAutoDecompressReader sniffs the compression of r and decompresses it
func NewAutoDecompressReader(r io.Reader) (io.ReadCloser, CompressionType, error) {
	buffered := bufio.NewReader(r)
	header, err := buffered.Peek(4)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, "", NewCorruptionError("failed to read archive header", err)
	}

	algorithm := DetectCompression(header)
	reader, err := NewDecompressReader(buffered, algorithm)
	if err != nil {
		return nil, "", err
	}
	return reader, algorithm, nil
}

func lz4Level(level int) lz4.CompressionLevel {
	levels := []lz4.CompressionLevel{
		lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
		lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
	}
	if level < 1 {
		level = 1
	}
	if level > len(levels) {
		level = len(levels)
	}
	return levels[level-1]
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level == 0:
		return zstd.SpeedDefault
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 8:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
