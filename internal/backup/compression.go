package backup

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor streams one compression algorithm
type Compressor interface {
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
	GetAlgorithm() CompressionType
	GetDefaultLevel() int
}

// CompressionManager manages compression operations
type CompressionManager struct {
	compressors map[CompressionType]Compressor
}

// NewCompressionManager creates a new compression manager
func NewCompressionManager() *CompressionManager {
	cm := &CompressionManager{
		compressors: make(map[CompressionType]Compressor),
	}

	cm.compressors[CompressionTypeGzip] = &GzipCompressor{}
	cm.compressors[CompressionTypeLZ4] = &LZ4Compressor{}
	cm.compressors[CompressionTypeZstd] = &ZstdCompressor{}

	return cm
}

// GetCompressor returns the compressor registered for algorithm
func (cm *CompressionManager) GetCompressor(algorithm CompressionType) (Compressor, error) {
	compressor, ok := cm.compressors[algorithm]
	if !ok {
		return nil, NewTransformError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}
	return compressor, nil
}

// GetSupportedAlgorithms returns the algorithms that can be used for compression
func (cm *CompressionManager) GetSupportedAlgorithms() []CompressionType {
	return []CompressionType{CompressionTypeNone, CompressionTypeGzip, CompressionTypeLZ4, CompressionTypeZstd}
}

// NewWriter wraps w with the given algorithm. Level 0 selects the algorithm default.
func (cm *CompressionManager) NewWriter(w io.Writer, algorithm CompressionType, level int) (io.WriteCloser, error) {
	if algorithm == CompressionTypeNone || algorithm == "" {
		return nopWriteCloser{w}, nil
	}
	compressor, err := cm.GetCompressor(algorithm)
	if err != nil {
		return nil, err
	}
	if level == 0 {
		level = compressor.GetDefaultLevel()
	}
	return compressor.NewWriter(w, level)
}

// NewReader wraps r with the decompressor for algorithm.
func (cm *CompressionManager) NewReader(r io.Reader, algorithm CompressionType) (io.ReadCloser, error) {
	if algorithm == CompressionTypeNone || algorithm == "" {
		return io.NopCloser(r), nil
	}
	compressor, err := cm.GetCompressor(algorithm)
	if err != nil {
		return nil, err
	}
	return compressor.NewReader(r)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// GzipCompressor implements gzip compression
type GzipCompressor struct{}

func (gc *GzipCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	zw, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, NewTransformError("failed to create gzip writer", err)
	}
	return zw, nil
}

func (gc *GzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, NewTransformError("failed to create gzip reader", err)
	}
	return zr, nil
}

func (gc *GzipCompressor) GetAlgorithm() CompressionType { return CompressionTypeGzip }
func (gc *GzipCompressor) GetDefaultLevel() int          { return gzip.DefaultCompression }

// LZ4Compressor implements LZ4 compression
type LZ4Compressor struct{}

var lz4Levels = []lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

func (lc *LZ4Compressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	if level < 0 || level >= len(lz4Levels) {
		level = 0
	}
	zw := lz4.NewWriter(w)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4Levels[level])); err != nil {
		return nil, NewTransformError("failed to configure lz4 writer", err)
	}
	return zw, nil
}

func (lc *LZ4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (lc *LZ4Compressor) GetAlgorithm() CompressionType { return CompressionTypeLZ4 }
func (lc *LZ4Compressor) GetDefaultLevel() int          { return 0 }

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct{}

func (zc *ZstdCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, NewTransformError("failed to create zstd writer", err)
	}
	return zw, nil
}

func (zc *ZstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, NewTransformError("failed to create zstd reader", err)
	}
	return decoder.IOReadCloser(), nil
}

func (zc *ZstdCompressor) GetAlgorithm() CompressionType { return CompressionTypeZstd }
func (zc *ZstdCompressor) GetDefaultLevel() int          { return 3 }
