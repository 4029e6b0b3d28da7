package backup

import (
	"context"
	"errors"
	"io"
	"os"
)

// Pipeline applies the reversible transform stages to captured artifacts.
// Compression always runs before encryption so it operates on plaintext.
type Pipeline struct {
	compression *CompressionManager
	encryption  *EncryptionManager
}

// NewPipeline creates a transform pipeline
func NewPipeline(compression *CompressionManager, encryption *EncryptionManager) *Pipeline {
	if compression == nil {
		compression = NewCompressionManager()
	}
	if encryption == nil {
		encryption = NewEncryptionManager()
	}
	return &Pipeline{compression: compression, encryption: encryption}
}

// Apply transforms rawPath into outPath. The returned checksum covers the final
// bytes on disk. With no stage enabled the raw artifact is used as-is and
// outPath is not written.
func (p *Pipeline) Apply(ctx context.Context, rawPath, outPath string, opts TransformOptions) (*TransformResult, error) {
	compress := opts.Compression != "" && opts.Compression != CompressionTypeNone

	if !compress && !opts.Encrypt {
		checksum, size, err := ChecksumFile(rawPath)
		if err != nil {
			return nil, NewTransformError("failed to checksum raw artifact", err)
		}
		return &TransformResult{
			Path:        rawPath,
			Size:        size,
			Checksum:    checksum,
			RawChecksum: checksum,
			RawSize:     size,
		}, nil
	}

	in, err := os.Open(rawPath)
	if err != nil {
		return nil, NewTransformError("failed to open raw artifact", err)
	}
	defer in.Close()

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, NewTransformError("failed to create transformed artifact", err)
	}
	defer out.Close()

	final := newDigestWriter(out)
	var sink io.Writer = final
	var stages []io.Closer
	var key []byte

	if opts.Encrypt {
		key, err = p.encryption.GenerateKey()
		if err != nil {
			return nil, err
		}
		encWriter, err := p.encryption.NewEncryptWriter(sink, key)
		if err != nil {
			return nil, asPipelineError(BackupErrorTypeTransform, "failed to start encryption", err)
		}
		sink = encWriter
		stages = append(stages, encWriter)
	}

	if compress {
		compWriter, err := p.compression.NewWriter(sink, opts.Compression, opts.Level)
		if err != nil {
			return nil, asPipelineError(BackupErrorTypeTransform, "failed to start compression", err)
		}
		sink = compWriter
		stages = append(stages, compWriter)
	}

	raw := newDigestWriter(sink)
	if _, err := io.Copy(raw, newContextReader(ctx, in)); err != nil {
		return nil, asPipelineError(BackupErrorTypeTransform, "failed to transform artifact", err)
	}

	// Innermost stage first: the compressor flushes into the encryptor.
	for i := len(stages) - 1; i >= 0; i-- {
		if err := stages[i].Close(); err != nil {
			return nil, NewTransformError("failed to finalize transform stage", err)
		}
	}
	if err := out.Sync(); err != nil {
		return nil, NewTransformError("failed to sync transformed artifact", err)
	}

	return &TransformResult{
		Path:        outPath,
		Size:        final.n,
		Checksum:    final.Sum(),
		RawChecksum: raw.Sum(),
		RawSize:     raw.n,
		KeyMaterial: key,
	}, nil
}

// Reverse decrypts then decompresses artifactPath into outPath and returns the
// checksum and size of the recovered raw artifact.
func (p *Pipeline) Reverse(ctx context.Context, artifactPath, outPath string, compression CompressionType, key []byte) (string, int64, error) {
	in, err := os.Open(artifactPath)
	if err != nil {
		return "", 0, NewTransformError("failed to open artifact", err)
	}
	defer in.Close()

	var source io.Reader = newContextReader(ctx, in)

	if key != nil {
		decReader, err := p.encryption.NewDecryptReader(source, key)
		if err != nil {
			return "", 0, asPipelineError(BackupErrorTypeTransform, "failed to start decryption", err)
		}
		source = decReader
	}

	if compression != "" && compression != CompressionTypeNone {
		decompressor, err := p.compression.NewReader(source, compression)
		if err != nil {
			return "", 0, asPipelineError(BackupErrorTypeTransform, "failed to start decompression", err)
		}
		defer decompressor.Close()
		source = decompressor
	}

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", 0, NewTransformError("failed to create restored artifact", err)
	}
	defer out.Close()

	raw := newDigestWriter(out)
	if _, err := io.Copy(raw, source); err != nil {
		return "", 0, asPipelineError(BackupErrorTypeTransform, "failed to reverse transform", err)
	}
	if err := out.Sync(); err != nil {
		return "", 0, NewTransformError("failed to sync restored artifact", err)
	}
	return raw.Sum(), raw.n, nil
}

// contextReader stops a streaming copy as soon as ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func newContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
