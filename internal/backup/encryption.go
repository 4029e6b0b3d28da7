package backup

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key length in bytes
	KeySize = 32
	// DefaultChunkSize is the plaintext size sealed per AEAD chunk
	DefaultChunkSize = 64 * 1024

	encryptionMagic = "BKE1"
	noncePrefixSize = 7
	maxChunkSize    = 16 * 1024 * 1024
	headerSize      = len(encryptionMagic) + 4 + noncePrefixSize
)

var (
	errTruncatedStream = errors.New("encrypted stream is truncated")
	errChunkOverflow   = errors.New("encrypted stream exceeds maximum chunk count")
)

// EncryptionManager seals artifacts with AES-256-GCM in a chunked envelope.
//
// Layout: magic | chunk size (uint32) | 7-byte random nonce prefix | sealed chunks.
// Each chunk nonce is prefix | big-endian counter | final flag, so reordered,
// dropped or truncated chunks fail authentication.
type EncryptionManager struct {
	chunkSize int
}

// NewEncryptionManager creates an encryption manager using DefaultChunkSize
func NewEncryptionManager() *EncryptionManager {
	return &EncryptionManager{chunkSize: DefaultChunkSize}
}

// NewEncryptionManagerWithChunkSize is used by tests to exercise chunk boundaries.
func NewEncryptionManagerWithChunkSize(size int) *EncryptionManager {
	if size <= 0 || size > maxChunkSize {
		size = DefaultChunkSize
	}
	return &EncryptionManager{chunkSize: size}
}

// GenerateKey returns a fresh random AES-256 key
func (em *EncryptionManager) GenerateKey() ([]byte, error) {
	return GenerateSecureRandomBytes(KeySize)
}

// ValidateKey checks that key is usable for AES-256
func ValidateKey(key []byte) error {
	if len(key) != KeySize {
		return NewTransformError(fmt.Sprintf("invalid key length: expected %d bytes, got %d", KeySize, len(key)), nil)
	}
	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return NewTransformError("encryption key must not be all zeros", nil)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewTransformError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewTransformError("failed to create GCM cipher", err)
	}
	return gcm, nil
}

func chunkNonce(prefix []byte, counter uint32, last bool) []byte {
	nonce := make([]byte, 12)
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[noncePrefixSize:], counter)
	if last {
		nonce[11] = 1
	}
	return nonce
}

// NewEncryptWriter returns a writer that seals everything written to it onto w.
// Close must be called to emit the final chunk; it does not close w.
func (em *EncryptionManager) NewEncryptWriter(w io.Writer, key []byte) (io.WriteCloser, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	prefix, err := GenerateSecureRandomBytes(noncePrefixSize)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, headerSize)
	header = append(header, encryptionMagic...)
	header = binary.BigEndian.AppendUint32(header, uint32(em.chunkSize))
	header = append(header, prefix...)
	if _, err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write encryption header: %w", err)
	}

	return &encryptWriter{
		w:         w,
		aead:      gcm,
		prefix:    prefix,
		chunkSize: em.chunkSize,
		buf:       make([]byte, 0, em.chunkSize),
		out:       make([]byte, 0, em.chunkSize+gcm.Overhead()),
	}, nil
}

type encryptWriter struct {
	w         io.Writer
	aead      cipher.AEAD
	prefix    []byte
	counter   uint32
	chunkSize int
	buf       []byte
	out       []byte
	closed    bool
	err       error
}

func (ew *encryptWriter) Write(p []byte) (int, error) {
	if ew.err != nil {
		return 0, ew.err
	}
	if ew.closed {
		return 0, errors.New("write to closed encryption stream")
	}

	written := 0
	for len(p) > 0 {
		// A full buffer is only sealed once more data arrives, so the
		// final chunk is always emitted by Close with the final flag.
		if len(ew.buf) == ew.chunkSize {
			if err := ew.seal(false); err != nil {
				ew.err = err
				return written, err
			}
		}
		take := min(ew.chunkSize-len(ew.buf), len(p))
		ew.buf = append(ew.buf, p[:take]...)
		p = p[take:]
		written += take
	}
	return written, nil
}

func (ew *encryptWriter) seal(last bool) error {
	sealed := ew.aead.Seal(ew.out[:0], chunkNonce(ew.prefix, ew.counter, last), ew.buf, nil)
	if _, err := ew.w.Write(sealed); err != nil {
		return fmt.Errorf("failed to write encrypted chunk: %w", err)
	}
	ew.buf = ew.buf[:0]
	ew.counter++
	if ew.counter == 0 && !last {
		return errChunkOverflow
	}
	return nil
}

func (ew *encryptWriter) Close() error {
	if ew.closed {
		return ew.err
	}
	ew.closed = true
	if ew.err != nil {
		return ew.err
	}
	ew.err = ew.seal(true)
	return ew.err
}

// NewDecryptReader returns a reader yielding the plaintext of an encrypted stream.
// Authentication failures and truncation surface as read errors.
func (em *EncryptionManager) NewDecryptReader(r io.Reader, key []byte) (io.Reader, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(r)
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, NewTransformError("failed to read encryption header", err)
	}
	if string(header[:len(encryptionMagic)]) != encryptionMagic {
		return nil, NewTransformError("artifact is not an encrypted stream", nil)
	}
	chunkSize := int(binary.BigEndian.Uint32(header[len(encryptionMagic):]))
	if chunkSize <= 0 || chunkSize > maxChunkSize {
		return nil, NewTransformError(fmt.Sprintf("invalid chunk size %d in encryption header", chunkSize), nil)
	}

	return &decryptReader{
		r:         br,
		aead:      gcm,
		prefix:    append([]byte(nil), header[len(encryptionMagic)+4:]...),
		chunkSize: chunkSize,
		sealed:    make([]byte, chunkSize+gcm.Overhead()),
		plainBuf:  make([]byte, 0, chunkSize),
	}, nil
}

type decryptReader struct {
	r         *bufio.Reader
	aead      cipher.AEAD
	prefix    []byte
	counter   uint32
	chunkSize int
	sealed    []byte
	plainBuf  []byte
	plain     []byte
	done      bool
	err       error
}

func (dr *decryptReader) Read(p []byte) (int, error) {
	for len(dr.plain) == 0 {
		if dr.err != nil {
			return 0, dr.err
		}
		if dr.done {
			return 0, io.EOF
		}
		dr.err = dr.next()
	}
	n := copy(p, dr.plain)
	dr.plain = dr.plain[n:]
	return n, nil
}

func (dr *decryptReader) next() error {
	n, err := io.ReadFull(dr.r, dr.sealed)
	last := false
	switch {
	case errors.Is(err, io.EOF):
		return errTruncatedStream
	case errors.Is(err, io.ErrUnexpectedEOF):
		last = true
	case err != nil:
		return fmt.Errorf("failed to read encrypted chunk: %w", err)
	default:
		if _, peekErr := dr.r.Peek(1); errors.Is(peekErr, io.EOF) {
			last = true
		} else if peekErr != nil {
			return fmt.Errorf("failed to read encrypted chunk: %w", peekErr)
		}
	}
	if n < dr.aead.Overhead() {
		return errTruncatedStream
	}

	plain, err := dr.aead.Open(dr.plainBuf[:0], chunkNonce(dr.prefix, dr.counter, last), dr.sealed[:n], nil)
	if err != nil {
		return fmt.Errorf("chunk %d failed authentication: %w", dr.counter, err)
	}
	dr.counter++
	dr.plain = plain
	dr.done = last
	return nil
}
