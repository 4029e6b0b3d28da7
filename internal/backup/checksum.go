package backup

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// CalculateDataChecksum calculates a sha256 checksum for arbitrary data
func CalculateDataChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ChecksumFile streams the file at path through sha256 and returns the hex digest and size.
func ChecksumFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s for checksum: %w", path, err)
	}
	defer file.Close()

	h := sha256.New()
	n, err := io.Copy(h, file)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read %s for checksum: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// VerifyFileChecksum recomputes the checksum of path and fails with an
// integrity violation when it differs from expected.
func VerifyFileChecksum(path, expected string) error {
	actual, _, err := ChecksumFile(path)
	if err != nil {
		return err
	}
	if expected == "" || actual != expected {
		return NewIntegrityViolation("checksum mismatch", nil).
			WithContext("expected", expected).
			WithContext("actual", actual)
	}
	return nil
}

// GenerateSecureRandomBytes generates cryptographically secure random bytes
func GenerateSecureRandomBytes(length int) ([]byte, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return nil, NewTransformError("failed to generate secure random bytes", err)
	}
	return bytes, nil
}

// digestWriter counts and hashes every byte written through it.
type digestWriter struct {
	w    io.Writer
	hash hash.Hash
	n    int64
}

func newDigestWriter(w io.Writer) *digestWriter {
	return &digestWriter{w: w, hash: sha256.New()}
}

func (d *digestWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	d.hash.Write(p[:n])
	d.n += int64(n)
	return n, err
}

func (d *digestWriter) Sum() string {
	return hex.EncodeToString(d.hash.Sum(nil))
}
