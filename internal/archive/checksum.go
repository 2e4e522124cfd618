package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ChecksumMismatchError reports an artifact whose content does not match
// its persisted checksum
type ChecksumMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// Checksum returns the hex SHA-256 of the file at path
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot open %s for checksum: %w", path, err)
	}
	defer f.Close()
	return ChecksumReader(f)
}

// ChecksumReader returns the hex SHA-256 of everything read from r
func ChecksumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the checksum of path and compares it to expected
func Verify(path, expected string) error {
	if expected == "" {
		return fmt.Errorf("no checksum recorded for %s", path)
	}
	actual, err := Checksum(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return &ChecksumMismatchError{Path: path, Expected: expected, Actual: actual}
	}
	return nil
}
