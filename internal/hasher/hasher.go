// Package hasher computes content digests for payload files.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
)

// Digest streams r through SHA-256 and returns the lowercase hex digest.
// The input is never buffered in full.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", payload.IOError("read for digest", "", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File returns the hex digest of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", payload.IOError("open for digest", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", payload.IOError("read for digest", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
