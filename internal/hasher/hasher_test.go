package hasher

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
)

// sha256("hello world")
const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestDigest(t *testing.T) {
	got, err := Digest(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != helloDigest {
		t.Errorf("digest mismatch:\ngot:  %s\nwant: %s", got, helloDigest)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("disk went away")
}

func TestDigestReadFailure(t *testing.T) {
	_, err := Digest(failingReader{})
	if !errors.Is(err, payload.ErrIO) {
		t.Errorf("expected ErrIO, got %v", err)
	}
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := File(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != helloDigest {
		t.Errorf("digest mismatch:\ngot:  %s\nwant: %s", got, helloDigest)
	}

	if _, err := File(filepath.Join(dir, "missing")); !errors.Is(err, payload.ErrIO) {
		t.Errorf("expected ErrIO for missing file, got %v", err)
	}
}

func TestFileLargerThanBuffer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	data := []byte(strings.Repeat("0123456789abcdef", 1<<16)) // 1 MiB
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	fromFile, err := File(path)
	if err != nil {
		t.Fatal(err)
	}
	fromReader, err := Digest(strings.NewReader(string(data)))
	if err != nil {
		t.Fatal(err)
	}
	if fromFile != fromReader {
		t.Errorf("file and reader digests differ: %s vs %s", fromFile, fromReader)
	}
}
