package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/testutil"
)

func writeArchive(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.zip")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func TestExtractFormats(t *testing.T) {
	files := map[string]string{
		"bin/client.exe":        "exe",
		"assets/maps/world.dat": "world",
		"readme.txt":            "hi",
	}

	tests := []struct {
		name   string
		data   []byte
		format Format
	}{
		{"zip", testutil.ZipArchive(t, files), FormatZip},
		{"tar.gz", testutil.TarGzArchive(t, files), FormatTarGz},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeArchive(t, tt.data)

			format, err := Detect(path)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if format != tt.format {
				t.Errorf("format = %v, want %v", format, tt.format)
			}

			dest := filepath.Join(t.TempDir(), "scratch")
			n, err := NewExtractor(nil).Extract(path, dest, nil)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if n != len(files) {
				t.Errorf("extracted %d files, want %d", n, len(files))
			}
			if diff := cmp.Diff(files, testutil.ReadTree(t, dest)); diff != "" {
				t.Errorf("tree mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtractReportsEntries(t *testing.T) {
	data := testutil.ZipArchive(t, map[string]string{"bin/a": "a", "bin/b": "b"})
	path := writeArchive(t, data)

	var calls [][2]int
	_, err := NewExtractor(nil).Extract(path, t.TempDir(), func(done, total int) {
		calls = append(calls, [2]int{done, total})
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	// "bin/" directory entry plus two files.
	want := [][2]int{{1, 3}, {2, 3}, {3, 3}}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("entry callbacks mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractRejectsUnsafeEntries(t *testing.T) {
	zipWith := func(name string) []byte {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("evil"))
		zw.Close()
		return buf.Bytes()
	}

	tarWithLink := func(name, link string) []byte {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gw)
		if err := tw.WriteHeader(&tar.Header{Name: name, Linkname: link, Typeflag: tar.TypeSymlink}); err != nil {
			t.Fatal(err)
		}
		tw.Close()
		gw.Close()
		return buf.Bytes()
	}

	// tarEntries builds a tar.gz from entries in order. A linkname of "/"
	// marks a directory and a leading "@" a symlink; anything else is file
	// content.
	tarEntries := func(entries ...[2]string) []byte {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gw)
		for _, e := range entries {
			hdr := &tar.Header{Name: e[0], Mode: 0644}
			switch {
			case e[1] == "/":
				hdr.Typeflag, hdr.Mode = tar.TypeDir, 0755
			case len(e[1]) > 0 && e[1][0] == '@':
				hdr.Typeflag, hdr.Linkname = tar.TypeSymlink, e[1][1:]
			default:
				hdr.Typeflag, hdr.Size = tar.TypeReg, int64(len(e[1]))
			}
			if err := tw.WriteHeader(hdr); err != nil {
				t.Fatal(err)
			}
			if hdr.Typeflag == tar.TypeReg {
				tw.Write([]byte(e[1]))
			}
		}
		tw.Close()
		gw.Close()
		return buf.Bytes()
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"parent_traversal", zipWith("../evil.txt")},
		{"nested_traversal", zipWith("bin/../../evil.txt")},
		{"absolute_path", zipWith("/etc/evil.txt")},
		{"drive_letter", zipWith("C:/evil.txt")},
		{"symlink_escape", tarWithLink("bin/link", "../../outside")},
		{"absolute_symlink", tarWithLink("bin/link", "/etc/passwd")},
		{"symlink_chain", tarEntries(
			[2]string{"d/", "/"},
			[2]string{"d/y", "@.."},
			[2]string{"x", "@d/y/.."},
			[2]string{"x/evil.txt", "pwned"},
		)},
		{"write_through_symlink", tarEntries(
			[2]string{"bin/", "/"},
			[2]string{"lnk", "@bin"},
			[2]string{"lnk/evil.txt", "pwned"},
		)},
		{"overwrite_symlink", tarEntries(
			[2]string{"bin/", "/"},
			[2]string{"bin/app", "@../assets"},
			[2]string{"bin/app", "pwned"},
		)},
		{"link_retargeted_later", tarEntries(
			[2]string{"p", "@s/.."},
			[2]string{"s", "@."},
		)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := t.TempDir()
			dest := filepath.Join(parent, "scratch")
			path := writeArchive(t, tt.data)

			_, err := NewExtractor(nil).Extract(path, dest, nil)
			if !errors.Is(err, payload.ErrExtraction) {
				t.Fatalf("expected extraction error, got %v", err)
			}
			if _, err := os.Stat(filepath.Join(parent, "evil.txt")); !os.IsNotExist(err) {
				t.Error("entry escaped the destination directory")
			}
		})
	}
}

func TestExtractMalformed(t *testing.T) {
	valid := testutil.ZipArchive(t, map[string]string{"bin/client.exe": "some content here"})

	tests := []struct {
		name string
		data []byte
	}{
		{"not_an_archive", []byte("plain text, not an archive")},
		{"truncated_zip", valid[:len(valid)/2]},
		{"truncated_gzip", testutil.TarGzArchive(t, map[string]string{"a": "b"})[:12]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeArchive(t, tt.data)
			_, err := NewExtractor(nil).Extract(path, t.TempDir(), nil)
			if !errors.Is(err, payload.ErrExtraction) {
				t.Fatalf("expected extraction error, got %v", err)
			}
		})
	}
}

func TestExtractMissingArchive(t *testing.T) {
	_, err := NewExtractor(nil).Extract(filepath.Join(t.TempDir(), "nope.zip"), t.TempDir(), nil)
	if !errors.Is(err, payload.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}
}
