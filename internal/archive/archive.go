// Package archive extracts downloaded payload archives into a scratch
// directory. Zip (the format the release server publishes) and tar.gz are
// supported; the format is detected from the leading magic bytes rather than
// the file name.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/fsmerge"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/logging"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
)

// Format identifies an archive container.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTarGz
)

// String returns the string representation of the format
func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTarGz:
		return "tar.gz"
	default:
		return "unknown"
	}
}

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1f, 0x8b}
)

// Detect reads the first bytes of the archive at path.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, payload.IOError("open archive", path, err)
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, payload.IOError("read archive header", path, err)
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, zipEmptyMagic):
		return FormatZip, nil
	case bytes.HasPrefix(head, gzipMagic):
		return FormatTarGz, nil
	default:
		return FormatUnknown, nil
	}
}

// EntryFunc is called after each extracted entry. total is -1 when the
// format does not announce its entry count up front (tar.gz).
type EntryFunc func(done, total int)

// Extractor unpacks archives.
type Extractor struct {
	logger logging.Logger
}

// NewExtractor creates a new extractor
func NewExtractor(logger logging.Logger) *Extractor {
	return &Extractor{logger: logging.OrNop(logger)}
}

// Extract unpacks archivePath into destDir and returns the number of regular
// files written. Entries that would land outside destDir, entries whose path
// crosses an extracted symlink, and symlinks that resolve outside destDir fail
// the whole extraction with payload.ErrExtraction; destDir may then hold a
// partial tree and must be discarded by the caller.
func (e *Extractor) Extract(archivePath, destDir string, onEntry EntryFunc) (int, error) {
	format, err := Detect(archivePath)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return 0, payload.IOError("create dest dir", destDir, err)
	}

	var files int
	switch format {
	case FormatZip:
		files, err = e.extractZip(archivePath, destDir, onEntry)
	case FormatTarGz:
		files, err = e.extractTarGz(archivePath, destDir, onEntry)
	default:
		return 0, payload.ExtractionError("detect archive format", archivePath, errors.New("not a zip or tar.gz archive"))
	}
	if err != nil {
		return files, err
	}
	// Later entries can change what an earlier link resolves to.
	if err := checkLinks(destDir); err != nil {
		return files, err
	}

	e.logger.Debug("archive extracted", "archive", archivePath, "format", format.String(), "files", files)
	return files, nil
}

func (e *Extractor) extractZip(archivePath, destDir string, onEntry EntryFunc) (int, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, payload.ExtractionError("open zip", archivePath, err)
	}
	defer zr.Close()

	total := len(zr.File)
	files := 0
	for i, f := range zr.File {
		target, err := safeTarget(destDir, f.Name)
		if err != nil {
			return files, payload.ExtractionError("extract entry", f.Name, err)
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, payload.IOError("create directory", target, err)
			}

		case mode&os.ModeSymlink != 0:
			linkname, err := readZipLink(f)
			if err != nil {
				return files, payload.ExtractionError("read symlink", f.Name, err)
			}
			if err := writeSymlink(destDir, target, linkname); err != nil {
				return files, err
			}

		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return files, payload.ExtractionError("open entry", f.Name, err)
			}
			err = writeFile(target, rc, mode.Perm())
			rc.Close()
			if err != nil {
				return files, err
			}
			files++
		}

		if onEntry != nil {
			onEntry(i+1, total)
		}
	}
	return files, nil
}

func readZipLink(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *Extractor) extractTarGz(archivePath, destDir string, onEntry EntryFunc) (int, error) {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return 0, payload.IOError("open archive", archivePath, err)
	}
	defer archiveFile.Close()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		return 0, payload.ExtractionError("create gzip reader", archivePath, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)

	done, files := 0, 0
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, payload.ExtractionError("read tar header", archivePath, err)
		}

		target, err := safeTarget(destDir, header.Name)
		if err != nil {
			return files, payload.ExtractionError("extract entry", header.Name, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, payload.IOError("create directory", target, err)
			}

		case tar.TypeReg:
			if err := writeFile(target, tarReader, os.FileMode(header.Mode).Perm()); err != nil {
				return files, err
			}
			files++

		case tar.TypeSymlink:
			if err := writeSymlink(destDir, target, header.Linkname); err != nil {
				return files, err
			}

		default:
			// Skip other types (hard links, devices, fifos)
			continue
		}

		done++
		if onEntry != nil {
			onEntry(done, -1)
		}
	}
	return files, nil
}

// safeTarget maps an archive entry name onto a path inside destDir. The path
// must not pass through, or land on, a symlink created by an earlier entry.
func safeTarget(destDir, name string) (string, error) {
	rel, ok := payload.CleanRel(name)
	if !ok {
		return "", fmt.Errorf("illegal file path: %s", name)
	}
	target := filepath.Join(destDir, filepath.FromSlash(rel))
	if !payload.Within(destDir, target) {
		return "", fmt.Errorf("illegal file path: %s", name)
	}

	cur := filepath.Clean(destDir)
	for _, part := range strings.Split(rel, "/") {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil {
			break
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("entry %s crosses symlink %s", name, cur)
		}
	}
	return target, nil
}

// checkLinks re-validates every symlink under destDir once the tree is
// complete.
func checkLinks(destDir string) error {
	return filepath.WalkDir(destDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return payload.IOError("walk extracted tree", path, err)
		}
		if d.Type()&os.ModeSymlink == 0 {
			return nil
		}
		link, err := os.Readlink(path)
		if err != nil {
			return payload.IOError("read symlink", path, err)
		}
		if err := fsmerge.ContainedLink(destDir, path, link); err != nil {
			return payload.ExtractionError("check symlink", path, err)
		}
		return nil
	})
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return payload.IOError("create parent dir", filepath.Dir(target), err)
	}
	if perm == 0 {
		perm = 0644
	}

	outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return payload.IOError("create file", target, err)
	}
	if _, err := io.Copy(outFile, r); err != nil {
		outFile.Close()
		// A failing reader means a truncated or corrupt archive stream.
		var pe *os.PathError
		if errors.As(err, &pe) {
			return payload.IOError("write file", target, err)
		}
		return payload.ExtractionError("write file", target, err)
	}
	if err := outFile.Close(); err != nil {
		return payload.IOError("close file", target, err)
	}
	return nil
}

// writeSymlink creates a link whose target stays inside destDir.
func writeSymlink(destDir, target, linkname string) error {
	linkname = filepath.FromSlash(linkname)
	if err := fsmerge.ContainedLink(destDir, target, linkname); err != nil {
		return payload.ExtractionError("create symlink", target, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return payload.IOError("create parent dir", filepath.Dir(target), err)
	}
	if err := os.Symlink(linkname, target); err != nil {
		return payload.IOError("create symlink", target, err)
	}
	return nil
}
