// Package fsmerge implements the selective top-level replace used by the
// installer: clear a directory except for a set of named entries, then copy
// a freshly extracted tree over it with the same entries skipped.
package fsmerge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
)

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// RemoveExcept removes every top-level entry of root whose name is not in
// keep and returns the removed names in sorted order.
func RemoveExcept(root string, keep []string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, payload.IOError("read directory", root, err)
	}

	var removed []string
	for _, entry := range entries {
		name := entry.Name()
		if contains(keep, name) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
			return removed, payload.IOError("remove entry", filepath.Join(root, name), err)
		}
		removed = append(removed, name)
	}
	sort.Strings(removed)
	return removed, nil
}

// CopyExcept copies every top-level entry of src into dst, skipping names in
// skip, and returns the copied names in sorted order. onEntry, when non-nil,
// is called after each top-level entry with the running count.
func CopyExcept(src, dst string, skip []string, onEntry func(done, total int)) ([]string, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, payload.IOError("read directory", src, err)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return nil, payload.IOError("create directory", dst, err)
	}

	var todo []os.DirEntry
	for _, entry := range entries {
		if !contains(skip, entry.Name()) {
			todo = append(todo, entry)
		}
	}

	copied := make([]string, 0, len(todo))
	for i, entry := range todo {
		name := entry.Name()
		if err := copyTree(src, filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
			return copied, err
		}
		copied = append(copied, name)
		if onEntry != nil {
			onEntry(i+1, len(todo))
		}
	}
	return copied, nil
}

// CopyTree copies src to dst recursively. Regular files, directories and
// symlinks are copied; other file types are ignored. A symlink is only copied
// when ContainedLink accepts it relative to src.
func CopyTree(src, dst string) error {
	return copyTree(src, src, dst)
}

func copyTree(root, src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return payload.IOError("stat source", src, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		link, err := os.Readlink(src)
		if err != nil {
			return payload.IOError("read symlink", src, err)
		}
		if err := ContainedLink(root, src, link); err != nil {
			return payload.ExtractionError("copy symlink", src, err)
		}
		os.Remove(dst)
		if err := os.Symlink(link, dst); err != nil {
			return payload.IOError("create symlink", dst, err)
		}
		return nil

	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()|0700); err != nil {
			return payload.IOError("create directory", dst, err)
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return payload.IOError("read directory", src, err)
		}
		for _, entry := range entries {
			if err := copyTree(root, filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil

	case info.Mode().IsRegular():
		return CopyFile(src, dst)

	default:
		return nil
	}
}

// ContainedLink checks a symlink at linkPath pointing at target. The target
// must be relative, stay inside root and not pass through another symlink.
// Without chains the lexical walk matches what the kernel resolves.
func ContainedLink(root, linkPath, target string) error {
	if target == "" || filepath.IsAbs(target) || filepath.VolumeName(target) != "" ||
		strings.HasPrefix(target, "/") || strings.HasPrefix(target, "\\") {
		return fmt.Errorf("illegal link target %q", target)
	}
	root = filepath.Clean(root)
	cur := filepath.Dir(filepath.Clean(linkPath))
	if !payload.Within(root, cur) {
		return fmt.Errorf("link %s is outside %s", linkPath, root)
	}

	for _, part := range strings.Split(filepath.ToSlash(target), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if cur == root {
				return fmt.Errorf("link target %q escapes %s", target, root)
			}
			cur = filepath.Dir(cur)
		default:
			cur = filepath.Join(cur, part)
			info, err := os.Lstat(cur)
			if err == nil && info.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("link target %q passes through symlink %s", target, cur)
			}
		}
	}
	return nil
}

// CopyFile copies a regular file, creating dst's parent directories and
// keeping the source permissions. The copy is staged under a unique hidden
// name next to dst and renamed into place, so a failed copy never leaves a
// truncated dst behind and never clobbers a sibling file.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return payload.IOError("open source", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return payload.IOError("stat source", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return payload.IOError("create parent dir", filepath.Dir(dst), err)
	}

	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return payload.IOError("create file", dst, err)
	}
	tmpPath := out.Name()

	cleanupNeeded := true
	defer func() {
		out.Close()
		if cleanupNeeded {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return payload.IOError("copy file", dst, fmt.Errorf("from %s: %w", src, err))
	}
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		return payload.IOError("chmod file", tmpPath, err)
	}
	if err := out.Close(); err != nil {
		return payload.IOError("close file", tmpPath, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return payload.IOError("rename file", dst, err)
	}

	cleanupNeeded = false
	return nil
}
