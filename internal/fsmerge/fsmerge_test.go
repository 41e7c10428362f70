package fsmerge

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/testutil"
)

func TestRemoveExcept(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"bin/client.exe":            "old",
		"assets/a.dat":              "old",
		"stale.txt":                 "stale",
		"conf/settings.ini":         "mine",
		"screenshots/2024/shot.png": "mine",
	})

	removed, err := RemoveExcept(root, payload.PreservedFolders)
	if err != nil {
		t.Fatalf("RemoveExcept: %v", err)
	}
	if diff := cmp.Diff([]string{"assets", "bin", "stale.txt"}, removed); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}

	want := map[string]string{
		"conf/settings.ini":         "mine",
		"screenshots/2024/shot.png": "mine",
	}
	if diff := cmp.Diff(want, testutil.ReadTree(t, root)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveExceptMissingRoot(t *testing.T) {
	_, err := RemoveExcept(filepath.Join(t.TempDir(), "nope"), nil)
	if !errors.Is(err, payload.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}
}

func TestCopyExceptSkipsPreserved(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"bin/client.exe":    "new",
		"assets/a/b.dat":    "new",
		"conf/settings.ini": "server default",
	})
	testutil.WriteTree(t, dst, map[string]string{
		"conf/settings.ini": "mine",
	})

	var progress [][2]int
	copied, err := CopyExcept(src, dst, payload.PreservedFolders, func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})
	if err != nil {
		t.Fatalf("CopyExcept: %v", err)
	}
	if diff := cmp.Diff([]string{"assets", "bin"}, copied); diff != "" {
		t.Errorf("copied mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][2]int{{1, 2}, {2, 2}}, progress); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}

	want := map[string]string{
		"bin/client.exe":    "new",
		"assets/a/b.dat":    "new",
		"conf/settings.ini": "mine",
	}
	if diff := cmp.Diff(want, testutil.ReadTree(t, dst)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyFileOverwrites(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, []byte("fresh"), 0755); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "nested", "deeper", "dst.bin")
	testutil.WriteTree(t, dir, map[string]string{"nested/deeper/dst.bin": "stale content"})

	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fresh" {
		t.Errorf("dst = %q, want fresh", data)
	}
	entries, err := os.ReadDir(filepath.Dir(dst))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("staging file left behind: %v", entries)
	}
}

func TestCopyFileLeavesSiblingsAlone(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"src/data":     "fresh",
		"bin/data":     "stale",
		"bin/data.tmp": "shipped payload file",
	})

	if err := CopyFile(filepath.Join(root, "src", "data"), filepath.Join(root, "bin", "data")); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}

	want := map[string]string{
		"src/data":     "fresh",
		"bin/data":     "fresh",
		"bin/data.tmp": "shipped payload file",
	}
	if diff := cmp.Diff(want, testutil.ReadTree(t, root)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := CopyFile(filepath.Join(dir, "nope"), filepath.Join(dir, "dst"))
	if !errors.Is(err, payload.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}
}

func TestCopyTreeSymlink(t *testing.T) {
	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{"bin/real": "data"})
	if err := os.Symlink("real", filepath.Join(src, "bin", "alias")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "out")
	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	link, err := os.Readlink(filepath.Join(dst, "bin", "alias"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if link != "real" {
		t.Errorf("link = %q, want real", link)
	}
}

func TestCopyExceptRejectsEscapingLinks(t *testing.T) {
	tests := []struct {
		name  string
		links [][2]string // link path, target
	}{
		{"parent", [][2]string{{"bin/up", "../../outside"}}},
		{"absolute", [][2]string{{"bin/abs", "/etc"}}},
		{"chain", [][2]string{{"d/y", ".."}, {"x", "d/y/.."}}},
		{"link_to_link", [][2]string{{"bin/a", "real"}, {"bin/b", "a"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := t.TempDir()
			testutil.WriteTree(t, src, map[string]string{"bin/real": "data", "d/keep": "k"})
			for _, l := range tt.links {
				if err := os.Symlink(l[1], filepath.Join(src, filepath.FromSlash(l[0]))); err != nil {
					t.Skipf("symlinks unsupported: %v", err)
				}
			}

			dst := filepath.Join(t.TempDir(), "client")
			_, err := CopyExcept(src, dst, payload.PreservedFolders, nil)
			if !errors.Is(err, payload.ErrExtraction) {
				t.Fatalf("expected extraction error, got %v", err)
			}
		})
	}
}

func TestContainedLinkAcceptsSiblings(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"bin/real": "data", "assets/x.dat": "x"})

	for _, tt := range [][2]string{
		{"bin/alias", "real"},
		{"bin/shared", "../assets/x.dat"},
		{"top", "bin"},
		{"bin/later", "not-yet-extracted"},
	} {
		if err := ContainedLink(root, filepath.Join(root, filepath.FromSlash(tt[0])), tt[1]); err != nil {
			t.Errorf("ContainedLink(%s -> %s) = %v, want nil", tt[0], tt[1], err)
		}
	}
}
