package payload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCleanRel(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"bin/app.exe", "bin/app.exe", true},
		{"bin\\app.exe", "bin/app.exe", true},
		{"./assets/a.dat", "assets/a.dat", true},
		{"assets//x/../y.dat", "assets/y.dat", true},
		{"../etc/passwd", "", false},
		{"bin/../../x", "", false},
		{"/abs/path", "", false},
		{"C:/Windows", "", false},
		{"", "", false},
		{".", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := CleanRel(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("CleanRel(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestWithin(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "games", "client")
	tests := []struct {
		dir  string
		want bool
	}{
		{root, true},
		{filepath.Join(root, "state"), true},
		{filepath.Join(root, "a", "..", "b"), true},
		{filepath.Join(root, ".."), false},
		{filepath.Join(root, "..", "client-state"), false},
		{root + "-state", false},
		{"relative/dir", false},
	}
	for _, tt := range tests {
		if got := Within(root, tt.dir); got != tt.want {
			t.Errorf("Within(%q, %q) = %v, want %v", root, tt.dir, got, tt.want)
		}
	}
}

func TestIsVerified(t *testing.T) {
	tests := map[string]bool{
		"bin/client.exe":        true,
		"assets/sprites.dat":    true,
		"assets\\sounds\\a.ogg": true,
		"conf/settings.ini":     false,
		"binary.txt":            false,
		"README.md":             false,
	}
	for rel, want := range tests {
		if got := IsVerified(rel); got != want {
			t.Errorf("IsVerified(%q) = %v, want %v", rel, got, want)
		}
	}
}

func TestIsPreserved(t *testing.T) {
	for _, name := range PreservedFolders {
		if !IsPreserved(name) {
			t.Errorf("IsPreserved(%q) = false", name)
		}
	}
	if IsPreserved("bin") {
		t.Error("bin must not be preserved")
	}
}

func TestNewIntegrityResult(t *testing.T) {
	r := NewIntegrityResult([]string{"bin/b", "bin/a"}, nil)
	if r.IsValid {
		t.Error("result with corrupted files must not be valid")
	}
	if diff := cmp.Diff([]string{"bin/a", "bin/b"}, r.Corrupted); diff != "" {
		t.Errorf("corrupted mismatch (-want +got):\n%s", diff)
	}

	empty := NewIntegrityResult(nil, nil)
	if !empty.IsValid {
		t.Error("empty result must be valid")
	}

	both := NewIntegrityResult([]string{"bin/a"}, []string{"assets/x"})
	if diff := cmp.Diff([]string{"bin/a", "assets/x"}, both.Damaged()); diff != "" {
		t.Errorf("damaged mismatch (-want +got):\n%s", diff)
	}
}

func TestErrorMatchesSentinel(t *testing.T) {
	base := os.ErrPermission
	err := fmt.Errorf("install: %w", IOError("remove entry", "/x/bin", base))

	if !errors.Is(err, ErrIO) {
		t.Error("expected errors.Is(err, ErrIO)")
	}
	if errors.Is(err, ErrNetwork) {
		t.Error("IO error must not match ErrNetwork")
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Error("underlying cause must stay reachable")
	}

	kind, ok := KindOf(err)
	if !ok || kind != KindIO {
		t.Errorf("KindOf = (%v, %v), want (io, true)", kind, ok)
	}

	if got := EmptyPayloadError("/x/client.zip").Error(); got != "check payload size /x/client.zip: downloaded payload is empty" {
		t.Errorf("unexpected message: %s", got)
	}
}

func TestStatusNeedsInstall(t *testing.T) {
	tests := map[Status]bool{
		StatusReady:           false,
		StatusDamaged:         false,
		StatusNotInstalled:    true,
		StatusManifestMissing: true,
		StatusManifestCorrupt: true,
	}
	for s, want := range tests {
		if got := s.NeedsInstall(); got != want {
			t.Errorf("%s.NeedsInstall() = %v, want %v", s, got, want)
		}
	}
}
