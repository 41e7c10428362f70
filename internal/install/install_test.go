package install

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/fetch"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/fsmerge"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/integrity"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/manifest"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/progress"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/testutil"
)

var release = map[string]string{
	"bin/client.exe":        "exe v2",
	"bin/lib/engine.dll":    "engine v2",
	"assets/maps/world.dat": "world v2",
	"conf/settings.ini":     "server defaults that must not land",
}

func plentyOfSpace(context.Context, string) (uint64, error) { return 1 << 40, nil }

func newInstaller(t *testing.T, scratch string) *Installer {
	t.Helper()
	inst, err := New(Options{
		Downloader: fetch.New(fetch.Options{}),
		FreeSpace:  plentyOfSpace,
		ScratchDir: scratch,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return inst
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected %s to be empty, found %d entries", dir, len(entries))
	}
}

func TestInstallFreshRoot(t *testing.T) {
	env := testutil.SetupTestEnv(t)
	scratch := t.TempDir()
	srv := testutil.ServeArchive(t, testutil.ZipArchive(t, release), true)

	rec := &progress.Recorder{}
	res, err := newInstaller(t, scratch).Install(context.Background(), Request{
		Root:    env.PayloadDir,
		URL:     srv.URL,
		Version: "2.0.0",
		Sink:    rec,
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	wantStages := []progress.Stage{
		progress.StageDownloading,
		progress.StageSaving,
		progress.StageExtracting,
		progress.StageMerging,
		progress.StageFinalizing,
		progress.StageComplete,
	}
	if diff := cmp.Diff(wantStages, rec.Stages()); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}

	if res.Version != "2.0.0" || res.Files != 3 {
		t.Errorf("unexpected result: %+v", res)
	}
	if diff := cmp.Diff([]string{"assets", "bin"}, res.Copied); diff != "" {
		t.Errorf("copied mismatch (-want +got):\n%s", diff)
	}

	tree := testutil.ReadTree(t, env.PayloadDir)
	if tree["bin/client.exe"] != "exe v2" || tree["assets/maps/world.dat"] != "world v2" {
		t.Errorf("payload not installed: %v", tree)
	}
	if _, ok := tree["conf/settings.ini"]; ok {
		t.Error("preserved folder from the archive must not be copied")
	}
	if _, ok := tree[ArchiveName]; ok {
		t.Error("temporary archive left behind")
	}

	v, err := manifest.ReadVersion(env.PayloadDir)
	if err != nil || v != "2.0.0" {
		t.Errorf("ReadVersion = %q, %v", v, err)
	}
	result, err := integrity.NewVerifier(integrity.Options{}).Check(context.Background(), env.PayloadDir)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !result.IsValid {
		t.Errorf("installed payload should verify: %+v", result)
	}

	assertEmptyDir(t, scratch)
}

func TestInstallKeepsPreservedAndDropsStale(t *testing.T) {
	env := testutil.SetupTestEnv(t)
	before := map[string]string{
		"bin/client.exe":               "exe v1",
		"bin/old-only.dll":             "gone after install",
		"stale-top-level.txt":          "gone after install",
		"logs/launcher.log":            "gone after install",
		"characterdata/hero.dat":       "player data",
		"conf/settings.ini":            "player settings",
		"minimap/zone1.png":            "player map",
		"screenshots/2025/01/shot.png": "player shot",
		payload.VersionFile:            "1.0.0",
	}
	testutil.WriteTree(t, env.PayloadDir, before)

	srv := testutil.ServeArchive(t, testutil.TarGzArchive(t, release), true)
	res, err := newInstaller(t, t.TempDir()).Install(context.Background(), Request{
		Root:    env.PayloadDir,
		URL:     srv.URL,
		Version: "2.0.0",
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	after := testutil.ReadTree(t, env.PayloadDir)
	for _, rel := range []string{"characterdata/hero.dat", "conf/settings.ini", "minimap/zone1.png", "screenshots/2025/01/shot.png"} {
		if after[rel] != before[rel] {
			t.Errorf("preserved file %s changed: %q", rel, after[rel])
		}
	}
	for _, rel := range []string{"bin/old-only.dll", "stale-top-level.txt", "logs/launcher.log"} {
		if _, ok := after[rel]; ok {
			t.Errorf("stale entry %s should have been removed", rel)
		}
	}
	if after["bin/client.exe"] != "exe v2" {
		t.Errorf("bin/client.exe = %q", after["bin/client.exe"])
	}

	wantRemoved := []string{"bin", "logs", "stale-top-level.txt", payload.VersionFile}
	if diff := cmp.Diff(wantRemoved, res.Removed); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}

	m, err := manifest.Load(env.PayloadDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, p := range m.Paths() {
		if top, _, _ := strings.Cut(p, "/"); payload.IsPreserved(top) {
			t.Errorf("preserved path %s tracked in manifest", p)
		}
	}
}

func TestInstallUnknownLengthDegradesToStageMessages(t *testing.T) {
	env := testutil.SetupTestEnv(t)
	srv := testutil.ServeArchive(t, testutil.ZipArchive(t, release), false)

	rec := &progress.Recorder{}
	_, err := newInstaller(t, t.TempDir()).Install(context.Background(), Request{
		Root:    env.PayloadDir,
		URL:     srv.URL,
		Version: "2.0.0",
		Sink:    rec,
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	downloading := 0
	for _, e := range rec.Events() {
		if e.Stage == progress.StageDownloading {
			downloading++
			if e.Percent != 0 {
				t.Errorf("unexpected percent %d without a known total", e.Percent)
			}
		}
	}
	if downloading != 1 {
		t.Errorf("expected a single downloading snapshot, got %d", downloading)
	}
}

func TestInstallRemovesStaleArchive(t *testing.T) {
	env := testutil.SetupTestEnv(t)
	testutil.WriteTree(t, env.PayloadDir, map[string]string{ArchiveName: "garbage from an old run"})

	srv := testutil.ServeArchive(t, testutil.ZipArchive(t, release), true)
	if _, err := newInstaller(t, t.TempDir()).Install(context.Background(), Request{
		Root:    env.PayloadDir,
		URL:     srv.URL,
		Version: "2.0.0",
	}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.PayloadDir, ArchiveName)); !os.IsNotExist(err) {
		t.Error("archive should not remain after install")
	}
}

func TestInstallFailuresLeaveOldState(t *testing.T) {
	old := map[string]string{
		"bin/client.exe":    "exe v1",
		"conf/settings.ini": "player settings",
	}

	tests := []struct {
		name      string
		body      []byte
		status    bool // serve the body; otherwise 404
		freeSpace FreeSpaceFunc
		wantErr   error
	}{
		{
			name:    "empty_payload",
			body:    []byte{},
			status:  true,
			wantErr: payload.ErrEmptyPayload,
		},
		{
			name:    "corrupt_archive",
			body:    []byte("this is not a zip file at all"),
			status:  true,
			wantErr: payload.ErrExtraction,
		},
		{
			name:    "not_found",
			wantErr: payload.ErrNetwork,
		},
		{
			name:   "no_free_space",
			body:   []byte("PK\x03\x04 pretend archive"),
			status: true,
			freeSpace: func(context.Context, string) (uint64, error) {
				return 10, nil
			},
			wantErr: payload.ErrIO,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testutil.SetupTestEnv(t)
			testutil.WriteTree(t, env.PayloadDir, old)
			if err := manifest.WriteVersion(env.PayloadDir, "1.0.0"); err != nil {
				t.Fatal(err)
			}

			var url string
			if tt.status {
				url = testutil.ServeArchive(t, tt.body, true).URL
			} else {
				srv := httptest.NewServer(http.NotFoundHandler())
				t.Cleanup(srv.Close)
				url = srv.URL + "/client.zip"
			}

			scratch := t.TempDir()
			opts := Options{Downloader: fetch.New(fetch.Options{}), FreeSpace: plentyOfSpace, ScratchDir: scratch}
			if tt.freeSpace != nil {
				opts.FreeSpace = tt.freeSpace
			}
			inst, err := New(opts)
			if err != nil {
				t.Fatal(err)
			}

			_, err = inst.Install(context.Background(), Request{Root: env.PayloadDir, URL: url, Version: "2.0.0"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			v, _ := manifest.ReadVersion(env.PayloadDir)
			if v != "1.0.0" {
				t.Errorf("version marker changed to %q after a failed install", v)
			}
			tree := testutil.ReadTree(t, env.PayloadDir)
			if tree["bin/client.exe"] != "exe v1" {
				t.Errorf("payload changed after a failed install: %v", tree)
			}
			if _, ok := tree[ArchiveName]; ok {
				t.Error("temporary archive left behind")
			}
			assertEmptyDir(t, scratch)
		})
	}
}

func TestInstallMergeFailure(t *testing.T) {
	env := testutil.SetupTestEnv(t)
	preserved := map[string]string{
		"conf/settings.ini":      "player settings",
		"screenshots/shot1.png":  "png bytes",
		"characterdata/hero.dat": "level 60",
	}
	old := map[string]string{
		"bin/client.exe":        "exe v1",
		"assets/maps/world.dat": "world v1",
	}
	for k, v := range preserved {
		old[k] = v
	}
	testutil.WriteTree(t, env.PayloadDir, old)
	if err := manifest.WriteVersion(env.PayloadDir, "1.0.0"); err != nil {
		t.Fatal(err)
	}

	orig := copyExcept
	t.Cleanup(func() { copyExcept = orig })
	copyExcept = func(src, dst string, skip []string, onEntry func(done, total int)) ([]string, error) {
		if err := fsmerge.CopyTree(filepath.Join(src, "bin"), filepath.Join(dst, "bin")); err != nil {
			return nil, err
		}
		return []string{"bin"}, payload.IOError("copy file", filepath.Join(dst, "assets"), errors.New("no space left on device"))
	}

	scratch := t.TempDir()
	srv := testutil.ServeArchive(t, testutil.ZipArchive(t, release), true)
	_, err := newInstaller(t, scratch).Install(context.Background(), Request{
		Root:    env.PayloadDir,
		URL:     srv.URL,
		Version: "2.0.0",
	})
	if !errors.Is(err, payload.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}

	assertEmptyDir(t, scratch)
	tree := testutil.ReadTree(t, env.PayloadDir)
	if _, ok := tree[ArchiveName]; ok {
		t.Error("temporary archive left behind")
	}
	for k, v := range preserved {
		if tree[k] != v {
			t.Errorf("preserved %s = %q, want %q", k, tree[k], v)
		}
	}
	v, err := manifest.ReadVersion(env.PayloadDir)
	if err != nil {
		t.Fatalf("ReadVersion: %v", err)
	}
	if v == "2.0.0" {
		t.Error("version marker reports the new version after a failed merge")
	}
	if _, err := manifest.Load(env.PayloadDir); !errors.Is(err, payload.ErrManifestNotFound) {
		t.Errorf("expected manifest to be gone, got %v", err)
	}
}

func TestInstallRejectsScratchInsideRoot(t *testing.T) {
	root := t.TempDir()
	srv := testutil.ServeArchive(t, testutil.ZipArchive(t, release), true)

	_, err := newInstaller(t, filepath.Join(root, "tmp")).Install(context.Background(), Request{
		Root:    root,
		URL:     srv.URL,
		Version: "2.0.0",
	})
	if err == nil || !strings.Contains(err.Error(), "must not be inside payload root") {
		t.Fatalf("expected scratch placement error, got %v", err)
	}
	if srv.Requests() != 0 {
		t.Errorf("expected no download, got %d requests", srv.Requests())
	}
}

func TestInstallValidatesRequest(t *testing.T) {
	inst := newInstaller(t, t.TempDir())
	for _, req := range []Request{
		{URL: "http://x", Version: "1"},
		{Root: t.TempDir(), Version: "1"},
		{Root: t.TempDir(), URL: "http://x"},
	} {
		if _, err := inst.Install(context.Background(), req); err == nil {
			t.Errorf("expected error for %+v", req)
		}
	}
	if _, err := New(Options{}); err == nil {
		t.Error("expected error without a downloader")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:               "0 B",
		1023:            "1023 B",
		1024:            "1.0 KiB",
		5 * 1024 * 1024: "5.0 MiB",
	}
	for n, want := range tests {
		if got := formatBytes(n); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", n, got, want)
		}
	}
}
