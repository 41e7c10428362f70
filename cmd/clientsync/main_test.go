package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/testutil"
)

var release = map[string]string{
	"bin/client":      "client v1",
	"assets/data.pak": "data v1",
}

// releaseServer publishes version 1.0.0 of release.
func releaseServer(t *testing.T) *httptest.Server {
	t.Helper()
	body := testutil.ZipArchive(t, release)

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/api/client/version", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version":      "1.0.0",
			"download_url": srv.URL + "/files/client.zip",
		})
	})
	mux.HandleFunc("/files/client.zip", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "client.zip", time.Time{}, bytes.NewReader(body))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setup(t *testing.T) testutil.Env {
	t.Helper()
	env := testutil.SetupTestEnv(t)
	srv := releaseServer(t)
	cfg := `clientsync = {
		api_base_url = "` + srv.URL + `/api",
		retry = { attempts = 1 },
		log = { level = "error" },
	}`
	if err := os.WriteFile(env.ConfigPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return env
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append([]string{"clientsync"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestInstallVerifyRepairFlow(t *testing.T) {
	env := setup(t)

	steps := []struct {
		name     string
		args     []string
		prepare  func(t *testing.T)
		wantCode int
		want     []string
	}{
		{
			name: "check before install",
			args: []string{"check"},
			want: []string{"installed: 0.0.0", "available: 1.0.0"},
		},
		{
			name:     "verify before install",
			args:     []string{"verify"},
			wantCode: 1,
			want:     []string{"status: not_installed"},
		},
		{
			name: "install",
			args: []string{"install"},
			want: []string{"[downloading]", "[complete] 100%", "installed client 1.0.0: 2 files"},
		},
		{
			name: "check after install",
			args: []string{"check"},
			want: []string{"client is up to date"},
		},
		{
			name: "verify clean",
			args: []string{"verify"},
			want: []string{"status: ready"},
		},
		{
			name: "verify damaged",
			args: []string{"verify"},
			prepare: func(t *testing.T) {
				if err := os.WriteFile(filepath.Join(env.PayloadDir, "bin", "client"), []byte("cheat"), 0o755); err != nil {
					t.Fatal(err)
				}
			},
			wantCode: 1,
			want:     []string{"status: damaged", "corrupted: bin/client"},
		},
		{
			name: "repair findings",
			args: []string{"repair"},
			want: []string{"[merging]", "repaired 1 of 1 files"},
		},
		{
			name: "status shows repair",
			args: []string{"status"},
			want: []string{"operation: repair", "state:     completed", "paths:     bin/client"},
		},
		{
			name: "nothing left to repair",
			args: []string{"repair"},
			want: []string{"nothing to repair"},
		},
		{
			name: "manifest build",
			args: []string{"manifest", "build"},
			want: []string{"wrote checksums for 2 files (version 1.0.0)"},
		},
	}

	for _, step := range steps {
		if step.prepare != nil {
			step.prepare(t)
		}
		code, out, errOut := runCLI(t, step.args...)
		if code != step.wantCode {
			t.Fatalf("%s: exit code = %d, want %d\nstdout:\n%s\nstderr:\n%s", step.name, code, step.wantCode, out, errOut)
		}
		for _, want := range step.want {
			if !strings.Contains(out, want) {
				t.Errorf("%s: output missing %q:\n%s", step.name, want, out)
			}
		}
	}
}

func TestSyncCommand(t *testing.T) {
	setup(t)

	code, out, errOut := runCLI(t, "sync")
	if code != 0 {
		t.Fatalf("exit code = %d\nstdout:\n%s\nstderr:\n%s", code, out, errOut)
	}
	for _, want := range []string{"installed client 1.0.0", "status: ready"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestMetricsFileFlag(t *testing.T) {
	setup(t)
	path := filepath.Join(t.TempDir(), "clientsync.prom")

	if code, _, errOut := runCLI(t, "--metrics-file", path, "check"); code != 0 {
		t.Fatalf("exit code = %d: %s", code, errOut)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("metrics file not written: %v", err)
	}
	if !strings.Contains(string(data), `clientsync_operations_total{operation="check_update",result="success"} 1`) {
		t.Errorf("unexpected metrics:\n%s", data)
	}
}

func TestUsageErrors(t *testing.T) {
	setup(t)

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantErr  string
	}{
		{"url without version", []string{"install", "--url", "https://cdn/x.zip"}, 2, "--url and --version must be given together"},
		{"bad log level", []string{"--log-level", "loud", "check"}, 1, "log.level"},
		{"launch before install", []string{"launch"}, 1, "not ready"},
		{"status without runs", []string{"status"}, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := runCLI(t, tt.args...)
			if code != tt.wantCode {
				t.Fatalf("exit code = %d, want %d: %s", code, tt.wantCode, errOut)
			}
			if !strings.Contains(errOut, tt.wantErr) {
				t.Errorf("stderr = %q, want it to contain %q", errOut, tt.wantErr)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
