// Package testutil provides utilities for testing clientsync in isolation.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// Env holds the isolated directories created by SetupTestEnv.
type Env struct {
	PayloadDir string
	StateDir   string
	ConfigPath string
}

// SetupTestEnv creates isolated test directories for each test and points the
// CLIENTSYNC_* environment variables at them, so tests never touch a real
// client installation.
//
// The cleanup is handled by t.TempDir() and t.Setenv().
func SetupTestEnv(t *testing.T) Env {
	t.Helper()

	tmpDir := t.TempDir()
	env := Env{
		PayloadDir: filepath.Join(tmpDir, "client"),
		StateDir:   filepath.Join(tmpDir, "state"),
		ConfigPath: filepath.Join(tmpDir, "clientsync.lua"),
	}

	t.Setenv("CLIENTSYNC_PAYLOAD_DIR", env.PayloadDir)
	t.Setenv("CLIENTSYNC_STATE_DIR", env.StateDir)
	t.Setenv("CLIENTSYNC_CONFIG", env.ConfigPath)

	if err := os.MkdirAll(env.StateDir, 0o750); err != nil {
		t.Fatalf("failed to create test directory %s: %v", env.StateDir, err)
	}

	return env
}

// WriteTree creates files under root. Keys are forward-slash relative paths.
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("failed to create directory for %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", rel, err)
		}
	}
}

// ReadTree returns every regular file under root keyed by forward-slash
// relative path. A missing root yields an empty map.
func ReadTree(t *testing.T, root string) map[string]string {
	t.Helper()

	out := map[string]string{}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return out
	}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to read tree %s: %v", root, err)
	}
	return out
}
