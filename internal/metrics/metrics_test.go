package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
)

func TestRecordOperation(t *testing.T) {
	m := New()

	m.RecordOperation(OpInstall, time.Second, nil)
	m.RecordOperation(OpInstall, 2*time.Second, payload.EmptyPayloadError("client.zip"))
	m.RecordOperation(OpInstall, time.Second, errors.New("plain"))

	tests := []struct {
		result string
		want   float64
	}{
		{"success", 1},
		{"empty_payload", 1},
		{"error", 1},
		{"network", 0},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.operationsTotal.WithLabelValues(OpInstall, tt.result))
		if got != tt.want {
			t.Errorf("operations_total{result=%q} = %v, want %v", tt.result, got, tt.want)
		}
	}
}

func TestIntegrityAndDownloadMetrics(t *testing.T) {
	m := New()
	m.AddDownloadBytes(1024)
	m.AddDownloadBytes(-5)
	m.SetIntegrity(payload.NewIntegrityResult([]string{"bin/a"}, []string{"assets/b", "assets/c"}))

	if got := testutil.ToFloat64(m.downloadBytes); got != 1024 {
		t.Errorf("download bytes = %v, want 1024", got)
	}
	if got := testutil.ToFloat64(m.integrityFiles.WithLabelValues("missing")); got != 2 {
		t.Errorf("missing = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.integrityFiles.WithLabelValues("corrupted")); got != 1 {
		t.Errorf("corrupted = %v, want 1", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.RecordOperation(OpVerify, 10*time.Millisecond, nil)
	m.SetInstalled("1.2.0", payload.StatusReady)

	path := filepath.Join(t.TempDir(), "clientsync.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`clientsync_operations_total{operation="verify",result="success"} 1`,
		`clientsync_installed_info{status="ready",version="1.2.0"} 1`,
		"clientsync_operation_duration_seconds_bucket",
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q:\n%s", want, data)
		}
	}
}
