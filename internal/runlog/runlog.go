// Package runlog keeps a journal of install and repair runs in the state
// directory, so an interrupted run can be reported after a restart.
package runlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State represents the current state of a run.
type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Operation represents the kind of payload mutation being performed.
type Operation string

const (
	OperationInstall Operation = "install"
	OperationRepair  Operation = "repair"
)

// DirName is the journal directory inside the state directory.
const DirName = "runs"

// ErrNoRuns is returned by Latest when the journal is empty.
var ErrNoRuns = errors.New("no runs recorded")

// Run is one journal entry.
type Run struct {
	SchemaVersion int        `json:"schema_version"`
	ID            string     `json:"id"`
	Operation     Operation  `json:"operation"`
	Version       string     `json:"version,omitempty"` // payload version being installed
	URL           string     `json:"url,omitempty"`
	State         State      `json:"state"`
	Stage         string     `json:"stage,omitempty"` // last progress stage reached
	Paths         []string   `json:"paths,omitempty"` // repair targets
	Attempts      int        `json:"attempts"`
	Started       time.Time  `json:"started"`
	Finished      *time.Time `json:"finished,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// New creates an in-progress run.
func New(op Operation, version, url string, paths []string, now time.Time) *Run {
	return &Run{
		SchemaVersion: 1,
		ID:            uuid.New().String(),
		Operation:     op,
		Version:       version,
		URL:           url,
		State:         StateInProgress,
		Paths:         append([]string(nil), paths...),
		Started:       now.UTC(),
	}
}

// Complete marks the run as completed.
func (r *Run) Complete(now time.Time) {
	t := now.UTC()
	r.State = StateCompleted
	r.Finished = &t
	r.LastError = ""
}

// Fail marks the run as failed with err.
func (r *Run) Fail(now time.Time, err error) {
	t := now.UTC()
	r.State = StateFailed
	r.Finished = &t
	if err != nil {
		r.LastError = err.Error()
	}
}

// Duration returns how long the run took, or zero while it is in progress.
func (r *Run) Duration() time.Duration {
	if r.Finished == nil {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

func (r *Run) fileName() string {
	return fmt.Sprintf("run-%s-%s.json", r.Operation, r.ID)
}

// Save writes the run to dir atomically.
// Uses write-then-rename pattern for atomicity.
func (r *Run) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}

	finalPath := filepath.Join(dir, r.fileName())
	tmpPath := finalPath + ".tmp"

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temporary run file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename run file: %w", err)
	}

	// Sync directory for durability
	df, err := os.Open(dir)
	if err == nil {
		if syncErr := df.Sync(); syncErr != nil {
			df.Close()
			return fmt.Errorf("sync directory: %w", syncErr)
		}
		df.Close()
	}

	return nil
}

// Load reads a run from disk.
func Load(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run file: %w", err)
	}

	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &r, nil
}

// List returns every readable run in dir, newest first. Unreadable entries
// are skipped.
func List(dir string) ([]*Run, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal directory: %w", err)
	}

	var runs []*Run
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "run-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		r, err := Load(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		runs = append(runs, r)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].Started.After(runs[j].Started)
	})
	return runs, nil
}

// Latest returns the most recently started run in dir.
func Latest(dir string) (*Run, error) {
	runs, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	return runs[0], nil
}

// Prune deletes all but the keep most recent runs.
func Prune(dir string, keep int) error {
	runs, err := List(dir)
	if err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}
	for i := keep; i < len(runs); i++ {
		path := filepath.Join(dir, runs[i].fileName())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove run file: %w", err)
		}
	}
	return nil
}
