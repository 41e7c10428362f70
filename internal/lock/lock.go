// Package lock serializes payload mutations across launcher processes with
// an exclusive lock file in the state directory.
package lock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
)

const (
	// FileName is the lock file created inside the state directory.
	FileName = "payload.lock"
	// StaleThreshold is the age after which a lock with an unreadable owner
	// is considered stale.
	StaleThreshold = 30 * time.Minute
)

// ErrLocked reports that another operation holds the lock.
var ErrLocked = errors.New("payload lock exists: another install or repair may be in progress")

// Info is the metadata written into the lock file.
type Info struct {
	PID       int
	Operation string
	RunID     string
	Timestamp time.Time
}

// Lock is a held payload lock.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the lock in dir. When the lock is held by someone else it
// fails with an error matching both ErrLocked and payload.ErrBusy. A lock
// whose owning process no longer exists is broken and taken over, as is one
// older than StaleThreshold whose owner cannot be read.
func Acquire(dir, operation, runID string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, payload.IOError("create lock directory", dir, err)
	}

	lockPath := filepath.Join(dir, FileName)

	file, err := create(lockPath)
	if err != nil {
		if !os.IsExist(err) {
			return nil, payload.IOError("create lock file", lockPath, err)
		}
		if !isStale(lockPath) {
			return nil, busy(lockPath)
		}
		// Remove stale lock and retry once
		os.Remove(lockPath)
		file, err = create(lockPath)
		if err != nil {
			return nil, busy(lockPath)
		}
	}

	data := fmt.Sprintf("pid=%d\noperation=%s\nrun_id=%s\ntimestamp=%s\n",
		os.Getpid(), operation, runID, time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteString(data); err != nil {
		file.Close()
		os.Remove(lockPath)
		return nil, payload.IOError("write lock data", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(lockPath)
		return nil, payload.IOError("sync lock file", lockPath, err)
	}

	return &Lock{path: lockPath, file: file}, nil
}

func create(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
}

func busy(lockPath string) error {
	err := ErrLocked
	if info, rerr := ReadInfo(lockPath); rerr == nil {
		err = fmt.Errorf("%w (pid %d, %s since %s)", ErrLocked, info.PID, info.Operation,
			info.Timestamp.Format(time.RFC3339))
	}
	return payload.BusyError("acquire payload lock", err)
}

// Release releases the lock.
func (l *Lock) Release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	if l.path != "" {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return payload.IOError("remove lock file", l.path, err)
		}
		l.path = ""
	}

	return nil
}

// ReadInfo parses the metadata of the lock file at path.
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	var info Info
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "operation":
			info.Operation = value
		case "run_id":
			info.RunID = value
		case "timestamp":
			info.Timestamp, _ = time.Parse(time.RFC3339, value)
		}
	}
	return info, scanner.Err()
}

// isStale reports whether the lock's owner is gone. A live owner keeps the
// lock however old it is; the age limit only applies when the owner cannot
// be determined.
func isStale(lockPath string) bool {
	st, err := os.Stat(lockPath)
	if err != nil {
		return false
	}

	if info, err := ReadInfo(lockPath); err == nil && info.PID > 0 {
		alive, err := process.PidExistsWithContext(context.Background(), int32(info.PID))
		if err == nil {
			return !alive
		}
	}
	return time.Since(st.ModTime()) > StaleThreshold
}
