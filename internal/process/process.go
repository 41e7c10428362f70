// Package process finds, starts and stops the installed client executable.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotRunning is returned by KillByName when no process matched.
var ErrNotRunning = errors.New("process not running")

// Proc describes a running process.
type Proc struct {
	PID  int32
	Name string
	Exe  string // may be empty when the executable path is not readable
}

// normalizeName lowercases and strips a trailing ".exe" so "Client.exe" and
// "client" compare equal.
func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".exe")
}

// MatchName reports whether a process called procName matches want.
func MatchName(procName, want string) bool {
	w := normalizeName(want)
	return w != "" && normalizeName(procName) == w
}

// Find lists running processes whose name or executable base name matches name.
func Find(ctx context.Context, name string) ([]Proc, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var out []Proc
	for _, p := range procs {
		pname, err := p.NameWithContext(ctx)
		if err != nil {
			// Process exited or is not inspectable
			continue
		}
		exe, _ := p.ExeWithContext(ctx)
		if MatchName(pname, name) || (exe != "" && MatchName(filepath.Base(exe), name)) {
			out = append(out, Proc{PID: p.Pid, Name: pname, Exe: exe})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

// RunningFrom returns the processes matching name whose executable lives
// under root.
func RunningFrom(ctx context.Context, root, name string) ([]Proc, error) {
	procs, err := Find(ctx, name)
	if err != nil {
		return nil, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	absRoot = filepath.Clean(absRoot)

	var out []Proc
	for _, p := range procs {
		if p.Exe == "" {
			continue
		}
		if strings.HasPrefix(filepath.Clean(p.Exe), absRoot+string(os.PathSeparator)) {
			out = append(out, p)
		}
	}
	return out, nil
}

// KillByName terminates every process matching name and returns how many
// were killed. It returns ErrNotRunning when nothing matched.
func KillByName(ctx context.Context, name string) (int, error) {
	procs, err := Find(ctx, name)
	if err != nil {
		return 0, err
	}
	if len(procs) == 0 {
		return 0, fmt.Errorf("%s: %w", name, ErrNotRunning)
	}

	killed := 0
	var errs []error
	for _, proc := range procs {
		if int(proc.PID) == os.Getpid() {
			continue
		}
		p, err := process.NewProcessWithContext(ctx, proc.PID)
		if err != nil {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("kill pid %d: %w", proc.PID, err))
			continue
		}
		killed++
	}
	if killed == 0 && len(errs) == 0 {
		return 0, fmt.Errorf("%s: %w", name, ErrNotRunning)
	}
	return killed, errors.Join(errs...)
}

// Launch starts exe detached from the caller with dir as its working
// directory and returns its pid. The child is not waited for.
func Launch(exe, dir string, args ...string) (int, error) {
	info, err := os.Stat(exe)
	if err != nil {
		return 0, fmt.Errorf("stat executable: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("executable %s is a directory", exe)
	}

	cmd := exec.Command(exe, args...)
	cmd.Dir = dir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", exe, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release process: %w", err)
	}
	return pid, nil
}
