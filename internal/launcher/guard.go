package launcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/lock"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/progress"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/retry"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/runlog"
)

// ensureNotRunning refuses to touch the payload while the client is running
// from it. A failed process listing is logged and does not block.
func (l *Launcher) ensureNotRunning(ctx context.Context, op string) error {
	if l.processName == "" {
		return nil
	}
	procs, err := l.runningFrom(ctx, l.root, l.processName)
	if err != nil {
		l.logger.Warn("could not list running processes", "name", l.processName, "error", err)
		return nil
	}
	if len(procs) > 0 {
		return payload.BusyError(op, fmt.Errorf("%s is running from %s (pid %d)", l.processName, l.root, procs[0].PID))
	}
	return nil
}

func (l *Launcher) acquire(operation, runID string) (*lock.Lock, error) {
	lk, err := lock.Acquire(l.stateDir, operation, runID)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("payload lock acquired", "operation", operation, "run_id", runID)
	return lk, nil
}

func (l *Launcher) release(lk *lock.Lock) {
	if err := lk.Release(); err != nil {
		l.logger.Warn("failed to release payload lock", "error", err)
	}
}

// attemptFunc runs one attempt of a mutation. onStage journals progress.
type attemptFunc func(ctx context.Context, onStage func(progress.Stage)) error

// mutate runs attempt under the running-client guard and the payload lock,
// retrying per policy and journaling the run.
func (l *Launcher) mutate(ctx context.Context, run *runlog.Run, policy retry.Policy, sink progress.Sink, attempt attemptFunc) error {
	if err := l.ensureNotRunning(ctx, string(run.Operation)); err != nil {
		return err
	}
	lk, err := l.acquire(string(run.Operation), run.ID)
	if err != nil {
		return err
	}
	defer l.release(lk)

	sink = progress.OrDiscard(sink)
	l.saveRun(run)

	onStage := func(s progress.Stage) {
		run.Stage = s.String()
	}
	err = policy.Do(ctx, func(ctx context.Context) error {
		run.Attempts++
		return retryable(attempt(ctx, onStage))
	}, func(next int, err error) {
		l.logger.Warn("operation failed, retrying",
			"operation", run.Operation,
			"attempt", next,
			"max_attempts", policy.MaxAttempts,
			"error", err)
		run.LastError = err.Error()
		l.saveRun(run)
		sink.Report(progress.Progress{
			Stage:   progress.StageRetrying,
			Message: fmt.Sprintf("download failed, retrying (%d/%d)", next, policy.MaxAttempts),
			Percent: 0,
		})
	})

	now := l.clock.Now()
	if err != nil {
		run.Fail(now, err)
		l.logger.Error("operation failed",
			"operation", run.Operation,
			"run_id", run.ID,
			"attempts", run.Attempts,
			"error", err)
	} else {
		run.Complete(now)
	}
	l.saveRun(run)
	if perr := runlog.Prune(l.journalDir(), l.keepRuns); perr != nil {
		l.logger.Warn("failed to prune run journal", "error", perr)
	}
	return err
}

// retryable marks the failures a fresh download can fix: transient network
// errors, and empty or unreadable archives. Local filesystem faults and
// permanent HTTP errors are returned as they are.
func retryable(err error) error {
	if err == nil || retry.IsRetryable(err) {
		return err
	}
	if errors.Is(err, payload.ErrEmptyPayload) || errors.Is(err, payload.ErrExtraction) {
		return retry.Retryable(err)
	}
	return err
}

// saveRun persists run; the journal is informational, so failures only log.
func (l *Launcher) saveRun(run *runlog.Run) {
	if err := run.Save(l.journalDir()); err != nil {
		l.logger.Warn("failed to save run journal", "run_id", run.ID, "error", err)
	}
}
