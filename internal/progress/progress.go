// Package progress models the staged progress snapshots emitted by install and
// repair operations, and the sinks that carry them to a user interface.
package progress

import (
	"fmt"
	"sync"
)

// Stage is a step of an install or repair operation.
type Stage int

const (
	StageDownloading Stage = iota
	StageSaving
	StageExtracting
	StageMerging
	StageFinalizing
	StageComplete
	// StageRetrying is emitted by callers between attempts and may recur.
	StageRetrying
)

// String returns the string representation of the stage
func (s Stage) String() string {
	switch s {
	case StageDownloading:
		return "downloading"
	case StageSaving:
		return "saving"
	case StageExtracting:
		return "extracting"
	case StageMerging:
		return "merging"
	case StageFinalizing:
		return "finalizing"
	case StageComplete:
		return "complete"
	case StageRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a stage name.
func (s *Stage) UnmarshalText(text []byte) error {
	for st := StageDownloading; st <= StageRetrying; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", text)
}

// Progress is an immutable snapshot of an operation's state.
type Progress struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
	Percent int    `json:"percent"` // 0..100
}

// Sink receives progress snapshots. Implementations must be safe for use
// from the goroutine running the operation; they are never called concurrently
// by a single operation.
type Sink interface {
	Report(p Progress)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Progress)

// Report calls f(p).
func (f SinkFunc) Report(p Progress) {
	f(p)
}

type discard struct{}

func (discard) Report(Progress) {}

// Discard returns a Sink that drops every snapshot.
func Discard() Sink {
	return discard{}
}

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard()
	}
	return s
}

// Percent converts done/total to a 0..100 integer. An unknown or zero total yields 0.
func Percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(done * 100 / total)
	return clamp(p)
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ChanSink forwards snapshots to a channel. The first snapshot of every stage
// is always delivered, blocking if needed; further snapshots of the same stage
// are dropped when the channel is full, so a slow consumer never stalls I/O.
type ChanSink struct {
	ch   chan<- Progress
	mu   sync.Mutex
	last Stage
	sent bool
}

// NewChanSink creates a sink writing to ch.
func NewChanSink(ch chan<- Progress) *ChanSink {
	return &ChanSink{ch: ch}
}

// Report sends p to the channel.
func (c *ChanSink) Report(p Progress) {
	c.mu.Lock()
	transition := !c.sent || p.Stage != c.last
	c.last = p.Stage
	c.sent = true
	c.mu.Unlock()

	if transition {
		c.ch <- p
		return
	}
	select {
	case c.ch <- p:
	default:
	}
}

// Tracker decorates a Sink for one operation: it clamps percentages and keeps
// stages moving forward. A snapshot for an earlier stage than the current one
// is reported under the current stage instead; StageRetrying is always passed
// through and resets the ordering for the next attempt.
type Tracker struct {
	sink    Sink
	current Stage
	started bool
}

// NewTracker wraps sink; a nil sink discards.
func NewTracker(sink Sink) *Tracker {
	return &Tracker{sink: OrDiscard(sink)}
}

// Report emits a snapshot.
func (t *Tracker) Report(stage Stage, percent int, message string) {
	if stage == StageRetrying {
		t.started = false
		t.sink.Report(Progress{Stage: stage, Message: message, Percent: clamp(percent)})
		return
	}
	if t.started && stage < t.current {
		stage = t.current
	}
	t.current = stage
	t.started = true
	t.sink.Report(Progress{Stage: stage, Message: message, Percent: clamp(percent)})
}

// Reportf emits a snapshot with a formatted message.
func (t *Tracker) Reportf(stage Stage, percent int, format string, args ...interface{}) {
	t.Report(stage, percent, fmt.Sprintf(format, args...))
}

// Recorder stores every snapshot it receives. Useful for tests and for
// rendering a summary after the fact.
type Recorder struct {
	mu     sync.Mutex
	events []Progress
}

// Report stores p.
func (r *Recorder) Report(p Progress) {
	r.mu.Lock()
	r.events = append(r.events, p)
	r.mu.Unlock()
}

// Events returns a copy of the recorded snapshots.
func (r *Recorder) Events() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.events...)
}

// Stages returns the recorded stages with consecutive duplicates collapsed.
func (r *Recorder) Stages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Stage
	for _, e := range r.events {
		if len(out) == 0 || out[len(out)-1] != e.Stage {
			out = append(out, e.Stage)
		}
	}
	return out
}
