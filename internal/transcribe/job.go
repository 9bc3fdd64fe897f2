package transcribe

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// State is a step of the transcription state machine.
type State int

const (
	StateIdle State = iota
	StateInspecting
	StatePreprocessing
	StateShortForm
	StateLongForm
	StateFiltering
	StateDone
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInspecting:
		return "inspecting"
	case StatePreprocessing:
		return "preprocessing"
	case StateShortForm:
		return "short_form"
	case StateLongForm:
		return "long_form"
	case StateFiltering:
		return "filtering"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so states serialise by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether s is Done or Failed.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Progress is a point-in-time snapshot of a job.
type Progress struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
	State   State  `json:"state"`
}

// JobHandle tracks a transcription started with [Orchestrator.Start]. All
// methods are safe for concurrent use.
type JobHandle struct {
	// ID uniquely identifies the job.
	ID string

	mu       sync.Mutex
	progress Progress
	result   Transcript
	err      error
	done     chan struct{}
}

func newHandle() *JobHandle {
	return &JobHandle{ID: uuid.NewString(), done: make(chan struct{})}
}

// State returns the current state.
func (h *JobHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress.State
}

// Progress returns the latest progress snapshot.
func (h *JobHandle) Progress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// Done is closed when the job reaches a terminal state.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx is done.
func (h *JobHandle) Wait(ctx context.Context) (Transcript, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return Transcript{}, ctx.Err()
	}
}

func (h *JobHandle) setState(s State) {
	h.mu.Lock()
	h.progress.State = s
	h.mu.Unlock()
}

// report stores a checkpoint and returns the percentage actually recorded.
// Percentages never decrease and never exceed [MaxProgress] until the job
// fails.
func (h *JobHandle) report(s State, percent int, msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	percent = min(max(percent, h.progress.Percent), MaxProgress)
	h.progress = Progress{Percent: percent, Message: msg, State: s}
	return percent
}

func (h *JobHandle) finish(tr Transcript, err error, failMsg string) {
	h.mu.Lock()
	if err != nil {
		h.progress = Progress{Percent: 0, Message: failMsg, State: StateFailed}
	} else {
		h.progress.State = StateDone
	}
	h.result, h.err = tr, err
	h.mu.Unlock()
	close(h.done)
}
