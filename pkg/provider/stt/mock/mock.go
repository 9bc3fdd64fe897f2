// Package mock provides a test double for stt.Recognizer.
//
// Recognizer returns canned results and records every call so tests can
// assert which strategy was chosen and with which hints.
//
// Example:
//
//	rec := &mock.Recognizer{
//	    Threshold:   5 * time.Minute,
//	    ShortResult: stt.Segment{Text: "你好 世界"},
//	}
//	seg, _ := rec.ShortForm(ctx, "clip.wav", stt.Hint{Language: "zh"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/tingxie/pkg/provider/stt"
)

// Call records a single invocation of ShortForm or LongForm.
type Call struct {
	// Method is "ShortForm" or "LongForm".
	Method string
	// Path is the audio path passed to the call.
	Path string
	// Hint is the recognition hint passed to the call.
	Hint stt.Hint
}

// Recognizer is a mock implementation of stt.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Threshold is returned by LongFormThreshold.
	Threshold time.Duration

	// ShortResult and ShortErr are returned by ShortForm.
	ShortResult stt.Segment
	ShortErr    error

	// LongResult and LongErr are returned by LongForm. LongByPath, when it has
	// an entry for the requested path, takes precedence over LongResult.
	LongResult []stt.Segment
	LongByPath map[string][]stt.Segment
	LongErr    error

	// OnCall, if set, runs at the start of every recognition call. Tests use
	// it to inspect files on disk while the call is in flight.
	OnCall func(Call)

	// Calls records every recognition call in order.
	Calls []Call
}

// LongFormThreshold returns Threshold.
func (r *Recognizer) LongFormThreshold() time.Duration { return r.Threshold }

// ShortForm records the call and returns ShortResult, ShortErr.
func (r *Recognizer) ShortForm(ctx context.Context, path string, hint stt.Hint) (stt.Segment, error) {
	r.record(Call{Method: "ShortForm", Path: path, Hint: hint})
	if err := ctx.Err(); err != nil {
		return stt.Segment{}, err
	}
	return r.ShortResult, r.ShortErr
}

// LongForm records the call and returns the canned segments for path.
func (r *Recognizer) LongForm(ctx context.Context, path string, hint stt.Hint) ([]stt.Segment, error) {
	r.record(Call{Method: "LongForm", Path: path, Hint: hint})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if segs, ok := r.LongByPath[path]; ok {
		return segs, r.LongErr
	}
	return r.LongResult, r.LongErr
}

func (r *Recognizer) record(c Call) {
	r.mu.Lock()
	r.Calls = append(r.Calls, c)
	hook := r.OnCall
	r.mu.Unlock()
	if hook != nil {
		hook(c)
	}
}

// CallCount returns the number of recognition calls. Thread-safe.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = nil
}

// Ensure Recognizer implements stt.Recognizer at compile time.
var _ stt.Recognizer = (*Recognizer)(nil)
