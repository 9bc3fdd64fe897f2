package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tingxie/internal/optimize"
	"github.com/MrWong99/tingxie/internal/transcribe"
	"github.com/MrWong99/tingxie/pkg/provider/stt"
)

var (
	// ErrBusy is returned when a session already runs a transcription.
	ErrBusy = errors.New("app: a transcription is already running")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("app: session not found")

	// ErrNoTranscript is returned when a session has nothing to optimise or export.
	ErrNoTranscript = errors.New("app: no transcript")

	// ErrNoOptimization is returned when a session has no optimised text
	// waiting to be accepted or exported.
	ErrNoOptimization = errors.New("app: no pending optimization")

	// ErrTranscriptChanged is returned when an optimisation finishes after
	// the transcript it was computed from has been replaced.
	ErrTranscriptChanged = errors.New("app: transcript changed during optimization")
)

// CompleteProgress is the percentage published once a job has succeeded and
// its transcript is stored.
const CompleteProgress = 100

// EventType classifies an [Event].
type EventType string

const (
	EventProgress EventType = "progress"
	EventPartial  EventType = "partial"
	EventDone     EventType = "done"
	EventFailed   EventType = "failed"
)

// Event is pushed to session subscribers while a job runs. JobID is set on
// terminal events.
type Event struct {
	Type    EventType `json:"type"`
	JobID   string    `json:"job_id,omitempty"`
	Percent int       `json:"percent"`
	Message string    `json:"message,omitempty"`
	Text    string    `json:"text,omitempty"`
}

// subscriberBuffer is the per-subscriber queue length. Events beyond it are
// dropped for that subscriber.
const subscriberBuffer = 64

// Session holds the state of one user: at most one running job and the
// current transcript. All methods are safe for concurrent use.
type Session struct {
	ID        string
	CreatedAt time.Time

	dir string

	mu         sync.Mutex
	busy       bool
	job        *transcribe.JobHandle
	transcript *transcribe.Transcript
	// revision increases whenever transcript is replaced.
	revision uint64
	pending  *Optimization
	subs     map[chan Event]struct{}
	closed   bool
}

// Optimization is an optimised text kept next to the transcript it was
// computed from until it is accepted or discarded.
type Optimization struct {
	Original  string              `json:"original"`
	Text      string              `json:"text"`
	Provider  optimize.ProviderID `json:"provider"`
	Intent    optimize.Intent     `json:"intent"`
	CreatedAt time.Time           `json:"created_at"`

	revision uint64
}

// Status is a snapshot of a session.
type Status struct {
	ID           string                 `json:"id"`
	Busy         bool                   `json:"busy"`
	JobID        string                 `json:"job_id,omitempty"`
	Progress     *transcribe.Progress   `json:"progress,omitempty"`
	Transcript   *transcribe.Transcript `json:"transcript,omitempty"`
	Optimization *Optimization          `json:"optimization,omitempty"`
}

// Status returns a snapshot of s.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{ID: s.ID, Busy: s.busy}
	if s.job != nil {
		p := s.job.Progress()
		if p.State == transcribe.StateDone {
			p.Percent = CompleteProgress
		}
		st.JobID = s.job.ID
		st.Progress = &p
	}
	if s.transcript != nil {
		tr := *s.transcript
		st.Transcript = &tr
	}
	if s.pending != nil {
		opt := *s.pending
		st.Optimization = &opt
	}
	return st
}

// Transcript returns the current transcript.
func (s *Session) Transcript() (transcribe.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript == nil {
		return transcribe.Transcript{}, ErrNoTranscript
	}
	return *s.transcript, nil
}

// snapshot returns the current transcript and its revision. It fails with
// [ErrBusy] while a job runs, since that job will replace the transcript.
func (s *Session) snapshot() (transcribe.Transcript, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return transcribe.Transcript{}, 0, ErrBusy
	}
	if s.transcript == nil {
		return transcribe.Transcript{}, 0, ErrNoTranscript
	}
	return *s.transcript, s.revision, nil
}

// setOptimization stores opt as the pending optimisation of the transcript
// at rev. A newer transcript rejects it with [ErrTranscriptChanged].
func (s *Session) setOptimization(rev uint64, opt Optimization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript == nil || s.revision != rev {
		return ErrTranscriptChanged
	}
	opt.revision = rev
	s.pending = &opt
	return nil
}

// Optimization returns the pending optimisation.
func (s *Session) Optimization() (Optimization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Optimization{}, ErrNoOptimization
	}
	return *s.pending, nil
}

// AcceptOptimization replaces the transcript text with the pending
// optimisation, marks the transcript optimised and clears the pending value.
func (s *Session) AcceptOptimization() (transcribe.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return transcribe.Transcript{}, ErrNoOptimization
	}
	if s.transcript == nil || s.pending.revision != s.revision {
		s.pending = nil
		return transcribe.Transcript{}, ErrTranscriptChanged
	}
	next := *s.transcript
	next.Text = s.pending.Text
	next.Optimized = true
	s.transcript = &next
	s.revision++
	s.pending = nil
	return next, nil
}

// DiscardOptimization drops the pending optimisation, if any.
func (s *Session) DiscardOptimization() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// SaveUpload stores r under the session's scratch directory and returns its
// path. The extension of name is kept so the format can be detected.
func (s *Session) SaveUpload(name string, r io.Reader) (string, error) {
	f, err := os.CreateTemp(s.dir, "upload-*"+filepath.Ext(name))
	if err != nil {
		return "", fmt.Errorf("app: store upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("app: store upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("app: store upload: %w", err)
	}
	return f.Name(), nil
}

// StartJob runs a transcription of path on orch. It fails with [ErrBusy]
// while another job is running. Subscribers receive progress, the filtered
// text, and a final 100 once the transcript is stored. Uploads created by
// [Session.SaveUpload] are removed when the job ends.
func (s *Session) StartJob(ctx context.Context, orch *transcribe.Orchestrator, rec stt.Recognizer, path string, opts transcribe.Options) (*transcribe.JobHandle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.busy = true
	s.mu.Unlock()

	onProgress := opts.OnProgress
	opts.OnProgress = func(pct int, msg string) {
		s.publish(Event{Type: EventProgress, Percent: pct, Message: msg})
		if onProgress != nil {
			onProgress(pct, msg)
		}
	}
	onPartial := opts.OnPartialText
	opts.OnPartialText = func(text string) {
		s.publish(Event{Type: EventPartial, Text: text})
		if onPartial != nil {
			onPartial(text)
		}
	}

	h := orch.Start(ctx, rec, path, opts)

	s.mu.Lock()
	s.job = h
	s.mu.Unlock()

	go s.await(h, path)
	return h, nil
}

func (s *Session) await(h *transcribe.JobHandle, path string) {
	tr, err := h.Wait(context.Background())
	if filepath.Dir(path) == s.dir {
		os.Remove(path)
	}

	s.mu.Lock()
	if err == nil {
		s.transcript = &tr
		s.revision++
		s.pending = nil
	}
	s.busy = false
	s.mu.Unlock()

	if err != nil {
		s.publish(Event{Type: EventFailed, JobID: h.ID, Message: err.Error()})
		return
	}
	s.publish(Event{Type: EventDone, JobID: h.ID, Percent: CompleteProgress, Message: "转录完成", Text: tr.Text})
}

// Subscribe returns a channel of events and a function that ends the
// subscription. The channel is closed when the session closes.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

func (s *Session) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("app: dropping event for slow subscriber", "session_id", s.ID, "type", ev.Type)
		}
	}
}

// close ends all subscriptions and removes the scratch directory. A running
// job keeps going; its upload is removed with the directory.
func (s *Session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()
	return os.RemoveAll(s.dir)
}

// SessionManager creates, finds and removes sessions. All exported methods
// are safe for concurrent use.
type SessionManager struct {
	baseDir string

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager returns a manager that places session scratch
// directories under baseDir (the OS temp dir when empty).
func NewSessionManager(baseDir string) *SessionManager {
	return &SessionManager{baseDir: baseDir, sessions: make(map[string]*Session)}
}

// Create starts a new session.
func (sm *SessionManager) Create() (*Session, error) {
	dir, err := os.MkdirTemp(sm.baseDir, "tingxie-session-*")
	if err != nil {
		return nil, fmt.Errorf("app: create session dir: %w", err)
	}
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		dir:       dir,
		subs:      make(map[chan Event]struct{}),
	}
	sm.mu.Lock()
	sm.sessions[s.ID] = s
	sm.mu.Unlock()
	slog.Info("app: session created", "session_id", s.ID)
	return s, nil
}

// Get returns the session with id.
func (sm *SessionManager) Get(id string) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Remove closes and forgets the session with id.
func (sm *SessionManager) Remove(id string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	slog.Info("app: session removed", "session_id", id)
	return s.close()
}

// Len returns the number of open sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Close removes every session.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
