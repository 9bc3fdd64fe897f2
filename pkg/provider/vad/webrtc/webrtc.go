// Package webrtc provides a vad.Engine backed by the WebRTC voice activity
// detector (libfvad via go-webrtcvad).
//
// WebRTC VAD is a binary classifier: every frame is either voiced or not.
// Probabilities are therefore reported as 0 or 1, and the speech/silence
// thresholds of vad.Config only matter for the hysteresis between the two.
package webrtc

import (
	"fmt"
	"slices"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/tingxie/pkg/provider/vad"
)

var (
	validRates      = []int{8000, 16000, 32000, 48000}
	validFrameSizes = []int{10, 20, 30}
)

// Compile-time assertion that Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// Engine creates WebRTC VAD sessions with a fixed aggressiveness mode.
type Engine struct {
	mode int
}

// Option configures an Engine.
type Option func(*Engine)

// WithMode sets the aggressiveness mode (0 = least, 3 = most aggressive in
// filtering out non-speech). Values are clamped to [0, 3]. Default 2.
func WithMode(mode int) Option {
	return func(e *Engine) { e.mode = min(max(mode, 0), 3) }
}

// New returns an Engine with the given options applied.
func New(opts ...Option) *Engine {
	e := &Engine{mode: 2}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Mode returns the configured aggressiveness mode.
func (e *Engine) Mode() int { return e.mode }

// NewSession allocates a detector instance for one stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg, err := vad.ApplyDefaults(cfg)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(validRates, cfg.SampleRate) {
		return nil, fmt.Errorf("webrtc vad: invalid sample rate %d, must be one of %v", cfg.SampleRate, validRates)
	}
	if !slices.Contains(validFrameSizes, cfg.FrameSizeMs) {
		return nil, fmt.Errorf("webrtc vad: invalid frame size %d ms, must be one of %v", cfg.FrameSizeMs, validFrameSizes)
	}

	det, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create detector: %w", err)
	}
	if err := det.SetMode(e.mode); err != nil {
		return nil, fmt.Errorf("webrtc vad: set mode %d: %w", e.mode, err)
	}
	return &session{det: det, cfg: cfg, frameBytes: cfg.FrameBytes()}, nil
}

type session struct {
	det        *webrtcvad.VAD
	cfg        vad.Config
	frameBytes int
	speaking   bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.det == nil {
		return vad.VADEvent{}, fmt.Errorf("webrtc vad: session is closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("webrtc vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	active, err := s.det.Process(s.cfg.SampleRate, frame)
	if err != nil {
		return vad.VADEvent{}, fmt.Errorf("webrtc vad: process: %w", err)
	}
	p := 0.0
	if active {
		p = 1
	}
	return vad.Hysteresis(&s.speaking, p, s.cfg), nil
}

func (s *session) Reset() { s.speaking = false }

// Close drops the detector; the underlying C state is released by its finalizer.
func (s *session) Close() error {
	s.det = nil
	return nil
}
