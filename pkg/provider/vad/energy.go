package vad

import (
	"fmt"

	"github.com/MrWong99/tingxie/pkg/audio"
)

// DefaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
// units) that maps to a speech probability of 0.5. The maximum possible value
// for 16-bit audio is 32 767; 300 corresponds to near-silence.
const DefaultRMSThreshold = 300.0

// Compile-time assertion that EnergyEngine satisfies Engine.
var _ Engine = (*EnergyEngine)(nil)

// EnergyEngine is a dependency-free detector that classifies frames by their
// RMS energy. It works at any sample rate and frame size.
type EnergyEngine struct {
	rmsThreshold float64
}

// EnergyOption configures an EnergyEngine.
type EnergyOption func(*EnergyEngine)

// WithRMSThreshold sets the RMS level that corresponds to probability 0.5.
func WithRMSThreshold(rms float64) EnergyOption {
	return func(e *EnergyEngine) {
		if rms > 0 {
			e.rmsThreshold = rms
		}
	}
}

// NewEnergy returns an EnergyEngine with the given options applied.
func NewEnergy(opts ...EnergyOption) *EnergyEngine {
	e := &EnergyEngine{rmsThreshold: DefaultRMSThreshold}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg and returns a fresh session.
func (e *EnergyEngine) NewSession(cfg Config) (SessionHandle, error) {
	cfg, err := ApplyDefaults(cfg)
	if err != nil {
		return nil, err
	}
	return &energySession{cfg: cfg, rmsThreshold: e.rmsThreshold, frameBytes: cfg.FrameBytes()}, nil
}

type energySession struct {
	cfg          Config
	rmsThreshold float64
	frameBytes   int
	speaking     bool
	closed       bool
}

func (s *energySession) ProcessFrame(frame []byte) (VADEvent, error) {
	if s.closed {
		return VADEvent{}, fmt.Errorf("vad: session is closed")
	}
	if len(frame) != s.frameBytes {
		return VADEvent{}, fmt.Errorf("vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	p := min(audio.RMS(frame)/(2*s.rmsThreshold), 1)
	return Hysteresis(&s.speaking, p, s.cfg), nil
}

func (s *energySession) Reset() { s.speaking = false }

func (s *energySession) Close() error {
	s.closed = true
	return nil
}

// Hysteresis turns a speech probability into an event using the speech and
// silence thresholds in cfg. speaking carries the state between frames.
func Hysteresis(speaking *bool, p float64, cfg Config) VADEvent {
	ev := VADEvent{Probability: p}
	switch {
	case !*speaking && p >= cfg.SpeechThreshold:
		*speaking = true
		ev.Type = VADSpeechStart
	case *speaking && p < cfg.SilenceThreshold:
		*speaking = false
		ev.Type = VADSpeechEnd
	case *speaking:
		ev.Type = VADSpeechContinue
	default:
		ev.Type = VADSilence
	}
	return ev
}

// ApplyDefaults fills zero thresholds and validates the rest of cfg.
func ApplyDefaults(cfg Config) (Config, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = 0.5
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = 0.35
	}
	if cfg.SampleRate <= 0 {
		return cfg, fmt.Errorf("vad: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 || cfg.FrameBytes() == 0 {
		return cfg, fmt.Errorf("vad: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return cfg, fmt.Errorf("vad: silence threshold %.2f exceeds speech threshold %.2f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return cfg, nil
}
