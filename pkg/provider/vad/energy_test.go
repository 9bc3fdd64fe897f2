package vad_test

import (
	"testing"
	"time"

	"github.com/MrWong99/tingxie/pkg/provider/vad"
)

func TestEnergySession_Transitions(t *testing.T) {
	t.Parallel()
	sess, err := vad.NewEnergy().NewSession(vad.Config{SampleRate: rate, FrameSizeMs: 20})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	loud := tone(20 * time.Millisecond)
	quiet := silence(20 * time.Millisecond)

	steps := []struct {
		frame []byte
		want  vad.VADEventType
	}{
		{quiet, vad.VADSilence},
		{loud, vad.VADSpeechStart},
		{loud, vad.VADSpeechContinue},
		{quiet, vad.VADSpeechEnd},
		{quiet, vad.VADSilence},
	}
	for i, s := range steps {
		ev, err := sess.ProcessFrame(s.frame)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ev.Type != s.want {
			t.Errorf("step %d: got %v, want %v", i, ev.Type, s.want)
		}
	}
}

func TestEnergySession_Reset(t *testing.T) {
	t.Parallel()
	sess, _ := vad.NewEnergy().NewSession(vad.Config{SampleRate: rate, FrameSizeMs: 10})
	loud := tone(10 * time.Millisecond)
	_, _ = sess.ProcessFrame(loud)
	sess.Reset()
	ev, _ := sess.ProcessFrame(loud)
	if ev.Type != vad.VADSpeechStart {
		t.Errorf("after Reset got %v, want VADSpeechStart", ev.Type)
	}
}

func TestEnergySession_WrongFrameSize(t *testing.T) {
	t.Parallel()
	sess, _ := vad.NewEnergy().NewSession(vad.Config{SampleRate: rate, FrameSizeMs: 30})
	if _, err := sess.ProcessFrame(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestEnergy_RMSThreshold(t *testing.T) {
	t.Parallel()
	// RMS ≈ 7071; with a 10 000 threshold the probability is ≈0.35, below speech.
	sess, _ := vad.NewEnergy(vad.WithRMSThreshold(10_000)).NewSession(vad.Config{SampleRate: rate, FrameSizeMs: 10})
	ev, _ := sess.ProcessFrame(tone(10 * time.Millisecond))
	if ev.IsSpeech() {
		t.Errorf("got %v (p=%.2f), want silence", ev.Type, ev.Probability)
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     vad.Config
		wantErr bool
	}{
		{"valid", vad.Config{SampleRate: 16000, FrameSizeMs: 30}, false},
		{"no rate", vad.Config{FrameSizeMs: 30}, true},
		{"no frame", vad.Config{SampleRate: 16000}, true},
		{"inverted thresholds", vad.Config{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 0.3, SilenceThreshold: 0.6}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := vad.ApplyDefaults(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (got.SpeechThreshold != 0.5 || got.SilenceThreshold != 0.35) {
				t.Errorf("defaults not applied: %+v", got)
			}
		})
	}
}
