package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/tingxie/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "bad log level",
			yaml: "server:\n  log_level: bananas\n",
			want: []string{"server.log_level"},
		},
		{
			name: "bad model and device",
			yaml: "recognition:\n  model: huge\n  device: tpu\n",
			want: []string{"recognition.model", "recognition.device"},
		},
		{
			name: "bad language",
			yaml: "recognition:\n  language: fr\n",
			want: []string{"recognition.language"},
		},
		{
			name: "whisper without base url",
			yaml: "recognition:\n  provider: whisper\n",
			want: []string{"recognition.base_url"},
		},
		{
			name: "native without model dir",
			yaml: "recognition:\n  model_dir: \"\"\n",
			want: []string{"recognition.model_dir"},
		},
		{
			name: "chunk minutes too large",
			yaml: "preprocessing:\n  chunk_minutes: 11\n",
			want: []string{"preprocessing.chunk_minutes"},
		},
		{
			name: "chunk minutes zero",
			yaml: "preprocessing:\n  chunk_minutes: 0\n",
			want: []string{"preprocessing.chunk_minutes"},
		},
		{
			name: "unknown optimizer provider",
			yaml: "optimizer:\n  provider: gemini\n",
			want: []string{"optimizer.provider"},
		},
		{
			name: "custom intent without instruction",
			yaml: "optimizer:\n  intent: custom\n",
			want: []string{"optimizer.custom_instruction"},
		},
		{
			name: "negative shutdown timeout",
			yaml: "server:\n  shutdown_timeout: -1s\n",
			want: []string{"server.shutdown_timeout"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
recognition:
  model: tiny
preprocessing:
  chunk_minutes: 42
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, w := range []string{"server.log_level", "recognition.model", "preprocessing.chunk_minutes"} {
		if !strings.Contains(err.Error(), w) {
			t.Errorf("joined error is missing %q: %v", w, err)
		}
	}
}

func TestValidate_Accepts(t *testing.T) {
	t.Parallel()
	for name, yaml := range map[string]string{
		"local optimizer without key": "optimizer:\n  provider: local\n",
		"keyed optimizer without key": "optimizer:\n  provider: openai\n",
		"custom intent":               "optimizer:\n  intent: custom\n  custom_instruction: 请改写。\n",
		"unknown vad name":            "vad:\n  name: silero\n",
		"chunk bounds":                "preprocessing:\n  chunk_minutes: 1\n",
	} {
		if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
			t.Errorf("%s: unexpected error: %v", name, err)
		}
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}
