// This file contains the NativeRecognizer implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/tingxie/pkg/audio"
	"github.com/MrWong99/tingxie/pkg/provider/stt"
)

// Compile-time assertion that NativeRecognizer satisfies stt.Recognizer.
var _ stt.Recognizer = (*NativeRecognizer)(nil)

// ModelFile returns the conventional ggml file path for a model size
// ("base", "small", ...) inside dir, e.g. dir/ggml-small.bin.
func ModelFile(dir, model string) string {
	return filepath.Join(dir, "ggml-"+model+".bin")
}

// NativeRecognizer implements stt.Recognizer using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once and
// shared across all calls; every call creates its own inference context.
type NativeRecognizer struct {
	common
	model whisperlib.Model
}

// NewNative creates a NativeRecognizer that loads the whisper.cpp model from
// the given file path. The caller must call Close when the recognizer is no
// longer needed.
func NewNative(modelPath string, opts ...Option) (*NativeRecognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	r := &NativeRecognizer{common: defaults(), model: model}
	for _, o := range opts {
		o(&r.common)
	}
	return r, nil
}

// Close releases the whisper model.
func (r *NativeRecognizer) Close() error {
	if r.model != nil {
		return r.model.Close()
	}
	return nil
}

// LongFormThreshold returns the configured threshold.
func (r *NativeRecognizer) LongFormThreshold() time.Duration { return r.threshold }

// ShortForm decodes the clip and runs a single inference pass over it.
func (r *NativeRecognizer) ShortForm(ctx context.Context, path string, hint stt.Hint) (stt.Segment, error) {
	buf, err := r.decode(ctx, path)
	if err != nil {
		return stt.Segment{}, fmt.Errorf("whisper: decode %q: %w", path, err)
	}
	buf = audio.Convert(buf, audio.Format{SampleRate: sampleRate, Channels: 1})

	text, err := r.infer(ctx, buf, hint)
	if err != nil {
		return stt.Segment{}, err
	}
	return stt.Segment{Text: text, End: buf.Duration()}, nil
}

// LongForm recognises the clip window by window.
func (r *NativeRecognizer) LongForm(ctx context.Context, path string, hint stt.Hint) ([]stt.Segment, error) {
	return r.longForm(ctx, path, func(ctx context.Context, pcm audio.Buffer) (string, error) {
		return r.infer(ctx, pcm, hint)
	})
}

// infer converts 16 kHz mono PCM to float32, runs whisper.cpp inference using
// a fresh context, and returns the concatenated segment text.
func (r *NativeRecognizer) infer(ctx context.Context, pcm audio.Buffer, hint stt.Hint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}

	// Each context is NOT thread-safe, but the model can be shared.
	wctx, err := r.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	lang := languageParam(hint)
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}

	if err := wctx.Process(pcm.Float32(), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
