// Package whisper provides whisper.cpp-backed speech recognisers.
//
// Two variants are available. [Recognizer] talks to a running whisper-server
// binary over its REST API (POST /inference). [NativeRecognizer] links
// whisper.cpp through its CGO bindings and runs inference in-process.
//
// whisper.cpp decodes at most a 30 second window per pass. Clips longer than
// that go through LongForm, which decodes the file, finds speech with a VAD
// engine, groups it into windows that fit the model, and recognises each
// window in order.
//
// Usage:
//
//	r, err := whisper.New("http://localhost:8080",
//	    whisper.WithDecoder(codec.Decode),
//	    whisper.WithVAD(webrtc.New()),
//	)
//	seg, err := r.ShortForm(ctx, "clip.wav", stt.Hint{Language: "zh"})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/tingxie/pkg/audio"
	"github.com/MrWong99/tingxie/pkg/provider/stt"
	"github.com/MrWong99/tingxie/pkg/provider/vad"
)

const (
	// DefaultWindow is the longest audio whisper.cpp decodes in one pass.
	DefaultWindow = 30 * time.Second

	// sampleRate is the input rate whisper models are trained on.
	sampleRate = 16000
)

// Compile-time assertion that Recognizer implements stt.Recognizer.
var _ stt.Recognizer = (*Recognizer)(nil)

// Decoder decodes the audio file at path into PCM.
type Decoder func(ctx context.Context, path string) (audio.Buffer, error)

// decodeWAV is the default Decoder; it only understands WAV files.
func decodeWAV(_ context.Context, path string) (audio.Buffer, error) {
	return audio.ReadWAVFile(path)
}

// common holds the settings shared by both recogniser variants.
type common struct {
	decode    Decoder
	engine    vad.Engine
	window    time.Duration
	threshold time.Duration

	model      string
	httpClient *http.Client
}

func defaults() common {
	return common{
		decode:     decodeWAV,
		engine:     vad.NewEnergy(),
		window:     DefaultWindow,
		threshold:  DefaultWindow,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Option is a functional option for Recognizer and NativeRecognizer.
type Option func(*common)

// WithDecoder sets the function used to turn non-WAV input into PCM. The
// default only reads WAV files.
func WithDecoder(d Decoder) Option {
	return func(c *common) {
		if d != nil {
			c.decode = d
		}
	}
}

// WithVAD sets the engine that finds speech for long-form recognition.
// Defaults to the energy engine.
func WithVAD(e vad.Engine) Option {
	return func(c *common) {
		if e != nil {
			c.engine = e
		}
	}
}

// WithWindow sets the longest span recognised in one pass during LongForm.
// Defaults to 30 s.
func WithWindow(d time.Duration) Option {
	return func(c *common) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithLongFormThreshold overrides the clip duration above which LongForm must
// be used. Defaults to the window length.
func WithLongFormThreshold(d time.Duration) Option {
	return func(c *common) {
		if d > 0 {
			c.threshold = d
		}
	}
}

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base", "small"). When empty the server uses whichever model it was
// started with. Ignored by NativeRecognizer.
func WithModel(model string) Option {
	return func(c *common) { c.model = model }
}

// WithHTTPClient replaces the default HTTP client (5 minute timeout).
// Ignored by NativeRecognizer.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *common) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// Recognizer implements stt.Recognizer backed by a whisper.cpp HTTP server.
type Recognizer struct {
	common
	serverURL string
}

// New creates a Recognizer for the whisper.cpp HTTP server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Recognizer, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	r := &Recognizer{
		common:    defaults(),
		serverURL: strings.TrimRight(serverURL, "/"),
	}
	for _, o := range opts {
		o(&r.common)
	}
	return r, nil
}

// LongFormThreshold returns the configured threshold.
func (r *Recognizer) LongFormThreshold() time.Duration { return r.threshold }

// ShortForm uploads the file at path unchanged and returns the server's text.
func (r *Recognizer) ShortForm(ctx context.Context, path string, hint stt.Hint) (stt.Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return stt.Segment{}, fmt.Errorf("whisper: read %q: %w", path, err)
	}
	text, err := r.infer(ctx, filepath.Base(path), data, hint)
	if err != nil {
		return stt.Segment{}, err
	}
	return stt.Segment{Text: text}, nil
}

// LongForm splits the clip at speech boundaries and uploads each window as WAV.
func (r *Recognizer) LongForm(ctx context.Context, path string, hint stt.Hint) ([]stt.Segment, error) {
	return r.longForm(ctx, path, func(ctx context.Context, pcm audio.Buffer) (string, error) {
		return r.infer(ctx, "window.wav", audio.EncodeWAV(pcm), hint)
	})
}

// infer POSTs one audio file to the /inference endpoint as multipart/form-data.
func (r *Recognizer) infer(ctx context.Context, name string, data []byte, hint stt.Hint) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("whisper: write audio data: %w", err)
	}

	fields := map[string]string{
		"language":        languageParam(hint),
		"response_format": "json",
	}
	if r.model != "" {
		fields["model"] = r.model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("whisper: server error: %s", result.Error)
	}
	return strings.TrimSpace(result.Text), nil
}

// languageParam maps a hint onto whisper's language parameter. Whisper has no
// notion of region, so Region is dropped.
func languageParam(h stt.Hint) string {
	if h.DetectLanguage() {
		return "auto"
	}
	return strings.ToLower(h.Language)
}

// longForm decodes path, segments it with the VAD engine and calls infer for
// every window in order. Windows whose text is empty are skipped.
func (c *common) longForm(ctx context.Context, path string, infer func(context.Context, audio.Buffer) (string, error)) ([]stt.Segment, error) {
	buf, err := c.decode(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("whisper: decode %q: %w", path, err)
	}
	buf = audio.Convert(buf, audio.Format{SampleRate: sampleRate, Channels: 1})

	spans, err := vad.Segment(c.engine, buf, vad.SegmentOptions{MaxSpan: c.window - time.Second})
	if err != nil {
		return nil, fmt.Errorf("whisper: find speech: %w", err)
	}

	var segs []stt.Segment
	for _, span := range spans {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("whisper: long-form: %w", err)
		}
		text, err := infer(ctx, buf.Slice(span.Start, span.End))
		if err != nil {
			return nil, fmt.Errorf("whisper: window %v-%v: %w", span.Start, span.End, err)
		}
		if text == "" {
			continue
		}
		segs = append(segs, stt.Segment{Text: text, Start: span.Start, End: span.End})
	}
	return segs, nil
}
