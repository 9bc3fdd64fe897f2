package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/tingxie/pkg/audio"
	"github.com/MrWong99/tingxie/pkg/provider/stt"
	"github.com/MrWong99/tingxie/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// inferenceRequest captures what the mock server saw.
type inferenceRequest struct {
	Language string
	Format   string
	Model    string
	FileName string
	FileSize int64
}

// newMockServer creates a test server that responds to POST /inference with
// JSON {"text": "<prefix><n>"} where n counts calls from 1.
func newMockServer(t *testing.T, prefix string) (*httptest.Server, func() []inferenceRequest) {
	t.Helper()
	var (
		mu    sync.Mutex
		seen  []inferenceRequest
		calls atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, inferenceRequest{
			Language: r.FormValue("language"),
			Format:   r.FormValue("response_format"),
			Model:    r.FormValue("model"),
			FileName: hdr.Filename,
			FileSize: hdr.Size,
		})
		mu.Unlock()
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": fmt.Sprintf(" %s%d ", prefix, n)})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []inferenceRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]inferenceRequest(nil), seen...)
	}
}

// writeClip writes a 16 kHz mono WAV made of alternating silence and
// 440 Hz tone sections, each d long, starting with silence.
func writeClip(t *testing.T, d time.Duration, sections int) string {
	t.Helper()
	n := int(d.Seconds() * 16000)
	var data []byte
	for s := range sections {
		part := make([]byte, n*2)
		if s%2 == 1 {
			for i := range n {
				v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/16000))
				binary.LittleEndian.PutUint16(part[i*2:], uint16(v))
			}
		}
		data = append(data, part...)
	}
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := audio.WriteWAV(path, audio.Buffer{Data: data, SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	return path
}

// ---- construction -----------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_DefaultThresholdIsWindow(t *testing.T) {
	r, err := whisper.New("http://localhost:8080")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.LongFormThreshold() != whisper.DefaultWindow {
		t.Errorf("threshold = %v, want %v", r.LongFormThreshold(), whisper.DefaultWindow)
	}
}

// ---- short form -------------------------------------------------------------

func TestShortForm_UploadsFileWithHints(t *testing.T) {
	t.Parallel()
	srv, seen := newMockServer(t, "你好")
	r, _ := whisper.New(srv.URL+"/", whisper.WithModel("small"))
	path := writeClip(t, time.Second, 2)

	seg, err := r.ShortForm(context.Background(), path, stt.Hint{Language: "zh", Region: "CN"})
	if err != nil {
		t.Fatalf("ShortForm: %v", err)
	}
	if seg.Text != "你好1" {
		t.Errorf("text = %q, want %q", seg.Text, "你好1")
	}
	reqs := seen()
	if len(reqs) != 1 {
		t.Fatalf("server saw %d requests, want 1", len(reqs))
	}
	got := reqs[0]
	if got.Language != "zh" || got.Model != "small" || got.Format != "json" || got.FileName != "clip.wav" {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestShortForm_AutoLanguage(t *testing.T) {
	t.Parallel()
	srv, seen := newMockServer(t, "x")
	r, _ := whisper.New(srv.URL)
	if _, err := r.ShortForm(context.Background(), writeClip(t, time.Second, 1), stt.Hint{Language: "auto"}); err != nil {
		t.Fatalf("ShortForm: %v", err)
	}
	if lang := seen()[0].Language; lang != "auto" {
		t.Errorf("language = %q, want auto", lang)
	}
}

func TestShortForm_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, _ := whisper.New(srv.URL)
	if _, err := r.ShortForm(context.Background(), writeClip(t, time.Second, 1), stt.Hint{}); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestShortForm_MissingFile(t *testing.T) {
	t.Parallel()
	r, _ := whisper.New("http://127.0.0.1:1")
	if _, err := r.ShortForm(context.Background(), "/does/not/exist.wav", stt.Hint{}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ---- long form --------------------------------------------------------------

func TestLongForm_OneRequestPerUtterance(t *testing.T) {
	t.Parallel()
	srv, seen := newMockServer(t, "段")
	r, _ := whisper.New(srv.URL)
	// silence, tone, silence, tone, silence: two utterances.
	path := writeClip(t, 2*time.Second, 5)

	segs, err := r.LongForm(context.Background(), path, stt.Hint{Language: "zh"})
	if err != nil {
		t.Fatalf("LongForm: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].Text != "段1" || segs[1].Text != "段2" {
		t.Errorf("segments = %+v", segs)
	}
	if !(segs[0].End <= segs[1].Start) {
		t.Errorf("segments out of order: %+v", segs)
	}
	if got := stt.JoinSegments(segs); got != "段1 段2" {
		t.Errorf("JoinSegments = %q", got)
	}
	for _, req := range seen() {
		if req.FileName != "window.wav" {
			t.Errorf("window uploaded as %q", req.FileName)
		}
	}
}

func TestLongForm_WindowBoundsContinuousSpeech(t *testing.T) {
	t.Parallel()
	srv, seen := newMockServer(t, "w")
	r, _ := whisper.New(srv.URL, whisper.WithWindow(4*time.Second))
	// 10 s silence then 10 s tone.
	path := writeClip(t, 10*time.Second, 2)

	segs, err := r.LongForm(context.Background(), path, stt.Hint{Language: "zh"})
	if err != nil {
		t.Fatalf("LongForm: %v", err)
	}
	if len(segs) < 3 {
		t.Fatalf("got %d segments, want at least 3", len(segs))
	}
	for _, s := range segs {
		if s.End-s.Start > 4*time.Second {
			t.Errorf("segment %v-%v exceeds the window", s.Start, s.End)
		}
	}
	if n := len(seen()); n != len(segs) {
		t.Errorf("requests = %d, segments = %d", n, len(segs))
	}
}

func TestLongForm_CancelledContext(t *testing.T) {
	t.Parallel()
	srv, _ := newMockServer(t, "x")
	r, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.LongForm(ctx, writeClip(t, 2*time.Second, 3), stt.Hint{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestLongForm_CustomDecoder(t *testing.T) {
	t.Parallel()
	srv, _ := newMockServer(t, "d")
	var decoded atomic.Bool
	dec := func(_ context.Context, path string) (audio.Buffer, error) {
		decoded.Store(true)
		return audio.ReadWAVFile(path)
	}
	r, _ := whisper.New(srv.URL, whisper.WithDecoder(dec))
	if _, err := r.LongForm(context.Background(), writeClip(t, time.Second, 2), stt.Hint{}); err != nil {
		t.Fatalf("LongForm: %v", err)
	}
	if !decoded.Load() {
		t.Error("custom decoder was not used")
	}
}
