package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"

	"github.com/MrWong99/tingxie/internal/app"
)

// ---- helpers ----

func newServer(t *testing.T) (fixture, *httptest.Server) {
	t.Helper()
	f := newFixture(t)
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)
	return f, srv
}

func do(t *testing.T, method, url, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, b
}

func createSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/sessions", "", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: %d %s", resp.StatusCode, body)
	}
	return gjson.GetBytes(body, "id").String()
}

// upload posts the file at path with extra form fields.
func upload(t *testing.T, srv *httptest.Server, id, name, path string, fields map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	mw.Close()
	return do(t, http.MethodPost, srv.URL+"/v1/sessions/"+id+"/transcriptions", mw.FormDataContentType(), &buf)
}

// waitIdle polls the session until its job is no longer running.
func waitIdle(t *testing.T, srv *httptest.Server, id string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := do(t, http.MethodGet, srv.URL+"/v1/sessions/"+id, "", nil)
		if !gjson.GetBytes(body, "busy").Bool() && gjson.GetBytes(body, "progress").Exists() {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s still busy", id)
	return nil
}

// ---- tests ----

func TestAPI_TranscribeAndExport(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t)
	id := createSession(t, srv)
	clip := writeClip(t, t.TempDir(), "clip.wav", time.Second)

	resp, body := upload(t, srv, id, "clip.wav", clip, map[string]string{"preprocess": "false"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload: %d %s", resp.StatusCode, body)
	}
	jobID := gjson.GetBytes(body, "job_id").String()
	if jobID == "" {
		t.Fatalf("no job id in %s", body)
	}

	st := waitIdle(t, srv, id)
	if got := gjson.GetBytes(st, "job_id").String(); got != jobID {
		t.Errorf("job_id = %q, want %q", got, jobID)
	}
	if got := gjson.GetBytes(st, "progress.percent").Int(); got != app.CompleteProgress {
		t.Errorf("percent = %d, want %d", got, app.CompleteProgress)
	}
	if got := gjson.GetBytes(st, "transcript.text").String(); got != "你好世界" {
		t.Errorf("transcript = %q", got)
	}

	tests := []struct {
		format   string
		wantType string
		wantExt  string
	}{
		{"txt", "text/plain", ".txt"},
		{"json", "application/json", ".json"},
		{"md", "text/markdown", ".md"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, srv.URL+"/v1/sessions/"+id+"/export/"+tt.format, "", nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d: %s", resp.StatusCode, body)
			}
			mt, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
			if err != nil || mt != tt.wantType || params["charset"] != "utf-8" {
				t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
			}
			_, disp, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
			if err != nil || !strings.HasPrefix(disp["filename"], "transcription_") || !strings.HasSuffix(disp["filename"], tt.wantExt) {
				t.Errorf("Content-Disposition = %q", resp.Header.Get("Content-Disposition"))
			}
			if !strings.Contains(string(body), "你好世界") {
				t.Errorf("body does not contain the transcript:\n%s", body)
			}
		})
	}
}

func TestAPI_Errors(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t)
	id := createSession(t, srv)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknown session", http.MethodGet, "/v1/sessions/nope", http.StatusNotFound},
		{"delete unknown", http.MethodDelete, "/v1/sessions/nope", http.StatusNotFound},
		{"export before transcript", http.MethodGet, "/v1/sessions/" + id + "/export/txt", http.StatusConflict},
		{"export unknown format", http.MethodGet, "/v1/sessions/" + id + "/export/pdf", http.StatusBadRequest},
		{"optimize before transcript", http.MethodPost, "/v1/sessions/" + id + "/optimize", http.StatusConflict},
		{"no pending optimization", http.MethodGet, "/v1/sessions/" + id + "/optimization", http.StatusConflict},
		{"accept without optimization", http.MethodPost, "/v1/sessions/" + id + "/optimization/accept", http.StatusConflict},
		{"export without optimization", http.MethodGet, "/v1/sessions/" + id + "/optimization/export/report", http.StatusConflict},
		{"events for unknown session", http.MethodGet, "/v1/sessions/nope/events", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, srv.URL+tt.path, "", nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.want, body)
			}
			if !gjson.GetBytes(body, "error").Exists() {
				t.Errorf("missing error field: %s", body)
			}
		})
	}
}

func TestAPI_UploadValidation(t *testing.T) {
	t.Parallel()
	f, srv := newServer(t)
	id := createSession(t, srv)
	clip := writeClip(t, t.TempDir(), "clip.wav", time.Second)

	resp, body := upload(t, srv, id, "notes.xyz", clip, nil)
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("unsupported format: %d %s", resp.StatusCode, body)
	}
	resp, body = upload(t, srv, id, "clip.wav", clip, map[string]string{"chunk_minutes": "42"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad chunk_minutes: %d %s", resp.StatusCode, body)
	}
	resp, body = upload(t, srv, id, "clip.wav", clip, map[string]string{"auto_split": "maybe"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad auto_split: %d %s", resp.StatusCode, body)
	}
	if f.rec.CallCount() != 0 {
		t.Errorf("recognizer calls = %d, want 0", f.rec.CallCount())
	}
}

func TestAPI_BusySession(t *testing.T) {
	t.Parallel()
	f, srv := newServer(t)
	release := make(chan struct{})
	f.gate.Store(&release)
	id := createSession(t, srv)
	clip := writeClip(t, t.TempDir(), "clip.wav", time.Second)

	if resp, body := upload(t, srv, id, "clip.wav", clip, nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first upload: %d %s", resp.StatusCode, body)
	}
	resp, body := upload(t, srv, id, "clip.wav", clip, nil)
	close(release)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second upload: %d %s", resp.StatusCode, body)
	}
	waitIdle(t, srv, id)
}

func TestAPI_EventsOverWebsocket(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t)
	id := createSession(t, srv)
	clip := writeClip(t, t.TempDir(), "clip.wav", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + id + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	// The server subscribes after the upgrade; wait until it has.
	time.Sleep(50 * time.Millisecond)

	if resp, body := upload(t, srv, id, "clip.wav", clip, nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload: %d %s", resp.StatusCode, body)
	}

	var types []app.EventType
	for {
		var ev app.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("Read: %v (after %v)", err, types)
		}
		types = append(types, ev.Type)
		if ev.Type == app.EventDone {
			if ev.Percent != app.CompleteProgress || ev.Text != "你好世界" {
				t.Errorf("done event = %+v", ev)
			}
			break
		}
		if ev.Type == app.EventFailed {
			t.Fatalf("job failed: %+v", ev)
		}
	}
	if types[0] != app.EventProgress {
		t.Errorf("first event = %q, want progress", types[0])
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestAPI_OptimizeSession(t *testing.T) {
	t.Parallel()
	f, srv := newServer(t)
	id := createSession(t, srv)
	clip := writeClip(t, t.TempDir(), "clip.wav", time.Second)
	if resp, body := upload(t, srv, id, "clip.wav", clip, nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload: %d %s", resp.StatusCode, body)
	}
	waitIdle(t, srv, id)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/sessions/"+id+"/optimize", "application/json",
		strings.NewReader(`{"intent":"grammar"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("optimize: %d %s", resp.StatusCode, body)
	}
	if got := gjson.GetBytes(body, "text").String(); got != "优化后的文本。" {
		t.Errorf("text = %q", got)
	}
	if got := gjson.GetBytes(body, "original").String(); got != "你好世界" {
		t.Errorf("original = %q", got)
	}
	if prompt := gjson.Get(f.llm.lastBody(), "messages.1.content").String(); !strings.HasSuffix(prompt, "你好世界") {
		t.Errorf("prompt does not end with the transcript: %q", prompt)
	}

	// The transcript is untouched until the optimization is accepted.
	_, body = do(t, http.MethodGet, srv.URL+"/v1/sessions/"+id+"/export/txt", "", nil)
	if string(body) != "你好世界" {
		t.Errorf("export before accept = %q", body)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/v1/sessions/"+id, "", nil)
	if got := gjson.GetBytes(body, "optimization.text").String(); got != "优化后的文本。" {
		t.Errorf("status optimization = %s", body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/sessions/"+id+"/optimization/export/report", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report: %d %s", resp.StatusCode, body)
	}
	_, disp, _ := mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
	if !strings.HasPrefix(disp["filename"], "comparison_") {
		t.Errorf("report file name = %q", disp["filename"])
	}
	if !strings.Contains(string(body), "# 文本优化对比报告") || !strings.Contains(string(body), "语法纠错") {
		t.Errorf("report body:\n%s", body)
	}
	resp, body = do(t, http.MethodGet, srv.URL+"/v1/sessions/"+id+"/optimization/export/json", "", nil)
	if resp.StatusCode != http.StatusOK || gjson.GetBytes(body, "optimized_text").String() != "优化后的文本。" {
		t.Errorf("optimization json: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/sessions/"+id+"/optimization/accept", "", nil)
	if resp.StatusCode != http.StatusOK || !gjson.GetBytes(body, "optimized").Bool() {
		t.Fatalf("accept: %d %s", resp.StatusCode, body)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/v1/sessions/"+id+"/export/txt", "", nil)
	if string(body) != "优化后的文本。" {
		t.Errorf("export after accept = %q", body)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/v1/sessions/"+id+"/optimization", "", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("optimization after accept: status %d, want 409", resp.StatusCode)
	}
}

func TestAPI_DiscardOptimization(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t)
	id := createSession(t, srv)
	clip := writeClip(t, t.TempDir(), "clip.wav", time.Second)
	if resp, body := upload(t, srv, id, "clip.wav", clip, nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload: %d %s", resp.StatusCode, body)
	}
	waitIdle(t, srv, id)
	if resp, body := do(t, http.MethodPost, srv.URL+"/v1/sessions/"+id+"/optimize", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("optimize: %d %s", resp.StatusCode, body)
	}

	if resp, body := do(t, http.MethodDelete, srv.URL+"/v1/sessions/"+id+"/optimization", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("discard: %d %s", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/v1/sessions/"+id+"/optimization/accept", "", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("accept after discard: status %d, want 409", resp.StatusCode)
	}
	if _, body := do(t, http.MethodGet, srv.URL+"/v1/sessions/"+id+"/export/txt", "", nil); string(body) != "你好世界" {
		t.Errorf("transcript after discard = %q", body)
	}
}

func TestAPI_Optimize(t *testing.T) {
	t.Parallel()
	f, srv := newServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/optimize", "application/json",
		strings.NewReader(`{"text":"今天 天气 很好","intent":"标点符号优化"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("optimize: %d %s", resp.StatusCode, body)
	}
	if diff := cmp.Diff(map[string]string{"text": "优化后的文本。"}, decode[map[string]string](t, body)); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}

	calls := f.llm.calls.Load()
	resp, body = do(t, http.MethodPost, srv.URL+"/v1/optimize", "application/json",
		strings.NewReader(`{"text":"文本","provider":"openai"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing key: %d %s", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodPost, srv.URL+"/v1/optimize", "application/json",
		strings.NewReader(`{"text":"文本","temperature":1}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field: %d %s", resp.StatusCode, body)
	}
	if f.llm.calls.Load() != calls {
		t.Error("invalid requests reached the provider")
	}
}

func TestAPI_Providers(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/v1/providers", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ids := gjson.GetBytes(body, "#.id").Array()
	if len(ids) != 5 {
		t.Errorf("providers = %s", body)
	}
	local := gjson.GetBytes(body, `#(id=="local")`)
	if !local.Exists() || local.Get("needs_key").Bool() {
		t.Errorf("local provider = %s", local.Raw)
	}
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || gjson.GetBytes(body, "status").String() != "ok" {
		t.Errorf("healthz: %d %s", resp.StatusCode, body)
	}

	// No model is loaded until the first job.
	resp, body = do(t, http.MethodGet, srv.URL+"/readyz", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || !gjson.GetBytes(body, "checks.recognizer").Exists() {
		t.Errorf("readyz: %d %s", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics: %d", resp.StatusCode)
	}
}

func TestAPI_DeleteSession(t *testing.T) {
	t.Parallel()
	f, srv := newServer(t)
	id := createSession(t, srv)

	resp, _ := do(t, http.MethodDelete, srv.URL+"/v1/sessions/"+id, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: %d", resp.StatusCode)
	}
	if f.app.Sessions().Len() != 0 {
		t.Errorf("sessions = %d, want 0", f.app.Sessions().Len())
	}
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}
