package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/tingxie/internal/config"
	"github.com/MrWong99/tingxie/internal/export"
	"github.com/MrWong99/tingxie/internal/health"
	"github.com/MrWong99/tingxie/internal/observe"
	"github.com/MrWong99/tingxie/internal/optimize"
	"github.com/MrWong99/tingxie/internal/preprocess"
)

const (
	// maxUploadBytes bounds a single uploaded recording.
	maxUploadBytes = 2 << 30

	// multipartMemory is the part of an upload kept in memory while parsing.
	multipartMemory = 32 << 20

	// eventWriteTimeout bounds a single websocket write.
	eventWriteTimeout = 5 * time.Second
)

// Handler returns the HTTP API, wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions", a.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", a.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleDeleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/transcriptions", a.handleTranscribe)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleEvents)
	mux.HandleFunc("POST /v1/sessions/{id}/optimize", a.handleOptimizeSession)
	mux.HandleFunc("GET /v1/sessions/{id}/optimization", a.handleGetOptimization)
	mux.HandleFunc("POST /v1/sessions/{id}/optimization/accept", a.handleAcceptOptimization)
	mux.HandleFunc("DELETE /v1/sessions/{id}/optimization", a.handleDiscardOptimization)
	mux.HandleFunc("GET /v1/sessions/{id}/optimization/export/{format}", a.handleExportOptimization)
	mux.HandleFunc("GET /v1/sessions/{id}/export/{format}", a.handleExport)
	mux.HandleFunc("POST /v1/optimize", a.handleOptimize)
	mux.HandleFunc("GET /v1/providers", a.handleProviders)

	health.New(
		health.Func("ffmpeg", a.ffmpeg.Available),
		health.Func("recognizer", a.models.Ready),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(a.metrics)(mux)
}

// ─── Sessions ────────────────────────────────────────────────────────────────

func (a *App) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	s, err := a.sessions.Create()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": s.ID})
}

func (a *App) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func (a *App) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Remove(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Transcription ───────────────────────────────────────────────────────────

func (a *App) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Errorf("invalid multipart form: %w", err)))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Errorf("missing file: %w", err)))
		return
	}
	defer file.Close()

	if err := checkFormat(hdr.Filename); err != nil {
		writeError(w, err)
		return
	}
	over, err := parseOverrides(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}

	path, err := s.SaveUpload(hdr.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}
	h, err := a.StartSessionJob(r.Context(), s, path, over)
	if err != nil {
		os.Remove(path)
		writeError(w, err)
		return
	}
	observe.Logger(r.Context()).Info("app: transcription started",
		"session_id", s.ID, "job_id", h.ID, "file", hdr.Filename, "bytes", hdr.Size)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": h.ID})
}

// parseOverrides reads the optional job fields of a transcription form.
func parseOverrides(r *http.Request) (JobOverrides, error) {
	var over JobOverrides
	parseBool := func(key string) (*bool, error) {
		v := r.FormValue(key)
		if v == "" {
			return nil, nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return &b, nil
	}
	var err error
	if over.Preprocess, err = parseBool("preprocess"); err != nil {
		return over, err
	}
	if over.AutoSplit, err = parseBool("auto_split"); err != nil {
		return over, err
	}
	if v := r.FormValue("chunk_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10 {
			return over, fmt.Errorf("chunk_minutes %q must be an integer in [1, 10]", v)
		}
		over.ChunkMinutes = &n
	}
	return over, nil
}

// handleEvents streams session events over a websocket until the client
// disconnects or the session is removed.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("app: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()
	ctx := conn.CloseRead(r.Context())

	// Late subscribers first get the current state of a running job.
	if st := s.Status(); st.Busy && st.Progress != nil {
		snap := Event{Type: EventProgress, JobID: st.JobID, Percent: st.Progress.Percent, Message: st.Progress.Message}
		if err := writeEvent(ctx, conn, snap); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("app: websocket write failed", "session_id", s.ID, "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// ─── Optimisation ────────────────────────────────────────────────────────────

func (a *App) handleOptimizeSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var over OptimizeOverrides
	if err := decodeBody(r, &over); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	opt, err := a.OptimizeSession(r.Context(), s, over)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opt)
}

func (a *App) handleGetOptimization(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	opt, err := s.Optimization()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opt)
}

func (a *App) handleAcceptOptimization(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	tr, err := s.AcceptOptimization()
	if err != nil {
		writeError(w, err)
		return
	}
	observe.Logger(r.Context()).Info("app: optimization accepted", "session_id", s.ID)
	writeJSON(w, http.StatusOK, tr)
}

func (a *App) handleDiscardOptimization(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.DiscardOptimization()
	w.WriteHeader(http.StatusNoContent)
}

type optimizeBody struct {
	OptimizeOverrides
	Text string `json:"text"`
}

func (a *App) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var body optimizeBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	text, err := a.Optimize(r.Context(), body.Text, body.OptimizeOverrides)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

type providerInfo struct {
	ID          optimize.ProviderID `json:"id"`
	DisplayName string              `json:"display_name"`
	BaseURL     string              `json:"base_url"`
	Models      []string            `json:"models"`
	NeedsKey    bool                `json:"needs_key"`
}

func (a *App) handleProviders(w http.ResponseWriter, _ *http.Request) {
	ps := optimize.Providers()
	out := make([]providerInfo, len(ps))
	for i, p := range ps {
		out[i] = providerInfo{ID: p.ID, DisplayName: p.DisplayName, BaseURL: p.BaseURL, Models: p.Models, NeedsKey: p.NeedsKey}
	}
	writeJSON(w, http.StatusOK, out)
}

// ─── Export ──────────────────────────────────────────────────────────────────

func (a *App) handleExport(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	format, err := export.ParseFormat(r.PathValue("format"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	tr, err := s.Transcript()
	if err != nil {
		writeError(w, err)
		return
	}
	data, contentType, name, err := a.Export(tr, time.Now()).Payload(format)
	writePayload(w, data, contentType, name, err)
}

func (a *App) handleExportOptimization(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	format, err := export.ParseFormat(r.PathValue("format"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	opt, err := s.Optimization()
	if err != nil {
		writeError(w, err)
		return
	}
	data, contentType, name, err := a.ExportOptimization(opt, time.Now()).Payload(format)
	writePayload(w, data, contentType, name, err)
}

// writePayload sends an export rendering as a download.
func writePayload(w http.ResponseWriter, data []byte, contentType, name string, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType+"; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// decodeBody decodes an optional JSON body into v. An empty body is allowed.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBusy), errors.Is(err, ErrNoTranscript),
		errors.Is(err, ErrNoOptimization), errors.Is(err, ErrTranscriptChanged):
		return http.StatusConflict
	case errors.Is(err, export.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, preprocess.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, optimize.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, optimize.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, optimize.ErrRequestFailed), errors.Is(err, optimize.ErrParse):
		return http.StatusBadGateway
	case errors.Is(err, config.ErrProviderNotRegistered):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
