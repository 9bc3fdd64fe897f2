// Package app wires the transcription subsystems into a running application.
//
// The App struct owns the full lifecycle: New connects the preprocessor,
// orchestrator, optimiser and session manager, Run serves the HTTP API until
// the context is cancelled, and Shutdown tears everything down in order.
// The CLI uses the same App through [App.TranscribeFile], [App.Optimize] and
// [App.Export] without starting the server.
//
// For testing, inject doubles via functional options (WithOptimizer,
// WithPreprocessor, WithMetrics).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/tingxie/internal/config"
	"github.com/MrWong99/tingxie/internal/export"
	"github.com/MrWong99/tingxie/internal/observe"
	"github.com/MrWong99/tingxie/internal/optimize"
	"github.com/MrWong99/tingxie/internal/preprocess"
	"github.com/MrWong99/tingxie/internal/transcribe"
	"github.com/MrWong99/tingxie/pkg/provider/stt"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg atomic.Pointer[config.Config]

	models    *Models
	ffmpeg    *preprocess.FFmpeg
	pre       *preprocess.Preprocessor
	orch      *transcribe.Orchestrator
	optimizer *optimize.Optimizer
	sessions  *SessionManager
	metrics   *observe.Metrics

	// jobCtx outlives individual HTTP requests; Shutdown cancels it.
	jobCtx    context.Context
	cancelJob context.CancelFunc

	srvMu  sync.Mutex
	server *http.Server

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithOptimizer injects an optimiser instead of the default HTTP one.
func WithOptimizer(o *optimize.Optimizer) Option {
	return func(a *App) { a.optimizer = o }
}

// WithPreprocessor injects a preprocessor instead of one built from config.
func WithPreprocessor(p *preprocess.Preprocessor) Option {
	return func(a *App) { a.pre = p }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. models supplies recognisers; it is closed by
// Shutdown.
func New(cfg *config.Config, models *Models, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if models == nil {
		return nil, errors.New("app: nil model cache")
	}
	a := &App{models: models}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.ffmpeg = preprocess.NewFFmpeg(
		preprocess.WithFFmpegPath(cfg.Preprocessing.FFmpegPath),
		preprocess.WithFFprobePath(cfg.Preprocessing.FFprobePath),
	)
	if a.pre == nil {
		a.pre = preprocess.New(
			preprocess.WithCodec(preprocess.NewAutoCodec(a.ffmpeg)),
			preprocess.WithTempDir(cfg.Server.TempDir),
			preprocess.WithMetrics(a.metrics),
		)
	}
	a.closers = append(a.closers, a.pre.Cleanup)

	a.orch = transcribe.New(a.pre, transcribe.WithMetrics(a.metrics))

	if a.optimizer == nil {
		a.optimizer = optimize.New(optimize.WithMetrics(a.metrics))
	}

	a.sessions = NewSessionManager(cfg.Server.TempDir)
	a.closers = append(a.closers, a.sessions.Close, models.Close)

	a.jobCtx, a.cancelJob = context.WithCancel(context.Background())
	return a, nil
}

// Config returns the live configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ApplyConfig swaps in a reloaded configuration. Optimiser and
// preprocessing defaults apply to the next request; other sections are read
// only at startup.
func (a *App) ApplyConfig(cfg *config.Config, diff config.ConfigDiff) {
	a.cfg.Store(cfg)
	slog.Info("app: configuration applied",
		"optimizer_changed", diff.OptimizerChanged,
		"preprocessing_changed", diff.PreprocessingChanged)
}

// ─── Operations ──────────────────────────────────────────────────────────────

// JobOverrides adjusts the configured job options for one request. Nil
// fields keep the configured value.
type JobOverrides struct {
	Preprocess   *bool
	AutoSplit    *bool
	ChunkMinutes *int
}

// JobOptions builds orchestrator options from the live config and over.
func (a *App) JobOptions(over JobOverrides) transcribe.Options {
	cfg := a.Config()
	opts := transcribe.Options{
		EnablePreprocessing: cfg.Preprocessing.Enabled,
		AutoSplit:           cfg.Preprocessing.AutoSplit,
		ChunkLength:         cfg.Preprocessing.ChunkLength(),
		Hint:                stt.Hint{Language: cfg.Recognition.Language, Region: cfg.Recognition.Region},
	}
	if over.Preprocess != nil {
		opts.EnablePreprocessing = *over.Preprocess
	}
	if over.AutoSplit != nil {
		opts.AutoSplit = *over.AutoSplit
	}
	if over.ChunkMinutes != nil && *over.ChunkMinutes >= 1 && *over.ChunkMinutes <= 10 {
		opts.ChunkLength = time.Duration(*over.ChunkMinutes) * time.Minute
	}
	return opts
}

// TranscribeFile runs a job on the calling goroutine with the configured
// options and model.
func (a *App) TranscribeFile(ctx context.Context, path string, onProgress func(int, string)) (transcribe.Transcript, error) {
	if err := checkFormat(path); err != nil {
		return transcribe.Transcript{}, err
	}
	rec, err := a.models.Default(ctx)
	if err != nil {
		return transcribe.Transcript{}, err
	}
	opts := a.JobOptions(JobOverrides{})
	opts.OnProgress = onProgress
	return a.orch.Transcribe(ctx, rec, path, opts)
}

// checkFormat rejects unsupported extensions before any model is loaded.
func checkFormat(path string) error {
	if !preprocess.ValidateFormat(path) {
		return fmt.Errorf("%w: %q", preprocess.ErrUnsupportedFormat, filepath.Ext(path))
	}
	return nil
}

// StartSessionJob validates path and starts a job in session s.
func (a *App) StartSessionJob(ctx context.Context, s *Session, path string, over JobOverrides) (*transcribe.JobHandle, error) {
	if err := checkFormat(path); err != nil {
		return nil, err
	}
	rec, err := a.models.Default(ctx)
	if err != nil {
		return nil, err
	}
	return s.StartJob(a.jobCtx, a.orch, rec, path, a.JobOptions(over))
}

// OptimizeOverrides adjusts the configured optimiser settings for one call.
// Empty fields keep the configured value.
type OptimizeOverrides struct {
	Provider          string `json:"provider"`
	Model             string `json:"model"`
	BaseURL           string `json:"base_url"`
	APIKey            string `json:"api_key"`
	Intent            string `json:"intent"`
	CustomInstruction string `json:"custom_instruction"`
}

// Optimize rewrites text with the configured provider.
func (a *App) Optimize(ctx context.Context, text string, over OptimizeOverrides) (string, error) {
	return a.optimizer.Optimize(ctx, a.optimizeRequest(text, over))
}

func (a *App) optimizeRequest(text string, over OptimizeOverrides) optimize.Request {
	oc := a.Config().Optimizer
	pick := func(override, base string) string {
		if override != "" {
			return override
		}
		return base
	}
	provider := pick(over.Provider, oc.Provider)
	req := optimize.Request{
		Provider:          optimize.ProviderID(provider),
		Intent:            optimize.ParseIntent(pick(over.Intent, oc.Intent)),
		CustomInstruction: pick(over.CustomInstruction, oc.CustomInstruction),
		Text:              text,
		APIKey:            over.APIKey,
		Model:             over.Model,
		BaseURL:           over.BaseURL,
	}
	// Provider-specific settings only carry over when the provider is unchanged.
	if provider == oc.Provider {
		req.APIKey = pick(over.APIKey, oc.APIKey)
		req.Model = pick(over.Model, oc.Model)
		req.BaseURL = pick(over.BaseURL, oc.BaseURL)
	}
	return req
}

// OptimizeText optimises text and returns it next to the original.
func (a *App) OptimizeText(ctx context.Context, text string, over OptimizeOverrides) (Optimization, error) {
	req := a.optimizeRequest(text, over)
	out, err := a.optimizer.Optimize(ctx, req)
	if err != nil {
		return Optimization{}, err
	}
	p, _ := optimize.LookupProvider(req.Provider)
	return Optimization{
		Original:  text,
		Text:      out,
		Provider:  p.ID,
		Intent:    req.Intent,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// OptimizeSession optimises the current transcript of s and keeps the
// result as the session's pending [Optimization]. The transcript itself is
// unchanged until [Session.AcceptOptimization]. It fails with [ErrBusy]
// while a job runs and with [ErrTranscriptChanged] if a job replaced the
// transcript in the meantime.
func (a *App) OptimizeSession(ctx context.Context, s *Session, over OptimizeOverrides) (Optimization, error) {
	tr, rev, err := s.snapshot()
	if err != nil {
		return Optimization{}, err
	}
	opt, err := a.OptimizeText(ctx, tr.Text, over)
	if err != nil {
		return Optimization{}, err
	}
	if err := s.setOptimization(rev, opt); err != nil {
		return Optimization{}, err
	}
	return opt, nil
}

// ExportOptimization renders opt next to its original at now.
func (a *App) ExportOptimization(opt Optimization, now time.Time) export.Comparison {
	provider := string(opt.Provider)
	if p, ok := optimize.LookupProvider(opt.Provider); ok {
		provider = p.DisplayName
	}
	return export.BuildComparison(opt.Original, opt.Text, export.ComparisonMetadata{
		Provider:  provider,
		Intent:    opt.Intent.Label(),
		Timestamp: now,
	})
}

// Export renders tr with the configured model and language at now.
func (a *App) Export(tr transcribe.Transcript, now time.Time) export.Bundle {
	cfg := a.Config()
	return export.BuildBundle(tr.Text, export.Metadata{
		ModelName: cfg.Recognition.Model,
		Language:  cfg.Recognition.Language,
		Timestamp: now,
	})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API on the configured address and blocks until ctx is
// cancelled or the server fails. It returns ctx.Err() on cancellation.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config().Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.srvMu.Lock()
	a.server = srv
	a.srvMu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("app: serving", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, cancels running jobs and runs closers in
// order. If ctx expires first, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.srvMu.Lock()
		srv := a.server
		a.srvMu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}
		a.cancelJob()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
