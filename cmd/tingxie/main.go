// Command tingxie transcribes Chinese audio recordings.
//
// With -serve it runs the HTTP API. Otherwise every file argument is
// transcribed in turn and the result is written as txt, json and md into the
// -out directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/tingxie/internal/app"
	"github.com/MrWong99/tingxie/internal/config"
	"github.com/MrWong99/tingxie/internal/observe"
	"github.com/MrWong99/tingxie/internal/preprocess"
	"github.com/MrWong99/tingxie/pkg/provider/stt"
	"github.com/MrWong99/tingxie/pkg/provider/stt/whisper"
	"github.com/MrWong99/tingxie/pkg/provider/vad"
	"github.com/MrWong99/tingxie/pkg/provider/vad/webrtc"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	serve := flag.Bool("serve", false, "run the HTTP API instead of transcribing files")
	intent := flag.String("optimize", "", "optimise each transcript with this intent (grammar, punctuation, polish, format, translate, general)")
	outDir := flag.String("out", ".", "directory for exported transcripts")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: tingxie [flags] -serve\n       tingxie [flags] file...\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if !*serve && flag.NArg() == 0 {
		flag.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fromFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tingxie: %v\n", err)
		return 1
	}

	func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("tingxie starting",
		"config", *configPath,
		"from_file", fromFile,
		"recognition", cfg.Recognition.Provider,
		"model", cfg.Recognition.Model,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	ffmpeg := preprocess.NewFFmpeg(
		preprocess.WithFFmpegPath(cfg.Preprocessing.FFmpegPath),
		preprocess.WithFFprobePath(cfg.Preprocessing.FFprobePath),
	)
	if err := ffmpeg.Available(); err != nil {
		slog.Warn("ffmpeg unavailable, only WAV input is supported", "err", err)
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.VAD, preprocess.NewAutoCodec(ffmpeg))

	application, err := app.New(cfg, app.NewModels(reg, cfg.Recognition))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var code int
	if *serve {
		code = runServer(ctx, application, *configPath, fromFile)
	} else {
		code = runFiles(ctx, application, flag.Args(), *intent, *outDir)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := application.Config().Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	return code
}

// loadConfig reads path. A missing file at the default location falls back
// to the built-in defaults; any other error is fatal.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) && !flagSet("config") {
		return config.Default(), false, nil
	}
	return nil, false, err
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// ── Modes ─────────────────────────────────────────────────────────────────────

func runServer(ctx context.Context, application *app.App, configPath string, fromFile bool) int {
	if fromFile {
		w, err := config.NewWatcher(configPath, func(_, next *config.Config, diff config.ConfigDiff) {
			if diff.LogLevelChanged {
				slog.SetDefault(newLogger(diff.NewLogLevel))
			}
			application.ApplyConfig(next, diff)
		})
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer w.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down", "listen_addr", application.Config().Server.ListenAddr)
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("shutdown signal received, stopping")
	return 0
}

func runFiles(ctx context.Context, application *app.App, files []string, intent, outDir string) int {
	failed := 0
	for _, path := range files {
		if err := transcribeOne(ctx, application, path, intent, outDir); err != nil {
			slog.Error("transcription failed", "file", path, "err", err)
			failed++
			if ctx.Err() != nil {
				break
			}
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func transcribeOne(ctx context.Context, application *app.App, path, intent, outDir string) error {
	tr, err := application.TranscribeFile(ctx, path, func(pct int, msg string) {
		slog.Info("progress", "file", path, "percent", pct, "message", msg)
	})
	if err != nil {
		return err
	}
	if tr.Text == "" {
		slog.Warn("no Chinese speech recognised", "file", path)
	}

	now := time.Now()
	paths, err := application.Export(tr, now).WriteDir(outDir)
	if err != nil {
		return err
	}
	slog.Info("transcript written", "file", path, "strategy", tr.Strategy, "outputs", paths)

	if intent == "" || tr.Text == "" {
		return nil
	}
	opt, err := application.OptimizeText(ctx, tr.Text, app.OptimizeOverrides{Intent: intent})
	if err != nil {
		return fmt.Errorf("optimise: %w", err)
	}
	paths, err = application.ExportOptimization(opt, now).WriteDir(outDir)
	if err != nil {
		return err
	}
	slog.Info("optimization written", "file", path, "provider", opt.Provider, "intent", opt.Intent, "outputs", paths)
	return nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the recognisers and VAD engines that ship
// with tingxie into reg. Recognisers decode non-WAV input through codec and
// find speech with the engine configured in vadEntry.
func registerBuiltinProviders(reg *config.Registry, vadEntry config.ProviderEntry, codec preprocess.Codec) {
	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []vad.EnergyOption
		if rms, ok := config.OptFloat(entry.Options, "rms_threshold"); ok {
			opts = append(opts, vad.WithRMSThreshold(rms))
		}
		return vad.NewEnergy(opts...), nil
	})

	reg.RegisterVAD("webrtc", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []webrtc.Option
		if mode, ok := config.OptFloat(entry.Options, "mode"); ok {
			opts = append(opts, webrtc.WithMode(int(mode)))
		}
		return webrtc.New(opts...), nil
	})

	// ── Recognition ───────────────────────────────────────────────────────────

	common := func(rc config.RecognitionConfig) ([]whisper.Option, error) {
		engine, err := reg.CreateVAD(vadEntry)
		if err != nil {
			return nil, fmt.Errorf("create vad %q: %w", vadEntry.Name, err)
		}
		opts := []whisper.Option{whisper.WithDecoder(codec.Decode), whisper.WithVAD(engine)}
		if secs, ok := config.OptFloat(rc.Options, "window_seconds"); ok {
			opts = append(opts, whisper.WithWindow(seconds(secs)))
		}
		if secs, ok := config.OptFloat(rc.Options, "long_form_seconds"); ok {
			opts = append(opts, whisper.WithLongFormThreshold(seconds(secs)))
		}
		return opts, nil
	}

	reg.RegisterRecognizer("whisper", func(rc config.RecognitionConfig) (stt.Recognizer, error) {
		opts, err := common(rc)
		if err != nil {
			return nil, err
		}
		opts = append(opts, whisper.WithModel(rc.Model))
		return whisper.New(rc.BaseURL, opts...)
	})

	reg.RegisterRecognizer("whisper-native", func(rc config.RecognitionConfig) (stt.Recognizer, error) {
		opts, err := common(rc)
		if err != nil {
			return nil, err
		}
		if rc.Device == config.DeviceCUDA {
			slog.Warn("device selection is fixed when whisper.cpp is built; the cuda setting is ignored",
				"model", rc.Model)
		}
		return whisper.NewNative(whisper.ModelFile(rc.ModelDir, rc.Model), opts...)
	})

	for _, kind := range []string{"recognition", "vad"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
