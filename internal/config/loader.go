package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/tingxie/internal/optimize"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"recognition": {"whisper", "whisper-native"},
	"vad":         {"energy", "webrtc"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Recognition
	rec := cfg.Recognition
	if rec.Provider == "" {
		errs = append(errs, errors.New("recognition.provider is required"))
	}
	validateProviderName("recognition", rec.Provider)
	if !slices.Contains(Models, rec.Model) {
		errs = append(errs, fmt.Errorf("recognition.model %q is invalid; valid values: %s", rec.Model, strings.Join(Models, ", ")))
	}
	if !rec.Device.IsValid() {
		errs = append(errs, fmt.Errorf("recognition.device %q is invalid; valid values: cpu, cuda", rec.Device))
	}
	if !slices.Contains(Languages, rec.Language) {
		errs = append(errs, fmt.Errorf("recognition.language %q is invalid; valid values: %s", rec.Language, strings.Join(Languages, ", ")))
	}
	if rec.Provider == "whisper" && rec.BaseURL == "" {
		errs = append(errs, errors.New("recognition.base_url is required when provider is whisper"))
	}
	if rec.Provider == "whisper-native" && rec.ModelDir == "" {
		errs = append(errs, errors.New("recognition.model_dir is required when provider is whisper-native"))
	}

	// VAD
	validateProviderName("vad", cfg.VAD.Name)

	// Preprocessing
	if m := cfg.Preprocessing.ChunkMinutes; m < 1 || m > 10 {
		errs = append(errs, fmt.Errorf("preprocessing.chunk_minutes %d is out of range [1, 10]", m))
	}

	// Optimizer
	opt := cfg.Optimizer
	if opt.Provider != "" {
		p, ok := optimize.LookupProvider(optimize.ProviderID(opt.Provider))
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("optimizer.provider %q is invalid; valid values: %s", opt.Provider, providerList()))
		case p.NeedsKey && opt.APIKey == "":
			slog.Warn("optimizer.api_key is empty; requests must supply a key", "provider", opt.Provider)
		}
	}
	if optimize.ParseIntent(opt.Intent) == optimize.IntentCustom && strings.TrimSpace(opt.CustomInstruction) == "" {
		errs = append(errs, errors.New("optimizer.custom_instruction is required when intent is custom"))
	}

	return errors.Join(errs...)
}

func providerList() string {
	ps := optimize.Providers()
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = string(p.ID)
	}
	return strings.Join(names, ", ")
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
