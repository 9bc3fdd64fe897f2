// Package config provides the configuration schema, loader, and provider registry
// for the tingxie transcription service.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Device selects where the recognition model runs.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// IsValid reports whether d is a recognised device.
func (d Device) IsValid() bool {
	return d == DeviceCPU || d == DeviceCUDA
}

// Model sizes offered for recognition.
var Models = []string{"base", "small", "medium", "large"}

// Languages accepted as recognition hints. "auto" lets the model detect it.
var Languages = []string{"zh", "auto", "en"}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Recognition   RecognitionConfig   `yaml:"recognition"`
	VAD           ProviderEntry       `yaml:"vad"`
	Preprocessing PreprocessingConfig `yaml:"preprocessing"`
	Optimizer     OptimizerConfig     `yaml:"optimizer"`
}

// ServerConfig holds network, logging and scratch-space settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TempDir is where uploads and intermediate audio are written.
	// Empty means the OS temp directory.
	TempDir string `yaml:"temp_dir"`

	// ShutdownTimeout bounds graceful shutdown in serve mode.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RecognitionConfig selects and parameterises the speech recogniser.
type RecognitionConfig struct {
	// Provider selects the registered recogniser ("whisper", "whisper-native").
	Provider string `yaml:"provider"`

	// Model is the model size: base, small, medium or large.
	Model string `yaml:"model"`

	// Device is cpu or cuda.
	Device Device `yaml:"device"`

	// Language is the recognition hint: zh, auto or en.
	Language string `yaml:"language"`

	// Region qualifies Language (default "CN").
	Region string `yaml:"region"`

	// BaseURL is the whisper-server address for the "whisper" provider.
	BaseURL string `yaml:"base_url"`

	// ModelDir holds ggml model files for the "whisper-native" provider.
	ModelDir string `yaml:"model_dir"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// ProviderEntry names a registered implementation and its free-form options.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

// PreprocessingConfig controls audio preparation before recognition.
type PreprocessingConfig struct {
	// Enabled runs normalisation before recognition.
	Enabled bool `yaml:"enabled"`

	// AutoSplit cuts long recordings into chunks.
	AutoSplit bool `yaml:"auto_split"`

	// ChunkMinutes is the chunk length in minutes, 1 to 10.
	ChunkMinutes int `yaml:"chunk_minutes"`

	// FFmpegPath and FFprobePath override the binaries found on PATH.
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
}

// ChunkLength returns ChunkMinutes as a duration.
func (p PreprocessingConfig) ChunkLength() time.Duration {
	return time.Duration(p.ChunkMinutes) * time.Minute
}

// OptimizerConfig holds the default settings for transcript optimisation.
// Leaving Provider empty disables optimisation unless a request supplies one.
type OptimizerConfig struct {
	Provider          string `yaml:"provider"`
	Model             string `yaml:"model"`
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	Intent            string `yaml:"intent"`
	CustomInstruction string `yaml:"custom_instruction"`
}

// Default returns a Config populated with default values. [LoadFromReader]
// decodes on top of it, so keys absent from the file keep these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			LogLevel:        LogInfo,
			ShutdownTimeout: 15 * time.Second,
		},
		Recognition: RecognitionConfig{
			Provider: "whisper-native",
			Model:    "base",
			Device:   DeviceCPU,
			Language: "zh",
			Region:   "CN",
			ModelDir: "models",
		},
		VAD: ProviderEntry{Name: "webrtc"},
		Preprocessing: PreprocessingConfig{
			Enabled:      true,
			AutoSplit:    true,
			ChunkMinutes: 5,
		},
		Optimizer: OptimizerConfig{Intent: "general"},
	}
}
