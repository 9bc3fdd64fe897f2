package config

// ConfigDiff describes what changed between two configs.
// Optimizer, preprocessing and log level changes apply without restart.
// Recognition, VAD and server address changes need one.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	OptimizerChanged     bool
	PreprocessingChanged bool

	// RestartRequired lists the top-level sections that changed but are
	// only read at startup.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.OptimizerChanged || d.PreprocessingChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.OptimizerChanged = old.Optimizer != new.Optimizer
	d.PreprocessingChanged = old.Preprocessing != new.Preprocessing

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.TempDir != new.Server.TempDir {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameRecognition(old.Recognition, new.Recognition) {
		d.RestartRequired = append(d.RestartRequired, "recognition")
	}
	if old.VAD.Name != new.VAD.Name || !sameOptions(old.VAD.Options, new.VAD.Options) {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	return d
}

func sameRecognition(a, b RecognitionConfig) bool {
	return a.Provider == b.Provider &&
		a.Model == b.Model &&
		a.Device == b.Device &&
		a.Language == b.Language &&
		a.Region == b.Region &&
		a.BaseURL == b.BaseURL &&
		a.ModelDir == b.ModelDir &&
		sameOptions(a.Options, b.Options)
}

// sameOptions compares option maps by key and scalar value. Nested values
// compare unequal unless both are absent.
func sameOptions(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		switch av.(type) {
		case map[string]any, []any:
			return false
		}
		if av != bv {
			return false
		}
	}
	return true
}
