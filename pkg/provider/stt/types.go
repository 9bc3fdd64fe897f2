package stt

import (
	"strings"
	"time"
)

// Hint carries recognition hints for a single call.
type Hint struct {
	// Language is the language tag to recognise ("zh", "en"). "auto" or empty
	// lets the backend detect the language.
	Language string

	// Region is an optional region qualifier (e.g. "CN"). Backends that have
	// no use for it ignore it.
	Region string
}

// DetectLanguage reports whether the backend should auto-detect the language.
func (h Hint) DetectLanguage() bool {
	return h.Language == "" || strings.EqualFold(h.Language, "auto")
}

// Segment is a piece of recognised text. Start and End are offsets into the
// recognised clip and are zero when the backend does not report timing.
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// JoinSegments concatenates the non-empty segment texts with single spaces.
func JoinSegments(segs []Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
