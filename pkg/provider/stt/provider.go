// Package stt defines the Recognizer interface for speech-to-text backends.
//
// A Recognizer turns an audio file into text. It exposes two strategies: a
// short-form call that handles a whole clip in one pass, and a long-form call
// that segments the input internally and returns an ordered list of segments.
// Which strategy a caller uses is decided by comparing the clip duration with
// the recognizer's own LongFormThreshold; callers cannot override it.
//
// Implementations must be safe for concurrent use. A loaded model is expensive
// to create, so callers are expected to share one Recognizer per model.
package stt

import (
	"context"
	"time"
)

// Recognizer is the abstraction over any speech recognition backend.
type Recognizer interface {
	// ShortForm recognises the whole clip at path in a single pass.
	ShortForm(ctx context.Context, path string, hint Hint) (Segment, error)

	// LongForm recognises a clip of arbitrary length and returns its segments
	// in temporal order. Segments with empty text may be omitted.
	LongForm(ctx context.Context, path string, hint Hint) ([]Segment, error)

	// LongFormThreshold is the clip duration above which callers must use
	// LongForm.
	LongFormThreshold() time.Duration
}
