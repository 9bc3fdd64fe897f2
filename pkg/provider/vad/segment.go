package vad

import (
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/tingxie/pkg/audio"
)

// SegmentOptions tunes how frame decisions are grouped into speech spans.
// Zero values select the defaults noted on each field.
type SegmentOptions struct {
	// FrameSizeMs is the analysis frame length. Default 30.
	FrameSizeMs int

	// MinSilence is the pause length that closes a span. Default 500 ms.
	MinSilence time.Duration

	// MinSpeech drops spans shorter than this. Default 250 ms.
	MinSpeech time.Duration

	// MaxSpan forces a cut once a span grows this long. Zero means unbounded.
	MaxSpan time.Duration

	// Padding extends every span on both sides, clamped to the buffer.
	// Default 200 ms.
	Padding time.Duration
}

func (o SegmentOptions) withDefaults() SegmentOptions {
	if o.FrameSizeMs <= 0 {
		o.FrameSizeMs = 30
	}
	if o.MinSilence <= 0 {
		o.MinSilence = 500 * time.Millisecond
	}
	if o.MinSpeech <= 0 {
		o.MinSpeech = 250 * time.Millisecond
	}
	if o.Padding <= 0 {
		o.Padding = 200 * time.Millisecond
	}
	return o
}

// detectorRates are the sample rates every engine in this module accepts.
var detectorRates = []int{8000, 16000, 32000, 48000}

// Segment runs buf through a fresh session of eng and returns the detected
// speech spans in ascending order. Spans never overlap and, when
// opts.MaxSpan is set, padded spans are never merged beyond it.
//
// buf may have any channel count and sample rate; detection runs on a mono
// copy at a rate the detectors support.
func Segment(eng Engine, buf audio.Buffer, opts SegmentOptions) ([]Span, error) {
	if err := buf.Validate(); err != nil {
		return nil, fmt.Errorf("vad: segment: %w", err)
	}
	opts = opts.withDefaults()

	rate := buf.SampleRate
	if !slices.Contains(detectorRates, rate) {
		rate = 16000
	}
	mono := audio.Convert(buf, audio.Format{SampleRate: rate, Channels: 1})

	sess, err := eng.NewSession(Config{SampleRate: rate, FrameSizeMs: opts.FrameSizeMs})
	if err != nil {
		return nil, fmt.Errorf("vad: segment: %w", err)
	}
	defer sess.Close()

	frameBytes := rate * opts.FrameSizeMs / 1000 * audio.BytesPerSample
	frameDur := time.Duration(opts.FrameSizeMs) * time.Millisecond
	total := mono.Duration()

	var (
		spans      []Span
		inSpeech   bool
		start      time.Duration
		lastSpeech time.Duration
	)
	closeSpan := func() {
		if lastSpeech-start >= opts.MinSpeech {
			spans = append(spans, Span{Start: start, End: lastSpeech})
		}
		inSpeech = false
	}

	for i := 0; (i+1)*frameBytes <= len(mono.Data); i++ {
		t := time.Duration(i) * frameDur
		ev, err := sess.ProcessFrame(mono.Data[i*frameBytes : (i+1)*frameBytes])
		if err != nil {
			return nil, fmt.Errorf("vad: segment frame %d: %w", i, err)
		}
		if ev.IsSpeech() {
			if !inSpeech {
				inSpeech = true
				start = t
			}
			lastSpeech = t + frameDur
			if opts.MaxSpan > 0 && lastSpeech-start >= opts.MaxSpan {
				closeSpan()
			}
			continue
		}
		if inSpeech && t+frameDur-lastSpeech >= opts.MinSilence {
			closeSpan()
		}
	}
	if inSpeech {
		closeSpan()
	}

	return pad(spans, opts.Padding, opts.MaxSpan, total), nil
}

// pad widens every span by p, clamps it to [0, total) and merges neighbours
// that now touch, as long as the merged span stays within maxSpan.
func pad(spans []Span, p, maxSpan, total time.Duration) []Span {
	out := make([]Span, 0, len(spans))
	for _, s := range spans {
		s.Start = max(s.Start-p, 0)
		s.End = min(s.End+p, total)
		if n := len(out); n > 0 && s.Start <= out[n-1].End {
			if maxSpan <= 0 || s.End-out[n-1].Start <= maxSpan {
				out[n-1].End = s.End
				continue
			}
			s.Start = out[n-1].End
		}
		out = append(out, s)
	}
	return out
}
