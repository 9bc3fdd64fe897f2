// Package transcribe runs a single audio file through inspection,
// preprocessing, recognition and content filtering.
//
// The [Orchestrator] picks the recognition strategy from the clip duration
// and the recognizer's own long-form threshold, reports fixed progress
// checkpoints, and releases every temporary artifact it asked the
// preprocessor for before returning. A job either yields a complete filtered
// [Transcript] or fails with a single error; partial text is never returned.
//
// Progress checkpoints:
//
//	10  音频时长: <seconds>秒
//	15  正在优化音频质量...      (preprocessing enabled)
//	30  开始长音频处理...        (long form)
//	40  开始短音频处理...        (short form)
//	80  转录完成
//	 0  转录失败: <error>        (failure)
//
// Reported percentages never decrease and stay at or below [MaxProgress];
// completion at 100 is left to the caller once it has stored the result.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tingxie/internal/filter"
	"github.com/MrWong99/tingxie/internal/observe"
	"github.com/MrWong99/tingxie/internal/preprocess"
	"github.com/MrWong99/tingxie/pkg/provider/stt"
)

// ErrRecognition wraps any error returned by the recognizer. Recognition is
// never retried.
var ErrRecognition = errors.New("transcribe: recognition failed")

// MaxProgress is the highest percentage the orchestrator reports.
const MaxProgress = 95

// Strategy names the recognition path a job took.
type Strategy string

const (
	StrategyShortForm Strategy = "short_form"
	StrategyLongForm  Strategy = "long_form"
)

// Transcript is the filtered result of a job. It is replaced wholesale,
// never edited in place.
type Transcript struct {
	Text      string        `json:"text"`
	AssetID   string        `json:"asset_id,omitempty"`
	Strategy  Strategy      `json:"strategy,omitempty"`
	Duration  time.Duration `json:"duration"`
	Optimized bool          `json:"optimized"`
}

// Options controls a single job.
type Options struct {
	// EnablePreprocessing normalises the audio before recognition.
	EnablePreprocessing bool

	// AutoSplit cuts long-form input into ChunkLength pieces before
	// recognition. It has no effect on short-form jobs.
	AutoSplit bool

	// ChunkLength is the split size. Zero means
	// [preprocess.DefaultChunkLength].
	ChunkLength time.Duration

	// Hint is passed to the recognizer.
	Hint stt.Hint

	// OnPartialText, if set, receives the final filtered text exactly once
	// on success.
	OnPartialText func(text string)

	// OnProgress, if set, receives every checkpoint.
	OnProgress func(percent int, message string)
}

// DefaultOptions returns the options used when the caller has no
// preferences: preprocessing and splitting on, 5 minute chunks, Mandarin.
func DefaultOptions() Options {
	return Options{
		EnablePreprocessing: true,
		AutoSplit:           true,
		ChunkLength:         preprocess.DefaultChunkLength,
		Hint:                stt.Hint{Language: "zh", Region: "CN"},
	}
}

// Orchestrator runs transcription jobs. It is safe for concurrent use; each
// job owns its own artifacts.
type Orchestrator struct {
	pre     *preprocess.Preprocessor
	metrics *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an Orchestrator that preprocesses audio with pre.
func New(pre *preprocess.Preprocessor, opts ...Option) *Orchestrator {
	o := &Orchestrator{pre: pre}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Start runs the job in a new goroutine and returns its handle immediately.
// The job stops early when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context, rec stt.Recognizer, path string, opts Options) *JobHandle {
	h := newHandle()
	go func() { _, _ = o.run(ctx, h, rec, path, opts) }()
	return h
}

// Transcribe runs the job on the calling goroutine.
func (o *Orchestrator) Transcribe(ctx context.Context, rec stt.Recognizer, path string, opts Options) (Transcript, error) {
	return o.run(ctx, newHandle(), rec, path, opts)
}

func (o *Orchestrator) run(ctx context.Context, h *JobHandle, rec stt.Recognizer, path string, opts Options) (tr Transcript, err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "transcribe.job",
		trace.WithAttributes(attribute.String("job.id", h.ID)))
	log := observe.Logger(ctx).With("job_id", h.ID, "path", path)

	o.metrics.ActiveJobs.Add(ctx, 1)
	var (
		artifacts []string
		strategy  Strategy
	)
	defer func() {
		o.pre.Release(artifacts...)
		o.metrics.ActiveJobs.Add(ctx, -1)
		status := "success"
		if err != nil {
			status = "error"
			msg := "转录失败: " + err.Error()
			log.Error("transcribe: job failed", "err", err)
			if opts.OnProgress != nil {
				opts.OnProgress(0, msg)
			}
			h.finish(Transcript{}, err, msg)
		} else {
			h.finish(tr, nil, "")
		}
		o.metrics.RecordJob(ctx, status, string(strategy))
		o.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())
		observe.EndSpan(span, err)
	}()

	progress := func(s State, pct int, msg string) {
		pct = h.report(s, pct, msg)
		if opts.OnProgress != nil {
			opts.OnProgress(pct, msg)
		}
	}

	h.setState(StateInspecting)
	asset, err := o.pre.Inspect(ctx, path)
	if err != nil {
		return Transcript{}, fmt.Errorf("transcribe: inspect: %w", err)
	}
	log.Info("transcribe: job started", "duration", asset.Duration)
	progress(StateInspecting, 10, fmt.Sprintf("音频时长: %.1f秒", asset.Duration.Seconds()))

	input := path
	if opts.EnablePreprocessing {
		progress(StatePreprocessing, 15, "正在优化音频质量...")
		input = o.pre.NormalizeForRecognition(ctx, path)
		artifacts = append(artifacts, input)
	}

	recStart := time.Now()
	var raw string
	if asset.Duration > rec.LongFormThreshold() {
		strategy = StrategyLongForm
		progress(StateLongForm, 30, "开始长音频处理...")
		raw, err = o.longForm(ctx, rec, input, opts, &artifacts)
	} else {
		strategy = StrategyShortForm
		progress(StateShortForm, 40, "开始短音频处理...")
		var seg stt.Segment
		seg, err = rec.ShortForm(ctx, input, opts.Hint)
		raw = seg.Text
	}
	o.metrics.RecognitionDuration.Record(ctx, time.Since(recStart).Seconds(),
		metric.WithAttributes(attribute.String("strategy", string(strategy))))
	if err != nil {
		return Transcript{}, fmt.Errorf("%w: %w", ErrRecognition, err)
	}

	h.setState(StateFiltering)
	tr = Transcript{
		Text:     stripSpace(filter.Filter(raw)),
		AssetID:  asset.ID,
		Strategy: strategy,
		Duration: asset.Duration,
	}
	if opts.OnPartialText != nil {
		opts.OnPartialText(tr.Text)
	}
	progress(StateFiltering, 80, "转录完成")

	log.Info("transcribe: job finished",
		"strategy", tr.Strategy,
		"characters", len([]rune(tr.Text)),
		"elapsed", time.Since(start),
	)
	return tr, nil
}

// longForm runs the long-form strategy on input, optionally chunk by chunk.
// Chunk artifacts are appended to artifacts for the caller to release.
func (o *Orchestrator) longForm(ctx context.Context, rec stt.Recognizer, input string, opts Options, artifacts *[]string) (string, error) {
	if !opts.AutoSplit {
		segs, err := rec.LongForm(ctx, input, opts.Hint)
		if err != nil {
			return "", err
		}
		return stt.JoinSegments(segs), nil
	}

	chunks := o.pre.Split(ctx, input, opts.ChunkLength)
	for _, c := range chunks {
		*artifacts = append(*artifacts, c.Path)
	}

	var all []stt.Segment
	for _, c := range chunks {
		segs, err := rec.LongForm(ctx, c.Path, opts.Hint)
		if err != nil {
			if len(chunks) > 1 {
				return "", fmt.Errorf("chunk %d: %w", c.Index, err)
			}
			return "", err
		}
		for _, s := range segs {
			s.Start += c.Start
			s.End += c.Start
			all = append(all, s)
		}
	}
	return stt.JoinSegments(all), nil
}

// stripSpace removes every whitespace character from s.
func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
