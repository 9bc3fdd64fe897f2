// Package preprocess prepares uploaded audio for recognition.
//
// A [Preprocessor] validates the container format, inspects stream
// metadata, produces a recognition-friendly copy of the audio (16 kHz mono,
// peak normalised, high-pass filtered) and splits very long recordings into
// fixed-length chunks.
//
// Normalisation and splitting degrade gracefully: when either fails the
// original path is returned and the failure is logged, so recognition still
// runs on the unmodified input. Every file the preprocessor writes is an
// artifact owned by it; callers hand artifacts back through
// [Preprocessor.Release] or drop all of them with [Preprocessor.Cleanup].
package preprocess

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tingxie/internal/observe"
	"github.com/MrWong99/tingxie/pkg/audio"
)

// Sentinel errors.
var (
	// ErrUnsupportedFormat is returned when a file extension is not in
	// [SupportedFormats]. No decoding is attempted.
	ErrUnsupportedFormat = errors.New("preprocess: unsupported audio format")

	// ErrUnreadable is returned when the file cannot be read or decoded.
	ErrUnreadable = errors.New("preprocess: unreadable audio")
)

// SupportedFormats lists the accepted file extensions, lower-case and
// without the leading dot.
var SupportedFormats = []string{"mp3", "wav", "m4a", "flac", "aac", "ogg", "wma"}

const (
	// DefaultChunkLength is used by [Preprocessor.Split] when no positive
	// chunk length is given.
	DefaultChunkLength = 5 * time.Minute

	// RecognitionSampleRate is the sample rate of normalised audio.
	RecognitionSampleRate = 16000

	// HeadroomDB is the gap between the normalised peak and full scale.
	HeadroomDB = 0.1

	// HighPassCutoff is the cutoff frequency, in Hz, of the rumble filter.
	HighPassCutoff = 80.0
)

// Asset describes an inspected audio file.
type Asset struct {
	// ID is the hex SHA-256 of the file contents.
	ID          string
	Path        string
	Duration    time.Duration
	Channels    int
	SampleRate  int
	SampleWidth int // bytes per sample
	Size        int64
	Format      string // extension without dot, lower-case
	BitRate     int    // bits per second of the uncompressed stream
}

// UnknownDuration is the End of a chunk whose source could not be probed.
const UnknownDuration time.Duration = -1

// Chunk is the half-open time range [Start, End) of an asset, stored at Path.
// End is [UnknownDuration] when Split could not read the duration; the chunk
// then stands for the whole file from Start 0.
type Chunk struct {
	Index int
	Start time.Duration
	End   time.Duration
	Path  string
}

// ValidateFormat reports whether path has a supported audio extension. The
// comparison ignores case and does not touch the file system.
func ValidateFormat(path string) bool {
	return slices.Contains(SupportedFormats, extension(path))
}

func extension(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// Partition splits [0, total) into consecutive ranges of at most size each.
// It returns a single range when total <= size.
func Partition(total, size time.Duration) []Chunk {
	if size <= 0 || total <= size {
		return []Chunk{{Index: 0, Start: 0, End: max(total, 0)}}
	}
	n := int((total + size - 1) / size)
	out := make([]Chunk, n)
	for i := range n {
		start := time.Duration(i) * size
		out[i] = Chunk{Index: i, Start: start, End: min(start+size, total)}
	}
	return out
}

// Preprocessor inspects, normalises and splits audio files. All methods are
// safe for concurrent use.
type Preprocessor struct {
	codec    Codec
	baseDir  string
	parallel int
	metrics  *observe.Metrics

	mu        sync.Mutex
	root      string            // lazily created temp dir
	artifacts map[string]string // artifact path -> owning work dir
}

// Option is a functional option for [New].
type Option func(*Preprocessor)

// WithCodec sets the codec. Default: [NewAutoCodec] with ffmpeg from PATH.
func WithCodec(c Codec) Option {
	return func(p *Preprocessor) { p.codec = c }
}

// WithTempDir sets the parent directory for artifacts. Default: the system
// temp directory.
func WithTempDir(dir string) Option {
	return func(p *Preprocessor) { p.baseDir = dir }
}

// WithParallelism bounds the number of chunks extracted concurrently.
// Default: 4.
func WithParallelism(n int) Option {
	return func(p *Preprocessor) {
		if n > 0 {
			p.parallel = n
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Preprocessor) { p.metrics = m }
}

// New creates a Preprocessor.
func New(opts ...Option) *Preprocessor {
	p := &Preprocessor{parallel: 4, artifacts: make(map[string]string)}
	for _, o := range opts {
		o(p)
	}
	if p.codec == nil {
		p.codec = NewAutoCodec(NewFFmpeg())
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Codec returns the codec used by p.
func (p *Preprocessor) Codec() Codec { return p.codec }

// Inspect reads the stream metadata of path and hashes its contents.
func (p *Preprocessor) Inspect(ctx context.Context, path string) (Asset, error) {
	if !ValidateFormat(path) {
		return Asset{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
	id, size, err := hashFile(path)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	pr, err := p.codec.Probe(ctx, path)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return Asset{
		ID:          id,
		Path:        path,
		Duration:    pr.Duration,
		Channels:    pr.Channels,
		SampleRate:  pr.SampleRate,
		SampleWidth: pr.SampleWidth,
		Size:        size,
		Format:      extension(path),
		BitRate:     pr.SampleRate * pr.SampleWidth * 8 * pr.Channels,
	}, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// NormalizeForRecognition writes a 16 kHz mono, peak-normalised and
// high-pass filtered WAV copy of path and returns its location. On any
// failure it logs a warning and returns path unchanged.
func (p *Preprocessor) NormalizeForRecognition(ctx context.Context, path string) string {
	ctx, span := observe.StartSpan(ctx, "preprocess.normalize")
	out, err := p.normalize(ctx, path)
	observe.EndSpan(span, err)
	if err != nil {
		observe.Logger(ctx).Warn("preprocess: normalization failed, using original audio",
			"path", path, "err", err)
		p.metrics.RecordPreprocessFallback(ctx, "normalize")
		return path
	}
	return out
}

func (p *Preprocessor) normalize(ctx context.Context, path string) (string, error) {
	buf, err := p.codec.Decode(ctx, path)
	if err != nil {
		return "", err
	}
	if err := buf.Validate(); err != nil {
		return "", err
	}
	buf = audio.Convert(buf, audio.Format{SampleRate: RecognitionSampleRate, Channels: 1})
	buf = audio.Normalize(buf, HeadroomDB)
	buf = audio.HighPass(buf, HighPassCutoff)

	dir, err := p.workDir("normalize")
	if err != nil {
		return "", err
	}
	out := filepath.Join(dir, "optimized_"+stem(path)+".wav")
	if err := audio.WriteWAV(out, buf); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	p.track(dir, out)
	return out, nil
}

// Split divides path into chunks of at most chunk length. When the audio is
// not longer than chunk the original path is returned as the only chunk.
// Otherwise each range is extracted to its own WAV artifact. On any failure
// the partial artifacts are removed, a warning is logged and the original
// path is returned as the only chunk. If the duration cannot be read that
// chunk ends at [UnknownDuration].
func (p *Preprocessor) Split(ctx context.Context, path string, chunk time.Duration) []Chunk {
	if chunk <= 0 {
		chunk = DefaultChunkLength
	}
	pr, err := p.codec.Probe(ctx, path)
	if err != nil {
		p.splitFailed(ctx, path, err)
		return []Chunk{{Index: 0, Start: 0, End: UnknownDuration, Path: path}}
	}
	whole := []Chunk{{Index: 0, Start: 0, End: pr.Duration, Path: path}}
	if pr.Duration <= chunk {
		return whole
	}

	ctx, span := observe.StartSpan(ctx, "preprocess.split")
	chunks, err := p.extract(ctx, path, Partition(pr.Duration, chunk))
	observe.EndSpan(span, err)
	if err != nil {
		p.splitFailed(ctx, path, err)
		return whole
	}
	return chunks
}

func (p *Preprocessor) extract(ctx context.Context, path string, chunks []Chunk) ([]Chunk, error) {
	dir, err := p.workDir("split")
	if err != nil {
		return nil, err
	}
	name := stem(path)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallel)
	for i := range chunks {
		c := &chunks[i]
		c.Path = filepath.Join(dir, fmt.Sprintf("chunk_%03d_%s.wav", c.Index, name))
		g.Go(func() error {
			if err := p.codec.Extract(gctx, path, c.Start, c.End, c.Path); err != nil {
				return fmt.Errorf("chunk %d: %w", c.Index, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	paths := make([]string, len(chunks))
	for i, c := range chunks {
		paths[i] = c.Path
	}
	p.track(dir, paths...)
	return chunks, nil
}

func (p *Preprocessor) splitFailed(ctx context.Context, path string, err error) {
	observe.Logger(ctx).Warn("preprocess: split failed, using original audio",
		"path", path, "err", err)
	p.metrics.RecordPreprocessFallback(ctx, "split")
}

// Release deletes the given artifacts. Paths that p did not create are
// ignored, so callers may pass the original input without checking.
func (p *Preprocessor) Release(paths ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, path := range paths {
		dir, ok := p.artifacts[path]
		if !ok {
			continue
		}
		delete(p.artifacts, path)
		_ = os.Remove(path)
		if !p.dirInUse(dir) {
			_ = os.RemoveAll(dir)
		}
	}
}

// Cleanup removes every artifact created by p.
func (p *Preprocessor) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.artifacts)
	if p.root == "" {
		return nil
	}
	err := os.RemoveAll(p.root)
	p.root = ""
	if err != nil {
		return fmt.Errorf("preprocess: cleanup: %w", err)
	}
	return nil
}

// Artifacts returns the paths of all live artifacts, sorted.
func (p *Preprocessor) Artifacts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.artifacts))
	for path := range p.artifacts {
		out = append(out, path)
	}
	slices.Sort(out)
	return out
}

// workDir creates a fresh directory below p's root for one operation, so
// concurrent jobs on files with the same name do not collide.
func (p *Preprocessor) workDir(kind string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == "" {
		root, err := os.MkdirTemp(p.baseDir, "tingxie-*")
		if err != nil {
			return "", fmt.Errorf("create temp dir: %w", err)
		}
		p.root = root
	}
	dir, err := os.MkdirTemp(p.root, kind+"-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}

func (p *Preprocessor) track(dir string, paths ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, path := range paths {
		p.artifacts[path] = dir
	}
}

// dirInUse reports whether any live artifact lives in dir. Caller holds mu.
func (p *Preprocessor) dirInUse(dir string) bool {
	for _, d := range p.artifacts {
		if d == dir {
			return true
		}
	}
	return false
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
