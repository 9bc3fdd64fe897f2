package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/tingxie/pkg/audio"
)

// FFmpeg is a [Codec] backed by the ffmpeg and ffprobe binaries. It handles
// every container ffmpeg understands, including mp3, m4a, aac, ogg and wma.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
}

var _ Codec = (*FFmpeg)(nil)

// FFmpegOption is a functional option for [NewFFmpeg].
type FFmpegOption func(*FFmpeg)

// WithFFmpegPath overrides the ffmpeg binary. Default: "ffmpeg" from PATH.
func WithFFmpegPath(p string) FFmpegOption {
	return func(f *FFmpeg) {
		if p != "" {
			f.ffmpeg = p
		}
	}
}

// WithFFprobePath overrides the ffprobe binary. Default: "ffprobe" from PATH.
func WithFFprobePath(p string) FFmpegOption {
	return func(f *FFmpeg) {
		if p != "" {
			f.ffprobe = p
		}
	}
}

// NewFFmpeg returns an FFmpeg codec. The binaries are resolved lazily on
// first use; call [FFmpeg.Available] to check them up front.
func NewFFmpeg(opts ...FFmpegOption) *FFmpeg {
	f := &FFmpeg{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Available reports an error when either binary cannot be found.
func (f *FFmpeg) Available() error {
	for _, bin := range []string{f.ffmpeg, f.ffprobe} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("preprocess: %s not found: %w", bin, err)
		}
	}
	return nil
}

// Probe implements [Codec] using ffprobe's JSON output.
func (f *FFmpeg) Probe(ctx context.Context, path string) (Probe, error) {
	out, err := f.run(ctx, f.ffprobe,
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=sample_rate,channels,bits_per_sample,bits_per_raw_sample,sample_fmt,duration:format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		return Probe{}, err
	}
	return parseProbe(out)
}

// parseProbe extracts a [Probe] from ffprobe's JSON document.
func parseProbe(doc []byte) (Probe, error) {
	if !gjson.ValidBytes(doc) {
		return Probe{}, fmt.Errorf("ffprobe: invalid json output")
	}
	res := gjson.ParseBytes(doc)
	stream := res.Get("streams.0")
	if !stream.Exists() {
		return Probe{}, fmt.Errorf("ffprobe: no audio stream")
	}

	p := Probe{
		Channels:   int(stream.Get("channels").Int()),
		SampleRate: int(stream.Get("sample_rate").Int()),
	}
	if p.Channels <= 0 || p.SampleRate <= 0 {
		return Probe{}, fmt.Errorf("ffprobe: incomplete stream info (rate %d, channels %d)", p.SampleRate, p.Channels)
	}

	secs := res.Get("format.duration").Float()
	if secs <= 0 {
		secs = stream.Get("duration").Float()
	}
	p.Duration = time.Duration(secs * float64(time.Second))

	p.SampleWidth = sampleWidth(stream)
	return p, nil
}

// sampleWidth returns the stored sample width in bytes. Compressed streams
// report no bit depth and decode to 16-bit PCM, so they count as 2.
func sampleWidth(stream gjson.Result) int {
	for _, key := range []string{"bits_per_sample", "bits_per_raw_sample"} {
		if bits := stream.Get(key).Int(); bits > 0 {
			return int((bits + 7) / 8)
		}
	}
	switch strings.TrimSuffix(stream.Get("sample_fmt").String(), "p") {
	case "u8":
		return 1
	case "s32":
		return 4
	}
	return 2
}

// Decode implements [Codec]. The stream is decoded to interleaved 16-bit PCM
// at its native rate and channel count.
func (f *FFmpeg) Decode(ctx context.Context, path string) (audio.Buffer, error) {
	p, err := f.Probe(ctx, path)
	if err != nil {
		return audio.Buffer{}, err
	}
	pcm, err := f.run(ctx, f.ffmpeg,
		"-v", "error",
		"-i", path,
		"-map", "0:a:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-",
	)
	if err != nil {
		return audio.Buffer{}, err
	}
	frame := audio.BytesPerSample * p.Channels
	pcm = pcm[:len(pcm)-len(pcm)%frame]
	return audio.Buffer{
		Data:       pcm,
		SampleRate: p.SampleRate,
		Channels:   p.Channels,
		SourceBits: p.SampleWidth * 8,
	}, nil
}

// Extract implements [Codec].
func (f *FFmpeg) Extract(ctx context.Context, path string, start, end time.Duration, dst string) error {
	_, err := f.run(ctx, f.ffmpeg,
		"-v", "error",
		"-y",
		"-ss", seconds(start),
		"-t", seconds(end-start),
		"-i", path,
		"-map", "0:a:0",
		"-acodec", "pcm_s16le",
		"-f", "wav",
		dst,
	)
	return err
}

// run executes bin and returns its stdout. stderr is attached to the error.
func (f *FFmpeg) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", bin, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", bin, err)
	}
	return stdout.Bytes(), nil
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
