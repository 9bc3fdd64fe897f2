package preprocess

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/tingxie/pkg/audio"
)

// Probe is the stream information a [Codec] reports without decoding samples.
type Probe struct {
	Duration    time.Duration
	Channels    int
	SampleRate  int
	SampleWidth int // bytes per sample
}

// Codec reads encoded audio files.
//
// Implementations must be safe for concurrent use; [Preprocessor.Split]
// extracts chunks in parallel.
type Codec interface {
	// Probe reads the stream headers of the file at path.
	Probe(ctx context.Context, path string) (Probe, error)

	// Decode fully decodes the file at path into 16-bit PCM.
	Decode(ctx context.Context, path string) (audio.Buffer, error)

	// Extract writes the half-open range [start, end) of the file at path
	// to dst as a 16-bit PCM WAV file.
	Extract(ctx context.Context, path string, start, end time.Duration, dst string) error
}

// ---- WAV --------------------------------------------------------------------

// WAV is a pure-Go [Codec] for RIFF/WAVE files.
type WAV struct{}

var _ Codec = WAV{}

// Probe implements [Codec].
func (WAV) Probe(_ context.Context, path string) (Probe, error) {
	f, err := os.Open(path)
	if err != nil {
		return Probe{}, err
	}
	defer f.Close()
	info, err := audio.ProbeWAV(f)
	if err != nil {
		return Probe{}, err
	}
	// Trust the bytes on disk over the declared size so truncated and
	// streamed files report their real length.
	dur := info.Duration()
	if off, err := f.Seek(0, io.SeekCurrent); err == nil {
		if st, err := f.Stat(); err == nil {
			avail := audio.WAVInfo{
				SampleRate:    info.SampleRate,
				Channels:      info.Channels,
				BitsPerSample: info.BitsPerSample,
				DataBytes:     st.Size() - off,
			}
			if d := avail.Duration(); d < dur || info.DataBytes == math.MaxUint32 {
				dur = d
			}
		}
	}
	return Probe{
		Duration:    dur,
		Channels:    info.Channels,
		SampleRate:  info.SampleRate,
		SampleWidth: info.BitsPerSample / 8,
	}, nil
}

// Decode implements [Codec].
func (WAV) Decode(ctx context.Context, path string) (audio.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return audio.Buffer{}, err
	}
	return audio.ReadWAVFile(path)
}

// Extract implements [Codec].
func (WAV) Extract(ctx context.Context, path string, start, end time.Duration, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := audio.ReadWAVRange(path, start, end)
	if err != nil {
		return err
	}
	return audio.WriteWAV(dst, buf)
}

// ---- auto -------------------------------------------------------------------

// AutoCodec dispatches to WAV for .wav files and to Fallback for everything
// else.
type AutoCodec struct {
	WAV      Codec
	Fallback Codec
}

var _ Codec = (*AutoCodec)(nil)

// NewAutoCodec returns an AutoCodec that decodes WAV files in process and
// hands other containers to ff.
func NewAutoCodec(ff *FFmpeg) *AutoCodec {
	return &AutoCodec{WAV: WAV{}, Fallback: ff}
}

func (a *AutoCodec) pick(path string) (Codec, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") && a.WAV != nil {
		return a.WAV, nil
	}
	if a.Fallback == nil {
		return nil, fmt.Errorf("no decoder for %q", filepath.Ext(path))
	}
	return a.Fallback, nil
}

// Probe implements [Codec].
func (a *AutoCodec) Probe(ctx context.Context, path string) (Probe, error) {
	c, err := a.pick(path)
	if err != nil {
		return Probe{}, err
	}
	return c.Probe(ctx, path)
}

// Decode implements [Codec].
func (a *AutoCodec) Decode(ctx context.Context, path string) (audio.Buffer, error) {
	c, err := a.pick(path)
	if err != nil {
		return audio.Buffer{}, err
	}
	return c.Decode(ctx, path)
}

// Extract implements [Codec].
func (a *AutoCodec) Extract(ctx context.Context, path string, start, end time.Duration, dst string) error {
	c, err := a.pick(path)
	if err != nil {
		return err
	}
	return c.Extract(ctx, path, start, end, dst)
}
