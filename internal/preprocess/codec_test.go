package preprocess

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/tingxie/pkg/audio"
)

func TestParseProbe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
		want Probe
	}{
		{
			name: "mp3 planar float",
			doc: `{"streams":[{"sample_fmt":"fltp","sample_rate":"44100","channels":2,"bits_per_sample":0}],
			       "format":{"duration":"12.500000"}}`,
			want: Probe{Duration: 12500 * time.Millisecond, Channels: 2, SampleRate: 44100, SampleWidth: 2},
		},
		{
			name: "24-bit flac",
			doc: `{"streams":[{"sample_fmt":"s32","sample_rate":"48000","channels":1,"bits_per_sample":0,"bits_per_raw_sample":"24"}],
			       "format":{"duration":"3.000000"}}`,
			want: Probe{Duration: 3 * time.Second, Channels: 1, SampleRate: 48000, SampleWidth: 3},
		},
		{
			name: "u8 wav with stream duration only",
			doc:  `{"streams":[{"sample_fmt":"u8","sample_rate":"8000","channels":1,"duration":"1.5"}],"format":{}}`,
			want: Probe{Duration: 1500 * time.Millisecond, Channels: 1, SampleRate: 8000, SampleWidth: 1},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseProbe([]byte(tc.doc))
			if err != nil {
				t.Fatalf("parseProbe: %v", err)
			}
			if got != tc.want {
				t.Errorf("parseProbe = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestParseProbe_Errors(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{
		`not json`,
		`{"streams":[],"format":{"duration":"1.0"}}`,
		`{"streams":[{"sample_rate":"0","channels":2}]}`,
	} {
		if _, err := parseProbe([]byte(doc)); err == nil {
			t.Errorf("parseProbe(%q): expected error", doc)
		}
	}
}

// recordingCodec notes which paths it was asked to probe.
type recordingCodec struct{ probed []string }

func (r *recordingCodec) Probe(_ context.Context, path string) (Probe, error) {
	r.probed = append(r.probed, path)
	return Probe{}, nil
}

func (r *recordingCodec) Decode(context.Context, string) (audio.Buffer, error) {
	return audio.Buffer{}, errors.New("not implemented")
}

func (r *recordingCodec) Extract(context.Context, string, time.Duration, time.Duration, string) error {
	return errors.New("not implemented")
}

func TestAutoCodec_Dispatch(t *testing.T) {
	t.Parallel()
	wav, other := &recordingCodec{}, &recordingCodec{}
	a := &AutoCodec{WAV: wav, Fallback: other}
	ctx := context.Background()
	for _, p := range []string{"a.wav", "b.WAV", "c.mp3", "d.m4a"} {
		_, _ = a.Probe(ctx, p)
	}
	if len(wav.probed) != 2 || len(other.probed) != 2 {
		t.Errorf("wav got %v, fallback got %v", wav.probed, other.probed)
	}

	a.Fallback = nil
	if _, err := a.Probe(ctx, "x.ogg"); err == nil {
		t.Error("expected error without a fallback codec")
	}
}

func TestFFmpeg_Options(t *testing.T) {
	t.Parallel()
	f := NewFFmpeg(WithFFmpegPath("/opt/ff/ffmpeg"), WithFFprobePath(""))
	if f.ffmpeg != "/opt/ff/ffmpeg" {
		t.Errorf("ffmpeg = %q", f.ffmpeg)
	}
	if f.ffprobe != "ffprobe" {
		t.Errorf("empty path should keep default, got %q", f.ffprobe)
	}
	if err := NewFFmpeg(WithFFmpegPath("/nonexistent/ffmpeg-binary")).Available(); err == nil {
		t.Error("Available: expected error for missing binary")
	}
}
