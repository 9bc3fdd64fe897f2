// Package audio holds the in-process PCM toolkit used by the preprocessing
// stage: a decoded buffer type, a RIFF/WAV codec, channel mixing, resampling,
// peak normalisation and a high-pass filter.
//
// All PCM handled here is 16-bit signed little-endian, interleaved by channel.
// Decoders convert other bit depths on the way in; the original depth is kept
// in [Buffer.SourceBits] so callers can still report it.
package audio

import (
	"fmt"
	"time"
)

// BytesPerSample is the width of one PCM sample in a [Buffer].
const BytesPerSample = 2

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Buffer is a fully decoded block of 16-bit interleaved PCM audio.
type Buffer struct {
	// Data is the raw little-endian int16 PCM, interleaved by channel.
	Data []byte

	// SampleRate in Hz (e.g., 44100 for CD audio, 16000 for recognition).
	SampleRate int

	// Channels is the interleaved channel count. 1 = mono.
	Channels int

	// SourceBits is the bit depth of the encoded source before conversion to
	// 16-bit. Zero means 16.
	SourceBits int
}

// Format returns the buffer's sample rate and channel count.
func (b Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.Channels}
}

// Frames returns the number of sample frames (one sample per channel).
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Data) / (BytesPerSample * b.Channels)
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// FrameAt returns the frame index corresponding to offset d, clamped to
// [0, Frames()].
func (b Buffer) FrameAt(d time.Duration) int {
	if d <= 0 || b.SampleRate <= 0 {
		return 0
	}
	n := int(int64(d) * int64(b.SampleRate) / int64(time.Second))
	return min(n, b.Frames())
}

// Slice returns the half-open time range [start, end) as a new Buffer that
// shares the underlying data. Offsets are clamped to the buffer bounds.
func (b Buffer) Slice(start, end time.Duration) Buffer {
	from, to := b.FrameAt(start), b.FrameAt(end)
	if to < from {
		to = from
	}
	frameBytes := BytesPerSample * b.Channels
	out := b
	out.Data = b.Data[from*frameBytes : to*frameBytes]
	return out
}

// BitsPerSample returns the bit depth of the source encoding.
func (b Buffer) BitsPerSample() int {
	if b.SourceBits == 0 {
		return 16
	}
	return b.SourceBits
}

// Validate reports an error when the buffer is not usable PCM.
func (b Buffer) Validate() error {
	if b.SampleRate <= 0 {
		return fmt.Errorf("audio: invalid sample rate %d", b.SampleRate)
	}
	if b.Channels <= 0 {
		return fmt.Errorf("audio: invalid channel count %d", b.Channels)
	}
	if len(b.Data)%(BytesPerSample*b.Channels) != 0 {
		return fmt.Errorf("audio: %d bytes is not a whole number of %d-channel frames", len(b.Data), b.Channels)
	}
	return nil
}
