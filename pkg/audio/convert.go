package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
)

// Float32 returns the samples of b scaled to [-1, 1), still interleaved.
func (b Buffer) Float32() []float32 {
	out := make([]float32, len(b.Data)/BytesPerSample)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b.Data[i*2:]))) / 32768
	}
	return out
}

// Convert returns b converted to the target format. Channel reduction runs
// before resampling so the resampler touches as few samples as possible.
// If b already matches target it is returned unchanged (zero allocation).
//
// Only down-mixing is supported for channels: a target channel count larger
// than the source is left as-is and logged.
func Convert(b Buffer, target Format) Buffer {
	if b.SampleRate == target.SampleRate && b.Channels == target.Channels {
		return b
	}

	out := b
	if target.Channels > 0 && b.Channels != target.Channels {
		if target.Channels == 1 {
			out.Data = ToMono(out.Data, out.Channels)
			out.Channels = 1
		} else {
			slog.Warn("audio: unsupported channel conversion, keeping source layout",
				"from", formatString(b.SampleRate, b.Channels),
				"to", formatString(target.SampleRate, target.Channels),
			)
		}
	}

	if target.SampleRate > 0 && out.SampleRate != target.SampleRate {
		out.Data = Resample16(out.Data, out.Channels, out.SampleRate, target.SampleRate)
		out.SampleRate = target.SampleRate
	}
	return out
}

// ToMono averages all channels of each interleaved frame into a single
// sample. Uses int32 arithmetic so that the sum cannot overflow. If channels
// is 1 (or less) the input is returned unchanged.
func ToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := channels * BytesPerSample
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int32
		for ch := range channels {
			idx := i*frameBytes + ch*BytesPerSample
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[idx:])))
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(clamp16(sum/int32(channels))))
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM from srcRate to dstRate using
// linear interpolation, independently per channel. If the rates match or
// either is invalid, the input is returned unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return pcm
	}
	frameBytes := channels * BytesPerSample
	if srcRate == dstRate || len(pcm) < frameBytes {
		return pcm
	}
	srcFrames := len(pcm) / frameBytes
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)

	sampleAt := func(frame, ch int) float64 {
		idx := frame*frameBytes + ch*BytesPerSample
		return float64(int16(binary.LittleEndian.Uint16(pcm[idx:])))
	}

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			v := sampleAt(srcIdx, ch)*(1-frac) + sampleAt(next, ch)*frac
			binary.LittleEndian.PutUint16(out[i*frameBytes+ch*BytesPerSample:], uint16(clamp16(int32(math.Round(v)))))
		}
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return Resample16(pcm, 1, srcRate, dstRate)
}

// clamp16 saturates v to the int16 range.
func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
