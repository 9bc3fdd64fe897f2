package audio

import (
	"encoding/binary"
	"math"
)

// maxAmplitude is the largest positive 16-bit sample value.
const maxAmplitude = 32767.0

// Peak returns the largest absolute sample value in a 16-bit PCM buffer.
func Peak(pcm []byte) int {
	peak := 0
	for i := 0; i+1 < len(pcm); i += BytesPerSample {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer, in sample units (0–32 767). Returns 0 for buffers shorter than
// one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Normalize scales b so that its loudest sample sits headroomDB below full
// scale. Silent buffers are returned unchanged. The input is not modified.
func Normalize(b Buffer, headroomDB float64) Buffer {
	peak := Peak(b.Data)
	if peak == 0 {
		return b
	}
	target := maxAmplitude * math.Pow(10, -headroomDB/20)
	gain := target / float64(peak)

	out := b
	out.Data = make([]byte, len(b.Data))
	for i := 0; i+1 < len(b.Data); i += BytesPerSample {
		v := float64(int16(binary.LittleEndian.Uint16(b.Data[i:]))) * gain
		binary.LittleEndian.PutUint16(out.Data[i:], uint16(clamp16(int32(math.Round(v)))))
	}
	return out
}

// HighPass applies a first-order RC high-pass filter with the given cutoff
// frequency to every channel of b. The first frame passes through unchanged.
// The input is not modified.
func HighPass(b Buffer, cutoffHz float64) Buffer {
	frames := b.Frames()
	if frames == 0 || cutoffHz <= 0 || b.SampleRate <= 0 {
		return b
	}
	rc := 1.0 / (2 * math.Pi * cutoffHz)
	dt := 1.0 / float64(b.SampleRate)
	alpha := rc / (rc + dt)

	ch := b.Channels
	sample := func(frame, c int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(b.Data[(frame*ch+c)*BytesPerSample:])))
	}

	out := b
	out.Data = make([]byte, len(b.Data))
	copy(out.Data[:ch*BytesPerSample], b.Data[:ch*BytesPerSample])

	last := make([]float64, ch)
	for c := range ch {
		last[c] = sample(0, c)
	}
	for i := 1; i < frames; i++ {
		for c := range ch {
			last[c] = alpha * (last[c] + sample(i, c) - sample(i-1, c))
			binary.LittleEndian.PutUint16(out.Data[(i*ch+c)*BytesPerSample:], uint16(clamp16(int32(last[c]))))
		}
	}
	return out
}
