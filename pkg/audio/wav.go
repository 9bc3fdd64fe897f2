package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

// WAV format tags understood by the decoder.
const (
	wavFormatPCM        = 0x0001
	wavFormatFloat      = 0x0003
	wavFormatExtensible = 0xFFFE
)

// ErrNotWAV is returned when the input does not start with a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// WAVInfo describes a WAV stream without its sample data.
type WAVInfo struct {
	Format        int
	SampleRate    int
	Channels      int
	BitsPerSample int

	// DataBytes is the size of the data chunk as declared in the header.
	DataBytes int64
}

// Frames returns the number of sample frames declared by the header.
func (i WAVInfo) Frames() int64 {
	frameBytes := int64(i.Channels * i.BitsPerSample / 8)
	if frameBytes <= 0 {
		return 0
	}
	return i.DataBytes / frameBytes
}

// Duration returns the playback length declared by the header.
func (i WAVInfo) Duration() time.Duration {
	if i.SampleRate <= 0 {
		return 0
	}
	return time.Duration(i.Frames()) * time.Second / time.Duration(i.SampleRate)
}

// EncodeWAV wraps the buffer's 16-bit PCM in a standard RIFF/WAV container.
func EncodeWAV(b Buffer) []byte {
	const bps = BytesPerSample * 8
	byteRate := b.SampleRate * b.Channels * bps / 8
	blockAlign := b.Channels * bps / 8
	dataSize := len(b.Data)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(b.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(b.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], b.Data)

	return buf
}

// WriteWAV encodes b and writes it to path.
func WriteWAV(path string, b Buffer) error {
	if err := os.WriteFile(path, EncodeWAV(b), 0o644); err != nil {
		return fmt.Errorf("audio: write wav %q: %w", path, err)
	}
	return nil
}

// ProbeWAV reads the RIFF headers from r up to the start of the data chunk.
// The sample data itself is not read.
func ProbeWAV(r io.Reader) (WAVInfo, error) {
	info, _, err := readHeaders(r)
	return info, err
}

// DecodeWAV reads a complete WAV stream and converts its samples to 16-bit
// PCM. A data chunk that ends early is accepted and trimmed to whole frames.
func DecodeWAV(r io.Reader) (Buffer, error) {
	info, data, err := readHeaders(r)
	if err != nil {
		return Buffer{}, err
	}

	var raw []byte
	if info.DataBytes < 0 || info.DataBytes == math.MaxUint32 {
		raw, err = io.ReadAll(data)
	} else {
		raw = make([]byte, info.DataBytes)
		var n int
		n, err = io.ReadFull(data, raw)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			raw, err = raw[:n], nil
		}
	}
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: read wav data: %w", err)
	}

	pcm, err := to16(raw, info)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{
		Data:       pcm,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
		SourceBits: info.BitsPerSample,
	}, nil
}

// ReadWAVFile decodes the WAV file at path.
func ReadWAVFile(path string) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// ReadWAVRange decodes only the half-open time range [start, end) of the WAV
// file at path. The range is clamped to the file's length.
func ReadWAVRange(path string, start, end time.Duration) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()

	info, _, err := readHeaders(f)
	if err != nil {
		return Buffer{}, err
	}
	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: locate wav data: %w", err)
	}

	frameBytes := int64(info.Channels * info.BitsPerSample / 8)
	frames := info.Frames()
	if st, err := f.Stat(); err == nil && info.DataBytes == math.MaxUint32 {
		frames = (st.Size() - offset) / frameBytes
	}
	from := min(max(int64(start)*int64(info.SampleRate)/int64(time.Second), 0), frames)
	to := min(max(int64(end)*int64(info.SampleRate)/int64(time.Second), from), frames)

	raw := make([]byte, (to-from)*frameBytes)
	n, err := f.ReadAt(raw, offset+from*frameBytes)
	if err != nil && !errors.Is(err, io.EOF) {
		return Buffer{}, fmt.Errorf("audio: read wav range: %w", err)
	}
	pcm, err := to16(raw[:n], info)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{
		Data:       pcm,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
		SourceBits: info.BitsPerSample,
	}, nil
}

// readHeaders walks the RIFF chunks until the data chunk and returns the
// parsed format together with a reader positioned at the first sample.
func readHeaders(r io.Reader) (WAVInfo, io.Reader, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return WAVInfo{}, nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if !bytes.Equal(hdr[0:4], []byte("RIFF")) || !bytes.Equal(hdr[8:12], []byte("WAVE")) {
		return WAVInfo{}, nil, ErrNotWAV
	}

	var (
		info    WAVInfo
		haveFmt bool
	)
	for {
		var ch [8]byte
		if _, err := io.ReadFull(r, ch[:]); err != nil {
			return WAVInfo{}, nil, fmt.Errorf("audio: wav has no data chunk: %w", err)
		}
		id := string(ch[0:4])
		size := int64(binary.LittleEndian.Uint32(ch[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVInfo{}, nil, fmt.Errorf("audio: fmt chunk too short (%d bytes)", size)
			}
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return WAVInfo{}, nil, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			info.Format = int(binary.LittleEndian.Uint16(body[0:2]))
			info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			if info.Format == wavFormatExtensible && size >= 40 {
				info.Format = int(binary.LittleEndian.Uint16(body[24:26]))
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return WAVInfo{}, nil, errors.New("audio: data chunk before fmt chunk")
			}
			info.DataBytes = size
			if err := checkFormat(info); err != nil {
				return WAVInfo{}, nil, err
			}
			return info, r, nil

		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return WAVInfo{}, nil, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}
	}
}

func checkFormat(info WAVInfo) error {
	if info.Channels <= 0 || info.SampleRate <= 0 {
		return fmt.Errorf("audio: invalid wav format: %d channels at %d Hz", info.Channels, info.SampleRate)
	}
	switch {
	case info.Format == wavFormatPCM && (info.BitsPerSample == 8 || info.BitsPerSample == 16 ||
		info.BitsPerSample == 24 || info.BitsPerSample == 32):
		return nil
	case info.Format == wavFormatFloat && (info.BitsPerSample == 32 || info.BitsPerSample == 64):
		return nil
	}
	return fmt.Errorf("audio: unsupported wav encoding: format 0x%04x, %d bits", info.Format, info.BitsPerSample)
}

// to16 converts raw sample data of any supported encoding to 16-bit PCM.
func to16(raw []byte, info WAVInfo) ([]byte, error) {
	width := info.BitsPerSample / 8
	frameBytes := width * info.Channels
	raw = raw[:len(raw)-len(raw)%frameBytes]

	if info.Format == wavFormatPCM && width == 2 {
		return raw, nil
	}

	n := len(raw) / width
	out := make([]byte, n*BytesPerSample)
	for i := range n {
		s := raw[i*width : (i+1)*width]
		var v int16
		switch {
		case info.Format == wavFormatFloat && width == 4:
			v = floatTo16(float64(math.Float32frombits(binary.LittleEndian.Uint32(s))))
		case info.Format == wavFormatFloat && width == 8:
			v = floatTo16(math.Float64frombits(binary.LittleEndian.Uint64(s)))
		case width == 1:
			v = int16(int(s[0])-128) << 8
		case width == 3:
			v = int16(int32(uint32(s[0])<<8|uint32(s[1])<<16|uint32(s[2])<<24) >> 16)
		case width == 4:
			v = int16(int32(binary.LittleEndian.Uint32(s)) >> 16)
		default:
			return nil, fmt.Errorf("audio: unsupported sample width %d", width)
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(v))
	}
	return out, nil
}

func floatTo16(f float64) int16 {
	return clamp16(int32(math.Round(f * maxAmplitude)))
}
