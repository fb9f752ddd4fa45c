package audio

import (
	"bytes"
	"encoding/binary"

	"github.com/m-mizutani/goerr/v2"
)

const wavHeaderSize = 44

// wavHeader is the canonical 44-byte PCM WAV header
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WAVInfo describes the PCM stream inside a WAV file
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	// Data is the raw PCM payload
	Data []byte
}

// EncodeWAV wraps 16-bit little-endian PCM bytes in a WAV header
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, goerr.New("sample rate must be positive", goerr.V("sample_rate", sampleRate))
	}
	if channels <= 0 {
		return nil, goerr.New("channel count must be positive", goerr.V("channels", channels))
	}

	const bitsPerSample = 16
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * bitsPerSample / 8),
		BlockAlign:    uint16(channels * bitsPerSample / 8),
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(pcm)),
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, goerr.Wrap(err, "failed to write WAV header")
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// ParseWAV reads a PCM WAV file. Chunks other than "fmt " and "data" (LIST,
// fact, ...) are skipped, which ffmpeg output requires.
func ParseWAV(data []byte) (*WAVInfo, error) {
	if len(data) < 12 {
		return nil, goerr.New("WAV data too short", goerr.V("size", len(data)))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, goerr.New("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, goerr.New("invalid WAV file: missing WAVE format")
	}

	var (
		info    WAVInfo
		seenFmt bool
	)

	for pos := 12; pos+8 <= len(data); {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, goerr.New("invalid WAV file: short fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(data[body : body+2]); format != 1 {
				return nil, goerr.New("unsupported WAV encoding, only PCM is supported", goerr.V("format", format))
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			seenFmt = true

		case "data":
			if !seenFmt {
				return nil, goerr.New("invalid WAV file: data chunk before fmt chunk")
			}
			end := body + size
			// streamed output may carry a placeholder size
			if end > len(data) || size == 0 {
				end = len(data)
			}
			info.Data = data[body:end]
			return &info, nil
		}

		pos = body + size + size%2
	}

	return nil, goerr.New("invalid WAV file: missing data chunk")
}

// ValidateWAV checks that data is PCM WAV with the expected layout. Zero
// expectations are not checked.
func ValidateWAV(data []byte, sampleRate, channels int) error {
	info, err := ParseWAV(data)
	if err != nil {
		return err
	}
	if sampleRate > 0 && info.SampleRate != sampleRate {
		return goerr.New("unexpected sample rate", goerr.V("expected", sampleRate), goerr.V("actual", info.SampleRate))
	}
	if channels > 0 && info.Channels != channels {
		return goerr.New("unexpected channel count", goerr.V("expected", channels), goerr.V("actual", info.Channels))
	}
	if info.BitsPerSample != 16 {
		return goerr.New("unsupported bit depth", goerr.V("bits", info.BitsPerSample))
	}
	return nil
}

// Concat joins audio parts of the same format into one buffer. WAV parts are
// merged under a single header and must share their PCM layout; other
// formats (mp3, raw pcm) are concatenated byte-wise.
func Concat(format string, parts [][]byte) ([]byte, error) {
	if format != FormatWAV {
		var buf bytes.Buffer
		for _, p := range parts {
			buf.Write(p)
		}
		return buf.Bytes(), nil
	}

	if len(parts) == 0 {
		return nil, nil
	}

	var (
		first *WAVInfo
		pcm   bytes.Buffer
	)
	for i, p := range parts {
		info, err := ParseWAV(p)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to parse WAV part", goerr.V("index", i))
		}
		if first == nil {
			first = info
		} else if info.SampleRate != first.SampleRate || info.Channels != first.Channels || info.BitsPerSample != first.BitsPerSample {
			return nil, goerr.New("WAV parts have different layouts", goerr.V("index", i))
		}
		pcm.Write(info.Data)
	}
	if first.BitsPerSample != 16 {
		return nil, goerr.New("only 16-bit WAV parts can be merged", goerr.V("bits", first.BitsPerSample))
	}

	return EncodeWAV(pcm.Bytes(), first.SampleRate, first.Channels)
}
