package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Limits on PCM parameters.
const (
	MaxSampleRate = 192000
	MaxChannels   = 8
)

// ErrInvalidPCM indicates unusable PCM parameters.
var ErrInvalidPCM = errors.New("invalid pcm parameters")

// PCMFormat describes raw little-endian PCM samples.
type PCMFormat struct {
	SampleRate int
	BitDepth   int
	Channels   int
}

// DefaultPCM is 24 kHz mono 16-bit, the shape speech models usually emit.
func DefaultPCM() PCMFormat {
	return PCMFormat{SampleRate: 24000, BitDepth: 16, Channels: 1}
}

// Validate checks the parameters are within reasonable bounds.
func (p PCMFormat) Validate() error {
	if p.SampleRate <= 0 || p.SampleRate > MaxSampleRate {
		return fmt.Errorf("%w: sample rate must be between 1 and %d Hz", ErrInvalidPCM, MaxSampleRate)
	}

	switch p.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: bit depth must be 8, 16, 24, or 32", ErrInvalidPCM)
	}

	if p.Channels <= 0 || p.Channels > MaxChannels {
		return fmt.Errorf("%w: channels must be between 1 and %d", ErrInvalidPCM, MaxChannels)
	}

	return nil
}

// ParsePCMMime reads rate and channels from a MIME type such as
// "audio/L16;codec=pcm;rate=24000". Missing values keep the defaults.
func ParsePCMMime(mime string) PCMFormat {
	format := DefaultPCM()

	for _, param := range strings.Split(mime, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok {
			continue
		}

		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}

		switch strings.ToLower(key) {
		case "rate":
			format.SampleRate = n
		case "channels":
			format.Channels = n
		}
	}

	return format
}

// EncodeWAV wraps pcm in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, format PCMFormat) ([]byte, error) {
	err := format.Validate()
	if err != nil {
		return nil, err
	}

	blockAlign := format.Channels * format.BitDepth / 8
	byteRate := format.SampleRate * blockAlign

	var buf bytes.Buffer

	buf.Grow(wavHeaderSize + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(format.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(format.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(format.BitDepth))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// validateWAV checks the RIFF size field against the payload length.
func validateWAV(data []byte) error {
	if len(data) < wavHeaderSize {
		return fmt.Errorf("%w: wav header needs %d bytes, got %d", ErrTruncated, wavHeaderSize, len(data))
	}

	declared := binary.LittleEndian.Uint32(data[4:8])
	// Streaming encoders write 0 or 0xFFFFFFFF when the size is unknown.
	if declared == 0 || declared == 0xFFFFFFFF {
		return nil
	}

	if uint64(declared)+8 > uint64(len(data)) {
		return fmt.Errorf("%w: wav declares %d bytes, got %d", ErrTruncated, declared+8, len(data))
	}

	return nil
}
