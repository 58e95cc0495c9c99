// Package media recognizes and validates the audio and video containers
// providers return, and wraps raw PCM in a WAV container.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/media-service/internal/core"
)

// Format is a recognized container.
type Format string

const (
	FormatUnknown Format = ""
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatOGG     Format = "ogg"
	FormatFLAC    Format = "flac"
	FormatMP4     Format = "mp4"
	FormatWebM    Format = "webm"
)

var (
	// ErrEmptyPayload indicates an artifact without bytes or a reference.
	ErrEmptyPayload = errors.New("artifact is empty")
	// ErrUnrecognizedFormat indicates bytes that match no known container.
	ErrUnrecognizedFormat = errors.New("unrecognized media format")
	// ErrFormatMismatch indicates a container that contradicts the declared content type.
	ErrFormatMismatch = errors.New("media format does not match content type")
	// ErrTruncated indicates a container shorter than its header claims.
	ErrTruncated = errors.New("media payload is truncated")
)

const (
	wavHeaderSize = 44
	minHeaderSize = 12
)

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatOGG:
		return "audio/ogg"
	case FormatFLAC:
		return "audio/flac"
	case FormatMP4:
		return "video/mp4"
	case FormatWebM:
		return "video/webm"
	case FormatUnknown:
		return ""
	default:
		return ""
	}
}

// Kind returns the media family of f.
func (f Format) Kind() core.MediaKind {
	if f == FormatMP4 || f == FormatWebM {
		return core.MediaVideo
	}

	return core.MediaSpeech
}

// Sniff identifies the container from its leading bytes.
func Sniff(data []byte) Format {
	switch {
	case len(data) >= minHeaderSize && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case bytes.HasPrefix(data, []byte("ID3")):
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	case bytes.HasPrefix(data, []byte("OggS")):
		return FormatOGG
	case bytes.HasPrefix(data, []byte("fLaC")):
		return FormatFLAC
	case len(data) >= minHeaderSize && bytes.Equal(data[4:8], []byte("ftyp")):
		return FormatMP4
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM
	default:
		return FormatUnknown
	}
}

// Validate checks that artifact is usable: reference artifacts need a URL,
// inline artifacts need a recognizable, untruncated container that agrees with
// the declared content type.
func Validate(artifact core.Artifact) error {
	if artifact.Empty() {
		return ErrEmptyPayload
	}

	if len(artifact.Payload) == 0 {
		return nil
	}

	format := Sniff(artifact.Payload)
	if format == FormatUnknown {
		if isRawPCM(artifact.ContentType) {
			return nil
		}

		return fmt.Errorf("%w (%d bytes, content type %q)", ErrUnrecognizedFormat, len(artifact.Payload), artifact.ContentType)
	}

	if !contentTypeMatches(artifact.ContentType, format) {
		return fmt.Errorf("%w: sniffed %s, declared %q", ErrFormatMismatch, format, artifact.ContentType)
	}

	if format == FormatWAV {
		return validateWAV(artifact.Payload)
	}

	return nil
}

// ValidateFor returns a validator that also requires the payload to be of kind.
func ValidateFor(kind core.MediaKind) func(core.Artifact) error {
	return func(artifact core.Artifact) error {
		err := Validate(artifact)
		if err != nil {
			return err
		}

		if len(artifact.Payload) == 0 {
			return nil
		}

		format := Sniff(artifact.Payload)
		if format != FormatUnknown && format.Kind() != kind {
			return fmt.Errorf("%w: got %s for a %s request", ErrFormatMismatch, format, kind)
		}

		return nil
	}
}

func contentTypeMatches(contentType string, format Format) bool {
	if contentType == "" || contentType == "application/octet-stream" {
		return true
	}

	base := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))

	switch format {
	case FormatWAV:
		return base == "audio/wav" || base == "audio/x-wav" || base == "audio/wave"
	case FormatMP3:
		return base == "audio/mpeg" || base == "audio/mp3"
	case FormatOGG:
		return base == "audio/ogg" || base == "audio/opus"
	case FormatFLAC:
		return base == "audio/flac" || base == "audio/x-flac"
	case FormatMP4:
		return base == "video/mp4" || base == "audio/mp4" || base == "audio/aac"
	case FormatWebM:
		return base == "video/webm" || base == "audio/webm"
	case FormatUnknown:
		return false
	default:
		return false
	}
}

func isRawPCM(contentType string) bool {
	lower := strings.ToLower(contentType)

	return strings.HasPrefix(lower, "audio/l16") || strings.HasPrefix(lower, "audio/pcm")
}
