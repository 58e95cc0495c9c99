package media_test

import (
	"encoding/binary"
	"testing"

	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniff(t *testing.T) {
	t.Parallel()

	wav, err := media.EncodeWAV(make([]byte, 8), media.DefaultPCM())
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want media.Format
	}{
		{"wav", wav, media.FormatWAV},
		{"mp3 id3", []byte("ID3\x04\x00\x00"), media.FormatMP3},
		{"mp3 frame", []byte{0xFF, 0xFB, 0x90, 0x00}, media.FormatMP3},
		{"ogg", []byte("OggS\x00\x02"), media.FormatOGG},
		{"flac", []byte("fLaC\x00\x00"), media.FormatFLAC},
		{"mp4", []byte("\x00\x00\x00\x18ftypmp42"), media.FormatMP4},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01}, media.FormatWebM},
		{"text", []byte("<html>error</html>"), media.FormatUnknown},
		{"empty", nil, media.FormatUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, media.Sniff(tc.data))
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	wav, err := media.EncodeWAV(make([]byte, 100), media.DefaultPCM())
	require.NoError(t, err)

	require.ErrorIs(t, media.Validate(core.Artifact{}), media.ErrEmptyPayload)
	require.NoError(t, media.Validate(core.Artifact{URL: "https://cdn.example/v.mp4", ContentType: "video/mp4"}))
	require.NoError(t, media.Validate(core.Artifact{Payload: wav, ContentType: "audio/wav"}))
	require.NoError(t, media.Validate(core.Artifact{Payload: wav, ContentType: ""}))
	require.NoError(t, media.Validate(core.Artifact{Payload: []byte{1, 2, 3}, ContentType: "audio/L16;rate=24000"}))

	require.ErrorIs(t, media.Validate(core.Artifact{Payload: wav, ContentType: "audio/mpeg"}), media.ErrFormatMismatch)
	require.ErrorIs(t, media.Validate(core.Artifact{Payload: []byte("{\"error\":1}"), ContentType: "audio/wav"}), media.ErrUnrecognizedFormat)

	truncated := wav[:60]
	require.ErrorIs(t, media.Validate(core.Artifact{Payload: truncated, ContentType: "audio/wav"}), media.ErrTruncated)
}

func TestValidateFor_RejectsWrongKind(t *testing.T) {
	t.Parallel()

	wav, err := media.EncodeWAV(make([]byte, 10), media.DefaultPCM())
	require.NoError(t, err)

	validate := media.ValidateFor(core.MediaVideo)
	require.ErrorIs(t, validate(core.Artifact{Payload: wav, ContentType: "audio/wav"}), media.ErrFormatMismatch)
	require.NoError(t, media.ValidateFor(core.MediaSpeech)(core.Artifact{Payload: wav, ContentType: "audio/wav"}))
}

func TestEncodeWAV_Header(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 64)
	format := media.PCMFormat{SampleRate: 16000, BitDepth: 16, Channels: 2}

	wav, err := media.EncodeWAV(pcm, format)
	require.NoError(t, err)

	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(wav[22:24]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(64000), binary.LittleEndian.Uint32(wav[28:32]))
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(wav[40:44]))

	_, err = media.EncodeWAV(pcm, media.PCMFormat{SampleRate: 0, BitDepth: 16, Channels: 1})
	require.ErrorIs(t, err, media.ErrInvalidPCM)
}

func TestParsePCMMime(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 24000, media.ParsePCMMime("audio/L16;codec=pcm;rate=24000").SampleRate)
	assert.Equal(t, 44100, media.ParsePCMMime("audio/L16; rate=44100; channels=1").SampleRate)
	assert.Equal(t, media.DefaultPCM(), media.ParsePCMMime("audio/L16"))
}

func TestParseQuality(t *testing.T) {
	t.Parallel()

	quality, err := media.ParseQuality("high")
	require.NoError(t, err)
	assert.Equal(t, core.QualityHigh, quality)

	_, err = media.ParseQuality("ultra")
	require.ErrorIs(t, err, media.ErrInvalidQuality)

	qualities, err := media.ParseQualities([]string{"draft", "", "standard"})
	require.NoError(t, err)
	assert.Equal(t, []core.Quality{core.QualityDraft, core.QualityStandard}, qualities)
}
