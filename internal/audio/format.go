// Package audio decodes uploaded audio into model-ready waveforms, encodes
// waveforms back to WAV and shapes silence in converted speech.
package audio

import "bytes"

// Format is a container format recognised from its leading bytes.
type Format string

// Recognised formats.
const (
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatFLAC    Format = "flac"
	FormatOgg     Format = "ogg"
	FormatUnknown Format = "unknown"
)

const sniffLen = 12

// DetectFormat identifies the container of data from its magic bytes.
func DetectFormat(data []byte) Format {
	if len(data) < 4 {
		return FormatUnknown
	}

	switch {
	case len(data) >= sniffLen && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case bytes.Equal(data[0:4], []byte("fLaC")):
		return FormatFLAC
	case bytes.Equal(data[0:4], []byte("OggS")):
		return FormatOgg
	case bytes.Equal(data[0:3], []byte("ID3")):
		return FormatMP3
	case data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	default:
		return FormatUnknown
	}
}
