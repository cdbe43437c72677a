package audio

import (
	"fmt"
	"io"
	"math"

	"github.com/book-expert/vc-service/internal/core"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	pcmBitDepth  = 16
	pcmMaxValue  = 32767
	wavFormatPCM = 1
	monoChannels = 1
)

// WriteWAV encodes wave as 16-bit mono PCM into ws.
func WriteWAV(ws io.WriteSeeker, wave core.Waveform) error {
	encoder := wav.NewEncoder(ws, wave.SampleRate, pcmBitDepth, monoChannels, wavFormatPCM)

	buf := &goaudio.IntBuffer{
		Data:           ToPCM16(wave.Samples),
		Format:         &goaudio.Format{SampleRate: wave.SampleRate, NumChannels: monoChannels},
		SourceBitDepth: pcmBitDepth,
	}

	err := encoder.Write(buf)
	if err != nil {
		return fmt.Errorf("failed to write WAV samples: %w", err)
	}

	err = encoder.Close()
	if err != nil {
		return fmt.Errorf("failed to finalize WAV header: %w", err)
	}

	return nil
}

// ToPCM16 clamps samples to [-1, 1] and scales them to 16-bit integers.
func ToPCM16(samples []float64) []int {
	out := make([]int, len(samples))
	for i, sample := range samples {
		clamped := math.Max(-1.0, math.Min(1.0, sample))
		out[i] = int(clamped * pcmMaxValue)
	}

	return out
}
