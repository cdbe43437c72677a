// Package testutil provides deterministic fixtures shared by the service tests.
package testutil

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/vc-service/internal/audio"
	"github.com/book-expert/vc-service/internal/core"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

// Sine returns a sine tone of the given frequency, length and amplitude.
func Sine(freq float64, length time.Duration, rate int, amplitude float64) []float64 {
	count := int(length.Seconds() * float64(rate))
	samples := make([]float64, count)

	for i := range samples {
		samples[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}

	return samples
}

// Silence returns length worth of zero samples.
func Silence(length time.Duration, rate int) []float64 {
	return make([]float64, int(length.Seconds()*float64(rate)))
}

// Concat joins sample slices.
func Concat(parts ...[]float64) []float64 {
	var out []float64
	for _, part := range parts {
		out = append(out, part...)
	}

	return out
}

// WAV encodes mono samples as a 16-bit WAV file and returns its bytes.
func WAV(t *testing.T, samples []float64, rate int) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fixture.wav")

	file, err := os.Create(path)
	require.NoError(t, err)

	require.NoError(t, audio.WriteWAV(file, core.Waveform{Samples: samples, SampleRate: rate}))
	require.NoError(t, file.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return data
}

// StereoWAV encodes two channels as an interleaved 16-bit WAV file.
func StereoWAV(t *testing.T, left, right []float64, rate int) []byte {
	t.Helper()

	require.Len(t, right, len(left))

	path := filepath.Join(t.TempDir(), "stereo.wav")

	file, err := os.Create(path)
	require.NoError(t, err)

	interleaved := make([]int, 0, 2*len(left))
	leftPCM := audio.ToPCM16(left)
	rightPCM := audio.ToPCM16(right)

	for i := range leftPCM {
		interleaved = append(interleaved, leftPCM[i], rightPCM[i])
	}

	encoder := wav.NewEncoder(file, rate, 16, 2, 1)
	require.NoError(t, encoder.Write(&goaudio.IntBuffer{
		Data:           interleaved,
		Format:         &goaudio.Format{SampleRate: rate, NumChannels: 2},
		SourceBitDepth: 16,
	}))
	require.NoError(t, encoder.Close())
	require.NoError(t, file.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return data
}

// WriteSpeaker stores a sine clip as <dir>/<name>.wav.
func WriteSpeaker(t *testing.T, dir, name string, freq float64) {
	t.Helper()

	data := WAV(t, Sine(freq, time.Second, core.TargetSampleRate, 0.5), core.TargetSampleRate)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".wav"), data, 0o600))
}

// WriteModelDir creates a models directory with a checkpoint and config.
func WriteModelDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.pth"), []byte("checkpoint"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"model":{"hidden_channels":192}}`), 0o600))

	return dir
}
