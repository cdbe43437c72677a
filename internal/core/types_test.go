package core_test

import (
	"testing"
	"time"

	"github.com/book-expert/vc-service/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferenceOutput_WaveformSelectsFirstChannel(t *testing.T) {
	t.Parallel()

	out := core.InferenceOutput{
		ModelOutputs: &core.Tensor{
			Data:  []float64{0.1, 0.2, 0.3, 9, 9, 9},
			Shape: []int{1, 2, 3},
		},
	}

	samples, ok := out.Waveform()
	require.True(t, ok)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, samples)

	samples[0] = 5
	assert.InDelta(t, 0.1, out.ModelOutputs.Data[0], 1e-12)
}

func TestInferenceOutput_WaveformMissing(t *testing.T) {
	t.Parallel()

	_, ok := core.InferenceOutput{ModelOutputs: nil}.Waveform()
	assert.False(t, ok)

	_, ok = core.InferenceOutput{ModelOutputs: &core.Tensor{Data: nil, Shape: []int{1, 1, 0}}}.Waveform()
	assert.False(t, ok)
}

func TestWaveform_Duration(t *testing.T) {
	t.Parallel()

	wave := core.Waveform{Samples: make([]float64, core.TargetSampleRate*2), SampleRate: core.TargetSampleRate}
	assert.Equal(t, 2*time.Second, wave.Duration())
	assert.Equal(t, time.Duration(0), core.Waveform{}.Duration())
}

func TestEmbedding_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	original := core.Embedding{Vector: []float64{1, 2, 3}, Shape: []int{1, 3}}
	clone := original.Clone()
	clone.Vector[0] = 42

	assert.InDelta(t, 1.0, original.Vector[0], 1e-12)
	assert.Equal(t, 3, clone.Dim())
}
