package core

import (
	"slices"
	"time"
)

// TargetSampleRate is the rate the model consumes and produces, in Hz.
const TargetSampleRate = 24000

// Device identifies where the model runs.
type Device string

// Supported devices. DeviceAuto lets the runtime pick the accelerator when present.
const (
	DeviceAuto Device = "auto"
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

// Tensor is a dense row-major float tensor.
type Tensor struct {
	Data  []float64
	Shape []int
}

// Clone returns a deep copy of the tensor.
func (t Tensor) Clone() Tensor {
	return Tensor{Data: slices.Clone(t.Data), Shape: slices.Clone(t.Shape)}
}

// Embedding is a speaker identity vector. Shape is usually [1, C] or [1, C, 1];
// Vector always holds the flattened values.
type Embedding struct {
	Vector []float64
	Shape  []int
}

// Clone returns a deep copy so callers cannot mutate cached embeddings.
func (e Embedding) Clone() Embedding {
	return Embedding{Vector: slices.Clone(e.Vector), Shape: slices.Clone(e.Shape)}
}

// Dim returns the number of values in the embedding.
func (e Embedding) Dim() int {
	return len(e.Vector)
}

// Waveform is a mono audio buffer with samples in [-1, 1].
type Waveform struct {
	Samples    []float64
	SampleRate int
	// RateMismatch is set when resampling to TargetSampleRate failed and the
	// native rate was kept.
	RateMismatch bool
}

// Duration returns the playback length of the waveform.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}

	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// AuxInput carries the speaker conditioning for one inference call.
type AuxInput struct {
	SourceEmbedding Embedding
	TargetEmbedding Embedding
}

// InferenceOutput is the result of one inference call. ModelOutputs is nil
// when the runtime returned no waveform.
type InferenceOutput struct {
	ModelOutputs *Tensor
}

// Waveform selects the first channel of the first batch element. It reports
// false when the output holds no waveform.
func (o InferenceOutput) Waveform() ([]float64, bool) {
	if o.ModelOutputs == nil || len(o.ModelOutputs.Data) == 0 {
		return nil, false
	}

	shape := o.ModelOutputs.Shape
	if len(shape) == 0 {
		return slices.Clone(o.ModelOutputs.Data), true
	}

	frames := shape[len(shape)-1]
	if frames <= 0 || frames > len(o.ModelOutputs.Data) {
		return nil, false
	}

	return slices.Clone(o.ModelOutputs.Data[:frames]), true
}

// LoadRequest tells a backend which checkpoint to deserialize and where.
type LoadRequest struct {
	CheckpointPath string
	ConfigPath     string
	Config         []byte
	Device         Device
}

// ConversionRequest is one source clip to be rendered in a target voice.
type ConversionRequest struct {
	Audio    []byte
	Speaker  string
	Filename string
}

// StageTiming records how long a pipeline stage took.
type StageTiming struct {
	Stage   string
	Elapsed time.Duration
}

// ConversionResult is the output of a successful conversion.
type ConversionResult struct {
	Waveform Waveform
	WAV      []byte
	Stages   []StageTiming
}
