// Package core defines the shared types, capability interfaces and error
// taxonomy of the voice-conversion service.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// Backend is the capability offered by a model runtime. It owns the neural
// network; this service only sequences calls to it.
type Backend interface {
	// Probe reports the device the runtime would place the model on.
	Probe(ctx context.Context, preference Device) (Device, error)
	Load(ctx context.Context, req LoadRequest) error
	Unload(ctx context.Context) error
	ExtractEmbedding(ctx context.Context, wave Waveform) (Embedding, Tensor, error)
	Infer(ctx context.Context, spec Tensor, aux AuxInput) (InferenceOutput, error)
	Health(ctx context.Context) error
}

// VoiceModel is a loaded model ready for extraction and inference.
type VoiceModel interface {
	ExtractEmbedding(ctx context.Context, wave Waveform) (Embedding, Tensor, error)
	Infer(ctx context.Context, spec Tensor, aux AuxInput) (InferenceOutput, error)
	Device() Device
	Generation() uint64
}

// Converter runs one voice conversion end to end.
type Converter interface {
	Convert(ctx context.Context, req ConversionRequest) (*ConversionResult, error)
}

// Synthesizer turns text into encoded speech audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
