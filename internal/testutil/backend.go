package testutil

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/vc-service/internal/core"
)

// Embedding layout of the fake backend.
const (
	FakeBands  = 16
	FakeBandHz = 100.0
)

var (
	// ErrFakeLoad is returned by FakeBackend.Load when FailLoad is set.
	ErrFakeLoad = errors.New("fake checkpoint is corrupt")
	// ErrFakeInfer is returned by FakeBackend.Infer when FailInfer is set.
	ErrFakeInfer = errors.New("fake inference exploded")
)

// FakeBackend is a deterministic core.Backend. Its embedding is the energy of
// the input in FakeBands bands spaced FakeBandHz apart, so tones at different
// band frequencies produce nearly orthogonal speakers.
type FakeBackend struct {
	LoadDelay   time.Duration
	FailLoad    bool
	FailInfer   bool
	OmitOutputs bool
	Accelerator bool

	loads       atomic.Int32
	extractions atomic.Int32
	inferences  atomic.Int32
	active      atomic.Int32
	maxActive   atomic.Int32

	mu      sync.Mutex
	lastReq core.LoadRequest
	loaded  bool
}

// Loads returns how many times Load succeeded.
func (f *FakeBackend) Loads() int {
	return int(f.loads.Load())
}

// Extractions returns how many embeddings were extracted.
func (f *FakeBackend) Extractions() int {
	return int(f.extractions.Load())
}

// Inferences returns how many inference calls ran.
func (f *FakeBackend) Inferences() int {
	return int(f.inferences.Load())
}

// MaxConcurrent returns the highest number of overlapping model calls seen.
func (f *FakeBackend) MaxConcurrent() int {
	return int(f.maxActive.Load())
}

// LastLoad returns the most recent load request.
func (f *FakeBackend) LastLoad() core.LoadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.lastReq
}

// Probe reports cuda when Accelerator is set, cpu otherwise.
func (f *FakeBackend) Probe(_ context.Context, preference core.Device) (core.Device, error) {
	if preference == core.DeviceCPU || !f.Accelerator {
		return core.DeviceCPU, nil
	}

	return core.DeviceCUDA, nil
}

// Load simulates checkpoint deserialization.
func (f *FakeBackend) Load(ctx context.Context, req core.LoadRequest) error {
	if f.LoadDelay > 0 {
		select {
		case <-time.After(f.LoadDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if f.FailLoad {
		return ErrFakeLoad
	}

	f.mu.Lock()
	f.lastReq = req
	f.loaded = true
	f.mu.Unlock()

	f.loads.Add(1)

	return nil
}

// Unload forgets the checkpoint.
func (f *FakeBackend) Unload(context.Context) error {
	f.mu.Lock()
	f.loaded = false
	f.mu.Unlock()

	return nil
}

// Health always succeeds.
func (f *FakeBackend) Health(context.Context) error {
	return nil
}

// ExtractEmbedding returns band energies and passes the samples through as
// the spectrogram.
func (f *FakeBackend) ExtractEmbedding(_ context.Context, wave core.Waveform) (core.Embedding, core.Tensor, error) {
	defer f.enter()()

	f.extractions.Add(1)

	vector := make([]float64, FakeBands)
	for band := range vector {
		vector[band] = 0.01 + goertzel(wave.Samples, FakeBandHz*float64(band+1), wave.SampleRate)
	}

	embedding := core.Embedding{Vector: vector, Shape: []int{1, FakeBands, 1}}
	spec := core.Tensor{Data: slices.Clone(wave.Samples), Shape: []int{1, 1, len(wave.Samples)}}

	return embedding, spec, nil
}

// Infer scales the spectrogram and returns it as a [1, 1, T] waveform.
func (f *FakeBackend) Infer(_ context.Context, spec core.Tensor, _ core.AuxInput) (core.InferenceOutput, error) {
	defer f.enter()()

	f.inferences.Add(1)

	if f.FailInfer {
		return core.InferenceOutput{}, ErrFakeInfer
	}

	if f.OmitOutputs {
		return core.InferenceOutput{ModelOutputs: nil}, nil
	}

	data := make([]float64, len(spec.Data))
	for i, value := range spec.Data {
		data[i] = 0.8 * value
	}

	return core.InferenceOutput{ModelOutputs: &core.Tensor{Data: data, Shape: []int{1, 1, len(data)}}}, nil
}

func (f *FakeBackend) enter() func() {
	current := f.active.Add(1)
	for {
		seen := f.maxActive.Load()
		if current <= seen || f.maxActive.CompareAndSwap(seen, current) {
			break
		}
	}

	time.Sleep(time.Millisecond)

	return func() { f.active.Add(-1) }
}

// goertzel returns the normalised magnitude of samples at freq.
func goertzel(samples []float64, freq float64, rate int) float64 {
	if len(samples) == 0 || rate <= 0 {
		return 0
	}

	coeff := 2 * math.Cos(2*math.Pi*freq/float64(rate))

	var prev, prev2 float64
	for _, sample := range samples {
		current := sample + coeff*prev - prev2
		prev2 = prev
		prev = current
	}

	power := prev*prev + prev2*prev2 - coeff*prev*prev2

	return math.Sqrt(math.Max(power, 0)) / float64(len(samples))
}
