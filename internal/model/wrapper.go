// Package model owns the voice-conversion model: loading a checkpoint into a
// backend exactly once, guarding calls made before load and coordinating
// reloads with in-flight requests.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/core"
)

const (
	errFmtModelLoad = "%w: %s"
	errFmtInference = "%w: %s: %w"
)

// Options describes the checkpoint layout and runtime preferences.
type Options struct {
	Dir                string
	CheckpointName     string
	ConfigName         string
	Device             core.Device
	SerializeInference bool
}

// Wrapper binds one checkpoint to a backend.
type Wrapper struct {
	backend    core.Backend
	opts       Options
	log        *logger.Logger
	generation uint64

	loaded atomic.Bool
	device core.Device
	// callMu serialises backend calls when the runtime is not reentrant.
	callMu sync.Mutex
}

// NewWrapper creates an unloaded wrapper.
func NewWrapper(backend core.Backend, opts Options, generation uint64, log *logger.Logger) *Wrapper {
	return &Wrapper{
		backend:    backend,
		opts:       opts,
		log:        log,
		generation: generation,
		device:     core.DeviceCPU,
	}
}

// Load reads the configuration and checkpoint from the model directory and
// hands them to the backend. The device is chosen here and never again.
func (w *Wrapper) Load(ctx context.Context) error {
	checkpoint := filepath.Join(w.opts.Dir, w.opts.CheckpointName)
	configPath := filepath.Join(w.opts.Dir, w.opts.ConfigName)

	_, err := os.Stat(checkpoint)
	if err != nil {
		return fmt.Errorf(errFmtModelLoad, core.ErrModelLoad, "checkpoint not found at "+checkpoint)
	}

	configData, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf(errFmtModelLoad, core.ErrModelLoad, "config not readable at "+configPath)
	}

	if !json.Valid(configData) {
		return fmt.Errorf(errFmtModelLoad, core.ErrModelLoad, "config is not valid JSON: "+configPath)
	}

	device, err := w.backend.Probe(ctx, w.opts.Device)
	if err != nil {
		return fmt.Errorf("%w: device probe: %w", core.ErrModelLoad, err)
	}

	err = w.backend.Load(ctx, core.LoadRequest{
		CheckpointPath: checkpoint,
		ConfigPath:     configPath,
		Config:         configData,
		Device:         device,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrModelLoad, err)
	}

	w.device = device
	w.loaded.Store(true)
	w.log.Info("Model generation %d loaded from %s on %s", w.generation, checkpoint, device)

	return nil
}

// Unload releases the backend model.
func (w *Wrapper) Unload(ctx context.Context) error {
	if !w.loaded.Swap(false) {
		return nil
	}

	err := w.backend.Unload(ctx)
	if err != nil {
		return fmt.Errorf("failed to unload model generation %d: %w", w.generation, err)
	}

	return nil
}

// retire marks a replaced wrapper unusable without touching the backend,
// which already holds its successor.
func (w *Wrapper) retire() {
	w.loaded.Store(false)
}

// IsLoaded reports whether Load succeeded and Unload was not called.
func (w *Wrapper) IsLoaded() bool {
	return w.loaded.Load()
}

// Device returns the device chosen at load time.
func (w *Wrapper) Device() core.Device {
	return w.device
}

// Generation identifies which load produced this wrapper.
func (w *Wrapper) Generation() uint64 {
	return w.generation
}

// ExtractEmbedding returns the speaker embedding and spectrogram of wave.
func (w *Wrapper) ExtractEmbedding(ctx context.Context, wave core.Waveform) (core.Embedding, core.Tensor, error) {
	if !w.IsLoaded() {
		return core.Embedding{}, core.Tensor{}, core.ErrNotLoaded
	}

	unlock := w.serialize()
	defer unlock()

	embedding, spec, err := w.backend.ExtractEmbedding(ctx, wave)
	if err != nil {
		w.log.Error("Embedding extraction failed on %s for %d samples: %v", w.device, len(wave.Samples), err)

		return core.Embedding{}, core.Tensor{}, wrapInference("extract embedding", err)
	}

	return embedding, spec, nil
}

// Infer runs the conversion network.
func (w *Wrapper) Infer(ctx context.Context, spec core.Tensor, aux core.AuxInput) (core.InferenceOutput, error) {
	if !w.IsLoaded() {
		return core.InferenceOutput{}, core.ErrNotLoaded
	}

	unlock := w.serialize()
	defer unlock()

	out, err := w.backend.Infer(ctx, spec, aux)
	if err != nil {
		w.log.Error("Inference failed on %s: spec %v, source %v, target %v: %v",
			w.device, spec.Shape, aux.SourceEmbedding.Shape, aux.TargetEmbedding.Shape, err)

		return core.InferenceOutput{}, wrapInference("infer", err)
	}

	return out, nil
}

func (w *Wrapper) serialize() func() {
	if !w.opts.SerializeInference {
		return func() {}
	}

	w.callMu.Lock()

	return w.callMu.Unlock
}

func wrapInference(op string, err error) error {
	if errors.Is(err, core.ErrInference) {
		return err
	}

	return fmt.Errorf(errFmtInference, core.ErrInference, op, err)
}
