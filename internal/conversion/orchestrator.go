// Package conversion sequences one voice conversion: decode the source clip,
// resolve the target speaker, run the model, shape the result and encode it.
package conversion

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/audio"
	"github.com/book-expert/vc-service/internal/core"
	"github.com/book-expert/vc-service/internal/embedding"
	"github.com/book-expert/vc-service/internal/model"
)

// State is a step of the conversion pipeline.
type State string

// Pipeline states. FAILED is reachable from every non-terminal state.
const (
	StateReceived          State = "RECEIVED"
	StateAudioDecoded      State = "AUDIO_DECODED"
	StateEmbeddingResolved State = "EMBEDDING_RESOLVED"
	StateInferred          State = "INFERRED"
	StatePostProcessed     State = "POST_PROCESSED"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

// Decoder turns uploaded bytes into a model-ready waveform.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (core.Waveform, error)
}

// Speakers resolves target speaker embeddings.
type Speakers interface {
	Get(ctx context.Context, name string) (core.Embedding, error)
}

// Models hands out leases on the loaded model.
type Models interface {
	Acquire(ctx context.Context) (*model.Lease, error)
}

// PostProcessor reshapes converted audio.
type PostProcessor interface {
	Process(wave core.Waveform) core.Waveform
}

// Recorder receives pipeline metrics.
type Recorder interface {
	ObserveConversion(status string, elapsed time.Duration)
	ObserveStage(stage string, elapsed time.Duration)
}

// Options configures an Orchestrator.
type Options struct {
	OutputSampleRate int
	TempDir          string
	// PostProcessor is optional; nil leaves the model output untouched.
	PostProcessor PostProcessor
	// Recorder is optional.
	Recorder Recorder
}

// Orchestrator implements core.Converter.
type Orchestrator struct {
	decoder  Decoder
	speakers Speakers
	models   Models
	opts     Options
	log      *logger.Logger
}

// New creates an Orchestrator.
func New(decoder Decoder, speakers Speakers, models Models, opts Options, log *logger.Logger) *Orchestrator {
	if opts.OutputSampleRate == 0 {
		opts.OutputSampleRate = core.TargetSampleRate
	}

	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	return &Orchestrator{
		decoder:  decoder,
		speakers: speakers,
		models:   models,
		opts:     opts,
		log:      log,
	}
}

// run tracks the current state and stage timings of one conversion.
type run struct {
	state  State
	start  time.Time
	mark   time.Time
	stages []core.StageTiming
	o      *Orchestrator
	req    core.ConversionRequest
}

func (r *run) advance(next State) {
	now := time.Now()
	elapsed := now.Sub(r.mark)

	r.stages = append(r.stages, core.StageTiming{Stage: string(next), Elapsed: elapsed})
	r.o.opts.Recorder.ObserveStage(string(next), elapsed)
	r.o.log.Info("Conversion to %s: %s -> %s in %s", r.req.Speaker, r.state, next, elapsed)

	r.state = next
	r.mark = now
}

func (r *run) fail(err error) error {
	r.o.log.Error("Conversion to %s failed in state %s after %s: %v", r.req.Speaker, r.state, time.Since(r.start), err)
	r.o.opts.Recorder.ObserveConversion(core.StatusError, time.Since(r.start))
	r.state = StateFailed

	return err
}

// Convert renders req.Audio in the voice of req.Speaker. A nil result with a
// nil error means the model produced no waveform.
func (o *Orchestrator) Convert(ctx context.Context, req core.ConversionRequest) (*core.ConversionResult, error) {
	now := time.Now()
	r := &run{state: StateReceived, start: now, mark: now, o: o, req: req}

	o.log.Info("Conversion received: %d bytes (%s) for speaker %s", len(req.Audio), req.Filename, req.Speaker)

	if len(req.Audio) == 0 {
		return nil, r.fail(core.ErrEmptyAudio)
	}

	scratch, err := audio.NewScratch(o.opts.TempDir)
	if err != nil {
		return nil, r.fail(err)
	}

	defer func() {
		closeErr := scratch.Close()
		if closeErr != nil {
			o.log.Warn("Failed to remove conversion scratch: %v", closeErr)
		}
	}()

	wave, err := o.decoder.Decode(ctx, req.Audio)
	if err != nil {
		return nil, r.fail(err)
	}

	if wave.RateMismatch {
		o.log.Warn("Source decoded at %d Hz instead of %d Hz", wave.SampleRate, o.opts.OutputSampleRate)
	}

	r.advance(StateAudioDecoded)

	lease, err := o.models.Acquire(ctx)
	if err != nil {
		return nil, r.fail(err)
	}
	defer lease.Release()

	target, err := o.speakers.Get(ctx, req.Speaker)
	if err != nil {
		return nil, r.fail(err)
	}

	r.advance(StateEmbeddingResolved)

	voiceModel := lease.Model()

	source, spec, err := voiceModel.ExtractEmbedding(ctx, wave)
	if err != nil {
		return nil, r.fail(err)
	}

	o.logDiagnostics(source, target, spec)

	out, err := voiceModel.Infer(ctx, spec, core.AuxInput{SourceEmbedding: source, TargetEmbedding: target})
	if err != nil {
		return nil, r.fail(err)
	}

	samples, ok := out.Waveform()
	if !ok {
		o.log.Warn("Model returned no output for speaker %s", req.Speaker)
		o.opts.Recorder.ObserveConversion("empty", time.Since(r.start))

		return nil, nil
	}

	r.advance(StateInferred)

	converted := core.Waveform{Samples: samples, SampleRate: o.opts.OutputSampleRate, RateMismatch: wave.RateMismatch}
	if o.opts.PostProcessor != nil {
		converted = o.opts.PostProcessor.Process(converted)
	}

	r.advance(StatePostProcessed)

	wavData, err := scratch.EncodeWAV(converted)
	if err != nil {
		return nil, r.fail(fmt.Errorf("failed to encode converted audio: %w", err))
	}

	r.advance(StateDone)
	o.opts.Recorder.ObserveConversion(core.StatusSuccess, time.Since(r.start))
	o.log.Info("Conversion to %s done: %s of audio in %s", req.Speaker, converted.Duration(), time.Since(r.start))

	return &core.ConversionResult{Waveform: converted, WAV: wavData, Stages: r.stages}, nil
}

func (o *Orchestrator) logDiagnostics(source, target core.Embedding, spec core.Tensor) {
	similarity := embedding.CosineSimilarity(source, target)
	distance := embedding.Distance(source, target)
	quality, _ := embedding.Classify(similarity)

	o.log.Info("Source %v vs target %v: cosine %.4f (%s), L2 %.4f, spectrogram %v",
		source.Shape, target.Shape, similarity, quality, distance, spec.Shape)
}

type nopRecorder struct{}

func (nopRecorder) ObserveConversion(string, time.Duration) {}
func (nopRecorder) ObserveStage(string, time.Duration)      {}
