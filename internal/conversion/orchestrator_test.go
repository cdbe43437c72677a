package conversion_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/audio"
	"github.com/book-expert/vc-service/internal/conversion"
	"github.com/book-expert/vc-service/internal/core"
	"github.com/book-expert/vc-service/internal/embedding"
	"github.com/book-expert/vc-service/internal/model"
	"github.com/book-expert/vc-service/internal/testutil"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	statuses []string
	stages   []string
}

func (r *recorder) ObserveConversion(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses = append(r.statuses, status)
}

func (r *recorder) ObserveStage(stage string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stages = append(r.stages, stage)
}

type pipeline struct {
	orchestrator *conversion.Orchestrator
	backend      *testutil.FakeBackend
	recorder     *recorder
	tempDir      string
}

func setupPipeline(t *testing.T, backend *testutil.FakeBackend, post conversion.PostProcessor) *pipeline {
	t.Helper()

	log, err := logger.New(t.TempDir(), "conversion-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	manager := model.NewManager(backend, model.Options{
		Dir:                testutil.WriteModelDir(t),
		CheckpointName:     "model.pth",
		ConfigName:         "config.json",
		Device:             core.DeviceAuto,
		SerializeInference: true,
	}, log)

	speakersDir := t.TempDir()
	testutil.WriteSpeaker(t, speakersDir, "alice", 200)
	testutil.WriteSpeaker(t, speakersDir, "bob", 800)

	decoder := audio.NewDecoder(core.TargetSampleRate, nil, log)
	store := embedding.NewStore(speakersDir, decoder, manager, embedding.AggregateMean, log)
	manager.Subscribe(store.HandleModelEvent)

	rec := &recorder{}
	tempDir := t.TempDir()
	orchestrator := conversion.New(decoder, store, manager, conversion.Options{
		OutputSampleRate: core.TargetSampleRate,
		TempDir:          tempDir,
		PostProcessor:    post,
		Recorder:         rec,
	}, log)

	return &pipeline{orchestrator: orchestrator, backend: backend, recorder: rec, tempDir: tempDir}
}

func TestConvert_EndToEnd(t *testing.T) {
	t.Parallel()

	p := setupPipeline(t, &testutil.FakeBackend{}, nil)
	source := testutil.WAV(t, testutil.Sine(800, 2*time.Second, 48000, 0.5), 48000)

	result, err := p.orchestrator.Convert(context.Background(), core.ConversionRequest{
		Audio:    source,
		Speaker:  "alice",
		Filename: "source.wav",
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, core.TargetSampleRate, result.Waveform.SampleRate)
	assert.InDelta(t, 2*core.TargetSampleRate, len(result.Waveform.Samples), 1)

	decoded, err := wav.NewDecoder(bytes.NewReader(result.WAV)).FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, core.TargetSampleRate, decoded.Format.SampleRate)
	assert.Equal(t, 1, decoded.Format.NumChannels)

	stages := make([]string, 0, len(result.Stages))
	for _, stage := range result.Stages {
		stages = append(stages, stage.Stage)
	}

	assert.Equal(t, []string{
		string(conversion.StateAudioDecoded),
		string(conversion.StateEmbeddingResolved),
		string(conversion.StateInferred),
		string(conversion.StatePostProcessed),
		string(conversion.StateDone),
	}, stages)
	assert.Equal(t, []string{core.StatusSuccess}, p.recorder.statuses)

	entries, err := os.ReadDir(p.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory should be removed")
}

type mismatchDecoder struct {
	inner *audio.Decoder
}

func (d mismatchDecoder) Decode(ctx context.Context, data []byte) (core.Waveform, error) {
	wave, err := d.inner.Decode(ctx, data)
	wave.RateMismatch = true

	return wave, err
}

func TestConvert_CarriesRateMismatchToResult(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "conversion-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	manager := model.NewManager(&testutil.FakeBackend{}, model.Options{
		Dir:                testutil.WriteModelDir(t),
		CheckpointName:     "model.pth",
		ConfigName:         "config.json",
		Device:             core.DeviceAuto,
		SerializeInference: false,
	}, log)

	speakersDir := t.TempDir()
	testutil.WriteSpeaker(t, speakersDir, "alice", 200)

	decoder := audio.NewDecoder(core.TargetSampleRate, nil, log)
	store := embedding.NewStore(speakersDir, decoder, manager, embedding.AggregateMean, log)
	manager.Subscribe(store.HandleModelEvent)

	orchestrator := conversion.New(mismatchDecoder{inner: decoder}, store, manager, conversion.Options{
		OutputSampleRate: core.TargetSampleRate,
		TempDir:          t.TempDir(),
		PostProcessor:    audio.NewShaper(audio.SilenceOptions{
			TrimTopDB:  60,
			SplitTopDB: 55,
			MaxSilence: 30 * time.Millisecond,
			Pad:        250 * time.Millisecond,
		}),
		Recorder: nil,
	}, log)

	source := testutil.WAV(t, testutil.Sine(800, time.Second, core.TargetSampleRate, 0.5), core.TargetSampleRate)

	result, err := orchestrator.Convert(context.Background(), core.ConversionRequest{
		Audio:    source,
		Speaker:  "alice",
		Filename: "source.wav",
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Waveform.RateMismatch)
	assert.NotEmpty(t, result.WAV)
}

func TestConvert_EmptyAudioFailsBeforeModel(t *testing.T) {
	t.Parallel()

	p := setupPipeline(t, &testutil.FakeBackend{}, nil)

	_, err := p.orchestrator.Convert(context.Background(), core.ConversionRequest{Speaker: "alice"})
	require.ErrorIs(t, err, core.ErrEmptyAudio)

	assert.Zero(t, p.backend.Loads())
	assert.Zero(t, p.backend.Inferences())
	assert.Equal(t, []string{core.StatusError}, p.recorder.statuses)
}

func TestConvert_UndecodableAudio(t *testing.T) {
	t.Parallel()

	p := setupPipeline(t, &testutil.FakeBackend{}, nil)

	_, err := p.orchestrator.Convert(context.Background(), core.ConversionRequest{
		Audio:   []byte("definitely not audio"),
		Speaker: "alice",
	})
	require.ErrorIs(t, err, core.ErrDecode)
	assert.Zero(t, p.backend.Inferences())
}

func TestConvert_UnknownSpeaker(t *testing.T) {
	t.Parallel()

	p := setupPipeline(t, &testutil.FakeBackend{}, nil)
	source := testutil.WAV(t, testutil.Sine(800, time.Second, core.TargetSampleRate, 0.5), core.TargetSampleRate)

	_, err := p.orchestrator.Convert(context.Background(), core.ConversionRequest{Audio: source, Speaker: "nobody"})
	require.ErrorIs(t, err, core.ErrSpeakerNotFound)
	assert.Zero(t, p.backend.Inferences())
}

func TestConvert_MissingModelOutput(t *testing.T) {
	t.Parallel()

	p := setupPipeline(t, &testutil.FakeBackend{OmitOutputs: true}, nil)
	source := testutil.WAV(t, testutil.Sine(800, time.Second, core.TargetSampleRate, 0.5), core.TargetSampleRate)

	result, err := p.orchestrator.Convert(context.Background(), core.ConversionRequest{Audio: source, Speaker: "bob"})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 1, p.backend.Inferences())
}

func TestConvert_InferenceFailure(t *testing.T) {
	t.Parallel()

	p := setupPipeline(t, &testutil.FakeBackend{FailInfer: true}, nil)
	source := testutil.WAV(t, testutil.Sine(800, time.Second, core.TargetSampleRate, 0.5), core.TargetSampleRate)

	_, err := p.orchestrator.Convert(context.Background(), core.ConversionRequest{Audio: source, Speaker: "bob"})
	require.ErrorIs(t, err, core.ErrInference)
	require.ErrorIs(t, err, testutil.ErrFakeInfer)
}

func TestConvert_AppliesPostProcessor(t *testing.T) {
	t.Parallel()

	shaper := audio.NewShaper(audio.SilenceOptions{
		TrimTopDB:  35,
		SplitTopDB: 40,
		MaxSilence: 300 * time.Millisecond,
		Pad:        100 * time.Millisecond,
	})
	p := setupPipeline(t, &testutil.FakeBackend{}, shaper)

	samples := testutil.Concat(
		testutil.Silence(time.Second, core.TargetSampleRate),
		testutil.Sine(800, time.Second, core.TargetSampleRate, 0.5),
	)
	source := testutil.WAV(t, samples, core.TargetSampleRate)

	result, err := p.orchestrator.Convert(context.Background(), core.ConversionRequest{Audio: source, Speaker: "alice"})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Less(t, len(result.Waveform.Samples), len(samples))
}

func TestEncodePayload(t *testing.T) {
	t.Parallel()

	fromBytes, err := conversion.EncodePayload([]byte("RIFF"), "wav")
	require.NoError(t, err)
	assert.Equal(t, "success", fromBytes.Status)
	assert.Equal(t, "wav", fromBytes.AudioFormat)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("RIFF")), fromBytes.Audio)

	fromBuffer, err := conversion.EncodePayload(bytes.NewBufferString("RIFF"), "wav")
	require.NoError(t, err)
	assert.Equal(t, fromBytes.Audio, fromBuffer.Audio)

	fromReader, err := conversion.EncodePayload(bytes.NewReader([]byte("RIFF")), "wav")
	require.NoError(t, err)
	assert.Equal(t, fromBytes.Audio, fromReader.Audio)

	fromFloats, err := conversion.EncodePayload([]float64{1, -1, 0}, "pcm")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(fromFloats.Audio)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x7f, 0x01, 0x80, 0x00, 0x00}, raw)

	fromFloat32, err := conversion.EncodePayload([]float32{1, -1, 0}, "pcm")
	require.NoError(t, err)
	assert.Equal(t, fromFloats.Audio, fromFloat32.Audio)

	_, err = conversion.EncodePayload(42, "wav")
	require.ErrorIs(t, err, conversion.ErrUnsupportedPayload)
}
