// Package config_test tests the configuration loading for the vc-service.
package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[server]
port = 9000
max_upload_mb = 16

[paths]
base_logs_dir = "/var/log/vc"
models_dir = "/models/vc"
speakers_dir = "/speakers"

[model]
server_url = "http://127.0.0.1:7000"
timeout_seconds = 30
device = "cpu"
serialize_inference = true

[embeddings]
aggregation = "max_norm"

[audio]
ffmpeg_path = "/usr/bin/ffmpeg"

[audio.silence]
skip = true
max_silence_ms = 40

[tts]
url = "http://kokoro:8880/v1"
voice = "af_bella"

[nats]
url = "nats://127.0.0.1:4222"
conversion_subject = "vc.jobs"

[redis]
addr = "127.0.0.1:6379"
`

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "config-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	var cfg config.Config

	err := toml.Unmarshal([]byte(sampleTOML), &cfg)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 16, cfg.Server.MaxUploadMB)
	assert.Equal(t, "/models/vc", cfg.Paths.ModelsDir)
	assert.Equal(t, "/speakers", cfg.Paths.SpeakersDir)
	assert.Equal(t, "http://127.0.0.1:7000", cfg.Model.ServerURL)
	assert.Equal(t, "cpu", cfg.Model.Device)
	assert.True(t, cfg.Model.SerializeInference)
	assert.Equal(t, "max_norm", cfg.Embeddings.Aggregation)
	assert.True(t, cfg.Audio.Silence.Skip)
	assert.Equal(t, 40, cfg.Audio.Silence.MaxSilenceMS)
	assert.Equal(t, "af_bella", cfg.TTS.Voice)
	assert.Equal(t, "vc.jobs", cfg.NATS.ConversionSubject)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Model.ServerURL = "http://model:7000"
	cfg.ApplyDefaults()

	assert.Equal(t, config.DefaultPort, cfg.Server.Port)
	assert.Equal(t, config.DefaultModelsDir, cfg.Paths.ModelsDir)
	assert.Equal(t, config.DefaultSpeakersDir, cfg.Paths.SpeakersDir)
	assert.Equal(t, "model.pth", cfg.Model.CheckpointName)
	assert.Equal(t, "config.json", cfg.Model.ConfigName)
	assert.Equal(t, 24000, cfg.Audio.SampleRate)
	assert.InDelta(t, 60.0, cfg.Audio.Silence.TrimTopDB, 1e-9)
	assert.InDelta(t, 55.0, cfg.Audio.Silence.SplitTopDB, 1e-9)
	assert.Equal(t, 30, cfg.Audio.Silence.MaxSilenceMS)
	assert.Equal(t, 250, cfg.Audio.Silence.PadMS)
	assert.Equal(t, "tts-1-hd", cfg.TTS.Model)
	assert.Equal(t, "af_kore", cfg.TTS.Voice)
	assert.Equal(t, "load_model_channel", cfg.Redis.LoadChannel)
	assert.Equal(t, "unload_model_channel", cfg.Redis.UnloadChannel)
	assert.Equal(t, "reload_all_models_channel", cfg.Redis.ReloadChannel)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		config.EnvPort:        "8123",
		config.EnvModelsDir:   "/env/models",
		config.EnvSpeakersDir: "/env/speakers",
	}
	lookup := func(key string) (string, bool) {
		value, ok := env[key]

		return value, ok
	}

	cfg := config.Config{}
	cfg.Paths.ModelsDir = "/file/models"

	err := cfg.ApplyEnv(lookup)
	require.NoError(t, err)

	assert.Equal(t, 8123, cfg.Server.Port)
	assert.Equal(t, "/env/models", cfg.Paths.ModelsDir)
	assert.Equal(t, "/env/speakers", cfg.Paths.SpeakersDir)
}

func TestApplyEnv_InvalidPort(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	err := cfg.ApplyEnv(func(key string) (string, bool) {
		if key == config.EnvPort {
			return "not-a-port", true
		}

		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.EnvPort)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		wantErr error
	}{
		{
			name:    "missing model server",
			mutate:  func(cfg *config.Config) { cfg.Model.ServerURL = "" },
			wantErr: config.ErrModelServerURLEmpty,
		},
		{
			name:    "port out of range",
			mutate:  func(cfg *config.Config) { cfg.Server.Port = 70000 },
			wantErr: config.ErrInvalidPort,
		},
		{
			name:    "unknown aggregation",
			mutate:  func(cfg *config.Config) { cfg.Embeddings.Aggregation = "median" },
			wantErr: config.ErrUnknownAggregation,
		},
		{
			name:    "unknown device",
			mutate:  func(cfg *config.Config) { cfg.Model.Device = "tpu" },
			wantErr: config.ErrUnknownDevice,
		},
		{
			name:    "negative padding",
			mutate:  func(cfg *config.Config) { cfg.Audio.Silence.PadMS = -1 },
			wantErr: config.ErrSilenceRange,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Config{}
			cfg.Model.ServerURL = "http://model:7000"
			cfg.ApplyDefaults()
			testCase.mutate(&cfg)

			require.ErrorIs(t, cfg.Validate(), testCase.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "project.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o600))

	cfg, err := config.LoadFile(path, newTestLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:7000", cfg.Model.ServerURL)
	assert.Equal(t, config.DefaultCheckpointName, cfg.Model.CheckpointName)
	assert.Equal(t, config.DefaultPadMS, cfg.Audio.Silence.PadMS)
}

func TestLoadFile_Missing(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.toml"), newTestLogger(t))
	require.Error(t, err)
}
