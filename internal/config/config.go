// Package config provides the configuration structure for the vc-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Default values applied by ApplyDefaults.
const (
	DefaultPort               = 8881
	DefaultModelsDir          = "/mnt/data/wsi_vc/vc_models/"
	DefaultSpeakersDir        = "/mnt/data/wsi_vc/speakers/"
	DefaultCheckpointName     = "model.pth"
	DefaultConfigName         = "config.json"
	DefaultModelTimeout       = 120
	DefaultMaxUploadMB        = 64
	DefaultSampleRate         = 24000
	DefaultTrimTopDB          = 60.0
	DefaultSplitTopDB         = 55.0
	DefaultMaxSilenceMS       = 30
	DefaultPadMS              = 250
	DefaultTTSModel           = "tts-1-hd"
	DefaultTTSVoice           = "af_kore"
	DefaultTTSLangCode        = "a"
	DefaultTTSSpeed           = 1.0
	DefaultTTSTimeout         = 60
	DefaultConversionSubject  = "vc.conversion.requested"
	DefaultAudioBucket        = "VC_AUDIO"
	DefaultLoadChannel        = "load_model_channel"
	DefaultUnloadChannel      = "unload_model_channel"
	DefaultReloadChannel      = "reload_all_models_channel"
	DefaultEmbeddingAggregate = "mean"
	DefaultDevice             = "auto"
)

// Environment variables that override file values.
const (
	EnvPort           = "PORT"
	EnvModelsDir      = "MODELS_DIR_PATH"
	EnvSpeakersDir    = "SPEAKERS_DIR_PATH"
	EnvModelServerURL = "MODEL_SERVER_URL"
	EnvTTSURL         = "TTS_URL"
	EnvTTSAPIKey      = "TTS_API_KEY"
	EnvRedisAddr      = "REDIS_ADDR"
	EnvNATSURL        = "NATS_URL"
)

const errFmtInvalidEnv = "invalid value %q for %s: %w"

var (
	// ErrInvalidPort indicates the listen port is outside 1..65535.
	ErrInvalidPort = errors.New("server port must be between 1 and 65535")
	// ErrModelServerURLEmpty indicates no model runtime address was configured.
	ErrModelServerURLEmpty = errors.New("model.server_url cannot be empty")
	// ErrUnknownAggregation indicates an unsupported embeddings.aggregation value.
	ErrUnknownAggregation = errors.New("embeddings.aggregation must be one of mean, first, max_norm")
	// ErrUnknownDevice indicates an unsupported model.device value.
	ErrUnknownDevice = errors.New("model.device must be one of auto, cuda, cpu")
	// ErrSilenceRange indicates silence shaping thresholds are not positive.
	ErrSilenceRange = errors.New("audio.silence thresholds must be positive")
)

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Port           int      `toml:"port"`
	MaxUploadMB    int      `toml:"max_upload_mb"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	ModelsDir   string `toml:"models_dir"`
	SpeakersDir string `toml:"speakers_dir"`
	TempDir     string `toml:"temp_dir"`
}

// ModelConfig describes the checkpoint and the runtime that hosts it.
type ModelConfig struct {
	ServerURL          string `toml:"server_url"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	CheckpointName     string `toml:"checkpoint_name"`
	ConfigName         string `toml:"config_name"`
	Device             string `toml:"device"`
	SerializeInference bool   `toml:"serialize_inference"`
}

// Timeout returns the per-call timeout for the model runtime.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// EmbeddingsConfig controls how reference clips become a speaker embedding.
type EmbeddingsConfig struct {
	Aggregation string `toml:"aggregation"`
}

// SilenceConfig controls post-processing of converted audio.
type SilenceConfig struct {
	Skip         bool    `toml:"skip"`
	TrimTopDB    float64 `toml:"trim_top_db"`
	SplitTopDB   float64 `toml:"split_top_db"`
	MaxSilenceMS int     `toml:"max_silence_ms"`
	PadMS        int     `toml:"pad_ms"`
}

// AudioConfig holds decoding and post-processing settings.
type AudioConfig struct {
	SampleRate int           `toml:"sample_rate"`
	FFmpegPath string        `toml:"ffmpeg_path"`
	Silence    SilenceConfig `toml:"silence"`
}

// TTSConfig points at an OpenAI-compatible speech endpoint.
type TTSConfig struct {
	URL            string  `toml:"url"`
	APIKey         string  `toml:"api_key"`
	Model          string  `toml:"model"`
	Voice          string  `toml:"voice"`
	LangCode       string  `toml:"lang_code"`
	Speed          float64 `toml:"speed"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

// Timeout returns the request timeout for the speech endpoint.
func (t TTSConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// NATSConfig holds the configuration for NATS. An empty URL disables the worker.
type NATSConfig struct {
	URL                    string `toml:"url"`
	ConversionSubject      string `toml:"conversion_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// RedisConfig holds the model control channel settings. An empty Addr
// disables the listener.
type RedisConfig struct {
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	LoadChannel   string `toml:"load_channel"`
	UnloadChannel string `toml:"unload_channel"`
	ReloadChannel string `toml:"reload_channel"`
}

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Paths      PathsConfig      `toml:"paths"`
	Model      ModelConfig      `toml:"model"`
	Embeddings EmbeddingsConfig `toml:"embeddings"`
	Audio      AudioConfig      `toml:"audio"`
	TTS        TTSConfig        `toml:"tts"`
	NATS       NATSConfig       `toml:"nats"`
	Redis      RedisConfig      `toml:"redis"`
}

// Load loads the configuration for the vc-service through the central
// configurator, then layers .env and process environment on top.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg, log)
}

// LoadFile parses an explicit TOML file instead of using the configurator.
func LoadFile(path string, log *logger.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return finish(&cfg, log)
}

func finish(cfg *Config, log *logger.Logger) (*Config, error) {
	envErr := godotenv.Load()
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		log.Warn("Failed to read .env file: %v", envErr)
	}

	err := cfg.ApplyEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides file values with environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if value, ok := lookup(EnvPort); ok && value != "" {
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf(errFmtInvalidEnv, value, EnvPort, err)
		}

		c.Server.Port = port
	}

	overrides := []struct {
		key    string
		target *string
	}{
		{key: EnvModelsDir, target: &c.Paths.ModelsDir},
		{key: EnvSpeakersDir, target: &c.Paths.SpeakersDir},
		{key: EnvModelServerURL, target: &c.Model.ServerURL},
		{key: EnvTTSURL, target: &c.TTS.URL},
		{key: EnvTTSAPIKey, target: &c.TTS.APIKey},
		{key: EnvRedisAddr, target: &c.Redis.Addr},
		{key: EnvNATSURL, target: &c.NATS.URL},
	}

	for _, override := range overrides {
		if value, ok := lookup(override.key); ok && value != "" {
			*override.target = value
		}
	}

	return nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	setInt(&c.Server.Port, DefaultPort)
	setInt(&c.Server.MaxUploadMB, DefaultMaxUploadMB)
	setString(&c.Paths.ModelsDir, DefaultModelsDir)
	setString(&c.Paths.SpeakersDir, DefaultSpeakersDir)
	setString(&c.Paths.BaseLogsDir, os.TempDir())
	setString(&c.Paths.TempDir, os.TempDir())
	setInt(&c.Model.TimeoutSeconds, DefaultModelTimeout)
	setString(&c.Model.CheckpointName, DefaultCheckpointName)
	setString(&c.Model.ConfigName, DefaultConfigName)
	setString(&c.Model.Device, DefaultDevice)
	setString(&c.Embeddings.Aggregation, DefaultEmbeddingAggregate)
	setInt(&c.Audio.SampleRate, DefaultSampleRate)
	setFloat(&c.Audio.Silence.TrimTopDB, DefaultTrimTopDB)
	setFloat(&c.Audio.Silence.SplitTopDB, DefaultSplitTopDB)
	setInt(&c.Audio.Silence.MaxSilenceMS, DefaultMaxSilenceMS)
	setInt(&c.Audio.Silence.PadMS, DefaultPadMS)
	setString(&c.TTS.Model, DefaultTTSModel)
	setString(&c.TTS.Voice, DefaultTTSVoice)
	setString(&c.TTS.LangCode, DefaultTTSLangCode)
	setFloat(&c.TTS.Speed, DefaultTTSSpeed)
	setInt(&c.TTS.TimeoutSeconds, DefaultTTSTimeout)
	setString(&c.NATS.ConversionSubject, DefaultConversionSubject)
	setString(&c.NATS.AudioObjectStoreBucket, DefaultAudioBucket)
	setString(&c.Redis.LoadChannel, DefaultLoadChannel)
	setString(&c.Redis.UnloadChannel, DefaultUnloadChannel)
	setString(&c.Redis.ReloadChannel, DefaultReloadChannel)

	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Server.Port)
	}

	if c.Model.ServerURL == "" {
		return ErrModelServerURLEmpty
	}

	switch c.Embeddings.Aggregation {
	case "mean", "first", "max_norm":
	default:
		return fmt.Errorf("%w: got %q", ErrUnknownAggregation, c.Embeddings.Aggregation)
	}

	switch c.Model.Device {
	case "auto", "cuda", "cpu":
	default:
		return fmt.Errorf("%w: got %q", ErrUnknownDevice, c.Model.Device)
	}

	silence := c.Audio.Silence
	if silence.TrimTopDB <= 0 || silence.SplitTopDB <= 0 || silence.MaxSilenceMS < 0 || silence.PadMS < 0 {
		return ErrSilenceRange
	}

	return nil
}

func setString(target *string, value string) {
	if *target == "" {
		*target = value
	}
}

func setInt(target *int, value int) {
	if *target == 0 {
		*target = value
	}
}

func setFloat(target *float64, value float64) {
	if *target == 0 {
		*target = value
	}
}
