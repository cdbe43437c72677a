// Package tts renders text to speech through an OpenAI-compatible speech
// endpoint. The result feeds the conversion pipeline as source audio.
package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/config"
	"github.com/book-expert/vc-service/internal/core"
	"github.com/book-expert/vc-service/internal/tts/text"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	apiVersionSuffix = "/v1/"
	langCodeField    = "lang_code"
	maxRetries       = 1
)

const (
	errFmtSpeechRequest = "%w: speech request failed: %w"
	errFmtSpeechRead    = "%w: failed to read speech response: %w"
)

// ErrEmptyText indicates nothing speakable was left after normalisation.
var ErrEmptyText = core.ErrEmptyText

// Synthesizer implements core.Synthesizer.
type Synthesizer struct {
	client     *openai.Client
	cfg        config.TTSConfig
	normalizer *text.Normalizer
	log        *logger.Logger
}

// New creates a Synthesizer for cfg.URL.
func New(cfg config.TTSConfig, log *logger.Logger) *Synthesizer {
	client := openai.NewClient(
		option.WithBaseURL(baseURL(cfg.URL)),
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout()}),
		option.WithMaxRetries(maxRetries),
	)

	return &Synthesizer{
		client:     &client,
		cfg:        cfg,
		normalizer: text.NewNormalizer(),
		log:        log,
	}
}

// Synthesize returns WAV bytes for input.
func (s *Synthesizer) Synthesize(ctx context.Context, input string) ([]byte, error) {
	normalized := s.normalizer.Normalize(input)
	if normalized == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrSynthesis, ErrEmptyText)
	}

	params := openai.AudioSpeechNewParams{
		Input:          normalized,
		Model:          openai.SpeechModel(s.cfg.Model),
		Voice:          openai.AudioSpeechNewParamsVoice(s.cfg.Voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if s.cfg.Speed > 0 {
		params.Speed = openai.Float(s.cfg.Speed)
	}

	var opts []option.RequestOption
	if s.cfg.LangCode != "" {
		opts = append(opts, option.WithJSONSet(langCodeField, s.cfg.LangCode))
	}

	resp, err := s.client.Audio.Speech.New(ctx, params, opts...)
	if err != nil {
		return nil, fmt.Errorf(errFmtSpeechRequest, core.ErrSynthesis, err)
	}

	defer func() {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			s.log.Warn("Failed to close speech response body: %v", closeErr)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf(errFmtSpeechRead, core.ErrSynthesis, err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: speech endpoint returned no audio", core.ErrSynthesis)
	}

	s.log.Info("Synthesized %d characters with voice %s: %d bytes", len(normalized), s.cfg.Voice, len(data))

	return data, nil
}

// baseURL points the client at the API root. Bare hosts get /v1/ appended.
func baseURL(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed + "/"
	}

	return trimmed + apiVersionSuffix
}
