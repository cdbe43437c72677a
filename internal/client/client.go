// Package client talks to a running vc-service over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/vc-service/internal/conversion"
	"github.com/book-expert/vc-service/internal/embedding"
)

// API endpoints.
const (
	endpointSpeakers      = "/api/speakers"
	endpointCompatibility = "/api/speakers/compatibility/%s/%s"
	endpointMatrix        = "/api/speakers/similarity-matrix"
	endpointConvert       = "/api/rvc"
	endpointConvertStream = "/api/rvc/stream"
	endpointTTS           = "/api/tts"
	endpointReload        = "/api/model/reload"
	endpointHealth        = "/health"
)

// Form fields.
const (
	fieldAudioFile = "audio_file"
	fieldSpeaker   = "speaker"
	fieldText      = "text"
)

// Error messages.
const (
	errFmtRequest       = "%w: %s %s returned %d: %s"
	errFmtCreateRequest = "failed to create request: %w"
	errFmtSendRequest   = "failed to send request to %s: %w"
	errFmtDecode        = "failed to decode response from %s: %w"
	errFmtReadBody      = "failed to read response body: %w"
	errFmtBuildForm     = "failed to build upload form: %w"
)

var (
	// ErrRequest indicates the service answered with a non-success status.
	ErrRequest = errors.New("request failed")
	// ErrCompatibility indicates the service could not compare two speakers.
	ErrCompatibility = errors.New("compatibility check failed")
	// ErrEmptyAudio indicates the service returned no audio bytes.
	ErrEmptyAudio = errors.New("service returned no audio")
)

// Health is the body of GET /health.
type Health struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Generation  uint64 `json:"generation"`
	Device      string `json:"device"`
	Speakers    int    `json:"speakers"`
	Error       string `json:"error"`
}

type errorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Client is a thin HTTP client for the service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the service at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Speakers lists the known speakers.
func (c *Client) Speakers(ctx context.Context) ([]string, error) {
	var body struct {
		Speakers []string `json:"speakers"`
	}

	err := c.getJSON(ctx, endpointSpeakers, &body)
	if err != nil {
		return nil, err
	}

	return body.Speakers, nil
}

// Compatibility compares two speakers.
func (c *Client) Compatibility(ctx context.Context, speaker1, speaker2 string) (embedding.Compatibility, error) {
	var body struct {
		embedding.Compatibility

		Error string `json:"error"`
	}

	path := fmt.Sprintf(endpointCompatibility, url.PathEscape(speaker1), url.PathEscape(speaker2))

	err := c.getJSON(ctx, path, &body)
	if err != nil {
		return embedding.Compatibility{}, err
	}

	if body.Error != "" {
		return embedding.Compatibility{}, fmt.Errorf("%w: %s", ErrCompatibility, body.Error)
	}

	return body.Compatibility, nil
}

// SimilarityMatrix returns pairwise similarities of every speaker.
func (c *Client) SimilarityMatrix(ctx context.Context) (map[string]map[string]float64, error) {
	var body struct {
		SimilarityMatrix map[string]map[string]float64 `json:"similarity_matrix"`
	}

	err := c.getJSON(ctx, endpointMatrix, &body)
	if err != nil {
		return nil, err
	}

	return body.SimilarityMatrix, nil
}

// Convert uploads audio and returns the converted WAV.
func (c *Client) Convert(ctx context.Context, audio []byte, filename, speaker string) ([]byte, error) {
	form, contentType, err := uploadForm(audio, filename, speaker)
	if err != nil {
		return nil, err
	}

	return c.postAudio(ctx, endpointConvert, contentType, form)
}

// ConvertStream uploads audio through the JSON endpoint and returns the
// decoded audio bytes and their format.
func (c *Client) ConvertStream(ctx context.Context, audio []byte, filename, speaker string) ([]byte, string, error) {
	form, contentType, err := uploadForm(audio, filename, speaker)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.do(ctx, http.MethodPost, endpointConvertStream, contentType, form)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var payload conversion.Payload

	err = json.NewDecoder(resp.Body).Decode(&payload)
	if err != nil {
		return nil, "", fmt.Errorf(errFmtDecode, endpointConvertStream, err)
	}

	data, err := base64.StdEncoding.DecodeString(payload.Audio)
	if err != nil {
		return nil, "", fmt.Errorf(errFmtDecode, endpointConvertStream, err)
	}

	if len(data) == 0 {
		return nil, "", ErrEmptyAudio
	}

	return data, payload.AudioFormat, nil
}

// TextToSpeech synthesizes text and converts it to speaker.
func (c *Client) TextToSpeech(ctx context.Context, text, speaker string) ([]byte, error) {
	form := url.Values{}
	form.Set(fieldText, text)

	if speaker != "" {
		form.Set(fieldSpeaker, speaker)
	}

	return c.postAudio(ctx, endpointTTS, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

// Reload asks the service to reload its model and returns the new generation.
func (c *Client) Reload(ctx context.Context) (uint64, error) {
	resp, err := c.do(ctx, http.MethodPost, endpointReload, "", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var body struct {
		Generation uint64 `json:"generation"`
	}

	err = json.NewDecoder(resp.Body).Decode(&body)
	if err != nil {
		return 0, fmt.Errorf(errFmtDecode, endpointReload, err)
	}

	return body.Generation, nil
}

// Health reports the service status. A degraded service is returned with
// ErrRequest alongside the decoded body.
func (c *Client) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpointHealth, nil)
	if err != nil {
		return Health{}, fmt.Errorf(errFmtCreateRequest, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf(errFmtSendRequest, endpointHealth, err)
	}
	defer resp.Body.Close()

	var health Health

	err = json.NewDecoder(resp.Body).Decode(&health)
	if err != nil {
		return Health{}, fmt.Errorf(errFmtDecode, endpointHealth, err)
	}

	if resp.StatusCode != http.StatusOK {
		return health, fmt.Errorf(errFmtRequest, ErrRequest, http.MethodGet, endpointHealth, resp.StatusCode, health.Error)
	}

	return health, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf(errFmtDecode, path, err)
	}

	return nil
}

func (c *Client) postAudio(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodPost, path, contentType, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf(errFmtReadBody, err)
	}

	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}

	return data, nil
}

// do sends a request and turns any non-2xx answer into ErrRequest carrying
// the service's message.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf(errFmtCreateRequest, err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf(errFmtSendRequest, path, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	defer resp.Body.Close()

	var failure errorBody

	message := http.StatusText(resp.StatusCode)
	if decodeErr := json.NewDecoder(resp.Body).Decode(&failure); decodeErr == nil && failure.Message != "" {
		message = failure.Message
	}

	return nil, fmt.Errorf(errFmtRequest, ErrRequest, method, path, resp.StatusCode, message)
}

func uploadForm(audio []byte, filename, speaker string) (*bytes.Buffer, string, error) {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile(fieldAudioFile, filename)
	if err != nil {
		return nil, "", fmt.Errorf(errFmtBuildForm, err)
	}

	_, err = part.Write(audio)
	if err != nil {
		return nil, "", fmt.Errorf(errFmtBuildForm, err)
	}

	if speaker != "" {
		err = writer.WriteField(fieldSpeaker, speaker)
		if err != nil {
			return nil, "", fmt.Errorf(errFmtBuildForm, err)
		}
	}

	err = writer.Close()
	if err != nil {
		return nil, "", fmt.Errorf(errFmtBuildForm, err)
	}

	return &body, writer.FormDataContentType(), nil
}
