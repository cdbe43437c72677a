package model

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/vc-service/internal/core"
	"github.com/vmihailenco/msgpack/v5"
)

// Model server endpoints.
const (
	apiHealth  = "/health"
	apiDevice  = "/v1/device"
	apiLoad    = "/v1/load"
	apiUnload  = "/v1/unload"
	apiExtract = "/v1/extract"
	apiInfer   = "/v1/infer"
)

// HTTP headers.
const (
	headerContentType  = "Content-Type"
	headerAccept       = "Accept"
	contentTypeMsgpack = "application/msgpack"
)

// Error messages.
const (
	errFmtServerError = "model server %s returned %s: %s"
	errFmtNonOKStatus = "model server %s returned non-OK status %s"
	errFmtEncode      = "failed to encode %s request: %w"
	errFmtDecode      = "failed to decode %s response: %w"
)

// ErrEmptyEmbedding indicates the model server returned no embedding values.
var ErrEmptyEmbedding = errors.New("model server returned an empty embedding")

// RemoteBackend talks to a model server that hosts the network, using
// msgpack request and response bodies.
type RemoteBackend struct {
	httpClient *http.Client
	baseURL    string
}

// wireTensor carries float32 tensors, the native dtype of the model server.
type wireTensor struct {
	Data  []float32 `msgpack:"data"`
	Shape []int     `msgpack:"shape"`
}

type deviceRequest struct {
	Preference string `msgpack:"preference"`
}

type deviceResponse struct {
	Device string `msgpack:"device"`
}

type loadRequest struct {
	CheckpointPath string `msgpack:"checkpoint_path"`
	ConfigPath     string `msgpack:"config_path"`
	Config         string `msgpack:"config"`
	Device         string `msgpack:"device"`
}

type extractRequest struct {
	Samples    []float32 `msgpack:"samples"`
	SampleRate int       `msgpack:"sample_rate"`
}

type extractResponse struct {
	Embedding   wireTensor `msgpack:"embedding"`
	Spectrogram wireTensor `msgpack:"spectrogram"`
}

type inferRequest struct {
	Spectrogram     wireTensor `msgpack:"spectrogram"`
	SourceEmbedding wireTensor `msgpack:"g_src"`
	TargetEmbedding wireTensor `msgpack:"g_tgt"`
}

type inferResponse struct {
	ModelOutputs *wireTensor `msgpack:"model_outputs"`
}

type errorResponse struct {
	Detail string `msgpack:"detail"`
}

// NewRemoteBackend creates a backend for the model server at baseURL.
func NewRemoteBackend(baseURL string, timeout time.Duration) *RemoteBackend {
	return &RemoteBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Probe asks the server which device it would use.
func (c *RemoteBackend) Probe(ctx context.Context, preference core.Device) (core.Device, error) {
	var resp deviceResponse

	err := c.call(ctx, apiDevice, deviceRequest{Preference: string(preference)}, &resp)
	if err != nil {
		return "", err
	}

	if resp.Device == "" {
		return core.DeviceCPU, nil
	}

	return core.Device(resp.Device), nil
}

// Load asks the server to deserialize a checkpoint.
func (c *RemoteBackend) Load(ctx context.Context, req core.LoadRequest) error {
	return c.call(ctx, apiLoad, loadRequest{
		CheckpointPath: req.CheckpointPath,
		ConfigPath:     req.ConfigPath,
		Config:         string(req.Config),
		Device:         string(req.Device),
	}, nil)
}

// Unload asks the server to release the model.
func (c *RemoteBackend) Unload(ctx context.Context) error {
	return c.call(ctx, apiUnload, struct{}{}, nil)
}

// ExtractEmbedding sends a waveform and receives its embedding and spectrogram.
func (c *RemoteBackend) ExtractEmbedding(ctx context.Context, wave core.Waveform) (core.Embedding, core.Tensor, error) {
	var resp extractResponse

	err := c.call(ctx, apiExtract, extractRequest{
		Samples:    toFloat32(wave.Samples),
		SampleRate: wave.SampleRate,
	}, &resp)
	if err != nil {
		return core.Embedding{}, core.Tensor{}, err
	}

	if len(resp.Embedding.Data) == 0 {
		return core.Embedding{}, core.Tensor{}, ErrEmptyEmbedding
	}

	embedding := core.Embedding{Vector: toFloat64(resp.Embedding.Data), Shape: resp.Embedding.Shape}
	spec := core.Tensor{Data: toFloat64(resp.Spectrogram.Data), Shape: resp.Spectrogram.Shape}

	return embedding, spec, nil
}

// Infer runs the conversion network on the server.
func (c *RemoteBackend) Infer(ctx context.Context, spec core.Tensor, aux core.AuxInput) (core.InferenceOutput, error) {
	var resp inferResponse

	err := c.call(ctx, apiInfer, inferRequest{
		Spectrogram:     wireTensor{Data: toFloat32(spec.Data), Shape: spec.Shape},
		SourceEmbedding: wireTensor{Data: toFloat32(aux.SourceEmbedding.Vector), Shape: aux.SourceEmbedding.Shape},
		TargetEmbedding: wireTensor{Data: toFloat32(aux.TargetEmbedding.Vector), Shape: aux.TargetEmbedding.Shape},
	}, &resp)
	if err != nil {
		return core.InferenceOutput{}, err
	}

	if resp.ModelOutputs == nil {
		return core.InferenceOutput{ModelOutputs: nil}, nil
	}

	return core.InferenceOutput{
		ModelOutputs: &core.Tensor{Data: toFloat64(resp.ModelOutputs.Data), Shape: resp.ModelOutputs.Shape},
	}, nil
}

// Health checks that the model server is reachable.
func (c *RemoteBackend) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf(errFmtNonOKStatus, apiHealth, resp.Status)
	}

	return nil
}

func (c *RemoteBackend) call(ctx context.Context, path string, payload, out any) error {
	body, err := msgpack.Marshal(payload)
	if err != nil {
		return fmt.Errorf(errFmtEncode, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}

	req.Header.Set(headerContentType, contentTypeMsgpack)
	req.Header.Set(headerAccept, contentTypeMsgpack)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to model server at %s: %w", c.baseURL, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		var serverErr errorResponse

		unmarshalErr := msgpack.Unmarshal(data, &serverErr)
		if unmarshalErr == nil && serverErr.Detail != "" {
			return fmt.Errorf(errFmtServerError, path, resp.Status, serverErr.Detail)
		}

		return fmt.Errorf(errFmtNonOKStatus, path, resp.Status)
	}

	if out == nil {
		return nil
	}

	err = msgpack.Unmarshal(data, out)
	if err != nil {
		return fmt.Errorf(errFmtDecode, path, err)
	}

	return nil
}

func toFloat32(values []float64) []float32 {
	out := make([]float32, len(values))
	for i, value := range values {
		out[i] = float32(value)
	}

	return out
}

func toFloat64(values []float32) []float64 {
	out := make([]float64, len(values))
	for i, value := range values {
		out[i] = float64(value)
	}

	return out
}
