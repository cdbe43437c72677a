package conversion

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/book-expert/vc-service/internal/audio"
)

// Payload is the JSON body returned by the streaming conversion endpoint.
type Payload struct {
	Status      string `json:"status"`
	Audio       string `json:"audio"`
	AudioFormat string `json:"audio_format"`
}

// ErrUnsupportedPayload indicates a value EncodePayload cannot turn into bytes.
var ErrUnsupportedPayload = errors.New("unsupported audio payload")

// EncodePayload base64-encodes audio held in any of the shapes the pipeline
// produces. Float sample slices become little-endian 16-bit PCM.
func EncodePayload(value any, format string) (Payload, error) {
	raw, err := payloadBytes(value)
	if err != nil {
		return Payload{}, err
	}

	return Payload{
		Status:      "success",
		Audio:       base64.StdEncoding.EncodeToString(raw),
		AudioFormat: format,
	}, nil
}

func payloadBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case *bytes.Buffer:
		return v.Bytes(), nil
	case io.Reader:
		data, err := io.ReadAll(v)
		if err != nil {
			return nil, fmt.Errorf("failed to read audio payload: %w", err)
		}

		return data, nil
	case []float64:
		return pcm16(audio.ToPCM16(v)), nil
	case []float32:
		samples := make([]float64, len(v))
		for i, s := range v {
			samples[i] = float64(s)
		}

		return pcm16(audio.ToPCM16(samples)), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPayload, value)
	}
}

func pcm16(samples []int) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		s = max(math.MinInt16, min(math.MaxInt16, s))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}

	return out
}
