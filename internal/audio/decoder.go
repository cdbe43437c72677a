package audio

import (
	"bytes"
	"context"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/core"
	"github.com/go-audio/wav"
)

const (
	errFmtDecode   = "%w: %s"
	errFmtResample = "failed to resample %d Hz to %d Hz: %w"
)

// Transcoder converts an arbitrary container into mono WAV at a fixed rate.
type Transcoder interface {
	ToWAV(ctx context.Context, data []byte) ([]byte, error)
}

// ResampleFunc converts mono samples between two rates.
type ResampleFunc func(samples []float64, from, to int) ([]float64, error)

// Decoder turns uploaded bytes into a mono waveform at the target rate.
type Decoder struct {
	targetRate int
	transcoder Transcoder
	resample   ResampleFunc
	log        *logger.Logger
}

// NewDecoder creates a Decoder. transcoder may be nil, in which case only
// WAV input is accepted.
func NewDecoder(targetRate int, transcoder Transcoder, log *logger.Logger) *Decoder {
	return &Decoder{
		targetRate: targetRate,
		transcoder: transcoder,
		resample:   Resample,
		log:        log,
	}
}

// WithResampler replaces the resampler used by Decode and returns d.
func (d *Decoder) WithResampler(resample ResampleFunc) *Decoder {
	d.resample = resample

	return d
}

// Decode parses data, downmixes it to mono and resamples it to the target
// rate. When resampling fails the native rate is kept and the result is
// flagged with RateMismatch.
func (d *Decoder) Decode(ctx context.Context, data []byte) (core.Waveform, error) {
	if len(data) == 0 {
		return core.Waveform{}, core.ErrEmptyAudio
	}

	format := DetectFormat(data)
	if format != FormatWAV {
		if d.transcoder == nil {
			return core.Waveform{}, fmt.Errorf(errFmtDecode, core.ErrDecode, "unsupported format "+string(format))
		}

		d.log.Info("Transcoding %s input (%d bytes) to WAV", format, len(data))

		transcoded, err := d.transcoder.ToWAV(ctx, data)
		if err != nil {
			return core.Waveform{}, fmt.Errorf("%w: %w", core.ErrDecode, err)
		}

		data = transcoded
	}

	samples, rate, err := decodeWAV(data)
	if err != nil {
		return core.Waveform{}, err
	}

	if len(samples) == 0 {
		return core.Waveform{}, core.ErrEmptyAudio
	}

	if rate == d.targetRate {
		return core.Waveform{Samples: samples, SampleRate: rate, RateMismatch: false}, nil
	}

	resampled, err := d.resample(samples, rate, d.targetRate)
	if err != nil {
		d.log.Warn("Resampling to %d Hz failed, keeping native %d Hz: %v", d.targetRate, rate, err)

		return core.Waveform{Samples: samples, SampleRate: rate, RateMismatch: true}, nil
	}

	return core.Waveform{Samples: resampled, SampleRate: d.targetRate, RateMismatch: false}, nil
}

// decodeWAV returns mono samples in [-1, 1] and the native sample rate.
func decodeWAV(data []byte) ([]float64, int, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return nil, 0, fmt.Errorf(errFmtDecode, core.ErrDecode, "invalid WAV header")
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", core.ErrDecode, err)
	}

	channels := int(decoder.NumChans)
	if channels < 1 {
		return nil, 0, fmt.Errorf(errFmtDecode, core.ErrDecode, "zero channels")
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth < 8 || bitDepth > 32 {
		return nil, 0, fmt.Errorf(errFmtDecode, core.ErrDecode, fmt.Sprintf("unsupported bit depth %d", bitDepth))
	}

	return downmix(buf.Data, channels, bitDepth), int(decoder.SampleRate), nil
}

// downmix averages interleaved integer PCM into normalised mono samples.
func downmix(data []int, channels, bitDepth int) []float64 {
	scale := float64(int64(1) << (bitDepth - 1))
	offset := 0.0

	// 8-bit WAV is unsigned.
	if bitDepth == 8 {
		offset = scale
	}

	frames := len(data) / channels
	mono := make([]float64, frames)

	for frame := range frames {
		sum := 0.0
		for channel := range channels {
			sum += (float64(data[frame*channels+channel]) - offset) / scale
		}

		mono[frame] = sum / float64(channels)
	}

	return mono
}
