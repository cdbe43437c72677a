package audio

import (
	"errors"
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// ErrInvalidRate indicates a non-positive sample rate.
var ErrInvalidRate = errors.New("sample rate must be positive")

// flushDivisor sizes the trailing zero block (1/flushDivisor of a second at
// the input rate) that pushes filter latency out of the resampler.
const flushDivisor = 10

// Resample converts mono samples from one rate to another.
func Resample(samples []float64, from, to int) ([]float64, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d", ErrInvalidRate, from, to)
	}

	if from == to || len(samples) == 0 {
		return samples, nil
	}

	resampler, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf(errFmtResample, from, to, err)
	}

	input := make([]float64, len(samples)+from/flushDivisor)
	copy(input, samples)

	output, err := resampler.Process(input)
	if err != nil {
		return nil, fmt.Errorf(errFmtResample, from, to, err)
	}

	want := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	if len(output) > want {
		output = output[:want]
	}

	if len(output) == 0 {
		return nil, fmt.Errorf(errFmtResample, from, to, errors.New("resampler produced no samples"))
	}

	return output, nil
}
