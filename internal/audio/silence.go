package audio

import (
	"math"
	"time"

	"github.com/book-expert/vc-service/internal/core"
	"gonum.org/v1/gonum/floats"
)

// Analysis window used to measure loudness.
const (
	FrameLength = 2048
	HopLength   = 512
)

const minAmplitude = 1e-10

// SilenceOptions configures a Shaper.
type SilenceOptions struct {
	// TrimTopDB is the threshold below peak for leading and trailing silence.
	TrimTopDB float64
	// SplitTopDB is the threshold below peak for internal silence.
	SplitTopDB float64
	// MaxSilence caps every internal pause.
	MaxSilence time.Duration
	// Pad is the silence added at both ends.
	Pad time.Duration
}

// Shaper tightens pauses in converted speech.
type Shaper struct {
	opts SilenceOptions
}

// NewShaper creates a Shaper.
func NewShaper(opts SilenceOptions) *Shaper {
	return &Shaper{opts: opts}
}

type interval struct {
	start int
	end   int
}

// Process caps internal silences, trims the edges and pads both ends.
func (s *Shaper) Process(wave core.Waveform) core.Waveform {
	rate := wave.SampleRate
	maxGap := durationToSamples(s.opts.MaxSilence, rate)
	pad := durationToSamples(s.opts.Pad, rate)

	shaped := capSilences(wave.Samples, s.opts.SplitTopDB, maxGap)
	shaped = trim(shaped, s.opts.TrimTopDB)

	out := make([]float64, 0, len(shaped)+2*pad)
	out = append(out, make([]float64, pad)...)
	out = append(out, shaped...)
	out = append(out, make([]float64, pad)...)

	return core.Waveform{Samples: out, SampleRate: rate, RateMismatch: wave.RateMismatch}
}

// capSilences keeps every non-silent interval and at most maxGap samples of
// each pause between them.
func capSilences(samples []float64, topDB float64, maxGap int) []float64 {
	intervals := nonSilentIntervals(samples, topDB)
	if len(intervals) == 0 {
		return nil
	}

	out := make([]float64, 0, len(samples))
	out = append(out, samples[intervals[0].start:intervals[0].end]...)

	for i := 1; i < len(intervals); i++ {
		prev := intervals[i-1]
		next := intervals[i]

		gap := min(next.start-prev.end, maxGap)
		out = append(out, samples[prev.end:prev.end+gap]...)
		out = append(out, samples[next.start:next.end]...)
	}

	return out
}

// trim drops leading and trailing frames quieter than topDB below peak.
func trim(samples []float64, topDB float64) []float64 {
	intervals := nonSilentIntervals(samples, topDB)
	if len(intervals) == 0 {
		return nil
	}

	return samples[intervals[0].start:intervals[len(intervals)-1].end]
}

// nonSilentIntervals returns sample ranges whose frame loudness is within
// topDB of the loudest frame.
func nonSilentIntervals(samples []float64, topDB float64) []interval {
	if len(samples) == 0 {
		return nil
	}

	rms := frameRMS(samples)

	peak := floats.Max(rms)
	if peak <= minAmplitude {
		return nil
	}

	refDB := amplitudeToDB(peak)

	var (
		intervals []interval
		open      = -1
	)

	for frame, value := range rms {
		loud := amplitudeToDB(value)-refDB > -topDB

		switch {
		case loud && open < 0:
			open = frame
		case !loud && open >= 0:
			intervals = append(intervals, framesToInterval(open, frame, len(samples)))
			open = -1
		}
	}

	if open >= 0 {
		intervals = append(intervals, framesToInterval(open, len(rms), len(samples)))
	}

	return intervals
}

func framesToInterval(startFrame, endFrame, total int) interval {
	return interval{
		start: min(startFrame*HopLength, total),
		end:   min(endFrame*HopLength, total),
	}
}

// frameRMS computes centred, zero-padded frame energies.
func frameRMS(samples []float64) []float64 {
	frames := 1 + len(samples)/HopLength
	rms := make([]float64, frames)
	half := FrameLength / 2

	for frame := range frames {
		center := frame * HopLength
		lo := max(center-half, 0)
		hi := min(center+half, len(samples))

		sum := 0.0
		for _, sample := range samples[lo:hi] {
			sum += sample * sample
		}

		rms[frame] = math.Sqrt(sum / FrameLength)
	}

	return rms
}

func amplitudeToDB(value float64) float64 {
	return 20 * math.Log10(math.Max(value, minAmplitude))
}

func durationToSamples(d time.Duration, rate int) int {
	if d <= 0 || rate <= 0 {
		return 0
	}

	return int(d.Seconds() * float64(rate))
}
