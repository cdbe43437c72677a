package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/book-expert/logger"
)

// FFmpeg transcodes audio by running an external ffmpeg binary over scratch
// files.
type FFmpeg struct {
	binary     string
	sampleRate int
	tempDir    string
	log        *logger.Logger
}

// NewFFmpeg creates a transcoder that writes mono WAV at sampleRate.
func NewFFmpeg(binary string, sampleRate int, tempDir string, log *logger.Logger) *FFmpeg {
	return &FFmpeg{
		binary:     binary,
		sampleRate: sampleRate,
		tempDir:    tempDir,
		log:        log,
	}
}

// ToWAV converts data to mono 16-bit WAV.
func (f *FFmpeg) ToWAV(ctx context.Context, data []byte) ([]byte, error) {
	scratch, err := NewScratch(f.tempDir)
	if err != nil {
		return nil, err
	}

	defer func() {
		closeErr := scratch.Close()
		if closeErr != nil {
			f.log.Warn("Failed to clean transcoder scratch: %v", closeErr)
		}
	}()

	input, err := scratch.WriteFile(data, ".in")
	if err != nil {
		return nil, err
	}

	output := scratch.Path(".wav")

	var stderr bytes.Buffer

	// #nosec G204 -- binary comes from service configuration.
	cmd := exec.CommandContext(ctx, f.binary,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", input,
		"-ac", "1",
		"-ar", strconv.Itoa(f.sampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		output,
	)
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, stderr.String())
	}

	wavData, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("failed to read ffmpeg output: %w", err)
	}

	return wavData, nil
}
