package audio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/book-expert/vc-service/internal/core"
	"github.com/google/uuid"
)

// Scratch is a per-request temporary directory. Close removes it and every
// file created through it.
type Scratch struct {
	dir string
}

// NewScratch creates a fresh directory under base.
func NewScratch(base string) (*Scratch, error) {
	dir, err := os.MkdirTemp(base, "vc-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory in %s: %w", base, err)
	}

	return &Scratch{dir: dir}, nil
}

// Dir returns the scratch directory path.
func (s *Scratch) Dir() string {
	return s.dir
}

// Path returns a new unique file path with the given extension.
func (s *Scratch) Path(ext string) string {
	return filepath.Join(s.dir, uuid.NewString()+ext)
}

// WriteFile stores data in a new scratch file and returns its path.
func (s *Scratch) WriteFile(data []byte, ext string) (string, error) {
	path := s.Path(ext)

	err := os.WriteFile(path, data, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to write scratch file %s: %w", path, err)
	}

	return path, nil
}

// EncodeWAV renders wave to a scratch WAV file and returns the file bytes.
func (s *Scratch) EncodeWAV(wave core.Waveform) ([]byte, error) {
	path := s.Path(".wav")

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	writeErr := WriteWAV(file, wave)
	closeErr := file.Close()

	if writeErr != nil {
		return nil, writeErr
	}

	if closeErr != nil {
		return nil, fmt.Errorf("failed to close %s: %w", path, closeErr)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read back %s: %w", path, err)
	}

	return data, nil
}

// Close removes the scratch directory.
func (s *Scratch) Close() error {
	err := os.RemoveAll(s.dir)
	if err != nil {
		return fmt.Errorf("failed to remove scratch directory %s: %w", s.dir, err)
	}

	return nil
}
