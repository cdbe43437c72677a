// Package embedding caches per-speaker embeddings and answers similarity and
// compatibility queries over them.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/core"
	"github.com/book-expert/vc-service/internal/model"
	"golang.org/x/sync/singleflight"
)

const (
	speakerExt            = ".wav"
	errFmtSpeakerNotFound = "%w: %s"
	errFmtLoadSpeaker     = "failed to load speaker %q: %w"
)

// Decoder turns reference audio bytes into a waveform.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (core.Waveform, error)
}

// ModelSource yields the loaded model, loading it on first use. A lease pins
// one model generation until it is released.
type ModelSource interface {
	Current(ctx context.Context) (core.VoiceModel, error)
	Acquire(ctx context.Context) (*model.Lease, error)
}

// Store maps speaker names to embeddings. Reference audio lives in dir as
// <name>.wav or as a <name>/ directory of .wav clips.
type Store struct {
	dir         string
	decoder     Decoder
	models      ModelSource
	aggregation Aggregation
	log         *logger.Logger
	group       singleflight.Group

	mu       sync.RWMutex
	speakers map[string]core.Embedding
	// generation is the model generation the cached embeddings came from;
	// zero while the cache is empty.
	generation uint64
	// catalogued is set once LoadAll has scanned the directory; a model
	// loaded into an empty cache after that rescans the directory.
	catalogued bool
}

// NewStore creates an empty Store.
func NewStore(dir string, decoder Decoder, models ModelSource, aggregation Aggregation, log *logger.Logger) *Store {
	return &Store{
		dir:         dir,
		decoder:     decoder,
		models:      models,
		aggregation: aggregation,
		log:         log,
		speakers:    make(map[string]core.Embedding),
	}
}

// LoadAll computes an embedding for every speaker in the directory and
// replaces the cache. Any failure aborts without touching the cache. The scan
// holds a model lease, so a concurrent reload waits for it and then
// recomputes the new catalog.
func (s *Store) LoadAll(ctx context.Context) error {
	start := time.Now()

	lease, err := s.models.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain model for speaker embeddings: %w", err)
	}
	defer lease.Release()

	voiceModel := lease.Model()

	names, err := s.discover()
	if err != nil {
		return err
	}

	speakers := make(map[string]core.Embedding, len(names))

	for _, name := range names {
		embedding, computeErr := s.compute(ctx, voiceModel, name)
		if computeErr != nil {
			return fmt.Errorf(errFmtLoadSpeaker, name, computeErr)
		}

		speakers[name] = embedding
	}

	s.mu.Lock()
	s.speakers = speakers
	s.generation = voiceModel.Generation()
	s.catalogued = true
	s.mu.Unlock()

	s.log.Info("Loaded %d speaker embeddings from %s in %s", len(speakers), s.dir, time.Since(start))

	return nil
}

// Get returns the embedding for name, loading it from disk on a cache miss.
// Concurrent misses for the same name share one load.
func (s *Store) Get(ctx context.Context, name string) (core.Embedding, error) {
	if embedding, ok := s.cached(name); ok {
		return embedding.Clone(), nil
	}

	if !validName(name) {
		return core.Embedding{}, fmt.Errorf(errFmtSpeakerNotFound, core.ErrSpeakerNotFound, name)
	}

	value, err, _ := s.group.Do(name, func() (any, error) {
		if embedding, ok := s.cached(name); ok {
			return embedding, nil
		}

		return s.loadOne(ctx, name)
	})
	if err != nil {
		return core.Embedding{}, err
	}

	embedding, _ := value.(core.Embedding)

	return embedding.Clone(), nil
}

// Generation returns the model generation of the cached embeddings, or zero
// while the cache is empty.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.generation
}

// Names returns the cached speaker names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Sorted(maps.Keys(s.speakers))
}

// Len returns the number of cached speakers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.speakers)
}

// SimilarityMatrix returns the cosine similarity of every cached pair. The
// diagonal is exactly 1 and each off-diagonal value is computed once.
func (s *Store) SimilarityMatrix() map[string]map[string]float64 {
	s.mu.RLock()
	speakers := maps.Clone(s.speakers)
	s.mu.RUnlock()

	names := slices.Sorted(maps.Keys(speakers))
	matrix := make(map[string]map[string]float64, len(names))

	for _, name := range names {
		matrix[name] = make(map[string]float64, len(names))
		matrix[name][name] = 1.0
	}

	for i, first := range names {
		for _, second := range names[i+1:] {
			similarity := CosineSimilarity(speakers[first], speakers[second])
			matrix[first][second] = similarity
			matrix[second][first] = similarity
		}
	}

	return matrix
}

// Compatibility rates how well speaker1 audio can be converted to speaker2.
// Both speakers must already be cached.
func (s *Store) Compatibility(speaker1, speaker2 string) (Compatibility, error) {
	first, ok := s.cached(speaker1)
	if !ok {
		return Compatibility{}, fmt.Errorf("%w for %s", core.ErrSpeakerNotCached, speaker1)
	}

	second, ok := s.cached(speaker2)
	if !ok {
		return Compatibility{}, fmt.Errorf("%w for %s", core.ErrSpeakerNotCached, speaker2)
	}

	similarity := CosineSimilarity(first, second)
	quality, recommendation := Classify(similarity)

	return Compatibility{
		Similarity:     similarity,
		Quality:        quality,
		Recommendation: recommendation,
		Speaker1:       speaker1,
		Speaker2:       speaker2,
	}, nil
}

// HandleModelEvent keeps the cache consistent with the model: a new model
// recomputes every cached speaker, an unload empties the cache.
func (s *Store) HandleModelEvent(ctx context.Context, event model.Event) error {
	switch event.Kind {
	case model.EventLoaded, model.EventReplaced:
		return s.rebuild(ctx, event.Model)
	case model.EventUnloaded:
		s.mu.Lock()
		s.speakers = make(map[string]core.Embedding)
		s.generation = 0
		s.mu.Unlock()

		return nil
	default:
		return nil
	}
}

func (s *Store) rebuild(ctx context.Context, voiceModel core.VoiceModel) error {
	names, err := s.rebuildNames()
	if err != nil {
		return err
	}

	speakers := make(map[string]core.Embedding, len(names))

	var errs []error

	for _, name := range names {
		embedding, computeErr := s.compute(ctx, voiceModel, name)
		if computeErr != nil {
			s.log.Warn("Dropping speaker %s after model change: %v", name, computeErr)
			errs = append(errs, fmt.Errorf(errFmtLoadSpeaker, name, computeErr))

			continue
		}

		speakers[name] = embedding
	}

	s.mu.Lock()
	s.speakers = speakers
	s.generation = voiceModel.Generation()
	s.mu.Unlock()

	s.log.Info("Recomputed %d speaker embeddings for model generation %d", len(speakers), voiceModel.Generation())

	return errors.Join(errs...)
}

// rebuildNames returns the cached names, or the directory listing when an
// unload emptied a catalogued cache.
func (s *Store) rebuildNames() ([]string, error) {
	s.mu.RLock()
	catalogued := s.catalogued
	s.mu.RUnlock()

	names := s.Names()
	if len(names) > 0 || !catalogued {
		return names, nil
	}

	return s.discover()
}

func (s *Store) loadOne(ctx context.Context, name string) (core.Embedding, error) {
	voiceModel, err := s.models.Current(ctx)
	if err != nil {
		return core.Embedding{}, err
	}

	embedding, err := s.compute(ctx, voiceModel, name)
	if err != nil {
		return core.Embedding{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation == 0 {
		s.generation = voiceModel.Generation()
	}

	if s.generation != voiceModel.Generation() {
		s.log.Warn("Not caching speaker %s: computed with model generation %d, cache holds %d",
			name, voiceModel.Generation(), s.generation)

		return embedding, nil
	}

	s.speakers[name] = embedding
	s.log.Info("Lazily loaded speaker %s", name)

	return embedding, nil
}

func (s *Store) compute(ctx context.Context, voiceModel core.VoiceModel, name string) (core.Embedding, error) {
	paths, err := s.sources(name)
	if err != nil {
		return core.Embedding{}, err
	}

	clips := make([]core.Embedding, 0, len(paths))

	for _, path := range paths {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return core.Embedding{}, fmt.Errorf("failed to read %s: %w", path, readErr)
		}

		wave, decodeErr := s.decoder.Decode(ctx, data)
		if decodeErr != nil {
			return core.Embedding{}, fmt.Errorf("failed to decode %s: %w", path, decodeErr)
		}

		embedding, _, extractErr := voiceModel.ExtractEmbedding(ctx, wave)
		if extractErr != nil {
			return core.Embedding{}, fmt.Errorf("failed to extract embedding from %s: %w", path, extractErr)
		}

		clips = append(clips, embedding)
	}

	return s.aggregation.Combine(clips)
}

// sources lists the reference clips for name.
func (s *Store) sources(name string) ([]string, error) {
	file := filepath.Join(s.dir, name+speakerExt)

	info, err := os.Stat(file)
	if err == nil && info.Mode().IsRegular() {
		return []string{file}, nil
	}

	clipDir := filepath.Join(s.dir, name)

	entries, err := os.ReadDir(clipDir)
	if err != nil {
		return nil, fmt.Errorf(errFmtSpeakerNotFound, core.ErrSpeakerNotFound, name)
	}

	var paths []string

	for _, entry := range entries {
		if entry.Type().IsRegular() && isClip(entry.Name()) {
			paths = append(paths, filepath.Join(clipDir, entry.Name()))
		}
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf(errFmtSpeakerNotFound, core.ErrSpeakerNotFound, name)
	}

	slices.Sort(paths)

	return paths, nil
}

// discover lists speaker names present in the directory.
func (s *Store) discover() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read speakers directory %s: %w", s.dir, err)
	}

	seen := make(map[string]struct{}, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		switch {
		case entry.IsDir():
			seen[name] = struct{}{}
		case isClip(name):
			seen[strings.TrimSuffix(name, filepath.Ext(name))] = struct{}{}
		}
	}

	names := slices.Sorted(maps.Keys(seen))

	// A directory without clips is not a speaker.
	return slices.DeleteFunc(names, func(name string) bool {
		_, sourceErr := s.sources(name)

		return sourceErr != nil
	}), nil
}

func (s *Store) cached(name string) (core.Embedding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	embedding, ok := s.speakers[name]

	return embedding, ok
}

func isClip(name string) bool {
	return !strings.HasPrefix(name, ".") && filepath.Ext(name) == speakerExt
}

// validName rejects names that could escape the speakers directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}

	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}
