package embedding_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/audio"
	"github.com/book-expert/vc-service/internal/core"
	"github.com/book-expert/vc-service/internal/embedding"
	"github.com/book-expert/vc-service/internal/model"
	"github.com/book-expert/vc-service/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store       *embedding.Store
	manager     *model.Manager
	backend     *testutil.FakeBackend
	speakersDir string
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "embedding-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func setupStore(t *testing.T, aggregation embedding.Aggregation) *fixture {
	t.Helper()

	log := newTestLogger(t)
	backend := &testutil.FakeBackend{}
	manager := model.NewManager(backend, model.Options{
		Dir:                testutil.WriteModelDir(t),
		CheckpointName:     "model.pth",
		ConfigName:         "config.json",
		Device:             core.DeviceAuto,
		SerializeInference: false,
	}, log)

	speakersDir := t.TempDir()
	decoder := audio.NewDecoder(core.TargetSampleRate, nil, log)
	store := embedding.NewStore(speakersDir, decoder, manager, aggregation, log)
	manager.Subscribe(store.HandleModelEvent)

	return &fixture{store: store, manager: manager, backend: backend, speakersDir: speakersDir}
}

func TestStore_LoadAllAndNames(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)
	testutil.WriteSpeaker(t, fx.speakersDir, "alice", 200)
	testutil.WriteSpeaker(t, fx.speakersDir, "bob", 800)
	require.NoError(t, os.WriteFile(filepath.Join(fx.speakersDir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(fx.speakersDir, ".hidden.wav"), []byte("x"), 0o600))

	require.NoError(t, fx.store.LoadAll(context.Background()))

	assert.Equal(t, []string{"alice", "bob"}, fx.store.Names())
	assert.Equal(t, 2, fx.store.Len())
}

func TestStore_LoadAllFailsOnCorruptFile(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)
	testutil.WriteSpeaker(t, fx.speakersDir, "alice", 200)
	require.NoError(t, os.WriteFile(filepath.Join(fx.speakersDir, "broken.wav"), []byte("not a wav"), 0o600))

	err := fx.store.LoadAll(context.Background())
	require.ErrorIs(t, err, core.ErrDecode)
	assert.Empty(t, fx.store.Names())
}

func TestStore_SimilarityMatrixIsSymmetric(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)
	testutil.WriteSpeaker(t, fx.speakersDir, "alice", 200)
	testutil.WriteSpeaker(t, fx.speakersDir, "bob", 800)
	testutil.WriteSpeaker(t, fx.speakersDir, "carol", 1200)
	require.NoError(t, fx.store.LoadAll(context.Background()))

	matrix := fx.store.SimilarityMatrix()
	require.Len(t, matrix, 3)

	for a, row := range matrix {
		assert.Equal(t, 1.0, row[a], "diagonal for %s", a)

		for b, value := range row {
			assert.Equal(t, value, matrix[b][a], "symmetry for %s/%s", a, b)
		}
	}
}

func TestStore_GetIsIdempotent(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)
	testutil.WriteSpeaker(t, fx.speakersDir, "alice", 200)
	require.NoError(t, fx.store.LoadAll(context.Background()))

	first, err := fx.store.Get(context.Background(), "alice")
	require.NoError(t, err)

	first.Vector[0] = 1000

	second, err := fx.store.Get(context.Background(), "alice")
	require.NoError(t, err)

	assert.NotEqual(t, first.Vector[0], second.Vector[0])
	assert.Equal(t, 1, fx.backend.Extractions())
}

func TestStore_LazyLoadAppearsInNames(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)
	testutil.WriteSpeaker(t, fx.speakersDir, "alice", 200)
	require.NoError(t, fx.store.LoadAll(context.Background()))

	testutil.WriteSpeaker(t, fx.speakersDir, "dave", 500)
	assert.NotContains(t, fx.store.Names(), "dave")

	_, err := fx.store.Get(context.Background(), "dave")
	require.NoError(t, err)

	assert.Contains(t, fx.store.Names(), "dave")
}

func TestStore_ConcurrentMissesShareOneLoad(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)
	testutil.WriteSpeaker(t, fx.speakersDir, "erin", 300)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := fx.store.Get(context.Background(), "erin")
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, fx.backend.Extractions())
	assert.Equal(t, 1, fx.backend.Loads())
	assert.Equal(t, []string{"erin"}, fx.store.Names())
}

func TestStore_UnknownSpeaker(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)

	for _, name := range []string{"ghost", "../etc/passwd", "", ".", "a/b"} {
		_, err := fx.store.Get(context.Background(), name)
		require.ErrorIs(t, err, core.ErrSpeakerNotFound, "name %q", name)
	}
}

func TestStore_CompatibilityUnknownSpeaker(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)
	testutil.WriteSpeaker(t, fx.speakersDir, "alice", 200)
	require.NoError(t, fx.store.LoadAll(context.Background()))

	_, err := fx.store.Compatibility("alice", "zed")
	require.ErrorIs(t, err, core.ErrSpeakerNotCached)
	assert.Contains(t, err.Error(), "zed")

	_, err = fx.store.Compatibility("yan", "alice")
	require.ErrorIs(t, err, core.ErrSpeakerNotCached)
	assert.Contains(t, err.Error(), "yan")
}

func TestStore_CompatibilityTiers(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)
	testutil.WriteSpeaker(t, fx.speakersDir, "alice", 200)
	testutil.WriteSpeaker(t, fx.speakersDir, "alice_twin", 200)
	testutil.WriteSpeaker(t, fx.speakersDir, "bob", 800)
	require.NoError(t, fx.store.LoadAll(context.Background()))

	distinct, err := fx.store.Compatibility("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, embedding.QualityGood, distinct.Quality)
	assert.Equal(t, "alice", distinct.Speaker1)
	assert.Equal(t, "bob", distinct.Speaker2)

	twins, err := fx.store.Compatibility("alice", "alice_twin")
	require.NoError(t, err)
	assert.Equal(t, embedding.QualityCritical, twins.Quality)
	assert.NotEmpty(t, twins.Recommendation)
}

func TestStore_DirectoryOfClipsIsAggregated(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)
	clipDir := filepath.Join(fx.speakersDir, "frank")
	require.NoError(t, os.Mkdir(clipDir, 0o755))
	testutil.WriteSpeaker(t, clipDir, "clip1", 200)
	testutil.WriteSpeaker(t, clipDir, "clip2", 800)
	require.NoError(t, os.Mkdir(filepath.Join(fx.speakersDir, "empty"), 0o755))

	require.NoError(t, fx.store.LoadAll(context.Background()))

	assert.Equal(t, []string{"frank"}, fx.store.Names())
	assert.Equal(t, 2, fx.backend.Extractions())
}

func TestStore_ReloadRecomputesCachedSpeakers(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)
	testutil.WriteSpeaker(t, fx.speakersDir, "alice", 200)
	testutil.WriteSpeaker(t, fx.speakersDir, "bob", 800)
	require.NoError(t, fx.store.LoadAll(context.Background()))

	before := fx.backend.Extractions()

	_, err := fx.manager.Reload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, before+2, fx.backend.Extractions())
	assert.Equal(t, []string{"alice", "bob"}, fx.store.Names())

	require.NoError(t, fx.manager.Unload(context.Background()))
	assert.Empty(t, fx.store.Names())
}

func TestStore_LoadAfterUnloadRescansDirectory(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)
	testutil.WriteSpeaker(t, fx.speakersDir, "alice", 200)
	testutil.WriteSpeaker(t, fx.speakersDir, "bob", 800)
	require.NoError(t, fx.store.LoadAll(context.Background()))

	require.NoError(t, fx.manager.Unload(context.Background()))
	require.Empty(t, fx.store.Names())

	testutil.WriteSpeaker(t, fx.speakersDir, "carol", 1200)

	_, err := fx.manager.EnsureLoaded(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob", "carol"}, fx.store.Names())
	assert.Equal(t, fx.manager.Status().Generation, fx.store.Generation())

	result, err := fx.store.Compatibility("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, embedding.QualityGood, result.Quality)
}

func TestStore_FirstLoadDoesNotScanTwice(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)
	testutil.WriteSpeaker(t, fx.speakersDir, "alice", 200)
	testutil.WriteSpeaker(t, fx.speakersDir, "bob", 800)

	require.NoError(t, fx.store.LoadAll(context.Background()))

	assert.Equal(t, 1, fx.backend.Loads())
	assert.Equal(t, 2, fx.backend.Extractions())
}

func TestStore_LoadAllConcurrentWithReloadKeepsNewestGeneration(t *testing.T) {
	t.Parallel()

	fx := setupStore(t, embedding.AggregateMean)
	testutil.WriteSpeaker(t, fx.speakersDir, "alice", 200)
	testutil.WriteSpeaker(t, fx.speakersDir, "bob", 800)
	testutil.WriteSpeaker(t, fx.speakersDir, "carol", 1200)
	require.NoError(t, fx.store.LoadAll(context.Background()))

	for range 10 {
		var wg sync.WaitGroup

		wg.Add(2)

		go func() {
			defer wg.Done()

			assert.NoError(t, fx.store.LoadAll(context.Background()))
		}()

		go func() {
			defer wg.Done()

			_, err := fx.manager.Reload(context.Background())
			assert.NoError(t, err)
		}()

		wg.Wait()

		require.Equal(t, fx.manager.Status().Generation, fx.store.Generation())
		require.Equal(t, []string{"alice", "bob", "carol"}, fx.store.Names())
	}
}
