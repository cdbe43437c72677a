package control_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/control"
	"github.com/book-expert/vc-service/internal/core"
	"github.com/book-expert/vc-service/internal/model"
	"github.com/book-expert/vc-service/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

var channels = control.Channels{
	Load:   "load_model_channel",
	Unload: "unload_model_channel",
	Reload: "reload_all_models_channel",
}

type speakerLoader struct {
	calls chan struct{}
}

func (s *speakerLoader) LoadAll(context.Context) error {
	s.calls <- struct{}{}

	return nil
}

type fixture struct {
	redis    *miniredis.Miniredis
	client   *redis.Client
	backend  *testutil.FakeBackend
	manager  *model.Manager
	speakers *speakerLoader
	listener *control.Listener
}

func setup(t *testing.T) *fixture {
	t.Helper()

	log, err := logger.New(t.TempDir(), "control-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() { _ = client.Close() })

	backend := &testutil.FakeBackend{}
	manager := model.NewManager(backend, model.Options{
		Dir:                testutil.WriteModelDir(t),
		CheckpointName:     "model.pth",
		ConfigName:         "config.json",
		Device:             core.DeviceAuto,
		SerializeInference: false,
	}, log)
	speakers := &speakerLoader{calls: make(chan struct{}, 4)}

	return &fixture{
		redis:    mr,
		client:   client,
		backend:  backend,
		manager:  manager,
		speakers: speakers,
		listener: control.NewListener(client, channels, manager, speakers, log),
	}
}

func (fx *fixture) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- fx.listener.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	require.Eventually(t, func() bool {
		return fx.redis.PubSubNumSub(channels.Reload)[channels.Reload] == 1
	}, waitFor, tick)
}

func TestListener_LoadReloadUnload(t *testing.T) {
	t.Parallel()

	fx := setup(t)
	fx.start(t)

	ctx := context.Background()

	receivers, err := control.Publish(ctx, fx.client, channels.Load)
	require.NoError(t, err)
	assert.Equal(t, int64(1), receivers)

	require.Eventually(t, func() bool { return fx.manager.Status().Loaded }, waitFor, tick)
	assert.Equal(t, 1, fx.backend.Loads())

	_, err = control.Publish(ctx, fx.client, channels.Reload)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fx.manager.Status().Generation == 2 }, waitFor, tick)

	select {
	case <-fx.speakers.calls:
	case <-time.After(waitFor):
		t.Fatal("reload did not rescan speakers")
	}

	_, err = control.Publish(ctx, fx.client, channels.Unload)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !fx.manager.Status().Loaded }, waitFor, tick)
}

func TestListener_HandleUnknownChannel(t *testing.T) {
	t.Parallel()

	fx := setup(t)

	require.NoError(t, fx.listener.Handle(context.Background(), "something_else"))
	assert.Zero(t, fx.backend.Loads())
}

func TestListener_LoadFailureIsReported(t *testing.T) {
	t.Parallel()

	fx := setup(t)
	fx.backend.FailLoad = true

	err := fx.listener.Handle(context.Background(), channels.Load)
	require.ErrorIs(t, err, core.ErrModelLoad)
}

func TestListener_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	fx := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- fx.listener.Run(ctx) }()

	require.Eventually(t, func() bool {
		return fx.redis.PubSubNumSub(channels.Load)[channels.Load] == 1
	}, waitFor, tick)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("listener did not stop")
	}
}
