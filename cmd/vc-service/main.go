// main package for the vc-service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/api"
	"github.com/book-expert/vc-service/internal/audio"
	"github.com/book-expert/vc-service/internal/config"
	"github.com/book-expert/vc-service/internal/control"
	"github.com/book-expert/vc-service/internal/conversion"
	"github.com/book-expert/vc-service/internal/core"
	"github.com/book-expert/vc-service/internal/embedding"
	"github.com/book-expert/vc-service/internal/metrics"
	"github.com/book-expert/vc-service/internal/model"
	"github.com/book-expert/vc-service/internal/objectstore"
	"github.com/book-expert/vc-service/internal/tts"
	"github.com/book-expert/vc-service/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	bootstrapLogFile  = "vc-service-bootstrap.log"
	serviceLogFile    = "vc-service.log"
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() {
		closeErr := bootstrapLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing bootstrap logger: %v\n", closeErr)
		}
	}()

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 3. Initialize the final logger based on the loaded configuration
	log, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

// serve wires every component and blocks until ctx is cancelled or a
// subsystem fails.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	registry := metrics.New()

	manager := model.NewManager(
		model.NewRemoteBackend(cfg.Model.ServerURL, cfg.Model.Timeout()),
		model.Options{
			Dir:                cfg.Paths.ModelsDir,
			CheckpointName:     cfg.Model.CheckpointName,
			ConfigName:         cfg.Model.ConfigName,
			Device:             core.Device(cfg.Model.Device),
			SerializeInference: cfg.Model.SerializeInference,
		},
		log,
	)

	var transcoder audio.Transcoder
	if cfg.Audio.FFmpegPath != "" {
		transcoder = audio.NewFFmpeg(cfg.Audio.FFmpegPath, cfg.Audio.SampleRate, cfg.Paths.TempDir, log)
	}

	decoder := audio.NewDecoder(cfg.Audio.SampleRate, transcoder, log)

	aggregation, err := embedding.ParseAggregation(cfg.Embeddings.Aggregation)
	if err != nil {
		return fmt.Errorf("invalid embedding aggregation: %w", err)
	}

	store := embedding.NewStore(cfg.Paths.SpeakersDir, decoder, manager, aggregation, log)
	manager.Subscribe(store.HandleModelEvent)
	manager.Subscribe(registry.HandleModelEvent)

	// LoadAll loads the model on first use.
	err = store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load speaker embeddings: %w", err)
	}

	log.Info("Loaded %d speakers from %s", store.Len(), cfg.Paths.SpeakersDir)

	opts := conversion.Options{
		OutputSampleRate: cfg.Audio.SampleRate,
		TempDir:          cfg.Paths.TempDir,
		PostProcessor:    nil,
		Recorder:         registry,
	}

	if !cfg.Audio.Silence.Skip {
		opts.PostProcessor = audio.NewShaper(audio.SilenceOptions{
			TrimTopDB:  cfg.Audio.Silence.TrimTopDB,
			SplitTopDB: cfg.Audio.Silence.SplitTopDB,
			MaxSilence: time.Duration(cfg.Audio.Silence.MaxSilenceMS) * time.Millisecond,
			Pad:        time.Duration(cfg.Audio.Silence.PadMS) * time.Millisecond,
		})
	}

	orchestrator := conversion.New(decoder, store, manager, opts, log)

	apiOpts := api.Options{
		MaxUploadMB:    cfg.Server.MaxUploadMB,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Synthesizer:    nil,
		Metrics:        registry.Handler(),
		Observer:       registry,
	}

	if cfg.TTS.URL != "" {
		apiOpts.Synthesizer = tts.New(cfg.TTS, log)
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           api.NewServer(orchestrator, store, manager, apiOpts, log).Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.NATS.URL != "" {
		natsConnection, natsErr := startWorker(groupCtx, group, cfg.NATS, orchestrator, log)
		if natsErr != nil {
			return natsErr
		}

		defer natsConnection.Close()
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		defer func() {
			closeErr := client.Close()
			if closeErr != nil {
				log.Warn("Failed to close redis client: %v", closeErr)
			}
		}()

		listener := control.NewListener(client, control.Channels{
			Load:   cfg.Redis.LoadChannel,
			Unload: cfg.Redis.UnloadChannel,
			Reload: cfg.Redis.ReloadChannel,
		}, manager, store, log)

		group.Go(func() error {
			return listener.Run(groupCtx)
		})
	}

	group.Go(func() error {
		log.System("vc-service listening on %s", server.Addr)

		listenErr := server.ListenAndServe()
		if listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", listenErr)
		}

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	err = group.Wait()

	unloadErr := manager.Unload(context.WithoutCancel(ctx))
	if unloadErr != nil {
		log.Warn("Failed to unload model on shutdown: %v", unloadErr)
	}

	log.System("vc-service stopped")

	return err
}

func startWorker(
	ctx context.Context,
	group *errgroup.Group,
	cfg config.NATSConfig,
	converter core.Converter,
	log *logger.Logger,
) (*nats.Conn, error) {
	natsConnection, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	jetStream, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.Open(jetStream, cfg.AudioObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return nil, fmt.Errorf("failed to open audio bucket: %w", err)
	}

	natsWorker := worker.NewNatsWorker(natsConnection, cfg.ConversionSubject, store, converter, log)

	group.Go(func() error {
		return natsWorker.Run(ctx)
	})

	return natsConnection, nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
