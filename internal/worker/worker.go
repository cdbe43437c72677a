// Package worker serves conversion jobs requested over NATS.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	handleMessageTimeout = 2 * time.Minute
	outputExt            = ".wav"
)

var (
	// ErrAudioKeyEmpty indicates a job without source audio.
	ErrAudioKeyEmpty = errors.New("audio key cannot be empty")
	// ErrNoOutput indicates the model produced nothing to upload.
	ErrNoOutput = errors.New("conversion produced no audio")
)

// NatsWorker converts audio named by ConversionRequestedEvent messages and
// answers each request with a ConversionCompletedEvent.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	store          core.ObjectStore
	converter      core.Converter
	log            *logger.Logger
}

// NewNatsWorker creates a worker for subject.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	converter core.Converter,
	log *logger.Logger,
) *NatsWorker {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		converter:      converter,
		log:            log,
	}
}

// Run subscribes and blocks until ctx is cancelled, then drains.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, func(msg *nats.Msg) {
		w.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Worker listening on %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(parent context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), handleMessageTimeout)
	defer cancel()

	start := time.Now()

	var event core.ConversionRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		w.log.Error("Failed to unmarshal conversion request: %v", err)

		return
	}

	reply := core.ConversionCompletedEvent{
		Header:     replyHeader(event.Header),
		Status:     core.StatusSuccess,
		AudioKey:   "",
		Speaker:    event.Speaker,
		DurationMS: 0,
		Error:      "",
	}

	audioKey, err := w.processJob(ctx, event)
	if err != nil {
		w.log.Error("Conversion job for workflow %s failed: %v", event.Header.WorkflowID, err)

		reply.Status = core.StatusError
		reply.Error = err.Error()
	}

	reply.AudioKey = audioKey
	reply.DurationMS = time.Since(start).Milliseconds()

	err = w.respond(msg, reply)
	if err != nil {
		w.log.Error("Failed to reply for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// processJob downloads the source clip, converts it and uploads the result.
func (w *NatsWorker) processJob(ctx context.Context, event core.ConversionRequestedEvent) (string, error) {
	if event.AudioKey == "" {
		return "", ErrAudioKeyEmpty
	}

	source, err := w.store.Download(ctx, event.AudioKey)
	if err != nil {
		return "", fmt.Errorf("failed to download source audio %q: %w", event.AudioKey, err)
	}

	result, err := w.converter.Convert(ctx, core.ConversionRequest{
		Audio:    source,
		Speaker:  event.Speaker,
		Filename: event.AudioKey,
	})
	if err != nil {
		return "", err
	}

	if result == nil {
		return "", ErrNoOutput
	}

	audioKey := uuid.NewString() + outputExt

	err = w.store.Upload(ctx, audioKey, result.WAV)
	if err != nil {
		return "", fmt.Errorf("failed to upload converted audio %q: %w", audioKey, err)
	}

	return audioKey, nil
}

func (w *NatsWorker) respond(msg *nats.Msg, reply core.ConversionCompletedEvent) error {
	if msg.Reply == "" {
		return nil
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(data)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

// replyHeader keeps the workflow identity and stamps a new event.
func replyHeader(request events.EventHeader) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: request.WorkflowID,
		EventID:    uuid.NewString(),
		UserID:     request.UserID,
		TenantID:   request.TenantID,
	}
}
