// Package control lets operators drive the model lifecycle over Redis
// pub/sub channels.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/model"
	"github.com/redis/go-redis/v9"
)

// ErrSubscriptionClosed indicates Redis closed the subscription.
var ErrSubscriptionClosed = errors.New("control subscription closed")

// Channels names the pub/sub channels for each command.
type Channels struct {
	Load   string
	Unload string
	Reload string
}

// Models is the slice of the model manager the listener drives.
type Models interface {
	EnsureLoaded(ctx context.Context) (*model.Wrapper, error)
	Unload(ctx context.Context) error
	Reload(ctx context.Context) (uint64, error)
}

// SpeakerLoader rescans reference audio.
type SpeakerLoader interface {
	LoadAll(ctx context.Context) error
}

// Listener executes model commands published on Redis.
type Listener struct {
	client   *redis.Client
	channels Channels
	models   Models
	speakers SpeakerLoader
	log      *logger.Logger
}

// NewListener creates a Listener. speakers may be nil; when set, a reload
// also rescans the speakers directory.
func NewListener(client *redis.Client, channels Channels, models Models, speakers SpeakerLoader, log *logger.Logger) *Listener {
	return &Listener{
		client:   client,
		channels: channels,
		models:   models,
		speakers: speakers,
		log:      log,
	}
}

// Run subscribes and handles commands until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	pubsub := l.client.Subscribe(ctx, l.channels.Load, l.channels.Unload, l.channels.Reload)

	defer func() {
		closeErr := pubsub.Close()
		if closeErr != nil {
			l.log.Warn("Failed to close control subscription: %v", closeErr)
		}
	}()

	_, err := pubsub.Receive(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to control channels: %w", err)
	}

	l.log.Info("Listening for model commands on %s, %s and %s",
		l.channels.Load, l.channels.Unload, l.channels.Reload)

	messages := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return ErrSubscriptionClosed
			}

			err := l.Handle(ctx, msg.Channel)
			if err != nil {
				l.log.Error("Model command on %s failed: %v", msg.Channel, err)
			}
		}
	}
}

// Handle executes the command bound to channel.
func (l *Listener) Handle(ctx context.Context, channel string) error {
	switch channel {
	case l.channels.Load:
		current, err := l.models.EnsureLoaded(ctx)
		if err != nil {
			return err
		}

		l.log.Info("Model loaded on request (generation %d)", current.Generation())

		return nil
	case l.channels.Unload:
		return l.models.Unload(ctx)
	case l.channels.Reload:
		generation, err := l.models.Reload(ctx)
		if err != nil {
			return err
		}

		l.log.Info("Model reloaded on request (generation %d)", generation)

		if l.speakers == nil {
			return nil
		}

		return l.speakers.LoadAll(ctx)
	default:
		l.log.Warn("Ignoring message on unknown channel %s", channel)

		return nil
	}
}

// Publish sends a command on channel. It returns how many listeners got it.
func Publish(ctx context.Context, client *redis.Client, channel string) (int64, error) {
	receivers, err := client.Publish(ctx, channel, channel).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish on %s: %w", channel, err)
	}

	return receivers, nil
}
