package model

import (
	"context"
	"time"

	"github.com/book-expert/vc-service/internal/core"
)

// EventKind classifies a model lifecycle change.
type EventKind int

// Lifecycle changes published by Manager.
const (
	EventLoaded EventKind = iota + 1
	EventReplaced
	EventUnloaded
)

// String returns the lower-case event name.
func (k EventKind) String() string {
	switch k {
	case EventLoaded:
		return "loaded"
	case EventReplaced:
		return "replaced"
	case EventUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Event describes a lifecycle change. Model is nil for EventUnloaded.
type Event struct {
	Kind       EventKind
	Generation uint64
	Device     core.Device
	Model      core.VoiceModel
	At         time.Time
}

// Listener reacts to a lifecycle change. Listeners run synchronously while
// requests are held back, so they may rebuild state derived from the model.
type Listener func(ctx context.Context, event Event) error
