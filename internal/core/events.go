package core

import "github.com/book-expert/events"

// Conversion job statuses carried by ConversionCompletedEvent.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ConversionRequestedEvent asks a worker to convert the audio stored under
// AudioKey into the voice of Speaker.
type ConversionRequestedEvent struct {
	Header   events.EventHeader `json:"header"`
	AudioKey string             `json:"audio_key"`
	Speaker  string             `json:"speaker"`
}

// ConversionCompletedEvent is the reply to a ConversionRequestedEvent.
type ConversionCompletedEvent struct {
	Header     events.EventHeader `json:"header"`
	Status     string             `json:"status"`
	AudioKey   string             `json:"audio_key,omitempty"`
	Speaker    string             `json:"speaker"`
	DurationMS int64              `json:"duration_ms"`
	Error      string             `json:"error,omitempty"`
}
