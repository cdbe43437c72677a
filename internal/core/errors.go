package core

import "errors"

var (
	// ErrModelLoad indicates the checkpoint or its configuration could not be loaded.
	ErrModelLoad = errors.New("model load failed")
	// ErrNotLoaded indicates a model operation was attempted before a successful load.
	ErrNotLoaded = errors.New("model not loaded")
	// ErrSpeakerNotFound indicates no reference audio exists for the requested speaker.
	ErrSpeakerNotFound = errors.New("speaker not found")
	// ErrSpeakerNotCached indicates a compatibility query named a speaker
	// whose embedding is not in the cache.
	ErrSpeakerNotCached = errors.New("speaker embedding not found")
	// ErrEmptyAudio indicates the audio input carried no samples.
	ErrEmptyAudio = errors.New("audio input is empty")
	// ErrDecode indicates the audio input could not be parsed.
	ErrDecode = errors.New("audio decode failed")
	// ErrInference indicates the model failed during extraction or inference.
	ErrInference = errors.New("inference failed")
	// ErrSynthesis indicates the text-to-speech provider failed.
	ErrSynthesis = errors.New("speech synthesis failed")
	// ErrEmptyText indicates nothing speakable was left after normalisation.
	ErrEmptyText = errors.New("text cannot be empty")
)
