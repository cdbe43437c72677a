// Package objectstore keeps conversion audio in a NATS JetStream object store.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/book-expert/vc-service/internal/audio"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerContentType = "Content-Type"
	bucketDescription = "Source and converted audio for voice conversion jobs."
)

var contentTypes = map[audio.Format]string{
	audio.FormatWAV:  "audio/wav",
	audio.FormatMP3:  "audio/mpeg",
	audio.FormatFLAC: "audio/flac",
	audio.FormatOgg:  "audio/ogg",
}

// AudioStore implements core.ObjectStore over a JetStream bucket.
type AudioStore struct {
	bucket string
	store  nats.ObjectStore
}

// Open binds to bucketName, creating it on first use.
func Open(js nats.JetStreamContext, bucketName string) (*AudioStore, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: bucketDescription,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if errors.Is(err, jetstream.ErrBucketExists) || errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		store, err = js.ObjectStore(bucketName)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open audio bucket %q: %w", bucketName, err)
	}

	return &AudioStore{bucket: bucketName, store: store}, nil
}

// Download reads the object stored under key.
func (s *AudioStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := s.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get %q from %q: %w", key, s.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close %q: %w", key, closeErr)
	}

	return data, nil
}

// Upload stores data under key, tagging it with a content type sniffed from
// the bytes.
func (s *AudioStore) Upload(_ context.Context, key string, data []byte) error {
	meta := &nats.ObjectMeta{Name: key}
	if contentType, ok := contentTypes[audio.DetectFormat(data)]; ok {
		meta.Headers = nats.Header{headerContentType: []string{contentType}}
	}

	_, err := s.store.Put(meta, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to put %q to %q: %w", key, s.bucket, err)
	}

	return nil
}

// ContentType returns the content type recorded for key, or "" if none was.
func (s *AudioStore) ContentType(key string) (string, error) {
	info, err := s.store.GetInfo(key)
	if err != nil {
		return "", fmt.Errorf("failed to stat %q in %q: %w", key, s.bucket, err)
	}

	return info.Headers.Get(headerContentType), nil
}
