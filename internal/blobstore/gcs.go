package blobstore

import (
	"context"
	"fmt"

	"github.com/meshinfer/meshinfer/internal/platform/gcp"
)

// gcsStore layers content-addressing on top of gcp.ObjectStore, which only
// knows about single-bucket key/value puts and gets.
type gcsStore struct {
	objects gcp.ObjectStore
}

func NewGCSStore(objects gcp.ObjectStore) Store {
	return &gcsStore{objects: objects}
}

func (s *gcsStore) Put(ctx context.Context, data []byte) (Handle, error) {
	handle := hashOf(data)
	exists, err := s.objects.Exists(ctx, string(handle))
	if err != nil {
		return "", fmt.Errorf("blobstore: exists check %q: %w", handle, err)
	}
	if exists {
		return handle, nil
	}
	if err := s.objects.Put(ctx, string(handle), data); err != nil {
		return "", fmt.Errorf("blobstore: put %q: %w", handle, err)
	}
	return handle, nil
}

func (s *gcsStore) Get(ctx context.Context, handle Handle) ([]byte, error) {
	if err := validate(handle); err != nil {
		return nil, err
	}
	data, err := s.objects.Get(ctx, string(handle))
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %q: %w", handle, err)
	}
	return data, nil
}

func (s *gcsStore) Exists(ctx context.Context, handle Handle) (bool, error) {
	if err := validate(handle); err != nil {
		return false, err
	}
	return s.objects.Exists(ctx, string(handle))
}

func (s *gcsStore) Delete(ctx context.Context, handle Handle) error {
	if err := validate(handle); err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, string(handle)); err != nil {
		return fmt.Errorf("blobstore: delete %q: %w", handle, err)
	}
	return nil
}
