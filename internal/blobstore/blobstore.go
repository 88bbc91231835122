// Package blobstore is the content-addressed object layer every job input,
// work-item input, partial result, and final result flows through. Keys are
// the lowercase hex SHA-256 of the bytes, so identical payloads always
// collapse to one stored object and handles can be passed around (in the
// bus envelopes, in the mutable-name registry, in SQLite replay logs)
// without ever duplicating the bytes themselves.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Handle is the content address of a stored blob: hex(sha256(bytes)).
type Handle string

// Store puts and gets content-addressed blobs. Put is idempotent: putting
// the same bytes twice returns the same handle and is a cheap no-op on the
// second call once the backend confirms the key already exists.
type Store interface {
	Put(ctx context.Context, data []byte) (Handle, error)
	Get(ctx context.Context, handle Handle) ([]byte, error)
	Exists(ctx context.Context, handle Handle) (bool, error)
	Delete(ctx context.Context, handle Handle) error
}

func hashOf(data []byte) Handle {
	sum := sha256.Sum256(data)
	return Handle(hex.EncodeToString(sum[:]))
}

func validate(handle Handle) error {
	if len(handle) != 64 {
		return fmt.Errorf("blobstore: malformed handle %q", handle)
	}
	if _, err := hex.DecodeString(string(handle)); err != nil {
		return fmt.Errorf("blobstore: malformed handle %q: %w", handle, err)
	}
	return nil
}
