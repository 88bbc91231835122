package blobstore

import (
	"fmt"
	"strings"

	"github.com/meshinfer/meshinfer/internal/config"
	"github.com/meshinfer/meshinfer/internal/platform/gcp"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

// New builds the Store selected by cfg.Backend ("local" or "gcs").
func New(log *logger.Logger, cfg config.BlobStoreConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "local":
		dir := cfg.LocalDir
		if dir == "" {
			dir = "blobs"
		}
		return NewLocalStore(dir)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("blobstore: gcs backend requires bucket name")
		}
		objects, err := gcp.NewObjectStore(log, cfg.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("blobstore: init gcs object store: %w", err)
		}
		return NewGCSStore(objects), nil
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
}
