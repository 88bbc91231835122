package domain

import "time"

// CacheEntry describes one model artifact resident in a node's ModelCache.
type CacheEntry struct {
	ModelID    string    `json:"model_id"`
	SizeBytes  int64     `json:"size_bytes"`
	LastAccess time.Time `json:"last_access"`
	RefCount   int       `json:"ref_count"`
}

func (c CacheEntry) Evictable() bool { return c.RefCount == 0 }
