package model

import "time"

// CacheEntry maps a content hash of normalized task input to a stored result.
type CacheEntry struct {
	ContentHash    string    `json:"content_hash"`
	ResultRef      string    `json:"result_ref"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	SizeBytes      int64     `json:"size_bytes"`
}
