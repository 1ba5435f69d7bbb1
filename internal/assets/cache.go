// Package assets provides caching and storage for derived workspace
// assets such as avatars and generated speech audio.
package assets

import (
	"context"
	"strconv"
)

// Asset is a cached binary payload with its content type.
type Asset struct {
	Bytes []byte `json:"bytes"`
	Mime  string `json:"mime"`
}

// Cache stores derived assets keyed by workspace slug, or by
// "slug:chatID" for per-chat assets like speech audio.
type Cache interface {
	Get(ctx context.Context, key string) (*Asset, bool)
	Put(ctx context.Context, key string, asset Asset) error
	Invalidate(ctx context.Context, key string) error
}

// ChatKey builds the cache key for a per-chat asset.
func ChatKey(slug string, chatID int64) string {
	return slug + ":" + strconv.FormatInt(chatID, 10)
}
