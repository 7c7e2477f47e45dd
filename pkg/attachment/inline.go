package attachment

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/AllThePasswords/conversationfirst-sub000/pkg/storage"
)

// Inline is an attachment ready to embed in a model request.
type Inline struct {
	MediaType string
	Data      string // base64
}

// InlineCache converts durable URLs to inline payloads for one outbound
// request. A URL is fetched at most once per cache.
type InlineCache struct {
	store   storage.AttachmentStore
	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]Inline
}

func NewInlineCache(store storage.AttachmentStore) *InlineCache {
	return &InlineCache{store: store, entries: make(map[string]Inline)}
}

// Payload returns the base64 payload of url, fetching it on first use.
func (c *InlineCache) Payload(ctx context.Context, url string) (Inline, error) {
	c.mu.Lock()
	if entry, ok := c.entries[url]; ok {
		c.mu.Unlock()
		return entry, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(url, func() (any, error) {
		c.mu.Lock()
		if entry, ok := c.entries[url]; ok {
			c.mu.Unlock()
			return entry, nil
		}
		c.mu.Unlock()

		data, contentType, err := c.store.Fetch(ctx, url)
		if err != nil {
			return Inline{}, fmt.Errorf("fetch attachment: %w", err)
		}
		entry := Inline{
			MediaType: normalizeType(contentType),
			Data:      base64.StdEncoding.EncodeToString(data),
		}
		c.mu.Lock()
		c.entries[url] = entry
		c.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return Inline{}, err
	}
	return v.(Inline), nil
}
