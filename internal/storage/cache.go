package storage

import (
	"context"
	"sync"
	"time"
)

// DefaultSignedURLExpiry is used when a caller asks for a non-positive expiry.
const DefaultSignedURLExpiry = time.Hour

// Signer produces a signed URL for key valid for expiry.
type Signer interface {
	Sign(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, key string, expiry time.Duration) (string, error)

// Sign calls f.
func (f SignerFunc) Sign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return f(ctx, key, expiry)
}

type signedEntry struct {
	url     string
	expires time.Time
}

type signedKey struct {
	key    string
	expiry time.Duration
}

// SignedURLCache reuses signed URLs until half of their lifetime has passed.
type SignedURLCache struct {
	base   Signer
	maxTTL time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	items map[signedKey]signedEntry
}

// NewSignedURLCache wraps base. maxTTL caps how long an entry is reused; zero
// means half the requested expiry.
func NewSignedURLCache(base Signer, maxTTL time.Duration) *SignedURLCache {
	return &SignedURLCache{
		base:   base,
		maxTTL: maxTTL,
		now:    time.Now,
		items:  make(map[signedKey]signedEntry),
	}
}

// SignedURL returns a cached URL when one is still fresh, otherwise it signs a
// new one and stores it.
func (c *SignedURLCache) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = DefaultSignedURLExpiry
	}
	id := signedKey{key: key, expiry: expiry}
	now := c.now()

	c.mu.RLock()
	entry, ok := c.items[id]
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.url, nil
	}

	signed, err := c.base.Sign(ctx, key, expiry)
	if err != nil {
		return "", err
	}

	ttl := expiry / 2
	if c.maxTTL > 0 && c.maxTTL < ttl {
		ttl = c.maxTTL
	}

	c.mu.Lock()
	c.items[id] = signedEntry{url: signed, expires: now.Add(ttl)}
	c.mu.Unlock()

	return signed, nil
}

// Invalidate drops every cached URL for the given keys.
func (c *SignedURLCache) Invalidate(keys ...string) {
	if len(keys) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}

	c.mu.Lock()
	for id := range c.items {
		if _, ok := drop[id.key]; ok {
			delete(c.items, id)
		}
	}
	c.mu.Unlock()
}
