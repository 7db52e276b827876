package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// ErrBadKey is returned when a key response is not 16 bytes.
var ErrBadKey = errors.New("loader: key is not 16 bytes")

// KeyLoader fetches AES-128 keys. Keys are cached by URI and concurrent
// requests for the same URI share one fetch.
type KeyLoader struct {
	client    *http.Client
	userAgent string
	cfg       LoadConfig
	log       *slog.Logger

	cache *cache.Cache
	group singleflight.Group
}

// NewKeyLoader creates a key loader caching keys for ttl. If log is nil,
// slog.Default() is used.
func NewKeyLoader(client *http.Client, userAgent string, cfg LoadConfig, ttl time.Duration, log *slog.Logger) *KeyLoader {
	if log == nil {
		log = slog.Default()
	}
	return &KeyLoader{
		client:    client,
		userAgent: userAgent,
		cfg:       cfg,
		log:       log.With("component", "keyloader"),
		cache:     cache.New(ttl, 2*ttl),
	}
}

// Load returns the key at uri.
func (k *KeyLoader) Load(ctx context.Context, uri string) ([]byte, error) {
	if v, ok := k.cache.Get(uri); ok {
		return v.([]byte), nil
	}
	ch := k.group.DoChan(uri, func() (any, error) {
		l := NewHTTPLoader(k.client, k.userAgent, k.log)
		resp, _, err := Fetch(context.WithoutCancel(ctx), l, Context{URL: uri}, k.cfg)
		if err != nil {
			return nil, err
		}
		if len(resp.Data) != 16 {
			return nil, fmt.Errorf("%w: %s has %d", ErrBadKey, uri, len(resp.Data))
		}
		k.cache.SetDefault(uri, resp.Data)
		k.log.Debug("key loaded", "uri", uri)
		return resp.Data, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	}
}

// Forget drops a cached key, as needed after a decrypt failure.
func (k *KeyLoader) Forget(uri string) {
	k.cache.Delete(uri)
}
