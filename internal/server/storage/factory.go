package storage

import (
	"fmt"
	"sync"

	"github.com/chunkvault/chunkvault/internal/common"
)

// New builds the backend variant named by cfg.Kind. The set of variants is
// closed; an unknown kind is a configuration error.
func New(cfg Config) (Backend, error) {
	switch cfg.Kind {
	case KindS3:
		return NewS3Backend(cfg.S3)
	case KindLocal:
		return NewLocalBackend(cfg.Local)
	case KindWebhook:
		return NewWebhookBackend(cfg.Webhook)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", common.ErrValidation, cfg.Kind)
	}
}

// Cache reuses backend clients across requests keyed by effective
// configuration. Backend clients are stateless per request (connection
// pools, signing clients), so sharing them is safe.
type Cache struct {
	mu       sync.Mutex
	backends map[string]Backend
}

// NewCache returns an empty backend cache.
func NewCache() *Cache {
	return &Cache{backends: make(map[string]Backend)}
}

func cacheKey(cfg Config) string {
	switch cfg.Kind {
	case KindS3:
		s := cfg.S3
		return fmt.Sprintf("s3|%s|%s|%s|%s|%s", s.AccessKey, s.SecretKey, s.Bucket, s.Region, s.BaseEndpoint)
	case KindLocal:
		return "local|" + cfg.Local.Dir
	case KindWebhook:
		return "webhook|" + cfg.Webhook.URL
	default:
		return "unknown|" + cfg.Kind
	}
}

// Get returns the cached backend for cfg, building it on first use.
func (c *Cache) Get(cfg Config) (Backend, error) {
	key := cacheKey(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.backends[key]; ok {
		return b, nil
	}

	b, err := New(cfg)
	if err != nil {
		return nil, err
	}
	c.backends[key] = b
	return b, nil
}
