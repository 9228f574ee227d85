package llm

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/itskum47/fleetgate/control_plane/store"
)

// DefaultModelTTL is how long a loaded model list is served before reload.
const DefaultModelTTL = 5 * time.Minute

const (
	// loadTimeout bounds one reload, independent of the caller that started it.
	loadTimeout = 10 * time.Second
	// failureRetry is how long a stale or fallback list is served after the
	// loader failed.
	failureRetry = 10 * time.Second
)

// ErrNoModels is returned when neither the loader nor the fallback yields a
// model.
var ErrNoModels = errors.New("no AI models configured")

// ModelLoader returns the ordered model fallback list.
type ModelLoader func(ctx context.Context) ([]string, error)

// ModelLister is the store view a loader needs.
type ModelLister interface {
	ListModels(ctx context.Context) ([]store.ModelConfig, error)
}

// StoreLoader loads enabled models from the store, ordered by priority.
func StoreLoader(s ModelLister) ModelLoader {
	return func(ctx context.Context) ([]string, error) {
		configs, err := s.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		models := make([]string, 0, len(configs))
		for _, c := range configs {
			models = append(models, c.Model)
		}
		return models, nil
	}
}

// ModelCache is a cache-with-TTL around a ModelLoader. Concurrent reloads are
// coalesced. Safe for concurrent use.
type ModelCache struct {
	loader ModelLoader
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group

	mu        sync.RWMutex
	models    []string
	expiresAt time.Time
	fallback  []string
}

// NewModelCache creates a cache. fallback is used when the loader fails or
// returns nothing.
func NewModelCache(loader ModelLoader, fallback []string, ttl time.Duration) *ModelCache {
	if ttl <= 0 {
		ttl = DefaultModelTTL
	}
	return &ModelCache{
		loader:   loader,
		ttl:      ttl,
		now:      time.Now,
		fallback: append([]string(nil), fallback...),
	}
}

// Get returns the current model list, reloading it when stale.
func (c *ModelCache) Get(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	if len(c.models) > 0 && c.now().Before(c.expiresAt) {
		models := append([]string(nil), c.models...)
		c.mu.RUnlock()
		return models, nil
	}
	c.mu.RUnlock()

	// Coalesced callers share this reload, so it must not die with ctx.
	v, err, _ := c.group.Do("models", func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return c.reload(loadCtx)
	})
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v.([]string)...), nil
}

func (c *ModelCache) reload(ctx context.Context) ([]string, error) {
	var models []string
	var err error
	if c.loader != nil {
		models, err = c.loader(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		log.Printf("[LLM] Model list load failed: %v", err)
	}
	if err != nil || len(models) == 0 {
		switch {
		case len(c.models) > 0 && err != nil:
			// Stale list wins over fallback while the loader is failing.
			models = c.models
		case len(c.fallback) > 0:
			models = c.fallback
		default:
			if err != nil {
				return nil, errors.Join(ErrNoModels, err)
			}
			return nil, ErrNoModels
		}
	}

	c.models = append([]string(nil), models...)
	ttl := c.ttl
	if err != nil && failureRetry < ttl {
		ttl = failureRetry
	}
	c.expiresAt = c.now().Add(ttl)
	return c.models, nil
}

// Invalidate forces the next Get to reload.
func (c *ModelCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiresAt = time.Time{}
	log.Printf("[LLM] Model list invalidated")
}

// SetFallback replaces the configured fallback list and invalidates.
func (c *ModelCache) SetFallback(models []string) {
	c.mu.Lock()
	c.fallback = append([]string(nil), models...)
	c.mu.Unlock()
	c.Invalidate()
}
