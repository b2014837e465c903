// Package template implements the bounded, TTL'd cache of downstream task
// templates keyed by (processDefinitionKey, activityId, templateId),
// mirroring internal/bpmncache's design for the companion BPMN metadata
// cache. A template rarely changes once a process is in production, so the
// Task-Creator resolves it from the downstream CRM at most once per TTL per
// key rather than on every task creation.
package template

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vlikhobabin/exchanger/internal/downstream"
)

// DefaultTTL and DefaultSize: templates change rarely, so a longer freshness
// window than the BPMN cache is appropriate; the size bound covers a
// generous number of distinct diagram activities.
const (
	DefaultTTL  = 6 * time.Hour
	DefaultSize = 500
)

// FetchFunc resolves a task template by (processDefinitionKey, activityId),
// optionally falling back to an explicit templateId. Implementations
// typically wrap a bitrix.Client.GetTaskTemplate call.
type FetchFunc func(ctx context.Context, processDefinitionKey, activityID, templateID string) (downstream.TaskTemplate, bool, error)

type cacheKey struct {
	processDefinitionKey string
	activityID           string
	templateID           string
}

type entry struct {
	template downstream.TaskTemplate
	found    bool
}

// Cache is a bounded, TTL'd, single-flighted cache of downstream task
// templates.
type Cache struct {
	fetch FetchFunc
	ttl   time.Duration

	entries *lru.LRU[cacheKey, entry]

	mu       sync.Mutex
	inFlight map[cacheKey]*sync.WaitGroup
}

// New builds a Cache backed by fetch, with the given size/TTL. Zero values
// fall back to DefaultSize/DefaultTTL.
func New(fetch FetchFunc, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		fetch:    fetch,
		ttl:      ttl,
		entries:  lru.NewLRU[cacheKey, entry](size, nil, ttl),
		inFlight: make(map[cacheKey]*sync.WaitGroup),
	}
}

// Lookup returns the template for the given activity, fetching it from the
// downstream system at most once per TTL per key even under concurrent
// callers. found is false when the downstream system has no template
// matching this activity.
func (c *Cache) Lookup(ctx context.Context, processDefinitionKey, activityID, templateID string) (downstream.TaskTemplate, bool, error) {
	key := cacheKey{processDefinitionKey: processDefinitionKey, activityID: activityID, templateID: templateID}

	if e, ok := c.entries.Get(key); ok {
		return e.template, e.found, nil
	}

	c.mu.Lock()
	if e, ok := c.entries.Get(key); ok {
		c.mu.Unlock()
		return e.template, e.found, nil
	}
	if wg, waiting := c.inFlight[key]; waiting {
		c.mu.Unlock()
		wg.Wait()
		if e, ok := c.entries.Get(key); ok {
			return e.template, e.found, nil
		}
		return downstream.TaskTemplate{}, false, fmt.Errorf("template fetch for %+v did not populate cache", key)
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.inFlight[key] = wg
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
		wg.Done()
	}()

	tmpl, found, err := c.fetch(ctx, processDefinitionKey, activityID, templateID)
	if err != nil {
		return downstream.TaskTemplate{}, false, fmt.Errorf("fetch task template for activity %q: %w", activityID, err)
	}

	c.entries.Add(key, entry{template: tmpl, found: found})
	return tmpl, found, nil
}

// Purge evicts every entry.
func (c *Cache) Purge() {
	c.entries.Purge()
}

// Len reports the number of distinct (processDefinitionKey, activityId,
// templateId) keys currently cached.
func (c *Cache) Len() int {
	return c.entries.Len()
}
