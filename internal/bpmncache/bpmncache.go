// Package bpmncache implements the bounded, TTL'd cache of BPMN element
// metadata keyed by (processDefinitionId, activityId), per §4.4. Misses are
// coalesced per processDefinitionId so a burst of tasks belonging to the
// same process definition triggers exactly one engine XML fetch.
package bpmncache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vlikhobabin/exchanger/internal/bpmnxml"
)

// DefaultTTL and DefaultSize match the defaults called out in §4.4: 24h
// freshness, ~150 distinct process definitions resident at once.
const (
	DefaultTTL  = 24 * time.Hour
	DefaultSize = 150
)

// absentEntry marks a processDefinitionId whose XML failed to parse or whose
// activityId was not found in it, so repeated lookups for a known-bad
// combination don't re-fetch on every call within the TTL.
type absentEntry struct{}

// FetchFunc retrieves the raw BPMN XML for a process definition from the
// engine. Implementations typically wrap an engine HTTP client's
// GET /process-definition/{id}/xml endpoint.
type FetchFunc func(ctx context.Context, processDefinitionID string) ([]byte, error)

// Cache is a bounded, TTL'd, single-flighted cache of parsed BPMN element
// metadata.
type Cache struct {
	fetch FetchFunc
	ttl   time.Duration

	diagrams *lru.LRU[string, diagramEntry]

	mu      sync.Mutex
	inFlight map[string]*sync.WaitGroup
}

type diagramEntry struct {
	elements map[string]bpmnxml.ElementMetadata
	err      error
}

// New builds a Cache backed by fetch, with the given size/TTL. Zero values
// for size/ttl fall back to DefaultSize/DefaultTTL.
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
		diagrams: lru.NewLRU[string, diagramEntry](size, nil, ttl),
		inFlight: make(map[string]*sync.WaitGroup),
	}
}

// Lookup returns the metadata for (processDefinitionId, activityId). found
// is false when the diagram parsed cleanly but activityId was absent from
// it — this is cached as a negative result, not an error.
func (c *Cache) Lookup(ctx context.Context, processDefinitionID, activityID string) (meta bpmnxml.ElementMetadata, found bool, err error) {
	entry, err := c.diagram(ctx, processDefinitionID)
	if err != nil {
		return bpmnxml.ElementMetadata{}, false, err
	}
	meta, found = entry.elements[activityID]
	return meta, found, nil
}

// diagram returns the parsed element map for processDefinitionID, fetching
// and parsing it at most once per cache miss even under concurrent callers.
func (c *Cache) diagram(ctx context.Context, processDefinitionID string) (diagramEntry, error) {
	if entry, ok := c.diagrams.Get(processDefinitionID); ok {
		return entry, nil
	}

	c.mu.Lock()
	if entry, ok := c.diagrams.Get(processDefinitionID); ok {
		c.mu.Unlock()
		return entry, nil
	}
	if wg, waiting := c.inFlight[processDefinitionID]; waiting {
		c.mu.Unlock()
		wg.Wait()
		if entry, ok := c.diagrams.Get(processDefinitionID); ok {
			return entry, nil
		}
		return diagramEntry{}, fmt.Errorf("bpmn diagram fetch for %q did not populate cache", processDefinitionID)
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.inFlight[processDefinitionID] = wg
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, processDefinitionID)
		c.mu.Unlock()
		wg.Done()
	}()

	data, fetchErr := c.fetch(ctx, processDefinitionID)
	if fetchErr != nil {
		return diagramEntry{}, fmt.Errorf("fetch bpmn diagram %q: %w", processDefinitionID, fetchErr)
	}

	elements, parseErr := bpmnxml.ParseProcessDiagram(data)
	entry := diagramEntry{elements: elements, err: parseErr}
	if parseErr != nil {
		// Still cache the failure shape so a malformed diagram does not get
		// re-fetched on every task belonging to it within the TTL.
		entry.elements = map[string]bpmnxml.ElementMetadata{}
	}
	c.diagrams.Add(processDefinitionID, entry)

	if parseErr != nil {
		return diagramEntry{}, fmt.Errorf("parse bpmn diagram %q: %w", processDefinitionID, parseErr)
	}
	return entry, nil
}

// Purge evicts every entry, used by tests and by operator-triggered cache
// resets.
func (c *Cache) Purge() {
	c.diagrams.Purge()
}

// Len reports the number of distinct process definitions currently cached.
func (c *Cache) Len() int {
	return c.diagrams.Len()
}
