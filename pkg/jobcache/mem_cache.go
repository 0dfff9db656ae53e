package jobcache

import "sync"

// MemCache is an in-process map-backed Cache, used by the Default handler
// path and by tests. Writes are serialized per fingerprint via the map's
// single mutex (a single mutex is sufficient at this scale; finer-grained
// per-key locking belongs to the feed-backed variant, which serializes
// through its subfeed instead).
type MemCache struct {
	mu    sync.RWMutex
	state map[string]TerminalState
}

// NewMemCache creates an empty in-memory cache.
func NewMemCache() *MemCache {
	return &MemCache{state: make(map[string]TerminalState)}
}

func (c *MemCache) Lookup(fingerprint string, opts LookupOptions) (Hit, error) {
	c.mu.RLock()
	state, ok := c.state[fingerprint]
	c.mu.RUnlock()
	if !ok {
		return Hit{Found: false}, nil
	}
	return applyPolicy(opts, state, nil), nil
}

func (c *MemCache) Record(fingerprint string, state TerminalState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Cache writes are monotonic: a finished entry is never overwritten by
	// a later error entry.
	if existing, ok := c.state[fingerprint]; ok && existing.Finished && !state.Finished {
		return nil
	}
	c.state[fingerprint] = state
	return nil
}
