package feed

import (
	"fmt"
	"sync"
)

// registry resolves feed URIs back to the in-process Feed instance that
// created them. This is the in-process stand-in for the feed transport's
// load_feed(uri): a real deployment would resolve a URI against a remote
// feed service, but within one process (and in tests) every Feed created
// here registers itself so other components can look it up by URI alone.
var registry = struct {
	mu    sync.RWMutex
	feeds map[string]Feed
}{feeds: make(map[string]Feed)}

// Register makes f resolvable by Load under f.URI().
func Register(f Feed) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.feeds[f.URI()] = f
}

// Load resolves a feed URI to the Feed that created it.
func Load(uri string) (Feed, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	f, ok := registry.feeds[uri]
	if !ok {
		return nil, fmt.Errorf("feed: unknown feed uri %q", uri)
	}
	return f, nil
}

// CreateMemFeed creates and registers a new in-memory feed.
func CreateMemFeed() *MemFeed {
	f := NewMemFeed()
	Register(f)
	return f
}
