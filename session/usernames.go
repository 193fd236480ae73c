package session

import "sync"

// UsernameCache maps raw user ids to display names for one session.
type UsernameCache struct {
	mu    sync.RWMutex
	names map[string]string
}

// Get returns the cached name of id.
func (c *UsernameCache) Get(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[id]
	return name, ok
}

// Set caches name for id.
func (c *UsernameCache) Set(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.names == nil {
		c.names = make(map[string]string)
	}
	c.names[id] = name
}

// Reset drops every entry.
func (c *UsernameCache) Reset() {
	c.mu.Lock()
	c.names = nil
	c.mu.Unlock()
}

// Len returns the number of cached names.
func (c *UsernameCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}
