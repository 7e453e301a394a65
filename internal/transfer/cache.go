package transfer

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache remembers completed file downloads by source URL for the lifetime
// of the process. Entries are never replaced or evicted. Concurrent fetches
// of one URL are collapsed into a single request.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Content
	flights singleflight.Group
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Content)}
}

func (c *Cache) Get(url string) (*Content, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	content, ok := c.entries[url]
	return content, ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// add stores a completed file download. The first entry for a URL wins.
func (c *Cache) add(url string, content *Content) {
	if content == nil || !content.IsFile() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[url]; !exists {
		c.entries[url] = content
	}
}

// share runs fn once for all concurrent callers asking for url. The leader
// result reports whether the calling goroutine executed fn itself.
func (c *Cache) share(url string, fn func() (*Content, error)) (content *Content, leader bool, err error) {
	v, err, _ := c.flights.Do(url, func() (any, error) {
		if prev, ok := c.Get(url); ok {
			return prev, nil
		}
		fresh, err := fn()
		if err == nil {
			leader = true
		}
		return fresh, err
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Content), leader, nil
}
