package service

import (
	"sync"
	"time"
)

// StreamCache keeps the tokens emitted for each generation so that push
// connections opened at any point can replay them in order.
type StreamCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*streamEntry
}

type streamEntry struct {
	tokens     []string
	finished   bool
	finishedAt time.Time
	changed    chan struct{}
}

// NewStreamCache creates a cache that forgets finished streams after ttl
func NewStreamCache(ttl time.Duration) *StreamCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StreamCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*streamEntry),
	}
}

func (c *StreamCache) entry(id string) *streamEntry {
	e, ok := c.entries[id]
	if !ok {
		e = &streamEntry{changed: make(chan struct{})}
		c.entries[id] = e
	}
	return e
}

// notify wakes every waiter of e
func (e *streamEntry) notify() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Append adds a token and returns the number of tokens so far
func (c *StreamCache) Append(id, token string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(id)
	if e.finished {
		return len(e.tokens)
	}
	e.tokens = append(e.tokens, token)
	e.notify()
	return len(e.tokens)
}

// Finish marks the stream of id as complete
func (c *StreamCache) Finish(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(id)
	if e.finished {
		return
	}
	e.finished = true
	e.finishedAt = c.now()
	e.notify()
}

// Since returns the tokens after the first from, whether the stream is
// finished, and a channel closed on the next change. The channel is nil for
// a stream the cache does not know.
func (c *StreamCache) Since(id string, from int) ([]string, bool, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false, nil
	}
	var tokens []string
	if from < len(e.tokens) {
		tokens = append(tokens, e.tokens[from:]...)
	}
	return tokens, e.finished, e.changed
}

// Len returns the number of cached tokens of id
func (c *StreamCache) Len(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return len(e.tokens)
	}
	return 0
}

// Sweep drops finished streams older than the ttl and returns how many
func (c *StreamCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	n := 0
	for id, e := range c.entries {
		if e.finished && e.finishedAt.Before(cutoff) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}
