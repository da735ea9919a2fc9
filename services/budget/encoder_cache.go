package budget

import (
	"container/list"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// encoderEntry represents a single cache entry
type encoderEntry struct {
	model   string
	encoder *tiktoken.Tiktoken
	element *list.Element // For LRU tracking
}

// encoderCache is an in-memory LRU cache for tokenizer encoders.
// Encoder construction loads BPE tables, so hot models keep theirs
// resident. Thread-safe implementation using sync.RWMutex.
type encoderCache struct {
	mu      sync.RWMutex
	entries map[string]*encoderEntry // Key: model name
	lruList *list.List               // Doubly linked list for LRU tracking
	maxSize int                      // Maximum number of entries
	hits    uint64                   // Cache hit counter
	misses  uint64                   // Cache miss counter
}

// newEncoderCache creates a new encoderCache with the specified max size
func newEncoderCache(maxSize int) *encoderCache {
	return &encoderCache{
		entries: make(map[string]*encoderEntry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves the encoder for a model, or nil on a miss
func (c *encoderCache) Get(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[model]
	if !exists {
		c.misses++
		return nil
	}

	// Move to front (most recently used)
	c.lruList.MoveToFront(entry.element)
	c.hits++

	return entry.encoder
}

// Set stores the encoder for a model
func (c *encoderCache) Set(model string, encoder *tiktoken.Tiktoken) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[model]; exists {
		entry.encoder = encoder
		c.lruList.MoveToFront(entry.element)
		return
	}

	// Evict least recently used entry if cache is full
	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &encoderEntry{
		model:   model,
		encoder: encoder,
	}
	entry.element = c.lruList.PushFront(model)
	c.entries[model] = entry
}

// Stats returns cache statistics
func (c *encoderCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: c.calculateHitRate(),
	}
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// calculateHitRate calculates the cache hit rate
func (c *encoderCache) calculateHitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (c *encoderCache) evictLRU() {
	backElement := c.lruList.Back()
	if backElement != nil {
		model := backElement.Value.(string)
		c.lruList.Remove(backElement)
		delete(c.entries, model)
	}
}
