package storage

import (
	"sync"
)

// cacheKey addresses one dirty page by its absolute offset. EngineLoop
// commits one verified piece per Write, so each key corresponds to one
// whole piece.
type cacheKey int64

// WriteBackCache bounds RAM usage for recently-written pages: writes land
// here first and are acknowledged immediately, then flushed to the
// underlying FileManager either on explicit Flush or when the dirty set
// exceeds maxBytes. Eviction always writes synchronously before
// accepting the write that triggered it "eviction
// writes dirty pages synchronously before acknowledging new writes".
type WriteBackCache struct {
	mu       sync.Mutex
	fm       *FileManager
	maxBytes int64
	dirty    map[cacheKey][]byte
	order    []cacheKey // FIFO eviction order
	dirtyLen int64
}

func NewWriteBackCache(fm *FileManager, maxBytes int64) *WriteBackCache {
	return &WriteBackCache{
		fm:       fm,
		maxBytes: maxBytes,
		dirty:    make(map[cacheKey][]byte),
	}
}

// Write buffers data at offset, evicting the oldest dirty pages first if
// the cache is over budget once this write lands.
func (c *WriteBackCache) Write(offset int64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(offset)
	if _, exists := c.dirty[key]; !exists {
		c.order = append(c.order, key)
	}
	c.dirty[key] = append([]byte(nil), data...)
	c.dirtyLen += int64(len(data))

	for c.dirtyLen > c.maxBytes && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		page, ok := c.dirty[oldest]
		if !ok {
			continue
		}
		if err := c.fm.Write(int64(oldest), page); err != nil {
			return err
		}
		delete(c.dirty, oldest)
		c.dirtyLen -= int64(len(page))
	}
	return nil
}

// Read serves from the dirty set when present, otherwise falls through
// to the FileManager.
func (c *WriteBackCache) Read(offset, length int64) ([]byte, error) {
	c.mu.Lock()
	if page, ok := c.dirty[cacheKey(offset)]; ok && int64(len(page)) >= length {
		out := append([]byte(nil), page[:length]...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()
	return c.fm.Read(offset, length)
}

// Flush writes every dirty page through to the FileManager and fsyncs it,
// the barrier used at shutdown and before persisting a ResumeRecord.
func (c *WriteBackCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.order {
		page, ok := c.dirty[key]
		if !ok {
			continue
		}
		if err := c.fm.Write(int64(key), page); err != nil {
			return err
		}
	}
	c.dirty = make(map[cacheKey][]byte)
	c.order = nil
	c.dirtyLen = 0
	return c.fm.Flush()
}

func (c *WriteBackCache) DirtyBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirtyLen
}
