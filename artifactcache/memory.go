package artifactcache

import (
	"bytes"
	"io"
	"sync"
)

// NewMemoryCache returns a Cache held entirely in process memory. Entries
// do not survive the process; it mainly serves tests and short-lived
// tools.
func NewMemoryCache() Cache {
	return &memoryCache{entries: map[Checksum][]byte{}}
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[Checksum][]byte
}

func (mc *memoryCache) Get(key Checksum) (io.ReadCloser, bool, error) {
	mc.mu.RLock()
	content, ok := mc.entries[key]
	mc.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return io.NopCloser(bytes.NewReader(content)), true, nil
}

func (mc *memoryCache) Put(key Checksum, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	mc.mu.Lock()
	mc.entries[key] = data
	mc.mu.Unlock()
	return nil
}

func (mc *memoryCache) Delete(key Checksum) error {
	mc.mu.Lock()
	delete(mc.entries, key)
	mc.mu.Unlock()
	return nil
}
