package thread

import (
	"hash/fnv"
	"sync"
)

const defaultStripes = 64

// KeyedMutex serializes work per key using a fixed set of stripes.
// Distinct keys may share a stripe; the same key always does.
type KeyedMutex struct {
	stripes []sync.Mutex
}

func NewKeyedMutex(stripes int) *KeyedMutex {
	if stripes <= 0 {
		stripes = defaultStripes
	}
	return &KeyedMutex{stripes: make([]sync.Mutex, stripes)}
}

// Lock acquires the stripe for key and returns its unlock func.
func (m *KeyedMutex) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &m.stripes[h.Sum32()%uint32(len(m.stripes))]
	mu.Lock()
	return mu.Unlock
}
