package messaging

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory keeps the partnership_strength of the most recent DecisionRecord per agent pair,
// bounded to a fixed number of pairs. Reads never touch recency, so concurrent lookups
// during decision evaluation cannot change which pair is evicted next.
type Memory struct {
	size  int
	cache *lru.Cache[string, float64]
}

func NewMemory(size int) *Memory {
	if size < 1 {
		size = 1
	}
	c, _ := lru.New[string, float64](size)
	return &Memory{size: size, cache: c}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func (m *Memory) Get(a, b string) (float64, bool) {
	return m.cache.Peek(pairKey(a, b))
}

func (m *Memory) Put(a, b string, strength float64) {
	m.cache.Add(pairKey(a, b), strength)
}

func (m *Memory) Len() int { return m.cache.Len() }

// Each visits pairs oldest first.
func (m *Memory) Each(fn func(pair string, strength float64)) {
	for _, k := range m.cache.Keys() {
		if v, ok := m.cache.Peek(k); ok {
			fn(k, v)
		}
	}
}

// Clone copies entries oldest first so the copy evicts in the same order.
func (m *Memory) Clone() *Memory {
	out := NewMemory(m.size)
	for _, k := range m.cache.Keys() {
		if v, ok := m.cache.Peek(k); ok {
			out.cache.Add(k, v)
		}
	}
	return out
}
