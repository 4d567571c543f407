// Package cache memoizes search results for a bounded time.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/communitylink/service-discovery/internal/model"
)

// Defaults for NewMemory.
const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 100
)

// ResultCache stores search results by compiled plan key.
type ResultCache interface {
	// Get returns the live entry for key. An expired entry is evicted and reported as a miss.
	Get(key string) (*model.SearchResult, bool)
	// Set stores result under key, evicting the oldest-inserted entry when full.
	Set(key string, result *model.SearchResult)
	// Clear drops every entry.
	Clear()
	// Len reports the number of stored entries, including any not yet swept.
	Len() int
}

// Observer receives cache events. Any field may be nil.
type Observer struct {
	Hit   func()
	Miss  func()
	Evict func(reason string)
	Clear func()
}

// Options configures a memory cache.
type Options struct {
	TTL      time.Duration
	Capacity int
	Now      func() time.Time
	Observer Observer
}

type entry struct {
	key       string
	result    *model.SearchResult
	createdAt time.Time
}

// memory evicts in insertion order. Reads never move an entry, so a popular
// old entry is evicted before a rarely read new one.
type memory struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time
	obs      Observer
	order    *list.List               // Front is the oldest insertion
	entries  map[string]*list.Element // Key to element in order
}

// NewMemory creates a process-local result cache.
func NewMemory(opts Options) ResultCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &memory{
		ttl:      opts.TTL,
		capacity: opts.Capacity,
		now:      opts.Now,
		obs:      opts.Observer,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (m *memory) Get(key string) (*model.SearchResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		m.miss()
		return nil, false
	}
	e := el.Value.(*entry)
	if m.expired(e) {
		m.remove(el, "expired")
		m.miss()
		return nil, false
	}
	if m.obs.Hit != nil {
		m.obs.Hit()
	}
	return e.result, true
}

func (m *memory) Set(key string, result *model.SearchResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	// Re-setting a key keeps its insertion slot and restarts its TTL.
	if el, ok := m.entries[key]; ok {
		e := el.Value.(*entry)
		e.result = result
		e.createdAt = now
		return
	}

	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if m.expired(el.Value.(*entry)) {
			m.remove(el, "expired")
		}
		el = next
	}

	m.entries[key] = m.order.PushBack(&entry{key: key, result: result, createdAt: now})
	for m.order.Len() > m.capacity {
		m.remove(m.order.Front(), "capacity")
	}
}

func (m *memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.order.Init()
	m.entries = make(map[string]*list.Element)
	if m.obs.Clear != nil {
		m.obs.Clear()
	}
}

func (m *memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *memory) expired(e *entry) bool {
	return m.now().Sub(e.createdAt) >= m.ttl
}

func (m *memory) remove(el *list.Element, reason string) {
	e := m.order.Remove(el).(*entry)
	delete(m.entries, e.key)
	if m.obs.Evict != nil {
		m.obs.Evict(reason)
	}
}

func (m *memory) miss() {
	if m.obs.Miss != nil {
		m.obs.Miss()
	}
}
