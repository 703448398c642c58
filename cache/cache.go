// Package cache provides a small LRU cache with per-entry TTL, used to keep
// recent external menu-content responses so repeated keyword hits do not
// hammer the upstream endpoint.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_cache_hits_total",
		Help: "Total number of content cache hits",
	})
	misses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_cache_misses_total",
		Help: "Total number of content cache misses",
	})
	size = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "content_cache_size",
		Help: "Current number of cached responses",
	})
)

type entry struct {
	key     string
	value   string
	savedAt time.Time
	ttl     time.Duration
}

// Cache is a fixed-capacity LRU of string responses. Entries expire after
// their TTL and are also swept in the background.
type Cache struct {
	mu        sync.Mutex
	items     map[string]*list.Element
	evictList *list.List
	capacity  int
	stop      chan struct{}
	stopOnce  sync.Once
}

func New(capacity int) *Cache {
	c := &Cache{
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		capacity:  capacity,
		stop:      make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		misses.Inc()
		return "", false
	}
	e := element.Value.(*entry)
	if e.ttl > 0 && time.Since(e.savedAt) > e.ttl {
		c.remove(element)
		misses.Inc()
		return "", false
	}
	c.evictList.MoveToFront(element)
	hits.Inc()
	return e.value, true
}

func (c *Cache) Set(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.items[key]; ok {
		c.evictList.MoveToFront(element)
		e := element.Value.(*entry)
		e.value = value
		e.savedAt = time.Now()
		e.ttl = ttl
		return
	}

	element := c.evictList.PushFront(&entry{key: key, value: value, savedAt: time.Now(), ttl: ttl})
	c.items[key] = element
	size.Inc()

	if c.evictList.Len() > c.capacity {
		if back := c.evictList.Back(); back != nil {
			c.remove(back)
		}
	}
}

func (c *Cache) remove(element *list.Element) {
	c.evictList.Remove(element)
	delete(c.items, element.Value.(*entry).key)
	size.Dec()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for _, element := range c.items {
				e := element.Value.(*entry)
				if e.ttl > 0 && now.Sub(e.savedAt) > e.ttl {
					c.remove(element)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}
