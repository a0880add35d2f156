package api

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
)

// invoiceCache holds projections of invoices in a terminal status. Paid and
// cancelled invoices never change again, so entries only leave by eviction
// or expiry.
type invoiceCache struct {
	cache  *lru.LRU[string, *billing.Invoice]
	hits   atomic.Int64
	misses atomic.Int64
}

func newInvoiceCache(size int, ttl time.Duration) *invoiceCache {
	if size < 16 {
		size = 16
	}
	return &invoiceCache{
		cache: lru.NewLRU[string, *billing.Invoice](size, nil, ttl),
	}
}

func (c *invoiceCache) get(id string) (*billing.Invoice, bool) {
	inv, ok := c.cache.Get(id)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return inv, true
}

// put stores inv if its status is terminal and reports whether it did
func (c *invoiceCache) put(inv *billing.Invoice) bool {
	if inv == nil || !inv.Status.Terminal() {
		return false
	}
	c.cache.Add(inv.ID, inv)
	return true
}

func (c *invoiceCache) remove(id string) {
	c.cache.Remove(id)
}

// CacheStats reports invoice cache effectiveness
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

func (c *invoiceCache) stats() CacheStats {
	s := CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: c.cache.Len()}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
