package reconcile

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"gantry/internal/domain"
)

type cacheEntry struct {
	ticket  domain.Ticket
	fetched time.Time
}

// Cache is a bounded, time-stamped snapshot of canonical tickets. Entries
// older than the TTL are treated as misses; Invalidate drops an entry the
// moment a mutation for its ticket is confirmed.
type Cache struct {
	entries *lru.Cache[string, cacheEntry]
	ttl     time.Duration

	// Now is the clock used for TTL checks. Overridable in tests.
	Now func() time.Time
}

func NewCache(size int, ttl time.Duration) (*Cache, error) {
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries, ttl: ttl, Now: time.Now}, nil
}

func (c *Cache) Get(ticketID string) (domain.Ticket, bool) {
	e, ok := c.entries.Get(ticketID)
	if !ok {
		return domain.Ticket{}, false
	}
	if c.Now().Sub(e.fetched) > c.ttl {
		c.entries.Remove(ticketID)
		return domain.Ticket{}, false
	}
	return e.ticket, true
}

func (c *Cache) Put(t domain.Ticket) {
	c.entries.Add(t.ID, cacheEntry{ticket: t, fetched: c.Now()})
}

func (c *Cache) Invalidate(ticketID string) {
	c.entries.Remove(ticketID)
}

func (c *Cache) Purge() {
	c.entries.Purge()
}
