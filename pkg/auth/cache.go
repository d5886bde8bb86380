package auth

import (
	"container/list"
	"sync"
	"time"
)

// credCache is a bounded LRU of successful credential checks. Hits renew
// recency but never the deadline, so a stolen cache entry cannot be kept
// alive indefinitely by use.
type credCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	order   *list.List
	entries map[string]*list.Element
}

type credEntry struct {
	ck        string
	apiKey    string
	principal *Principal
	expires   time.Time
}

func newCredCache(max int, ttl time.Duration) *credCache {
	return &credCache{
		max:     max,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element, max),
	}
}

func (c *credCache) get(ck string) (*Principal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[ck]
	if !ok {
		return nil, false
	}
	e := el.Value.(*credEntry)
	if time.Now().After(e.expires) {
		c.remove(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.principal, true
}

func (c *credCache) put(ck, apiKey string, p *Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[ck]; ok {
		e := el.Value.(*credEntry)
		e.principal = p
		e.expires = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&credEntry{
		ck:        ck,
		apiKey:    apiKey,
		principal: p,
		expires:   time.Now().Add(c.ttl),
	})
	c.entries[ck] = el
	for c.order.Len() > c.max {
		c.remove(c.order.Back())
	}
}

// invalidate drops every entry belonging to an API key. Linear in cache
// size, which is bounded and small.
func (c *credCache) invalidate(apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var drop []*list.Element
	for el := c.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*credEntry).apiKey == apiKey {
			drop = append(drop, el)
		}
	}
	for _, el := range drop {
		c.remove(el)
	}
}

func (c *credCache) remove(el *list.Element) {
	if el == nil {
		return
	}
	delete(c.entries, el.Value.(*credEntry).ck)
	c.order.Remove(el)
}

func (c *credCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
