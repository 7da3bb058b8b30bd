// Package addrresolve implements the EID-to-RLOC16 address resolver of
// spec §4.8: a fixed-capacity, LRU-evicted cache with a per-entry query
// state machine (Invalid → Query → Cached, with a Snooped side-state
// populated from received traffic).
package addrresolve

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/openthread-go/meshcore/internal/meshcore"
)

// State is an address-cache entry's state (spec §3).
type State int

const (
	StateInvalid State = iota
	StateQuery
	StateSnooped
	StateCached
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateQuery:
		return "query"
	case StateSnooped:
		return "snooped"
	case StateCached:
		return "cached"
	default:
		return "unknown"
	}
}

// Entry is one EID→RLOC16 mapping.
type Entry struct {
	EID         [16]byte
	Rloc16      meshcore.ShortAddress
	State       State
	Age         time.Time
	retryCount  int
	nextRetryAt time.Time
}

// Transport sends an address-query multicast for the resolver (spec
// §4.8). Production code (cmd/meshd) sends the query as a JSON envelope
// in a UDP broadcast; tests substitute a recorder.
type Transport interface {
	SendAddressQuery(eid [16]byte) error
}

// Cache is the EID→RLOC16 resolver cache.
type Cache struct {
	mu sync.Mutex

	capacity      int
	transport     Transport
	maxRetryDelay time.Duration
	entries       map[[16]byte]*list.Element // value: *Entry
	order         *list.List                 // front = most recently used
}

// New constructs a Cache with the given capacity and retry ceiling.
func New(capacity int, transport Transport, maxRetryDelay time.Duration) *Cache {
	return &Cache{
		capacity:      capacity,
		transport:     transport,
		maxRetryDelay: maxRetryDelay,
		entries:       make(map[[16]byte]*list.Element),
		order:         list.New(),
	}
}

// Resolve looks up eid. If cached, it returns the mapping immediately. If
// absent, it allocates (evicting LRU if full), issues an address-query,
// and returns meshcore.ErrNotFound to tell the caller the datagram must
// wait.
func (c *Cache) Resolve(eid [16]byte) (meshcore.ShortAddress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[eid]; ok {
		c.order.MoveToFront(el)
		e := el.Value.(*Entry)
		switch e.State {
		case StateCached:
			return e.Rloc16, nil
		case StateSnooped:
			e.State = StateCached
			return e.Rloc16, nil
		default:
			return 0, fmt.Errorf("address %x still resolving: %w", eid, meshcore.ErrNotFound)
		}
	}

	e := &Entry{EID: eid, State: StateQuery, Age: time.Now()}
	c.insert(e)
	if err := c.transport.SendAddressQuery(eid); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("address %x not cached, query sent: %w", eid, meshcore.ErrNotFound)
}

// insert adds e to the front of the LRU list, evicting the
// least-recently-used non-Query entry if the cache is full (spec §8
// boundary behavior).
func (c *Cache) insert(e *Entry) {
	if len(c.entries) >= c.capacity {
		c.evictOneLocked()
	}
	el := c.order.PushFront(e)
	c.entries[e.EID] = el
}

func (c *Cache) evictOneLocked() {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		if el.Value.(*Entry).State != StateQuery {
			delete(c.entries, el.Value.(*Entry).EID)
			c.order.Remove(el)
			return
		}
	}
	// Every entry is mid-query; evict the least-recently-used anyway to
	// bound memory, per spec's fixed-capacity invariant.
	if el := c.order.Back(); el != nil {
		delete(c.entries, el.Value.(*Entry).EID)
		c.order.Remove(el)
	}
}

// HandleAddressNotification transitions a Query entry to Cached on
// receiving an address-notification (spec §4.8).
func (c *Cache) HandleAddressNotification(eid [16]byte, rloc16 meshcore.ShortAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[eid]
	if !ok {
		e := &Entry{EID: eid, Rloc16: rloc16, State: StateCached, Age: time.Now()}
		c.insert(e)
		return
	}
	e := el.Value.(*Entry)
	e.Rloc16 = rloc16
	e.State = StateCached
	e.Age = time.Now()
	c.order.MoveToFront(el)
}

// Snoop records a mapping observed from a received datagram's source
// info, in the Snooped state (spec §4.8). It does not evict or reorder
// an existing Cached/Query entry for the same EID.
func (c *Cache) Snoop(eid [16]byte, rloc16 meshcore.ShortAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[eid]; ok {
		return
	}
	e := &Entry{EID: eid, Rloc16: rloc16, State: StateSnooped, Age: time.Now()}
	c.insert(e)
}

// RetryExpired re-sends address-queries for Query entries whose
// exponential-backoff retry deadline has elapsed, capped at
// maxRetryDelay, per spec §4.8.
func (c *Cache) RetryExpired(now time.Time) {
	c.mu.Lock()
	var due []*Entry
	for _, el := range c.entries {
		e := el.Value.(*Entry)
		if e.State == StateQuery && !e.nextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	c.mu.Unlock()

	for _, e := range due {
		delay := time.Second << uint(e.retryCount)
		if delay > c.maxRetryDelay {
			delay = c.maxRetryDelay
		}
		e.retryCount++
		e.nextRetryAt = now.Add(delay)
		_ = c.transport.SendAddressQuery(e.EID)
	}
}

// Invalidate marks eid Invalid (removes it), e.g. after retries are
// exhausted, so the next datagram re-queries (spec §7 user-visible
// failure behavior).
func (c *Cache) Invalidate(eid [16]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[eid]; ok {
		c.order.Remove(el)
		delete(c.entries, eid)
	}
}

// Len returns the number of entries currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
