package addrresolve

import (
	"errors"
	"testing"
	"time"

	"github.com/openthread-go/meshcore/internal/meshcore"
)

type recordingTransport struct {
	queries [][16]byte
}

func (r *recordingTransport) SendAddressQuery(eid [16]byte) error {
	r.queries = append(r.queries, eid)
	return nil
}

func eidFor(last byte) [16]byte {
	var e [16]byte
	e[0] = 0xfd
	e[15] = last
	return e
}

func TestResolveMissStartsQuery(t *testing.T) {
	transport := &recordingTransport{}
	cache := New(4, transport, time.Minute)

	eid := eidFor(1)
	_, err := cache.Resolve(eid)
	if !errors.Is(err, meshcore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on miss, got %v", err)
	}
	if len(transport.queries) != 1 {
		t.Fatalf("expected one address-query sent, got %d", len(transport.queries))
	}
}

func TestAddressNotificationCachesEntry(t *testing.T) {
	transport := &recordingTransport{}
	cache := New(4, transport, time.Minute)
	eid := eidFor(2)

	cache.Resolve(eid)
	cache.HandleAddressNotification(eid, 0x5001)

	rloc, err := cache.Resolve(eid)
	if err != nil {
		t.Fatalf("expected cached hit, got error %v", err)
	}
	if rloc != 0x5001 {
		t.Fatalf("rloc16 = 0x%04x, want 0x5001", rloc)
	}
}

func TestSnoopPromotedToCachedOnUse(t *testing.T) {
	transport := &recordingTransport{}
	cache := New(4, transport, time.Minute)
	eid := eidFor(3)

	cache.Snoop(eid, 0x6002)
	rloc, err := cache.Resolve(eid)
	if err != nil {
		t.Fatalf("expected snooped entry to resolve, got %v", err)
	}
	if rloc != 0x6002 {
		t.Fatalf("rloc16 = 0x%04x, want 0x6002", rloc)
	}
}

func TestFullCacheEvictsLeastRecentlyUsedNonQuery(t *testing.T) {
	transport := &recordingTransport{}
	cache := New(2, transport, time.Minute)

	a, b := eidFor(10), eidFor(11)
	cache.HandleAddressNotification(a, 0x1000) // Cached, least-recently-used after b is touched
	cache.HandleAddressNotification(b, 0x1001) // Cached, most-recently-used

	// Touch a again so b becomes the LRU victim instead.
	cache.Resolve(a)

	c := eidFor(12)
	cache.Resolve(c) // cache is full: must evict LRU non-Query entry (b), not a

	if cache.Len() != 2 {
		t.Fatalf("expected cache to stay at capacity 2, got %d", cache.Len())
	}
	if _, err := cache.Resolve(a); err != nil {
		t.Fatalf("expected a (recently used) to survive eviction, got %v", err)
	}
	cache.HandleAddressNotification(b, 0x1001)
	if cache.Len() > 2 {
		t.Fatalf("cache grew past capacity: %d", cache.Len())
	}
}

func TestInvalidateForcesRequery(t *testing.T) {
	transport := &recordingTransport{}
	cache := New(4, transport, time.Minute)
	eid := eidFor(4)

	cache.Resolve(eid)
	cache.Invalidate(eid)

	_, err := cache.Resolve(eid)
	if !errors.Is(err, meshcore.ErrNotFound) {
		t.Fatalf("expected a fresh query after invalidate, got %v", err)
	}
	if len(transport.queries) != 2 {
		t.Fatalf("expected a second address-query after invalidate, got %d", len(transport.queries))
	}
}
