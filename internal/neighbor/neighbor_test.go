package neighbor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openthread-go/meshcore/internal/meshcore"
)

func TestAllocateFindRemoveChild(t *testing.T) {
	tbl := NewTable(2, 0, 0)

	h, err := tbl.AllocateChild()
	if err != nil {
		t.Fatalf("AllocateChild: %v", err)
	}
	c, err := tbl.Child(h)
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	c.ShortAddress = 0x1001
	c.ExtAddress = meshcore.ExtAddress{1, 2, 3, 4, 5, 6, 7, 8}
	c.State = StateValid
	c.LastHeard = time.Now()

	if found := tbl.FindChildByShort(0x1001, nil); found != h {
		t.Fatalf("FindChildByShort = %d, want %d", found, h)
	}
	if found := tbl.FindChildByExt(c.ExtAddress, InState(StateValid)); found != h {
		t.Fatalf("FindChildByExt = %d, want %d", found, h)
	}
	if found := tbl.FindChildByExt(c.ExtAddress, InState(StateParentRequest)); found != InvalidHandle {
		t.Fatalf("FindChildByExt with non-matching filter should miss, got %d", found)
	}

	if err := tbl.RemoveChild(h); err != nil {
		t.Fatalf("RemoveChild: %v", err)
	}
	if found := tbl.FindChildByShort(0x1001, nil); found != InvalidHandle {
		t.Fatalf("expected InvalidHandle after remove, got %d", found)
	}
}

func TestFilteredFindNeverReturnsInvalid(t *testing.T) {
	tbl := NewTable(1, 0, 0)
	h, err := tbl.AllocateChild()
	if err != nil {
		t.Fatalf("AllocateChild: %v", err)
	}
	c, _ := tbl.Child(h)
	c.ShortAddress = 0x2222
	// Leave c.State at StateInvalid (zero value from AllocateChild reset).
	c.State = StateInvalid

	if found := tbl.FindChildByShort(0x2222, InState(StateValid)); found != InvalidHandle {
		t.Fatalf("find must never surface an Invalid entry, got %d", found)
	}
}

func TestChildTableFullReturnsNoBufs(t *testing.T) {
	tbl := NewTable(1, 0, 0)
	h, err := tbl.AllocateChild()
	if err != nil {
		t.Fatalf("AllocateChild: %v", err)
	}
	c, _ := tbl.Child(h)
	c.State = StateValid

	if _, err := tbl.AllocateChild(); !errors.Is(err, meshcore.ErrNoBufs) {
		t.Fatalf("expected ErrNoBufs when full, got %v", err)
	}
}

func TestCapacityInvariant(t *testing.T) {
	tbl := NewTable(4, 4, 4)
	if got, want := tbl.Capacity(), 4+4+4+1; got != want {
		t.Fatalf("Capacity() = %d, want %d", got, want)
	}

	for i := 0; i < 3; i++ {
		h, err := tbl.AllocateChild()
		if err != nil {
			t.Fatalf("AllocateChild %d: %v", i, err)
		}
		c, _ := tbl.Child(h)
		c.State = StateValid
	}
	if got := tbl.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
	if tbl.Count() > tbl.Capacity() {
		t.Fatalf("count %d exceeds capacity %d", tbl.Count(), tbl.Capacity())
	}
}

func TestRegisterAddressBounds(t *testing.T) {
	c := &Child{Neighbor: newNeighbor()}
	for i := 0; i < maxRegisteredAddresses; i++ {
		if err := c.RegisterAddress(fmt.Sprintf("fd00::%d", i)); err != nil {
			t.Fatalf("RegisterAddress %d: %v", i, err)
		}
	}
	if err := c.RegisterAddress("fd00::99"); err != meshcore.ErrNoBufs {
		t.Fatalf("expected ErrNoBufs at bound, got %v", err)
	}
}

func TestExpireStale(t *testing.T) {
	tbl := NewTable(2, 0, 0)
	h, _ := tbl.AllocateChild()
	c, _ := tbl.Child(h)
	c.State = StateValid
	c.LastHeard = time.Now().Add(-time.Hour)

	expired, _, _ := tbl.ExpireStale(time.Now(), time.Minute)
	if len(expired) != 1 || expired[0] != h {
		t.Fatalf("expected child %d to expire, got %v", h, expired)
	}
	if tbl.Count() != 0 {
		t.Fatalf("expired entry should no longer count, got %d", tbl.Count())
	}
}
