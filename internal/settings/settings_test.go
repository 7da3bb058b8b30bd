package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openthread-go/meshcore/internal/meshcore"
)

func TestNetworkInfoRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(), zerolog.Nop())

	info := NetworkInfo{Role: 2, Rloc16: 0x4001, KeySequence: 7}
	if err := s.SaveNetworkInfo(ctx, info); err != nil {
		t.Fatalf("SaveNetworkInfo: %v", err)
	}

	got, err := s.ReadNetworkInfo(ctx)
	if err != nil {
		t.Fatalf("ReadNetworkInfo: %v", err)
	}
	if got.Rloc16 != info.Rloc16 || got.KeySequence != info.KeySequence {
		t.Fatalf("read back %+v, want %+v", got, info)
	}
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(), zerolog.Nop())

	if _, err := s.ReadNetworkInfo(ctx); !errors.Is(err, meshcore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveCoalescingSkipsIdenticalWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := New(store, zerolog.Nop())

	info := ParentInfo{}
	info.ExtAddress[0] = 0xaa

	if err := s.SaveParentInfo(ctx, info); err != nil {
		t.Fatalf("first SaveParentInfo: %v", err)
	}
	if err := s.SaveParentInfo(ctx, info); err != nil {
		t.Fatalf("second (coalesced) SaveParentInfo: %v", err)
	}

	got, err := s.ReadParentInfo(ctx)
	if err != nil {
		t.Fatalf("ReadParentInfo: %v", err)
	}
	if got.ExtAddress != info.ExtAddress {
		t.Fatalf("got %+v, want %+v", got, info)
	}
}

func TestAddChildInfoAppendsList(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(), zerolog.Nop())

	a := ChildInfo{Rloc16: 0x4002, Timeout: 240}
	b := ChildInfo{Rloc16: 0x4003, Timeout: 120}

	if err := s.AddChildInfo(ctx, a); err != nil {
		t.Fatalf("AddChildInfo a: %v", err)
	}
	if err := s.AddChildInfo(ctx, b); err != nil {
		t.Fatalf("AddChildInfo b: %v", err)
	}

	children, err := s.ChildInfos(ctx)
	if err != nil {
		t.Fatalf("ChildInfos: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	if children[0].Rloc16 != a.Rloc16 || children[1].Rloc16 != b.Rloc16 {
		t.Fatalf("children order/content mismatch: %+v", children)
	}
}

func TestWipeClearsEverything(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(), zerolog.Nop())

	s.SaveNetworkInfo(ctx, NetworkInfo{Rloc16: 0x4001})
	s.AddChildInfo(ctx, ChildInfo{Rloc16: 0x4002})

	if err := s.Wipe(ctx); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	if _, err := s.ReadNetworkInfo(ctx); !errors.Is(err, meshcore.ErrNotFound) {
		t.Fatalf("expected NetworkInfo gone after wipe, got %v", err)
	}
	children, _ := s.ChildInfos(ctx)
	if len(children) != 0 {
		t.Fatalf("expected no children after wipe, got %d", len(children))
	}
}

func TestOperationalDatasetActiveAndPendingAreDistinct(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(), zerolog.Nop())

	active := []byte{0x01, 0x02, 0x03}
	pending := []byte{0x09, 0x08}

	if err := s.SaveOperationalDataset(ctx, true, active); err != nil {
		t.Fatalf("save active: %v", err)
	}
	if err := s.SaveOperationalDataset(ctx, false, pending); err != nil {
		t.Fatalf("save pending: %v", err)
	}

	gotActive, err := s.ReadOperationalDataset(ctx, true)
	if err != nil || string(gotActive) != string(active) {
		t.Fatalf("active dataset = %v, %v; want %v", gotActive, err, active)
	}
	gotPending, err := s.ReadOperationalDataset(ctx, false)
	if err != nil || string(gotPending) != string(pending) {
		t.Fatalf("pending dataset = %v, %v; want %v", gotPending, err, pending)
	}
}
