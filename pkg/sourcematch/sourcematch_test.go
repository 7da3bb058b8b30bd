package sourcematch

import (
	"testing"

	"github.com/openthread-go/meshcore/internal/meshcore"
)

func TestChecksumAndFindShort(t *testing.T) {
	tbl := New(4, 4)
	tbl.SetPanID(0x1234)

	if err := tbl.AddShort(0x0005); err != nil {
		t.Fatalf("AddShort: %v", err)
	}

	got := shortChecksum(0x1234, 0x0005)
	if got != 0x1239 {
		t.Fatalf("checksum = 0x%04x, want 0x1239", got)
	}

	if idx := tbl.FindShort(0x0005); idx != 0 {
		t.Fatalf("FindShort(0x0005) = %d, want 0", idx)
	}
	if idx := tbl.FindShort(0x0006); idx != -1 {
		t.Fatalf("FindShort(0x0006) = %d, want -1", idx)
	}

	tbl.ClearShortEntries()
	if idx := tbl.FindShort(0x0005); idx != -1 {
		t.Fatalf("FindShort after clear = %d, want -1", idx)
	}
}

func TestFindOnEmptyTable(t *testing.T) {
	tbl := New(4, 4)
	if idx := tbl.FindShort(0x0001); idx != -1 {
		t.Fatalf("FindShort on empty table = %d, want -1", idx)
	}
	if idx := tbl.FindExt(meshcore.ExtAddress{}); idx != -1 {
		t.Fatalf("FindExt on empty table = %d, want -1", idx)
	}
}

func TestAddShortTableFull(t *testing.T) {
	tbl := New(2, 0)
	if err := tbl.AddShort(1); err != nil {
		t.Fatalf("AddShort 1: %v", err)
	}
	if err := tbl.AddShort(2); err != nil {
		t.Fatalf("AddShort 2: %v", err)
	}
	if err := tbl.AddShort(3); err == nil {
		t.Fatalf("expected ErrNoBufs when table is full")
	} else if err != meshcore.ErrNoBufs {
		t.Fatalf("expected ErrNoBufs, got %v", err)
	}
}

func TestRemoveShortNotFound(t *testing.T) {
	tbl := New(2, 0)
	if err := tbl.RemoveShort(0x0001); err != meshcore.ErrNoAddress {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}
}

func TestAddExtAndFind(t *testing.T) {
	tbl := New(0, 2)
	tbl.SetPanID(0x4321)

	var addr meshcore.ExtAddress
	copy(addr[:], []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})

	if err := tbl.AddExt(addr); err != nil {
		t.Fatalf("AddExt: %v", err)
	}
	if idx := tbl.FindExt(addr); idx != 0 {
		t.Fatalf("FindExt = %d, want 0", idx)
	}

	var other meshcore.ExtAddress
	copy(other[:], []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01})
	if idx := tbl.FindExt(other); idx != -1 {
		t.Fatalf("FindExt(other) = %d, want -1", idx)
	}

	if err := tbl.RemoveExt(addr); err != nil {
		t.Fatalf("RemoveExt: %v", err)
	}
	if idx := tbl.FindExt(addr); idx != -1 {
		t.Fatalf("FindExt after remove = %d, want -1", idx)
	}
}
