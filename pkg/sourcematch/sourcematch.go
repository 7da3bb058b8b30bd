// Package sourcematch implements the per-PAN source-match table of spec
// §4.3: a software stand-in for radios that lack hardware source-address
// matching. It is grounded directly on OpenThread's own software fallback
// (examples/platforms/utils/soft_source_match_table.c in
// _examples/original_source): each slot stores a 16-bit additive checksum
// of the address plus the PAN id, not a cryptographic hash, so checksum
// collisions are possible and accepted by design (spec §9(ii)) — a
// reimplementation must preserve this to match hardware-acceleration
// semantics, not "fix" it.
package sourcematch

import "github.com/openthread-go/meshcore/internal/meshcore"

// Table is a fixed-capacity per-PAN source-match table with separate
// short-address and extended-address slot arrays.
type Table struct {
	panID  uint16
	shorts []slot
	exts   []slot
}

type slot struct {
	checksum  uint16
	allocated bool
}

// New returns a Table with shortCap short-address slots and extCap
// extended-address slots.
func New(shortCap, extCap int) *Table {
	return &Table{
		shorts: make([]slot, shortCap),
		exts:   make([]slot, extCap),
	}
}

// SetPanID sets the PAN id folded into every checksum computed by this
// table. Changing it does not recompute existing entries.
func (t *Table) SetPanID(panID uint16) { t.panID = panID }

func shortChecksum(panID uint16, addr meshcore.ShortAddress) uint16 {
	return panID + uint16(addr)
}

func extChecksum(panID uint16, addr meshcore.ExtAddress) uint16 {
	sum := panID
	for i := 0; i < 8; i += 2 {
		sum += uint16(addr[i]) | uint16(addr[i+1])<<8
	}
	return sum
}

// FindShort returns the index of the first allocated slot matching addr,
// or -1 if none matches (spec §8 boundary: empty table returns -1).
func (t *Table) FindShort(addr meshcore.ShortAddress) int {
	return findChecksum(t.shorts, shortChecksum(t.panID, addr))
}

// FindExt returns the index of the first allocated slot matching addr, or
// -1 if none matches.
func (t *Table) FindExt(addr meshcore.ExtAddress) int {
	return findChecksum(t.exts, extChecksum(t.panID, addr))
}

func findChecksum(slots []slot, checksum uint16) int {
	for i, s := range slots {
		if s.allocated && s.checksum == checksum {
			return i
		}
	}
	return -1
}

// AddShort allocates the first free slot for addr. It returns
// meshcore.ErrNoBufs if the table is full.
func (t *Table) AddShort(addr meshcore.ShortAddress) error {
	return addEntry(t.shorts, shortChecksum(t.panID, addr))
}

// AddExt allocates the first free slot for addr.
func (t *Table) AddExt(addr meshcore.ExtAddress) error {
	return addEntry(t.exts, extChecksum(t.panID, addr))
}

func addEntry(slots []slot, checksum uint16) error {
	for i := range slots {
		if !slots[i].allocated {
			slots[i] = slot{checksum: checksum, allocated: true}
			return nil
		}
	}
	return meshcore.ErrNoBufs
}

// RemoveShort clears the first slot matching addr. It returns
// meshcore.ErrNoAddress if no slot matches.
func (t *Table) RemoveShort(addr meshcore.ShortAddress) error {
	return removeEntry(t.shorts, shortChecksum(t.panID, addr))
}

// RemoveExt clears the first slot matching addr.
func (t *Table) RemoveExt(addr meshcore.ExtAddress) error {
	return removeEntry(t.exts, extChecksum(t.panID, addr))
}

func removeEntry(slots []slot, checksum uint16) error {
	idx := findChecksum(slots, checksum)
	if idx < 0 {
		return meshcore.ErrNoAddress
	}
	slots[idx] = slot{}
	return nil
}

// ClearShortEntries removes every short-address entry.
func (t *Table) ClearShortEntries() {
	for i := range t.shorts {
		t.shorts[i] = slot{}
	}
}

// ClearExtEntries removes every extended-address entry.
func (t *Table) ClearExtEntries() {
	for i := range t.exts {
		t.exts[i] = slot{}
	}
}
