package meshcore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ExtAddress is the 64-bit IEEE 802.15.4 extended address.
type ExtAddress [8]byte

func (a ExtAddress) String() string { return hex.EncodeToString(a[:]) }

func (a ExtAddress) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

func (a *ExtAddress) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 8 {
		return fmt.Errorf("invalid ExtAddress length: %d", len(b))
	}
	copy(a[:], b)
	return nil
}

// ShortAddress is the 16-bit address assigned within a PAN. 0xfffe marks
// an invalid/unassigned short address (spec §3).
type ShortAddress uint16

const InvalidShortAddress ShortAddress = 0xfffe
const BroadcastShortAddress ShortAddress = 0xffff

func (a ShortAddress) IsValid() bool { return a != InvalidShortAddress }

// RouterID identifies a router within a partition, 0..62.
type RouterID uint8

const InvalidRouterID RouterID = 63

// Rloc16 combines a 6-bit router-id and a 10-bit child-id into the 16-bit
// routing locator used once a device has attached.
type Rloc16 uint16

func NewRloc16(routerID RouterID, childID uint16) Rloc16 {
	return Rloc16(uint16(routerID)<<10 | (childID & 0x3ff))
}

func (r Rloc16) RouterID() RouterID { return RouterID(r >> 10) }
func (r Rloc16) ChildID() uint16    { return uint16(r) & 0x3ff }
func (r Rloc16) IsRouterRloc() bool { return r.ChildID() == 0 }
