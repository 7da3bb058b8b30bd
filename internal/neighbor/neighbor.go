// Package neighbor implements the neighbor database of spec §4.5: fixed
// capacity, arena-addressed tables for the parent, children, routers,
// and point-to-point peers, grounded on OpenThread's own neighbor/peer
// arrays (_examples/original_source/src/core/thread/peer.hpp,
// peer_table.hpp) and on the design note (spec §9) to replace raw
// pointers with stable u16 handles into a slot arena.
package neighbor

import (
	"fmt"
	"time"

	"github.com/openthread-go/meshcore/internal/meshcore"
)

// State is a neighbor's lifecycle state (spec §3).
type State int

const (
	StateInvalid State = iota
	StateRestored
	StateParentRequest
	StateParentResponse
	StateChildIDRequest
	StateLinkRequest
	StateValid
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateRestored:
		return "restored"
	case StateParentRequest:
		return "parent-request"
	case StateParentResponse:
		return "parent-response"
	case StateChildIDRequest:
		return "child-id-request"
	case StateLinkRequest:
		return "link-request"
	case StateValid:
		return "valid"
	default:
		return "unknown"
	}
}

// DeviceMode carries the three mode bits a neighbor advertises.
type DeviceMode struct {
	RxOnWhenIdle    bool
	FtdCapable      bool
	FullNetworkData bool
}

// LinkQuality is a moving average of RSSI/LQI samples, per spec §3.
type LinkQuality struct {
	AvgRSSI float64
	AvgLQI  float64
	samples int
}

// Update folds one (rssi, lqi) sample into the moving average using an
// exponential weight, the same shape as most 802.15.4 stacks' rolling
// average (alpha = 1/8, i.e. a 3-bit shift average).
func (lq *LinkQuality) Update(rssi, lqi int8) {
	const alpha = 0.125
	if lq.samples == 0 {
		lq.AvgRSSI = float64(rssi)
		lq.AvgLQI = float64(lqi)
	} else {
		lq.AvgRSSI = lq.AvgRSSI + alpha*(float64(rssi)-lq.AvgRSSI)
		lq.AvgLQI = lq.AvgLQI + alpha*(float64(lqi)-lq.AvgLQI)
	}
	lq.samples++
}

// Handle is a stable slot index into a Table, used in place of a pointer
// so entries can be relocated/reused without invalidating references held
// elsewhere (spec §9 design note).
type Handle uint16

// InvalidHandle marks "no entry".
const InvalidHandle Handle = 0xffff

// Neighbor is the common record shared by children, routers, and peers.
type Neighbor struct {
	ExtAddress   meshcore.ExtAddress
	ShortAddress meshcore.ShortAddress
	State        State
	Mode         DeviceMode
	LastHeard    time.Time
	Quality      LinkQuality
	// Frame counters are keyed by key sequence number.
	IncomingFrameCounters map[uint32]uint32
	OutgoingFrameCounters map[uint32]uint32
	IncomingMleCounter    uint32
	PendingAckCount       int
}

func newNeighbor() Neighbor {
	return Neighbor{
		State:                 StateInvalid,
		IncomingFrameCounters: make(map[uint32]uint32),
		OutgoingFrameCounters: make(map[uint32]uint32),
	}
}

// Child extends Neighbor with the attributes of spec §3's Child record.
type Child struct {
	Neighbor
	RegisteredIPv6    []string // up to maxRegisteredAddresses
	CslAccuracyPPM    uint8
	RequestTimeout    time.Duration
	IndirectQueueSize int // informational; the actual FIFO lives in internal/macsched
}

// maxRegisteredAddresses bounds Child.RegisteredIPv6 (spec §3: ≤ 10).
const maxRegisteredAddresses = 10

// RegisterAddress adds addr to the child's registered address set. It
// returns meshcore.ErrNoBufs once the bound is reached and
// meshcore.ErrAlready if addr is already registered.
func (c *Child) RegisterAddress(addr string) error {
	for _, a := range c.RegisteredIPv6 {
		if a == addr {
			return meshcore.ErrAlready
		}
	}
	if len(c.RegisteredIPv6) >= maxRegisteredAddresses {
		return meshcore.ErrNoBufs
	}
	c.RegisteredIPv6 = append(c.RegisteredIPv6, addr)
	return nil
}

// Router extends Neighbor with the routing attributes of spec §3.
type Router struct {
	Neighbor
	RouterID       meshcore.RouterID
	LinkCost       map[meshcore.RouterID]uint8
	NextHop        map[meshcore.RouterID]meshcore.RouterID
	AdvertisingDue time.Time
}

func newRouter() Router {
	return Router{
		Neighbor: newNeighbor(),
		RouterID: meshcore.InvalidRouterID,
		LinkCost: make(map[meshcore.RouterID]uint8),
		NextHop:  make(map[meshcore.RouterID]meshcore.RouterID),
	}
}

// StateFilter restricts Find/Iterate results to neighbors whose state
// satisfies the predicate. Passing nil matches every non-Invalid entry.
type StateFilter func(State) bool

// InState builds a StateFilter matching exactly the given states.
func InState(states ...State) StateFilter {
	set := make(map[State]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	return func(s State) bool { return set[s] }
}

// Table is the fixed-capacity neighbor database: one parent slot, a
// children arena, a router arena (≤ 63 entries), and a peer arena.
type Table struct {
	parent      *Child
	parentValid bool

	children []Child
	routers  []Router
	peers    []Neighbor
}

// NewTable allocates a Table with the given per-kind capacities.
func NewTable(maxChildren, maxRouters, maxPeers int) *Table {
	if maxRouters > 63 {
		maxRouters = 63
	}
	t := &Table{
		children: make([]Child, maxChildren),
		routers:  make([]Router, maxRouters),
		peers:    make([]Neighbor, maxPeers),
	}
	for i := range t.children {
		t.children[i].Neighbor = newNeighbor()
	}
	for i := range t.routers {
		t.routers[i] = newRouter()
	}
	for i := range t.peers {
		t.peers[i] = newNeighbor()
	}
	return t
}

// SetParent installs the single parent entry, replacing any previous one.
func (t *Table) SetParent(c Child) {
	cp := c
	t.parent = &cp
	t.parentValid = true
}

// Parent returns the parent entry, if any.
func (t *Table) Parent() (*Child, bool) {
	if !t.parentValid {
		return nil, false
	}
	return t.parent, true
}

// ClearParent invalidates the parent entry.
func (t *Table) ClearParent() {
	t.parent = nil
	t.parentValid = false
}

// AllocateChild returns a handle to a fresh child slot in StateInvalid, or
// meshcore.ErrNoBufs if every slot is occupied by a non-Invalid entry.
func (t *Table) AllocateChild() (Handle, error) {
	for i := range t.children {
		if t.children[i].State == StateInvalid {
			t.children[i] = Child{Neighbor: newNeighbor()}
			return Handle(i), nil
		}
	}
	return InvalidHandle, fmt.Errorf("child table full: %w", meshcore.ErrNoBufs)
}

// Child returns a pointer to the child at h. The pointer is valid until
// the slot is reused via AllocateChild or RemoveChild.
func (t *Table) Child(h Handle) (*Child, error) {
	if int(h) >= len(t.children) {
		return nil, fmt.Errorf("child handle %d out of range: %w", h, meshcore.ErrInvalidArgs)
	}
	return &t.children[h], nil
}

// RemoveChild marks the slot at h Invalid, freeing it for reuse.
func (t *Table) RemoveChild(h Handle) error {
	c, err := t.Child(h)
	if err != nil {
		return err
	}
	*c = Child{Neighbor: newNeighbor()}
	return nil
}

// FindChildByShort returns the handle of the first child matching addr
// under filter (nil matches any non-Invalid state), or InvalidHandle if
// none matches. Per spec §4.5's invariant, a filtered find never returns
// an Invalid entry.
func (t *Table) FindChildByShort(addr meshcore.ShortAddress, filter StateFilter) Handle {
	for i := range t.children {
		c := &t.children[i]
		if c.State == StateInvalid || c.ShortAddress != addr {
			continue
		}
		if filter != nil && !filter(c.State) {
			continue
		}
		return Handle(i)
	}
	return InvalidHandle
}

// FindChildByExt returns the handle of the first child matching ext.
func (t *Table) FindChildByExt(ext meshcore.ExtAddress, filter StateFilter) Handle {
	for i := range t.children {
		c := &t.children[i]
		if c.State == StateInvalid || c.ExtAddress != ext {
			continue
		}
		if filter != nil && !filter(c.State) {
			continue
		}
		return Handle(i)
	}
	return InvalidHandle
}

// IterateChildren calls fn for every child whose state satisfies filter
// (nil matches any non-Invalid state). fn returning false stops iteration.
func (t *Table) IterateChildren(filter StateFilter, fn func(Handle, *Child) bool) {
	for i := range t.children {
		c := &t.children[i]
		if c.State == StateInvalid {
			continue
		}
		if filter != nil && !filter(c.State) {
			continue
		}
		if !fn(Handle(i), c) {
			return
		}
	}
}

// AllocateRouter returns a handle to a fresh router slot, or
// meshcore.ErrNoBufs once every router slot (capped at 63) is occupied.
func (t *Table) AllocateRouter() (Handle, error) {
	for i := range t.routers {
		if t.routers[i].State == StateInvalid {
			t.routers[i] = newRouter()
			return Handle(i), nil
		}
	}
	return InvalidHandle, fmt.Errorf("router table full: %w", meshcore.ErrNoBufs)
}

// Router returns a pointer to the router at h.
func (t *Table) Router(h Handle) (*Router, error) {
	if int(h) >= len(t.routers) {
		return nil, fmt.Errorf("router handle %d out of range: %w", h, meshcore.ErrInvalidArgs)
	}
	return &t.routers[h], nil
}

// RemoveRouter marks the slot at h Invalid.
func (t *Table) RemoveRouter(h Handle) error {
	r, err := t.Router(h)
	if err != nil {
		return err
	}
	*r = newRouter()
	return nil
}

// FindRouterByID returns the handle of the router with the given
// router-id, or InvalidHandle.
func (t *Table) FindRouterByID(id meshcore.RouterID, filter StateFilter) Handle {
	for i := range t.routers {
		r := &t.routers[i]
		if r.State == StateInvalid || r.RouterID != id {
			continue
		}
		if filter != nil && !filter(r.State) {
			continue
		}
		return Handle(i)
	}
	return InvalidHandle
}

// FindRouterByShort returns the handle of the router matching addr.
func (t *Table) FindRouterByShort(addr meshcore.ShortAddress, filter StateFilter) Handle {
	for i := range t.routers {
		r := &t.routers[i]
		if r.State == StateInvalid || r.ShortAddress != addr {
			continue
		}
		if filter != nil && !filter(r.State) {
			continue
		}
		return Handle(i)
	}
	return InvalidHandle
}

// IterateRouters calls fn for every router whose state satisfies filter.
func (t *Table) IterateRouters(filter StateFilter, fn func(Handle, *Router) bool) {
	for i := range t.routers {
		r := &t.routers[i]
		if r.State == StateInvalid {
			continue
		}
		if filter != nil && !filter(r.State) {
			continue
		}
		if !fn(Handle(i), r) {
			return
		}
	}
}

// AllocatePeer returns a handle to a fresh point-to-point peer slot.
func (t *Table) AllocatePeer() (Handle, error) {
	for i := range t.peers {
		if t.peers[i].State == StateInvalid {
			t.peers[i] = newNeighbor()
			return Handle(i), nil
		}
	}
	return InvalidHandle, fmt.Errorf("peer table full: %w", meshcore.ErrNoBufs)
}

// Peer returns a pointer to the peer at h.
func (t *Table) Peer(h Handle) (*Neighbor, error) {
	if int(h) >= len(t.peers) {
		return nil, fmt.Errorf("peer handle %d out of range: %w", h, meshcore.ErrInvalidArgs)
	}
	return &t.peers[h], nil
}

// RemovePeer marks the slot at h Invalid.
func (t *Table) RemovePeer(h Handle) error {
	p, err := t.Peer(h)
	if err != nil {
		return err
	}
	*p = newNeighbor()
	return nil
}

// FindPeerByExt returns the handle of the peer matching ext.
func (t *Table) FindPeerByExt(ext meshcore.ExtAddress, filter StateFilter) Handle {
	for i := range t.peers {
		p := &t.peers[i]
		if p.State == StateInvalid || p.ExtAddress != ext {
			continue
		}
		if filter != nil && !filter(p.State) {
			continue
		}
		return Handle(i)
	}
	return InvalidHandle
}

// ExpireStale removes (marks Invalid) every child, router, and peer whose
// LastHeard is older than maxAge as of now, per spec §4.6 failure
// handling ("a neighbor not heard from for max-neighbor-age is removed").
func (t *Table) ExpireStale(now time.Time, maxAge time.Duration) (expiredChildren, expiredRouters, expiredPeers []Handle) {
	for i := range t.children {
		c := &t.children[i]
		if c.State != StateInvalid && now.Sub(c.LastHeard) > maxAge {
			h := Handle(i)
			expiredChildren = append(expiredChildren, h)
			*c = Child{Neighbor: newNeighbor()}
		}
	}
	for i := range t.routers {
		r := &t.routers[i]
		if r.State != StateInvalid && now.Sub(r.LastHeard) > maxAge {
			h := Handle(i)
			expiredRouters = append(expiredRouters, h)
			*r = newRouter()
		}
	}
	for i := range t.peers {
		p := &t.peers[i]
		if p.State != StateInvalid && now.Sub(p.LastHeard) > maxAge {
			h := Handle(i)
			expiredPeers = append(expiredPeers, h)
			*p = newNeighbor()
		}
	}
	return
}

// Count returns the number of non-Invalid entries across children,
// routers, and peers, used to check the spec §8 capacity invariant.
func (t *Table) Count() int {
	n := 0
	for i := range t.children {
		if t.children[i].State != StateInvalid {
			n++
		}
	}
	for i := range t.routers {
		if t.routers[i].State != StateInvalid {
			n++
		}
	}
	for i := range t.peers {
		if t.peers[i].State != StateInvalid {
			n++
		}
	}
	if t.parentValid {
		n++
	}
	return n
}

// Capacity returns the total slot count across children, routers, peers,
// and the parent slot.
func (t *Table) Capacity() int {
	return len(t.children) + len(t.routers) + len(t.peers) + 1
}
