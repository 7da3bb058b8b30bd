// Package mle implements the Mesh Link Establishment engine of spec
// §4.6: the role state machine (Disabled → Detached → {Child, Router,
// Leader}), attach/parent-selection, router promotion, leader election,
// and periodic advertisement. It drives the neighbor database
// (internal/neighbor). It applies no MLE security of its own: message
// bodies are handed to the Transport unchanged. Grounded on the teacher's request/response correlation style in
// internal/network/processor.go (zerolog structured logging, explicit
// struct state rather than goroutine-per-session).
package mle

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/openthread-go/meshcore/internal/config"
	"github.com/openthread-go/meshcore/internal/meshcore"
	"github.com/openthread-go/meshcore/internal/neighbor"
	"github.com/rs/zerolog"
)

// MessageType enumerates the MLE command types of spec §4.6.
type MessageType uint8

const (
	MsgParentRequest MessageType = iota + 1
	MsgParentResponse
	MsgChildIDRequest
	MsgChildIDResponse
	MsgChildUpdateRequest
	MsgChildUpdateResponse
	MsgAdvertisement
	MsgDataRequest
	MsgDataResponse
	MsgLinkRequest
	MsgLinkAccept
	MsgLinkAcceptAndRequest
)

// Role is the device's current Thread role.
type Role int

const (
	RoleDisabled Role = iota
	RoleDetached
	RoleChild
	RoleRouter
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleDisabled:
		return "disabled"
	case RoleDetached:
		return "detached"
	case RoleChild:
		return "child"
	case RoleRouter:
		return "router"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// LeaderData is the leader-data TLV content advertised in every
// Advertisement (spec §4.6/§4.7).
type LeaderData struct {
	PartitionID    uint32
	Weighting      uint8
	DataVersion    uint8
	StableVersion  uint8
	LeaderRouterID meshcore.RouterID
}

// betterThan implements the partition-merge comparison of spec §4.6:
// higher (partition-id, leader-weight, data-version) wins.
func (l LeaderData) betterThan(other LeaderData) bool {
	if l.PartitionID != other.PartitionID {
		return l.PartitionID > other.PartitionID
	}
	if l.Weighting != other.Weighting {
		return l.Weighting > other.Weighting
	}
	return l.DataVersion > other.DataVersion
}

// ParentCandidate is one ParentResponse collected during an attach
// attempt.
type ParentCandidate struct {
	ExtAddress  meshcore.ExtAddress
	ShortAddress meshcore.ShortAddress
	LinkMargin  uint8
	PathCost    uint8
	Leader      LeaderData
	ReceivedAt  time.Time
}

// cost is the combined selection metric of spec §4.6: advertised link
// cost plus path cost. Lower is better.
func (p ParentCandidate) cost() int {
	return int(255-p.LinkMargin) + int(p.PathCost)
}

// Transport abstracts sending an MLE message; production code sends UDP
// datagrams to port 19788 (spec §6.3), tests substitute an in-memory
// recorder.
type Transport interface {
	Send(msgType MessageType, dst meshcore.ShortAddress, body []byte) error
	SendMulticast(msgType MessageType, body []byte) error
}

// Engine drives the MLE role state machine for one node.
type Engine struct {
	mu sync.Mutex

	cfg       config.MleConfig
	transport Transport
	neighbors *neighbor.Table
	random    *rand.Rand
	log       zerolog.Logger

	role        Role
	rloc16      meshcore.ShortAddress
	routerID    meshcore.RouterID
	leaderData  LeaderData
	extAddress  meshcore.ExtAddress
	leaderWeight uint8

	attachCandidates []ParentCandidate
	attachDeadline   time.Time
	attaching        bool

	// OnRoleChanged is invoked whenever the role transitions, for the
	// notifier (internal/notifier) to publish an event.
	OnRoleChanged func(from, to Role)
}

// New constructs an Engine in the Disabled role.
func New(cfg config.MleConfig, transport Transport, neighbors *neighbor.Table, extAddress meshcore.ExtAddress, leaderWeight uint8, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		transport:    transport,
		neighbors:    neighbors,
		random:       rand.New(rand.NewSource(int64(extAddress[0])<<8 | int64(extAddress[1]) | 1)),
		log:          log.With().Str("component", "mle").Logger(),
		role:         RoleDisabled,
		rloc16:       meshcore.InvalidShortAddress,
		routerID:     meshcore.InvalidRouterID,
		extAddress:   extAddress,
		leaderWeight: leaderWeight,
	}
}

func (e *Engine) setRole(r Role) {
	if e.role == r {
		return
	}
	from := e.role
	e.role = r
	if e.OnRoleChanged != nil {
		e.OnRoleChanged(from, r)
	}
}

// Role returns the current role.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Rloc16 returns the node's assigned routing locator, or
// meshcore.InvalidShortAddress before attach completes.
func (e *Engine) Rloc16() meshcore.ShortAddress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rloc16
}

// Start begins operation: Disabled → Detached, then issues an attach.
func (e *Engine) Start() error {
	e.mu.Lock()
	e.setRole(RoleDetached)
	e.mu.Unlock()
	return e.StartAttach()
}

// Stop returns the engine to Disabled, clearing all neighbor state.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setRole(RoleDisabled)
	e.rloc16 = meshcore.InvalidShortAddress
	e.routerID = meshcore.InvalidRouterID
	e.neighbors.ClearParent()
	e.neighbors.IterateChildren(nil, func(h neighbor.Handle, _ *neighbor.Child) bool {
		_ = e.neighbors.RemoveChild(h)
		return true
	})
	e.neighbors.IterateRouters(nil, func(h neighbor.Handle, _ *neighbor.Router) bool {
		_ = e.neighbors.RemoveRouter(h)
		return true
	})
	for h := neighbor.Handle(0); e.neighbors.RemovePeer(h) == nil; h++ {
	}
}

// StartAttach broadcasts a ParentRequest and opens the
// parent-response-window (spec §4.6, §8 scenario 5). Collected
// candidates are evaluated once the window closes via FinishAttach.
func (e *Engine) StartAttach() error {
	e.mu.Lock()
	e.attaching = true
	e.attachCandidates = nil
	e.attachDeadline = time.Now().Add(time.Duration(e.cfg.ParentResponseWindow))
	e.mu.Unlock()

	e.log.Debug().Msg("broadcasting parent request")
	return e.transport.SendMulticast(MsgParentRequest, nil)
}

// HandleParentResponse records a candidate parent while an attach window
// is open. It is a no-op once the window has closed or no attach is in
// progress.
func (e *Engine) HandleParentResponse(c ParentCandidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.attaching || time.Now().After(e.attachDeadline) {
		return
	}
	c.ReceivedAt = time.Now()
	e.attachCandidates = append(e.attachCandidates, c)
}

// FinishAttach is called once the parent-response-window elapses. It
// picks the best candidate by (link-cost+path-cost, partition
// preference), ties broken by last-received (spec §9 Open Question i),
// and issues a ChildIDRequest.
func (e *Engine) FinishAttach() (*ParentCandidate, error) {
	e.mu.Lock()
	candidates := e.attachCandidates
	e.attaching = false
	e.mu.Unlock()

	if len(candidates) == 0 {
		return nil, nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.cost() < best.cost():
			best = c
		case c.cost() == best.cost() && !best.Leader.betterThan(c.Leader):
			best = c // equal cost: better partition wins; full ties go to the last received
		}
	}

	if err := e.transport.Send(MsgChildIDRequest, best.ShortAddress, nil); err != nil {
		return nil, err
	}
	return &best, nil
}

// HandleChildIDResponse completes the attach: installs the assigned
// rloc16, marks the parent Valid in the neighbor table, and transitions
// to Child (spec §8 scenario 5).
func (e *Engine) HandleChildIDResponse(parent ParentCandidate, assignedRloc16 meshcore.ShortAddress, leader LeaderData) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rloc16 = assignedRloc16
	e.leaderData = leader
	e.setRole(RoleChild)

	c := neighbor.Child{Neighbor: neighbor.Neighbor{
		ExtAddress:            parent.ExtAddress,
		ShortAddress:          parent.ShortAddress,
		State:                 neighbor.StateValid,
		LastHeard:             time.Now(),
		IncomingFrameCounters: make(map[uint32]uint32),
		OutgoingFrameCounters: make(map[uint32]uint32),
	}}
	e.neighbors.SetParent(c)

	e.log.Info().
		Str("rloc16", fmt.Sprintf("%04x", uint16(assignedRloc16))).
		Str("parent", parent.ExtAddress.String()).
		Msg("attached as child")
}

// RequestPromotion sends a LinkRequest toward becoming a router; the
// leader (or a router acting with delegated authority) replies with an
// assigned router-id via HandleRouterIDAssigned.
func (e *Engine) RequestPromotion(target meshcore.ShortAddress) error {
	e.mu.Lock()
	role := e.role
	e.mu.Unlock()
	if role != RoleChild {
		return nil
	}
	return e.transport.Send(MsgLinkRequest, target, nil)
}

// HandleRouterIDAssigned transitions Child → Router once the leader
// grants a router-id.
func (e *Engine) HandleRouterIDAssigned(id meshcore.RouterID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routerID = id
	e.rloc16 = meshcore.ShortAddress(meshcore.NewRloc16(id, 0))
	e.setRole(RoleRouter)
}

// EvaluateLeadership runs the leader-election comparison of spec §4.6:
// within a partition, lowest router-id and highest leader-weight wins.
// It is called whenever the set of known routers changes.
func (e *Engine) EvaluateLeadership(knownRouters []meshcore.RouterID, knownWeights map[meshcore.RouterID]uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.role != RoleRouter && e.role != RoleLeader {
		return
	}

	bestID := e.routerID
	bestWeight := e.leaderWeight
	for _, id := range knownRouters {
		w := knownWeights[id]
		if w > bestWeight || (w == bestWeight && id < bestID) {
			bestID, bestWeight = id, w
		}
	}

	if bestID == e.routerID {
		e.setRole(RoleLeader)
	} else if e.role == RoleLeader {
		e.setRole(RoleRouter)
	}
}

// MergePartition compares incoming leader data against the locally held
// one and reports whether the local node should re-attach (the incoming
// partition wins per spec §4.6).
func (e *Engine) MergePartition(incoming LeaderData) (shouldReattach bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if incoming.betterThan(e.leaderData) {
		return true
	}
	return false
}

// HandleAdvertisement refreshes LastHeard for the sending router/parent
// and, for a router/leader whose advertisement carries better leader
// data, triggers re-attach via the returned bool (spec §4.6 partition
// merge: "higher wins; losers re-attach").
func (e *Engine) HandleAdvertisement(fromExt meshcore.ExtAddress, fromShort meshcore.ShortAddress, leader LeaderData) (shouldReattach bool) {
	if h := e.neighbors.FindRouterByShort(fromShort, nil); h != neighbor.InvalidHandle {
		if r, err := e.neighbors.Router(h); err == nil {
			r.LastHeard = time.Now()
		}
	}
	if p, ok := e.neighbors.Parent(); ok && p.ShortAddress == fromShort {
		p.LastHeard = time.Now()
	}
	return e.MergePartition(leader)
}

// NextAdvertisementDelay returns a randomized delay within
// [trickle-min, trickle-max] for the next periodic Advertisement (spec
// §4.6).
func (e *Engine) NextAdvertisementDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	lo, hi := time.Duration(e.cfg.TrickleMin), time.Duration(e.cfg.TrickleMax)
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(e.random.Int63n(int64(span)))
}

// SendAdvertisement broadcasts this router's leader-data and route
// information, per spec §4.6.
func (e *Engine) SendAdvertisement(body []byte) error {
	return e.transport.SendMulticast(MsgAdvertisement, body)
}

// HandleLinkLost reacts to a lost link to the parent: a child whose link
// is lost re-attaches (spec §4.6 failure handling).
func (e *Engine) HandleLinkLost() error {
	e.mu.Lock()
	role := e.role
	e.mu.Unlock()
	if role != RoleChild {
		return nil
	}
	e.mu.Lock()
	e.setRole(RoleDetached)
	e.mu.Unlock()
	return e.StartAttach()
}

// DowngradeToReed demotes a router whose advertisements go unheard back
// to REED (router-eligible end device), i.e. Child role, per spec §4.6.
func (e *Engine) DowngradeToReed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.role == RoleRouter || e.role == RoleLeader {
		e.routerID = meshcore.InvalidRouterID
		e.setRole(RoleChild)
	}
}
