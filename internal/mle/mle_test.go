package mle

import (
	"testing"
	"time"

	"github.com/openthread-go/meshcore/internal/config"
	"github.com/openthread-go/meshcore/internal/meshcore"
	"github.com/openthread-go/meshcore/internal/neighbor"
	"github.com/rs/zerolog"
)

type fakeTransport struct {
	multicast []MessageType
	sent      []MessageType
}

func (f *fakeTransport) Send(msgType MessageType, dst meshcore.ShortAddress, body []byte) error {
	f.sent = append(f.sent, msgType)
	return nil
}

func (f *fakeTransport) SendMulticast(msgType MessageType, body []byte) error {
	f.multicast = append(f.multicast, msgType)
	return nil
}

func TestAttachSequence(t *testing.T) {
	cfg := config.Default().Mle
	cfg.ParentResponseWindow = config.Duration(time.Hour)

	transport := &fakeTransport{}
	neighbors := neighbor.NewTable(4, 4, 0)
	var ext meshcore.ExtAddress
	copy(ext[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})

	var roleSeq []Role
	engine := New(cfg, transport, neighbors, ext, 64, zerolog.Nop())
	engine.OnRoleChanged = func(from, to Role) { roleSeq = append(roleSeq, to) }

	if engine.Role() != RoleDisabled {
		t.Fatalf("expected initial role Disabled, got %s", engine.Role())
	}

	if err := engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(transport.multicast) != 1 || transport.multicast[0] != MsgParentRequest {
		t.Fatalf("expected one multicast ParentRequest, got %v", transport.multicast)
	}

	var parentExt meshcore.ExtAddress
	copy(parentExt[:], []byte{8, 7, 6, 5, 4, 3, 2, 1})

	engine.HandleParentResponse(ParentCandidate{
		ExtAddress:   parentExt,
		ShortAddress: 0x4000,
		LinkMargin:   20,
		PathCost:     0,
		Leader:       LeaderData{PartitionID: 1, Weighting: 64, DataVersion: 1},
	})

	best, err := engine.FinishAttach()
	if err != nil {
		t.Fatalf("FinishAttach: %v", err)
	}
	if best == nil || best.ShortAddress != 0x4000 {
		t.Fatalf("expected to select the only candidate, got %+v", best)
	}
	if len(transport.sent) != 1 || transport.sent[0] != MsgChildIDRequest {
		t.Fatalf("expected ChildIDRequest sent, got %v", transport.sent)
	}

	engine.HandleChildIDResponse(*best, 0x4001, LeaderData{PartitionID: 1, Weighting: 64, DataVersion: 1})

	if engine.Role() != RoleChild {
		t.Fatalf("expected role Child after ChildIDResponse, got %s", engine.Role())
	}
	if engine.Rloc16() != 0x4001 {
		t.Fatalf("expected rloc16 0x4001, got 0x%04x", engine.Rloc16())
	}

	parent, ok := neighbors.Parent()
	if !ok {
		t.Fatalf("expected parent entry to be set")
	}
	if parent.State != neighbor.StateValid {
		t.Fatalf("expected parent state Valid, got %s", parent.State)
	}

	wantSeq := []Role{RoleDetached, RoleChild}
	if len(roleSeq) != len(wantSeq) {
		t.Fatalf("role sequence = %v, want %v", roleSeq, wantSeq)
	}
	for i, r := range wantSeq {
		if roleSeq[i] != r {
			t.Fatalf("role sequence[%d] = %s, want %s", i, roleSeq[i], r)
		}
	}
}

func TestParentSelectionPrefersLowerCost(t *testing.T) {
	cfg := config.Default().Mle
	transport := &fakeTransport{}
	neighbors := neighbor.NewTable(4, 4, 0)
	var ext meshcore.ExtAddress
	engine := New(cfg, transport, neighbors, ext, 64, zerolog.Nop())

	engine.mu.Lock()
	engine.attaching = true
	engine.attachDeadline = time.Now().Add(time.Hour)
	engine.mu.Unlock()

	worse := ParentCandidate{ShortAddress: 0x1000, LinkMargin: 5, PathCost: 10}
	better := ParentCandidate{ShortAddress: 0x2000, LinkMargin: 20, PathCost: 0}
	engine.HandleParentResponse(worse)
	engine.HandleParentResponse(better)

	best, err := engine.FinishAttach()
	if err != nil {
		t.Fatalf("FinishAttach: %v", err)
	}
	if best.ShortAddress != better.ShortAddress {
		t.Fatalf("expected lower-cost candidate 0x%04x, got 0x%04x", better.ShortAddress, best.ShortAddress)
	}
}

func TestMergePartitionHigherWins(t *testing.T) {
	cfg := config.Default().Mle
	transport := &fakeTransport{}
	neighbors := neighbor.NewTable(1, 1, 0)
	var ext meshcore.ExtAddress
	engine := New(cfg, transport, neighbors, ext, 64, zerolog.Nop())
	engine.leaderData = LeaderData{PartitionID: 5, Weighting: 10, DataVersion: 3}

	if engine.MergePartition(LeaderData{PartitionID: 5, Weighting: 10, DataVersion: 2}) {
		t.Fatalf("lower data-version must not trigger reattach")
	}
	if !engine.MergePartition(LeaderData{PartitionID: 9, Weighting: 1, DataVersion: 0}) {
		t.Fatalf("higher partition-id must trigger reattach")
	}
}

func TestRouterIDAssignedTransitionsChildToRouter(t *testing.T) {
	cfg := config.Default().Mle
	transport := &fakeTransport{}
	neighbors := neighbor.NewTable(4, 4, 0)
	var ext meshcore.ExtAddress
	engine := New(cfg, transport, neighbors, ext, 64, zerolog.Nop())

	var roleSeq []Role
	engine.OnRoleChanged = func(from, to Role) { roleSeq = append(roleSeq, to) }
	engine.role = RoleChild

	engine.HandleRouterIDAssigned(meshcore.RouterID(7))

	if engine.Role() != RoleRouter {
		t.Fatalf("expected role Router after HandleRouterIDAssigned, got %s", engine.Role())
	}
	wantRloc16 := meshcore.ShortAddress(meshcore.NewRloc16(meshcore.RouterID(7), 0))
	if engine.Rloc16() != wantRloc16 {
		t.Fatalf("expected rloc16 0x%04x, got 0x%04x", wantRloc16, engine.Rloc16())
	}
	if engine.routerID != meshcore.RouterID(7) {
		t.Fatalf("expected routerID 7, got %d", engine.routerID)
	}
	if len(roleSeq) != 1 || roleSeq[0] != RoleRouter {
		t.Fatalf("expected single role transition to Router, got %v", roleSeq)
	}
}

func TestEvaluateLeadershipPromotesAndDemotes(t *testing.T) {
	cfg := config.Default().Mle
	transport := &fakeTransport{}
	neighbors := neighbor.NewTable(4, 4, 0)
	var ext meshcore.ExtAddress
	engine := New(cfg, transport, neighbors, ext, 64, zerolog.Nop())

	engine.role = RoleRouter
	engine.routerID = meshcore.RouterID(3)
	engine.leaderWeight = 64

	// No known router beats the local one: promote to Leader.
	engine.EvaluateLeadership(
		[]meshcore.RouterID{meshcore.RouterID(3), meshcore.RouterID(9)},
		map[meshcore.RouterID]uint8{meshcore.RouterID(3): 64, meshcore.RouterID(9): 32},
	)
	if engine.Role() != RoleLeader {
		t.Fatalf("expected role Leader, got %s", engine.Role())
	}

	// A router with a higher leader-weight now outranks the local node:
	// demote back to Router.
	engine.EvaluateLeadership(
		[]meshcore.RouterID{meshcore.RouterID(3), meshcore.RouterID(9)},
		map[meshcore.RouterID]uint8{meshcore.RouterID(3): 64, meshcore.RouterID(9): 200},
	)
	if engine.Role() != RoleRouter {
		t.Fatalf("expected role Router after being outranked, got %s", engine.Role())
	}
}
