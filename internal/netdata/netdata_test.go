package netdata

import (
	"testing"

	"github.com/openthread-go/meshcore/internal/meshcore"
)

func TestRegisterOnMeshPrefixIdempotent(t *testing.T) {
	leader := NewLeader()
	p := Prefix{Length: 64, Stable: true, OnMesh: true}
	copy(p.Address[:], []byte{0xfd, 0x00})

	if err := leader.RegisterOnMeshPrefix(p); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if got := leader.DataVersion; got != 1 {
		t.Fatalf("DataVersion = %d, want 1", got)
	}

	if err := leader.RegisterOnMeshPrefix(p); err != meshcore.ErrAlready {
		t.Fatalf("second register = %v, want ErrAlready", err)
	}
	if got := leader.DataVersion; got != 1 {
		t.Fatalf("DataVersion should not bump on Already, got %d", got)
	}
}

func TestSteeringDataContainsAddedJoiner(t *testing.T) {
	sd := NewSteeringData(16)
	var joinerID meshcore.ExtAddress
	copy(joinerID[:], []byte{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18})

	sd.Add(joinerID)
	if !sd.Contains(joinerID) {
		t.Fatalf("expected filter to contain the joiner it was built from")
	}

	var other meshcore.ExtAddress // all-zero
	i1a, i2a := sd.indices(joinerID)
	i1b, i2b := sd.indices(other)
	wantContains := i1a == i1b && i2a == i2b
	if got := sd.Contains(other); got != wantContains {
		t.Fatalf("Contains(zero) = %v, want %v (collision=%v)", got, wantContains, wantContains)
	}
}

func TestSteeringDataClear(t *testing.T) {
	sd := NewSteeringData(16)
	var joinerID meshcore.ExtAddress
	copy(joinerID[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	sd.Add(joinerID)
	sd.Clear()
	if sd.Contains(joinerID) {
		t.Fatalf("expected Clear to remove all entries")
	}
}

func TestRegisterRouteAndService(t *testing.T) {
	leader := NewLeader()
	route := Route{Prefix: Prefix{Length: 64}, Preference: 1}
	if err := leader.RegisterRoute(route); err != nil {
		t.Fatalf("RegisterRoute: %v", err)
	}
	if err := leader.RegisterRoute(route); err != meshcore.ErrAlready {
		t.Fatalf("expected ErrAlready on duplicate route, got %v", err)
	}

	svc := Service{EnterpriseNumber: 44970, ServiceData: []byte{1}}
	if err := leader.RegisterService(svc); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	prefixes, routes, services := leader.Snapshot()
	if len(prefixes) != 0 || len(routes) != 1 || len(services) != 1 {
		t.Fatalf("snapshot mismatch: prefixes=%d routes=%d services=%d", len(prefixes), len(routes), len(services))
	}
}
