package notifier

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

type fakeConn struct {
	published []struct {
		subject string
		data    []byte
	}
	failNext bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.published = append(f.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (f *fakeConn) Close() {}

func TestRoleChangedPublishesToRoleSubject(t *testing.T) {
	fc := &fakeConn{}
	n := New(fc, "mesh.4001", zerolog.Nop())

	n.RoleChanged(0x4001, "detached", "child")

	if len(fc.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(fc.published))
	}
	if fc.published[0].subject != "mesh.4001.role" {
		t.Fatalf("subject = %q, want mesh.4001.role", fc.published[0].subject)
	}

	var evt Event
	if err := json.Unmarshal(fc.published[0].data, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Type != EventRoleChanged || evt.Rloc16 != 0x4001 {
		t.Fatalf("event = %+v, want role-changed for rloc 0x4001", evt)
	}
}

func TestNeighborEventsUseDistinctSubjects(t *testing.T) {
	fc := &fakeConn{}
	n := New(fc, "mesh.4001", zerolog.Nop())

	n.NeighborAdded(0x4001, "0102030405060708")
	n.NeighborRemoved(0x4001, "0102030405060708")

	if len(fc.published) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(fc.published))
	}
	if fc.published[0].subject != "mesh.4001.neighbor.added" {
		t.Fatalf("subject[0] = %q", fc.published[0].subject)
	}
	if fc.published[1].subject != "mesh.4001.neighbor.removed" {
		t.Fatalf("subject[1] = %q", fc.published[1].subject)
	}
}

func TestPartitionChangedIncludesPartitionID(t *testing.T) {
	fc := &fakeConn{}
	n := New(fc, "mesh.4001", zerolog.Nop())

	n.PartitionChanged(0x4001, 42)

	var evt Event
	json.Unmarshal(fc.published[0].data, &evt)
	detail, ok := evt.Detail.(map[string]interface{})
	if !ok {
		t.Fatalf("detail type = %T, want map", evt.Detail)
	}
	if detail["partitionId"].(float64) != 42 {
		t.Fatalf("partitionId = %v, want 42", detail["partitionId"])
	}
}
