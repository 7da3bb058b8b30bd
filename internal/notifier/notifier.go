// Package notifier publishes mesh state-change events (role changes,
// neighbor table mutations, partition changes) onto a NATS subject tree,
// per the "notifier events" design note of spec §4.5/§9: every mutation
// that goes through the neighbor table's allocate/remove operations, or
// through the MLE role state machine, can emit a notification so an
// external management plane can subscribe instead of polling.
package notifier

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventType identifies the kind of state change being published.
type EventType string

const (
	EventRoleChanged     EventType = "role"
	EventNeighborAdded   EventType = "neighbor.added"
	EventNeighborRemoved EventType = "neighbor.removed"
	EventPartitionChange EventType = "partition"
)

// Event is the JSON payload published for every notification. ID gives
// each notification a stable identity a subscriber can use to dedupe
// redeliveries or correlate it with a later event, the same role the
// teacher's EventLog.ID plays for its audit trail.
type Event struct {
	ID     string      `json:"id"`
	Type   EventType   `json:"type"`
	Rloc16 uint16      `json:"rloc16"`
	Detail interface{} `json:"detail,omitempty"`
}

// publisher is the slice of *nats.Conn this package depends on, narrowed
// so tests can substitute a fake without a live NATS server.
type publisher interface {
	Publish(subject string, data []byte) error
	Close()
}

// Notifier publishes Events to subjects under subjectPrefix, one subject
// per EventType (e.g. "mesh.role").
type Notifier struct {
	nc            publisher
	subjectPrefix string
	log           zerolog.Logger
}

// New wraps an already-connected NATS conn (or a test fake).
func New(nc publisher, subjectPrefix string, log zerolog.Logger) *Notifier {
	return &Notifier{nc: nc, subjectPrefix: subjectPrefix, log: log}
}

// Connect dials a NATS server at url and wraps the resulting connection.
func Connect(url, subjectPrefix string, log zerolog.Logger) (*Notifier, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("notifier: connect to %s: %w", url, err)
	}
	return New(nc, subjectPrefix, log), nil
}

// Close closes the underlying NATS connection without draining it.
func (n *Notifier) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
}

func (n *Notifier) subject(evtType EventType) string {
	return fmt.Sprintf("%s.%s", n.subjectPrefix, evtType)
}

// Publish sends evt to its type's subject. Publish failures are logged,
// not returned: a lost notification must never block the mesh operation
// that triggered it.
func (n *Notifier) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		n.log.Error().Err(err).Str("type", string(evt.Type)).Msg("notifier: marshal failed")
		return
	}
	if err := n.nc.Publish(n.subject(evt.Type), data); err != nil {
		n.log.Warn().Err(err).Str("type", string(evt.Type)).Msg("notifier: publish failed")
		return
	}
	n.log.Debug().Str("type", string(evt.Type)).Uint16("rloc16", evt.Rloc16).Msg("notifier: published")
}

// RoleChanged publishes an EventRoleChanged notification.
func (n *Notifier) RoleChanged(rloc16 uint16, from, to string) {
	n.Publish(Event{Type: EventRoleChanged, Rloc16: rloc16, Detail: map[string]string{"from": from, "to": to}})
}

// NeighborAdded publishes an EventNeighborAdded notification.
func (n *Notifier) NeighborAdded(rloc16 uint16, extAddress string) {
	n.Publish(Event{Type: EventNeighborAdded, Rloc16: rloc16, Detail: map[string]string{"extAddress": extAddress}})
}

// NeighborRemoved publishes an EventNeighborRemoved notification.
func (n *Notifier) NeighborRemoved(rloc16 uint16, extAddress string) {
	n.Publish(Event{Type: EventNeighborRemoved, Rloc16: rloc16, Detail: map[string]string{"extAddress": extAddress}})
}

// PartitionChanged publishes an EventPartitionChange notification.
func (n *Notifier) PartitionChanged(rloc16 uint16, partitionID uint32) {
	n.Publish(Event{Type: EventPartitionChange, Rloc16: rloc16, Detail: map[string]uint32{"partitionId": partitionID}})
}
