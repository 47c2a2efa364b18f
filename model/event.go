package model

import "time"

// EventKind identifies a real-time event.
type EventKind string

// Real-time event kinds.
const (
	EventRecordCreated   EventKind = "recordCreated"
	EventRecordUpdated   EventKind = "recordUpdated"
	EventRecordDeleted   EventKind = "recordDeleted"
	EventRecordRestored  EventKind = "recordRestored"
	EventStatusChanged   EventKind = "statusChanged"
	EventVersionConflict EventKind = "versionConflict"
)

// Event is a change notification for the members of one room. Record holds
// the full stored row until the distributor redacts it for a recipient.
type Event struct {
	ID         string       `json:"id"`
	Kind       EventKind    `json:"kind"`
	Module     string       `json:"module"`
	Entity     string       `json:"entity"`
	RecordID   string       `json:"record_id"`
	ActorID    string       `json:"actor_id"`
	Version    int64        `json:"version"`
	Record     *Record      `json:"record,omitempty"`
	Changed    []string     `json:"changed,omitempty"`
	FromStatus RecordStatus `json:"from_status,omitempty"`
	ToStatus   RecordStatus `json:"to_status,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`

	// Target, when set, is the only connection the event is delivered to.
	Target string `json:"-"`
}

// Room returns the room key of the event.
func (e *Event) Room() string {
	return RoomKey(e.Module, e.Entity)
}

// RoomKey returns the room key for a (module, entity).
func RoomKey(module, entity string) string {
	return module + ":" + entity
}

// MonitorEvent is the metadata-only view of an Event published to the
// monitoring room.
type MonitorEvent struct {
	RecordID  string    `json:"record_id"`
	Module    string    `json:"module"`
	Entity    string    `json:"entity"`
	Kind      EventKind `json:"kind"`
	ActorID   string    `json:"actor_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Monitor strips e down to its monitoring metadata.
func (e *Event) Monitor() MonitorEvent {
	return MonitorEvent{
		RecordID:  e.RecordID,
		Module:    e.Module,
		Entity:    e.Entity,
		Kind:      e.Kind,
		ActorID:   e.ActorID,
		Timestamp: e.Timestamp,
	}
}

// MutationEvent describes the outcome of one record or approval operation.
// Outcome is "ok" or the error code.
type MutationEvent struct {
	Module    string
	Entity    string
	Operation string
	Outcome   string
	Duration  time.Duration
}
