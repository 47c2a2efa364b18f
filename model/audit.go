package model

import "time"

// Activity actions recorded in the activity log.
const (
	ActivityCreated        = "created"
	ActivityUpdated        = "updated"
	ActivityUpdateConflict = "update_conflict"
	ActivityDeleted        = "deleted"
	ActivityRestored       = "restored"
	ActivitySubmitted      = "submitted"
	ActivityApproved       = "approved"
	ActivityRejected       = "rejected"
)

// FieldChange is one changed key of a record diff.
type FieldChange struct {
	Key    string `json:"key"`
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
}

// ActivityLogEntry is an append-only trace of one mutation or transition.
type ActivityLogEntry struct {
	ID         string        `json:"id"`
	RecordID   string        `json:"record_id"`
	Module     string        `json:"module"`
	Entity     string        `json:"entity"`
	Action     string        `json:"action"`
	ActorID    string        `json:"actor_id"`
	Version    int64         `json:"version"`
	Changes    []FieldChange `json:"changes,omitempty"`
	FromStatus RecordStatus  `json:"from_status,omitempty"`
	ToStatus   RecordStatus  `json:"to_status,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// ApprovalLogEntry is an append-only trace of one approval transition.
type ApprovalLogEntry struct {
	ID         string       `json:"id"`
	RecordID   string       `json:"record_id"`
	Module     string       `json:"module"`
	Entity     string       `json:"entity"`
	Action     string       `json:"action"`
	ActorID    string       `json:"actor_id"`
	FromStatus RecordStatus `json:"from_status"`
	ToStatus   RecordStatus `json:"to_status"`
	Comment    string       `json:"comment,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// RecordHistory is the audit trail of one record as shown to one viewer.
type RecordHistory struct {
	RecordID  string             `json:"record_id"`
	Activity  []ActivityLogEntry `json:"activity"`
	Approvals []ApprovalLogEntry `json:"approvals"`
}
