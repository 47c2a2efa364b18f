package model

import (
	"maps"
	"time"
)

// RecordStatus is the approval lifecycle state of a record.
type RecordStatus string

// Record statuses.
const (
	StatusDraft     RecordStatus = "draft"
	StatusSubmitted RecordStatus = "submitted"
	StatusApproved  RecordStatus = "approved"
	StatusRejected  RecordStatus = "rejected"
)

// Terminal reports whether no further transition leaves the status.
func (s RecordStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Record is one row of a (module, entity). Data is keyed by field key; the
// field registry is the only source of truth for interpreting those keys.
type Record struct {
	ID         string         `json:"id"`
	Module     string         `json:"module"`
	Entity     string         `json:"entity"`
	Data       map[string]any `json:"data"`
	Version    int64          `json:"version"`
	Status     RecordStatus   `json:"status"`
	Department string         `json:"department,omitempty"`

	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`

	CreatedBy string    `json:"created_by"`
	UpdatedBy string    `json:"updated_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of r whose Data map can be modified independently.
// Nested values inside Data are shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Data = maps.Clone(r.Data)
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// ListQuery describes a page of records to return from listRecords.
type ListQuery struct {
	Page           int
	PageSize       int
	Status         RecordStatus
	Filters        map[string]string
	IncludeDeleted bool
}

// Default and maximum page sizes for ListQuery.
const (
	DefaultPageSize = 25
	MaxPageSize     = 200
)

// Normalize clamps the pagination fields into their valid ranges.
func (q ListQuery) Normalize() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}

// Offset returns the zero-based index of the first item of the page.
func (q ListQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// RecordPage is one page of a listRecords result.
type RecordPage struct {
	Items    []*Record `json:"items"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}
