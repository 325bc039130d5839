package models

import "time"

// PendingStatus is the lifecycle state of a queued local write.
type PendingStatus string

const (
	PendingStatusPending    PendingStatus = "pending"
	PendingStatusFlushed    PendingStatus = "flushed"
	PendingStatusDiscarded  PendingStatus = "discarded"
	PendingStatusSuperseded PendingStatus = "superseded"
)

// PendingMutation is a local write kept durably until delivered. Rows that
// left the pending state stay as history for manual reconciliation.
type PendingMutation struct {
	ID       string
	Seq      int64
	TableID  string
	RecordID string
	Op       Op
	Fields   map[string]any
	Nullify  []string

	// Timestamp is when the write was issued locally.
	Timestamp time.Time

	Status     PendingStatus
	RetryCount int
	LastError  string
}

// StoredPending is the persisted form; Payload is a sealed MutationBody.
type StoredPending struct {
	ID         string
	Seq        int64
	TableID    string
	RecordID   string
	Op         Op
	Payload    []byte
	Nonce      []byte
	Timestamp  time.Time
	Status     PendingStatus
	RetryCount int
	LastError  string
}
