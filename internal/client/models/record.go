// Package models defines the client-side data model of the sync engine:
// records and tables mirrored from the remote dataset, cursors, queued
// local writes and normalized mutation events.
package models

import "time"

// Record is a single row of a table, decrypted and ready for readers.
type Record struct {
	// ID is unique within its table.
	ID string

	// TableID is the owning table.
	TableID string

	// Fields maps field id to value. Values are JSON scalars, arrays or objects.
	Fields map[string]any

	// UpdatedAt is the server-issued update token of the last merged change.
	UpdatedAt string

	// LastSynced is the local time the record was last written from the remote.
	LastSynced time.Time

	// Deleted marks a tombstone kept until garbage collection.
	Deleted bool
}

// Clone returns a deep copy, so callers never share maps with the cache.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = CloneFields(r.Fields)
	return &c
}

// CloneFields deep-copies a field map.
func CloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneFields(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	default:
		return val
	}
}

// StoredRecord is the persisted form of a record. Payload holds the JSON
// encoded fields, sealed unless Encrypted is false (deferred-encryption mode).
type StoredRecord struct {
	ID         string
	TableID    string
	Payload    []byte
	Nonce      []byte
	Encrypted  bool
	Deleted    bool
	UpdatedAt  string
	LastSynced time.Time
}

// RemoteRecord is a record as delivered by a hydration or poll response.
type RemoteRecord struct {
	ID        string         `json:"id"`
	TableID   string         `json:"tableId"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt string         `json:"updatedAt"`
	Deleted   bool           `json:"deleted,omitempty"`
}
