package models

import "time"

// Op is the kind of change a mutation carries.
type Op string

const (
	// OpInsert creates the record or overwrites the named fields.
	OpInsert Op = "INSERT"
	// OpAlter overwrites only the named fields.
	OpAlter Op = "ALTER"
	// OpNullify removes the named fields.
	OpNullify Op = "NULLIFY"
	// OpDelete tombstones the record.
	OpDelete Op = "DELETE"
	// OpReplace swaps the whole field map for a server snapshot of the record.
	OpReplace Op = "REPLACE"
)

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	switch op {
	case OpInsert, OpAlter, OpNullify, OpDelete, OpReplace:
		return true
	}
	return false
}

// Origin tells which path produced a mutation.
type Origin string

const (
	OriginRealtime Origin = "realtime"
	OriginPoll     Origin = "poll"
	OriginReplay   Origin = "replay"
	OriginLocal    Origin = "local"
)

// SealedPayload is an in-transit encrypted mutation body. It opens to a
// MutationBody.
type SealedPayload struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// MutationBody is the plaintext carried inside a SealedPayload.
type MutationBody struct {
	Fields  map[string]any `json:"fields,omitempty"`
	Nullify []string       `json:"nullify,omitempty"`
}

// Mutation is a normalized change event applied by the applier.
type Mutation struct {
	EventID  string
	TableID  string
	RecordID string
	Op       Op

	// Fields carries values for INSERT, ALTER and REPLACE.
	Fields map[string]any
	// Nullify lists field ids removed by NULLIFY.
	Nullify []string

	// SourceTimestamp is the server-issued time/token of the change.
	SourceTimestamp string
	// Cursor is the stream position to resume from once this event is applied.
	Cursor string

	// Sealed, when set, replaces Fields/Nullify until decrypted.
	Sealed *SealedPayload

	Origin Origin
}

// Touched returns the ids of the fields this mutation writes or removes.
func (m Mutation) Touched() []string {
	out := make([]string, 0, len(m.Fields)+len(m.Nullify))
	for k := range m.Fields {
		out = append(out, k)
	}
	out = append(out, m.Nullify...)
	return out
}

// EventBatch is an ordered group of mutations delivered together.
type EventBatch struct {
	Mutations []Mutation
	Cursor    string
}

// LocalWrite is a write issued by the application through the engine.
type LocalWrite struct {
	TableID  string
	RecordID string
	Op       Op
	Fields   map[string]any
	Nullify  []string
	IssuedAt time.Time
}
