// Package wire normalizes remote change events into models.Mutation at the
// ingestion boundary. Two payload shapes are accepted: the flat shape
// (op + fields/fieldIds) and the nested shape (record + changes list).
// Everything past this package sees only the normalized form.
package wire

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// TypeMutation is the only event type the engine applies.
const TypeMutation = "mutation"

const schemaURL = "https://gophsync.local/schemas/event.json"

//go:embed schema.json
var schemaJSON []byte

var ErrInvalidEvent = errors.New("invalid event")

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// token accepts a JSON string or number and keeps its text.
type token string

func (t *token) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = token(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = token(n.String())
	return nil
}

type change struct {
	Op    string `json:"op"`
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Event is the wire form of a change event.
type Event struct {
	EventID   string                `json:"eventId"`
	Type      string                `json:"type"`
	TableID   string                `json:"tableId,omitempty"`
	RecordID  string                `json:"recordId,omitempty"`
	Op        models.Op             `json:"op,omitempty"`
	Fields    map[string]any        `json:"fields,omitempty"`
	FieldIDs  []string              `json:"fieldIds,omitempty"`
	Sealed    *models.SealedPayload `json:"sealed,omitempty"`
	Timestamp token                 `json:"timestamp,omitempty"`
	Cursor    token                 `json:"cursor,omitempty"`

	Record *struct {
		TableID string `json:"tableId"`
		ID      string `json:"id"`
	} `json:"record,omitempty"`
	Changes []change `json:"changes,omitempty"`
}

func invalid(id string, format string, args ...any) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidEvent, id, fmt.Sprintf(format, args...))
}

// Decode validates raw against the event schema and normalizes it. Events of
// other types decode to an empty slice. The nested shape may produce an
// ALTER and a NULLIFY mutation, with derived event ids.
func Decode(raw []byte, origin models.Origin) ([]models.Mutation, error) {
	sch, err := compiled()
	if err != nil {
		return nil, fmt.Errorf("failed to compile event schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Type != TypeMutation {
		return nil, nil
	}
	return ev.normalize(origin)
}

func (ev Event) normalize(origin models.Origin) ([]models.Mutation, error) {
	base := models.Mutation{
		EventID:         ev.EventID,
		TableID:         ev.TableID,
		RecordID:        ev.RecordID,
		SourceTimestamp: string(ev.Timestamp),
		Cursor:          string(ev.Cursor),
		Origin:          origin,
	}
	if ev.Record != nil {
		base.TableID, base.RecordID = ev.Record.TableID, ev.Record.ID
	}
	if base.TableID == "" || base.RecordID == "" {
		return nil, invalid(ev.EventID, "missing table or record id")
	}

	if len(ev.Changes) > 0 {
		return ev.normalizeChanges(base)
	}

	if !ev.Op.Valid() || ev.Op == models.OpReplace {
		return nil, invalid(ev.EventID, "unsupported op %q", ev.Op)
	}
	m := base
	m.Op = ev.Op
	switch {
	case ev.Sealed != nil:
		m.Sealed = ev.Sealed
	case ev.Op == models.OpNullify:
		if len(ev.FieldIDs) == 0 {
			return nil, invalid(ev.EventID, "NULLIFY without fieldIds")
		}
		m.Nullify = append([]string(nil), ev.FieldIDs...)
	case ev.Op == models.OpDelete:
	default:
		m.Fields = ev.Fields
		if m.Fields == nil {
			m.Fields = map[string]any{}
		}
	}
	return []models.Mutation{m}, nil
}

func (ev Event) normalizeChanges(base models.Mutation) ([]models.Mutation, error) {
	set := map[string]any{}
	var unset []string
	for _, c := range ev.Changes {
		switch strings.ToLower(c.Op) {
		case "set":
			set[c.Field] = c.Value
		case "unset":
			unset = append(unset, c.Field)
		}
	}

	var out []models.Mutation
	if len(set) > 0 {
		m := base
		m.Op = models.OpAlter
		m.Fields = set
		if len(unset) > 0 {
			m.EventID = base.EventID + "#set"
		}
		out = append(out, m)
	}
	if len(unset) > 0 {
		m := base
		m.Op = models.OpNullify
		m.Nullify = unset
		if len(set) > 0 {
			m.EventID = base.EventID + "#unset"
		}
		out = append(out, m)
	}
	return out, nil
}

// DecodeAll decodes a batch, skipping invalid events. It returns the
// mutations in order and the errors of skipped events.
func DecodeAll(raws []json.RawMessage, origin models.Origin) ([]models.Mutation, []error) {
	var out []models.Mutation
	var errs []error
	for _, raw := range raws {
		ms, err := Decode(raw, origin)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, ms...)
	}
	return out, errs
}

// Encode renders m in the flat shape.
func Encode(m models.Mutation) ([]byte, error) {
	ev := Event{
		EventID:   m.EventID,
		Type:      TypeMutation,
		TableID:   m.TableID,
		RecordID:  m.RecordID,
		Op:        m.Op,
		Sealed:    m.Sealed,
		Timestamp: token(m.SourceTimestamp),
		Cursor:    token(m.Cursor),
	}
	switch m.Op {
	case models.OpNullify:
		ev.FieldIDs = m.Nullify
	case models.OpInsert, models.OpAlter:
		ev.Fields = m.Fields
	case models.OpDelete:
	default:
		return nil, fmt.Errorf("cannot encode op %q", m.Op)
	}
	if m.Sealed != nil {
		ev.Fields, ev.FieldIDs = nil, nil
	}
	return json.Marshal(ev)
}

// ParseSequence reads a numeric cursor; non-numeric cursors yield false.
func ParseSequence(cursor string) (int64, bool) {
	n, err := strconv.ParseInt(cursor, 10, 64)
	return n, err == nil
}
