package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

// ExportResponse is the bulk-export body: records keyed by table id.
type ExportResponse struct {
	Tables map[string][]models.RemoteRecord `json:"tables"`
}

type TablesResponse struct {
	Tables []models.Table `json:"tables"`
}

type RecordsResponse struct {
	Records []models.RemoteRecord `json:"records"`
}

type SinceResponse struct {
	Records      []models.RemoteRecord `json:"records"`
	MaxUpdatedAt string                `json:"maxUpdatedAt"`
}

// EventPage is one page of the durable event log.
type EventPage struct {
	Events     []json.RawMessage `json:"events"`
	NextCursor string            `json:"nextCursor"`
	HasMore    bool              `json:"hasMore"`
}

type HeadResponse struct {
	Cursor string `json:"cursor"`
}

// WriteRequest delivers one queued local mutation.
type WriteRequest struct {
	MutationID string         `json:"mutationId"`
	TableID    string         `json:"tableId"`
	RecordID   string         `json:"recordId"`
	Op         models.Op      `json:"op"`
	Fields     map[string]any `json:"fields,omitempty"`
	Nullify    []string       `json:"fieldIds,omitempty"`
	IssuedAt   time.Time      `json:"issuedAt"`
}

type WriteResult struct {
	UpdatedAt string `json:"updatedAt"`
}

// Batch is a group of raw events delivered by a stream subscription.
// Cursor is the resumption point once every event is applied.
type Batch struct {
	Events []json.RawMessage `json:"events"`
	Cursor string            `json:"cursor"`
}

// Remote is the request/response surface of the authoritative dataset.
type Remote interface {
	ListTables(ctx context.Context) ([]models.Table, error)
	BulkExport(ctx context.Context) (*ExportResponse, error)
	FetchTable(ctx context.Context, tableID string) ([]models.RemoteRecord, error)
	FetchSince(ctx context.Context, tableID, cursor string) (*SinceResponse, error)
	Write(ctx context.Context, req WriteRequest) (*WriteResult, error)
	Ping(ctx context.Context) error
}

// EventLog is the durable, replayable change log.
type EventLog interface {
	ReadEvents(ctx context.Context, cursor string, fromStart bool, limit int) (*EventPage, error)
	Head(ctx context.Context) (string, error)
}

// EventStream opens push subscriptions that resume after cursor.
type EventStream interface {
	Subscribe(ctx context.Context, cursor string) (Subscription, error)
}

type Subscription interface {
	// Next blocks until a batch arrives, the context ends or the stream fails.
	Next(ctx context.Context) (*Batch, error)
	Close() error
}

// TokenSource supplies the current bearer token.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }
