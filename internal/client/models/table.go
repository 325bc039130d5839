package models

// Table describes one table of the remote dataset.
type Table struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RemoteRef   string `json:"remoteRef,omitempty"`
	FieldCount  int    `json:"fieldCount"`
	RecordCount int    `json:"recordCount"`
}
