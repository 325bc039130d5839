package models

import "time"

// SyncState is the session state of the engine.
type SyncState string

const (
	StateUninitialized SyncState = "UNINITIALIZED"
	StateHydrating     SyncState = "HYDRATING"
	StateOnline        SyncState = "SYNCING_ONLINE"
	StateOffline       SyncState = "SYNCING_OFFLINE"
	StateTerminated    SyncState = "TERMINATED"
)

// HydrationTier names the strategy that produced a table's data.
type HydrationTier string

const (
	TierBulk     HydrationTier = "bulk"
	TierPerTable HydrationTier = "per-table"
	TierReplay   HydrationTier = "replay"
)

// TableHealth is the hydration status of a single table.
type TableHealth string

const (
	TableNotHydrated TableHealth = "not-hydrated"
	TableHydrated    TableHealth = "hydrated"
	TableFailed      TableHealth = "failed"
)

// TableStatus is the per-table part of SyncStatus.
type TableStatus struct {
	TableID  string
	Name     string
	Health   TableHealth
	Tier     HydrationTier
	Records  int
	Cursor   string
	LastSync time.Time
	Error    string
}

// SyncStatus summarizes the engine for callers and the CLI.
type SyncStatus struct {
	State             SyncState
	Tables            []TableStatus
	PendingWrites     int
	RealtimeConnected bool
	PollActive        bool
	DecryptFailures   int
	Degraded          bool
	AuthRequired      bool
}
