// Package client contains the remote-side collaborators of the sync engine.
//
// # Overview
//
// The package provides:
//  1. Transport-agnostic contracts: Remote (schema discovery, bulk export,
//     per-table fetch, incremental fetch, writes, ping), EventLog (durable
//     replayable change log) and EventStream (push subscriptions).
//  2. Implementations: HTTPClient (JSON over HTTP with bounded retries that
//     honour Retry-After), WSStream (WebSocket subscription), GRPCClient
//     (structpb messages over a gRPC connection), KafkaStream (topic reader
//     where the cursor is the partition offset) and S3Snapshot (bulk export
//     served from an object store, see WithSnapshot).
//  3. Local persistence bootstrap (OpenDatabase, RunMigrations) wiring an
//     SQLite database and applying embedded goose migrations.
//
// # Error Handling
//
// Transport failures are exposed as sentinel and typed errors that callers
// match with errors.Is/As: ErrUnavailable, ErrUnauthorized, *HTTPError and
// *RateLimitError. Classify maps any of them onto the retry policy classes.
//
// Implementations are safe for concurrent use and honour context
// cancellation.
package client
