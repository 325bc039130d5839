// Package cli implements syncctl, the operator command line of the sync
// engine.
//
// Commands:
//
//	run      keep a synced local replica until interrupted
//	shell    interactive session: read, write and inspect records
//	status   per-table health read from the local database
//	rotate   re-encrypt the local database under a new secret
//	wipe     discard local data and hydrate again from the remote
//
// Settings come from defaults, an optional JSON or YAML file, GOPHSYNC_*
// variables and flags, in that order. The secret is taken from
// GOPHSYNC_SECRET or read from the terminal without echo.
package cli
