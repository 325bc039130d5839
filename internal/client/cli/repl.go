package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

// shellExec is the engine surface the REPL drives. *engine.Engine
// satisfies it; tests provide a stub.
type shellExec interface {
	State() models.SyncState
	GetRecord(ctx context.Context, tableID, id string) (*models.Record, error)
	GetTableRecords(ctx context.Context, tableID string) ([]*models.Record, error)
	EnqueueLocalWrite(ctx context.Context, w models.LocalWrite) (*models.Record, error)
	TriggerManualSync(ctx context.Context) error
	SyncStatus(ctx context.Context) (models.SyncStatus, error)
	Pending(ctx context.Context) ([]*models.PendingMutation, error)
	SetCredentials(token string)
}

const shellHelp = `Available commands:
  get [table] <id>                 show a record
  list <table>                     list the records of a table
  write <table> <id> name=value..  create a record or set fields
  nullify <table> <id> name..      remove fields
  delete <table> <id>              delete a record
  sync                             reconnect, retry hydration and flush writes
  status                           show sync health
  pending                          show queued local writes
  token <bearer>                   replace the access token
  exit | quit                      leave the shell`

// runREPL reads commands from scanner until EOF or exit. Command errors are
// printed and the loop continues.
func runREPL(ctx context.Context, ex shellExec, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("sync (%s)> ", statusFn()))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		var err error
		switch cmd {
		case "help":
			printlnFn(shellHelp)
		case "get":
			err = shellGet(ctx, ex, args)
		case "l", "list":
			err = shellList(ctx, ex, args)
		case "write":
			err = shellWrite(ctx, ex, models.OpInsert, args)
		case "nullify":
			err = shellWrite(ctx, ex, models.OpNullify, args)
		case "delete":
			err = shellWrite(ctx, ex, models.OpDelete, args)
		case "sync":
			if err = ex.TriggerManualSync(ctx); err == nil {
				printlnFn("Synced.")
			}
		case "status":
			err = shellStatus(ctx, ex)
		case "pending":
			err = shellPending(ctx, ex)
		case "token":
			if len(args) != 1 {
				err = fmt.Errorf("usage: token <bearer>")
				break
			}
			ex.SetCredentials(args[0])
			printlnFn("Token updated.")
		case "exit", "quit":
			printlnFn("Bye!")
			return
		default:
			printlnFn("Unknown command:", cmd)
		}
		if err != nil {
			printlnFn("Error:", err)
		}
	}
}

func shellGet(ctx context.Context, ex shellExec, args []string) error {
	var table, id string
	switch len(args) {
	case 1:
		id = args[0]
	case 2:
		table, id = args[0], args[1]
	default:
		return fmt.Errorf("usage: get [table] <id>")
	}
	rec, err := ex.GetRecord(ctx, table, id)
	if err != nil {
		return err
	}
	printlnFn(formatRecord(rec))
	return nil
}

func shellList(ctx context.Context, ex shellExec, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: list <table>")
	}
	recs, err := ex.GetTableRecords(ctx, args[0])
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		printlnFn("No records.")
		return nil
	}
	for _, r := range recs {
		printlnFn(formatRecord(r))
	}
	return nil
}

func shellWrite(ctx context.Context, ex shellExec, op models.Op, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s <table> <id> ...", strings.ToLower(string(op)))
	}
	w := models.LocalWrite{TableID: args[0], RecordID: args[1], Op: op}
	rest := args[2:]
	switch op {
	case models.OpInsert:
		fields, err := parseFields(rest)
		if err != nil {
			return err
		}
		w.Fields = fields
	case models.OpNullify:
		if len(rest) == 0 {
			return fmt.Errorf("usage: nullify <table> <id> name..")
		}
		w.Nullify = rest
	}

	rec, err := ex.EnqueueLocalWrite(ctx, w)
	if err != nil {
		return err
	}
	if op == models.OpDelete {
		printlnFn("Deleted", args[1])
		return nil
	}
	printlnFn(formatRecord(rec))
	return nil
}

func shellStatus(ctx context.Context, ex shellExec) error {
	st, err := ex.SyncStatus(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	renderStatus(&b, st)
	printlnFn(strings.TrimRight(b.String(), "\n"))
	return nil
}

func shellPending(ctx context.Context, ex shellExec) error {
	items, err := ex.Pending(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		printlnFn("No pending writes.")
		return nil
	}
	for _, p := range items {
		line := fmt.Sprintf("#%d %s %s/%s retries=%d", p.Seq, p.Op, p.TableID, p.RecordID, p.RetryCount)
		if p.LastError != "" {
			line += " last error: " + p.LastError
		}
		printlnFn(line)
	}
	return nil
}

// formatRecord renders "table/id updated_at" followed by the fields sorted
// by name.
func formatRecord(r *models.Record) string {
	if r == nil {
		return "<nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s", r.TableID, r.ID)
	if r.UpdatedAt != "" {
		fmt.Fprintf(&b, " @%s", r.UpdatedAt)
	}
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := json.Marshal(r.Fields[name])
		if err != nil {
			v = []byte(fmt.Sprint(r.Fields[name]))
		}
		fmt.Fprintf(&b, "\n  %s = %s", name, v)
	}
	return b.String()
}
