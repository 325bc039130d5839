package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/engine"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/store"
	"github.com/spf13/cobra"
)

// NewStatusCommand prints table health from the local database. It needs
// neither the secret nor the remote.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-table sync health from the local database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			db, err := openLocal(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			st := store.New(db, store.Options{})
			defer func() { err = errors.Join(err, st.Close()) }()

			status, err := engine.LocalStatus(cmd.Context(), st)
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func choose(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

// renderStatus writes a human readable summary of st.
func renderStatus(w io.Writer, st models.SyncStatus) {
	fmt.Fprintf(w, "state:     %s\n", st.State)
	fmt.Fprintf(w, "realtime:  %s\n", choose(st.RealtimeConnected, "connected", "disconnected"))
	fmt.Fprintf(w, "polling:   %s\n", choose(st.PollActive, "active", "idle"))
	fmt.Fprintf(w, "pending:   %d\n", st.PendingWrites)
	if st.DecryptFailures > 0 {
		fmt.Fprintf(w, "decrypt failures: %d\n", st.DecryptFailures)
	}
	if st.Degraded {
		fmt.Fprintln(w, "warning: sync is degraded")
	}
	if st.AuthRequired {
		fmt.Fprintln(w, "warning: credentials were rejected, supply a new token")
	}

	fmt.Fprintln(w)
	if len(st.Tables) == 0 {
		fmt.Fprintln(w, "no tables")
		return
	}
	fmt.Fprintf(w, "%-16s %-12s %-9s %7s  %s\n", "TABLE", "HEALTH", "TIER", "RECORDS", "LAST SYNC")
	for _, t := range st.Tables {
		tier := choose(t.Tier != "", string(t.Tier), "-")
		last := "-"
		if !t.LastSync.IsZero() {
			last = t.LastSync.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-16s %-12s %-9s %7d  %s\n", t.TableID, t.Health, tier, t.Records, last)
		if t.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", t.Error)
		}
	}
}
