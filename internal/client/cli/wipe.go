package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/keys"
	"github.com/dmitrijs2005/gophsync/internal/client/metrics"
	"github.com/dmitrijs2005/gophsync/internal/client/store"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/spf13/cobra"
)

const confirmWord = "wipe"

// NewWipeCommand deletes every local record, cursor and queued write,
// re-keys the database with the given secret and, unless --no-hydrate is
// set, hydrates it again from the remote.
func NewWipeCommand(opts *RootOptions) *cobra.Command {
	var (
		yes       bool
		noHydrate bool
	)
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Discard local data and hydrate again",
		Long: `Delete all local records, cursors, table metadata and queued writes.

Queued writes that were never delivered are lost. The database is re-keyed
with the secret given now, so this is also the way out when the old secret
is gone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			if !yes {
				answer, err := GetSimpleText(bufio.NewReader(cmd.InOrStdin()),
					fmt.Sprintf("All local data and undelivered writes will be lost. Type %q to continue.", confirmWord),
					cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				if answer != confirmWord {
					return errors.New("wipe aborted")
				}
			}

			secret, err := readSecret(opts.Env, EnvSecret, cmd.ErrOrStderr(), "Secret: ")
			if err != nil {
				return err
			}
			defer common.WipeByteArray(secret)

			ctx := cmd.Context()
			db, err := openLocal(ctx, cfg)
			if err != nil {
				return err
			}
			st := store.New(db, store.Options{Logger: logger})
			km := keys.New(st, keys.Options{KDF: kdfParams(cfg), Logger: logger})
			if err := errors.Join(km.Wipe(ctx, secret, cfg.Identity), st.Close()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Local data wiped.")
			if noHydrate {
				return nil
			}

			sess, err := openSession(ctx, cfg, logger, metrics.NewNop())
			if err != nil {
				return err
			}
			defer func() {
				tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				err = errors.Join(err, sess.Close(tctx))
			}()
			if err := sess.engine.Start(ctx, secret); err != nil {
				return err
			}
			status, err := sess.engine.SyncStatus(ctx)
			if err != nil {
				return err
			}
			renderStatus(out, status)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&noHydrate, "no-hydrate", false, "leave the database empty")
	return cmd
}
