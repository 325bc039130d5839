package cli

import (
	"bufio"
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/metrics"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

// NewShellCommand starts the engine and an interactive prompt over it.
func NewShellCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session over the local replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			sess, err := openSession(ctx, cfg, logger, metrics.NewNop())
			if err != nil {
				return err
			}
			defer func() {
				tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				err = errors.Join(err, sess.Close(tctx))
			}()

			if err := startSession(ctx, sess, opts, cmd.ErrOrStderr()); err != nil {
				return err
			}

			printlnFn("Sync shell (type 'help' for commands)")
			status := func() string { return string(sess.engine.State()) }
			runREPL(ctx, sess.engine, status, bufio.NewScanner(cmd.InOrStdin()))
			return nil
		},
	}
}
