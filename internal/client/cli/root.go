package cli

import (
	"io"
	"os"

	"github.com/dmitrijs2005/gophsync/internal/client/config"
	"github.com/spf13/cobra"
)

// RootOptions carries the I/O and environment shared by all commands.
// Zero fields fall back to the process stdio and environment.
type RootOptions struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
	Env config.Env
}

func (o *RootOptions) defaults() {
	if o.In == nil {
		o.In = os.Stdin
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Err == nil {
		o.Err = os.Stderr
	}
	if o.Env == nil {
		o.Env = os.LookupEnv
	}
}

// NewRootCommand creates the syncctl command tree.
func NewRootCommand(opts *RootOptions) *cobra.Command {
	if opts == nil {
		opts = &RootOptions{}
	}
	opts.defaults()

	cmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Local-first encrypted sync client",
		Long:          "syncctl keeps an encrypted local replica of a remote dataset and lets you inspect and edit it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(opts.In)
	cmd.SetOut(opts.Out)
	cmd.SetErr(opts.Err)

	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewShellCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRotateCommand(opts))
	cmd.AddCommand(NewWipeCommand(opts))

	return cmd
}

// loadConfig resolves settings for cmd. Persistent flags are merged into
// cmd.Flags() by cobra before RunE.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (*config.Config, error) {
	fs := cmd.Flags()
	return config.Load(config.LoadOptions{
		Path:  config.ConfigPath(fs),
		Env:   opts.Env,
		Flags: fs,
	})
}
