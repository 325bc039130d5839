package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophsync/internal/client/keys"
	"github.com/dmitrijs2005/gophsync/internal/client/store"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/spf13/cobra"
)

// NewRotateCommand re-encrypts the local database under a new secret.
// GOPHSYNC_SECRET and GOPHSYNC_NEW_SECRET skip the prompts.
func NewRotateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt local data under a new secret",
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

			w := cmd.ErrOrStderr()
			oldSecret, err := readSecret(opts.Env, EnvSecret, w, "Current secret: ")
			if err != nil {
				return err
			}
			defer common.WipeByteArray(oldSecret)

			newSecret, err := readNewSecret(opts, w)
			if err != nil {
				return err
			}
			defer common.WipeByteArray(newSecret)

			db, err := openLocal(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			st := store.New(db, store.Options{Logger: logger})
			defer func() { err = errors.Join(err, st.Close()) }()

			km := keys.New(st, keys.Options{KDF: kdfParams(cfg), Logger: logger})
			if err := km.Rotate(cmd.Context(), oldSecret, newSecret, cfg.Identity); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Local data re-encrypted.")
			return nil
		},
	}
}

// readNewSecret asks for the new secret twice unless it comes from the
// environment.
func readNewSecret(opts *RootOptions, w io.Writer) ([]byte, error) {
	if v, ok := opts.Env(EnvNewSecret); ok && v != "" {
		return []byte(v), nil
	}
	first, err := GetSecret(w, "New secret: ")
	if err != nil {
		return nil, err
	}
	second, err := GetSecret(w, "Repeat new secret: ")
	if err != nil {
		common.WipeByteArray(first)
		return nil, err
	}
	defer common.WipeByteArray(second)
	if !bytes.Equal(first, second) {
		common.WipeByteArray(first)
		return nil, errors.New("secrets do not match")
	}
	return first, nil
}
