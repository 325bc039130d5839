package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophsync/internal/common"
)

// startSession reads the secret and starts the engine. The secret is
// wiped before returning.
func startSession(ctx context.Context, s *session, opts *RootOptions, w io.Writer) error {
	secret, err := readSecret(opts.Env, EnvSecret, w, "Secret: ")
	if err != nil {
		return fmt.Errorf("failed to read secret: %w", err)
	}
	defer common.WipeByteArray(secret)

	if err := s.engine.Start(ctx, secret); err != nil {
		if errors.Is(err, common.ErrKeyMismatch) {
			return fmt.Errorf("%w: the secret does not open the local data, run 'syncctl wipe' to start over", err)
		}
		return err
	}
	return nil
}
