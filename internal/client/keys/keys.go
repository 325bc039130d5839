// Package keys manages the session key: derivation on unlock, the on-disk
// verification marker, rotation and explicit wipes. The key itself is only
// ever held in memory by the store.
package keys

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gophsync/internal/client/store"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
)

const (
	metaSalt       = "crypto.salt"
	metaToken      = "crypto.verification_token"
	metaNonce      = "crypto.verification_nonce"
	metaOnlineAuth = "crypto.last_online_auth"
)

// MismatchError reports that a derived key does not open the stored
// verification token. StoreEmpty tells the caller whether an explicit
// wipe would lose local data.
type MismatchError struct {
	StoreEmpty bool
}

func (e *MismatchError) Error() string {
	if e.StoreEmpty {
		return "key does not match the local store (store is empty)"
	}
	return "key does not match the local store"
}

func (e *MismatchError) Unwrap() error { return common.ErrKeyMismatch }

// Store is the part of the encrypted store the manager drives.
type Store interface {
	Metadata() metadata.Repository
	IsEmpty(ctx context.Context) (bool, error)
	SetKey(key []byte)
	ClearKey()
	Reencrypt(ctx context.Context, oldKey, newKey []byte, fn store.MetadataFunc) error
	Wipe(ctx context.Context, fn store.MetadataFunc) error
}

type Options struct {
	KDF    cryptox.KDFParams
	Logger logging.Logger
}

type Manager struct {
	store Store
	kdf   cryptox.KDFParams
	log   logging.Logger
}

func New(st Store, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Manager{store: st, kdf: opts.KDF, log: opts.Logger.With("module", "keys")}
}

// Marker loads the persisted crypto marker, or nil on a fresh store.
func (m *Manager) Marker(ctx context.Context) (*models.CryptoMarker, error) {
	return readMarker(ctx, m.store.Metadata())
}

func readMarker(ctx context.Context, meta metadata.Repository) (*models.CryptoMarker, error) {
	all, err := meta.GetMany(ctx, metaSalt, metaToken, metaNonce, metaOnlineAuth)
	if err != nil {
		return nil, err
	}
	token, nonce := all[metaToken], all[metaNonce]
	if len(token) == 0 || len(nonce) == 0 {
		return nil, nil
	}
	marker := &models.CryptoMarker{
		Salt:              all[metaSalt],
		VerificationToken: token,
		VerificationNonce: nonce,
	}
	if raw := all[metaOnlineAuth]; len(raw) > 0 {
		t, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: last online auth %q", common.ErrStoreCorrupt, raw)
		}
		marker.LastOnlineAuth = t
	}
	return marker, nil
}

func writeMarker(ctx context.Context, meta metadata.Repository, identity string, key []byte) error {
	token, nonce, err := cryptox.CreateVerificationToken(key)
	if err != nil {
		return err
	}
	return meta.SetMany(ctx, map[string][]byte{
		metaSalt:  cryptox.Salt(identity),
		metaToken: token,
		metaNonce: nonce,
	})
}

func (m *Manager) derive(secret []byte, identity string) []byte {
	return cryptox.DeriveKey(secret, identity, m.kdf)
}

// verify derives the key for secret and checks it against marker.
func (m *Manager) verify(ctx context.Context, marker *models.CryptoMarker, secret []byte, identity string) ([]byte, error) {
	key := m.derive(secret, identity)
	if bytes.Equal(marker.Salt, cryptox.Salt(identity)) && cryptox.Verify(key, marker.VerificationToken, marker.VerificationNonce) {
		return key, nil
	}
	common.WipeByteArray(key)

	empty, err := m.store.IsEmpty(ctx)
	if err != nil {
		return nil, err
	}
	return nil, &MismatchError{StoreEmpty: empty}
}

// Unlock derives the key and installs it in the store. On first run the
// verification marker is created. A wrong secret or identity returns a
// *MismatchError and leaves the store untouched.
func (m *Manager) Unlock(ctx context.Context, secret []byte, identity string) error {
	marker, err := m.Marker(ctx)
	if err != nil {
		return err
	}

	if marker == nil {
		empty, err := m.store.IsEmpty(ctx)
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%w: local data without key marker", common.ErrStoreCorrupt)
		}
		key := m.derive(secret, identity)
		defer common.WipeByteArray(key)
		if err := writeMarker(ctx, m.store.Metadata(), identity, key); err != nil {
			return fmt.Errorf("failed to store key marker: %w", err)
		}
		m.store.SetKey(key)
		m.log.Info(ctx, "key marker created", "identity", identity)
		return nil
	}

	key, err := m.verify(ctx, marker, secret, identity)
	if err != nil {
		m.log.Warn(ctx, "unlock rejected", "identity", identity, "error", err)
		return err
	}
	defer common.WipeByteArray(key)
	m.store.SetKey(key)
	return nil
}

// Lock drops the key and every cached plaintext record.
func (m *Manager) Lock() {
	m.store.ClearKey()
}

// Rotate re-encrypts every record and queued write from the old secret's
// key to the new one and replaces the marker, all in one transaction.
func (m *Manager) Rotate(ctx context.Context, oldSecret, newSecret []byte, identity string) error {
	marker, err := m.Marker(ctx)
	if err != nil {
		return err
	}
	if marker == nil {
		return fmt.Errorf("no key marker: %w", common.ErrNotFound)
	}
	oldKey, err := m.verify(ctx, marker, oldSecret, identity)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(oldKey)

	newKey := m.derive(newSecret, identity)
	defer common.WipeByteArray(newKey)

	err = m.store.Reencrypt(ctx, oldKey, newKey, func(ctx context.Context, meta metadata.Repository) error {
		return writeMarker(ctx, meta, identity, newKey)
	})
	if err != nil {
		return fmt.Errorf("failed to rotate key: %w", err)
	}
	m.log.Info(ctx, "key rotated", "identity", identity)
	return nil
}

// Wipe deletes all local data and starts over with the key of secret.
// It is the only path that discards a store whose key is lost.
func (m *Manager) Wipe(ctx context.Context, secret []byte, identity string) error {
	key := m.derive(secret, identity)
	defer common.WipeByteArray(key)

	err := m.store.Wipe(ctx, func(ctx context.Context, meta metadata.Repository) error {
		if err := meta.Clear(ctx); err != nil {
			return err
		}
		return writeMarker(ctx, meta, identity, key)
	})
	if err != nil {
		return fmt.Errorf("failed to wipe store: %w", err)
	}
	m.store.SetKey(key)
	m.log.Warn(ctx, "store wiped and re-keyed", "identity", identity)
	return nil
}

// MarkOnlineAuth records when the remote last accepted the credentials.
func (m *Manager) MarkOnlineAuth(ctx context.Context, t time.Time) error {
	return m.store.Metadata().Set(ctx, metaOnlineAuth, []byte(t.UTC().Format(time.RFC3339Nano)))
}

func (m *Manager) LastOnlineAuth(ctx context.Context) (time.Time, error) {
	marker, err := m.Marker(ctx)
	if err != nil || marker == nil {
		return time.Time{}, err
	}
	return marker.LastOnlineAuth, nil
}
