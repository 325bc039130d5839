// Package cryptox holds the cryptographic primitives of the local store:
// argon2id key derivation, AES-256-GCM sealing of payloads and the
// verification token used to recognise the right key on unlock.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the length of derived keys (AES-256).
	KeySize = 32
	// NonceSize is the GCM nonce length stored next to every ciphertext.
	NonceSize = 12
)

// verificationPlaintext is sealed with the derived key on first run; being
// able to open it again proves a later derivation produced the same key.
var verificationPlaintext = []byte("gophsync-key-verification-v1")

// ErrOpen is returned when a ciphertext does not authenticate under the key.
var ErrOpen = fmt.Errorf("%w: message authentication failed", common.ErrDecrypt)

// KDFParams are the argon2id cost parameters.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams are used for real stores. Tests pass cheaper params.
var DefaultKDFParams = KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}

// Salt builds the derivation salt: the domain prefix followed by the identity.
func Salt(identity string) []byte {
	return []byte(common.KeyDomainPrefix + identity)
}

// DeriveKey derives a 32-byte key from the user secret and identity.
// The same inputs always produce the same key.
func DeriveKey(secret []byte, identity string, p KDFParams) []byte {
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		p = DefaultKDFParams
	}
	return argon2.IDKey(secret, Salt(identity), p.Time, p.MemoryKiB, p.Threads, KeySize)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext with a freshly generated nonce.
func Seal(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	return aesgcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts a ciphertext produced by Seal. Authentication failures are
// reported as ErrOpen, which matches common.ErrDecrypt.
func Open(ciphertext, nonce, key []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aesgcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", common.ErrDecrypt, len(nonce))
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// SealJSON serializes v to JSON and seals it.
func SealJSON(v any, key []byte) (ciphertext, nonce []byte, err error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	defer common.WipeByteArray(plaintext)
	return Seal(plaintext, key)
}

// OpenJSON opens a ciphertext and unmarshals the JSON inside into v.
func OpenJSON(ciphertext, nonce, key []byte, v any) error {
	plaintext, err := Open(ciphertext, nonce, key)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(plaintext)
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStoreCorrupt, err)
	}
	return nil
}

// CreateVerificationToken seals the known verification plaintext with key.
func CreateVerificationToken(key []byte) (token, nonce []byte, err error) {
	return Seal(verificationPlaintext, key)
}

// Verify reports whether token opens under key to the verification plaintext.
func Verify(key, token, nonce []byte) bool {
	if len(token) == 0 {
		return false
	}
	plaintext, err := Open(token, nonce, key)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(plaintext, verificationPlaintext) == 1
}

// IsDecryptError reports whether err came from a failed Open.
func IsDecryptError(err error) bool {
	return errors.Is(err, common.ErrDecrypt)
}
