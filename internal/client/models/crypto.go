package models

import "time"

// CryptoMarker is the only key-related state that touches disk.
type CryptoMarker struct {
	// Salt is the derivation salt (domain prefix + identity).
	Salt []byte

	// VerificationToken is the known plaintext sealed with the derived key.
	VerificationToken []byte
	// VerificationNonce is the GCM nonce of VerificationToken.
	VerificationNonce []byte

	// LastOnlineAuth is the last time credentials were confirmed by the remote.
	LastOnlineAuth time.Time
}
