package common

import "errors"

// Callers should match these with errors.Is; concrete errors elsewhere wrap them.
var (
	// repository specific errors
	ErrNotFound = errors.New("not found")

	// sync error taxonomy
	ErrTransient        = errors.New("transient failure")
	ErrAuthExpired      = errors.New("authentication expired")
	ErrDecrypt          = errors.New("decryption failed")
	ErrPermanentWrite   = errors.New("write permanently rejected")
	ErrPartialHydration = errors.New("partial hydration")

	// key management errors
	ErrKeyMismatch  = errors.New("derived key does not match local store")
	ErrStoreCorrupt = errors.New("local store is corrupt")
	ErrLocked       = errors.New("store is locked")

	// lifecycle errors
	ErrClosed            = errors.New("engine closed")
	ErrInvalidTransition = errors.New("invalid state transition")
)
