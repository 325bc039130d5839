// Package common contains shared constants, sentinel errors and small
// helpers used across gophsync components.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on outbound requests.
const AccessTokenHeaderName = "access_token"

// KeyDomainPrefix is prepended to the user identity to build the key
// derivation salt. Changing it invalidates every existing local store.
const KeyDomainPrefix = "gophsync/v1/"

// EventsCursorKey is the reserved cursor slot holding the resumption
// position of the real-time event stream.
const EventsCursorKey = "__events__"
