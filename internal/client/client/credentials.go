package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials holds the bearer token issued by the host application. The
// engine never verifies signatures; it only reads the expiry so it can
// refuse to reconnect with a token the server will reject.
type Credentials struct {
	mu    sync.RWMutex
	token string
}

func NewCredentials(token string) *Credentials {
	return &Credentials{token: token}
}

func (c *Credentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Credentials) Set(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Expiry returns the exp claim of a JWT. Opaque tokens and tokens without
// exp report ok=false.
func Expiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// CheckFresh returns ErrUnauthorized when the token's expiry is within skew
// of now. Anonymous sessions and opaque tokens always pass.
func (c *Credentials) CheckFresh(now time.Time, skew time.Duration) error {
	exp, ok := Expiry(c.Token())
	if !ok {
		return nil
	}
	if !now.Add(skew).Before(exp) {
		return fmt.Errorf("%w: token expired at %s", ErrUnauthorized, exp.Format(time.RFC3339))
	}
	return nil
}
