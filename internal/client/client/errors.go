package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
)

var (
	ErrUnavailable  = fmt.Errorf("server unavailable: %w", common.ErrTransient)
	ErrUnauthorized = fmt.Errorf("unauthorized: %w", common.ErrAuthExpired)
)

// HTTPError is a non-2xx response that was not retried.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is lets 5xx responses match common.ErrTransient and 4xx responses match
// common.ErrPermanentWrite.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case common.ErrTransient:
		return e.StatusCode >= 500
	case common.ErrPermanentWrite:
		return e.StatusCode >= 400 && e.StatusCode < 500
	}
	return false
}

// RateLimitError asks the caller to wait before the next attempt.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == common.ErrTransient
}

type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassAuth
	ClassPermanent
	ClassRateLimited
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassPermanent:
		return "permanent"
	case ClassRateLimited:
		return "rate-limited"
	case ClassCanceled:
		return "canceled"
	}
	return "unknown"
}

// Classify maps a transport error onto the retry policy classes. Unknown
// errors are treated as transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	if errors.Is(err, common.ErrAuthExpired) {
		return ClassAuth
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 401 || httpErr.StatusCode == 403:
			return ClassAuth
		case httpErr.StatusCode == 408:
			return ClassTransient
		case httpErr.StatusCode >= 400 && httpErr.StatusCode < 500:
			return ClassPermanent
		}
		return ClassTransient
	}
	if errors.Is(err, common.ErrPermanentWrite) {
		return ClassPermanent
	}
	return ClassTransient
}
