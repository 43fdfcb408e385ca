package stashgate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfig is returned when credentials or component configuration are invalid
	ErrConfig = errors.New("invalid configuration")
	// ErrInvalidInput is returned when input validation fails before any network call
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned when a token or cell is not found
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the requester may not access the item
	ErrForbidden = errors.New("forbidden")
	// ErrRateLimited is returned when a rate-limit scope denies a request
	ErrRateLimited = errors.New("rate limited")
	// ErrExpired is returned when a download token is past its expiry
	ErrExpired = errors.New("token expired")
	// ErrAlreadyUsed is returned when a one-time token has been consumed
	ErrAlreadyUsed = errors.New("token already used")
	// ErrUploadFailed is returned when the store rejects a multipart operation
	ErrUploadFailed = errors.New("upload failed")
	// ErrUnauthorized is returned when no verified caller identity is present
	ErrUnauthorized = errors.New("unauthorized")
)

// RateLimitError reports which scope denied a request and when its window resets.
type RateLimitError struct {
	Scope     string
	ResetAtMs int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s scope, resets at %s",
		e.Scope, time.UnixMilli(e.ResetAtMs).UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter returns the whole seconds to wait before retrying, at least 1.
func (e *RateLimitError) RetryAfter(now time.Time) int {
	secs := (e.ResetAtMs - now.UnixMilli() + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return int(secs)
}

// StoreError carries the status and body of a non-2xx object-store response.
type StoreError struct {
	Op     string
	Status int
	Body   string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: store returned %d: %s", e.Op, e.Status, e.Body)
}

func (e *StoreError) Is(target error) bool { return target == ErrUploadFailed }
