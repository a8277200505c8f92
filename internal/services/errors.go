// Package services defines the business logic for scheduling, cancelling, and
// inspecting publish jobs. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import (
	"errors"
	"fmt"

	"github.com/tbourn/go-publish-backend/internal/quota"
)

// Publish-job errors.
var (
	// ErrJobNotFound indicates that the requested publish job does not exist
	// or is not accessible to the current tenant.
	ErrJobNotFound = errors.New("publish job not found")

	// ErrNotCancellable is returned when a cancel request arrives while the
	// job is mid-publish or already in a terminal state.
	ErrNotCancellable = errors.New("publish job cannot be cancelled")

	// ErrScheduledInPast is returned when the requested publish time lies
	// before now minus the configured grace window.
	ErrScheduledInPast = errors.New("scheduled time is in the past")

	// ErrContentNotFound indicates that the referenced content piece does not
	// exist.
	ErrContentNotFound = errors.New("content piece not found")

	// ErrAccountNotFound indicates that the referenced destination account
	// does not exist or belongs to another tenant.
	ErrAccountNotFound = errors.New("destination account not found")

	// ErrAccountDisconnected is returned when the destination account exists
	// but its platform authorization has been revoked.
	ErrAccountDisconnected = errors.New("destination account is disconnected")

	// ErrUnsupportedPlatform is returned when the destination account targets
	// a platform outside the supported set.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// QuotaExceededError is returned by Schedule when the tenant has no remaining
// publish quota. It carries the deny numbers so handlers can surface
// remaining/limit to the caller instead of a bare refusal.
type QuotaExceededError struct {
	Decision quota.Decision
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("publish quota exceeded: %d of %d used", e.Decision.Current, e.Decision.Limit)
}

// IsQuotaExceeded reports whether err is a quota denial and returns the
// decision when it is.
func IsQuotaExceeded(err error) (*QuotaExceededError, bool) {
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
