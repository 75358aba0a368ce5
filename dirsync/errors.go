package dirsync

import (
	"errors"
	"fmt"
)

// ErrClientStateMismatch means the notification's clientState did not match
// the configured secret. The pipeline fails closed: no external call is made.
var ErrClientStateMismatch = errors.New("notification client state does not match configured secret")

// MalformedPayloadError means the notification body could not be decoded
// into the expected envelope. No side effects have occurred.
type MalformedPayloadError struct {
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed notification payload: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed notification payload: %s", e.Reason)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// CredentialError means the client-credentials token exchange failed.
// It is fatal for the whole notification: no member is processed.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential acquisition failed: %s", e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// IdentityError means one member's profile lookup failed. The engine logs
// it, skips that member and keeps going.
type IdentityError struct {
	MemberID string
	Err      error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("identity lookup for member %q failed: %s", e.MemberID, e.Err)
}

func (e *IdentityError) Unwrap() error {
	return e.Err
}

// RegionalDirectoryError carries the attempted operation, the region and
// the email so a failure in one (member, region) cell stays attributable.
type RegionalDirectoryError struct {
	Op         string
	Region     Region
	Email      string
	StatusCode int
	Message    string
	Err        error
}

func (e *RegionalDirectoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("directory %s [%s] %s: %s", e.Op, e.Region, e.Email, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("directory %s [%s] %s: status %d: %s", e.Op, e.Region, e.Email, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("directory %s [%s] %s: status %d", e.Op, e.Region, e.Email, e.StatusCode)
}

func (e *RegionalDirectoryError) Unwrap() error {
	return e.Err
}
