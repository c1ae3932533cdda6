package hearthsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Common sentinel errors for the hearthsync package.
var (
	// ErrClosed is returned when operations are attempted on a closed client.
	ErrClosed = errors.New("client is closed")

	// ErrOffline is returned when the device has no network connectivity.
	ErrOffline = errors.New("device is offline")

	// ErrNotAttempted marks a write the readiness gate rejected before any
	// network call was made. Only writes carrying this marker are safe to
	// queue for replay; a mid-flight failure may already have been applied
	// by the server, and replaying it could duplicate the write.
	ErrNotAttempted = errors.New("write not attempted")

	// ErrTimeout is returned when a remote call exceeds its bound.
	ErrTimeout = errors.New("remote call timed out")

	// ErrPermission is returned when the server rejects a call for
	// authorization reasons. Not retryable.
	ErrPermission = errors.New("permission denied")

	// ErrAuthExpired is returned when the session token is invalid or expired.
	ErrAuthExpired = errors.New("session expired")

	// ErrDuplicateKey is returned when the server reports a uniqueness
	// constraint violation. Treated as "already applied".
	ErrDuplicateKey = errors.New("duplicate key violation")

	// ErrNotFound is returned when a record does not exist remotely.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInvite is returned when an invite code resolves to no household.
	ErrInvalidInvite = errors.New("invalid invite code")

	// ErrPartialHouseholdCreate is returned when the household row was created
	// but the admin membership insert failed. The created household id is
	// carried by the wrapping SyncError; the state is surfaced, not rolled back.
	ErrPartialHouseholdCreate = errors.New("household created without admin membership")
)

// ErrorKind categorizes remote failures for retry and queueing decisions.
type ErrorKind int

const (
	// KindUnknown is an unclassified error. Queued replays drop it after
	// bounded retries rather than blocking the queue forever.
	KindUnknown ErrorKind = iota
	// KindOffline means the device had no network; always retryable.
	KindOffline
	// KindTimeout means the call exceeded its deadline; retryable.
	KindTimeout
	// KindPermission means the server refused authorization; not retryable.
	KindPermission
	// KindAuth means the session is invalid or expired; queue processing
	// halts until a refresh succeeds.
	KindAuth
	// KindDuplicate means a uniqueness constraint fired; the write is
	// considered already applied.
	KindDuplicate
)

func (k ErrorKind) String() string {
	switch k {
	case KindOffline:
		return "offline"
	case KindTimeout:
		return "timeout"
	case KindPermission:
		return "permission"
	case KindAuth:
		return "auth"
	case KindDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// SyncError wraps a remote failure with its classification and a
// plain-language message suitable for surfacing to the user.
type SyncError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching against the package sentinels.
func (e *SyncError) Is(target error) bool {
	switch e.Kind {
	case KindOffline:
		return target == ErrOffline
	case KindTimeout:
		return target == ErrTimeout
	case KindPermission:
		return target == ErrPermission
	case KindAuth:
		return target == ErrAuthExpired
	case KindDuplicate:
		return target == ErrDuplicateKey
	}
	return false
}

func newSyncError(kind ErrorKind, message string, cause error) *SyncError {
	return &SyncError{Kind: kind, Message: message, Cause: cause}
}

// UserMessage returns the plain-language text shown to the user for an error.
// Raw error text is never surfaced directly.
func UserMessage(err error) string {
	switch ClassifyError(err) {
	case KindOffline:
		return "you are offline. Try again when connected"
	case KindTimeout:
		return "the request took too long. It will be retried"
	case KindPermission:
		return "you don't have permission to do that"
	case KindAuth:
		return "session expired. Please sign in again"
	case KindDuplicate:
		return "that change was already applied"
	default:
		return "something went wrong. Please try again"
	}
}

// ClassifyError maps an arbitrary error onto the ErrorKind taxonomy using
// sentinel matching first and message heuristics as a fallback. The
// heuristics mirror the signatures hosted backends put in their error
// strings; they are deliberately coarse.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}

	switch {
	case errors.Is(err, ErrOffline):
		return KindOffline
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrAuthExpired):
		return KindAuth
	case errors.Is(err, ErrDuplicateKey):
		return KindDuplicate
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindOffline
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key"),
		strings.Contains(msg, "unique constraint"),
		strings.Contains(msg, "already exists"):
		return KindDuplicate
	case strings.Contains(msg, "jwt"),
		strings.Contains(msg, "token expired"),
		strings.Contains(msg, "invalid token"),
		strings.Contains(msg, "not authenticated"),
		strings.Contains(msg, "401"):
		return KindAuth
	case strings.Contains(msg, "permission"),
		strings.Contains(msg, "row-level security"),
		strings.Contains(msg, "policy"),
		strings.Contains(msg, "403"):
		return KindPermission
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "offline"):
		return KindOffline
	}

	return KindUnknown
}

// IsRetryable reports whether a failed write should be replayed later.
// Offline and timeout failures are retryable; everything else either cannot
// succeed on retry or is already applied.
func IsRetryable(err error) bool {
	switch ClassifyError(err) {
	case KindOffline, KindTimeout:
		return true
	}
	return false
}

// isConnectionError reports whether an error looks like a transport or
// session failure, used by the readiness gate to invalidate its verified
// cache.
func isConnectionError(err error) bool {
	switch ClassifyError(err) {
	case KindOffline, KindTimeout, KindAuth, KindPermission:
		return true
	}
	return false
}
