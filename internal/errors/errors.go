package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrUnknownProduct        = errors.New("unknown product")
	ErrBackendUnreachable    = errors.New("backend unreachable")
	ErrDuplicateTransaction  = errors.New("duplicate transaction")
	ErrUserCancelled         = errors.New("user cancelled")
	ErrRequestAlreadyPending = errors.New("subscription request already pending")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInternalError         = errors.New("internal error")
)

// Kind categorizes a synchronization failure.
type Kind string

const (
	KindUnknownProduct        Kind = "unknown_product"
	KindBackendUnreachable    Kind = "backend_unreachable"
	KindDuplicateTransaction  Kind = "duplicate_transaction"
	KindUserCancelled         Kind = "user_cancelled"
	KindRequestAlreadyPending Kind = "request_already_pending"
	KindValidation            Kind = "validation"
	KindStorage               Kind = "storage"
	KindInternal              Kind = "internal"
)

// SyncError is a structured error for entitlement synchronization operations
type SyncError struct {
	Kind          Kind
	Op            string // Operation that failed (e.g., "apply_purchase", "poll_request")
	UserID        string // User the operation was running for
	TransactionID string // Store transaction id if applicable
	Err           error  // Underlying error
	StatusCode    int    // HTTP status code if applicable
	Timestamp     time.Time
	Retryable     bool
}

func (e *SyncError) Error() string {
	if e.TransactionID != "" {
		return fmt.Sprintf("%s failed for user %s (tx %s): %v", e.Op, e.UserID, e.TransactionID, e.Err)
	}
	if e.UserID != "" {
		return fmt.Sprintf("%s failed for user %s: %v", e.Op, e.UserID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *SyncError) Is(target error) bool {
	if target == nil {
		return false
	}

	// Check base error types
	switch target {
	case ErrUnknownProduct:
		return e.Kind == KindUnknownProduct
	case ErrBackendUnreachable:
		return e.Kind == KindBackendUnreachable
	case ErrDuplicateTransaction:
		return e.Kind == KindDuplicateTransaction
	case ErrUserCancelled:
		return e.Kind == KindUserCancelled
	case ErrRequestAlreadyPending:
		return e.Kind == KindRequestAlreadyPending
	case ErrInvalidInput:
		return e.Kind == KindValidation
	}

	// Check wrapped error
	return errors.Is(e.Err, target)
}

// NewSyncError creates a new SyncError
func NewSyncError(kind Kind, op, userID string, err error) *SyncError {
	return &SyncError{
		Kind:      kind,
		Op:        op,
		UserID:    userID,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind),
	}
}

// WithTransaction adds the store transaction id to the error
func (e *SyncError) WithTransaction(txID string) *SyncError {
	e.TransactionID = txID
	return e
}

// WithStatusCode adds HTTP status code to the error
func (e *SyncError) WithStatusCode(code int) *SyncError {
	e.StatusCode = code
	// Update retryable based on status code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// isRetryable determines if an error should be retried
func isRetryable(kind Kind) bool {
	switch kind {
	case KindBackendUnreachable:
		return true
	default:
		return false
	}
}

// Helper functions

// WrapBackendError wraps a failed backend call with context
func WrapBackendError(op, userID string, err error) error {
	return NewSyncError(KindBackendUnreachable, op, userID, err)
}

// WrapUnknownProduct wraps an unresolvable SKU with context. Configuration
// bug, never retried.
func WrapUnknownProduct(op, userID, productID string) error {
	return NewSyncError(KindUnknownProduct, op, userID, fmt.Errorf("no plan mapped to product %q", productID))
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}

	// Check for wrapped standard errors
	return errors.Is(err, ErrBackendUnreachable)
}

// KindOf extracts the failure kind, or KindInternal for plain errors.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return KindInternal
}
