// Package billing receives asynchronous purchase and restore events from the
// platform billing API, normalizes them into PurchaseEvent, deduplicates by
// transaction id, and acknowledges (finishes) transactions exactly once.
package billing

import "strings"

// PurchaseUpdate is the raw payload delivered on the purchase-updated
// stream. Platforms disagree on which identifier fields are present, so all
// of them are optional here and normalization decides what is usable.
type PurchaseUpdate struct {
	ProductID          string `json:"productId"`
	TransactionID      string `json:"transactionId,omitempty"`
	PurchaseToken      string `json:"purchaseToken,omitempty"`
	TransactionReceipt string `json:"transactionReceipt,omitempty"`
}

// PurchaseEvent is one normalized store callback. TransactionID is the
// idempotency key; Receipt is the opaque proof passed to the backend
// verifier. Events are transient: consumed once and discarded, with the
// transaction id remembered to reject duplicate deliveries.
type PurchaseEvent struct {
	ProductID     string
	TransactionID string
	Receipt       string
}

// Normalize converts a raw update into a PurchaseEvent. ok is false when the
// payload is malformed (no product, or neither token nor receipt); malformed
// events are discarded, never propagated.
func Normalize(u PurchaseUpdate) (PurchaseEvent, bool) {
	productID := strings.TrimSpace(u.ProductID)
	if productID == "" {
		return PurchaseEvent{}, false
	}

	receipt := strings.TrimSpace(u.TransactionReceipt)
	if receipt == "" {
		receipt = strings.TrimSpace(u.PurchaseToken)
	}
	if receipt == "" {
		return PurchaseEvent{}, false
	}

	// Android reports purchaseToken, iOS a transaction identifier. Either
	// serves as the idempotency key.
	txID := strings.TrimSpace(u.TransactionID)
	if txID == "" {
		txID = strings.TrimSpace(u.PurchaseToken)
	}

	return PurchaseEvent{
		ProductID:     productID,
		TransactionID: txID,
		Receipt:       receipt,
	}, true
}

// PurchaseError is one payload from the purchase-error stream.
type PurchaseError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ErrorCodeUserCancelled is the platform code for a user abandoning the
// purchase sheet. It is not an error: no state change, no user-visible
// failure.
const ErrorCodeUserCancelled = "E_USER_CANCELLED"

// UserCancelled reports whether the error is a user cancellation.
func (e PurchaseError) UserCancelled() bool {
	return strings.EqualFold(e.Code, ErrorCodeUserCancelled)
}
