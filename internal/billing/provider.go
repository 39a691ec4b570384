package billing

import "context"

// Provider abstracts the platform billing API: two event streams, the
// finish-transaction acknowledgment, the restore query, and the purchase
// initiator. Stream callbacks arrive on whatever goroutine the provider
// delivers them on; consumers must hand off rather than mutate shared state.
type Provider interface {
	// PurchaseUpdates is the purchase-updated event stream.
	PurchaseUpdates() <-chan PurchaseUpdate

	// PurchaseErrors is the purchase-error event stream.
	PurchaseErrors() <-chan PurchaseError

	// FinishTransaction acknowledges a purchase with the platform store.
	// Until this is called the platform keeps redelivering the event.
	FinishTransaction(ctx context.Context, ev PurchaseEvent) error

	// GetAvailablePurchases returns all active purchases the platform
	// reports for the signed-in store account (restore path).
	GetAvailablePurchases(ctx context.Context) ([]PurchaseUpdate, error)

	// RequestSubscription opens the platform purchase flow for an SKU. The
	// outcome arrives asynchronously on the event streams.
	RequestSubscription(ctx context.Context, sku string) error

	// Close tears down the billing connection. It must not cancel
	// finish-transaction calls already in flight.
	Close() error
}
