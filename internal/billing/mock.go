package billing

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// MockProvider is an in-memory billing provider for development and tests.
// Purchases are emitted by calling EmitPurchase; RequestSubscription
// immediately emits a synthetic purchase for the requested SKU.
type MockProvider struct {
	updates chan PurchaseUpdate
	errs    chan PurchaseError

	mu        sync.Mutex
	available []PurchaseUpdate
	finished  []PurchaseEvent
	finishErr error
	closed    bool
	seq       int
}

// NewMockProvider creates an empty mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		updates: make(chan PurchaseUpdate, eventBufferSize),
		errs:    make(chan PurchaseError, eventBufferSize),
	}
}

// PurchaseUpdates implements Provider.
func (m *MockProvider) PurchaseUpdates() <-chan PurchaseUpdate { return m.updates }

// PurchaseErrors implements Provider.
func (m *MockProvider) PurchaseErrors() <-chan PurchaseError { return m.errs }

// EmitPurchase delivers a raw purchase update on the stream.
func (m *MockProvider) EmitPurchase(u PurchaseUpdate) {
	m.updates <- u
}

// EmitError delivers an error on the purchase-error stream.
func (m *MockProvider) EmitError(e PurchaseError) {
	m.errs <- e
}

// SetAvailablePurchases seeds the restore response.
func (m *MockProvider) SetAvailablePurchases(purchases []PurchaseUpdate) {
	m.mu.Lock()
	m.available = append([]PurchaseUpdate(nil), purchases...)
	m.mu.Unlock()
}

// SetFinishError makes subsequent FinishTransaction calls fail.
func (m *MockProvider) SetFinishError(err error) {
	m.mu.Lock()
	m.finishErr = err
	m.mu.Unlock()
}

// FinishTransaction implements Provider, recording the call.
func (m *MockProvider) FinishTransaction(ctx context.Context, ev PurchaseEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finishErr != nil {
		return m.finishErr
	}
	m.finished = append(m.finished, ev)
	return nil
}

// FinishedTransactions returns every finish call seen so far.
func (m *MockProvider) FinishedTransactions() []PurchaseEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PurchaseEvent(nil), m.finished...)
}

// GetAvailablePurchases implements Provider.
func (m *MockProvider) GetAvailablePurchases(ctx context.Context) ([]PurchaseUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PurchaseUpdate(nil), m.available...), nil
}

// RequestSubscription implements Provider by synthesizing an immediate
// successful purchase of the SKU.
func (m *MockProvider) RequestSubscription(ctx context.Context, sku string) error {
	m.mu.Lock()
	m.seq++
	tx := "mock-tx-" + sku + "-" + strconv.Itoa(m.seq)
	m.mu.Unlock()

	log.Debug().Str("sku", sku).Str("transactionId", tx).Msg("Mock billing: simulating purchase")
	m.updates <- PurchaseUpdate{
		ProductID:          sku,
		TransactionID:      tx,
		TransactionReceipt: "mock-receipt-" + tx,
	}
	return nil
}

// Close implements Provider.
func (m *MockProvider) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.updates)
		close(m.errs)
	}
	return nil
}

var _ Provider = (*MockProvider)(nil)
