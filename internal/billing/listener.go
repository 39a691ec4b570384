package billing

import (
	"context"
	"sync"

	syncerrors "github.com/pranavgeek/SpaceApp-sub000/internal/errors"
	"github.com/pranavgeek/SpaceApp-sub000/internal/metrics"
	"github.com/rs/zerolog/log"
)

// FinalizedJournal is the durable record of finished transactions. Nil is
// allowed; dedup then covers the process lifetime only.
type FinalizedJournal interface {
	Seen(ctx context.Context, txID string) (bool, error)
	MarkFinalized(ctx context.Context, txID, userID, productID string) error
}

// Listener subscribes to the provider's purchase-updated and purchase-error
// streams for the lifetime of the session, normalizes payloads, and
// guarantees the finish-transaction acknowledgment happens exactly once per
// transaction - and only after the reconciler has durably recorded the
// entitlement change.
type Listener struct {
	provider Provider
	journal  FinalizedJournal

	// onPurchase hands a normalized event into the reconciler's serialized
	// queue. It must not block for long.
	onPurchase func(PurchaseEvent)

	// onError surfaces retryable purchase failures. User cancellations never
	// reach it.
	onError func(error)

	mu        sync.Mutex
	finished  map[string]struct{}
	finishing map[string]struct{}

	inflight sync.WaitGroup
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewListener wires a listener to its provider. journal may be nil.
func NewListener(provider Provider, journal FinalizedJournal, onPurchase func(PurchaseEvent), onError func(error)) *Listener {
	return &Listener{
		provider:   provider,
		journal:    journal,
		onPurchase: onPurchase,
		onError:    onError,
		finished:   make(map[string]struct{}),
		finishing:  make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins consuming both streams in a background goroutine.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	updates := l.provider.PurchaseUpdates()
	errs := l.provider.PurchaseErrors()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			l.handleUpdate(ctx, u)
		case e, ok := <-errs:
			if !ok {
				return
			}
			l.handleError(e)
		}
	}
}

func (l *Listener) handleUpdate(ctx context.Context, u PurchaseUpdate) {
	ev, ok := Normalize(u)
	if !ok {
		metrics.RecordMalformedEvent()
		log.Warn().
			Str("productId", u.ProductID).
			Msg("Discarding malformed purchase update without product or receipt")
		return
	}

	if l.alreadyFinalized(ctx, ev.TransactionID) {
		// At-least-once delivery from the platform is expected. Skip
		// silently; the transaction was already finished.
		metrics.RecordDuplicateSkipped()
		log.Debug().
			Str("transactionId", ev.TransactionID).
			Str("productId", ev.ProductID).
			Msg("Skipping duplicate purchase delivery")
		return
	}

	log.Info().
		Str("transactionId", ev.TransactionID).
		Str("productId", ev.ProductID).
		Msg("Purchase update received")
	l.onPurchase(ev)
}

func (l *Listener) handleError(e PurchaseError) {
	if e.UserCancelled() {
		log.Debug().Str("code", e.Code).Msg("Purchase cancelled by user")
		return
	}

	log.Warn().Str("code", e.Code).Str("message", e.Message).Msg("Purchase error from platform store")
	if l.onError != nil {
		l.onError(syncerrors.NewSyncError(syncerrors.KindBackendUnreachable, "purchase_stream", "",
			&PurchaseStreamError{Code: e.Code, Message: e.Message}))
	}
}

func (l *Listener) alreadyFinalized(ctx context.Context, txID string) bool {
	l.mu.Lock()
	_, done := l.finished[txID]
	l.mu.Unlock()
	if done {
		return true
	}

	if l.journal != nil {
		seen, err := l.journal.Seen(ctx, txID)
		if err != nil {
			log.Warn().Err(err).Str("transactionId", txID).Msg("Journal lookup failed; relying on in-memory dedup")
			return false
		}
		return seen
	}
	return false
}

// Finish acknowledges the transaction with the platform store. It is safe to
// call more than once; only the first successful call reaches the provider.
// The reconciler calls this only after the backend and local store writes
// have both succeeded.
func (l *Listener) Finish(ctx context.Context, ev PurchaseEvent) error {
	l.mu.Lock()
	if _, done := l.finished[ev.TransactionID]; done {
		l.mu.Unlock()
		return nil
	}
	// Claim the transaction before releasing the lock; a second concurrent
	// Finish for the same transaction returns without touching the provider.
	if _, busy := l.finishing[ev.TransactionID]; busy {
		l.mu.Unlock()
		return nil
	}
	l.finishing[ev.TransactionID] = struct{}{}
	l.inflight.Add(1)
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.finishing, ev.TransactionID)
		l.mu.Unlock()
		l.inflight.Done()
	}()

	// Teardown must not cancel an acknowledgment already in flight: losing
	// it would leave the platform redelivering a committed purchase.
	err := l.provider.FinishTransaction(context.WithoutCancel(ctx), ev)
	if err != nil {
		return syncerrors.NewSyncError(syncerrors.KindBackendUnreachable, "finish_transaction", "", err).
			WithTransaction(ev.TransactionID)
	}

	l.mu.Lock()
	l.finished[ev.TransactionID] = struct{}{}
	l.mu.Unlock()

	metrics.RecordFinishCall()
	if l.journal != nil {
		if jerr := l.journal.MarkFinalized(ctx, ev.TransactionID, "", ev.ProductID); jerr != nil {
			log.Warn().Err(jerr).Str("transactionId", ev.TransactionID).Msg("Failed to journal finalized transaction")
		}
	}

	log.Info().Str("transactionId", ev.TransactionID).Msg("Transaction finished with platform store")
	return nil
}

// AvailablePurchases returns the platform's active purchases for the restore
// path, normalized and with malformed entries dropped.
func (l *Listener) AvailablePurchases(ctx context.Context) ([]PurchaseEvent, error) {
	raw, err := l.provider.GetAvailablePurchases(ctx)
	if err != nil {
		return nil, syncerrors.NewSyncError(syncerrors.KindBackendUnreachable, "get_available_purchases", "", err)
	}

	events := make([]PurchaseEvent, 0, len(raw))
	for _, u := range raw {
		ev, ok := Normalize(u)
		if !ok {
			metrics.RecordMalformedEvent()
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Close unsubscribes both streams and closes the billing connection after
// waiting for in-flight finish calls.
func (l *Listener) Close() error {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	l.inflight.Wait()
	return l.provider.Close()
}

// PurchaseStreamError is a non-cancellation failure from the purchase-error
// stream. Retryable: the user can re-attempt the purchase.
type PurchaseStreamError struct {
	Code    string
	Message string
}

func (e *PurchaseStreamError) Error() string {
	if e.Message != "" {
		return "purchase failed (" + e.Code + "): " + e.Message
	}
	return "purchase failed (" + e.Code + ")"
}
