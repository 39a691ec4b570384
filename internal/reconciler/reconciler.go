// Package reconciler is the single logical writer of entitlement state. It
// serializes all mutations for a given user, resolves purchase and
// admin-approval signals into one authoritative entitlement, and performs
// the three-way write: backend record, local cache, then the platform
// finish-transaction acknowledgment, in that order.
package reconciler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pranavgeek/SpaceApp-sub000/internal/backend"
	"github.com/pranavgeek/SpaceApp-sub000/internal/billing"
	"github.com/pranavgeek/SpaceApp-sub000/internal/catalog"
	"github.com/pranavgeek/SpaceApp-sub000/internal/entitlement"
	syncerrors "github.com/pranavgeek/SpaceApp-sub000/internal/errors"
	"github.com/pranavgeek/SpaceApp-sub000/internal/metrics"
	"github.com/rs/zerolog/log"
)

// State is the per-user reconciliation state.
type State string

const (
	StateIdle      State = "idle"
	StateApplying  State = "applying"
	StateCommitted State = "committed"
	StateFailed    State = "failed"
)

// Outcome tags the result of one reconciliation command.
type Outcome string

const (
	// OutcomeCommitted: the three-way write completed.
	OutcomeCommitted Outcome = "committed"
	// OutcomeDuplicate: the transaction was already committed; nothing was
	// touched. Not an error.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeNoChange: arbitration or the restore downgrade guard rejected
	// the change; nothing was touched.
	OutcomeNoChange Outcome = "no_change"
	// OutcomeFailed: the change was not applied; Err carries the kind.
	OutcomeFailed Outcome = "failed"
)

// Result is the tagged outcome the reconciler resolves to. It never panics
// or propagates errors past this boundary; the session layer decides what is
// user-visible.
type Result struct {
	Outcome     Outcome
	Entitlement entitlement.UserEntitlement
	Err         error
}

// Backend is the slice of the backend API the reconciler writes through.
// Updates are idempotent on retry for the same (userId, role, tier).
type Backend interface {
	UpdateUserRole(ctx context.Context, userID string, role entitlement.Role, tier entitlement.Tier, isSubscriptionUpgrade bool) (*backend.User, error)
	FetchUserByID(ctx context.Context, userID string) (*backend.User, error)
}

// Store is the local persistent cache written in step two of the commit
// sequence.
type Store interface {
	SaveEntitlement(entitlement.UserEntitlement) error
	LoadEntitlement() (entitlement.UserEntitlement, bool)
}

// Finisher acknowledges a purchase with the platform store. Called only
// after the backend and local writes are durable.
type Finisher interface {
	Finish(ctx context.Context, ev billing.PurchaseEvent) error
}

// Notifier is told about every committed entitlement so in-memory session
// state can refresh. Implementations must tolerate calls for users other
// than the one currently signed in.
type Notifier interface {
	EntitlementChanged(ent entitlement.UserEntitlement)
}

// Config wires the reconciler's collaborators.
type Config struct {
	Backend  Backend
	Store    Store
	Catalog  *catalog.Catalog
	Finisher Finisher
	Notifier Notifier

	// MaxAttempts bounds backend write retries per command. Zero means the
	// default of 4. The transaction is left unfinished on exhaustion so the
	// platform redelivers the purchase on next start.
	MaxAttempts int

	// RetryInitial and RetryMax tune the backoff between attempts.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

type commandKind int

const (
	cmdPurchase commandKind = iota
	cmdApproval
	cmdManual
	cmdRestore
)

type command struct {
	id     string
	kind   commandKind
	ctx    context.Context
	event  billing.PurchaseEvent
	events []billing.PurchaseEvent
	change entitlement.Change
	result chan Result
}

// Reconciler serializes entitlement mutations per user through one worker
// goroutine per userId. Concurrent purchase and admin-approval commands for
// the same user are queued, never interleaved.
type Reconciler struct {
	backend  Backend
	store    Store
	catalog  *catalog.Catalog
	finisher Finisher
	notifier Notifier

	maxAttempts int
	retry       backoffConfig
	sleep       func(ctx context.Context, d time.Duration) error
	rng         func() float64
	now         func() time.Time

	mu        sync.Mutex
	queues    map[string]chan *command
	states    map[string]State
	committed map[string]entitlement.UserEntitlement // transactionId -> committed entitlement
	closed    bool
	wg        sync.WaitGroup
}

// New creates a reconciler. Backend, Store, and Catalog are required;
// Finisher and Notifier may be nil (restore-only or headless use).
func New(cfg Config) *Reconciler {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	initial := cfg.RetryInitial
	if initial <= 0 {
		initial = 2 * time.Second
	}
	max := cfg.RetryMax
	if max <= 0 {
		max = 30 * time.Second
	}

	return &Reconciler{
		backend:     cfg.Backend,
		store:       cfg.Store,
		catalog:     cfg.Catalog,
		finisher:    cfg.Finisher,
		notifier:    cfg.Notifier,
		maxAttempts: maxAttempts,
		retry:       backoffConfig{Initial: initial, Multiplier: 2, Jitter: 0.2, Max: max},
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		rng:       rand.Float64,
		now:       time.Now,
		queues:    make(map[string]chan *command),
		states:    make(map[string]State),
		committed: make(map[string]entitlement.UserEntitlement),
	}
}

// SetNotifier installs the session notifier after construction. The session
// needs the reconciler to dispatch through, so the two are wired in this
// order.
func (r *Reconciler) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// SetFinisher installs the platform acknowledgment surface after
// construction, for the same reason as SetNotifier.
func (r *Reconciler) SetFinisher(f Finisher) {
	r.mu.Lock()
	r.finisher = f
	r.mu.Unlock()
}

// ApplyPurchase runs the full commit sequence for one purchase event.
// Invoking it twice with the same transactionId is a no-op detected before
// any store is touched.
func (r *Reconciler) ApplyPurchase(ctx context.Context, userID string, ev billing.PurchaseEvent) Result {
	return r.enqueue(ctx, userID, &command{kind: cmdPurchase, event: ev})
}

// ApplyApproval applies an admin-approved change. The backend record is
// already authoritative, so only arbitration, the local write, and the
// session refresh happen.
func (r *Reconciler) ApplyApproval(ctx context.Context, userID string, change entitlement.Change) Result {
	change.Source = entitlement.SourceAdminApproval
	return r.enqueue(ctx, userID, &command{kind: cmdApproval, change: change})
}

// ApplyChange applies an explicit change requested through the session layer
// (the only other entry point into entitlement state). It writes the backend
// first, then the local cache. Arbitration is skipped: an explicit request
// through the single writer is deliberate user intent.
func (r *Reconciler) ApplyChange(ctx context.Context, userID string, change entitlement.Change) Result {
	return r.enqueue(ctx, userID, &command{kind: cmdManual, change: change})
}

// Restore applies the platform's reported active purchases, resolving each
// through the SKU table and applying only the highest-privilege result. A
// restore never downgrades the current entitlement.
func (r *Reconciler) Restore(ctx context.Context, userID string, events []billing.PurchaseEvent) Result {
	return r.enqueue(ctx, userID, &command{kind: cmdRestore, events: events})
}

// StateFor reports the last observed reconciliation state for a user.
func (r *Reconciler) StateFor(userID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[userID]; ok {
		return s
	}
	return StateIdle
}

// Close stops all per-user workers after their queues drain.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, ch := range r.queues {
		close(ch)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Reconciler) enqueue(ctx context.Context, userID string, cmd *command) Result {
	if userID == "" {
		return Result{Outcome: OutcomeFailed,
			Err: syncerrors.NewSyncError(syncerrors.KindValidation, "enqueue", userID, fmt.Errorf("empty user id"))}
	}

	cmd.id = uuid.NewString()
	cmd.ctx = ctx
	cmd.result = make(chan Result, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Result{Outcome: OutcomeFailed,
			Err: syncerrors.NewSyncError(syncerrors.KindInternal, "enqueue", userID, fmt.Errorf("reconciler closed"))}
	}
	ch, ok := r.queues[userID]
	if !ok {
		ch = make(chan *command, 16)
		r.queues[userID] = ch
		r.wg.Add(1)
		go r.worker(userID, ch)
	}
	r.mu.Unlock()

	select {
	case ch <- cmd:
	case <-ctx.Done():
		return Result{Outcome: OutcomeFailed,
			Err: syncerrors.NewSyncError(syncerrors.KindInternal, "enqueue", userID, ctx.Err())}
	}

	select {
	case res := <-cmd.result:
		return res
	case <-ctx.Done():
		// The worker still completes the command; the buffered result
		// channel keeps it from blocking.
		return Result{Outcome: OutcomeFailed,
			Err: syncerrors.NewSyncError(syncerrors.KindInternal, "await_result", userID, ctx.Err())}
	}
}

func (r *Reconciler) worker(userID string, ch chan *command) {
	defer r.wg.Done()
	for cmd := range ch {
		started := time.Now()
		res := r.process(userID, cmd)
		cmd.result <- res

		switch res.Outcome {
		case OutcomeCommitted:
			metrics.RecordChangeApplied(sourceLabel(cmd), time.Since(started).Seconds())
		case OutcomeDuplicate:
			metrics.RecordDuplicateSkipped()
		case OutcomeFailed:
			metrics.RecordReconcileFailure(string(syncerrors.KindOf(res.Err)))
		}
	}
}

func sourceLabel(cmd *command) string {
	switch cmd.kind {
	case cmdPurchase:
		return string(entitlement.SourcePurchase)
	case cmdApproval:
		return string(entitlement.SourceAdminApproval)
	case cmdRestore:
		return "restore"
	default:
		return "manual"
	}
}

func (r *Reconciler) process(userID string, cmd *command) Result {
	r.setState(userID, StateApplying)

	var res Result
	switch cmd.kind {
	case cmdPurchase:
		res = r.applyPurchase(cmd.ctx, userID, cmd.event)
	case cmdApproval:
		res = r.applyApproval(cmd.ctx, userID, cmd.change)
	case cmdManual:
		res = r.applyManual(cmd.ctx, userID, cmd.change)
	case cmdRestore:
		res = r.applyRestore(cmd.ctx, userID, cmd.events)
	}

	switch res.Outcome {
	case OutcomeFailed:
		r.setState(userID, StateFailed)
	case OutcomeCommitted:
		r.setState(userID, StateCommitted)
	default:
		r.setState(userID, StateIdle)
	}
	return res
}

func (r *Reconciler) setState(userID string, s State) {
	r.mu.Lock()
	r.states[userID] = s
	r.mu.Unlock()
}

// applyPurchase is the purchase commit sequence:
//
//	0. already-committed check (before touching the backend)
//	1. backend write, retried with backoff; failure leaves the transaction
//	   unfinished so the platform redelivers it
//	2. local store write
//	3. finish the store transaction
//	4. session refresh
func (r *Reconciler) applyPurchase(ctx context.Context, userID string, ev billing.PurchaseEvent) Result {
	if committed, dup := r.committedFor(ev.TransactionID); dup {
		log.Debug().
			Str("userId", userID).
			Str("transactionId", ev.TransactionID).
			Msg("Transaction already committed, skipping")
		// The earlier finish may have failed; the listener makes retrying
		// idempotent.
		r.finish(ctx, ev)
		return Result{Outcome: OutcomeDuplicate, Entitlement: committed}
	}

	plan, ok := r.catalog.Resolve(ev.ProductID)
	if !ok {
		log.Error().
			Str("userId", userID).
			Str("productId", ev.ProductID).
			Msg("Purchase references an SKU missing from the catalog")
		return Result{Outcome: OutcomeFailed,
			Err: syncerrors.WrapUnknownProduct("apply_purchase", userID, ev.ProductID)}
	}

	change := entitlement.Change{
		Role:   plan.Role,
		Tier:   plan.Tier,
		Source: entitlement.SourcePurchase,
		At:     r.now(),
	}
	if current, ok := r.store.LoadEntitlement(); ok && current.UserID == userID {
		if !entitlement.Supersedes(change, current) {
			return Result{Outcome: OutcomeNoChange, Entitlement: current}
		}
	}

	ent, res := r.commit(ctx, userID, change, true, "apply_purchase")
	if res != nil {
		return *res
	}

	r.rememberCommitted(ev.TransactionID, ent)
	r.finish(ctx, ev)
	r.notify(ent)

	log.Info().
		Str("userId", userID).
		Str("role", string(ent.Role)).
		Str("tier", string(ent.Tier)).
		Str("transactionId", ev.TransactionID).
		Msg("Purchase reconciled")
	return Result{Outcome: OutcomeCommitted, Entitlement: ent}
}

func (r *Reconciler) applyApproval(ctx context.Context, userID string, change entitlement.Change) Result {
	if err := change.Validate(); err != nil {
		return Result{Outcome: OutcomeFailed,
			Err: syncerrors.NewSyncError(syncerrors.KindValidation, "apply_approval", userID, err)}
	}
	if change.At.IsZero() {
		change.At = r.now()
	}

	if current, ok := r.store.LoadEntitlement(); ok && current.UserID == userID {
		if !entitlement.Supersedes(change, current) {
			log.Info().
				Str("userId", userID).
				Time("approvalAt", change.At).
				Time("currentSyncedAt", current.LastSyncedAt).
				Msg("Admin approval superseded by a more recent purchase, keeping current entitlement")
			return Result{Outcome: OutcomeNoChange, Entitlement: current}
		}
	}

	// The admin action already updated the backend record; only the local
	// cache and session need to catch up.
	ent := entitlement.UserEntitlement{
		UserID:       userID,
		Role:         change.Role,
		Tier:         change.Tier,
		TierSource:   entitlement.SourceAdminApproval,
		LastSyncedAt: r.now(),
	}
	if err := r.store.SaveEntitlement(ent); err != nil {
		return Result{Outcome: OutcomeFailed,
			Err: syncerrors.NewSyncError(syncerrors.KindStorage, "apply_approval", userID, err)}
	}

	r.notify(ent)
	log.Info().
		Str("userId", userID).
		Str("role", string(ent.Role)).
		Str("tier", string(ent.Tier)).
		Msg("Admin-approved change reconciled")
	return Result{Outcome: OutcomeCommitted, Entitlement: ent}
}

func (r *Reconciler) applyManual(ctx context.Context, userID string, change entitlement.Change) Result {
	if err := change.Validate(); err != nil {
		return Result{Outcome: OutcomeFailed,
			Err: syncerrors.NewSyncError(syncerrors.KindValidation, "apply_change", userID, err)}
	}
	if change.Source == "" {
		change.Source = entitlement.SourceDefault
	}
	if change.At.IsZero() {
		change.At = r.now()
	}

	ent, res := r.commit(ctx, userID, change, false, "apply_change")
	if res != nil {
		return *res
	}

	r.notify(ent)
	log.Info().
		Str("userId", userID).
		Str("role", string(ent.Role)).
		Str("tier", string(ent.Tier)).
		Msg("Role change reconciled")
	return Result{Outcome: OutcomeCommitted, Entitlement: ent}
}

func (r *Reconciler) applyRestore(ctx context.Context, userID string, events []billing.PurchaseEvent) Result {
	current, haveCurrent := r.store.LoadEntitlement()
	currentRank := 0
	if haveCurrent && current.UserID == userID {
		currentRank = entitlement.Rank(current.Role, current.Tier)
	}

	var (
		best       *catalog.Plan
		bestRank   = currentRank
		resolvable []billing.PurchaseEvent
	)
	for _, ev := range events {
		plan, ok := r.catalog.Resolve(ev.ProductID)
		if !ok {
			log.Warn().
				Str("userId", userID).
				Str("productId", ev.ProductID).
				Msg("Restore reported an SKU missing from the catalog, skipping it")
			continue
		}
		resolvable = append(resolvable, ev)
		if rank := entitlement.Rank(plan.Role, plan.Tier); rank > bestRank {
			p := plan
			best = &p
			bestRank = rank
		}
	}

	if best == nil {
		// Nothing above the current privilege: a restore never downgrades.
		log.Debug().
			Str("userId", userID).
			Int("activePurchases", len(events)).
			Msg("Restore found nothing above the current entitlement")
		if haveCurrent {
			return Result{Outcome: OutcomeNoChange, Entitlement: current}
		}
		return Result{Outcome: OutcomeNoChange}
	}

	change := entitlement.Change{
		Role:   best.Role,
		Tier:   best.Tier,
		Source: entitlement.SourcePurchase,
		At:     r.now(),
	}
	ent, res := r.commit(ctx, userID, change, true, "restore_purchases")
	if res != nil {
		return *res
	}

	// Every restored transaction is now represented by the committed
	// entitlement; remember and acknowledge them all so redeliveries no-op.
	for _, ev := range resolvable {
		r.rememberCommitted(ev.TransactionID, ent)
		r.finish(ctx, ev)
	}
	r.notify(ent)

	log.Info().
		Str("userId", userID).
		Str("role", string(ent.Role)).
		Str("tier", string(ent.Tier)).
		Int("activePurchases", len(events)).
		Msg("Purchases restored")
	return Result{Outcome: OutcomeCommitted, Entitlement: ent}
}

// commit performs steps 1-2 of the sequence: the backend write (with
// backoff) and the local store write. Returns the committed entitlement, or
// a non-nil failure Result.
func (r *Reconciler) commit(ctx context.Context, userID string, change entitlement.Change, isSubscriptionUpgrade bool, op string) (entitlement.UserEntitlement, *Result) {
	user, err := r.updateBackend(ctx, userID, change, isSubscriptionUpgrade, op)
	if err != nil {
		return entitlement.UserEntitlement{}, &Result{Outcome: OutcomeFailed, Err: err}
	}

	ent := user.Entitlement(change.Source, r.now())
	if err := r.store.SaveEntitlement(ent); err != nil {
		// The backend write is durable and idempotent; redelivery or a
		// re-poll recovers this, so the transaction must stay unfinished.
		log.Error().Err(err).Str("userId", userID).Msg("Local store write failed after backend commit")
		return entitlement.UserEntitlement{}, &Result{Outcome: OutcomeFailed,
			Err: syncerrors.NewSyncError(syncerrors.KindStorage, op, userID, err)}
	}
	return ent, nil
}

func (r *Reconciler) updateBackend(ctx context.Context, userID string, change entitlement.Change, isSubscriptionUpgrade bool, op string) (*backend.User, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.RecordBackendRetry()
			delay := r.retry.nextDelay(attempt-1, r.rng())
			log.Warn().
				Err(lastErr).
				Str("userId", userID).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Backend write failed, retrying")
			if err := r.sleep(ctx, delay); err != nil {
				return nil, syncerrors.WrapBackendError(op, userID, err)
			}
		}

		user, err := r.backend.UpdateUserRole(ctx, userID, change.Role, change.Tier, isSubscriptionUpgrade)
		if err == nil {
			return user, nil
		}
		lastErr = err
		if !syncerrors.IsRetryableError(err) {
			return nil, err
		}
	}
	return nil, syncerrors.WrapBackendError(op, userID, lastErr)
}

func (r *Reconciler) committedFor(txID string) (entitlement.UserEntitlement, bool) {
	if txID == "" {
		return entitlement.UserEntitlement{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.committed[txID]
	return ent, ok
}

func (r *Reconciler) rememberCommitted(txID string, ent entitlement.UserEntitlement) {
	if txID == "" {
		return
	}
	r.mu.Lock()
	r.committed[txID] = ent
	r.mu.Unlock()
}

// finish runs step 3. A failure here is deliberately non-fatal: the change
// is durable server-side and locally, and the duplicate path retries the
// acknowledgment when the platform redelivers.
func (r *Reconciler) finish(ctx context.Context, ev billing.PurchaseEvent) {
	r.mu.Lock()
	f := r.finisher
	r.mu.Unlock()
	if f == nil {
		return
	}
	if err := f.Finish(ctx, ev); err != nil {
		log.Warn().
			Err(err).
			Str("transactionId", ev.TransactionID).
			Msg("Finish-transaction failed; platform will redeliver and the duplicate path retries it")
	}
}

func (r *Reconciler) notify(ent entitlement.UserEntitlement) {
	r.mu.Lock()
	n := r.notifier
	r.mu.Unlock()
	if n != nil {
		n.EntitlementChanged(ent)
	}
}
