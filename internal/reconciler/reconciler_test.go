package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pranavgeek/SpaceApp-sub000/internal/backend"
	"github.com/pranavgeek/SpaceApp-sub000/internal/billing"
	"github.com/pranavgeek/SpaceApp-sub000/internal/catalog"
	"github.com/pranavgeek/SpaceApp-sub000/internal/entitlement"
	syncerrors "github.com/pranavgeek/SpaceApp-sub000/internal/errors"
	"github.com/pranavgeek/SpaceApp-sub000/internal/localstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu          sync.Mutex
	updateCalls int
	failures    int // fail this many UpdateUserRole calls before succeeding
	failWith    error
	users       map[string]*backend.User
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{users: make(map[string]*backend.User)}
}

func (f *fakeBackend) UpdateUserRole(ctx context.Context, userID string, role entitlement.Role, tier entitlement.Tier, isSubscriptionUpgrade bool) (*backend.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.failures > 0 {
		f.failures--
		if f.failWith != nil {
			return nil, f.failWith
		}
		return nil, syncerrors.WrapBackendError("update_user_role", userID, errors.New("connection refused"))
	}
	u := &backend.User{UserID: userID, Role: role, Tier: tier}
	f.users[userID] = u
	return u, nil
}

func (f *fakeBackend) FetchUserByID(ctx context.Context, userID string) (*backend.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %s not found", userID)
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCalls
}

type fakeFinisher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeFinisher) Finish(ctx context.Context, ev billing.PurchaseEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ev.TransactionID)
	return nil
}

func (f *fakeFinisher) finished() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	changes []entitlement.UserEntitlement
}

func (f *fakeNotifier) EntitlementChanged(ent entitlement.UserEntitlement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, ent)
}

func (f *fakeNotifier) last() (entitlement.UserEntitlement, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.changes) == 0 {
		return entitlement.UserEntitlement{}, false
	}
	return f.changes[len(f.changes)-1], true
}

// failingStore wraps the in-memory store with an injectable save failure.
type failingStore struct {
	*localstore.Store
	saveErr error
}

func (f *failingStore) SaveEntitlement(ent entitlement.UserEntitlement) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.Store.SaveEntitlement(ent)
}

type harness struct {
	rec      *Reconciler
	backend  *fakeBackend
	store    *localstore.Store
	finisher *fakeFinisher
	notifier *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend:  newFakeBackend(),
		store:    localstore.NewInMemory(),
		finisher: &fakeFinisher{},
		notifier: &fakeNotifier{},
	}
	h.rec = New(Config{
		Backend:  h.backend,
		Store:    h.store,
		Catalog:  catalog.New(),
		Finisher: h.finisher,
		Notifier: h.notifier,
	})
	// Retries run instantly under test
	h.rec.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	t.Cleanup(h.rec.Close)
	return h
}

func purchase(tx string) billing.PurchaseEvent {
	return billing.PurchaseEvent{
		ProductID:     "sellerpro_monthly",
		TransactionID: tx,
		Receipt:       "receipt-" + tx,
	}
}

func TestApplyPurchaseCommitSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.rec.ApplyPurchase(ctx, "user-1", purchase("tx-1"))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, entitlement.RoleSeller, res.Entitlement.Role)
	assert.Equal(t, entitlement.TierPro, res.Entitlement.Tier)
	assert.Equal(t, entitlement.SourcePurchase, res.Entitlement.TierSource)

	// Backend written once, local store persisted, transaction finished,
	// session notified
	assert.Equal(t, 1, h.backend.calls())
	stored, ok := h.store.LoadEntitlement()
	require.True(t, ok)
	assert.Equal(t, entitlement.TierPro, stored.Tier)
	role, _ := h.store.Get(localstore.KeyUserRole)
	assert.Equal(t, "seller", role)
	tier, _ := h.store.Get(localstore.KeyUserTier)
	assert.Equal(t, "pro", tier)
	assert.Equal(t, []string{"tx-1"}, h.finisher.finished())
	notified, ok := h.notifier.last()
	require.True(t, ok)
	assert.Equal(t, "user-1", notified.UserID)
	assert.Equal(t, StateCommitted, h.rec.StateFor("user-1"))
}

func TestApplyPurchaseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.rec.ApplyPurchase(ctx, "user-1", purchase("tx-1"))
	require.Equal(t, OutcomeCommitted, first.Outcome)

	second := h.rec.ApplyPurchase(ctx, "user-1", purchase("tx-1"))
	require.NoError(t, second.Err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.Entitlement.Tier, second.Entitlement.Tier)

	// The duplicate never reaches the backend; the finish is retried in case
	// the first acknowledgment was lost
	assert.Equal(t, 1, h.backend.calls())
	assert.Equal(t, []string{"tx-1", "tx-1"}, h.finisher.finished())
}

func TestApplyPurchaseUnknownProduct(t *testing.T) {
	h := newHarness(t)

	res := h.rec.ApplyPurchase(context.Background(), "user-1", billing.PurchaseEvent{
		ProductID:     "mystery_sku",
		TransactionID: "tx-1",
		Receipt:       "r",
	})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, syncerrors.ErrUnknownProduct)

	// Nothing was touched and the transaction stays unfinished
	assert.Equal(t, 0, h.backend.calls())
	assert.Empty(t, h.finisher.finished())
	_, ok := h.store.LoadEntitlement()
	assert.False(t, ok)
}

func TestBackendFailureLeavesTransactionUnfinished(t *testing.T) {
	h := newHarness(t)
	h.backend.failures = 100 // never recovers within the attempt budget

	res := h.rec.ApplyPurchase(context.Background(), "user-1", purchase("tx-1"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, syncerrors.ErrBackendUnreachable)

	// All attempts consumed, no finish, no local write: the platform will
	// redeliver the purchase
	assert.Equal(t, 4, h.backend.calls())
	assert.Empty(t, h.finisher.finished())
	_, ok := h.store.LoadEntitlement()
	assert.False(t, ok)
	assert.Equal(t, StateFailed, h.rec.StateFor("user-1"))
}

func TestBackendRecoversWithinRetryBudget(t *testing.T) {
	h := newHarness(t)
	h.backend.failures = 2

	res := h.rec.ApplyPurchase(context.Background(), "user-1", purchase("tx-1"))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, 3, h.backend.calls())
	assert.Equal(t, []string{"tx-1"}, h.finisher.finished(), "exactly one finish despite the retries")
}

func TestNonRetryableBackendErrorFailsFast(t *testing.T) {
	h := newHarness(t)
	h.backend.failures = 100
	h.backend.failWith = syncerrors.NewSyncError(syncerrors.KindValidation, "update_user_role", "user-1",
		errors.New("role not allowed"))

	res := h.rec.ApplyPurchase(context.Background(), "user-1", purchase("tx-1"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, h.backend.calls(), "validation failures are not retried")
	assert.Empty(t, h.finisher.finished())
}

func TestStoreFailureAfterBackendCommit(t *testing.T) {
	h := newHarness(t)
	store := &failingStore{Store: h.store, saveErr: errors.New("disk full")}
	h.rec.store = store

	res := h.rec.ApplyPurchase(context.Background(), "user-1", purchase("tx-1"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, syncerrors.KindStorage, syncerrors.KindOf(res.Err))

	// The backend write happened but the transaction must stay unfinished so
	// redelivery can recover the local cache
	assert.Equal(t, 1, h.backend.calls())
	assert.Empty(t, h.finisher.finished())
}

func TestApplyApprovalWritesLocallyOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.rec.ApplyApproval(ctx, "user-1", entitlement.Change{
		Role: entitlement.RoleInfluencer,
		Tier: entitlement.TierElite,
		At:   time.Now(),
	})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)

	// The admin action already updated the backend record
	assert.Equal(t, 0, h.backend.calls())
	stored, ok := h.store.LoadEntitlement()
	require.True(t, ok)
	assert.Equal(t, entitlement.TierElite, stored.Tier)
	assert.Equal(t, entitlement.SourceAdminApproval, stored.TierSource)
}

func TestStaleApprovalDoesNotOverwriteNewerPurchase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Purchase lands first
	res := h.rec.ApplyPurchase(ctx, "user-1", purchase("tx-1"))
	require.Equal(t, OutcomeCommitted, res.Outcome)

	// An approval decided before the purchase arrives late
	stale := h.rec.ApplyApproval(ctx, "user-1", entitlement.Change{
		Role: entitlement.RoleInfluencer,
		Tier: entitlement.TierElite,
		At:   time.Now().Add(-time.Hour),
	})
	require.NoError(t, stale.Err)
	assert.Equal(t, OutcomeNoChange, stale.Outcome)

	stored, ok := h.store.LoadEntitlement()
	require.True(t, ok)
	assert.Equal(t, entitlement.TierPro, stored.Tier, "the purchase entitlement must survive")
	assert.Equal(t, entitlement.SourcePurchase, stored.TierSource)
}

func TestFreshApprovalOverridesOlderPurchase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.rec.ApplyPurchase(ctx, "user-1", purchase("tx-1"))
	require.Equal(t, OutcomeCommitted, res.Outcome)

	fresh := h.rec.ApplyApproval(ctx, "user-1", entitlement.Change{
		Role: entitlement.RoleInfluencer,
		Tier: entitlement.TierElite,
		At:   time.Now().Add(time.Hour),
	})
	require.NoError(t, fresh.Err)
	assert.Equal(t, OutcomeCommitted, fresh.Outcome)

	stored, _ := h.store.LoadEntitlement()
	assert.Equal(t, entitlement.TierElite, stored.Tier)
}

func TestApplyApprovalRejectsInvalidChange(t *testing.T) {
	h := newHarness(t)

	res := h.rec.ApplyApproval(context.Background(), "user-1", entitlement.Change{
		Role: entitlement.RoleSeller,
		Tier: entitlement.TierElite, // influencer tier on a seller role
	})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, syncerrors.KindValidation, syncerrors.KindOf(res.Err))
}

func TestRestorePicksHighestPrivilege(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	events := []billing.PurchaseEvent{
		{ProductID: "sellerpro_monthly", TransactionID: "tx-pro", Receipt: "r1"},
		{ProductID: "sellerenterprise_monthly", TransactionID: "tx-ent", Receipt: "r2"},
	}
	res := h.rec.Restore(ctx, "user-1", events)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, entitlement.TierEnterprise, res.Entitlement.Tier)

	// One backend write for the winner; every resolvable transaction is
	// acknowledged so redeliveries no-op
	assert.Equal(t, 1, h.backend.calls())
	assert.ElementsMatch(t, []string{"tx-pro", "tx-ent"}, h.finisher.finished())
}

func TestRestoreNeverDowngrades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SaveEntitlement(entitlement.UserEntitlement{
		UserID:       "user-1",
		Role:         entitlement.RoleInfluencer,
		Tier:         entitlement.TierElite,
		TierSource:   entitlement.SourcePurchase,
		LastSyncedAt: time.Now(),
	}))

	res := h.rec.Restore(ctx, "user-1", []billing.PurchaseEvent{
		{ProductID: "sellerbasic_monthly", TransactionID: "tx-basic", Receipt: "r"},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeNoChange, res.Outcome)
	assert.Equal(t, entitlement.TierElite, res.Entitlement.Tier)
	assert.Equal(t, 0, h.backend.calls())
}

func TestRestoreSkipsUnknownSKUs(t *testing.T) {
	h := newHarness(t)

	res := h.rec.Restore(context.Background(), "user-1", []billing.PurchaseEvent{
		{ProductID: "mystery_sku", TransactionID: "tx-x", Receipt: "r"},
		{ProductID: "sellerpro_monthly", TransactionID: "tx-pro", Receipt: "r"},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, entitlement.TierPro, res.Entitlement.Tier)
	assert.Equal(t, []string{"tx-pro"}, h.finisher.finished(), "unresolvable transactions stay unfinished")
}

func TestRestoreWithNothingActive(t *testing.T) {
	h := newHarness(t)

	res := h.rec.Restore(context.Background(), "user-1", nil)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeNoChange, res.Outcome)
	assert.Equal(t, 0, h.backend.calls())
}

func TestApplyChangeWritesBackendFirst(t *testing.T) {
	h := newHarness(t)

	res := h.rec.ApplyChange(context.Background(), "user-1", entitlement.Change{
		Role: entitlement.RoleSeller,
		Tier: entitlement.TierBasic,
	})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, 1, h.backend.calls())

	stored, ok := h.store.LoadEntitlement()
	require.True(t, ok)
	assert.Equal(t, entitlement.TierBasic, stored.Tier)
}

func TestEmptyUserIDRejected(t *testing.T) {
	h := newHarness(t)

	res := h.rec.ApplyPurchase(context.Background(), "", purchase("tx-1"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, syncerrors.KindValidation, syncerrors.KindOf(res.Err))
}

func TestCommandsForOneUserAreSerialized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			h.rec.ApplyPurchase(ctx, "user-1", purchase(fmt.Sprintf("tx-%d", n)))
		}(i)
	}
	wg.Wait()

	// Eight distinct transactions: eight commits, eight finishes, no
	// interleaving panics or lost updates
	assert.Equal(t, 8, h.backend.calls())
	assert.Len(t, h.finisher.finished(), 8)
	_, ok := h.store.LoadEntitlement()
	assert.True(t, ok)
}

func TestCloseRejectsNewCommands(t *testing.T) {
	h := newHarness(t)
	h.rec.Close()

	res := h.rec.ApplyPurchase(context.Background(), "user-1", purchase("tx-1"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
}
