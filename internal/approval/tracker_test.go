package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pranavgeek/SpaceApp-sub000/internal/backend"
	"github.com/pranavgeek/SpaceApp-sub000/internal/entitlement"
	syncerrors "github.com/pranavgeek/SpaceApp-sub000/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu          sync.Mutex
	submitCalls int
	statusCalls int
	status      *entitlement.SubscriptionRequest
	statusErr   error
	user        *backend.User
	fetchErr    error
	submitErr   error

	// When set, RequestSubscriptionChange signals submitEntered and then
	// blocks until submitRelease is closed.
	submitEntered chan struct{}
	submitRelease chan struct{}
}

func (f *fakeBackend) RequestSubscriptionChange(ctx context.Context, userID string, role entitlement.Role, tier, currentTier entitlement.Tier, note string) (*entitlement.SubscriptionRequest, error) {
	f.mu.Lock()
	f.submitCalls++
	entered, release := f.submitEntered, f.submitRelease
	submitErr := f.submitErr
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if submitErr != nil {
		return nil, submitErr
	}
	return &entitlement.SubscriptionRequest{
		RequestID:     "req-1",
		UserID:        userID,
		RequestedRole: role,
		RequestedTier: tier,
		CurrentTier:   currentTier,
		Status:        entitlement.RequestPending,
		RequestDate:   time.Now(),
	}, nil
}

func (f *fakeBackend) CheckSubscriptionRequestStatus(ctx context.Context, userID string) (*entitlement.SubscriptionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeBackend) FetchUserByID(ctx context.Context, userID string) (*backend.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.user, nil
}

func (f *fakeBackend) setStatus(req *entitlement.SubscriptionRequest) {
	f.mu.Lock()
	f.status = req
	f.mu.Unlock()
}

func (f *fakeBackend) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

type appliedChange struct {
	userID string
	change entitlement.Change
}

func collectApplier() (applierFunc, chan appliedChange) {
	ch := make(chan appliedChange, 4)
	return func(ctx context.Context, userID string, change entitlement.Change) error {
		ch <- appliedChange{userID: userID, change: change}
		return nil
	}, ch
}

func TestSubmitRejectsSecondRequestWithoutBackendCall(t *testing.T) {
	fb := &fakeBackend{}
	apply, _ := collectApplier()
	tr := New(fb, apply, time.Hour) // never actually polls in this test

	ctx := context.Background()
	w, err := tr.SubmitRequest(ctx, "user-1", entitlement.RoleSeller, entitlement.TierEnterprise, entitlement.TierPro, "please")
	require.NoError(t, err)
	require.NotNil(t, w)
	defer w.Cancel()
	assert.Equal(t, 1, fb.submits())
	assert.True(t, tr.HasPending("user-1"))

	_, err = tr.SubmitRequest(ctx, "user-1", entitlement.RoleSeller, entitlement.TierEnterprise, entitlement.TierPro, "again")
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrRequestAlreadyPending)
	assert.Equal(t, 1, fb.submits(), "the pending guard must fire before any backend call")
}

func TestConcurrentSubmitsOnlyOneReachesBackend(t *testing.T) {
	fb := &fakeBackend{
		submitEntered: make(chan struct{}, 1),
		submitRelease: make(chan struct{}),
	}
	apply, _ := collectApplier()
	tr := New(fb, apply, time.Hour)

	ctx := context.Background()
	type submitResult struct {
		w   *Watch
		err error
	}
	first := make(chan submitResult, 1)
	go func() {
		w, err := tr.SubmitRequest(ctx, "user-1", entitlement.RoleSeller, entitlement.TierEnterprise, entitlement.TierPro, "")
		first <- submitResult{w: w, err: err}
	}()

	// Wait until the first submit is inside the backend call, then race a
	// second one against it. The slot is reserved before the backend call,
	// so the second submit must be rejected without ever reaching the
	// backend.
	select {
	case <-fb.submitEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("first submit never reached the backend")
	}

	_, err := tr.SubmitRequest(ctx, "user-1", entitlement.RoleSeller, entitlement.TierEnterprise, entitlement.TierPro, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrRequestAlreadyPending)
	assert.Equal(t, 1, fb.submits())

	close(fb.submitRelease)
	res := <-first
	require.NoError(t, res.err)
	require.NotNil(t, res.w)
	defer res.w.Cancel()
	assert.True(t, tr.HasPending("user-1"))
}

func TestFailedSubmitReleasesPendingSlot(t *testing.T) {
	fb := &fakeBackend{submitErr: errors.New("backend down")}
	apply, _ := collectApplier()
	tr := New(fb, apply, time.Hour)

	ctx := context.Background()
	_, err := tr.SubmitRequest(ctx, "user-1", entitlement.RoleSeller, entitlement.TierEnterprise, entitlement.TierPro, "")
	require.Error(t, err)
	assert.False(t, tr.HasPending("user-1"), "a failed submit must not leave the slot reserved")

	fb.mu.Lock()
	fb.submitErr = nil
	fb.mu.Unlock()

	w, err := tr.SubmitRequest(ctx, "user-1", entitlement.RoleSeller, entitlement.TierEnterprise, entitlement.TierPro, "")
	require.NoError(t, err)
	defer w.Cancel()
	assert.Equal(t, 2, fb.submits(), "a retry after a failed submit must reach the backend")
}

func TestSubmitValidatesInput(t *testing.T) {
	fb := &fakeBackend{}
	apply, _ := collectApplier()
	tr := New(fb, apply, time.Hour)

	_, err := tr.SubmitRequest(context.Background(), "", entitlement.RoleSeller, entitlement.TierPro, "", "")
	assert.Error(t, err)

	_, err = tr.SubmitRequest(context.Background(), "user-1", entitlement.RoleSeller, entitlement.TierElite, "", "")
	assert.Error(t, err)
	assert.Equal(t, 0, fb.submits())
}

func TestApprovedRequestFeedsApplier(t *testing.T) {
	fb := &fakeBackend{
		user: &backend.User{UserID: "user-1", Role: entitlement.RoleSeller, Tier: entitlement.TierEnterprise},
	}
	apply, applied := collectApplier()
	tr := New(fb, apply, 10*time.Millisecond)

	w, err := tr.SubmitRequest(context.Background(), "user-1", entitlement.RoleSeller, entitlement.TierEnterprise, entitlement.TierPro, "")
	require.NoError(t, err)

	fb.setStatus(&entitlement.SubscriptionRequest{
		RequestID:     "req-1",
		UserID:        "user-1",
		RequestedRole: entitlement.RoleSeller,
		RequestedTier: entitlement.TierEnterprise,
		Status:        entitlement.RequestApproved,
	})

	select {
	case d := <-w.Decision():
		assert.Equal(t, entitlement.RequestApproved, d.Request.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decision")
	}

	got := <-applied
	assert.Equal(t, "user-1", got.userID)
	assert.Equal(t, entitlement.RoleSeller, got.change.Role)
	assert.Equal(t, entitlement.TierEnterprise, got.change.Tier)
	assert.Equal(t, entitlement.SourceAdminApproval, got.change.Source)

	<-w.Done()
	assert.False(t, tr.HasPending("user-1"))
}

func TestApprovedRequestFallsBackWhenFetchFails(t *testing.T) {
	fb := &fakeBackend{fetchErr: errors.New("backend down")}
	apply, applied := collectApplier()
	tr := New(fb, apply, 10*time.Millisecond)

	_, err := tr.SubmitRequest(context.Background(), "user-1", entitlement.RoleInfluencer, entitlement.TierRising, "", "")
	require.NoError(t, err)

	fb.setStatus(&entitlement.SubscriptionRequest{
		RequestID:     "req-1",
		UserID:        "user-1",
		RequestedRole: entitlement.RoleInfluencer,
		RequestedTier: entitlement.TierRising,
		Status:        entitlement.RequestApproved,
	})

	got := <-applied
	assert.Equal(t, entitlement.RoleInfluencer, got.change.Role)
	assert.Equal(t, entitlement.TierRising, got.change.Tier)
}

func TestRejectedRequestNeverMutates(t *testing.T) {
	fb := &fakeBackend{}
	apply, applied := collectApplier()
	tr := New(fb, apply, 10*time.Millisecond)

	w, err := tr.SubmitRequest(context.Background(), "user-1", entitlement.RoleSeller, entitlement.TierEnterprise, "", "")
	require.NoError(t, err)

	fb.setStatus(&entitlement.SubscriptionRequest{
		RequestID: "req-1",
		UserID:    "user-1",
		Status:    entitlement.RequestRejected,
	})

	select {
	case d := <-w.Decision():
		assert.Equal(t, entitlement.RequestRejected, d.Request.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decision")
	}

	select {
	case got := <-applied:
		t.Fatalf("rejection must not apply a change, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}

	// A new request is allowed once the previous one terminated
	_, err = tr.SubmitRequest(context.Background(), "user-1", entitlement.RoleSeller, entitlement.TierEnterprise, "", "")
	assert.NoError(t, err)
}

func TestTransientPollErrorsKeepPolling(t *testing.T) {
	fb := &fakeBackend{statusErr: errors.New("timeout")}
	apply, applied := collectApplier()
	tr := New(fb, apply, 10*time.Millisecond)

	_, err := tr.SubmitRequest(context.Background(), "user-1", entitlement.RoleSeller, entitlement.TierPro, "", "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	fb.mu.Lock()
	fb.statusErr = nil
	fb.status = &entitlement.SubscriptionRequest{
		RequestID:     "req-1",
		UserID:        "user-1",
		RequestedRole: entitlement.RoleSeller,
		RequestedTier: entitlement.TierPro,
		Status:        entitlement.RequestApproved,
	}
	fb.user = &backend.User{UserID: "user-1", Role: entitlement.RoleSeller, Tier: entitlement.TierPro}
	fb.mu.Unlock()

	select {
	case got := <-applied:
		assert.Equal(t, entitlement.TierPro, got.change.Tier)
	case <-time.After(2 * time.Second):
		t.Fatal("polling should have survived the transient errors")
	}
}

func TestBeginJoinsExistingWatch(t *testing.T) {
	fb := &fakeBackend{}
	apply, _ := collectApplier()
	tr := New(fb, apply, time.Hour)

	ctx := context.Background()
	w1 := tr.Begin(ctx, "user-1")
	w2 := tr.Begin(ctx, "user-1")
	assert.Same(t, w1, w2, "at most one live watch per user")
	w1.Cancel()
}

func TestCancelAllStopsWatches(t *testing.T) {
	fb := &fakeBackend{}
	apply, _ := collectApplier()
	tr := New(fb, apply, time.Hour)

	ctx := context.Background()
	w1 := tr.Begin(ctx, "user-1")
	w2 := tr.Begin(ctx, "user-2")

	tr.CancelAll()

	for _, w := range []*Watch{w1, w2} {
		select {
		case <-w.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("watch did not stop after CancelAll")
		}
	}
}
