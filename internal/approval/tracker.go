// Package approval tracks admin-gated subscription change requests. It
// enforces the one-pending-request-per-user rule client-side, polls the
// backend for the decision, and feeds approvals into the reconciler.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pranavgeek/SpaceApp-sub000/internal/backend"
	"github.com/pranavgeek/SpaceApp-sub000/internal/entitlement"
	syncerrors "github.com/pranavgeek/SpaceApp-sub000/internal/errors"
	"github.com/pranavgeek/SpaceApp-sub000/internal/metrics"
	"github.com/rs/zerolog/log"
)

// defaultPollInterval is the fixed status poll cadence while a request is
// pending and something is watching it.
const defaultPollInterval = 5 * time.Second

// Backend is the slice of the backend API the tracker consumes.
type Backend interface {
	RequestSubscriptionChange(ctx context.Context, userID string, role entitlement.Role, tier, currentTier entitlement.Tier, note string) (*entitlement.SubscriptionRequest, error)
	CheckSubscriptionRequestStatus(ctx context.Context, userID string) (*entitlement.SubscriptionRequest, error)
	FetchUserByID(ctx context.Context, userID string) (*backend.User, error)
}

// Decision is delivered on a watch's channel when the request leaves the
// pending state. A rejection carries no entitlement mutation; it is
// surfaced to the UI only.
type Decision struct {
	Request *entitlement.SubscriptionRequest
}

// Watch observes one user's pending request. There is at most one live
// watch per user; Begin for a user with an active watch returns the
// existing one, making concurrent pollers structurally impossible.
type Watch struct {
	userID   string
	decision chan Decision
	cancel   context.CancelFunc
	done     chan struct{}
}

// Decision delivers the terminal status exactly once, then the channel is
// closed.
func (w *Watch) Decision() <-chan Decision { return w.decision }

// Done is closed when the watch stops for any reason.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Cancel stops polling. Safe to call more than once; called on UI dismissal
// and on logout so no timer outlives its owner.
func (w *Watch) Cancel() { w.cancel() }

// Tracker owns all request watches.
type Tracker struct {
	backend  Backend
	applier  applierFunc
	interval time.Duration

	mu      sync.Mutex
	watches map[string]*Watch
	pending map[string]*entitlement.SubscriptionRequest
}

type applierFunc func(ctx context.Context, userID string, change entitlement.Change) error

// New creates a tracker. apply is invoked for approved requests with the
// refreshed backend record's role and tier; it is the reconciler's
// ApplyApproval wrapped to an error.
func New(b Backend, apply applierFunc, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Tracker{
		backend:  b,
		applier:  apply,
		interval: interval,
		watches:  make(map[string]*Watch),
		pending:  make(map[string]*entitlement.SubscriptionRequest),
	}
}

// SubmitRequest creates a subscription change request and starts polling its
// status. If a request is already pending for this user the call is rejected
// client-side and no backend call is made.
func (t *Tracker) SubmitRequest(ctx context.Context, userID string, role entitlement.Role, tier, currentTier entitlement.Tier, note string) (*Watch, error) {
	if userID == "" {
		return nil, syncerrors.NewSyncError(syncerrors.KindValidation, "submit_request", userID, fmt.Errorf("empty user id"))
	}
	change := entitlement.Change{Role: role, Tier: tier}
	if err := change.Validate(); err != nil {
		return nil, syncerrors.NewSyncError(syncerrors.KindValidation, "submit_request", userID, err)
	}

	// The pending slot is reserved under the lock before the backend call so
	// two concurrent submits for the same user cannot both pass the guard.
	reservation := &entitlement.SubscriptionRequest{UserID: userID, Status: entitlement.RequestPending}
	t.mu.Lock()
	if req, ok := t.pending[userID]; ok && req.Status == entitlement.RequestPending {
		t.mu.Unlock()
		log.Info().
			Str("userId", userID).
			Str("requestId", req.RequestID).
			Msg("Rejecting new subscription request, one is already pending")
		return nil, syncerrors.NewSyncError(syncerrors.KindRequestAlreadyPending, "submit_request", userID,
			fmt.Errorf("a request is still pending"))
	}
	t.pending[userID] = reservation
	t.mu.Unlock()

	req, err := t.backend.RequestSubscriptionChange(ctx, userID, role, tier, currentTier, note)
	if err != nil {
		t.mu.Lock()
		if t.pending[userID] == reservation {
			delete(t.pending, userID)
		}
		t.mu.Unlock()
		return nil, err
	}

	t.mu.Lock()
	t.pending[userID] = req
	t.mu.Unlock()

	log.Info().
		Str("userId", userID).
		Str("requestId", req.RequestID).
		Str("requestedRole", string(role)).
		Str("requestedTier", string(tier)).
		Msg("Subscription change request submitted")
	return t.begin(ctx, userID), nil
}

// Begin starts (or joins) the status watch for a user with a request
// believed to be pending, e.g. after an app restart.
func (t *Tracker) Begin(ctx context.Context, userID string) *Watch {
	return t.begin(ctx, userID)
}

func (t *Tracker) begin(ctx context.Context, userID string) *Watch {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w, ok := t.watches[userID]; ok {
		return w
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &Watch{
		userID:   userID,
		decision: make(chan Decision, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.watches[userID] = w
	metrics.PendingRequests.Inc()

	go t.poll(wctx, w)
	return w
}

// CancelAll stops every watch; called on logout.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	watches := make([]*Watch, 0, len(t.watches))
	for _, w := range t.watches {
		watches = append(watches, w)
	}
	t.mu.Unlock()

	for _, w := range watches {
		w.Cancel()
	}
}

// HasPending reports whether the tracker believes a request is pending for
// the user.
func (t *Tracker) HasPending(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[userID]
	return ok && req.Status == entitlement.RequestPending
}

func (t *Tracker) poll(ctx context.Context, w *Watch) {
	defer func() {
		t.mu.Lock()
		if t.watches[w.userID] == w {
			delete(t.watches, w.userID)
		}
		t.mu.Unlock()
		metrics.PendingRequests.Dec()
		close(w.done)
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("userId", w.userID).Msg("Request watch cancelled")
			return
		case <-ticker.C:
			metrics.RecordApprovalPoll()
			req, err := t.backend.CheckSubscriptionRequestStatus(ctx, w.userID)
			if err != nil {
				// Transient; keep polling on the same cadence
				log.Warn().Err(err).Str("userId", w.userID).Msg("Status poll failed")
				continue
			}
			if req == nil || !req.Terminal() {
				continue
			}

			t.mu.Lock()
			t.pending[w.userID] = req
			t.mu.Unlock()

			t.resolve(ctx, w, req)
			return
		}
	}
}

func (t *Tracker) resolve(ctx context.Context, w *Watch, req *entitlement.SubscriptionRequest) {
	switch req.Status {
	case entitlement.RequestApproved:
		log.Info().
			Str("userId", w.userID).
			Str("requestId", req.RequestID).
			Msg("Subscription request approved")

		// The admin action already updated the backend; fetch the refreshed
		// record and feed it to the reconciler as an adminApproval change.
		user, err := t.backend.FetchUserByID(ctx, w.userID)
		if err != nil {
			log.Error().Err(err).Str("userId", w.userID).Msg("Failed to fetch user after approval")
			// Fall back to the requested role/tier recorded on the request
			user = &backend.User{UserID: w.userID, Role: req.RequestedRole, Tier: req.RequestedTier}
		}

		change := entitlement.Change{
			Role:   user.Role,
			Tier:   user.Tier,
			Source: entitlement.SourceAdminApproval,
			At:     time.Now(),
		}
		if err := t.applier(ctx, w.userID, change); err != nil {
			log.Error().Err(err).Str("userId", w.userID).Msg("Failed to apply approved change")
		}

	case entitlement.RequestRejected:
		// Surface to the UI only; no entitlement mutation.
		log.Info().
			Str("userId", w.userID).
			Str("requestId", req.RequestID).
			Msg("Subscription request rejected")
	}

	w.decision <- Decision{Request: req}
	close(w.decision)
}
