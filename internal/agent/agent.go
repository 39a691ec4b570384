// Package agent wires the entitlement synchronization components together
// and manages their lifecycle.
package agent

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pranavgeek/SpaceApp-sub000/internal/approval"
	"github.com/pranavgeek/SpaceApp-sub000/internal/backend"
	"github.com/pranavgeek/SpaceApp-sub000/internal/billing"
	"github.com/pranavgeek/SpaceApp-sub000/internal/catalog"
	"github.com/pranavgeek/SpaceApp-sub000/internal/config"
	"github.com/pranavgeek/SpaceApp-sub000/internal/entitlement"
	syncerrors "github.com/pranavgeek/SpaceApp-sub000/internal/errors"
	"github.com/pranavgeek/SpaceApp-sub000/internal/journal"
	"github.com/pranavgeek/SpaceApp-sub000/internal/localstore"
	"github.com/pranavgeek/SpaceApp-sub000/internal/reconciler"
	"github.com/pranavgeek/SpaceApp-sub000/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Agent owns every component of the sync core.
type Agent struct {
	cfg *config.Config

	store    *localstore.Store
	journal  *journal.Journal
	backend  *backend.Client
	catalog  *catalog.Catalog
	watcher  *catalog.Watcher
	provider billing.Provider
	listener *billing.Listener
	rec      *reconciler.Reconciler
	tracker  *approval.Tracker
	session  *session.Session

	metricsSrv *http.Server
}

// dispatch adapts the reconciler's tagged results to the session's
// error-only dispatch surface.
type dispatch struct {
	rec *reconciler.Reconciler
}

func (d *dispatch) ApplyChange(ctx context.Context, userID string, change entitlement.Change) error {
	res := d.rec.ApplyChange(ctx, userID, change)
	return res.Err
}

// New builds an agent from configuration. Nothing starts running until Run.
func New(ctx context.Context, cfg *config.Config) (*Agent, error) {
	a := &Agent{cfg: cfg}

	a.store = localstore.New(cfg.DataDir)

	j, err := journal.Open(journalPath(cfg.DataDir))
	if err != nil {
		log.Warn().Err(err).Msg("Transaction journal unavailable; duplicate detection limited to this process")
	} else {
		a.journal = j
	}

	a.backend, err = backend.NewClient(backend.ClientConfig{
		BaseURL: cfg.BackendURL,
		Token:   cfg.BackendToken,
	})
	if err != nil {
		return nil, err
	}

	if cfg.CatalogPath != "" {
		a.catalog, err = catalog.Load(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		if w, werr := catalog.NewWatcher(a.catalog); werr != nil {
			log.Warn().Err(werr).Msg("Catalog watcher unavailable; edits require a restart")
		} else {
			a.watcher = w
		}
	} else {
		a.catalog = catalog.New()
	}
	if err := a.catalog.Validate(); err != nil {
		return nil, err
	}

	if cfg.MockBilling {
		log.Warn().Msg("Mock billing enabled; no real store connection will be made")
		a.provider = billing.NewMockProvider()
	} else {
		a.provider, err = billing.NewWSProvider(ctx, billing.WSConfig{
			URL:   cfg.BillingURL,
			Token: cfg.BillingToken,
		})
		if err != nil {
			return nil, err
		}
	}

	a.rec = reconciler.New(reconciler.Config{
		Backend: a.backend,
		Store:   a.store,
		Catalog: a.catalog,
	})

	a.session = session.New(a.store, &dispatch{rec: a.rec})
	a.rec.SetNotifier(a.session)

	a.listener = billing.NewListener(a.provider, journalOrNil(a.journal), a.onPurchase, a.onPurchaseError)
	a.rec.SetFinisher(a.listener)

	a.tracker = approval.New(a.backend, func(ctx context.Context, userID string, change entitlement.Change) error {
		return a.rec.ApplyApproval(ctx, userID, change).Err
	}, cfg.PollInterval)

	return a, nil
}

func journalOrNil(j *journal.Journal) billing.FinalizedJournal {
	if j == nil {
		return nil
	}
	return j
}

func journalPath(dataDir string) string {
	return filepath.Join(dataDir, "transactions.db")
}

// Session exposes the auth context for embedding applications.
func (a *Agent) Session() *session.Session { return a.session }

// Tracker exposes the request-approval tracker.
func (a *Agent) Tracker() *approval.Tracker { return a.tracker }

// Reconciler exposes the entitlement reconciler.
func (a *Agent) Reconciler() *reconciler.Reconciler { return a.rec }

// LoginUser fetches the user's backend record and signs the session in.
func (a *Agent) LoginUser(ctx context.Context, userID string) error {
	user, err := a.backend.FetchUserByID(ctx, userID)
	if err != nil {
		return err
	}
	a.session.Login(user)
	return nil
}

// Logout cancels every approval watch before clearing the session, so a
// decision arriving after logout cannot repopulate the cache the logout
// just cleared.
func (a *Agent) Logout() {
	a.tracker.CancelAll()
	a.session.Logout()
}

// onPurchase hands a store callback into the reconciler's serialized queue
// for the signed-in user. Billing delivers on its own goroutine; nothing is
// mutated here.
func (a *Agent) onPurchase(ev billing.PurchaseEvent) {
	snap := a.session.Current()
	if snap.UserID == "" {
		log.Warn().
			Str("transactionId", ev.TransactionID).
			Msg("Purchase received with no signed-in user; leaving transaction unfinished for redelivery")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		res := a.rec.ApplyPurchase(ctx, snap.UserID, ev)
		if res.Err != nil {
			log.Error().Err(res.Err).Str("userId", snap.UserID).Msg("Purchase reconciliation failed")
		}
	}()
}

func (a *Agent) onPurchaseError(err error) {
	log.Warn().Err(err).Msg("Retryable purchase failure surfaced from billing stream")
}

// RequestSubscription opens the platform purchase flow for a catalog SKU.
// The outcome arrives asynchronously on the purchase stream and flows
// through the reconciler like any other store callback.
func (a *Agent) RequestSubscription(ctx context.Context, sku string) error {
	if _, ok := a.catalog.Resolve(sku); !ok {
		return syncerrors.WrapUnknownProduct("request_subscription", a.session.Current().UserID, sku)
	}
	return a.provider.RequestSubscription(ctx, sku)
}

// RestorePurchases queries the platform's active purchases and applies the
// highest-privilege result for the signed-in user.
func (a *Agent) RestorePurchases(ctx context.Context) (reconciler.Result, error) {
	snap := a.session.Current()
	if snap.UserID == "" {
		return reconciler.Result{Outcome: reconciler.OutcomeNoChange}, nil
	}

	events, err := a.listener.AvailablePurchases(ctx)
	if err != nil {
		return reconciler.Result{}, err
	}
	return a.rec.Restore(ctx, snap.UserID, events), nil
}

// Run starts the listener, catalog watcher, and metrics endpoint, then
// blocks until ctx is cancelled. Shutdown drains in-flight work.
func (a *Agent) Run(ctx context.Context) error {
	if a.watcher != nil {
		a.watcher.Start()
	}
	a.listener.Start(ctx)

	// Refresh the backend record for a cached session at startup
	if snap := a.session.Current(); snap.UserID != "" {
		go a.refreshUser(ctx, snap.UserID)
	}

	g, gctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsSrv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}

	g.Go(func() error {
		log.Info().Str("addr", a.cfg.MetricsAddr).Msg("Metrics endpoint listening")
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})

	return g.Wait()
}

func (a *Agent) refreshUser(ctx context.Context, userID string) {
	user, err := a.backend.FetchUserByID(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("Startup user refresh failed; serving cached entitlement")
		return
	}
	a.session.EntitlementChanged(user.Entitlement(entitlement.SourceDefault, time.Now()))
}

func (a *Agent) shutdown() {
	log.Info().Msg("Shutting down sync agent")

	a.tracker.CancelAll()

	if err := a.listener.Close(); err != nil {
		log.Warn().Err(err).Msg("Billing teardown reported an error")
	}
	a.rec.Close()

	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close transaction journal")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Metrics server shutdown error")
	}
}
