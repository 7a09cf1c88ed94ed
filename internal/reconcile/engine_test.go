package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside-app/entitlements/internal/billing"
	"github.com/courtside-app/entitlements/internal/billing/billingtest"
	"github.com/courtside-app/entitlements/internal/catalog"
	"github.com/courtside-app/entitlements/internal/entitle"
	"github.com/courtside-app/entitlements/internal/ledger"
	"github.com/courtside-app/entitlements/internal/models"
	"github.com/courtside-app/entitlements/pkg/plans"
)

const (
	skuPlayer  = "courtside_player_premium_v2"
	skuStarter = "courtside_trainer_starter_v2"
	skuClub    = "courtside_trainer_club_v2"
	skuElite   = "courtside_trainer_elite_v2"
)

type recordingStore struct {
	mu      sync.Mutex
	upserts []entitle.Record
	comps   []models.ComplimentaryEntitlement
}

func (s *recordingStore) UpsertEntitlement(ctx context.Context, rec entitle.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, rec)
	return nil
}

func (s *recordingStore) FetchComplimentary(ctx context.Context, userID string) ([]models.ComplimentaryEntitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.comps, nil
}

func (s *recordingStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

type harness struct {
	fake   *billingtest.Fake
	store  *recordingStore
	engine *Engine
	alerts chan error
}

func newHarness(t *testing.T, fake *billingtest.Fake) *harness {
	t.Helper()
	store := &recordingStore{}
	conn := billing.NewConnectionManager(fake, time.Second)
	fetcher := catalog.NewFetcher(conn, fake, plans.RequestedSKUs())
	scanner := ledger.NewScanner(conn, fake, 10*time.Second)
	synchronizer := entitle.NewSynchronizer(store, func() string { return "user-1" })
	alerts := make(chan error, 8)

	engine := NewEngine(conn, fake, fetcher, scanner, synchronizer, nil, func(err error) {
		alerts <- err
	})
	return &harness{fake: fake, store: store, engine: engine, alerts: alerts}
}

func ledgerEntry(sku, token string, expiry, txn time.Time) billing.RawPurchase {
	return billing.RawPurchase{
		"productId":        sku,
		"purchaseToken":    token,
		"expiryTimeMillis": float64(expiry.UnixMilli()),
		"transactionDate":  float64(txn.UnixMilli()),
	}
}

func TestStartupReconcilesCatalogLedgerAndGrants(t *testing.T) {
	now := time.Now()
	expiry := now.Add(30 * 24 * time.Hour)
	fake := &billingtest.Fake{
		Products: []billing.RawProduct{
			{"productId": skuPlayer, "title": "Player Premium"},
			{"productId": skuClub, "title": "Trainer Club"},
		},
		Purchases: []billing.RawPurchase{
			ledgerEntry(skuClub, "tok-club", expiry, now.Add(-24*time.Hour)),
		},
	}
	h := newHarness(t, fake)
	h.store.comps = []models.ComplimentaryEntitlement{
		{Kind: models.KindPlayerPremium, Source: "promo"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	status := h.engine.Status()
	assert.True(t, status.IsActive)
	assert.Equal(t, skuClub, status.ProductID)

	// Catalog landed, with the unconfigured SKUs surfaced in diagnostics.
	assert.Len(t, h.engine.Products(), 2)
	diag := h.engine.Diagnostics()
	assert.Contains(t, diag.MissingSKUs, skuStarter)
	assert.Contains(t, diag.MissingSKUs, skuElite)

	// Grants fetched and the winner upserted to the remote store.
	require.Len(t, h.engine.Complimentary(), 1)
	assert.Equal(t, 1, h.store.upsertCount())

	access := h.engine.Access()
	assert.Equal(t, "trainer_premium", access.Tier)
	assert.Equal(t, 15, access.MaxSeats)
}

func TestEmptyCatalogDoesNotBlockEntitlements(t *testing.T) {
	now := time.Now()
	fake := &billingtest.Fake{
		Purchases: []billing.RawPurchase{
			ledgerEntry(skuPlayer, "tok-p", now.Add(10*24*time.Hour), now.Add(-time.Hour)),
		},
	}
	h := newHarness(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	assert.Empty(t, h.engine.Products())
	assert.True(t, h.engine.Status().IsActive, "an empty catalog must not strip a purchased entitlement")
}

func TestRequestPurchaseDowngradeIsDeferred(t *testing.T) {
	now := time.Now()
	expiry := now.Add(30 * 24 * time.Hour)
	fake := &billingtest.Fake{
		Purchases: []billing.RawPurchase{
			// A superseded purchase of the cheaper plan plus the current one.
			ledgerEntry(skuStarter, "tok-old", now.Add(-24*time.Hour), now.Add(-31*24*time.Hour)),
			ledgerEntry(skuClub, "tok-club", expiry, now.Add(-24*time.Hour)),
		},
	}
	h := newHarness(t, fake)
	ctx := context.Background()

	h.engine.RefreshStatus(ctx)
	require.True(t, h.engine.Status().IsActive)
	require.Equal(t, skuClub, h.engine.Status().ProductID)
	require.Nil(t, h.engine.PendingChange())

	require.NoError(t, h.engine.RequestPurchase(ctx, skuStarter))
	assert.Equal(t, []string{skuStarter}, h.fake.PurchaseCalls())

	h.engine.RefreshStatus(ctx)
	pending := h.engine.PendingChange()
	require.NotNil(t, pending)
	assert.Equal(t, skuStarter, pending.DesiredProductID)
	assert.Equal(t, expiry.UnixMilli(), pending.EffectiveAt.UnixMilli())
}

func TestDesiredPlanClearsOnceActive(t *testing.T) {
	now := time.Now()
	fake := &billingtest.Fake{
		Purchases: []billing.RawPurchase{
			ledgerEntry(skuClub, "tok-club", now.Add(30*24*time.Hour), now.Add(-24*time.Hour)),
		},
	}
	h := newHarness(t, fake)
	ctx := context.Background()

	require.NoError(t, h.engine.RequestPurchase(ctx, skuStarter))
	h.engine.RefreshStatus(ctx)
	require.NotNil(t, h.engine.PendingChange())

	// The downgrade lands in the ledger; the desired-plan memory clears and
	// the pending change disappears.
	h.fake.SetPurchases([]billing.RawPurchase{
		ledgerEntry(skuStarter, "tok-starter", now.Add(60*24*time.Hour), now),
	})
	h.engine.RefreshStatus(ctx)
	assert.Equal(t, skuStarter, h.engine.Status().ProductID)
	assert.Nil(t, h.engine.PendingChange())
}

func TestStaleScanNeverOverwritesNewerCommit(t *testing.T) {
	now := time.Now()
	oldLedger := []billing.RawPurchase{
		ledgerEntry(skuStarter, "tok-old", now.Add(10*24*time.Hour), now.Add(-48*time.Hour)),
	}
	newLedger := []billing.RawPurchase{
		ledgerEntry(skuElite, "tok-new", now.Add(30*24*time.Hour), now.Add(-time.Hour)),
	}

	fake := &billingtest.Fake{Purchases: oldLedger}
	var calls atomic.Int64
	entered := make(chan struct{})
	release := make(chan struct{})
	fake.LedgerDelay = func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	h := newHarness(t, fake)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.engine.RefreshStatus(ctx)
	}()

	// The first pass has snapshotted the old ledger and is stalled. Swap in
	// the new ledger and run a full pass that commits it.
	<-entered
	h.fake.SetPurchases(newLedger)
	h.engine.RefreshStatus(ctx)
	require.Equal(t, skuElite, h.engine.Status().ProductID)

	// Release the stalled pass; its result is stale and must be discarded.
	close(release)
	wg.Wait()

	assert.Equal(t, skuElite, h.engine.Status().ProductID,
		"a pass that started earlier must never overwrite a newer commit")
}

func TestPurchaseEventOptimisticCommitFinalizeAndUpsert(t *testing.T) {
	now := time.Now()
	expiry := now.Add(30 * 24 * time.Hour)
	fake := &billingtest.Fake{}
	h := newHarness(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	require.False(t, h.engine.Status().IsActive)

	// The purchase lands in the ledger and the platform notifies us.
	entry := ledgerEntry(skuClub, "tok-event", expiry, now)
	fake.SetPurchases([]billing.RawPurchase{entry})
	fake.Emit(billing.Event{Type: billing.EventPurchaseUpdated, Purchase: entry})

	require.Eventually(t, func() bool {
		s := h.engine.Status()
		return s.IsActive && s.ProductID == skuClub
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(fake.Finalized()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"tok-event"}, fake.Finalized())
	assert.GreaterOrEqual(t, h.store.upsertCount(), 1)
}

func TestPurchaseEventWithAmbiguousPayloadFallsBackToRequestedSKU(t *testing.T) {
	now := time.Now()
	fake := &billingtest.Fake{}
	h := newHarness(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	require.NoError(t, h.engine.RequestPurchase(ctx, skuStarter))

	// The ledger already has the purchase, but the event payload carries no
	// recognizable product id.
	fake.SetPurchases([]billing.RawPurchase{
		ledgerEntry(skuStarter, "tok-s", now.Add(30*24*time.Hour), now),
	})
	fake.Emit(billing.Event{Type: billing.EventPurchaseUpdated, Purchase: billing.RawPurchase{"orderId": "opaque"}})

	require.Eventually(t, func() bool {
		s := h.engine.Status()
		return s.IsActive && s.ProductID == skuStarter
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListenerResubscribesAfterConnectionLoss(t *testing.T) {
	now := time.Now()
	fake := &billingtest.Fake{}
	h := newHarness(t, fake)
	h.engine.resubscribeDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	// Events flow on the first connection.
	first := ledgerEntry(skuPlayer, "tok-1", now.Add(30*24*time.Hour), now)
	fake.SetPurchases([]billing.RawPurchase{first})
	fake.Emit(billing.Event{Type: billing.EventPurchaseUpdated, Purchase: first})
	require.Eventually(t, func() bool {
		return h.engine.Status().ProductID == skuPlayer
	}, 2*time.Second, 10*time.Millisecond)

	// The connection drops. The listener must reconnect and keep consuming
	// events rather than spin on the dead subscription.
	fake.DropConnection()

	second := ledgerEntry(skuClub, "tok-2", now.Add(60*24*time.Hour), now.Add(time.Minute))
	fake.SetPurchases([]billing.RawPurchase{second})
	fake.Emit(billing.Event{Type: billing.EventPurchaseUpdated, Purchase: second})

	require.Eventually(t, func() bool {
		return h.engine.Status().ProductID == skuClub
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, fake.ConnectCalls(), int64(2), "the loss must trigger a reconnect")
}

func TestPurchaseEventKeepsPendingDowngrade(t *testing.T) {
	now := time.Now()
	expiry := now.Add(30 * 24 * time.Hour)
	fake := &billingtest.Fake{
		Purchases: []billing.RawPurchase{
			ledgerEntry(skuClub, "tok-club", expiry, now.Add(-24*time.Hour)),
		},
	}
	h := newHarness(t, fake)
	ctx := context.Background()

	require.NoError(t, h.engine.RequestPurchase(ctx, skuStarter))
	h.engine.RefreshStatus(ctx)
	require.NotNil(t, h.engine.PendingChange())

	// A renewal event arrives while the ledger is briefly unreadable, so
	// the follow-up reconcile cannot recompute the deferred downgrade; the
	// optimistic commit must carry it through instead of erasing it.
	fake.FailLedger = errors.New("scripted flake")
	renewal := ledgerEntry(skuClub, "tok-renewal", now.Add(60*24*time.Hour), now)
	h.engine.handleEvent(ctx, billing.Event{Type: billing.EventPurchaseUpdated, Purchase: renewal})

	pending := h.engine.PendingChange()
	require.NotNil(t, pending)
	assert.Equal(t, skuStarter, pending.DesiredProductID)
	assert.Equal(t, skuClub, h.engine.Status().ProductID)
	require.NotNil(t, h.engine.Status().ExpiresAt)
	assert.Equal(t, now.Add(60*24*time.Hour).UnixMilli(), h.engine.Status().ExpiresAt.UnixMilli())
}

func TestPurchaseErrorEvents(t *testing.T) {
	fake := &billingtest.Fake{}
	h := newHarness(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	// User cancellation is silent.
	fake.Emit(billing.Event{Type: billing.EventPurchaseError, Err: &billing.PurchaseError{
		Code: "E_USER_CANCELLED", Cancelled: true,
	}})
	// A real failure reaches the alert hook.
	fake.Emit(billing.Event{Type: billing.EventPurchaseError, Err: &billing.PurchaseError{
		Code: "E_DEVELOPER_ERROR", Message: "sku not configured",
	}})

	select {
	case err := <-h.alerts:
		var perr *billing.PurchaseError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "E_DEVELOPER_ERROR", perr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an alert for the non-cancellation failure")
	}
	select {
	case err := <-h.alerts:
		t.Fatalf("cancellation must not alert, got %v", err)
	default:
	}
}

func TestRestoreSurfacesUnavailability(t *testing.T) {
	fake := &billingtest.Fake{FailLedger: errors.New("store timeout")}
	h := newHarness(t, fake)

	err := h.engine.Restore(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlatformUnavailable)
	assert.NotEmpty(t, h.engine.UnavailableReason())

	absent := &billingtest.Fake{Absent: true}
	hAbsent := newHarness(t, absent)
	assert.ErrorIs(t, hAbsent.engine.Restore(context.Background()), ErrPlatformUnavailable)
}

func TestScanFailureKeepsPreviousStatus(t *testing.T) {
	now := time.Now()
	fake := &billingtest.Fake{
		Purchases: []billing.RawPurchase{
			ledgerEntry(skuPlayer, "tok-p", now.Add(10*24*time.Hour), now.Add(-time.Hour)),
		},
	}
	h := newHarness(t, fake)
	ctx := context.Background()

	h.engine.RefreshStatus(ctx)
	require.True(t, h.engine.Status().IsActive)

	fake.FailLedger = errors.New("platform hiccup")
	h.engine.RefreshStatus(ctx)

	assert.True(t, h.engine.Status().IsActive, "an unreadable ledger must not downgrade the user")
	assert.NotEmpty(t, h.engine.UnavailableReason())

	fake.FailLedger = nil
	h.engine.RefreshStatus(ctx)
	assert.Empty(t, h.engine.UnavailableReason())
}

func TestRequestPurchaseWithoutPlatformFails(t *testing.T) {
	h := newHarness(t, &billingtest.Fake{Absent: true})
	err := h.engine.RequestPurchase(context.Background(), skuPlayer)
	assert.ErrorIs(t, err, ErrPlatformUnavailable)
}
