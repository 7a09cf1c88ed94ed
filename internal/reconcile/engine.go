package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/courtside-app/entitlements/internal/billing"
	"github.com/courtside-app/entitlements/internal/cache"
	"github.com/courtside-app/entitlements/internal/catalog"
	"github.com/courtside-app/entitlements/internal/entitle"
	"github.com/courtside-app/entitlements/internal/ledger"
	"github.com/courtside-app/entitlements/internal/metrics"
	"github.com/courtside-app/entitlements/internal/models"
)

// gatesCacheKey is the read-side cache entry invalidated whenever a pass
// commits a new resolved-access snapshot.
const gatesCacheKey = "resolved_access"

// ErrPlatformUnavailable is returned by the explicit user entry points when
// the billing platform cannot be reached.
var ErrPlatformUnavailable = errors.New("billing platform unavailable")

// AlertFunc receives retryable purchase failures for the UI. Cancellation by
// the user never reaches it.
type AlertFunc func(err error)

// Engine owns the reconciliation pipeline and the committed snapshots. All
// snapshot writes go through commit, which enforces the generation check: a
// pass only applies its result while it is still the newest requested, so a
// stale scan can never overwrite a fresher event-driven update.
type Engine struct {
	conn     *billing.ConnectionManager
	platform billing.Platform
	catalog  *catalog.Fetcher
	scanner  *ledger.Scanner
	sync     *entitle.Synchronizer
	gates    cache.Cache
	onAlert  AlertFunc
	now      func() time.Time

	// resubscribeDelay spaces reconnection attempts after the event
	// channel closes.
	resubscribeDelay time.Duration

	gen atomic.Uint64

	mu                sync.RWMutex
	status            models.SubscriptionStatus
	pending           *models.PendingPlanChange
	comps             []models.ComplimentaryEntitlement
	access            models.ResolvedAccess
	lastRequestedSKU  string
	unavailableReason string
	appliedGen        uint64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewEngine wires the pipeline. gates and onAlert may be nil.
func NewEngine(
	conn *billing.ConnectionManager,
	platform billing.Platform,
	cat *catalog.Fetcher,
	scanner *ledger.Scanner,
	synchronizer *entitle.Synchronizer,
	gates cache.Cache,
	onAlert AlertFunc,
) *Engine {
	return &Engine{
		conn:             conn,
		platform:         platform,
		catalog:          cat,
		scanner:          scanner,
		sync:             synchronizer,
		gates:            gates,
		onAlert:          onAlert,
		now:              time.Now,
		resubscribeDelay: 2 * time.Second,
	}
}

// Start runs the startup reconciliation and begins listening for purchase
// events. Catalog fetch and ledger scan run concurrently; complimentary
// grants are fetched regardless of billing-platform availability.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		e.catalog.FetchProducts(groupCtx)
		return nil
	})
	group.Go(func() error {
		e.reconcile(groupCtx, "startup")
		return nil
	})
	group.Go(func() error {
		e.RefreshComplimentary(groupCtx)
		return nil
	})
	_ = group.Wait()

	if source, ok := e.platform.(billing.EventSource); ok {
		e.wg.Add(1)
		go e.listen(runCtx, source)
	}
}

// Stop tears down the listener and closes the platform connection.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	_ = e.conn.Close()
}

// Status returns the last committed subscription status.
func (e *Engine) Status() models.SubscriptionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// PendingChange returns the deferred downgrade, if any.
func (e *Engine) PendingChange() *models.PendingPlanChange {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.pending == nil {
		return nil
	}
	out := *e.pending
	return &out
}

// Access returns the last resolved feature-access matrix.
func (e *Engine) Access() models.ResolvedAccess {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.access
}

// Complimentary returns the last fetched complimentary grants.
func (e *Engine) Complimentary() []models.ComplimentaryEntitlement {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]models.ComplimentaryEntitlement(nil), e.comps...)
}

// UnavailableReason reports why the last pass could not read the ledger, or
// empty when the last pass committed.
func (e *Engine) UnavailableReason() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.unavailableReason
}

// Products returns the latest catalog snapshot.
func (e *Engine) Products() []models.Product {
	return e.catalog.Products()
}

// Diagnostics returns the latest catalog diagnostics snapshot.
func (e *Engine) Diagnostics() models.Diagnostics {
	return e.catalog.Diagnostics()
}

// RefreshStatus runs one explicit reconciliation pass. Safe to call
// concurrently with event-driven passes; both converge on the same winner.
func (e *Engine) RefreshStatus(ctx context.Context) {
	e.reconcile(ctx, "refresh")
}

// RefreshProducts re-fetches the product catalog on demand, outside the
// startup fetch.
func (e *Engine) RefreshProducts(ctx context.Context) {
	e.catalog.FetchProducts(ctx)
}

// Restore rescans the ledger on behalf of an explicit user action, so unlike
// background passes it surfaces unavailability as an error.
func (e *Engine) Restore(ctx context.Context) error {
	if !e.conn.EnsureReady(ctx) {
		return ErrPlatformUnavailable
	}
	e.reconcile(ctx, "restore")
	if reason := e.UnavailableReason(); reason != "" {
		return fmt.Errorf("%w: %s", ErrPlatformUnavailable, reason)
	}
	return nil
}

// RequestPurchase starts a purchase flow for the product and remembers it as
// the desired plan for downgrade evaluation. Errors surface to the caller;
// completion arrives asynchronously through the event listener.
func (e *Engine) RequestPurchase(ctx context.Context, productID string) error {
	e.mu.Lock()
	e.lastRequestedSKU = productID
	e.mu.Unlock()

	if !e.conn.EnsureReady(ctx) {
		return ErrPlatformUnavailable
	}
	purchaser, ok := e.platform.(billing.Purchaser)
	if !ok {
		return fmt.Errorf("%w: platform cannot start purchases", ErrPlatformUnavailable)
	}
	if err := purchaser.RequestPurchase(ctx, productID); err != nil {
		return fmt.Errorf("request purchase %s: %w", productID, err)
	}
	log.Info().Str("productId", productID).Msg("Purchase flow started")
	return nil
}

// RefreshComplimentary re-fetches out-of-band grants and re-resolves access.
// Called at startup and on every auth change.
func (e *Engine) RefreshComplimentary(ctx context.Context) {
	comps := e.sync.FetchComplimentary(ctx)

	e.mu.Lock()
	e.comps = comps
	e.access = entitle.Resolve(e.status, e.comps, e.now())
	e.mu.Unlock()

	e.invalidateGates(ctx)
}

// reconcile runs one scan → evaluate → commit pass.
func (e *Engine) reconcile(ctx context.Context, trigger string) {
	gen := e.gen.Add(1)
	passID := ulid.Make().String()

	result := e.scanner.Scan(ctx)
	if result.Unavailable {
		e.mu.Lock()
		e.unavailableReason = result.Reason
		e.mu.Unlock()
		metrics.Get().RecordPass(trigger, "unavailable")
		log.Warn().
			Str("pass", passID).
			Str("trigger", trigger).
			Str("reason", result.Reason).
			Msg("Reconciliation pass could not read ledger; previous status retained")
		return
	}

	e.mu.Lock()
	desired := e.lastRequestedSKU
	if desired != "" && desired == result.Status.ProductID {
		// The desired plan became the active plan; clear the memory.
		e.lastRequestedSKU = ""
		desired = ""
	}
	e.mu.Unlock()

	var pending *models.PendingPlanChange
	if result.Status.IsActive && result.Status.ExpiresAt != nil {
		pending = EvaluateDowngrade(result.Status.ProductID, desired, *result.Status.ExpiresAt)
	}

	if !e.commit(ctx, gen, result.Status, pending) {
		metrics.Get().RecordPass(trigger, "stale")
		metrics.Get().RecordStalePass()
		log.Debug().
			Str("pass", passID).
			Str("trigger", trigger).
			Msg("Discarding reconciliation pass superseded by a newer one")
		return
	}

	metrics.Get().RecordPass(trigger, "committed")
	log.Debug().
		Str("pass", passID).
		Str("trigger", trigger).
		Bool("active", result.Status.IsActive).
		Str("productId", result.Status.ProductID).
		Msg("Reconciliation pass committed")

	if result.Winner != nil && result.Winner.ReceiptToken != "" {
		e.sync.Upsert(ctx, result.Winner.ProductID, result.Winner.ReceiptToken)
	}
}

// commit atomically replaces the status snapshot, provided this pass is
// still the newest requested. Returns false when the pass is stale.
func (e *Engine) commit(ctx context.Context, gen uint64, status models.SubscriptionStatus, pending *models.PendingPlanChange) bool {
	e.mu.Lock()
	if gen < e.gen.Load() || gen <= e.appliedGen {
		e.mu.Unlock()
		return false
	}
	e.appliedGen = gen
	e.status = status
	e.pending = pending
	e.unavailableReason = ""
	e.access = entitle.Resolve(status, e.comps, e.now())
	e.mu.Unlock()

	metrics.Get().SetSubscriptionActive(status.IsActive)
	e.invalidateGates(ctx)
	return true
}

func (e *Engine) invalidateGates(ctx context.Context) {
	if e.gates == nil {
		return
	}
	if err := e.gates.Delete(ctx, gatesCacheKey); err != nil {
		log.Warn().Err(err).Msg("Gate cache invalidation failed")
	}
}

// listen consumes purchase lifecycle events for the lifetime of the session,
// re-subscribing when the platform connection is re-established.
func (e *Engine) listen(ctx context.Context, source billing.EventSource) {
	defer e.wg.Done()

	events := source.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Connection lost. Wait, reconnect, resubscribe.
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.resubscribeDelay):
				}
				if e.conn.EnsureReady(ctx) {
					events = source.Events()
				}
				continue
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev billing.Event) {
	metrics.Get().RecordEvent(string(ev.Type))

	switch ev.Type {
	case billing.EventPurchaseUpdated:
		e.handlePurchaseUpdated(ctx, ev.Purchase)
	case billing.EventPurchaseError:
		e.handlePurchaseError(ev.Err)
	default:
		log.Debug().Str("type", string(ev.Type)).Msg("Ignoring unknown purchase event type")
	}
}

// handlePurchaseUpdated applies the optimistic status, finalizes the
// transaction, upserts the receipt, then reconciles against the ledger. The
// ledger is ground truth; the optimistic value only bridges the gap.
func (e *Engine) handlePurchaseUpdated(ctx context.Context, raw billing.RawPurchase) {
	now := e.now()

	record, ok := ledger.Normalize(raw, now)
	if !ok {
		// Ambiguous payload; fall back to the last explicitly requested
		// SKU so the optimistic update still lands on the right plan.
		e.mu.RLock()
		fallback := e.lastRequestedSKU
		e.mu.RUnlock()
		if fallback == "" {
			log.Warn().Msg("Purchase update carries no resolvable product id and no purchase was requested; forcing reconcile")
			e.reconcile(ctx, "event")
			return
		}
		record, _ = ledger.Normalize(billing.RawPurchase{"productId": fallback}, now)
		if record.ProductID == "" {
			e.reconcile(ctx, "event")
			return
		}
	}

	gen := e.gen.Add(1)
	expiry := record.ExpiryAt
	optimistic := models.SubscriptionStatus{
		IsActive:  true,
		ProductID: record.ProductID,
		ExpiresAt: &expiry,
		IsInTrial: record.IsTrialPeriod,
	}
	// Carry the deferred downgrade through the optimistic window; the
	// follow-up reconcile recomputes it from the ledger.
	e.mu.RLock()
	pending := e.pending
	e.mu.RUnlock()
	if e.commit(ctx, gen, optimistic, pending) {
		log.Info().
			Str("productId", record.ProductID).
			Msg("Applied optimistic subscription status from purchase event")
	}

	if record.ReceiptToken != "" {
		if finalizer, ok := e.platform.(billing.Finalizer); ok {
			if err := finalizer.FinalizeTransaction(ctx, record.ReceiptToken); err != nil {
				// The reconcile still runs; the platform will redeliver
				// an unfinalized transaction.
				log.Error().Err(err).
					Str("productId", record.ProductID).
					Msg("Transaction finalize failed")
			}
		}
		e.sync.Upsert(ctx, record.ProductID, record.ReceiptToken)
	}

	e.reconcile(ctx, "event")
}

func (e *Engine) handlePurchaseError(perr *billing.PurchaseError) {
	if perr == nil {
		return
	}
	if perr.Cancelled {
		log.Debug().Str("code", perr.Code).Msg("Purchase cancelled by user")
		return
	}
	log.Warn().Str("code", perr.Code).Str("message", perr.Message).Msg("Purchase failed")
	if e.onAlert != nil {
		e.onAlert(perr)
	}
}
