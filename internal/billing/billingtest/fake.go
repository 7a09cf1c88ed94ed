// Package billingtest provides a scripted in-memory billing platform for
// tests. The fake implements every capability interface; individual shapes
// can be switched off to exercise probing fallbacks.
package billingtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/courtside-app/entitlements/internal/billing"
)

// Fake is a scripted billing platform. Zero value is usable; configure the
// fields before handing it to the engine.
type Fake struct {
	mu sync.Mutex

	// Scripted behavior.
	ConnectErr      error
	Absent          bool
	FailFiltered    bool // filtered ledger query fails, unfiltered succeeds
	FailLedger      error
	DisableDetails  bool // shape A unsupported
	DisableBatch    bool // shape B unsupported
	DisableLegacy   bool // shape C unsupported
	Products        []billing.RawProduct
	Purchases       []billing.RawPurchase
	FinalizeErr     error
	PurchaseErr     error
	LedgerDelay     func(ctx context.Context) error // optional hook to stall scans

	connectCalls  atomic.Int64
	finalized     []string
	purchaseCalls []string
	fetchMethod   string

	events       chan billing.Event
	onDisconnect func()
}

var _ billing.Platform = (*Fake)(nil)
var _ billing.ProductDetailFetcher = (*Fake)(nil)
var _ billing.SubscriptionBatchFetcher = (*Fake)(nil)
var _ billing.LegacyItemFetcher = (*Fake)(nil)
var _ billing.LedgerReader = (*Fake)(nil)
var _ billing.Purchaser = (*Fake)(nil)
var _ billing.Finalizer = (*Fake)(nil)
var _ billing.EventSource = (*Fake)(nil)
var _ billing.DisconnectNotifier = (*Fake)(nil)

// Connect counts attempts and honors the scripted failure modes.
func (f *Fake) Connect(ctx context.Context) error {
	f.connectCalls.Add(1)
	if f.Absent {
		return billing.ErrPlatformAbsent
	}
	return f.ConnectErr
}

// Disconnect is a no-op.
func (f *Fake) Disconnect() error { return nil }

// ConnectCalls reports how many connection attempts reached the platform.
func (f *Fake) ConnectCalls() int64 { return f.connectCalls.Load() }

// FetchProductDetails is fetch shape A.
func (f *Fake) FetchProductDetails(ctx context.Context, skus []string) ([]billing.RawProduct, error) {
	if f.DisableDetails {
		return nil, billing.ErrNotSupported
	}
	f.recordMethod("product_details")
	return f.matching(skus), nil
}

// GetSubscriptions is fetch shape B.
func (f *Fake) GetSubscriptions(ctx context.Context, skus []string) ([]billing.RawProduct, error) {
	if f.DisableBatch {
		return nil, billing.ErrNotSupported
	}
	f.recordMethod("subscription_batch")
	return f.matching(skus), nil
}

// GetItems is fetch shape C.
func (f *Fake) GetItems(ctx context.Context, skus []string) ([]billing.RawProduct, error) {
	if f.DisableLegacy {
		return nil, billing.ErrNotSupported
	}
	f.recordMethod("legacy_items")
	return f.matching(skus), nil
}

func (f *Fake) recordMethod(method string) {
	f.mu.Lock()
	f.fetchMethod = method
	f.mu.Unlock()
}

// FetchMethod reports which catalog shape served the last fetch.
func (f *Fake) FetchMethod() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchMethod
}

func (f *Fake) matching(skus []string) []billing.RawProduct {
	f.mu.Lock()
	defer f.mu.Unlock()
	requested := make(map[string]bool, len(skus))
	for _, s := range skus {
		requested[s] = true
	}
	var out []billing.RawProduct
	for _, p := range f.Products {
		id, _ := productID(p)
		if id == "" || requested[id] {
			out = append(out, p)
		}
	}
	return out
}

func productID(p billing.RawProduct) (string, bool) {
	for _, key := range []string{"productId", "sku", "id"} {
		if v, ok := p[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// AvailablePurchases returns the scripted ledger, honoring failure modes.
// LedgerDelay runs after the ledger snapshot is taken, so tests can script a
// scan that resolves late with stale data.
func (f *Fake) AvailablePurchases(ctx context.Context, activeOnly bool) ([]billing.RawPurchase, error) {
	if f.FailLedger != nil {
		return nil, f.FailLedger
	}
	if activeOnly && f.FailFiltered {
		return nil, errors.New("scripted: filtered query unsupported")
	}
	f.mu.Lock()
	out := make([]billing.RawPurchase, len(f.Purchases))
	copy(out, f.Purchases)
	f.mu.Unlock()

	if f.LedgerDelay != nil {
		if err := f.LedgerDelay(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SetPurchases replaces the scripted ledger.
func (f *Fake) SetPurchases(purchases []billing.RawPurchase) {
	f.mu.Lock()
	f.Purchases = purchases
	f.mu.Unlock()
}

// RequestPurchase records the requested product.
func (f *Fake) RequestPurchase(ctx context.Context, productID string) error {
	if f.PurchaseErr != nil {
		return f.PurchaseErr
	}
	f.mu.Lock()
	f.purchaseCalls = append(f.purchaseCalls, productID)
	f.mu.Unlock()
	return nil
}

// PurchaseCalls returns the product ids passed to RequestPurchase.
func (f *Fake) PurchaseCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.purchaseCalls))
	copy(out, f.purchaseCalls)
	return out
}

// FinalizeTransaction records the finalized receipt token.
func (f *Fake) FinalizeTransaction(ctx context.Context, receiptToken string) error {
	if f.FinalizeErr != nil {
		return f.FinalizeErr
	}
	f.mu.Lock()
	f.finalized = append(f.finalized, receiptToken)
	f.mu.Unlock()
	return nil
}

// Finalized returns the receipt tokens finalized so far.
func (f *Fake) Finalized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.finalized))
	copy(out, f.finalized)
	return out
}

// Events returns the event channel of the current connection, creating it on
// first use.
func (f *Fake) Events() <-chan billing.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentEventsLocked()
}

func (f *Fake) currentEventsLocked() chan billing.Event {
	if f.events == nil {
		f.events = make(chan billing.Event, 16)
	}
	return f.events
}

// Emit delivers an event to the listener.
func (f *Fake) Emit(ev billing.Event) {
	f.mu.Lock()
	ch := f.currentEventsLocked()
	f.mu.Unlock()
	ch <- ev
}

// OnDisconnect registers the connection-loss hook.
func (f *Fake) OnDisconnect(fn func()) {
	f.mu.Lock()
	f.onDisconnect = fn
	f.mu.Unlock()
}

// DropConnection simulates losing the platform connection: the current event
// channel closes, a fresh one replaces it, and the registered hook fires so
// readiness gets reset.
func (f *Fake) DropConnection() {
	f.mu.Lock()
	if f.events != nil {
		close(f.events)
	}
	f.events = make(chan billing.Event, 16)
	fn := f.onDisconnect
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}
