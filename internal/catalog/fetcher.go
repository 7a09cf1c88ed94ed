// Package catalog retrieves and normalizes the subscribable product catalog
// from the billing platform. Fetch failures never propagate to callers; they
// degrade to an empty catalog plus a diagnostics record.
package catalog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courtside-app/entitlements/internal/billing"
	"github.com/courtside-app/entitlements/internal/metrics"
	"github.com/courtside-app/entitlements/internal/models"
	"github.com/courtside-app/entitlements/pkg/plans"
)

// Candidate payload fields, in probe order. Different fetch shapes name the
// same things differently.
var (
	idFields        = []string{"productId", "productID", "sku", "id"}
	titleFields     = []string{"title", "name", "displayName"}
	descFields      = []string{"description", "desc"}
	localizedFields = []string{"localizedPrice", "displayPrice", "priceString"}
	currencyFields  = []string{"currency", "currencyCode", "priceCurrencyCode"}
)

type fetchShape struct {
	name  string
	fetch func(ctx context.Context, skus []string) ([]billing.RawProduct, error)
}

// Fetcher retrieves the product catalog and keeps the latest normalized
// snapshot plus write-only diagnostics.
type Fetcher struct {
	conn      *billing.ConnectionManager
	platform  billing.Platform
	requested []string

	// bundleMismatch optionally reports a platform/bundle identity
	// mismatch for diagnostics.
	bundleMismatch func() bool

	mu       sync.RWMutex
	products []models.Product
	diag     models.Diagnostics
	method   string
	now      func() time.Time
}

// NewFetcher builds a fetcher for the given requested SKU set. The shape used
// to talk to the platform is selected on first successful fetch and kept.
func NewFetcher(conn *billing.ConnectionManager, platform billing.Platform, requested []string) *Fetcher {
	return &Fetcher{
		conn:      conn,
		platform:  platform,
		requested: append([]string(nil), requested...),
		now:       time.Now,
	}
}

// SetBundleMismatchProbe wires an optional bundle identity check into the
// diagnostics snapshot.
func (f *Fetcher) SetBundleMismatchProbe(probe func() bool) {
	f.bundleMismatch = probe
}

// Products returns the latest normalized catalog snapshot.
func (f *Fetcher) Products() []models.Product {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.Product, len(f.products))
	copy(out, f.products)
	return out
}

// Diagnostics returns the latest fetch diagnostics snapshot.
func (f *Fetcher) Diagnostics() models.Diagnostics {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return cloneDiagnostics(f.diag)
}

// FetchProducts refreshes the catalog. It never returns an error: failures
// are recorded in diagnostics and leave the previous snapshot in place.
func (f *Fetcher) FetchProducts(ctx context.Context) {
	if !f.conn.EnsureReady(ctx) {
		f.recordUnavailable("billing platform not ready")
		metrics.Get().RecordCatalogFetch("none", "unavailable")
		return
	}

	raw, method, err := f.fetchRaw(ctx)
	if err != nil {
		f.recordError(method, err)
		metrics.Get().RecordCatalogFetch(method, "error")
		log.Error().Err(err).Str("method", method).Msg("Product catalog fetch failed")
		return
	}

	products, dropped := normalizeProducts(raw)
	if dropped > 0 {
		log.Warn().
			Int("dropped", dropped).
			Strs("sampleKeys", sampleKeys(raw)).
			Msg("Dropped catalog entries with no resolvable product id")
	}

	returned := make([]string, 0, len(products))
	for _, p := range products {
		returned = append(returned, p.ID)
	}
	missing := difference(f.requested, returned)

	if len(products) == 0 {
		// Commonly a store-side configuration problem, not a code bug.
		// The engine stays up with an empty catalog.
		log.Warn().
			Strs("requestedSkus", f.requested).
			Str("method", method).
			Msg("Billing platform returned zero products for the requested SKU set")
	}

	diag := models.Diagnostics{
		RequestedSKUs:   append([]string(nil), f.requested...),
		ReturnedSKUs:    returned,
		MissingSKUs:     missing,
		LastFetchAt:     f.now(),
		LastFetchMethod: method,
	}
	if f.bundleMismatch != nil {
		diag.PlatformBundleMismatch = f.bundleMismatch()
	}

	f.mu.Lock()
	f.products = products
	f.diag = diag
	f.method = method
	f.mu.Unlock()

	metrics.Get().RecordCatalogFetch(method, "ok")
	log.Debug().
		Int("products", len(products)).
		Int("missing", len(missing)).
		Str("method", method).
		Msg("Product catalog refreshed")
}

// fetchRaw probes the supported fetch shapes in preference order. The first
// shape that succeeds is remembered and tried first on later fetches.
func (f *Fetcher) fetchRaw(ctx context.Context) ([]billing.RawProduct, string, error) {
	shapes := f.shapes()
	if len(shapes) == 0 {
		return nil, "none", errors.New("platform exposes no catalog fetch capability")
	}

	f.mu.RLock()
	selected := f.method
	f.mu.RUnlock()

	if selected != "" {
		for _, shape := range shapes {
			if shape.name != selected {
				continue
			}
			raw, err := shape.fetch(ctx, f.requested)
			if err == nil {
				return raw, shape.name, nil
			}
			if !errors.Is(err, billing.ErrNotSupported) {
				return nil, shape.name, err
			}
			// Capability disappeared across a reconnect; reprobe.
			break
		}
	}

	var lastErr error
	lastName := "none"
	for _, shape := range shapes {
		raw, err := shape.fetch(ctx, f.requested)
		if err == nil {
			return raw, shape.name, nil
		}
		if errors.Is(err, billing.ErrNotSupported) {
			continue
		}
		lastErr = err
		lastName = shape.name
		break
	}
	if lastErr == nil {
		lastErr = errors.New("no catalog fetch shape supported by platform")
	}
	return nil, lastName, lastErr
}

func (f *Fetcher) shapes() []fetchShape {
	var shapes []fetchShape
	if p, ok := f.platform.(billing.ProductDetailFetcher); ok {
		shapes = append(shapes, fetchShape{name: "product_details", fetch: p.FetchProductDetails})
	}
	if p, ok := f.platform.(billing.SubscriptionBatchFetcher); ok {
		shapes = append(shapes, fetchShape{name: "subscription_batch", fetch: p.GetSubscriptions})
	}
	if p, ok := f.platform.(billing.LegacyItemFetcher); ok {
		shapes = append(shapes, fetchShape{name: "legacy_items", fetch: p.GetItems})
	}
	return shapes
}

func (f *Fetcher) recordUnavailable(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diag.UnavailableReason = reason
	f.diag.LastFetchAt = f.now()
}

func (f *Fetcher) recordError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diag.LastFetchError = err.Error()
	f.diag.LastFetchMethod = method
	f.diag.LastFetchAt = f.now()
}

func normalizeProducts(raw []billing.RawProduct) ([]models.Product, int) {
	products := make([]models.Product, 0, len(raw))
	dropped := 0
	for _, entry := range raw {
		id := firstString(entry, idFields)
		if id == "" {
			dropped++
			continue
		}
		products = append(products, models.Product{
			ID:             id,
			Title:          firstString(entry, titleFields),
			Description:    firstString(entry, descFields),
			Price:          firstFloat(entry, "price", "priceAmount", "priceAmountMicros"),
			Currency:       firstString(entry, currencyFields),
			LocalizedPrice: firstString(entry, localizedFields),
			MaxSeats:       plans.SeatsFor(id),
		})
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, dropped
}

func firstString(entry map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := entry[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstFloat(entry map[string]any, keys ...string) float64 {
	for _, key := range keys {
		switch v := entry[key].(type) {
		case float64:
			if key == "priceAmountMicros" {
				return v / 1e6
			}
			return v
		case int:
			return float64(v)
		}
	}
	return 0
}

func sampleKeys(raw []billing.RawProduct) []string {
	for _, entry := range raw {
		if firstString(entry, idFields) != "" {
			continue
		}
		keys := make([]string, 0, len(entry))
		for k := range entry {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 8 {
			keys = keys[:8]
		}
		return keys
	}
	return nil
}

func difference(requested, returned []string) []string {
	have := make(map[string]bool, len(returned))
	for _, id := range returned {
		have[id] = true
	}
	missing := make([]string, 0)
	for _, id := range requested {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

func cloneDiagnostics(d models.Diagnostics) models.Diagnostics {
	out := d
	out.RequestedSKUs = append([]string(nil), d.RequestedSKUs...)
	out.ReturnedSKUs = append([]string(nil), d.ReturnedSKUs...)
	out.MissingSKUs = append([]string(nil), d.MissingSKUs...)
	return out
}
