// Package billing defines the contract the engine needs from a billing
// platform and owns the connection lifecycle to it. The engine never assumes
// one fixed API shape; optional capability interfaces are probed at runtime
// and the first supported one wins.
package billing

import (
	"context"
	"errors"
)

// Sentinel errors shared by all platform implementations.
var (
	// ErrPlatformAbsent means the platform module is not present on this
	// OS or build channel. It is terminal for the process lifetime, unlike
	// a transient connection failure.
	ErrPlatformAbsent = errors.New("billing platform not present")

	// ErrNotConnected is returned by platform calls issued before a
	// successful Connect.
	ErrNotConnected = errors.New("billing platform not connected")

	// ErrNotSupported is returned by a capability method the concrete
	// platform does not implement; the caller probes the next shape.
	ErrNotSupported = errors.New("method not supported by billing platform")
)

// RawProduct is an unnormalized catalog entry as returned by the platform.
// Field names differ between fetch shapes; the catalog fetcher extracts what
// it can and drops the rest.
type RawProduct map[string]any

// RawPurchase is an unnormalized ledger entry.
type RawPurchase map[string]any

// EventType distinguishes purchase lifecycle events.
type EventType string

const (
	EventPurchaseUpdated EventType = "purchase_updated"
	EventPurchaseError   EventType = "purchase_error"
)

// PurchaseError describes a failed purchase attempt. Cancelled reports user
// cancellation, which is never surfaced to the user.
type PurchaseError struct {
	Code      string
	Message   string
	Cancelled bool
}

func (e *PurchaseError) Error() string {
	if e.Message != "" {
		return "purchase failed: " + e.Message
	}
	return "purchase failed: " + e.Code
}

// Event is one asynchronous purchase lifecycle notification.
type Event struct {
	Type     EventType
	Purchase RawPurchase    // set for EventPurchaseUpdated
	Err      *PurchaseError // set for EventPurchaseError
}

// Platform is the minimal connection contract. Concrete implementations may
// additionally implement any of the capability interfaces below.
type Platform interface {
	// Connect establishes the single underlying connection handle.
	// Implementations return ErrPlatformAbsent when the platform module
	// is missing entirely.
	Connect(ctx context.Context) error

	// Disconnect closes the connection handle. Safe to call when not
	// connected.
	Disconnect() error
}

// ProductDetailFetcher is catalog fetch shape A: a modern per-SKU detail
// query.
type ProductDetailFetcher interface {
	FetchProductDetails(ctx context.Context, skus []string) ([]RawProduct, error)
}

// SubscriptionBatchFetcher is catalog fetch shape B: a batched subscription
// query.
type SubscriptionBatchFetcher interface {
	GetSubscriptions(ctx context.Context, skus []string) ([]RawProduct, error)
}

// LegacyItemFetcher is catalog fetch shape C: the oldest item query, kept for
// platforms that support nothing newer.
type LegacyItemFetcher interface {
	GetItems(ctx context.Context, skus []string) ([]RawProduct, error)
}

// LedgerReader reads the purchases currently owned by the device. activeOnly
// asks the platform to pre-filter expired entries; not every platform honors
// it.
type LedgerReader interface {
	AvailablePurchases(ctx context.Context, activeOnly bool) ([]RawPurchase, error)
}

// Purchaser starts a purchase flow for a product.
type Purchaser interface {
	RequestPurchase(ctx context.Context, productID string) error
}

// Finalizer acknowledges or consumes a completed transaction so the platform
// stops redelivering it.
type Finalizer interface {
	FinalizeTransaction(ctx context.Context, receiptToken string) error
}

// EventSource delivers asynchronous purchase lifecycle events. The channel is
// closed when the connection ends; after a reconnect, Events returns the
// replacement channel.
type EventSource interface {
	Events() <-chan Event
}

// DisconnectNotifier lets a platform report the loss of an established
// connection, so the connection manager can reset readiness and a later
// caller reconnects instead of issuing calls into a dead handle.
type DisconnectNotifier interface {
	OnDisconnect(fn func())
}
