// Package models defines the shared data types produced and consumed by the
// entitlement reconciliation engine. All snapshot types are replaced wholesale
// on each reconciliation pass; nothing here is mutated field by field.
package models

import "time"

// Product is an immutable snapshot of a store catalog entry. It is recreated
// on every catalog fetch.
type Product struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	Price          float64 `json:"price"`
	Currency       string  `json:"currency"`
	LocalizedPrice string  `json:"localizedPrice"`
	MaxSeats       int     `json:"maxSeats"`
}

// PurchaseRecord is a purchase normalized from a heterogeneous platform
// payload. ExpiryAt is estimated (transaction time plus the plan period) when
// the platform did not supply one; EstimatedExpiry records that.
type PurchaseRecord struct {
	ProductID       string         `json:"productId"`
	ExpiryAt        time.Time      `json:"expiryAt"`
	TransactionAt   time.Time      `json:"transactionAt"`
	ReceiptToken    string         `json:"-"`
	EstimatedExpiry bool           `json:"estimatedExpiry"`
	IsTrialPeriod   bool           `json:"isTrialPeriod"`
	Raw             map[string]any `json:"-"`
}

// SubscriptionStatus is the single authoritative purchase state. It is
// recomputed on every ledger scan and replaces its previous value atomically.
type SubscriptionStatus struct {
	IsActive  bool       `json:"isActive"`
	ProductID string     `json:"productId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	IsInTrial bool       `json:"isInTrial"`
}

// PendingPlanChange represents a same-group downgrade deferred to the end of
// the current paid period.
type PendingPlanChange struct {
	DesiredProductID string    `json:"desiredProductId"`
	EffectiveAt      time.Time `json:"effectiveAt"`
}

// ComplimentaryKind identifies the access level of an out-of-band grant.
type ComplimentaryKind string

const (
	KindPlayerPremium  ComplimentaryKind = "PLAYER_PREMIUM"
	KindTrainerPremium ComplimentaryKind = "TRAINER_PREMIUM"
)

// ComplimentaryEntitlement is an out-of-band grant sourced from the remote
// store. Grants are additive; they never reduce purchased access.
type ComplimentaryEntitlement struct {
	Kind      ComplimentaryKind `json:"kind"`
	Source    string            `json:"source"`
	ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
}

// Valid reports whether the grant is in effect at the given instant.
func (c ComplimentaryEntitlement) Valid(now time.Time) bool {
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// FeatureAccess is the per-feature boolean matrix gating the rest of the app.
type FeatureAccess struct {
	Library        bool `json:"library"`
	CalendarSync   bool `json:"calendarSync"`
	TrainerLinking bool `json:"trainerLinking"`
}

// ResolvedAccess is derived from SubscriptionStatus and the set of valid
// complimentary entitlements. It is never stored, only recomputed.
type ResolvedAccess struct {
	HasActiveSubscription bool          `json:"hasActiveSubscription"`
	Tier                  string        `json:"tier"`
	MaxSeats              int           `json:"maxSeats"`
	Features              FeatureAccess `json:"featureAccess"`
}

// Diagnostics is write-only observability state for the catalog fetcher.
// Business logic never reads it; support and debug surfaces do.
type Diagnostics struct {
	RequestedSKUs          []string  `json:"requestedSkus"`
	ReturnedSKUs           []string  `json:"returnedSkus"`
	MissingSKUs            []string  `json:"missingSkus"`
	LastFetchError         string    `json:"lastFetchError,omitempty"`
	LastFetchAt            time.Time `json:"lastFetchAt"`
	LastFetchMethod        string    `json:"lastFetchMethod,omitempty"`
	PlatformBundleMismatch bool      `json:"platformBundleMismatch"`
	UnavailableReason      string    `json:"unavailableReason,omitempty"`
}
