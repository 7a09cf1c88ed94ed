// Package plans holds the static plan-metadata table for every purchasable
// product: its customer group, tier rank within the group, seat quota, and
// billing period. The table is the single source for upgrade/downgrade
// decisions and seat lookups.
package plans

import (
	"sort"
	"sync"
	"time"
)

// Group is the customer segment a product belongs to. Downgrade deferral only
// applies between products of the same group.
type Group string

const (
	GroupPlayer  Group = "player"
	GroupTrainer Group = "trainer"
)

// Tier is the access level a product resolves to.
type Tier string

const (
	TierFree           Tier = "free"
	TierPlayerPremium  Tier = "player_premium"
	TierTrainerPremium Tier = "trainer_premium"
)

// Meta describes one purchasable plan.
type Meta struct {
	ProductID string
	Group     Group
	Tier      Tier
	// TierRank orders plans within a group; lower is cheaper.
	TierRank int
	MaxSeats int
	// Period is used to estimate an expiry when the platform payload
	// carries none.
	Period time.Duration
}

const monthly = 30 * 24 * time.Hour

// builtin is the compiled-in plan table. An overlay file may replace it at
// runtime; the requested SKU set is versioned with the app build.
var builtin = []Meta{
	{ProductID: "courtside_player_premium_v2", Group: GroupPlayer, Tier: TierPlayerPremium, TierRank: 1, MaxSeats: 1, Period: monthly},
	{ProductID: "courtside_trainer_starter_v2", Group: GroupTrainer, Tier: TierTrainerPremium, TierRank: 1, MaxSeats: 5, Period: monthly},
	{ProductID: "courtside_trainer_club_v2", Group: GroupTrainer, Tier: TierTrainerPremium, TierRank: 2, MaxSeats: 15, Period: monthly},
	{ProductID: "courtside_trainer_elite_v2", Group: GroupTrainer, Tier: TierTrainerPremium, TierRank: 3, MaxSeats: 40, Period: monthly},
}

var (
	mu      sync.RWMutex
	catalog = indexPlans(builtin)
)

func indexPlans(list []Meta) map[string]Meta {
	m := make(map[string]Meta, len(list))
	for _, p := range list {
		m[p.ProductID] = p
	}
	return m
}

// Lookup returns the metadata for a product id.
func Lookup(productID string) (Meta, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := catalog[productID]
	return p, ok
}

// Known reports whether the product id is part of the plan table.
func Known(productID string) bool {
	_, ok := Lookup(productID)
	return ok
}

// SeatsFor returns the seat quota for a product. Unknown ids default to a
// single seat.
func SeatsFor(productID string) int {
	if p, ok := Lookup(productID); ok {
		return p.MaxSeats
	}
	return 1
}

// PeriodFor returns the billing period for a product, falling back to a
// monthly period for unknown ids.
func PeriodFor(productID string) time.Duration {
	if p, ok := Lookup(productID); ok && p.Period > 0 {
		return p.Period
	}
	return monthly
}

// TierFor returns the tier a product resolves to, or TierFree when unknown.
func TierFor(productID string) Tier {
	if p, ok := Lookup(productID); ok {
		return p.Tier
	}
	return TierFree
}

// RequestedSKUs returns the fixed set of product ids the engine asks the
// billing platform for, sorted for deterministic diagnostics.
func RequestedSKUs() []string {
	mu.RLock()
	defer mu.RUnlock()
	skus := make([]string, 0, len(catalog))
	for id := range catalog {
		skus = append(skus, id)
	}
	sort.Strings(skus)
	return skus
}

// SameGroup reports whether both products exist and share a group.
func SameGroup(a, b string) bool {
	pa, okA := Lookup(a)
	pb, okB := Lookup(b)
	return okA && okB && pa.Group == pb.Group
}

// Replace swaps the active plan table. Used by the overlay loader; callers
// must pass a complete table, not a delta.
func Replace(list []Meta) {
	mu.Lock()
	defer mu.Unlock()
	catalog = indexPlans(list)
}

// ResetBuiltin restores the compiled-in table.
func ResetBuiltin() {
	Replace(builtin)
}
