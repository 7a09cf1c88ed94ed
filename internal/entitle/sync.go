package entitle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/courtside-app/entitlements/internal/metrics"
	"github.com/courtside-app/entitlements/internal/models"
	"github.com/courtside-app/entitlements/pkg/plans"
)

// idempotencyNamespace scopes the deterministic upsert keys.
var idempotencyNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Synchronizer pushes resolved purchase state to the remote store and pulls
// complimentary grants. Upsert failures are logged, never surfaced: local
// state stays optimistic and authoritative for the UI while the remote store
// catches up eventually.
type Synchronizer struct {
	store  RemoteStore
	userID func() string
	now    func() time.Time

	mu        sync.Mutex
	lastKey   string
	lastComps []models.ComplimentaryEntitlement
}

// NewSynchronizer builds a synchronizer. userID supplies the current
// authenticated identity; it is read on every call so auth changes take
// effect without rewiring.
func NewSynchronizer(store RemoteStore, userID func() string) *Synchronizer {
	return &Synchronizer{
		store:  store,
		userID: userID,
		now:    time.Now,
	}
}

// Upsert writes the winning purchase to the remote store. Both the ledger
// scanner and the purchase event listener call this for the same purchase;
// the deterministic idempotency key makes the repeats harmless and identical
// consecutive calls are short-circuited locally.
func (s *Synchronizer) Upsert(ctx context.Context, productID, receipt string) {
	if s.store == nil {
		return
	}
	user := s.userID()
	if user == "" {
		log.Debug().Msg("Skipping entitlement upsert: no authenticated user")
		return
	}

	key := uuid.NewSHA1(idempotencyNamespace, []byte(user+"|"+productID+"|"+receipt)).String()

	s.mu.Lock()
	if s.lastKey == key {
		s.mu.Unlock()
		metrics.Get().RecordUpsert("deduplicated")
		return
	}
	s.mu.Unlock()

	rec := Record{
		UserID:         user,
		Tier:           string(plans.TierFor(productID)),
		ProductID:      productID,
		Receipt:        receipt,
		UpdatedAt:      s.now(),
		IdempotencyKey: key,
	}

	if err := s.store.UpsertEntitlement(ctx, rec); err != nil {
		// Never rolls back local state and never blocks the UI.
		metrics.Get().RecordUpsert("error")
		log.Error().Err(err).
			Str("productId", productID).
			Msg("Remote entitlement upsert failed; local status remains authoritative")
		return
	}

	s.mu.Lock()
	s.lastKey = key
	s.mu.Unlock()
	metrics.Get().RecordUpsert("ok")
	log.Debug().Str("productId", productID).Msg("Remote entitlement upserted")
}

// FetchComplimentary reads the user's out-of-band grants. It runs regardless
// of billing-platform availability; on failure the last known grants are
// returned so transient backend trouble never strips access.
func (s *Synchronizer) FetchComplimentary(ctx context.Context) []models.ComplimentaryEntitlement {
	if s.store == nil {
		return nil
	}
	user := s.userID()
	if user == "" {
		return nil
	}

	comps, err := s.store.FetchComplimentary(ctx, user)
	if err != nil {
		s.mu.Lock()
		last := append([]models.ComplimentaryEntitlement(nil), s.lastComps...)
		s.mu.Unlock()
		log.Warn().Err(err).Msg("Complimentary entitlement fetch failed; keeping last known grants")
		return last
	}

	s.mu.Lock()
	s.lastComps = append([]models.ComplimentaryEntitlement(nil), comps...)
	s.mu.Unlock()
	return comps
}
