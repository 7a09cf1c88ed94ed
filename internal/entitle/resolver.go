package entitle

import (
	"time"

	"github.com/courtside-app/entitlements/internal/models"
	"github.com/courtside-app/entitlements/pkg/plans"
)

// tierOrder ranks tiers for precedence when purchase and grants disagree.
var tierOrder = map[plans.Tier]int{
	plans.TierFree:           0,
	plans.TierPlayerPremium:  1,
	plans.TierTrainerPremium: 2,
}

// complimentarySeats is the seat quota a grant confers on its own, matching
// the entry plan of the equivalent purchased tier.
var complimentarySeats = map[models.ComplimentaryKind]int{
	models.KindPlayerPremium:  1,
	models.KindTrainerPremium: 5,
}

// Resolve derives the feature-access matrix from the reconciled purchase
// status and the valid complimentary grants. Grants are additive: a grant of
// kind K always yields at least the access of the equivalent purchased tier,
// regardless of purchase state.
func Resolve(status models.SubscriptionStatus, comps []models.ComplimentaryEntitlement, now time.Time) models.ResolvedAccess {
	tier := plans.TierFree
	seats := 0

	if status.IsActive {
		tier = plans.TierFor(status.ProductID)
		seats = plans.SeatsFor(status.ProductID)
	}

	compActive := false
	for _, c := range comps {
		if !c.Valid(now) {
			continue
		}
		compActive = true
		compTier := tierForKind(c.Kind)
		if tierOrder[compTier] > tierOrder[tier] {
			tier = compTier
		}
		if s := complimentarySeats[c.Kind]; s > seats {
			seats = s
		}
	}

	if tier == plans.TierFree {
		return models.ResolvedAccess{Tier: string(plans.TierFree)}
	}

	return models.ResolvedAccess{
		HasActiveSubscription: status.IsActive || compActive,
		Tier:                  string(tier),
		MaxSeats:              seats,
		Features:              featuresForTier(tier),
	}
}

func tierForKind(kind models.ComplimentaryKind) plans.Tier {
	switch kind {
	case models.KindPlayerPremium:
		return plans.TierPlayerPremium
	case models.KindTrainerPremium:
		return plans.TierTrainerPremium
	default:
		return plans.TierFree
	}
}

func featuresForTier(tier plans.Tier) models.FeatureAccess {
	switch tier {
	case plans.TierPlayerPremium:
		return models.FeatureAccess{Library: true, CalendarSync: true}
	case plans.TierTrainerPremium:
		return models.FeatureAccess{Library: true, CalendarSync: true, TrainerLinking: true}
	default:
		return models.FeatureAccess{}
	}
}
