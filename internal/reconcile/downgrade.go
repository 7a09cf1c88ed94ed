// Package reconcile orchestrates the scan → evaluate → synchronize pipeline
// that keeps the subscription status consistent under interleaved refreshes
// and asynchronous purchase events.
package reconcile

import (
	"time"

	"github.com/courtside-app/entitlements/internal/models"
	"github.com/courtside-app/entitlements/pkg/plans"
)

// EvaluateDowngrade decides whether a requested plan switch is a same-group
// downgrade that must wait for the current paid period to end. Upgrades,
// cross-group switches, and requests with no active plan return nil: those
// take effect immediately through a fresh purchase, not deferral.
func EvaluateDowngrade(activeProductID, desiredProductID string, activeExpiry time.Time) *models.PendingPlanChange {
	if desiredProductID == "" || activeProductID == "" {
		return nil
	}
	if desiredProductID == activeProductID {
		return nil
	}

	active, okActive := plans.Lookup(activeProductID)
	desired, okDesired := plans.Lookup(desiredProductID)
	if !okActive || !okDesired {
		return nil
	}
	if active.Group != desired.Group {
		return nil
	}
	if desired.TierRank >= active.TierRank {
		return nil
	}

	return &models.PendingPlanChange{
		DesiredProductID: desiredProductID,
		EffectiveAt:      activeExpiry,
	}
}
