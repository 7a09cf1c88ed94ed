package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateDowngrade(t *testing.T) {
	expiry := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		active   string
		desired  string
		deferred bool
	}{
		{"same-group downgrade defers", "courtside_trainer_club_v2", "courtside_trainer_starter_v2", true},
		{"two-rank downgrade defers", "courtside_trainer_elite_v2", "courtside_trainer_starter_v2", true},
		{"same-group upgrade is immediate", "courtside_trainer_starter_v2", "courtside_trainer_elite_v2", false},
		{"same plan is a no-op", "courtside_trainer_club_v2", "courtside_trainer_club_v2", false},
		{"cross-group switch is immediate", "courtside_trainer_club_v2", "courtside_player_premium_v2", false},
		{"no desired plan", "courtside_trainer_club_v2", "", false},
		{"no active plan", "", "courtside_trainer_starter_v2", false},
		{"unknown desired sku", "courtside_trainer_club_v2", "not_in_table", false},
		{"unknown active sku", "not_in_table", "courtside_trainer_starter_v2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateDowngrade(tt.active, tt.desired, expiry)
			if !tt.deferred {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.desired, got.DesiredProductID)
			assert.Equal(t, expiry, got.EffectiveAt, "deferred change must take effect at the paid period end")
		})
	}
}
