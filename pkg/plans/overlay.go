package plans

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// overlayFile is the on-disk shape of a plan-table overlay. Operations can
// ship one alongside the daemon to adjust seat quotas or add SKUs without a
// rebuild.
type overlayFile struct {
	Plans []overlayPlan `yaml:"plans"`
}

type overlayPlan struct {
	ProductID  string `yaml:"productId"`
	Group      string `yaml:"group"`
	Tier       string `yaml:"tier"`
	TierRank   int    `yaml:"tierRank"`
	MaxSeats   int    `yaml:"maxSeats"`
	PeriodDays int    `yaml:"periodDays"`
}

// LoadOverlay reads a YAML overlay file and replaces the active plan table
// with its contents. The overlay must be complete; a partial file is an
// error rather than a merge.
func LoadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plan overlay: %w", err)
	}

	var file overlayFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse plan overlay: %w", err)
	}
	if len(file.Plans) == 0 {
		return fmt.Errorf("plan overlay %s contains no plans", path)
	}

	list := make([]Meta, 0, len(file.Plans))
	for i, p := range file.Plans {
		if p.ProductID == "" {
			return fmt.Errorf("plan overlay entry %d has no productId", i)
		}
		if p.TierRank <= 0 {
			return fmt.Errorf("plan overlay entry %q has invalid tierRank %d", p.ProductID, p.TierRank)
		}
		seats := p.MaxSeats
		if seats <= 0 {
			seats = 1
		}
		period := monthly
		if p.PeriodDays > 0 {
			period = time.Duration(p.PeriodDays) * 24 * time.Hour
		}
		list = append(list, Meta{
			ProductID: p.ProductID,
			Group:     Group(p.Group),
			Tier:      Tier(p.Tier),
			TierRank:  p.TierRank,
			MaxSeats:  seats,
			Period:    period,
		})
	}

	Replace(list)
	return nil
}
