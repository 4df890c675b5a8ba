package ledger

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/pocketpoints/server/models"
)

// Config holds the global tunables read at the start of every transaction.
type Config struct {
	SelfEarningLimit            int
	ReferralActivationThreshold int
	ReferralActivationBonus     int
	// Version of the persisted overrides, 0 when none exist.
	Version int
}

var defaultConfig = Config{
	SelfEarningLimit:            7500,
	ReferralActivationThreshold: 10,
	ReferralActivationBonus:     500,
}

// DefaultConfig returns the built-in tunables.
func DefaultConfig() Config {
	return defaultConfig
}

// Merge overlays the non-nil columns of s onto c.
func (c Config) Merge(s models.GlobalSetting) Config {
	if s.SelfEarningLimit != nil {
		c.SelfEarningLimit = *s.SelfEarningLimit
	}
	if s.ReferralActivationThreshold != nil {
		c.ReferralActivationThreshold = *s.ReferralActivationThreshold
	}
	if s.ReferralActivationBonus != nil {
		c.ReferralActivationBonus = *s.ReferralActivationBonus
	}
	c.Version = s.Version
	return c
}

// LoadConfig reads the persisted overrides through db (which may be a transaction).
func LoadConfig(ctx context.Context, db *gorm.DB) (Config, error) {
	var row models.GlobalSetting
	err := db.WithContext(ctx).Take(&row, models.GlobalSettingID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("load global settings: %w", err)
	}
	return DefaultConfig().Merge(row), nil
}
