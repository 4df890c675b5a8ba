package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pocketpoints/server/ledger"
	"github.com/pocketpoints/server/utils"
)

// ConfigController serves the effective reward limits so clients can render them.
type ConfigController struct {
	db *gorm.DB
}

func NewConfigController(db *gorm.DB) *ConfigController { return &ConfigController{db: db} }

// GetRewards returns the global tunables merged over their defaults, plus the fixed limits.
func (c *ConfigController) GetRewards(ctx *gin.Context) {
	cfg, err := ledger.LoadConfig(ctx.Request.Context(), c.db)
	if err != nil {
		utils.Logger.Error("load reward config failed", zap.String("request_id", ctx.GetString("request_id")), zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, 50010, "config unavailable")
		return
	}
	missions := gin.H{}
	for _, tier := range []int{10, 30, 50} {
		reward, _ := ledger.MissionReward(tier)
		missions[strconv.Itoa(tier)] = reward
	}
	utils.Success(ctx, gin.H{
		"self_earning_limit":            cfg.SelfEarningLimit,
		"referral_activation_threshold": cfg.ReferralActivationThreshold,
		"referral_activation_bonus":     cfg.ReferralActivationBonus,
		"ad_cooldown_seconds":           int(ledger.AdCooldown.Seconds()),
		"max_daily_ads":                 ledger.MaxDailyAds,
		"max_daily_fallbacks":           ledger.MaxDailyFallbacks,
		"fallback_points":               ledger.FallbackPoints,
		"max_daily_spin_ads":            ledger.MaxDailySpinAds,
		"mission_rewards":               missions,
	})
}
