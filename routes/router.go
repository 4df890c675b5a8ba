package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/pocketpoints/server/config"
	"github.com/pocketpoints/server/controllers"
	"github.com/pocketpoints/server/middleware"
	"github.com/pocketpoints/server/utils"
)

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(cfg config.AppConfig, db *gorm.DB, ledger controllers.Ledger, cache utils.Cache) *gin.Engine {
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	// ClientIP feeds the per-IP fraud counters, so only listed proxies may set X-Forwarded-For.
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		utils.Sugar.Warnf("invalid trusted proxies %v: %v", cfg.TrustedProxies, err)
	}

	gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
	if err == nil {
		r.Use(utils.Ginzap(gl, time.RFC3339, true))
		r.Use(utils.RecoveryWithZap(gl, false))
	} else {
		r.Use(gin.Recovery())
	}

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", utils.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", utils.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
		corsCfg.AllowCredentials = true
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(ctx *gin.Context) {
		utils.Success(ctx, gin.H{"status": "ok"})
	})

	rewardController := controllers.NewRewardController(ledger)
	rankingController := controllers.NewRankingController(db, cache)
	configController := controllers.NewConfigController(db)

	api := r.Group("/api/v1")

	// Public endpoints
	api.GET("/rankings", rankingController.GetRankings)
	api.GET("/config/rewards", configController.GetRewards)

	protected := api.Group("")
	protected.Use(middleware.AuthRequired(cfg.JWTSecret), middleware.RateLimitMiddleware(cfg.RateLimitPerMinute))

	protected.GET("/rewards/status", rewardController.Status)
	protected.POST("/rewards/ad", rewardController.RequestAdReward)
	protected.POST("/rewards/fallback", rewardController.RequestFallbackReward)
	protected.POST("/rewards/roulette", rewardController.RequestRouletteReward)
	protected.POST("/rewards/roulette/unlock", rewardController.RequestSpinAdReward)
	protected.POST("/missions/claim", rewardController.ClaimMissionReward)
	protected.POST("/referrals", rewardController.SubmitReferralCode)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Error(ctx, http.StatusNotFound, 40400, "route not found")
	})

	return r
}
