package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pocketpoints/server/jobs"
	"github.com/pocketpoints/server/utils"
)

// RankingController serves the published leaderboard.
type RankingController struct {
	db    *gorm.DB
	cache utils.Cache
}

// NewRankingController creates a new RankingController instance. cache may be nil.
func NewRankingController(db *gorm.DB, cache utils.Cache) *RankingController {
	return &RankingController{db: db, cache: cache}
}

// GetRankings returns the last published top-10 snapshot.
func (r *RankingController) GetRankings(ctx *gin.Context) {
	snap, err := jobs.ReadRankings(ctx.Request.Context(), r.db, r.cache)
	if err != nil {
		utils.Logger.Error("read rankings failed", zap.String("request_id", ctx.GetString("request_id")), zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, 50010, "rankings unavailable")
		return
	}
	utils.Success(ctx, gin.H{
		"top10":      snap.Top10,
		"updated_at": snap.UpdatedAt,
	})
}
