package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pocketpoints/server/ledger"
	"github.com/pocketpoints/server/middleware"
	"github.com/pocketpoints/server/utils"
)

// Ledger is the reward engine as seen by the HTTP layer.
type Ledger interface {
	RequestAdReward(ctx context.Context, req ledger.AdRequest) (ledger.Grant, error)
	RequestFallbackReward(ctx context.Context, userID uint, offset *int) (ledger.Grant, error)
	ClaimMissionReward(ctx context.Context, userID uint, tier int, offset *int) (ledger.Grant, error)
	RequestRouletteReward(ctx context.Context, userID uint, offset *int) (ledger.Grant, error)
	RequestSpinAdReward(ctx context.Context, userID uint, offset *int) error
	SubmitReferralCode(ctx context.Context, userID uint, code string) error
	Status(ctx context.Context, userID uint, offset *int) (ledger.Status, error)
}

// RewardController exposes the reward ledger operations.
type RewardController struct {
	ledger Ledger
}

// NewRewardController creates a new controller instance.
func NewRewardController(l Ledger) *RewardController {
	return &RewardController{ledger: l}
}

// flexString accepts a JSON string or number. Clients send the signed timestamp
// as either.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("timestamp must be a string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

type adRewardRequest struct {
	Signature      string     `json:"signature"`
	Timestamp      flexString `json:"timestamp"`
	TimezoneOffset *int       `json:"timezoneOffset"`
	// Outcome is the ad bridge result; empty means completed.
	Outcome string `json:"outcome"`
}

type dayRequest struct {
	TimezoneOffset *int   `json:"timezoneOffset"`
	Outcome        string `json:"outcome"`
}

type missionRequest struct {
	Tier           int  `json:"tier"`
	TimezoneOffset *int `json:"timezoneOffset"`
}

type referralRequest struct {
	ReferralCode string `json:"referralCode"`
}

// RequestAdReward handles POST /rewards/ad.
func (r *RewardController) RequestAdReward(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		rejectUnauthorized(ctx)
		return
	}
	var req adRewardRequest
	if !bindOptional(ctx, &req) {
		return
	}
	if !checkOutcome(ctx, req.Outcome, ledger.AdOutcome.Rewardable, "only completed ads earn the ad reward") {
		return
	}

	grant, err := r.ledger.RequestAdReward(ctx.Request.Context(), ledger.AdRequest{
		UserID:         userID,
		Signature:      req.Signature,
		Timestamp:      string(req.Timestamp),
		TimezoneOffset: req.TimezoneOffset,
		RemoteIP:       ctx.ClientIP(),
	})
	if err != nil {
		writeLedgerError(ctx, "ad_reward", err)
		return
	}
	utils.Success(ctx, gin.H{"success": true, "reward": grant.Reward, "message": grant.Message})
}

// RequestFallbackReward handles POST /rewards/fallback.
func (r *RewardController) RequestFallbackReward(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		rejectUnauthorized(ctx)
		return
	}
	var req dayRequest
	if !bindOptional(ctx, &req) {
		return
	}
	if req.Outcome != "" && !checkOutcome(ctx, req.Outcome, ledger.AdOutcome.FallbackEligible, "completed ads must claim the ad reward") {
		return
	}

	grant, err := r.ledger.RequestFallbackReward(ctx.Request.Context(), userID, req.TimezoneOffset)
	if err != nil {
		writeLedgerError(ctx, "fallback_reward", err)
		return
	}
	utils.Success(ctx, gin.H{"success": true, "reward": grant.Reward, "message": grant.Message})
}

// RequestRouletteReward handles POST /rewards/roulette.
func (r *RewardController) RequestRouletteReward(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		rejectUnauthorized(ctx)
		return
	}
	var req dayRequest
	if !bindOptional(ctx, &req) {
		return
	}
	grant, err := r.ledger.RequestRouletteReward(ctx.Request.Context(), userID, req.TimezoneOffset)
	if err != nil {
		writeLedgerError(ctx, "roulette", err)
		return
	}
	utils.Success(ctx, gin.H{"success": true, "reward": grant.Reward})
}

// RequestSpinAdReward handles POST /rewards/roulette/unlock.
func (r *RewardController) RequestSpinAdReward(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		rejectUnauthorized(ctx)
		return
	}
	var req dayRequest
	if !bindOptional(ctx, &req) {
		return
	}
	if !checkOutcome(ctx, req.Outcome, ledger.AdOutcome.Rewardable, "only completed ads unlock the second spin") {
		return
	}
	if err := r.ledger.RequestSpinAdReward(ctx.Request.Context(), userID, req.TimezoneOffset); err != nil {
		writeLedgerError(ctx, "spin_ad", err)
		return
	}
	utils.Success(ctx, gin.H{"success": true})
}

// ClaimMissionReward handles POST /missions/claim.
func (r *RewardController) ClaimMissionReward(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		rejectUnauthorized(ctx)
		return
	}
	var req missionRequest
	if !bindOptional(ctx, &req) {
		return
	}
	grant, err := r.ledger.ClaimMissionReward(ctx.Request.Context(), userID, req.Tier, req.TimezoneOffset)
	if err != nil {
		writeLedgerError(ctx, "mission_claim", err)
		return
	}
	utils.Success(ctx, gin.H{"success": true, "reward": grant.Reward})
}

// SubmitReferralCode handles POST /referrals.
func (r *RewardController) SubmitReferralCode(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		rejectUnauthorized(ctx)
		return
	}
	var req referralRequest
	if !bindOptional(ctx, &req) {
		return
	}
	code := utils.SanitizeCode(req.ReferralCode)
	if err := r.ledger.SubmitReferralCode(ctx.Request.Context(), userID, code); err != nil {
		writeLedgerError(ctx, "referral", err)
		return
	}
	utils.Success(ctx, gin.H{"success": true, "message": "referral code registered"})
}

// Status handles GET /rewards/status?timezoneOffset=-540.
func (r *RewardController) Status(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		rejectUnauthorized(ctx)
		return
	}
	var offset *int
	if raw := ctx.Query("timezoneOffset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			utils.Reject(ctx, http.StatusBadRequest, 40010, string(ledger.KindInvalidArgument), "timezoneOffset must be an integer")
			return
		}
		offset = &v
	}
	st, err := r.ledger.Status(ctx.Request.Context(), userID, offset)
	if err != nil {
		writeLedgerError(ctx, "status", err)
		return
	}
	utils.Success(ctx, st)
}

// bindOptional decodes a JSON body when one is present. An empty body leaves out untouched.
func bindOptional(ctx *gin.Context, out interface{}) bool {
	if ctx.Request.Body == nil || ctx.Request.ContentLength == 0 {
		return true
	}
	if err := ctx.ShouldBindJSON(out); err != nil {
		utils.Reject(ctx, http.StatusBadRequest, 40010, string(ledger.KindInvalidArgument), "invalid request body")
		return false
	}
	return true
}

// checkOutcome validates an optional ad outcome with accept. Empty means completed.
func checkOutcome(ctx *gin.Context, raw string, accept func(ledger.AdOutcome) bool, msg string) bool {
	outcome := ledger.AdCompleted
	if raw != "" {
		var ok bool
		if outcome, ok = ledger.ParseAdOutcome(raw); !ok {
			utils.Reject(ctx, http.StatusBadRequest, 40010, string(ledger.KindInvalidArgument), "unknown ad outcome")
			return false
		}
	}
	if !accept(outcome) {
		utils.Reject(ctx, http.StatusPreconditionFailed, 41210, string(ledger.KindFailedPrecondition), msg)
		return false
	}
	return true
}

var kindStatus = map[ledger.Kind]struct {
	status int
	code   int
}{
	ledger.KindUnauthenticated:    {http.StatusUnauthorized, 40110},
	ledger.KindPermissionDenied:   {http.StatusForbidden, 40310},
	ledger.KindResourceExhausted:  {http.StatusTooManyRequests, 42910},
	ledger.KindFailedPrecondition: {http.StatusPreconditionFailed, 41210},
	ledger.KindInvalidArgument:    {http.StatusBadRequest, 40010},
	ledger.KindAlreadyExists:      {http.StatusConflict, 40910},
	ledger.KindNotFound:           {http.StatusNotFound, 40410},
	ledger.KindAborted:            {http.StatusInternalServerError, 50011},
	ledger.KindInternal:           {http.StatusInternalServerError, 50010},
}

// writeLedgerError maps a ledger error onto the response envelope. Unclassified
// errors are logged and reported as internal.
func writeLedgerError(ctx *gin.Context, op string, err error) {
	kind := ledger.KindOf(err)
	m, ok := kindStatus[kind]
	if !ok {
		kind, m = ledger.KindInternal, kindStatus[ledger.KindInternal]
	}
	msg := "internal error"
	var le *ledger.Error
	if errors.As(err, &le) {
		msg = le.Message
	} else {
		utils.Logger.Error("ledger operation failed",
			zap.String("op", op), zap.String("request_id", ctx.GetString("request_id")), zap.Error(err))
	}
	utils.Reject(ctx, m.status, m.code, string(kind), msg)
}

func rejectUnauthorized(ctx *gin.Context) {
	utils.Reject(ctx, http.StatusUnauthorized, 40110, string(ledger.KindUnauthenticated), "unauthorized")
}

func getUserID(ctx *gin.Context) (uint, bool) {
	v, ok := ctx.Get(middleware.ContextUserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok && id != 0
}
