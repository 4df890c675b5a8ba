package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pocketpoints/server/models"
)

const (
	AdCooldown        = 30 * time.Second
	MaxDailyAds       = 50
	MaxDailyFallbacks = 20
	FallbackPoints    = 50
	MaxDailySpinAds   = 1
)

// missionRewards maps a claimable tier (ads watched today) to its reward.
var missionRewards = map[int]int{10: 50, 30: 100, 50: 200}

// MissionReward returns the reward for tier and whether the tier exists.
func MissionReward(tier int) (int, bool) {
	r, ok := missionRewards[tier]
	return r, ok
}

// Grant is the result of a successful reward operation.
type Grant struct {
	Reward  int    `json:"reward"`
	Message string `json:"message,omitempty"`
}

// AdRequest carries the caller-supplied fields of an ad-mission reward.
type AdRequest struct {
	UserID         uint
	Signature      string
	Timestamp      string
	TimezoneOffset *int
	// RemoteIP is the resolved client address.
	RemoteIP string
}

// RequestAdReward grants the ad-mission reward after signature, IP, cap, cooldown
// and daily count checks. It also advances the attendance streak and pays the
// referrer's commission in the same transaction.
func (e *Engine) RequestAdReward(ctx context.Context, req AdRequest) (Grant, error) {
	now := e.now()
	if err := e.guard.checkSignature(req.UserID, req.Timestamp, req.Signature, now); err != nil {
		e.log.Warn("ad reward signature rejected", zap.Uint("user_id", req.UserID), zap.String("ip", req.RemoteIP))
		return Grant{}, err
	}
	requested := e.days.Today(now, req.TimezoneOffset)
	ipDay := e.days.ServerDay(now)
	ipKey := NormalizeIP(req.RemoteIP)

	var (
		grant   Grant
		verdict error
		day     string
	)
	err := e.run(ctx, "ad_reward", func(tx *gorm.DB) error {
		verdict = nil
		if err := e.guard.admitIP(tx, req.RemoteIP, ipKey, ipDay, now); err != nil {
			var issued *banIssued
			if errors.As(err, &issued) {
				verdict = issued.reason
				return nil
			}
			return err
		}

		cfg, err := LoadConfig(ctx, tx)
		if err != nil {
			return err
		}
		u, err := loadCaller(tx, req.UserID)
		if err != nil {
			return err
		}
		day = QuotaDay(u, requested)
		if err := checkSelfCap(cfg, u, day); err != nil {
			return err
		}
		if u.LastAdWatchedAt != nil && now.Sub(*u.LastAdWatchedAt) < AdCooldown {
			return reject(KindResourceExhausted, "please wait %d seconds between ads", int(AdCooldown/time.Second))
		}
		if u.AdCount.On(day) >= MaxDailyAds {
			return reject(KindResourceExhausted, "daily ad limit of %d reached", MaxDailyAds)
		}

		base := AdReward(e.drawer)
		streak, bonus, advanced := NextStreak(u.AttendanceStreak, u.LastAttendanceDay, day)
		total := base + bonus

		grantSelf(u, day, total)
		u.AdCount = u.AdCount.Add(day, 1)
		u.TotalAdCount++
		watched := now
		u.LastAdWatchedAt = &watched
		if advanced {
			u.AttendanceStreak = streak
			u.LastAttendanceDay = day
		}
		if err := saveUser(tx, u); err != nil {
			return err
		}
		if err := recordAttendance(tx, u.ID, day, now); err != nil {
			return err
		}
		if err := payCommission(tx, u, base, now, day); err != nil {
			return err
		}

		grant = Grant{Reward: total, Message: fmt.Sprintf("%dP earned!", base)}
		if bonus > 0 {
			grant.Message = fmt.Sprintf("%dP earned! %d-day streak bonus +%dP", base, streak, bonus)
		}
		return nil
	})
	if err != nil {
		return Grant{}, err
	}
	if verdict != nil {
		e.log.Warn("ip banned after exceeding daily limit",
			zap.String("ip", req.RemoteIP), zap.Int("limit", IPDailyLimit))
		return Grant{}, verdict
	}
	e.log.Info("ad reward granted",
		zap.Uint("user_id", req.UserID), zap.Int("reward", grant.Reward), zap.String("day", day))
	return grant, nil
}

func recordAttendance(tx *gorm.DB, userID uint, day string, now time.Time) error {
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.AttendanceDay{UserID: userID, Day: day, CreatedAt: now}).Error
	if err != nil {
		return fmt.Errorf("record attendance: %w", err)
	}
	return nil
}

// payCommission credits the referrer of u with a share of base.
func payCommission(tx *gorm.DB, u *models.User, base int, now time.Time, day string) error {
	if u.ReferredBy == nil {
		return nil
	}
	referrer, err := lockUser(tx, *u.ReferredBy)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	bonus := Commission(base, referrer.ReferralCount)
	if bonus <= 0 {
		return nil
	}
	referrer.Points += bonus
	referrer.ReferralEarned = referrer.ReferralEarned.Add(day, bonus)
	return saveUser(tx, referrer)
}

// RequestFallbackReward grants the fixed reward used when ad playback fails.
func (e *Engine) RequestFallbackReward(ctx context.Context, userID uint, offset *int) (Grant, error) {
	now := e.now()
	requested := e.days.Today(now, offset)

	var grant Grant
	err := e.run(ctx, "fallback_reward", func(tx *gorm.DB) error {
		cfg, err := LoadConfig(ctx, tx)
		if err != nil {
			return err
		}
		u, err := loadCaller(tx, userID)
		if err != nil {
			return err
		}
		day := QuotaDay(u, requested)
		if err := checkSelfCap(cfg, u, day); err != nil {
			return err
		}
		if u.FallbackCount.On(day) >= MaxDailyFallbacks {
			return reject(KindResourceExhausted, "daily fallback reward limit of %d reached", MaxDailyFallbacks)
		}
		grantSelf(u, day, FallbackPoints)
		u.FallbackCount = u.FallbackCount.Add(day, 1)
		if err := saveUser(tx, u); err != nil {
			return err
		}
		grant = Grant{Reward: FallbackPoints, Message: fmt.Sprintf("Fallback reward: %dP", FallbackPoints)}
		return nil
	})
	if err != nil {
		return Grant{}, err
	}
	return grant, nil
}

// ClaimMissionReward pays the one-shot daily reward for reaching tier ads today.
func (e *Engine) ClaimMissionReward(ctx context.Context, userID uint, tier int, offset *int) (Grant, error) {
	reward, ok := MissionReward(tier)
	if !ok {
		return Grant{}, reject(KindInvalidArgument, "unknown mission tier %d", tier)
	}
	now := e.now()
	requested := e.days.Today(now, offset)

	err := e.run(ctx, "mission_claim", func(tx *gorm.DB) error {
		cfg, err := LoadConfig(ctx, tx)
		if err != nil {
			return err
		}
		u, err := loadCaller(tx, userID)
		if err != nil {
			return err
		}
		day := QuotaDay(u, requested)
		if err := checkSelfCap(cfg, u, day); err != nil {
			return err
		}
		if u.AdCount.On(day) < tier {
			return reject(KindFailedPrecondition, "watch %d ads today to claim this mission", tier)
		}
		if u.MissionClaims.On(day).Has(tier) {
			return reject(KindAlreadyExists, "mission tier %d already claimed today", tier)
		}
		grantSelf(u, day, reward)
		u.MissionClaims = u.MissionClaims.With(day, tier)
		return saveUser(tx, u)
	})
	if err != nil {
		return Grant{}, err
	}
	return Grant{Reward: reward}, nil
}

// RequestRouletteReward spins the roulette: the first spin of the day is free, the
// second needs a recorded spin-unlock ad.
func (e *Engine) RequestRouletteReward(ctx context.Context, userID uint, offset *int) (Grant, error) {
	now := e.now()
	requested := e.days.Today(now, offset)

	var grant Grant
	err := e.run(ctx, "roulette", func(tx *gorm.DB) error {
		cfg, err := LoadConfig(ctx, tx)
		if err != nil {
			return err
		}
		u, err := loadCaller(tx, userID)
		if err != nil {
			return err
		}
		day := QuotaDay(u, requested)
		if err := checkSelfCap(cfg, u, day); err != nil {
			return err
		}
		if err := RouletteStateOf(u, day).Admit(); err != nil {
			return err
		}
		reward := RouletteReward(e.drawer)
		grantSelf(u, day, reward)
		u.RouletteSpins = u.RouletteSpins.Add(day, 1)
		if err := saveUser(tx, u); err != nil {
			return err
		}
		grant = Grant{Reward: reward}
		return nil
	})
	if err != nil {
		return Grant{}, err
	}
	return grant, nil
}

// RequestSpinAdReward records the ad that unlocks the second roulette spin. It
// grants no points.
func (e *Engine) RequestSpinAdReward(ctx context.Context, userID uint, offset *int) error {
	now := e.now()
	requested := e.days.Today(now, offset)

	return e.run(ctx, "spin_ad", func(tx *gorm.DB) error {
		u, err := loadCaller(tx, userID)
		if err != nil {
			return err
		}
		day := QuotaDay(u, requested)
		if u.SpinAdCount.On(day) >= MaxDailySpinAds {
			return reject(KindResourceExhausted, "roulette ad already watched today")
		}
		u.SpinAdCount = u.SpinAdCount.Add(day, 1)
		u.TotalAdCount++
		return saveUser(tx, u)
	})
}

// SubmitReferralCode links the caller to the owner of code. The link is write-once.
func (e *Engine) SubmitReferralCode(ctx context.Context, userID uint, code string) error {
	code = strings.TrimSpace(code)

	return e.run(ctx, "referral", func(tx *gorm.DB) error {
		var referrer models.User
		if code == "" {
			return reject(KindNotFound, "referral code not found")
		}
		err := tx.Select("id").Where("referral_code = ?", code).Take(&referrer).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return reject(KindNotFound, "referral code not found")
		}
		if err != nil {
			return fmt.Errorf("look up referral code: %w", err)
		}
		if referrer.ID == userID {
			return reject(KindInvalidArgument, "you cannot use your own referral code")
		}
		u, err := loadCaller(tx, userID)
		if err != nil {
			return err
		}
		if u.ReferredBy != nil {
			return reject(KindAlreadyExists, "a referral code was already registered")
		}
		referrerID := referrer.ID
		u.ReferredBy = &referrerID
		return saveUser(tx, u)
	})
}
