package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pocketpoints/server/models"
)

const (
	// IPDailyLimit is the number of rewarded requests one IP may make per day.
	IPDailyLimit = 200
	// BanDuration is how long an IP stays blocked after exceeding IPDailyLimit.
	BanDuration = 24 * time.Hour
)

// Sign returns the hex HMAC-SHA256 of "<userID>_<timestamp>".
func Sign(secret []byte, userID uint, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatUint(uint64(userID), 10) + "_" + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against Sign in constant time.
func VerifySignature(secret []byte, userID uint, timestamp, signature string) bool {
	expected := Sign(secret, userID, timestamp)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// NormalizeIP turns a remote address into a storage-safe key. Unparseable input
// yields "".
func NormalizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return r
		}
		return '_'
	}, ip.String())
}

type guard struct {
	secret  []byte
	maxSkew time.Duration
}

// checkSignature verifies the request signature and, when a skew window is
// configured, that timestamp is unix milliseconds close to now.
func (g guard) checkSignature(userID uint, timestamp, signature string, now time.Time) error {
	if timestamp == "" || !VerifySignature(g.secret, userID, timestamp, signature) {
		return reject(KindPermissionDenied, "signature verification failed")
	}
	if g.maxSkew <= 0 {
		return nil
	}
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return reject(KindPermissionDenied, "malformed request timestamp")
	}
	skew := now.Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > g.maxSkew {
		return reject(KindPermissionDenied, "request timestamp outside the accepted window")
	}
	return nil
}

// banIssued asks the engine to commit the ban write and then reject the request.
type banIssued struct {
	reason *Error
}

func (b *banIssued) Error() string { return b.reason.Error() }

// admitIP runs the ban check and the per-IP daily counter inside tx. The counter
// increment is staged and only commits with the rest of the request.
func (g guard) admitIP(tx *gorm.DB, rawIP, key, day string, now time.Time) error {
	if key == "" {
		return nil
	}

	var ban models.BanRecord
	err := tx.Where("ip_key = ?", key).Take(&ban).Error
	switch {
	case err == nil && ban.Active(now):
		return reject(KindPermissionDenied, "requests from this address are blocked")
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("load ban record: %w", err)
	}

	var act models.IPActivity
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("day = ? AND ip_key = ?", day, key).Take(&act).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		act = models.IPActivity{Day: day, IPKey: key}
	} else if err != nil {
		return fmt.Errorf("load ip activity: %w", err)
	}

	if act.Count >= IPDailyLimit {
		ban = models.BanRecord{IPKey: key, IP: rawIP, ExpiresAt: now.Add(BanDuration), CreatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ip_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"ip", "expires_at"}),
		}).Create(&ban).Error; err != nil {
			return fmt.Errorf("write ban record: %w", err)
		}
		return &banIssued{reason: reject(KindResourceExhausted, "daily request limit exceeded for this address")}
	}

	if act.ID == 0 {
		act.Count = 1
		act.UpdatedAt = now
		if err := tx.Create(&act).Error; err != nil {
			return fmt.Errorf("create ip activity: %w", err)
		}
		return nil
	}
	res := tx.Model(&models.IPActivity{}).
		Where("id = ? AND version = ?", act.ID, act.Version).
		Updates(map[string]any{"count": act.Count + 1, "version": act.Version + 1, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("bump ip activity: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errWriteConflict
	}
	return nil
}
