package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pocketpoints/server/config"
	"github.com/pocketpoints/server/ledger"
	"github.com/pocketpoints/server/models"
	"github.com/pocketpoints/server/utils"
)

const (
	jwtSecret = "router-test-jwt"
	adSecret  = "router-test-ad"
)

func newTestServer(t *testing.T) (http.Handler, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:routes_"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.AppConfig{
		JWTSecret:          jwtSecret,
		RateLimitPerMinute: 600,
		AllowedOrigins:     []string{"*"},
		GinMode:            "test",
	}
	engine := ledger.NewEngine(db, ledger.Options{
		Secret:                adSecret,
		DefaultTimezoneOffset: -540,
		Drawer:                ledger.NewSeededDrawer(1),
	})
	return SetupRouter(cfg, db, engine, nil), db
}

func call(t *testing.T, h http.Handler, method, path, token, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.RemoteAddr = "203.0.113.9:4000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var env struct {
		Data map[string]interface{} `json:"data"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w.Code, env.Data
}

func TestPublicRoutes(t *testing.T) {
	h, _ := newTestServer(t)

	if code, data := call(t, h, http.MethodGet, "/health", "", ""); code != http.StatusOK || data["status"] != "ok" {
		t.Fatalf("health = %d %v", code, data)
	}
	if code, _ := call(t, h, http.MethodGet, "/api/v1/rankings", "", ""); code != http.StatusOK {
		t.Fatalf("rankings = %d", code)
	}
	if code, _ := call(t, h, http.MethodGet, "/api/v1/config/rewards", "", ""); code != http.StatusOK {
		t.Fatalf("config = %d", code)
	}
	if code, _ := call(t, h, http.MethodGet, "/api/v1/nope", "", ""); code != http.StatusNotFound {
		t.Fatalf("unknown route = %d", code)
	}
	if code, data := call(t, h, http.MethodGet, "/api/v1/rewards/status", "", ""); code != http.StatusUnauthorized || data["status"] != "unauthenticated" {
		t.Fatalf("status without token = %d %v", code, data)
	}
}

func TestAdRewardFlow(t *testing.T) {
	h, db := newTestServer(t)
	u := models.User{Email: "erin@example.com", ReferralCode: "ERIN"}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, err := utils.GenerateToken(jwtSecret, u.ID, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := ledger.Sign([]byte(adSecret), u.ID, ts)
	body := `{"signature":"` + sig + `","timestamp":"` + ts + `"}`

	code, data := call(t, h, http.MethodPost, "/api/v1/rewards/ad", token, body)
	if code != http.StatusOK || data["success"] != true {
		t.Fatalf("ad reward = %d %v", code, data)
	}
	reward := int(data["reward"].(float64))

	// Cooldown applies to the immediate retry.
	if code, data := call(t, h, http.MethodPost, "/api/v1/rewards/ad", token, body); code != http.StatusTooManyRequests || data["status"] != "resource-exhausted" {
		t.Fatalf("retry = %d %v", code, data)
	}

	code, data = call(t, h, http.MethodGet, "/api/v1/rewards/status", token, "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if int(data["points"].(float64)) != reward || data["ads_today"] != float64(1) {
		t.Fatalf("status = %v, want %d points and 1 ad", data, reward)
	}

	if code, data := call(t, h, http.MethodPost, "/api/v1/referrals", token, `{"referralCode":"ERIN"}`); code != http.StatusBadRequest || data["status"] != "invalid-argument" {
		t.Fatalf("own code = %d %v", code, data)
	}
}
