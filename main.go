package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pocketpoints/server/config"
	"github.com/pocketpoints/server/jobs"
	"github.com/pocketpoints/server/ledger"
	"github.com/pocketpoints/server/routes"
	"github.com/pocketpoints/server/utils"
)

func main() {
	cfg := config.Load()

	// Initialize logger early
	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}
	defer func() { _ = utils.Logger.Sync() }()

	db := config.InitDatabase()

	engine := ledger.NewEngine(db, ledger.Options{
		Secret:                cfg.AdRewardSecret,
		SignatureMaxSkew:      time.Duration(cfg.AdSignatureMaxSkewSec) * time.Second,
		DefaultTimezoneOffset: cfg.DefaultTimezoneOffset,
		MaxAttempts:           cfg.MaxTxAttempts,
		Drawer:                newDrawer(cfg.DrawSeed),
		Logger:                utils.Logger.Named("ledger"),
	})

	// Redis is optional; without it rankings are read straight from the database.
	cache := utils.NewRedisCache(utils.GetRedis())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := jobs.NewScheduler(utils.Logger.Named("jobs"))
	addJobs(sched, cfg, db, cache)
	sched.Start(ctx)

	r := routes.SetupRouter(cfg, db, engine, cache)

	utils.Sugar.Infof("Starting server on port %s (graceful)", cfg.AppPort)
	if err := utils.NewServer(":"+cfg.AppPort, r).ListenAndServe(ctx); err != nil {
		utils.Logger.Error("server stopped with error", zap.Error(err))
	}
	stop()
	sched.Wait()
}

func newDrawer(seed uint64) ledger.Drawer {
	if seed != 0 {
		utils.Sugar.Warnf("reward draws use the fixed seed %d", seed)
		return ledger.NewSeededDrawer(seed)
	}
	seed, err := ledger.NewSeed()
	if err != nil {
		utils.Logger.Warn("seed draws from the system source", zap.Error(err))
		return ledger.SystemDrawer()
	}
	return ledger.NewSeededDrawer(seed)
}

func addJobs(sched *jobs.Scheduler, cfg config.AppConfig, db *gorm.DB, cache utils.Cache) {
	sched.Add(jobs.Job{
		Name:       "rankings",
		Interval:   time.Duration(cfg.RankingIntervalMin) * time.Minute,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			_, err := jobs.PublishRankings(ctx, db, cache, time.Now().UTC())
			return err
		},
	})
	sched.Add(jobs.Job{
		Name:     "referral_sync",
		Interval: time.Duration(cfg.ReferralSyncIntervalMin) * time.Minute,
		Run: func(ctx context.Context) error {
			n, err := jobs.SyncReferralCounts(ctx, db)
			if n > 0 {
				utils.Logger.Info("referral counts synced", zap.Int("updated", n))
			}
			return err
		},
	})
}
