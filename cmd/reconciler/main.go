package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fintrackhq/ledger-service/internal/config"
	"github.com/fintrackhq/ledger-service/internal/logger"
	"github.com/fintrackhq/ledger-service/internal/repo"
	"github.com/fintrackhq/ledger-service/internal/service"
)

// Periodic balance-integrity sweep: verifies every wallet's cached balance
// against its recalculated one and, when auto-repair is on, overwrites
// drifted balances. Runs out-of-band from the write path.
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	svc := service.NewLedgerService(repository, log, service.Limits{
		MaxAbsDeltaUSD:    cfg.Integrity.MaxAbsDeltaUSD,
		DriftToleranceUSD: cfg.Integrity.DriftToleranceUSD,
	})

	every := cfg.Integrity.SweepEvery()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	log.Infof("ledger-reconciler started, sweep every %s, auto_repair=%v",
		every, cfg.Integrity.AutoRepair)
	for ; ; <-ticker.C {
		sweep(context.Background(), svc, repository, cfg.Integrity.AutoRepair, log)
	}
}

func sweep(ctx context.Context, svc *service.LedgerService, repository repo.RepositoryInterface, autoRepair bool, log *zap.SugaredLogger) {
	wallets, err := repository.ListWalletIDs(ctx)
	if err != nil {
		log.Errorf("list wallets: %v", err)
		return
	}
	drifted := 0
	for _, w := range wallets {
		res, err := svc.VerifyBalanceUSD(ctx, w.ID, w.UserID)
		if err != nil {
			log.Errorf("verify wallet %d: %v", w.ID, err)
			continue
		}
		if res.OK {
			continue
		}
		drifted++
		if autoRepair {
			rep, err := svc.RepairBalanceUSD(ctx, w.ID, w.UserID)
			if err != nil {
				log.Errorf("repair wallet %d: %v", w.ID, err)
				continue
			}
			log.Infow("wallet repaired", "wallet_id", w.ID,
				"old_usd", rep.OldUSD.StringFixed(2), "new_usd", rep.NewUSD.StringFixed(2))
		}
	}
	log.Infow("sweep done", "wallets", len(wallets), "drifted", drifted)
}
