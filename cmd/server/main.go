package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fintrackhq/ledger-service/internal/config"
	"github.com/fintrackhq/ledger-service/internal/logger"
	"github.com/fintrackhq/ledger-service/internal/model"
	"github.com/fintrackhq/ledger-service/internal/repo"
	"github.com/fintrackhq/ledger-service/internal/service"
	httptransport "github.com/fintrackhq/ledger-service/internal/transport/http"
)

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
	if err := gdb.AutoMigrate(&model.Wallet{}, &model.Entry{}, &model.OutboxEvent{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

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

	router := httptransport.NewRouter(svc, cfg.RateLimit, log)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("ledger-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
