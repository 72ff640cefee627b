package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/novatrade/exchange/api"
	"github.com/novatrade/exchange/internal/config"
	"github.com/novatrade/exchange/internal/coordinator"
	"github.com/novatrade/exchange/internal/holdings"
	"github.com/novatrade/exchange/internal/messaging"
	"github.com/novatrade/exchange/internal/notifier"
	"github.com/novatrade/exchange/internal/orders"
	"github.com/novatrade/exchange/internal/settlement"
	"github.com/novatrade/exchange/internal/wallet"
	"github.com/novatrade/exchange/pkg/logger"
	"github.com/novatrade/exchange/pkg/models"
	"github.com/novatrade/exchange/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		zapLogger.Fatal("failed to migrate schema", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	producer := messaging.NewKafkaProducer(cfg.Kafka.Brokers, zapLogger)
	defer producer.Close()

	walletSvc := wallet.NewService(db, zapLogger, wallet.Config{
		NativeCurrency: cfg.Ledger.NativeCurrency,
		InitialGrant:   cfg.Ledger.InitialGrant,
	}, retry.DefaultCAS)
	journal := orders.NewRepository(db, zapLogger)
	holdingsSvc := holdings.NewService(db, zapLogger)
	coordSvc := coordinator.NewService(walletSvc, journal, producer, coordinator.Config{
		OrdersTopic:    messaging.Topic(cfg.Kafka.OrdersTopic),
		NativeCurrency: cfg.Ledger.NativeCurrency,
		UserAliases:    cfg.Ledger.UserAliases,
	}, zapLogger)

	push := notifier.NewRedisNotifier(redisClient, zapLogger)
	fillProc := settlement.NewFillProcessor(journal, walletSvc, holdingsSvc, zapLogger)
	statusProc := settlement.NewStatusProcessor(journal, walletSvc, push, cfg.Ledger.NativeCurrency, zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fillConsumer := messaging.NewKafkaConsumer(cfg.Kafka.Brokers,
		messaging.Topic(cfg.Kafka.FillsTopic), cfg.Kafka.ConsumerGroup, zapLogger)
	defer fillConsumer.Close()
	go func() {
		if err := fillConsumer.Run(ctx, fillProc.Handle); err != nil && ctx.Err() == nil {
			zapLogger.Error("fill consumer stopped", zap.Error(err))
		}
	}()

	statusConsumer := messaging.NewKafkaConsumer(cfg.Kafka.Brokers,
		messaging.Topic(cfg.Kafka.OrderStatusTopic), cfg.Kafka.ConsumerGroup, zapLogger)
	defer statusConsumer.Close()
	go func() {
		if err := statusConsumer.Run(ctx, statusProc.Handle); err != nil && ctx.Err() == nil {
			zapLogger.Error("status consumer stopped", zap.Error(err))
		}
	}()

	server := api.NewServer(coordSvc, walletSvc, journal, holdingsSvc, cfg.Ledger.UserAliases, zapLogger)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Handler(),
	}
	go func() {
		zapLogger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("http shutdown failed", zap.Error(err))
		os.Exit(1)
	}
}
