package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coinharbor/exchange/api"
	"github.com/coinharbor/exchange/internal/config"
	"github.com/coinharbor/exchange/internal/custody"
	"github.com/coinharbor/exchange/internal/database"
	"github.com/coinharbor/exchange/internal/events"
	"github.com/coinharbor/exchange/internal/gateway"
	"github.com/coinharbor/exchange/internal/ledger"
	"github.com/coinharbor/exchange/internal/orders"
	"github.com/coinharbor/exchange/internal/pricing"
	"github.com/coinharbor/exchange/internal/recorder"
	"github.com/coinharbor/exchange/internal/wallets"
	"github.com/coinharbor/exchange/pkg/logger"
	"github.com/coinharbor/exchange/pkg/models"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	var oracle pricing.Oracle = pricing.NewCoinGeckoClient(log, cfg.Oracle.BaseURL, cfg.Oracle.Timeout)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		oracle = pricing.NewCachedOracle(log, oracle, rdb, cfg.Oracle.CacheTTL)
		log.Info("price cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	var publisher orders.FillPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaFillPublisher(log, cfg.Kafka.Brokers, cfg.Kafka.FillTopic)
		defer kp.Close()
		publisher = kp
		log.Info("fill publisher enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.FillTopic))
	}

	ledgerSvc := ledger.NewService(log, db)
	recorderSvc := recorder.NewService(log, db)
	orderSvc := orders.NewService(log, db, ledgerSvc, recorderSvc, oracle, publisher)

	provisioner := custody.NewClient(log, cfg.Custody.BaseURL, cfg.Custody.APIKey, cfg.Custody.Timeout)
	gateways := map[string]gateway.Client{
		models.GatewayStripe:   gateway.NewStripeClient(log, cfg.Stripe.BaseURL, cfg.Stripe.SecretKey, 10*time.Second),
		models.GatewayRazorpay: gateway.NewRazorpayClient(log, cfg.Razorpay.BaseURL, cfg.Razorpay.KeyID, cfg.Razorpay.KeySecret, 10*time.Second),
	}
	walletSvc := wallets.NewService(log, db, ledgerSvc, recorderSvc, provisioner, gateways)

	scheduler := orders.NewScheduler(log, db, orderSvc, oracle, cfg.Scheduler.Interval)
	if err := scheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start matching scheduler: %w", err)
	}
	defer scheduler.Stop()

	srv := api.NewServer(log, cfg, walletSvc, orderSvc, oracle)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop http server: %w", err)
	}
	return nil
}
