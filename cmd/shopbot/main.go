package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/Reaper312-A/tgshop/internal/bot"
	"github.com/Reaper312-A/tgshop/internal/catalog"
	"github.com/Reaper312-A/tgshop/internal/checkout"
	"github.com/Reaper312-A/tgshop/internal/config"
	"github.com/Reaper312-A/tgshop/internal/events"
	"github.com/Reaper312-A/tgshop/internal/gateway"
	"github.com/Reaper312-A/tgshop/internal/ledger"
	"github.com/Reaper312-A/tgshop/internal/profile"
	"github.com/Reaper312-A/tgshop/internal/recon"
	"github.com/Reaper312-A/tgshop/internal/session"
	"github.com/Reaper312-A/tgshop/internal/storage"
)

func main() {
	cfg := config.Load()

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(db, cfg.MigrationsPath); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	var gw gateway.Client
	switch cfg.GatewayProvider {
	case "crystalpay":
		gw = gateway.NewCrystalPay(cfg.GatewayToken, cfg.RubPerUSDT)
	case "cryptopay":
		gw = gateway.NewCryptoPay(cfg.GatewayToken, cfg.GatewayTestMode, cfg.RubPerUSDT)
	default:
		log.Fatalf("unknown gateway provider: %q", cfg.GatewayProvider)
	}

	publisher := events.NewPublisher(cfg.EventsTopic, cfg.KafkaBrokers...)
	defer publisher.Close()

	catalogRepo := catalog.NewRepository(db)
	profileRepo := profile.NewRepository(db)
	orderRepo := ledger.NewRepository(db)
	sessions := session.NewRedisStore(redisClient, cfg.SessionTTL)

	// TODO: replace LogSender with the Telegram delivery adapter once the
	// bot API client lands.
	notifier := bot.NewNotifier(bot.LogSender{})

	reconciler := recon.NewReconciler(gw, orderRepo, notifier, publisher, recon.Config{
		PollInterval:    cfg.PollInterval,
		PollMaxAttempts: cfg.PollMaxAttempts,
		SweepInterval:   cfg.SweepInterval,
		PendingTTL:      cfg.PendingTTL,
	})

	checkoutService := checkout.NewService(
		catalogRepo,
		profileRepo,
		sessions,
		orderRepo,
		gw,
		publisher,
		reconciler,
		cfg.DeliveryFee,
		cfg.MinOrderAmount,
	)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go reconciler.RunSweep(sweepCtx)

	handler := bot.NewHandler(checkoutService, catalogRepo, profileRepo, reconciler)
	router := bot.NewRouter(handler, cfg.RequestTimeout)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		log.Printf("shop bot listening on :%s (gateway: %s)", cfg.HTTPPort, cfg.GatewayProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	stopSweep()
	reconciler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("server exited")
}
