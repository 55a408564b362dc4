// Package main запускает HTTP-сервер сервиса расчётов по заказам.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/commerce-settlement/internal/config"
	"github.com/mmeshcher/commerce-settlement/internal/handler"
	"github.com/mmeshcher/commerce-settlement/internal/ledger"
	"github.com/mmeshcher/commerce-settlement/internal/notify"
	"github.com/mmeshcher/commerce-settlement/internal/repository"
	"github.com/mmeshcher/commerce-settlement/internal/retry"
	"github.com/mmeshcher/commerce-settlement/internal/service"
)

// store объединяет контракт сервиса и хранилищ, используемых учётом баланса и остатков.
type store interface {
	service.Repository
	ledger.BalanceStore
	ledger.StockStore
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := openStore(cfg, logger)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var sink service.NotificationSink
	if cfg.NotifyWebhookAddress != "" {
		sink = notify.NewWebhookSink(cfg.NotifyWebhookAddress, logger.Named("notify"))
	} else {
		sink = notify.NewLogSink(logger.Named("notify"))
	}

	policy := retry.DefaultPolicy()
	policy.Attempts = cfg.RetryAttempts
	policy.Delay = cfg.RetryDelay

	balances := ledger.NewBalanceLedger(repo, policy, cfg.MaxChargeAmount, logger.Named("ledger"))
	stock := ledger.NewStockLedger(repo, policy, logger.Named("ledger"))

	svc := service.NewService(repo, balances, stock, sink, logger.Named("service"))
	defer svc.Close()

	h := handler.NewHandler(svc, logger)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting settlement server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func openStore(cfg *config.Config, logger *zap.Logger) (store, error) {
	if cfg.DatabaseURI == "" {
		logger.Warn("DATABASE_URI is empty, using in-memory store")
		return repository.NewMemoryRepository(), nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}
