package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mcclellann/opledger/pkg/config"
	"github.com/mcclellann/opledger/pkg/ledger"
	"github.com/mcclellann/opledger/pkg/logging"
	"github.com/mcclellann/opledger/pkg/metrics"
	"github.com/mcclellann/opledger/pkg/quota"
	"github.com/mcclellann/opledger/pkg/schedule"
	"github.com/mcclellann/opledger/pkg/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("OPLEDGER_CONFIG"))
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.NewLogger(cfg.Log.Level)

	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize SQLite store")
	}
	defer sqliteStore.Close()

	collector := metrics.NewCollector()
	l := ledger.NewLedger(
		sqliteStore,
		quota.NewEvaluator(sqliteStore, cfg.Quota.ModuleMapping, logger),
		schedule.NewGenerator(cfg.Schedule.AbsorbRemainder),
		logger,
		collector,
		ledger.Options{
			DefaultCurrency:     cfg.Ledger.DefaultCurrency,
			EnforceFeatureQuota: cfg.Ledger.EnforceFeatureQuota,
		},
	)
	server := NewServer(l, logger, collector)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
}
