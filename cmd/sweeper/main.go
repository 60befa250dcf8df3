// cmd/sweeper/main.go
//
// Standalone overdue sweeper. With SWEEP_INTERVAL set it runs as a daemon on
// that interval; with SWEEP_INTERVAL=0 it performs a single pass and exits,
// for running under cron. Per-loan conflicts are reported as skips and are
// not failures.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/ry4nng/sfc-library-sys/internal/config"
	"github.com/ry4nng/sfc-library-sys/internal/notify"
	"github.com/ry4nng/sfc-library-sys/internal/store/pgstore"
	"github.com/ry4nng/sfc-library-sys/internal/sweeper"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	st := pgstore.New(db)
	if err := st.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("failed to migrate")
	}

	var dispatcher notify.Dispatcher = notify.Nop{}
	if cfg.DispatcherURL != "" {
		dispatcher = notify.NewAsync(notify.NewHTTPDispatcher(cfg.DispatcherURL), log)
	}

	sw := sweeper.New(st, dispatcher, cfg.DueSoonWindow, log)
	if cfg.SweepInterval > 0 {
		sw.Run(ctx, cfg.SweepInterval)
		return
	}

	result, err := sw.Sweep(ctx)
	if err != nil {
		log.WithError(err).Error("sweep failed")
		os.Exit(1)
	}
	log.WithFields(logrus.Fields{
		"marked_overdue": result.MarkedOverdue,
		"due_soon_sent":  result.DueSoonSent,
		"skipped":        result.Skipped,
	}).Info("sweep complete")
}
