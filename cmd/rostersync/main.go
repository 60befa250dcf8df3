// cmd/rostersync/main.go
//
// One-shot roster sync against the configured directory. Safe to rerun: an
// aborted run resumes from the last committed page.
package main

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/ry4nng/sfc-library-sys/internal/config"
	"github.com/ry4nng/sfc-library-sys/internal/roster"
	"github.com/ry4nng/sfc-library-sys/internal/store/pgstore"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.RosterURL == "" {
		log.Fatal("ROSTER_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	st := pgstore.New(db)
	if err := st.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("failed to migrate")
	}

	sources := map[string]roster.Source{
		cfg.RosterSource: roster.NewHTTPSource(cfg.RosterURL, cfg.RosterAPIKey, 5),
	}
	svc := roster.NewService(st, sources, uint(cfg.RosterRetries), log)

	result, err := svc.Sync(ctx, cfg.RosterSource)
	if err != nil {
		log.WithError(err).Fatal("roster sync failed")
	}
	log.WithFields(logrus.Fields{
		"source":          result.Source,
		"pages":           result.Pages,
		"records_changed": result.RecordsChanged,
	}).Info("roster sync complete")
}
