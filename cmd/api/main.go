// cmd/api/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/ry4nng/sfc-library-sys/internal/audit"
	"github.com/ry4nng/sfc-library-sys/internal/catalog"
	"github.com/ry4nng/sfc-library-sys/internal/circulation"
	"github.com/ry4nng/sfc-library-sys/internal/config"
	"github.com/ry4nng/sfc-library-sys/internal/notify"
	"github.com/ry4nng/sfc-library-sys/internal/roster"
	"github.com/ry4nng/sfc-library-sys/internal/search"
	"github.com/ry4nng/sfc-library-sys/internal/store"
	"github.com/ry4nng/sfc-library-sys/internal/store/memstore"
	"github.com/ry4nng/sfc-library-sys/internal/store/pgstore"
	"github.com/ry4nng/sfc-library-sys/internal/sweeper"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := setupTracing(ctx, cfg.OTLPEndpoint)
		if err != nil {
			log.WithError(err).Fatal("failed to set up tracing")
		}
		defer shutdown(context.Background())
	}

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer closeStore()

	var dispatcher notify.Dispatcher = notify.Nop{}
	if cfg.DispatcherURL != "" {
		dispatcher = notify.NewAsync(notify.NewHTTPDispatcher(cfg.DispatcherURL), log)
	}

	var indexer catalog.Indexer
	if cfg.MeiliURL != "" {
		indexer = search.NewMeiliIndexer(cfg.MeiliURL, cfg.MeiliAPIKey)
	}

	catalogSvc := catalog.NewService(st, indexer, log)
	circulationSvc := circulation.NewService(st, dispatcher, circulation.Policy{
		DefaultLoanDays:     cfg.DefaultLoanDays,
		MaxLoansPerUser:     cfg.MaxLoansPerUser,
		BlockAtOverdueCount: cfg.BlockAtOverdueCount,
		LateFeeEnabled:      cfg.LateFeeEnabled,
		DailyLateFeeCents:   cfg.DailyLateFeeCents,
		DueSoonWindow:       cfg.DueSoonWindow,
	}, log)

	sources := map[string]roster.Source{}
	if cfg.RosterURL != "" {
		sources[cfg.RosterSource] = roster.NewHTTPSource(cfg.RosterURL, cfg.RosterAPIKey, 5)
	}
	rosterSvc := roster.NewService(st, sources, uint(cfg.RosterRetries), log)

	reader := audit.NewReader(st)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/api/v1/catalog", catalog.NewHandler(catalogSvc).Routes())
	r.Mount("/api/v1/circulation", circulation.NewHandler(circulationSvc).Routes())
	r.Mount("/api/v1/roster", roster.NewHandler(rosterSvc).Routes())
	r.Mount("/api/v1/audit", audit.NewHandler(reader, st).Routes())

	if cfg.SweepInterval > 0 {
		sw := sweeper.New(st, dispatcher, cfg.DueSoonWindow, log)
		go sw.Run(ctx, cfg.SweepInterval)
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.WithField("port", cfg.Port).Info("circulation core listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown failed")
	}
}

// openStore picks Postgres when DATABASE_URL is set, otherwise the in-memory
// store. The in-memory store loses everything on restart; it exists for
// local development.
func openStore(ctx context.Context, cfg config.Config, log *logrus.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return memstore.New(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	pg := pgstore.New(db)
	if err := pg.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return pg, func() { db.Close() }, nil
}

func setupTracing(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("sfc-library-api"),
			semconv.ServiceVersion(version()),
		)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func version() string {
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		return v
	}
	return "dev"
}
