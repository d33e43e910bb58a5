// Command formcheck serves the bowling form upload site and runs the analysis worker.
// It:
//   - Loads configuration (defaults, optional TOML file, environment) and initializes structured logging.
//   - Opens SQLite or Postgres and runs versioned migrations.
//   - Seeds the admin password and session secret.
//   - Starts background jobs: the analysis worker, video retention and, when
//     YouTube credentials are configured, the OAuth token refresher.
//   - Serves the upload and admin pages, the JSON API, /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/formcheck/analysis"
	"github.com/onnwee/formcheck/auth"
	"github.com/onnwee/formcheck/config"
	"github.com/onnwee/formcheck/db"
	"github.com/onnwee/formcheck/history"
	"github.com/onnwee/formcheck/media"
	"github.com/onnwee/formcheck/oauth"
	"github.com/onnwee/formcheck/references"
	"github.com/onnwee/formcheck/server"
	"github.com/onnwee/formcheck/telemetry"
	"github.com/onnwee/formcheck/youtubeapi"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.Source != "" {
		slog.Info("config file applied", slog.String("path", cfg.Source))
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("formcheck", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, dialect, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded schema is the fallback for
	// databases created before schema_migrations existed.
	slog.Info("running database migrations", slog.String("dialect", string(dialect)), slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database, dialect); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded schema",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, database); err != nil {
		slog.Error("formcheck exited with error", slog.Any("err", err))
		stop()
		shutdown()
		_ = database.Close()
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

// run wires the stores, the worker and the HTTP server and blocks until ctx
// is canceled or one of them fails.
func run(ctx context.Context, cfg *config.Config, database *sql.DB) error {
	tokens, err := db.NewTokenStore(database, cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	am, err := auth.New(ctx, database, cfg)
	if err != nil {
		return err
	}
	if _, err := am.EnsurePassword(ctx, cfg.AdminPassword); err != nil {
		return err
	}

	videos, err := media.NewStore(cfg.UploadDir)
	if err != nil {
		return err
	}
	refFiles, err := media.NewStore(cfg.ReferenceDir)
	if err != nil {
		return err
	}

	analyzer, err := analysis.New(cfg)
	if err != nil {
		return err
	}
	if _, stub := analyzer.(*analysis.StubAnalyzer); stub {
		slog.Warn("ANALYZER_CMD not set, using the stub analyzer", slog.String("component", "analysis_worker"))
	}
	worker := analysis.NewWorker(database, cfg, analyzer, videos)
	worker.CleanupStores = []*media.Store{refFiles}

	deps := server.Deps{
		Config:     cfg,
		DB:         database,
		Uploads:    history.New(database),
		Videos:     videos,
		References: references.New(database, refFiles),
		Auth:       am,
		Worker:     worker,
	}
	if cfg.PublishingEnabled() {
		yts := youtubeapi.New(cfg, tokens)
		deps.YouTube = yts
		oauth.StartRefresher(ctx, tokens, youtubeapi.Provider, 10*time.Minute, 20*time.Minute, yts.Refresh)
	} else {
		slog.Info("youtube publishing disabled (need YT_CLIENT_ID, YT_CLIENT_SECRET and YT_REDIRECT_URI)")
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		go servePprof()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		analysis.StartRetentionJob(gctx, deps.Uploads, videos, analysis.LoadRetentionPolicy())
		return nil
	})
	g.Go(func() error { return server.Start(gctx, server.NewMux(gctx, deps), cfg.HTTPAddr) })
	return g.Wait()
}

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT. Without
// LOG_FORMAT, output is text on a terminal and JSON otherwise.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	if format == "" {
		format = "json"
		if fd := os.Stdout.Fd(); isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			format = "text"
		}
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format), slog.String("version", version))
}

func servePprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	slog.Info("pprof profiling enabled", slog.String("addr", addr))
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil, // default mux exposes /debug/pprof
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("pprof server error", slog.Any("err", err))
	}
}
