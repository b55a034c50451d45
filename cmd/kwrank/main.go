// Command kwrank serves the keyword combination engine over HTTP and MCP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/kwrank/combos"
	"github.com/hazyhaar/kwrank/dbopen"
	"github.com/hazyhaar/kwrank/observability"
	"github.com/hazyhaar/kwrank/shield"

	_ "modernc.org/sqlite"
)

const version = "0.1.0"

func main() {
	port := env("PORT", "8090")
	dbPath := env("DB_PATH", "data/kwrank.db")
	cacheBackend := env("CACHE_BACKEND", "sqlite")
	buntPath := env("BUNT_PATH", "data/cache.bunt")
	metricsPath := env("METRICS_DB_PATH", "data/metrics.db")
	configPath := env("KWRANK_CONFIG", "")
	searchURL := env("SEARCH_URL", "")
	logLevel := env("LOG_LEVEL", "info")

	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := combos.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = combos.LoadConfigFile(configPath); err != nil {
			slog.Error("load config", "error", err)
			os.Exit(1)
		}
	}
	if searchURL != "" {
		cfg.Search.URLTemplate = searchURL
	}

	db, err := dbopen.Open(dbPath, dbopen.WithSchema(combos.Schema), dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var opts []combos.Option
	switch cacheBackend {
	case "sqlite":
	case "bunt":
		bunt, err := combos.OpenBuntBackend(buntPath)
		if err != nil {
			slog.Error("open bunt cache", "path", buntPath, "error", err)
			os.Exit(1)
		}
		defer bunt.Close()
		opts = append(opts, combos.WithBackend(bunt))
	default:
		slog.Error("unknown CACHE_BACKEND", "value", cacheBackend)
		os.Exit(1)
	}

	if metricsPath != "off" {
		mdb, err := dbopen.Open(metricsPath, dbopen.WithSchema(observability.Schema), dbopen.WithMkdirAll())
		if err != nil {
			slog.Error("open metrics database", "path", metricsPath, "error", err)
			os.Exit(1)
		}
		defer mdb.Close()
		mm := observability.NewMetricsManager(mdb, 100, 5*time.Second, logger)
		defer mm.Close()
		opts = append(opts, combos.WithMetrics(mm))
	}

	svc, err := combos.New(db, cfg, logger, opts...)
	if err != nil {
		slog.Error("init combos", "error", err)
		os.Exit(1)
	}
	svc.Start(ctx)

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "kwrank", Version: version}, nil)
	svc.RegisterMCP(mcpSrv)

	rl := shield.NewRateLimiter(envFloat("CLIENT_RPS", 5), envInt("CLIENT_BURST", 20), "/healthz")
	rl.StartGC(10*time.Minute, ctx.Done())

	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(rl) {
		r.Use(mw)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	r.Route("/api", func(r chi.Router) {
		r.Use(combos.TenantHeader)
		svc.Routes(r)
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port, "cache", cacheBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f > 0 {
		return f
	}
	return def
}
