package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gramfix/gramfix/internal/config"
	"github.com/gramfix/gramfix/internal/fetch"
	"github.com/gramfix/gramfix/internal/grid"
	"github.com/gramfix/gramfix/internal/kvcache"
	"github.com/gramfix/gramfix/internal/kvcache/badgerstore"
	"github.com/gramfix/gramfix/internal/kvcache/redisstore"
	"github.com/gramfix/gramfix/internal/logger"
	"github.com/gramfix/gramfix/internal/metrics"
	"github.com/gramfix/gramfix/internal/observability"
	"github.com/gramfix/gramfix/internal/scrape"
	"github.com/gramfix/gramfix/internal/server"
)

var Version = "dev"

const upstreamURL = "https://www.instagram.com"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", config.DefaultPath, "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "gramfix",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	p := metrics.Init(metrics.Config{Version: Version})
	observability.Init(p.Registerer())

	appLog.Info("starting gramfix",
		"addr", cfg.Addr(),
		"version", Version,
		"backend", cfg.CacheBackend,
		"upstream", upstreamURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := fetch.NewSession(fetch.Options{
		Proxy:      cfg.HTTPProxy,
		RewriteDNS: cfg.DNSCache,
	})
	if err != nil {
		appLog.Error("outbound session setup failed", "err", err)
		return 1
	}

	var store kvcache.Store
	switch cfg.CacheBackend {
	case "redis":
		store, err = redisstore.Open(ctx, cfg.RedisAddr, "gramfix")
	default:
		store, err = badgerstore.Open(filepath.Join(cfg.CacheDir, "kv"))
	}
	if err != nil {
		appLog.Error("cache store setup failed", "backend", cfg.CacheBackend, "err", err)
		return 1
	}
	defer store.Close()

	postCache := kvcache.New("post", kvcache.PostTTL, store, appLog)
	shareCache := kvcache.New("shareid", kvcache.ShareIDTTL, store, appLog)

	resolver := scrape.NewResolver(postCache,
		scrape.NewEmbedScraper(session, upstreamURL, appLog),
		scrape.NewGraphQLScraper(session, upstreamURL, appLog),
		appLog)
	shares := scrape.NewShareResolver(shareCache, session, upstreamURL, appLog)

	files, err := grid.OpenFileCache(filepath.Join(cfg.CacheDir, "grid"),
		cfg.GridCapacity, cfg.GridMaxBytes, appLog)
	if err != nil {
		appLog.Error("grid cache setup failed", "err", err)
		return 1
	}
	defer files.Close()
	go files.Sweep(ctx, cfg.GridSweepInterval)

	grids := grid.NewComposer(session, files, appLog)

	srv := server.New(appLog, resolver, shares, grids, upstreamURL)

	// /metrics rides the main listener unless it has its own address
	metricsHandler := p.Handler()
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, metricsHandler)
		metricsHandler = nil
	}

	if err := server.Run(ctx, cfg.Addr(), srv, srv.Routes(metricsHandler)); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func serveMetrics(ctx context.Context, addr string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("metrics: listening on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server exited: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics: shutdown error: %v", err)
		}
	}()
}
