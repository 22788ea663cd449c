package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kptv-timeshift/work/cache"
	"kptv-timeshift/work/catalog"
	"kptv-timeshift/work/client"
	"kptv-timeshift/work/config"
	"kptv-timeshift/work/gateway"
	"kptv-timeshift/work/handlers"
	"kptv-timeshift/work/logger"
	"kptv-timeshift/work/middleware"
	"kptv-timeshift/work/proxy"
	"kptv-timeshift/work/timeshift"
	"kptv-timeshift/work/token"
	"kptv-timeshift/work/upstream"
	"kptv-timeshift/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

const shutdownTimeout = 10 * time.Second

// app bundles the long-lived components shared by the routes.
type app struct {
	config     *config.Config
	httpClient *client.HeaderSettingClient
	workerPool *ants.Pool
	origins    *upstream.Pool
	proxy      *proxy.StreamProxy
	gateway    *gateway.Gateway
	catalog    *catalog.Catalog
}

// newApp wires every component from cfg.
func newApp(cfg *config.Config) (*app, error) {
	origins, err := upstream.NewPool(cfg.Upstreams)
	if err != nil {
		return nil, err
	}

	workerPool, err := ants.NewPool(cfg.ProbeWorkers, ants.WithNonblocking(true), ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	logger.SetHook(addLogEntry)

	httpClient := client.NewHeaderSettingClient(cfg)
	sp := proxy.New(cfg, httpClient, timeshift.NewNormalizer(), workerPool)

	return &app{
		config:     cfg,
		httpClient: httpClient,
		workerPool: workerPool,
		origins:    origins,
		proxy:      sp,
		gateway:    gateway.New(cfg, origins, token.NewManager(cfg.TokenTTL), httpClient, sp),
		catalog:    catalog.New(cfg, httpClient, cache.NewCache(cfg.CacheTTL)),
	}, nil
}

// newRouter registers the public, metrics and admin routes.
func newRouter(a *app) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RequestLogger(a.config))

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", handlers.HandleHealth()).Methods("GET")
	router.HandleFunc("/resolve", middleware.GzipMiddleware(handlers.HandleResolve(a.proxy, a.config))).Methods("GET")

	setupAdminRoutes(router, a)

	// the single query endpoint; list, gateway and forward requests all land here
	router.HandleFunc("/", handlers.HandleRoot(a.proxy, a.gateway, a.catalog, a.config)).Methods("GET", "HEAD")

	return router
}

func main() {
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	a, err := newApp(cfg)
	if err != nil {
		logger.Error("{main - main} startup failed: %v", err)
		os.Exit(1)
	}
	defer a.workerPool.Release()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: newRouter(a)}

	logger.Info("Starting KPTV Timeshift %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Address: %s", cfg.ListenAddr)
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Upstreams: %d", a.origins.Len())
	logger.Info("  - Channel List: %s", utils.LogURL(cfg, cfg.ListURL))
	logger.Info("  - Token TTL: %s", cfg.TokenTTL)
	logger.Info("  - Cache TTL: %s", cfg.CacheTTL)
	logger.Info("  - Manifest / Segment Timeout: %s / %s", cfg.ManifestTimeout, cfg.SegmentTimeout)
	logger.Info("  - Probe Enabled: %v (%d workers, %d/s)", cfg.ProbeEnabled, cfg.ProbeWorkers, cfg.ProbeRate)
	logger.Info("  - Log Level: %s", logger.GetLogLevel())
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("{main - main} server failed: %v", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("{main - main} shutdown failed: %v", err)
	}
	a.httpClient.CloseIdleConnections()
	logger.Info("server stopped")
}
