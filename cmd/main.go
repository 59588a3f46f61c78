package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/proxy-pool-manager/internal/api"
	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/metrics"
	"github.com/proxy-pool-manager/internal/pool"
	"github.com/proxy-pool-manager/internal/sources"
	"github.com/proxy-pool-manager/internal/storage"
	"github.com/proxy-pool-manager/internal/types"
	"github.com/proxy-pool-manager/internal/validator"
)

const version = "1.0.0"

var (
	configPath     = flag.String("config", "", "path to a JSON or YAML config file")
	minProxies     = flag.Int("min-proxies", 10, "valid-proxy quota that stops ingestion early")
	timeoutSec     = flag.Int("timeout", 3, "per-probe timeout in seconds")
	workers        = flag.Int("workers", 10, "validator concurrency bound")
	sslOnly        = flag.Bool("ssl-only", true, "require HTTPS capability during validation")
	noSSL          = flag.Bool("no-ssl", false, "accept plain-HTTP-only proxies too")
	maxPages       = flag.Int("max-pages", 10, "page cap for paginated sources")
	disableBlocked = flag.Bool("disable-blocked", false, "skip sources known to block scrapers")
	enableSources  = flag.String("enable-source", "", "comma-separated source names to force-enable")
	disableSources = flag.String("disable-source", "", "comma-separated source names to disable")
	showSources    = flag.Bool("show-sources", false, "print the source catalog and exit")
	storageType    = flag.String("storage", "", "storage backend: file, sqlite or redis")
	storagePath    = flag.String("storage-path", "", "storage file path or redis address")
	serveMode      = flag.Bool("serve", false, "keep running and serve the HTTP API")
	listenAddr     = flag.String("listen", "", "API listen address (implies -serve)")
	site           = flag.String("site", "", "print the next proxy for this site after initialization")
	logLevel       = flag.String("log-level", "", "log level: debug, info, warn or error")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	setupLogging(cfg.Logging)

	if *showSources {
		printSources(cfg)
		return
	}

	log.Infof("Starting Proxy Pool Manager v%s", version)

	store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace)
	srcs := sources.Defaults(cfg.Sources, cfg.Pool.DisableBlocked)
	prober := validator.NewTCPProber(cfg.Validator)
	mgr := pool.NewManager(cfg, store, srcs, prober, collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infof("Received %s, shutting down...", sig)
		cancel()
	}()

	result := mgr.Initialize(ctx)
	log.WithFields(log.Fields{
		"status":        result.Status,
		"valid_count":   result.ValidCount,
		"tried_sources": result.TriedSources,
	}).Info("Initialization finished")

	if *site != "" {
		if addr, ok := mgr.GetNextProxy(*site); ok {
			fmt.Println(addr)
		} else {
			log.Warnf("No proxy available for site %q", *site)
		}
	}

	if !cfg.API.Enabled {
		if err := mgr.Close(); err != nil {
			log.Errorf("Close failed: %v", err)
		}
		if result.Status == types.InitFailed {
			os.Exit(1)
		}
		return
	}

	serve(ctx, cfg, mgr, collector)
}

func serve(ctx context.Context, cfg *config.Config, mgr *pool.Manager, collector *metrics.Collector) {
	apiServer := api.NewServer(cfg, mgr, collector)
	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	if cfg.Pool.RefreshIntervalMinutes > 0 {
		go runRefreshLoop(ctx, mgr, time.Duration(cfg.Pool.RefreshIntervalMinutes)*time.Minute)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}
	if err := mgr.Close(); err != nil {
		log.Errorf("Close failed: %v", err)
	}
	log.Info("Shutdown complete")
}

func runRefreshLoop(ctx context.Context, mgr *pool.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Refresh loop stopped")
			return
		case <-ticker.C:
			res := mgr.Refresh(ctx)
			log.Infof("Scheduled refresh finished: %s (%d valid)", res.Status, res.ValidCount)
		}
	}
}

func loadConfig() (*config.Config, error) {
	if *configPath != "" {
		return config.Load(*configPath)
	}
	return config.Default(), nil
}

// applyFlags copies only the flags the user actually set onto the
// config, so a config file is not clobbered by flag defaults.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "min-proxies":
			cfg.Pool.MinProxies = *minProxies
		case "timeout":
			cfg.Validator.TimeoutSeconds = *timeoutSec
		case "workers":
			cfg.Validator.Workers = *workers
		case "ssl-only":
			cfg.Validator.SSLOnly = *sslOnly
		case "no-ssl":
			if *noSSL {
				cfg.Validator.SSLOnly = false
			}
		case "max-pages":
			cfg.Pool.MaxPages = *maxPages
		case "disable-blocked":
			cfg.Pool.DisableBlocked = *disableBlocked
		case "enable-source":
			cfg.Sources.Enabled = append(cfg.Sources.Enabled, splitList(*enableSources)...)
		case "disable-source":
			cfg.Sources.Disabled = append(cfg.Sources.Disabled, splitList(*disableSources)...)
		case "storage":
			cfg.Storage.Type = *storageType
		case "storage-path":
			cfg.Storage.Path = *storagePath
		case "serve":
			cfg.API.Enabled = *serveMode
		case "listen":
			cfg.API.Addr = *listenAddr
			cfg.API.Enabled = true
		case "log-level":
			cfg.Logging.Level = *logLevel
		}
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setupLogging(cfg config.LoggingConfig) {
	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
}

func printSources(cfg *config.Config) {
	for _, info := range sources.Describe(cfg.Sources, cfg.Pool.DisableBlocked) {
		state := "enabled"
		if !info.Enabled {
			state = "disabled"
		}
		note := ""
		if info.Blocked {
			note = " (frequently blocked)"
		}
		fmt.Printf("%-9s %-22s %s%s\n", state, info.Name, info.URL, note)
	}
}
