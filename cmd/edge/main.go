package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/temps/edge/internal/acme"
	"github.com/temps/edge/internal/admin"
	"github.com/temps/edge/internal/certstore"
	"github.com/temps/edge/internal/config"
	"github.com/temps/edge/internal/db"
	"github.com/temps/edge/internal/logging"
	"github.com/temps/edge/internal/middleware"
	"github.com/temps/edge/internal/proxy"
	"github.com/temps/edge/internal/requestlog"
	"github.com/temps/edge/internal/routing"
	"github.com/temps/edge/internal/visitor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.CreateLogger(getEnv("LOG_LEVEL", "info"), cfg.Server.Environment, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := db.RunMigrations(cfg.Database, logger); err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}

	dbManager, err := db.NewManager(cfg, logger)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("close database connections", zap.Error(err))
		}
	}()

	pool := dbManager.GetPgxPool()
	redisClient := dbManager.GetRedis()

	cookieCrypto, err := visitor.NewCrypto([]byte(cfg.Cookie.EncryptionKey))
	if err != nil {
		logger.Fatal("init cookie crypto", zap.Error(err))
	}
	visitors := visitor.NewManager(pool, cookieCrypto)

	certKeyCrypto, err := certstore.NewKeyCrypto([]byte(cfg.ACME.CertKeyEncryption))
	if err != nil {
		logger.Fatal("init cert key crypto", zap.Error(err))
	}
	certs := certstore.NewStore(pool, certKeyCrypto)

	routeSource := db.NewRouteDataSource(pool)
	table := routing.New(routeSource, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bootCtx, bootCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := table.Reload(bootCtx); err != nil {
		logger.Fatal("initial route table load", zap.Error(err))
	}
	bootCancel()

	routeListener := db.NewListener(cfg.Database.PostgresURL, "route_table_changes", logger)
	notifyCh := make(chan db.Notification, 16)
	go func() {
		if err := routeListener.Run(ctx, notifyCh); err != nil && ctx.Err() == nil {
			logger.Error("route change listener stopped", zap.Error(err))
		}
	}()
	go watchRouteChanges(ctx, table, notifyCh, cfg.Proxy.ReloadDebounce, logger)

	var geo requestlog.GeoLookup
	if path := os.Getenv("GEOIP_DATABASE_PATH"); path != "" {
		lookup, err := requestlog.OpenMaxMindGeoLookup(path)
		if err != nil {
			logger.Warn("geoip database unavailable, continuing without geo lookup", zap.Error(err))
		} else {
			geo = lookup
		}
	}
	reqLog := requestlog.NewLogger(logger, geo, 4096)
	defer reqLog.Close()

	orderRepo := db.NewOrderRepository(pool)
	directoryURL := cfg.ACME.DirectoryURL
	directoryEnv := acme.EnvProduction
	if cfg.Server.Environment != "production" {
		directoryURL = cfg.ACME.StagingDirectoryURL
		directoryEnv = acme.EnvStaging
	}
	directory := acme.NewACMEZDirectory(directoryURL, string(directoryEnv), orderRepo, nil, logger)
	acmeService := acme.NewService(orderRepo, certs, directory, directoryEnv, cfg.ACME.PollTimeout, cfg.ACME.PollInterval)

	httpSolver := acme.NewHTTPSolver(orderRepo)
	challengeHandler := acme.NewChallengeHandler(httpSolver)

	emailSource := func(ctx context.Context) (string, error) {
		if cfg.ACME.ContactEmail == "" {
			return "", fmt.Errorf("no ACME contact email configured")
		}
		return cfg.ACME.ContactEmail, nil
	}
	renewalScheduler := acme.NewScheduler(certs, acmeService, nil, emailSource, cfg.ACME.RenewalWindowDays, cfg.ACME.RenewalInterval, logger)
	go renewalScheduler.Run(ctx)

	pipeline := proxy.New(table, visitors, reqLog, challengeHandler, logger, proxy.Config{
		AdminConsoleAddr: cfg.Proxy.AdminConsolePeer,
		ConnectRetry:     cfg.Proxy.UpstreamConnectRetry,
		DialTimeout:      cfg.Proxy.UpstreamDialTimeout,
		IdleTimeout:      cfg.Proxy.UpstreamIdleTimeout,
		MaxIdlePerHost:   cfg.Proxy.UpstreamMaxIdlePerHost,
		RequestDeadline:  cfg.Server.RequestDeadline,
	})

	certManager, err := proxy.NewCertManager(certs, logger)
	if err != nil {
		logger.Fatal("init certificate manager", zap.Error(err))
	}

	httpServer := proxy.ServeHTTP80(cfg.Server.HTTPAddr, pipeline, logger, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)

	tcpListener, err := net.Listen("tcp", cfg.Server.HTTPSAddr)
	if err != nil {
		logger.Fatal("bind https listener", zap.String("addr", cfg.Server.HTTPSAddr), zap.Error(err))
	}
	httpsServer := proxy.ServeHTTPS(tcpListener, pipeline, certManager, logger, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)

	adminServer := admin.New(pool, redisClient, table, logger, securityConfigFrom(cfg))
	adminHTTPServer := &http.Server{
		Addr:    cfg.Server.AdminAddr,
		Handler: adminServer.Handler(),
	}
	go func() {
		logger.Info("admin surface listening", zap.String("addr", cfg.Server.AdminAddr))
		if err := adminHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin listener stopped", zap.Error(err))
		}
	}()

	logger.Info("edge proxy started",
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("https_addr", cfg.Server.HTTPSAddr),
		zap.String("admin_addr", cfg.Server.AdminAddr),
		zap.String("environment", cfg.Server.Environment),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http listener shutdown", zap.Error(err))
	}
	if err := httpsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("https listener shutdown", zap.Error(err))
	}
	if err := adminHTTPServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin listener shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

// watchRouteChanges reloads the route table on every NOTIFY, collapsing a
// burst of wakeups within debounce into a single reload: the first
// notification arms a timer, and later ones arriving before it fires are
// absorbed into that same reload.
func watchRouteChanges(ctx context.Context, table *routing.Table, notifyCh <-chan db.Notification, debounce time.Duration, logger *zap.Logger) {
	var pending bool
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-notifyCh:
			if !pending {
				pending = true
				timer.Reset(debounce)
			}
		case <-timer.C:
			pending = false
			reloadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := table.Reload(reloadCtx); err != nil {
				logger.Error("route table reload failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func securityConfigFrom(cfg *config.Config) *middleware.SecurityConfig {
	return &middleware.SecurityConfig{
		CORSOrigins:   cfg.Proxy.AdminCORSOrigins,
		EnableHSTS:    cfg.Security.EnableHSTS,
		HSTSMaxAge:    cfg.Security.HSTSMaxAge,
		EnableCSP:     cfg.Security.EnableCSP,
		CSPDirectives: cfg.Security.CSPDirectives,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
