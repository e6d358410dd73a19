package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/vmmaster/vmmaster/internal/adminapi"
	"github.com/vmmaster/vmmaster/internal/auth"
	"github.com/vmmaster/vmmaster/internal/cache"
	"github.com/vmmaster/vmmaster/internal/config"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/metrics"
	"github.com/vmmaster/vmmaster/internal/pool"
	"github.com/vmmaster/vmmaster/internal/provider"
	"github.com/vmmaster/vmmaster/internal/provider/openstack"
	"github.com/vmmaster/vmmaster/internal/proxy"
	"github.com/vmmaster/vmmaster/internal/recorder"
	"github.com/vmmaster/vmmaster/internal/session"
	"github.com/vmmaster/vmmaster/internal/store"
)

// serveCmd wires every component — store, cache, pool, sessions, proxy,
// admin API — and runs the proxy and admin HTTP servers until SIGINT,
// SIGTERM or a server failure, then shuts the servers down, closes every
// active session and frees the pool.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the vmmasterd proxy, pool manager, and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)
	logging.Op().Info("starting vmmasterd", "version", version)

	metaStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	st := store.NewStore(metaStore)
	defer st.Close()

	var redisClient *redis.Client
	var statusCache cache.Cache
	var invalidator *cache.CacheInvalidator
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		l1 := cache.NewInMemoryCache()
		l2 := cache.NewRedisCacheFromClient(redisClient, cfg.Redis.KeyPrefix)
		statusCache = cache.NewTieredCache(l1, l2, 2*time.Second)

		// Multiple vmmasterd instances may share one Postgres/Redis pair
		// behind a load balancer; when one instance's admin API mutates a
		// session, every instance's L1 status cache needs to drop its
		// stale copy rather than wait out the TTL.
		invalidator = cache.NewCacheInvalidator(l1, redisClient)
		go invalidator.Start(ctx)
		defer invalidator.Close()
	}

	factory, err := buildProviderFactory(ctx, cfg)
	if err != nil {
		return err
	}

	vmPool := pool.New(factory, pool.Config{
		Capacity:           cfg.Capacity(),
		PreloaderFrequency: cfg.Pool.PreloaderFrequency,
		VMCheck:            cfg.Pool.VMCheck,
		VMCheckFrequency:   cfg.Pool.VMCheckFrequency,
		Preloaded:          cfg.PreloadTargets(),
		SeleniumPort:       cfg.Proxy.SeleniumPort,
	})

	rec := recorder.New(st)
	sessions := session.New(st, rec, vmPool, session.Config{
		SessionTimeout: cfg.Session.SessionTimeout,
		GetVMTimeout:   cfg.Session.GetVMTimeout,
		SeleniumPort:   cfg.Proxy.SeleniumPort,
	})

	proxyHandler := proxy.New(sessions, rec, proxy.Config{
		SeleniumPort:      cfg.Proxy.SeleniumPort,
		VmmasterAgentPort: cfg.Proxy.VmmasterAgentPort,
		ScreenshotsDir:    cfg.Proxy.ScreenshotsDir,
	})

	proxyMux := http.NewServeMux()
	proxyMux.Handle("/wd/hub/", http.StripPrefix("/wd/hub", proxyHandler))
	proxyServer := &http.Server{Addr: cfg.Proxy.HTTPAddr, Handler: proxyMux}

	adminHandler := adminapi.New(st, vmPool, sessions, statusCache)
	if invalidator != nil {
		adminHandler.SetCacheInvalidator(invalidator)
	}
	adminMux := http.NewServeMux()
	adminHandler.Register(adminMux)
	tokenAuth := auth.NewTokenAuthenticator(st, redisClient)
	adminWithAuth := auth.Middleware([]auth.Authenticator{tokenAuth}, nil)(adminMux)
	adminServer := &http.Server{Addr: cfg.Admin.HTTPAddr, Handler: adminWithAuth}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux}
	}

	errCh := make(chan error, 3)
	go func() { errCh <- runAndLog(proxyServer, "proxy") }()
	go func() { errCh <- runAndLog(adminServer, "admin") }()
	if metricsServer != nil {
		go func() { errCh <- runAndLog(metricsServer, "metrics") }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Op().Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logging.Op().Error("server failed, shutting down", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = proxyServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	sessions.Shutdown()
	vmPool.Shutdown(shutdownCtx)

	logging.Op().Info("vmmasterd stopped")
	return nil
}

func runAndLog(srv *http.Server, name string) error {
	logging.Op().Info("listening", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// buildProviderFactory constructs the OpenStack backend when it is
// enabled and puts it behind a provider.MultiFactory. No KVM backend is
// built; the KVM settings only add to cfg.Capacity().
func buildProviderFactory(ctx context.Context, cfg *config.Config) (provider.Factory, error) {
	var backends []provider.Factory


	if cfg.OpenStack.Enabled {
		f, err := openstack.NewFactory(ctx, openstack.Config{
			Auth: openstack.AuthConfig{
				AuthURL:  cfg.OpenStack.Auth.AuthURL,
				Username: cfg.OpenStack.Auth.Username,
				Password: cfg.OpenStack.Auth.Password,
				Tenant:   cfg.OpenStack.Auth.Tenant,
				Zone:     cfg.OpenStack.Auth.Zone,
			},
			NovaURL:      cfg.OpenStack.NovaURL,
			NeutronURL:   cfg.OpenStack.NeutronURL,
			GlanceURL:    cfg.OpenStack.GlanceURL,
			FlavorID:     cfg.OpenStack.FlavorID,
			SeleniumPort: cfg.Proxy.SeleniumPort,
			LocalCIDR:    cfg.OpenStack.LocalCIDR,
			Ping: provider.PingConfig{
				Timeout:    cfg.Proxy.PingTimeout,
				Attempts:   cfg.Pool.VMCreateCheckAttempts,
				RetryPause: cfg.Pool.VMCreateCheckPause,
			},
		})
		if err != nil {
			return nil, err
		}
		backends = append(backends, f)
	}

	return provider.NewMultiFactory(ctx, backends...)
}
