package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/yegors/skywarden/internal/adsb"
	"github.com/yegors/skywarden/internal/alerts"
	"github.com/yegors/skywarden/internal/api"
	"github.com/yegors/skywarden/internal/config"
	"github.com/yegors/skywarden/internal/cooldown"
	"github.com/yegors/skywarden/internal/metrics"
	"github.com/yegors/skywarden/internal/notify"
	"github.com/yegors/skywarden/internal/rules"
	"github.com/yegors/skywarden/internal/safety"
	"github.com/yegors/skywarden/internal/scheduler"
	"github.com/yegors/skywarden/internal/simulation"
	"github.com/yegors/skywarden/internal/storage/sqlite"
	"github.com/yegors/skywarden/internal/websocket"
	"github.com/yegors/skywarden/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Skywarden server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
		logger.Float64("station_lat", cfg.Station.Latitude),
		logger.Float64("station_lon", cfg.Station.Longitude),
	)

	if err := run(cfg, log); err != nil {
		log.Error("Server stopped with error", logger.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("Server fully stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	policy, err := cooldown.ParsePolicy(cfg.Cooldown.OnError)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(cfg.Storage.SQLitePath, log)
	if err != nil {
		return fmt.Errorf("failed to open SQLite storage: %w", err)
	}
	defer store.Close()
	log.Info("Using SQLite storage", logger.String("path", cfg.Storage.SQLitePath))

	var redisClient redis.UniversalClient
	if cfg.UsesRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  config.Millis(cfg.Redis.DialTimeoutMs),
			ReadTimeout:  config.Millis(cfg.Redis.ReadTimeoutMs),
			WriteTimeout: config.Millis(cfg.Redis.WriteTimeoutMs),
		})
		defer redisClient.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			// keep running; the cooldown policy decides what store errors mean
			log.Warn("Redis unreachable at startup", logger.String("addr", cfg.Redis.Addr), logger.Error(err))
		} else {
			log.Info("Connected to Redis", logger.String("addr", cfg.Redis.Addr))
		}
		pingCancel()
	}

	var cooldowns cooldown.Store
	switch cfg.Cooldown.Backend {
	case "redis":
		cooldowns = cooldown.NewRedisStore(redisClient, cfg.Redis.KeyPrefix, log)
	default:
		cooldowns = cooldown.NewMemoryStore(config.Seconds(cfg.Cooldown.StaleAgeSeconds), log)
	}
	log.Info("Cooldown store ready",
		logger.String("backend", cfg.Cooldown.Backend),
		logger.String("on_error", string(policy)),
	)

	var generation rules.Generation
	if cfg.Rules.CacheBackend == "redis" {
		generation = rules.NewRedisGeneration(redisClient, cfg.Redis.KeyPrefix)
	}
	ruleCache := rules.NewCache(store, generation, config.Seconds(cfg.Rules.CacheTTLSeconds), m, log)
	store.OnRulesChanged(func() {
		if err := ruleCache.Invalidate(ctx); err != nil {
			log.Warn("Failed to invalidate rule cache", logger.Error(err))
		}
	})

	wsServer := websocket.NewServer(log)
	go wsServer.Run()
	defer wsServer.Stop()

	dispatcher := notify.NewDispatcher(notify.Options{
		Workers:       cfg.Notifications.Workers,
		QueueSize:     cfg.Notifications.QueueSize,
		Timeout:       config.Millis(cfg.Notifications.TimeoutMs),
		RatePerMinute: cfg.Notifications.RateLimitPerMinute,
		Burst:         cfg.Notifications.Burst,
		UserAgent:     cfg.Notifications.UserAgent,
	}, m, log)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	engine := alerts.NewEngine(alerts.Deps{
		Rules:            ruleCache,
		Cooldowns:        cooldowns,
		Sink:             store,
		Notifier:         dispatcher,
		Broadcaster:      wsServer,
		Metrics:          m,
		Logger:           log,
		Policy:           policy,
		WebhookURL:       cfg.Alerts.WebhookURL,
		MaxDryRunMatches: cfg.Alerts.MaxDryRunMatches,
		Disabled:         !cfg.Alerts.Enabled,
	})

	monitor := safety.NewMonitor(safety.Deps{
		Config: safety.Config{
			Enabled:              cfg.Safety.Enabled,
			ExtremeVSThreshold:   cfg.Safety.ExtremeVSThresholdFPM,
			TCASVSThreshold:      cfg.Safety.TCASVSThresholdFPM,
			ReversalChange:       cfg.Safety.ReversalChangeFPM,
			ProximityNM:          cfg.Safety.ProximityNM,
			ProximityAltitudeFt:  cfg.Safety.ProximityAltitudeFt,
			EmergencyCooldown:    config.Seconds(cfg.Safety.EmergencyCooldownSeconds),
			EventCooldown:        config.Seconds(cfg.Safety.EventCooldownSeconds),
			RequireBothAltitudes: cfg.Safety.RequireBothAltitudes,
			TrackGraceCycles:     cfg.Safety.TrackGraceCycles,
		},
		Cooldowns:   cooldowns,
		Sink:        store,
		Broadcaster: wsServer,
		Metrics:     m,
		Logger:      log,
		Policy:      policy,
	})

	simulationService := simulation.NewService(log)
	for _, seed := range cfg.Simulation.Aircraft {
		if _, err := simulationService.CreateAircraft(simulation.Seed{
			Flight:       seed.Flight,
			Squawk:       seed.Squawk,
			Lat:          seed.Lat,
			Lon:          seed.Lon,
			Altitude:     seed.Altitude,
			Heading:      seed.Heading,
			Speed:        seed.Speed,
			VerticalRate: seed.VerticalRate,
		}); err != nil {
			log.Warn("Skipping simulation seed", logger.String("flight", seed.Flight), logger.Error(err))
		}
	}

	adsbClient := adsb.NewClient(adsb.ClientOptions{
		SourceType:        cfg.ADSB.SourceType,
		LocalSourceURL:    cfg.ADSB.LocalSourceURL,
		ExternalSourceURL: cfg.ADSB.ExternalSourceURL,
		APIHost:           cfg.ADSB.APIHost,
		APIKey:            cfg.ADSB.APIKey,
		StationLat:        cfg.Station.Latitude,
		StationLon:        cfg.Station.Longitude,
		SearchRadiusNM:    float64(cfg.ADSB.SearchRadiusNM),
		Timeout:           config.Seconds(cfg.ADSB.RequestTimeoutSecs),
	}, log)

	adsbService := adsb.NewService(
		adsbClient,
		config.Seconds(cfg.ADSB.FetchIntervalSecs),
		cfg.Station.Latitude,
		cfg.Station.Longitude,
		simulationService,
		log,
		engine,
		monitor,
	)

	sched := scheduler.New(scheduler.DefaultTaskTimeout, log)
	if err := sched.AddTask("cooldown-sweep", cfg.Scheduler.CooldownSweep, func(ctx context.Context) error {
		n, err := cooldowns.Sweep(ctx)
		if err == nil && n > 0 {
			log.Debug("Swept stale cooldowns", logger.Int("removed", n))
		}
		return err
	}); err != nil {
		return err
	}
	if err := sched.AddTask("rules-refresh", cfg.Scheduler.RulesRefresh, ruleCache.Refresh); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	if err := adsbService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ADS-B service: %w", err)
	}
	defer adsbService.Stop()

	deps := api.Deps{
		Rules:            store,
		History:          store,
		Poller:           adsbService,
		DryRun:           engine,
		RuleCache:        ruleCache,
		Cooldowns:        cooldowns,
		Safety:           monitor,
		Tasks:            sched,
		Simulation:       simulationService,
		WebSocket:        wsServer.HandleConnection,
		WebSocketClients: wsServer.ClientCount,
		Logger:           log,
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
		deps.MetricsPath = cfg.Metrics.Path
	}
	router := api.NewRouter(deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     router.Routes(),
		ReadTimeout: config.Seconds(cfg.Server.ReadTimeoutSecs),
		// zero write timeout keeps websocket connections open
		WriteTimeout: config.Seconds(cfg.Server.WriteTimeoutSecs),
		IdleTimeout:  config.Seconds(cfg.Server.IdleTimeoutSecs),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Shutting down server...", logger.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("HTTP server error", logger.String("addr", addr), logger.Error(err))
		cancel()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	} else {
		log.Info("HTTP server shutdown complete")
	}

	// deferred stops run in reverse: poller, scheduler, dispatcher, websocket, redis, store
	cancel()
	return nil
}
