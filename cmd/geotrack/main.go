package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"geotrack/internal/alerts"
	"geotrack/internal/api"
	"geotrack/internal/config"
	"geotrack/internal/engine"
	"geotrack/internal/geofence"
	"geotrack/internal/ingest"
	"geotrack/internal/logging"
	"geotrack/internal/query"
	"geotrack/internal/storage"
)

var version = "dev"

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("GEOTRACK_CONFIG"), "path to YAML or JSON config; empty uses defaults plus GEOTRACK_* env")
	flag.Parse()

	manager, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("config load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting geotrack", "version", version, "config", manager.Path(), "storage", cfg.Storage.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage open failed", "error", err)
		os.Exit(1)
	}
	if err := store.Init(ctx); err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}

	fences := geofence.NewHolder(geofence.Empty())
	if cfg.Geofences.Path != "" {
		set, err := geofence.LoadFile(cfg.Geofences.Path)
		if err != nil {
			logger.Error("geofence load failed", "path", cfg.Geofences.Path, "error", err)
			os.Exit(1)
		}
		fences.Store(set)
		logger.Info("geofences loaded", "path", cfg.Geofences.Path, "count", set.Len(), "names", set.Names())
		if cfg.Geofences.Watch {
			if err := geofence.Watch(ctx, cfg.Geofences.Path, fences, logger); err != nil {
				logger.Warn("geofence watch disabled", "error", err)
			}
		}
	} else {
		logger.Warn("no geofences configured; every report is outside")
	}

	var publishers []alerts.Publisher
	if cfg.Alerts.Kafka.Enabled {
		publishers = append(publishers, alerts.NewKafkaPublisher(cfg.Alerts.Kafka))
		logger.Info("alert kafka enabled", "topic", cfg.Alerts.Kafka.Topic)
	}
	if cfg.Alerts.Mail.Enabled {
		publishers = append(publishers, alerts.NewMailNotifier(cfg.Alerts.Mail))
		logger.Info("alert mail enabled", "recipients", len(cfg.Alerts.Mail.Recipients))
	}
	dispatcher := alerts.NewDispatcher(logger, alerts.NewStore(cfg.Alerts.StoreLimit), store, publishers...)

	eng := engine.NewEngine(cfg, logger, fences, store, engine.WithAlerts(dispatcher))

	auth := query.NewKeyAuth(cfg.API.APIKey, cfg.API.APIKeyHash)
	svc := query.NewService(store, fences, auth, cfg.Query)
	api.Start(ctx, api.NewServer(manager, svc, auth, eng, store, logger, version))

	var wg sync.WaitGroup
	if cfg.Ingest.Kafka.Enabled {
		consumer := ingest.NewKafkaConsumer(cfg.Ingest, eng, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx)
		}()
	}
	ingest.StartREST(ctx, cfg.Ingest.REST, eng, logger, &wg)
	ingest.StartFileTail(ctx, cfg.Ingest.FileTail, eng, logger, &wg)

	stopWatch := make(chan struct{})
	go manager.Watch(3*time.Second, func(next *config.Config) {
		logging.SetLevel(next.LogLevel)
		eng.UpdateConfig(next)
		svc.UpdateConfig(next.Query)
		logger.Info("config reloaded", "path", manager.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "error", err)
	}, stopWatch)

	<-ctx.Done()
	logger.Info("shutting down")
	close(stopWatch)
	wg.Wait()
	if err := dispatcher.Close(); err != nil {
		logger.Warn("alert dispatcher close", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Warn("storage close", "error", err)
	}
	logger.Info("stopped")
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, err
		}
		return config.NewStaticManager(cfg), nil
	}
	return config.NewManager(config.ResolvePath(path))
}
