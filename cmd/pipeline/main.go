// Package main is the re-identification pipeline's entry point: it wires
// configuration, storage, the embedded event bus, and the asynq job
// server that runs clip analysis, cross-camera matching, PTZ calibration,
// and color-histogram backfill as background jobs. No HTTP server is
// started here -- operator-facing endpoints live outside this module
//.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/groundtruth-studio/reid-pipeline/internal/camera"
	"github.com/groundtruth-studio/reid-pipeline/internal/config"
	"github.com/groundtruth-studio/reid-pipeline/internal/descriptor"
	"github.com/groundtruth-studio/reid-pipeline/internal/eventbus"
	"github.com/groundtruth-studio/reid-pipeline/internal/jobqueue"
	"github.com/groundtruth-studio/reid-pipeline/internal/matcher"
	"github.com/groundtruth-studio/reid-pipeline/internal/ptz"
	"github.com/groundtruth-studio/reid-pipeline/internal/services"
	"github.com/groundtruth-studio/reid-pipeline/internal/store"
	"github.com/groundtruth-studio/reid-pipeline/internal/topology"
)

const defaultConfigPath = "/etc/reid-pipeline/config.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	configPath := getEnv("CONFIG_PATH", defaultConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.System.Logging.Level == "debug" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
		slog.SetDefault(logger)
	}
	if err := cfg.Watch(); err != nil {
		logger.Warn("config hot-reload watch failed to start", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbCfg := store.DefaultConfig(cfg.Storage.DataDir)
	db, err := store.Open(dbCfg)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	migrator := store.NewMigrator(db)
	if err := migrator.Run(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	cameras := camera.NewService(db, cfg)
	if err := cameras.Start(ctx); err != nil {
		logger.Error("failed to start camera service", "error", err)
		os.Exit(1)
	}

	busCfg := eventbus.DefaultConfig()
	busCfg.Port = cfg.EventBus.Port
	bus, err := eventbus.New(busCfg, logger)
	if err != nil {
		logger.Error("failed to start event bus", "error", err)
		os.Exit(1)
	}
	defer func() { _ = bus.Stop(context.Background()) }()

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Queue.RedisAddr}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
	defer func() { _ = redisClient.Close() }()

	queue := jobqueue.NewQueue(redisOpt, logger)
	defer func() { _ = queue.Close() }()
	statuses := jobqueue.NewStatusStore()

	concurrency := 0
	for _, n := range cfg.Queue.Concurrency {
		concurrency += n
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	server := jobqueue.NewServer(redisOpt, concurrency, statuses, logger)

	deps := buildDependencies(cfg, db, bus, queue, redisClient, logger)
	registerHandlers(server, deps, logger)

	go func() {
		logger.Info("job server starting", "concurrency", concurrency)
		if err := server.Run(); err != nil {
			logger.Error("job server stopped with error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	server.Shutdown()
	logger.Info("pipeline stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// dependencies bundles every component a job handler needs, assembled
// once at startup and passed by value into each handler closure.
type dependencies struct {
	cfg *config.Config
	db  *store.DB

	videoTracks *store.VideoTrackRepo
	tracks      *store.TrackRepo
	links       *store.LinkRepo
	colorHist   *store.ColorHistRepo
	ptzCalib    *store.PTZCalibrationRepo
	topoRepo    *store.TopologyRepo

	topoCache *topology.Cache

	detector  services.Detector
	embedder  services.Embedder
	clipStore services.ClipStore
	ptzDriver ptz.Driver
	ptzFrames *ptz.HTTPFrameSource

	identity   *matcher.IdentityResolver
	propagator *matcher.Propagator
	backfiller *descriptor.Backfiller

	bus *eventbus.EventBus
}

func buildDependencies(cfg *config.Config, db *store.DB, bus *eventbus.EventBus, queue *jobqueue.Queue, redisClient *redis.Client, logger *slog.Logger) *dependencies {
	videoTracks := store.NewVideoTrackRepo(db)
	tracks := store.NewTrackRepo(db)
	links := store.NewLinkRepo(db, logger)
	colorHist := store.NewColorHistRepo(db)
	ptzCalib := store.NewPTZCalibrationRepo(db)
	topoRepo := store.NewTopologyRepo(db)
	topoCache := topology.NewCache(topoRepo, redisClient, 5*time.Minute, logger)

	detector := services.NewDetectorClient(services.HTTPClientConfig{Address: cfg.Services.DetectorAddr, Timeout: services.DetectionTimeout})
	embedder := services.NewEmbedderClient(services.HTTPClientConfig{Address: cfg.Services.EmbedderAddr, Timeout: services.EmbeddingTimeout})
	clipStore := services.NewClipStoreClient(services.HTTPClientConfig{Address: cfg.Services.ClipStoreAddr, Timeout: 30 * time.Second})
	ptzClient := services.NewPTZClient(services.HTTPClientConfig{Address: cfg.Services.PTZAddr, Timeout: 10 * time.Second})
	conns := ptz.NewConnectionCache(ptz.DefaultConnectionTTL)
	ptzDriver := ptz.NewLockedDriver(ptz.AdaptDriver(ptzClient), conns)
	ptzFrames := ptz.NewHTTPFrameSource(cfg.Services.PTZFrameAddr, 10*time.Second)

	identity := matcher.NewIdentityResolver(links, links, links, logger)
	propagator := matcher.NewPropagator(links, logger)
	backfiller := descriptor.NewBackfiller(colorHist, logger).WithMaintainer(db)

	return &dependencies{
		cfg:         cfg,
		db:          db,
		videoTracks: videoTracks,
		tracks:      tracks,
		links:       links,
		colorHist:   colorHist,
		ptzCalib:    ptzCalib,
		topoRepo:    topoRepo,
		topoCache:   topoCache,
		detector:    detector,
		embedder:    embedder,
		clipStore:   clipStore,
		ptzDriver:   ptzDriver,
		ptzFrames:   ptzFrames,
		identity:    identity,
		propagator:  propagator,
		backfiller:  backfiller,
		bus:         bus,
	}
}
