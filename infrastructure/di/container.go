// Package di assembles the engine: config, logging, metrics, adapters,
// services, background jobs and the HTTP surface, in dependency order.
package di

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"engram/application/ports"
	"engram/application/services"
	"engram/domain/core"
	"engram/infrastructure/cache"
	"engram/infrastructure/config"
	"engram/infrastructure/embedding"
	"engram/infrastructure/enrich"
	"engram/infrastructure/graph"
	"engram/infrastructure/keyword"
	"engram/infrastructure/messaging"
	"engram/infrastructure/vectordb"
	"engram/interfaces/http/rest"
	"engram/interfaces/http/rest/handlers"
	"engram/interfaces/websocket"
	"engram/pkg/observability"
)

// bootstrapBatch is the scroll page size used when warming the keyword
// index at startup.
const bootstrapBatch = 500

// Container holds every long-lived component of the engine.
type Container struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	Vectors  ports.VectorStore
	Embedder ports.Embedder
	Cache    *cache.Layered
	Keywords *keyword.Index
	Graph    ports.GraphStore
	Enricher ports.Enricher

	Broadcaster *messaging.Broadcaster
	Subscriber  *messaging.Subscriber

	Runtime *services.Runtime
	Watcher *config.Watcher

	Store        *services.StoreService
	Recall       *services.RecallService
	Blocks       *services.BlockService
	Feedback     *services.FeedbackService
	Lessons      *services.LessonExtractor
	Preferences  *services.PreferenceTracker
	Consolidator *services.Consolidator
	Miner        *services.PatternMiner
	Dreamer      *services.Dreamer
	Stats        *services.StatsService
	Scheduler    *services.Scheduler

	Router *rest.Router
	Hub    *websocket.Hub

	rdb      *redis.Client
	graphRdb *redis.Client
}

// NewContainer builds the full dependency graph. Nothing talks to the
// network until Start.
func NewContainer(cfg *config.Config) (*Container, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	c := &Container{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Metrics:  metrics,
	}

	c.Vectors = vectordb.NewClient(cfg.VectorDBURL, 0, logger.Named("vectordb"), metrics)
	c.Embedder = embedding.NewClient(cfg.EmbeddingURL, cfg.EmbeddingModel, logger.Named("embedding"), metrics)

	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		c.rdb = redis.NewClient(opts)
		rdb = c.rdb
	}
	c.Cache = cache.NewLayered(rdb, "", logger.Named("cache"), metrics)
	c.Keywords = keyword.NewIndex(logger.Named("keyword"))

	if cfg.EnableGraph && cfg.GraphURL != "" {
		opts, err := redis.ParseURL(cfg.GraphURL)
		if err != nil {
			return nil, err
		}
		c.graphRdb = redis.NewClient(opts)
		c.Graph = graph.NewStore(c.graphRdb, cfg.GraphName, logger.Named("graph"), metrics)
	}
	if cfg.EnableExtraction && cfg.ExtractionURL != "" {
		c.Enricher = enrich.NewClient(cfg.ExtractionURL, logger.Named("enrich"), metrics)
	}
	if cfg.EnableBroadcast && c.rdb != nil {
		c.Broadcaster = messaging.NewBroadcaster(c.rdb, logger.Named("broadcast"), metrics)
		c.Subscriber = messaging.NewSubscriber(c.rdb, cfg.AgentID, logger.Named("subscribe"))
	}

	c.Runtime = services.NewRuntime(settingsFrom(config.TunablesFrom(cfg)))
	if path := os.Getenv("ENGRAM_TUNABLES_FILE"); path != "" {
		watcher, err := config.NewWatcher(path, config.TunablesFrom(cfg), logger.Named("tunables"))
		if err != nil {
			return nil, err
		}
		watcher.OnChange(func(t config.Tunables) {
			c.Runtime.Apply(settingsFrom(t))
		})
		c.Watcher = watcher
		c.Runtime.Apply(settingsFrom(watcher.Current()))
	}

	partitions := cfg.Partitions()
	var broadcaster ports.Broadcaster
	if c.Broadcaster != nil {
		broadcaster = c.Broadcaster
	}

	c.Store = services.NewStoreService(services.StoreDeps{
		Vectors:     c.Vectors,
		Embedder:    c.Embedder,
		Graph:       c.Graph,
		Broadcaster: broadcaster,
		Cache:       c.Cache,
		Keywords:    c.Keywords,
		Enricher:    c.Enricher,
		Partitions:  partitions,
		Runtime:     c.Runtime,
		AgentID:     cfg.AgentID,
		Logger:      logger.Named("store"),
		Metrics:     metrics,
	})
	c.Recall = services.NewRecallService(services.RecallDeps{
		Vectors:    c.Vectors,
		Embedder:   c.Embedder,
		Cache:      c.Cache,
		Keywords:   c.Keywords,
		Graph:      c.Graph,
		Partitions: partitions,
		Runtime:    c.Runtime,
		AgentID:    cfg.AgentID,
		Logger:     logger.Named("recall"),
		Metrics:    metrics,
	})
	c.Blocks = services.NewBlockService(c.Vectors, c.Embedder, c.Cache, partitions, cfg.AgentID, logger.Named("blocks"), metrics)
	c.Feedback = services.NewFeedbackService(c.Vectors, c.Cache, partitions, logger.Named("feedback"), metrics)
	if cfg.EnableLessonExtraction {
		c.Lessons = services.NewLessonExtractor(c.Store, logger.Named("lessons"), metrics)
	}
	if cfg.EnablePreferenceTracking {
		c.Preferences = services.NewPreferenceTracker(cfg.AgentID, logger.Named("preferences"))
	}

	c.Consolidator = services.NewConsolidator(c.Vectors, c.Cache, logger.Named("consolidate"), metrics)
	if cfg.EnableTemporalMining {
		c.Miner = services.NewPatternMiner(c.Vectors, c.Graph, c.Embedder, partitions, cfg.AgentID, logger.Named("miner"), metrics)
	}
	if cfg.EnableDreamConsolidation {
		c.Dreamer = services.NewDreamer(c.Vectors, c.Embedder, c.Cache, c.Miner, partitions, cfg.AgentID, logger.Named("dream"), metrics)
		c.Dreamer.SetInterval(time.Duration(cfg.DreamIntervalHours) * time.Hour)
	}
	c.Stats = services.NewStatsService(c.Vectors, c.Keywords, c.Cache, partitions, cfg.AgentID, logger.Named("stats"))

	c.Scheduler = services.NewScheduler(
		c.Consolidator,
		c.Dreamer,
		partitions.Shared,
		time.Duration(cfg.ConsolidationIntervalHours)*time.Hour,
		time.Hour,
		logger.Named("scheduler"),
	)

	c.Router = rest.NewRouter(
		handlers.NewMemoryHandler(c.Store, c.Recall, c.Feedback, c.Lessons, c.Preferences, logger.Named("http")),
		handlers.NewBlockHandler(c.Blocks, logger.Named("http")),
		handlers.NewMaintenanceHandler(c.Consolidator, c.Dreamer, c.Miner, c.Stats, partitions, logger.Named("http")),
		registry,
		logger.Named("http"),
	)
	if c.Subscriber != nil {
		c.Hub = websocket.NewHub(logger.Named("websocket"))
		server := websocket.NewServer(c.Hub, logger.Named("websocket"))
		server.Attach(c.Subscriber)
		c.Router.MountObserver(server)
	}
	return c, nil
}

// Start brings up the background machinery: text indexes, the keyword
// index warmup, the bus subscription, the tunables watcher and the job
// scheduler.
func (c *Container) Start(ctx context.Context) error {
	partitions := c.Config.Partitions()
	for _, partition := range []string{partitions.Shared, partitions.Private} {
		if partition == "" {
			continue
		}
		if err := c.Vectors.EnsureTextIndex(ctx, partition, "content"); err != nil {
			c.Logger.Warn("text index bootstrap failed",
				zap.String("partition", partition), zap.Error(err))
		}
		c.Keywords.Bootstrap(ctx, c.Vectors, partition, 0, bootstrapBatch)
	}
	c.Metrics.SetIndexSize(c.Keywords.Len())

	if c.Subscriber != nil {
		c.Subscriber.On(core.EventInvalidate, func(string, *core.BroadcastMessage) {
			c.Cache.InvalidateAll(context.Background())
		})
		if err := c.Subscriber.Start(ctx); err != nil {
			return err
		}
	}
	if c.Watcher != nil {
		c.Watcher.Start()
	}
	if c.Hub != nil {
		go c.Hub.Run()
	}
	c.Scheduler.Start()
	return nil
}

// Shutdown tears the container down in reverse dependency order.
func (c *Container) Shutdown() {
	c.Scheduler.Stop()
	if c.Hub != nil {
		c.Hub.Stop()
	}
	if c.Watcher != nil {
		c.Watcher.Stop()
	}
	if c.Subscriber != nil {
		c.Subscriber.Stop()
	}
	c.Recall.Drain()
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
	if c.graphRdb != nil {
		_ = c.graphRdb.Close()
	}
	_ = c.Logger.Sync()
}

// settingsFrom maps file-level tunables onto the runtime settings the
// services consume.
func settingsFrom(t config.Tunables) services.Settings {
	s := services.DefaultSettings()
	s.AutoLinkThreshold = t.AutoLinkThreshold
	s.SpreadDepth = t.SpreadActivationDepth
	s.SpreadDecay = t.SpreadActivationDecay
	s.EnableAutoLink = t.EnableAutoLink
	s.EnableBM25 = t.EnableBM25
	s.EnableGraph = t.EnableGraph
	s.EnableBroadcast = t.EnableBroadcast
	return s
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.Set(cfg.LogLevel); err != nil {
		level = zapcore.InfoLevel
	}
	var zcfg zap.Config
	if cfg.IsDevelopment() {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
