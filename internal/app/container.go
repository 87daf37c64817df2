package app

import (
	"context"
	"fmt"

	"github.com/lyger/matsuri-monitor/internal/archive"
	"github.com/lyger/matsuri-monitor/internal/config"
	"github.com/lyger/matsuri-monitor/internal/constants"
	"github.com/lyger/matsuri-monitor/internal/notify"
	"github.com/lyger/matsuri-monitor/internal/rules"
	"github.com/lyger/matsuri-monitor/internal/server"
	"github.com/lyger/matsuri-monitor/internal/service/cache"
	"github.com/lyger/matsuri-monitor/internal/service/database"
	"github.com/lyger/matsuri-monitor/internal/service/holodex"
	"github.com/lyger/matsuri-monitor/internal/service/monitor"
	"github.com/lyger/matsuri-monitor/internal/service/youtube"
	"github.com/lyger/matsuri-monitor/internal/service/ytchat"
	"github.com/lyger/matsuri-monitor/internal/supervisor"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Container holds the assembled process: the supervision tree and the components it runs.
type Container struct {
	Config     *config.Config
	Logger     *zap.Logger
	Tree       *supervisor.Tree
	Supervisor *supervisor.Supervisor
	Hub        *notify.Hub
	Server     *server.Service

	closers []func()
}

// Build connects external services and wires every component. On error everything already
// opened is closed again.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (container *Container, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var closers []func()
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	}()

	// Redis (optional): channel list cache and alert pub/sub
	var (
		channelCache holodex.ChannelCache
		redisSink    notify.Sink
	)
	if cfg.Redis.Enabled {
		cacheSvc, cacheErr := cache.NewCacheService(cache.CacheConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if cacheErr != nil {
			return nil, fmt.Errorf("failed to create cache service: %w", cacheErr)
		}
		closers = append(closers, func() {
			_ = cacheSvc.Close()
		})
		if err := cacheSvc.WaitUntilReady(ctx, constants.RedisConfig.ReadyTimeout); err != nil {
			return nil, fmt.Errorf("redis not ready: %w", err)
		}
		channelCache = cacheSvc
		redisSink = notify.NewRedisPublisher(cacheSvc, cfg.Redis.AlertChannel, logger)
	}

	// Archive persistence
	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	// Live stream directory
	holodexClient := holodex.NewAPIClient(holodex.DefaultClientConfig(), cfg.Holodex.APIKeys, logger)
	directory := holodex.NewService(holodexClient, cfg.Holodex.Orgs, channelCache, logger)
	if len(cfg.Holodex.APIKeys) == 0 {
		logger.Warn("No Holodex API keys configured; requests will be unauthenticated")
	}

	// Chat ingestion
	limiter := rate.NewLimiter(rate.Limit(cfg.Monitor.ChatRequestsPerSec), constants.MonitorConfig.ChatBurst)
	chatClient := ytchat.NewClient(limiter, logger)

	var resolver monitor.StartResolver
	if cfg.YouTube.APIKey != "" {
		ytSvc, ytErr := youtube.NewYouTubeService(ctx, cfg.YouTube.APIKey, logger)
		if ytErr != nil {
			logger.Warn("Failed to initialize YouTube Data API, start times fall back to bootstrap time", zap.Error(ytErr))
		} else {
			resolver = ytSvc
		}
	}

	// Alerts
	hub := notify.NewHub(cfg.Server.CORSOrigins, logger)
	sinks := []notify.Sink{hub}
	if redisSink != nil {
		sinks = append(sinks, redisSink)
	}
	notifier := notify.NewFanout(logger, sinks...)

	// Supervision
	tree := supervisor.NewTree(supervisor.DefaultTreeConfig(), logger)

	monitorCfg := monitor.DefaultConfig()
	monitorCfg.PollInterval = constants.MonitorConfig.PollInterval
	monitorCfg.InitRetries = constants.MonitorConfig.InitRetries
	monitorCfg.TerminationCutoff = constants.MonitorConfig.TerminationCutoff
	monitorCfg.HandOffTimeout = constants.MonitorConfig.HandOffTimeout
	factory := supervisor.MonitorFactory(monitorCfg, monitor.Deps{
		Source:   chatClient,
		Resolver: resolver,
		Notifier: notifier,
		Runner:   tree.Ingestion(),
		Logger:   logger,
	})

	supCfg := supervisor.Config{
		Interval:     cfg.Monitor.UpdateInterval,
		LiveTTL:      cfg.Monitor.LiveCacheTTL,
		ArchiveTTL:   cfg.Monitor.ArchiveCacheTTL,
		Retention:    cfg.Archive.Retention,
		StoreBackend: cfg.Archive.Backend,
	}
	sup := supervisor.New(supCfg, directory, rules.NewFileSource(cfg.Rules.File), store, factory, logger)

	// HTTP
	serverCfg := server.Config{
		Port:            cfg.Server.Port,
		CORSOrigins:     cfg.Server.CORSOrigins,
		ShutdownTimeout: constants.ServerConfig.ShutdownTimeout,
	}
	httpSvc := server.NewService(serverCfg, server.NewRouter(serverCfg, sup, hub, logger), logger)

	tree.AddControl(sup)
	tree.AddControl(hub)
	tree.AddAPI(httpSvc)

	return &Container{
		Config:     cfg,
		Logger:     logger,
		Tree:       tree,
		Supervisor: sup,
		Hub:        hub,
		Server:     httpSvc,
		closers:    closers,
	}, nil
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (archive.Store, func(), error) {
	switch cfg.Archive.Backend {
	case "file":
		store, err := archive.NewFileStore(cfg.Archive.Dir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file archive: %w", err)
		}
		return store, nil, nil

	case "s3":
		store, err := archive.NewS3Store(ctx, archive.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create s3 archive: %w", err)
		}
		return store, nil, nil

	case "postgres":
		postgresSvc, err := database.NewPostgresService(ctx, database.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create postgres service: %w", err)
		}
		closePostgres := func() {
			_ = postgresSvc.Close()
		}
		store, err := archive.NewPostgresStore(ctx, postgresSvc.GetDB(), logger)
		if err != nil {
			closePostgres()
			return nil, nil, fmt.Errorf("failed to create postgres archive: %w", err)
		}
		return store, closePostgres, nil

	default:
		logger.Warn("Archive persistence disabled")
		return archive.Nop{}, nil, nil
	}
}

// Run loads rules and the persisted archive, then serves the supervision tree until ctx is
// done.
func (c *Container) Run(ctx context.Context) error {
	if err := c.Supervisor.LoadRules(); err != nil {
		c.Logger.Error("Initial rule load failed, starting with no rules", zap.Error(err))
	}
	if err := c.Supervisor.Restore(ctx); err != nil {
		c.Logger.Warn("Failed to restore archived reports", zap.Error(err))
	}

	err := c.Tree.Serve(ctx)

	if report, repErr := c.Tree.UnstoppedServiceReport(); repErr == nil && len(report) > 0 {
		for _, svc := range report {
			c.Logger.Warn("Service did not stop in time", zap.String("service", svc.Name))
		}
	}
	return err
}

// Close releases external connections in reverse order of creation.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
