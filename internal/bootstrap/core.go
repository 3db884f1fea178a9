package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/yuqie6/activityrank/internal/consumer"
	"github.com/yuqie6/activityrank/internal/eventbus"
	"github.com/yuqie6/activityrank/internal/observability"
	"github.com/yuqie6/activityrank/internal/pkg/config"
	"github.com/yuqie6/activityrank/internal/repository"
	"github.com/yuqie6/activityrank/internal/service"
)

// Core 持有 CLI 与 Agent 共享的核心依赖
type Core struct {
	Cfg       *config.Config
	DB        *repository.Database
	LogCloser io.Closer
	Hub       *eventbus.Hub
	Metrics   *observability.Metrics

	Repos struct {
		Scores service.ScoreStore
		Purger service.ExpiredPurger
		Users  *repository.UserRepository
	}

	Services struct {
		Catalog *service.ActionCatalog
		Keys    service.KeyScheme
		Engine  *service.ScoringEngine
		Reader  *service.LeaderboardReader
		Users   *service.CachedUserDirectory
	}

	Dispatcher *consumer.Dispatcher
}

// NewCore 加载配置、初始化日志并构建核心依赖（不启动后台任务）
func NewCore(cfgPath string) (*Core, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logCloser, err := config.SetupLogger(config.LoggerOptions{
		Level:     cfg.App.LogLevel,
		Path:      cfg.App.LogPath,
		Component: filepath.Base(os.Args[0]),
	})
	if err != nil {
		slog.Warn("日志文件初始化失败，仅输出到控制台", "error", err)
	}

	c, err := NewCoreWithConfig(cfg)
	if err != nil {
		if logCloser != nil {
			_ = logCloser.Close()
		}
		return nil, err
	}
	c.LogCloser = logCloser
	return c, nil
}

// NewCoreWithConfig 用已加载的配置构建核心依赖
func NewCoreWithConfig(cfg *config.Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	catalog, err := buildCatalog(cfg)
	if err != nil {
		return nil, err
	}

	db, err := repository.NewDatabase(repository.DatabaseOptions{
		Driver: cfg.Storage.Driver,
		DBPath: cfg.Storage.DBPath,
		DSN:    cfg.Storage.DSN,
	})
	if err != nil {
		return nil, err
	}

	c := &Core{
		Cfg:     cfg,
		DB:      db,
		Hub:     eventbus.NewHub(),
		Metrics: observability.NewMetrics(),
	}

	// Repos
	if cfg.Storage.Driver == "memory" {
		store := repository.NewMemoryStore()
		c.Repos.Scores, c.Repos.Purger = store, store
	} else {
		store := repository.NewScoreRepository(db.DB)
		c.Repos.Scores, c.Repos.Purger = store, store
	}
	c.Repos.Users = repository.NewUserRepository(db.DB)

	// Services
	c.Services.Catalog = catalog
	c.Services.Keys = service.NewKeyScheme(cfg.Scoring.KeyPrefix, cfg.Scoring.Location())

	opts := []service.EngineOption{
		service.WithObserver(c.Metrics),
		service.WithPublisher(c.Hub),
	}
	if cfg.Scoring.SerializePerUser {
		opts = append(opts, service.WithUserLocks(0))
	}
	c.Services.Engine = service.NewScoringEngine(catalog, c.Services.Keys, c.Repos.Scores, service.EngineConfig{
		DailyCap:   cfg.Scoring.DailyCap,
		OpLogTTL:   cfg.Scoring.OpLogTTL(),
		DailyTTL:   cfg.Scoring.DailyTTL(),
		MonthlyTTL: cfg.Scoring.MonthlyTTL(),
	}, opts...)

	users, err := service.NewCachedUserDirectory(
		c.Repos.Users,
		cfg.Cache.UserCacheSize,
		time.Duration(cfg.Cache.UserCacheTTLSec)*time.Second,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c.Services.Users = users
	c.Services.Reader = service.NewLeaderboardReader(c.Repos.Scores, c.Services.Keys, users)

	c.Dispatcher = consumer.NewDispatcher(c.Services.Engine, consumer.DispatcherConfig{
		Workers:        cfg.Consumer.Workers,
		BufferSize:     cfg.Consumer.BufferSize,
		MaxAttempts:    cfg.Consumer.MaxAttempts,
		RetryPerSecond: cfg.Consumer.RetryPerSecond,
		RetryBurst:     cfg.Consumer.RetryBurst,
		DrainTimeout:   time.Duration(cfg.Consumer.DrainTimeoutSec) * time.Second,
	}, c.Metrics, c.Hub)

	return c, nil
}

// buildCatalog 配置中提供了 actions 时整体替换默认行为表
func buildCatalog(cfg *config.Config) (*service.ActionCatalog, error) {
	defs := cfg.Scoring.Actions
	if len(defs) == 0 {
		defs = service.DefaultActionDefinitions()
	}
	catalog, err := service.NewActionCatalog(defs)
	if err != nil {
		return nil, fmt.Errorf("行为目录配置无效: %w", err)
	}
	return catalog, nil
}

// PurgeExpired 清理已过期的键
func (c *Core) PurgeExpired(ctx context.Context) (int64, error) {
	if c.Repos.Purger == nil {
		return 0, nil
	}
	return c.Repos.Purger.PurgeExpired(ctx)
}

// Close 关闭核心依赖资源
func (c *Core) Close() error {
	if c == nil {
		return nil
	}
	var dbErr error
	if c.DB != nil {
		dbErr = c.DB.Close()
	}
	if c.LogCloser != nil {
		_ = c.LogCloser.Close()
	}
	return dbErr
}
