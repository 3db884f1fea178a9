package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/yuqie6/activityrank/internal/schema"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 应用配置
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Scoring  ScoringConfig  `mapstructure:"scoring"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name     string `mapstructure:"name"`
	Version  string `mapstructure:"version"`
	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Driver           string `mapstructure:"driver"` // sqlite / postgres / memory
	DBPath           string `mapstructure:"db_path"`
	DSN              string `mapstructure:"dsn"`
	PurgeIntervalSec int    `mapstructure:"purge_interval_sec"`
}

// ScoringConfig 积分与排行榜配置
type ScoringConfig struct {
	DailyCap         int64                     `mapstructure:"daily_cap"`
	OpLogTTLHours    int                       `mapstructure:"oplog_ttl_hours"`
	DailyTTLHours    int                       `mapstructure:"daily_ttl_hours"`
	MonthlyTTLDays   int                       `mapstructure:"monthly_ttl_days"`
	KeyPrefix        string                    `mapstructure:"key_prefix"`
	Timezone         string                    `mapstructure:"timezone"`
	SerializePerUser bool                      `mapstructure:"serialize_per_user"`
	Actions          []schema.ActionDefinition `mapstructure:"actions"`
}

// ConsumerConfig 事件消费配置
type ConsumerConfig struct {
	Workers         int     `mapstructure:"workers"`
	BufferSize      int     `mapstructure:"buffer_size"`
	MaxAttempts     int     `mapstructure:"max_attempts"`
	RetryPerSecond  float64 `mapstructure:"retry_per_second"`
	RetryBurst      int     `mapstructure:"retry_burst"`
	DrainTimeoutSec int     `mapstructure:"drain_timeout_sec"`
	SpoolDir        string  `mapstructure:"spool_dir"`
}

// HTTPConfig 只读查询接口配置
type HTTPConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	TopLimitMax int    `mapstructure:"top_limit_max"`
}

// CacheConfig 用户资料缓存配置
type CacheConfig struct {
	UserCacheSize   int `mapstructure:"user_cache_size"`
	UserCacheTTLSec int `mapstructure:"user_cache_ttl_sec"`
}

// OpLogTTL 操作日志过期时间
func (c ScoringConfig) OpLogTTL() time.Duration {
	return time.Duration(c.OpLogTTLHours) * time.Hour
}

// DailyTTL 日榜过期时间
func (c ScoringConfig) DailyTTL() time.Duration {
	return time.Duration(c.DailyTTLHours) * time.Hour
}

// MonthlyTTL 月榜过期时间
func (c ScoringConfig) MonthlyTTL() time.Duration {
	return time.Duration(c.MonthlyTTLDays) * 24 * time.Hour
}

// Location 解析时区；为空或非法时回退到本地时区
func (c ScoringConfig) Location() *time.Location {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		slog.Warn("时区配置无效，使用本地时区", "timezone", c.Timezone, "error", err)
		return time.Local
	}
	return loc
}

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	// 本地开发：.env 中的变量也参与环境变量覆盖
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Debug("读取 .env 失败", "error", err)
	}

	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// 支持环境变量
	v.SetEnvPrefix("ARANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || (configPath != "" && errors.Is(err, os.ErrNotExist)) {
			slog.Warn("配置文件未找到，使用默认配置")
		} else {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	} else {
		slog.Info("加载配置文件", "path", v.ConfigFileUsed())
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 处理环境变量占位符
	cfg.Storage.DSN = expandEnv(cfg.Storage.DSN)

	// 处理相对路径
	if cfg.Storage.DBPath != "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DBPath = resolvePath(cfg.Storage.DBPath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回全部默认值组成的配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("cfg 不能为空")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("不支持的存储驱动: %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("postgres 驱动需要配置 storage.dsn")
	}
	if c.Scoring.DailyCap <= 0 {
		return fmt.Errorf("scoring.daily_cap 必须为正数")
	}
	if c.Scoring.OpLogTTLHours <= 0 || c.Scoring.DailyTTLHours <= 0 || c.Scoring.MonthlyTTLDays <= 0 {
		return fmt.Errorf("scoring 过期时间必须为正数")
	}
	if c.Consumer.Workers <= 0 {
		return fmt.Errorf("consumer.workers 必须为正数")
	}
	if c.Consumer.MaxAttempts <= 0 {
		return fmt.Errorf("consumer.max_attempts 必须为正数")
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("app.name", "activityrank")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_path", "")

	// Storage
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.db_path", "./data/activityrank.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.purge_interval_sec", 600)

	// Scoring
	v.SetDefault("scoring.daily_cap", 100)
	v.SetDefault("scoring.oplog_ttl_hours", 25)
	v.SetDefault("scoring.daily_ttl_hours", 24)
	v.SetDefault("scoring.monthly_ttl_days", 31)
	v.SetDefault("scoring.key_prefix", "arank")
	v.SetDefault("scoring.timezone", "")
	v.SetDefault("scoring.serialize_per_user", true)

	// Consumer
	v.SetDefault("consumer.workers", 4)
	v.SetDefault("consumer.buffer_size", 1024)
	v.SetDefault("consumer.max_attempts", 5)
	v.SetDefault("consumer.retry_per_second", 20)
	v.SetDefault("consumer.retry_burst", 5)
	v.SetDefault("consumer.drain_timeout_sec", 10)
	v.SetDefault("consumer.spool_dir", "")

	// HTTP
	v.SetDefault("http.listen_addr", "127.0.0.1:8088")
	v.SetDefault("http.top_limit_max", 100)

	// Cache
	v.SetDefault("cache.user_cache_size", 500)
	v.SetDefault("cache.user_cache_ttl_sec", 300)
}

// expandEnv 展开环境变量占位符 ${VAR}
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		envVar := s[2 : len(s)-1]
		return os.Getenv(envVar)
	}
	return s
}

// resolvePath 解析相对路径为绝对路径
func resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	// 获取可执行文件目录
	exe, err := os.Executable()
	if err != nil {
		return path
	}

	exeDir := filepath.Dir(exe)
	return filepath.Join(exeDir, path)
}

// LoggerOptions 日志初始化参数
type LoggerOptions struct {
	Level     string
	Path      string // 为空时只输出到 stdout
	Component string
}

// SetupLogger 根据配置设置日志级别与输出；返回的 Closer 用于关闭日志文件
func SetupLogger(opts LoggerOptions) (io.Closer, error) {
	var logLevel slog.Level
	switch strings.ToLower(opts.Level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	var closer io.Closer
	if strings.TrimSpace(opts.Path) != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    20, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	if opts.Component != "" {
		logger = logger.With("component", opts.Component)
	}
	slog.SetDefault(logger)
	return closer, nil
}
