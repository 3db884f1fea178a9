package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

func DefaultConfigPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("获取可执行文件路径失败: %w", err)
	}
	exeDir := filepath.Dir(exe)
	return filepath.Join(exeDir, "config", "config.yaml"), nil
}

func WriteFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("cfg 不能为空")
	}
	if path == "" {
		return fmt.Errorf("path 不能为空")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	scoring := map[string]any{
		"daily_cap":          cfg.Scoring.DailyCap,
		"oplog_ttl_hours":    cfg.Scoring.OpLogTTLHours,
		"daily_ttl_hours":    cfg.Scoring.DailyTTLHours,
		"monthly_ttl_days":   cfg.Scoring.MonthlyTTLDays,
		"key_prefix":         cfg.Scoring.KeyPrefix,
		"timezone":           cfg.Scoring.Timezone,
		"serialize_per_user": cfg.Scoring.SerializePerUser,
	}
	if len(cfg.Scoring.Actions) > 0 {
		scoring["actions"] = cfg.Scoring.Actions
	}

	payload := map[string]any{
		"app": map[string]any{
			"name":      cfg.App.Name,
			"version":   cfg.App.Version,
			"log_level": cfg.App.LogLevel,
			"log_path":  cfg.App.LogPath,
		},
		"storage": map[string]any{
			"driver":             cfg.Storage.Driver,
			"db_path":            cfg.Storage.DBPath,
			"dsn":                cfg.Storage.DSN,
			"purge_interval_sec": cfg.Storage.PurgeIntervalSec,
		},
		"scoring": scoring,
		"consumer": map[string]any{
			"workers":           cfg.Consumer.Workers,
			"buffer_size":       cfg.Consumer.BufferSize,
			"max_attempts":      cfg.Consumer.MaxAttempts,
			"retry_per_second":  cfg.Consumer.RetryPerSecond,
			"retry_burst":       cfg.Consumer.RetryBurst,
			"drain_timeout_sec": cfg.Consumer.DrainTimeoutSec,
			"spool_dir":         cfg.Consumer.SpoolDir,
		},
		"http": map[string]any{
			"listen_addr":   cfg.HTTP.ListenAddr,
			"top_limit_max": cfg.HTTP.TopLimitMax,
		},
		"cache": map[string]any{
			"user_cache_size":    cfg.Cache.UserCacheSize,
			"user_cache_ttl_sec": cfg.Cache.UserCacheTTLSec,
		},
	}

	b, err := yaml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}
