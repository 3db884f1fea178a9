package bootstrap

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/yuqie6/activityrank/internal/consumer"
)

// AgentRuntime 包含 Agent 需要启动的消费与后台任务
type AgentRuntime struct {
	*Core
	Spool     *consumer.SpoolWatcher
	StartedAt time.Time
}

// NewAgentRuntime 构建 Agent 运行时并启动后台任务
func NewAgentRuntime(ctx context.Context, cfgPath string) (*AgentRuntime, error) {
	core, err := NewCore(cfgPath)
	if err != nil {
		return nil, err
	}
	rt, err := StartAgent(ctx, core)
	if err != nil {
		_ = core.Close()
		return nil, err
	}
	return rt, nil
}

// StartAgent 在已有 Core 上启动分发器、spool 监听与过期清理
func StartAgent(ctx context.Context, core *Core) (*AgentRuntime, error) {
	rt := &AgentRuntime{Core: core, StartedAt: time.Now()}

	core.Dispatcher.Start(ctx)

	// spool 目录投递（optional）
	if dir := strings.TrimSpace(core.Cfg.Consumer.SpoolDir); dir != "" {
		spool, err := consumer.NewSpoolWatcher(dir, core.Dispatcher)
		if err != nil {
			core.Dispatcher.Stop()
			return nil, err
		}
		if err := spool.Start(ctx); err != nil {
			_ = spool.Stop()
			core.Dispatcher.Stop()
			return nil, err
		}
		rt.Spool = spool
	}

	// 过期键清理
	if sec := core.Cfg.Storage.PurgeIntervalSec; sec > 0 {
		go runPeriodic(ctx, time.Duration(sec)*time.Second, func() { purgeOnce(ctx, core) })
	}

	return rt, nil
}

// Close 停止后台任务并关闭核心依赖
func (rt *AgentRuntime) Close() error {
	if rt == nil {
		return nil
	}
	if rt.Spool != nil {
		_ = rt.Spool.Stop()
	}
	if rt.Dispatcher != nil {
		rt.Dispatcher.Stop()
	}
	return rt.Core.Close()
}

// runPeriodic 定时执行函数
func runPeriodic(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func purgeOnce(ctx context.Context, core *Core) {
	if ctx.Err() != nil {
		return
	}
	n, err := core.PurgeExpired(ctx)
	if err != nil {
		slog.Warn("清理过期键失败", "error", err)
		return
	}
	if n > 0 {
		slog.Info("已清理过期键", "count", n)
	}
}
