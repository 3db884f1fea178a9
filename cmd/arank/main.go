package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuqie6/activityrank/internal/bootstrap"
	"github.com/yuqie6/activityrank/internal/consumer"
	"github.com/yuqie6/activityrank/internal/httpapi"
	"github.com/yuqie6/activityrank/internal/pkg/buildinfo"
	"github.com/yuqie6/activityrank/internal/pkg/config"
	"github.com/yuqie6/activityrank/internal/schema"
	"github.com/yuqie6/activityrank/internal/service"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "arank",
		Short:         "arank - 用户活跃度积分与排行榜",
		Long:          `arank 消费用户行为事件，按每日上限幂等计分，并维护总榜/日榜/月榜。`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径")

	// 添加子命令
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(topCmd())
	rootCmd.AddCommand(rankCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

// withCore 打开核心依赖执行 fn，结束后关闭
func withCore(fn func(ctx context.Context, core *bootstrap.Core) error) error {
	core, err := bootstrap.NewCore(cfgFile)
	if err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}
	defer core.Close()
	return fn(context.Background(), core)
}

// serveCmd 启动常驻服务
func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动事件消费、spool 监听与 HTTP 查询接口",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap.NewAgentRuntime(ctx, cfgFile)
			if err != nil {
				return fmt.Errorf("启动 Agent 失败: %w", err)
			}
			defer rt.Close()

			slog.Info("arank 启动中...", "name", rt.Cfg.App.Name, "version", buildinfo.String(), "driver", rt.Cfg.Storage.Driver)

			srv, err := httpapi.Start(ctx, rt, httpapi.Options{ListenAddr: listen})
			if err != nil {
				return fmt.Errorf("启动 HTTP 失败: %w", err)
			}
			fmt.Printf("✅ 已启动: %s\n", srv.BaseURL())

			<-ctx.Done()
			slog.Info("收到退出信号，正在关闭...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			slog.Info("arank 已退出")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "监听地址（默认取 http.listen_addr）")
	return cmd
}

// applyCmd 同步处理单个事件
func applyCmd() *cobra.Command {
	var (
		userID     int64
		action     string
		targetType string
		targetID   int64
		eventID    string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "处理单个行为事件",
		Example: `  arank apply --user 42 --action praise --target-type article --target-id 1001
  arank apply --user 42 --action check_in`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(ctx context.Context, core *bootstrap.Core) error {
				code, err := resolveAction(core.Services.Catalog, action)
				if err != nil {
					return err
				}
				evt := schema.ActivityEvent{
					EventID:   eventID,
					UserID:    userID,
					Action:    code,
					Timestamp: time.Now().UnixMilli(),
				}
				if cmd.Flags().Changed("target-id") {
					tt, err := parseTargetType(targetType)
					if err != nil {
						return err
					}
					evt.TargetID = &targetID
					evt.TargetType = &tt
				}

				res, err := core.Services.Engine.Apply(ctx, evt)
				if err != nil {
					return err
				}
				fmt.Printf("结果: %s  变动: %+d  当日累计: %d\n", res.Outcome, res.Delta, res.DayTotal)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "用户 ID")
	cmd.Flags().StringVar(&action, "action", "", "行为（名称或编码）")
	cmd.Flags().StringVar(&targetType, "target-type", "article", "对象类型: article / comment / user")
	cmd.Flags().Int64Var(&targetID, "target-id", 0, "对象 ID")
	cmd.Flags().StringVar(&eventID, "event-id", "", "事件 ID（可选）")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

// ingestCmd 从 JSONL 文件导入事件
func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <file.jsonl|->",
		Short: "从 JSONL 文件（或标准输入）批量导入事件",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("打开文件失败: %w", err)
				}
				defer f.Close()
				in = f
			}

			return withCore(func(ctx context.Context, core *bootstrap.Core) error {
				outcomes := make(map[service.Outcome]int)
				sink := consumer.SubmitFunc(func(ctx context.Context, evt schema.ActivityEvent) error {
					res, err := core.Services.Engine.Apply(ctx, evt)
					outcomes[res.Outcome]++
					if err != nil && service.IsRetryable(err) {
						return err
					}
					return nil
				})

				stats, err := consumer.IngestJSONL(ctx, in, sink)
				fmt.Printf("📥 读取 %d 行，处理 %d 条，跳过 %d 条\n", stats.Lines, stats.Submitted, stats.Skipped)
				for o := service.OutcomeNoop; o <= service.OutcomeFailed; o++ {
					if n := outcomes[o]; n > 0 {
						fmt.Printf("  • %s: %d\n", o, n)
					}
				}
				return err
			})
		},
	}
	return cmd
}

// topCmd 排行榜
func topCmd() *cobra.Command {
	var (
		window string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "top",
		Short: "查看排行榜前 N 名",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := service.ParseWindow(window)
			if err != nil {
				return err
			}
			return withCore(func(ctx context.Context, core *bootstrap.Core) error {
				entries, err := core.Services.Reader.Top(ctx, w, limit)
				if err != nil {
					return err
				}
				fmt.Printf("🏆 %s 排行榜\n", w)
				fmt.Println("═══════════════════════════════════════")
				if len(entries) == 0 {
					fmt.Println("  （暂无数据）")
				}
				for _, e := range entries {
					fmt.Printf("  %3d. %-20s %8d  (uid=%d)\n", e.Rank, displayName(e), e.Score, e.UserID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&window, "window", "w", "total", "窗口: total / daily / monthly")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "返回条数")
	return cmd
}

// rankCmd 单个用户名次
func rankCmd() *cobra.Command {
	var (
		userID int64
		window string
	)

	cmd := &cobra.Command{
		Use:   "rank",
		Short: "查看用户在某个窗口的名次",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := service.ParseWindow(window)
			if err != nil {
				return err
			}
			return withCore(func(ctx context.Context, core *bootstrap.Core) error {
				res, ok, err := core.Services.Reader.RankOf(ctx, userID, w)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Printf("用户 %d 在 %s 榜没有分数\n", userID, w)
					return nil
				}
				fmt.Printf("用户 %d  %s 榜  名次: %d  顺位: %d  分数: %d\n", userID, w, res.Rank, res.Position, res.Score)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "用户 ID")
	cmd.Flags().StringVarP(&window, "window", "w", "total", "窗口: total / daily / monthly")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// statsCmd 用户三个窗口的汇总
func statsCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "查看用户在全部窗口的名次与分数",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(ctx context.Context, core *bootstrap.Core) error {
				stats, err := core.Services.Reader.StatsOf(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Printf("📊 用户 %d\n", userID)
				for _, w := range service.AllWindows() {
					res, ok := stats[w]
					if !ok {
						fmt.Printf("  • %-8s -\n", w)
						continue
					}
					fmt.Printf("  • %-8s 名次 %d  分数 %d\n", w, res.Rank, res.Score)
				}
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "用户 ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// purgeCmd 立即清理过期键
func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "清理已过期的操作日志与排行榜",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(ctx context.Context, core *bootstrap.Core) error {
				n, err := core.PurgeExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("🧹 已清理 %d 个过期键\n", n)
				return nil
			})
		},
	}
}

// userCmd 维护用户资料（排行榜展示所需）
func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "维护用户资料",
	}

	var (
		userID   int64
		nickname string
		avatar   string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "新增或更新用户资料",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(ctx context.Context, core *bootstrap.Core) error {
				if err := core.Repos.Users.Upsert(ctx, &schema.UserProfile{ID: userID, Nickname: nickname, Avatar: avatar}); err != nil {
					return err
				}
				fmt.Printf("✅ 用户 %d 已保存\n", userID)
				return nil
			})
		},
	}
	set.Flags().Int64Var(&userID, "id", 0, "用户 ID")
	set.Flags().StringVar(&nickname, "nickname", "", "昵称")
	set.Flags().StringVar(&avatar, "avatar", "", "头像 URL")
	_ = set.MarkFlagRequired("id")

	cmd.AddCommand(set)
	return cmd
}

// configCmd 配置文件管理
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "配置文件管理",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "写出默认配置文件",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if path == "" {
				p, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				path = p
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("配置文件已存在: %s（使用 --force 覆盖）", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.WriteFile(path, config.Default()); err != nil {
				return err
			}
			fmt.Printf("✅ 已写入 %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "覆盖已有文件")

	cmd.AddCommand(initCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildinfo.String())
		},
	}
}

// resolveAction 接受行为名称（如 praise）或数字编码
func resolveAction(catalog *service.ActionCatalog, raw string) (schema.ActionCode, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return schema.ActionCode(n), nil
	}
	for _, d := range catalog.Definitions() {
		if strings.EqualFold(d.Name, raw) {
			return d.Code, nil
		}
	}
	return 0, fmt.Errorf("未知的行为: %q", raw)
}

func parseTargetType(raw string) (schema.TargetType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "article", "1":
		return schema.TargetArticle, nil
	case "comment", "2":
		return schema.TargetComment, nil
	case "user", "3":
		return schema.TargetUser, nil
	default:
		return 0, fmt.Errorf("未知的对象类型: %q", raw)
	}
}

func displayName(e service.LeaderboardEntry) string {
	if strings.TrimSpace(e.Nickname) != "" {
		return e.Nickname
	}
	return "user-" + strconv.FormatInt(e.UserID, 10)
}
