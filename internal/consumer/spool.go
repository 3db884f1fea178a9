package consumer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/yuqie6/activityrank/internal/schema"
)

const (
	spoolExt   = ".jsonl"
	doneSuffix = ".done"
)

// IngestStats 一次导入的统计
type IngestStats struct {
	Lines     int `json:"lines"`
	Submitted int `json:"submitted"`
	Skipped   int `json:"skipped"`
}

// IngestJSONL 逐行解析事件并提交；空行跳过，无法解析的行记录告警后跳过。
// 提交失败（如 ctx 结束、分发器关闭）时立即返回。
func IngestJSONL(ctx context.Context, r io.Reader, sink Submitter) (IngestStats, error) {
	var stats IngestStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		stats.Lines++

		var evt schema.ActivityEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			stats.Skipped++
			slog.Warn("跳过无法解析的事件行", "line", stats.Lines, "error", err)
			continue
		}
		if err := sink.Submit(ctx, evt); err != nil {
			return stats, fmt.Errorf("提交事件失败(第 %d 行): %w", stats.Lines, err)
		}
		stats.Submitted++
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("读取事件流失败: %w", err)
	}
	return stats, nil
}

// SpoolWatcher 监听投递目录中的 *.jsonl 文件。
// 生产方应先写入临时文件再重命名为 .jsonl，处理完成后文件被重命名为 .jsonl.done。
type SpoolWatcher struct {
	dir      string
	sink     Submitter
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewSpoolWatcher(dir string, sink Submitter) (*SpoolWatcher, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("spool 目录不能为空")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("获取绝对路径失败: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("创建 spool 目录失败: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}
	if err := watcher.Add(abs); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("监控 spool 目录失败: %w", err)
	}

	return &SpoolWatcher{
		dir:      abs,
		sink:     sink,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start 先处理目录中已有的文件，再进入监听循环
func (w *SpoolWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if running {
		return nil
	}

	pending, err := w.pendingFiles()
	if err != nil {
		return err
	}
	for _, path := range pending {
		w.processFile(ctx, path)
	}

	// 只有监听循环真正启动后才标记 running，Stop 才会等待 done
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true
	go w.watchLoop(ctx)
	slog.Info("spool 监听启动", "dir", w.dir, "pending", len(pending))
	return nil
}

// pendingFiles 按文件名排序返回目录中待导入的 *.jsonl
func (w *SpoolWatcher) pendingFiles() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("扫描 spool 目录失败: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != spoolExt {
			continue
		}
		out = append(out, filepath.Join(w.dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Stop 停止监听
func (w *SpoolWatcher) Stop() error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		running := w.running
		w.running = false
		w.mu.Unlock()

		close(w.stopChan)
		_ = w.watcher.Close()
		if running {
			<-w.done
		}
		slog.Info("spool 监听已停止", "dir", w.dir)
	})
	return nil
}

func (w *SpoolWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// 只认重命名/新建，避免读到写了一半的文件
			if !event.Has(fsnotify.Create) {
				continue
			}
			if filepath.Ext(event.Name) != spoolExt {
				continue
			}
			w.processFile(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("spool 监控错误", "error", err)
		}
	}
}

// processFile 导入单个文件；成功后重命名，失败时保留原文件等待下次启动重试
func (w *SpoolWatcher) processFile(ctx context.Context, path string) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("打开 spool 文件失败", "path", path, "error", err)
		}
		return
	}
	stats, err := IngestJSONL(ctx, f, w.sink)
	_ = f.Close()
	if err != nil {
		slog.Error("导入 spool 文件失败", "path", path, "submitted", stats.Submitted, "error", err)
		return
	}
	if err := os.Rename(path, path+doneSuffix); err != nil {
		slog.Warn("标记 spool 文件完成失败", "path", path, "error", err)
		return
	}
	slog.Info("spool 文件已导入", "path", filepath.Base(path), "submitted", stats.Submitted, "skipped", stats.Skipped)
}
