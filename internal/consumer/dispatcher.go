package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/yuqie6/activityrank/internal/eventbus"
	"github.com/yuqie6/activityrank/internal/schema"
	"github.com/yuqie6/activityrank/internal/service"
)

// ErrDispatcherClosed 分发器已停止，不再接收事件
var ErrDispatcherClosed = errors.New("事件分发器已关闭")

// Applier 事件处理方（ScoringEngine）
type Applier interface {
	Apply(ctx context.Context, evt schema.ActivityEvent) (service.ApplyResult, error)
}

// Metrics 消费端指标
type Metrics interface {
	QueueDepthAdd(delta float64)
	RetryInc()
	DeadLetterInc()
	ObserveApply(d time.Duration)
}

// Submitter 事件入口
type Submitter interface {
	Submit(ctx context.Context, evt schema.ActivityEvent) error
}

// SubmitFunc 函数适配器
type SubmitFunc func(ctx context.Context, evt schema.ActivityEvent) error

func (f SubmitFunc) Submit(ctx context.Context, evt schema.ActivityEvent) error { return f(ctx, evt) }

// DispatcherConfig 分发器配置
type DispatcherConfig struct {
	Workers        int
	BufferSize     int
	MaxAttempts    int
	RetryPerSecond float64
	RetryBurst     int
	DrainTimeout   time.Duration // Stop 时处理队列剩余事件的最长时间
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:        4,
		BufferSize:     1024,
		MaxAttempts:    5,
		RetryPerSecond: 20,
		RetryBurst:     5,
		DrainTimeout:   10 * time.Second,
	}
}

// Stats 分发器累计计数
type Stats struct {
	Submitted    int64 `json:"submitted"`
	Processed    int64 `json:"processed"`
	Rejected     int64 `json:"rejected"`
	Retries      int64 `json:"retries"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Dispatcher 至少一次投递的事件消费者。
// 事件按 userId 哈希到固定 worker，同一用户的事件串行处理，不同用户之间并行。
type Dispatcher struct {
	applier   Applier
	cfg       DispatcherConfig
	queues    []chan schema.ActivityEvent
	limiter   *rate.Limiter
	metrics   Metrics
	publisher service.EventPublisher

	mu       sync.RWMutex
	started  bool
	closed   bool
	pending  sync.WaitGroup // 正在 Submit 中的调用
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}   // 关闭后 Submit 不再等待队列空位
	drainCh  chan struct{}   // 关闭后 worker 处理完自己队列的剩余事件再退出
	drainCtx context.Context // 在 drainCh 关闭前写入

	submitted    atomic.Int64
	processed    atomic.Int64
	rejected     atomic.Int64
	retries      atomic.Int64
	deadLettered atomic.Int64
}

func NewDispatcher(applier Applier, cfg DispatcherConfig, metrics Metrics, publisher service.EventPublisher) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryPerSecond <= 0 {
		cfg.RetryPerSecond = def.RetryPerSecond
	}
	if cfg.RetryBurst <= 0 {
		cfg.RetryBurst = def.RetryBurst
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	perWorker := cfg.BufferSize / cfg.Workers
	if perWorker < 1 {
		perWorker = 1
	}
	queues := make([]chan schema.ActivityEvent, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan schema.ActivityEvent, perWorker)
	}

	return &Dispatcher{
		applier:   applier,
		cfg:       cfg,
		queues:    queues,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RetryPerSecond), cfg.RetryBurst),
		metrics:   metrics,
		publisher: publisher,
		stopCh:    make(chan struct{}),
		drainCh:   make(chan struct{}),
	}
}

// Start 启动 worker；ctx 结束后 worker 退出，队列中剩余事件留给 Stop 处理
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i, q := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, i, q)
	}
	slog.Info("事件分发器启动", "workers", len(d.queues), "max_attempts", d.cfg.MaxAttempts)
}

// Submit 入队一个事件；队列满时阻塞直到有空位、ctx 结束或分发器停止。
// 未携带 eventId 的事件会分配一个 UUID，便于日志追踪。
func (d *Dispatcher) Submit(ctx context.Context, evt schema.ActivityEvent) error {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrDispatcherClosed
	}
	d.pending.Add(1)
	d.mu.RUnlock()
	defer d.pending.Done()

	q := d.queues[d.partition(evt.UserID)]
	select {
	case q <- evt:
		d.submitted.Add(1)
		d.metrics.QueueDepthAdd(1)
		return nil
	case <-d.stopCh:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收新事件，并在 DrainTimeout 内处理完已入队的事件；
// 超时仍未成功的事件转入死信。
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.stopCh)
		d.mu.Unlock()

		// 等阻塞中的 Submit 全部返回，此后队列只减不增
		d.pending.Wait()

		drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout)
		defer cancel()
		d.drainCtx = drainCtx
		close(d.drainCh)
		d.wg.Wait()

		// worker 已随 ctx 退出或从未启动时，剩余事件在这里处理
		for i, q := range d.queues {
			d.drain(drainCtx, i, q)
		}
		slog.Info("事件分发器已停止", "processed", d.processed.Load(), "dead_lettered", d.deadLettered.Load())
	})
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted:    d.submitted.Load(),
		Processed:    d.processed.Load(),
		Rejected:     d.rejected.Load(),
		Retries:      d.retries.Load(),
		DeadLettered: d.deadLettered.Load(),
	}
}

func (d *Dispatcher) partition(userID int64) int {
	return int(uint64(userID) % uint64(len(d.queues)))
}

func (d *Dispatcher) worker(ctx context.Context, id int, q <-chan schema.ActivityEvent) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.drainCh:
			d.drain(d.drainCtx, id, q)
			return
		case evt := <-q:
			d.process(ctx, id, evt)
		}
	}
}

// drain 非阻塞地处理队列中剩余的事件
func (d *Dispatcher) drain(ctx context.Context, id int, q <-chan schema.ActivityEvent) {
	for {
		select {
		case evt := <-q:
			d.process(ctx, id, evt)
		default:
			return
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, id int, evt schema.ActivityEvent) {
	d.metrics.QueueDepthAdd(-1)
	start := time.Now()
	d.handle(ctx, id, evt)
	d.metrics.ObserveApply(time.Since(start))
}

// handle 处理单个事件：不可重试的错误确认丢弃，可重试的限速重投，次数耗尽后转入死信
func (d *Dispatcher) handle(ctx context.Context, worker int, evt schema.ActivityEvent) {
	for attempt := 1; ; attempt++ {
		res, err := d.applier.Apply(ctx, evt)
		if err == nil {
			d.processed.Add(1)
			return
		}

		if !service.IsRetryable(err) {
			d.rejected.Add(1)
			slog.Warn("事件不可处理，已确认丢弃", "worker", worker, "event_id", evt.EventID, "user_id", evt.UserID, "outcome", res.Outcome.String(), "error", err)
			d.publish(eventbus.TypeRejected, evt, attempt, err)
			return
		}

		if attempt >= d.cfg.MaxAttempts {
			d.deadLetter(worker, evt, attempt, err)
			return
		}

		d.retries.Add(1)
		d.metrics.RetryInc()
		slog.Debug("事件处理失败，准备重试", "worker", worker, "event_id", evt.EventID, "attempt", attempt, "error", err)
		if werr := d.limiter.Wait(ctx); werr != nil {
			d.deadLetter(worker, evt, attempt, errors.Join(err, werr))
			return
		}
	}
}

func (d *Dispatcher) deadLetter(worker int, evt schema.ActivityEvent, attempts int, err error) {
	d.deadLettered.Add(1)
	d.metrics.DeadLetterInc()
	slog.Error("事件重试耗尽，转入死信", "worker", worker, "event_id", evt.EventID, "user_id", evt.UserID, "action", evt.Action, "attempts", attempts, "error", err)
	d.publish(eventbus.TypeDeadLetter, evt, attempts, err)
}

func (d *Dispatcher) publish(typ string, evt schema.ActivityEvent, attempts int, err error) {
	if d.publisher == nil {
		return
	}
	d.publisher.Publish(eventbus.Event{
		Type: typ,
		Data: map[string]any{
			"event_id": evt.EventID,
			"user_id":  evt.UserID,
			"action":   int(evt.Action),
			"attempts": attempts,
			"error":    err.Error(),
		},
	})
}

type noopMetrics struct{}

func (noopMetrics) QueueDepthAdd(float64)      {}
func (noopMetrics) RetryInc()                  {}
func (noopMetrics) DeadLetterInc()             {}
func (noopMetrics) ObserveApply(time.Duration) {}
