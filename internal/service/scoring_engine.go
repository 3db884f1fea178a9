package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yuqie6/activityrank/internal/eventbus"
	"github.com/yuqie6/activityrank/internal/schema"
)

// Outcome 单次 Apply 的处理结果
type Outcome int

const (
	OutcomeNoop             Outcome = iota // 基础分为 0
	OutcomeApplied                         // 正分已入账（可能被截断）
	OutcomeDuplicate                       // 当日同一三元组已入账，重复投递
	OutcomeCapReached                      // 当日已达上限，未入账
	OutcomeReversed                        // 已按记录金额撤销
	OutcomeNothingToReverse                // 没有可撤销的记录
	OutcomeRejected                        // 事件被丢弃（不可重试）
	OutcomeFailed                          // 存储失败（可重试）
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoop:
		return "noop"
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeCapReached:
		return "cap_reached"
	case OutcomeReversed:
		return "reversed"
	case OutcomeNothingToReverse:
		return "nothing_to_reverse"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ApplyResult Apply 的返回值；Delta 为写入三个排行榜的有符号分值
type ApplyResult struct {
	Outcome  Outcome
	Delta    int64
	DayTotal int64
}

// EngineConfig 积分引擎参数
type EngineConfig struct {
	DailyCap   int64
	OpLogTTL   time.Duration
	DailyTTL   time.Duration
	MonthlyTTL time.Duration
}

// DefaultEngineConfig 默认参数：每日上限 100，日志保留 25 小时
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DailyCap:   100,
		OpLogTTL:   25 * time.Hour,
		DailyTTL:   24 * time.Hour,
		MonthlyTTL: 31 * 24 * time.Hour,
	}
}

// ScoringEngine 幂等积分引擎：校验事件、按正负分分发、执行每日上限、
// 维护当日操作日志，并更新总榜/日榜/月榜。
//
// 各存储调用各自原子，整个流程不是一个事务：同一用户同一三元组的并发重复投递
// 可能同时通过幂等检查。需要更强保证时用 WithUserLocks 或在上游按用户分区。
type ScoringEngine struct {
	catalog   *ActionCatalog
	keys      KeyScheme
	store     ScoreStore
	cfg       EngineConfig
	now       func() time.Time
	locks     *userLocks
	observer  ScoringObserver
	publisher EventPublisher
}

// EngineOption 引擎可选项
type EngineOption func(*ScoringEngine)

// WithClock 替换时钟
func WithClock(now func() time.Time) EngineOption {
	return func(e *ScoringEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithUserLocks 同一用户的 Apply 串行执行（按用户 ID 分段加锁）
func WithUserLocks(stripes int) EngineOption {
	return func(e *ScoringEngine) {
		e.locks = newUserLocks(stripes)
	}
}

// WithObserver 设置指标观察者
func WithObserver(o ScoringObserver) EngineOption {
	return func(e *ScoringEngine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithPublisher 设置积分变动通知出口
func WithPublisher(p EventPublisher) EngineOption {
	return func(e *ScoringEngine) {
		e.publisher = p
	}
}

// NewScoringEngine 创建积分引擎
func NewScoringEngine(catalog *ActionCatalog, keys KeyScheme, store ScoreStore, cfg EngineConfig, opts ...EngineOption) *ScoringEngine {
	if catalog == nil {
		catalog = MustDefaultCatalog()
	}
	def := DefaultEngineConfig()
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = def.DailyCap
	}
	if cfg.OpLogTTL <= 0 {
		cfg.OpLogTTL = def.OpLogTTL
	}
	if cfg.DailyTTL <= 0 {
		cfg.DailyTTL = def.DailyTTL
	}
	if cfg.MonthlyTTL <= 0 {
		cfg.MonthlyTTL = def.MonthlyTTL
	}
	e := &ScoringEngine{
		catalog:  catalog,
		keys:     keys,
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		observer: noopObserver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Apply 处理一个行为事件。重复投递是幂等的；撤销事件精确扣回当初实际入账的分值。
// 返回的错误中，IsRetryable 为 true 的应由调用方重新投递，其余直接确认丢弃。
func (e *ScoringEngine) Apply(ctx context.Context, evt schema.ActivityEvent) (ApplyResult, error) {
	def, ok := e.catalog.Lookup(evt.Action)
	if !ok {
		slog.Error("丢弃未知行为事件", "event_id", evt.EventID, "user_id", evt.UserID, "action", evt.Action)
		e.observer.ObserveOutcome(evt.Action, OutcomeRejected)
		return ApplyResult{Outcome: OutcomeRejected}, fmt.Errorf("%w: %d", ErrInvalidAction, evt.Action)
	}
	if evt.UserID <= 0 {
		slog.Error("丢弃缺少用户的事件", "event_id", evt.EventID, "action", evt.Action)
		e.observer.ObserveOutcome(evt.Action, OutcomeRejected)
		return ApplyResult{Outcome: OutcomeRejected}, fmt.Errorf("%w: userId=%d", ErrInvalidEvent, evt.UserID)
	}
	if def.BaseScore == 0 {
		e.observer.ObserveOutcome(evt.Action, OutcomeNoop)
		return ApplyResult{Outcome: OutcomeNoop}, nil
	}

	if e.locks != nil {
		unlock := e.locks.lock(evt.UserID)
		defer unlock()
	}

	now := e.now()
	var (
		res ApplyResult
		err error
	)
	if def.IsReversal() {
		res, err = e.applyNegative(ctx, evt, def, now)
	} else {
		res, err = e.applyPositive(ctx, evt, def, now)
	}

	e.observer.ObserveOutcome(evt.Action, res.Outcome)
	if err != nil {
		return res, err
	}
	switch res.Outcome {
	case OutcomeApplied, OutcomeReversed:
		e.observer.ObservePoints(res.Outcome, res.Delta)
		e.notify(evt, res)
	case OutcomeDuplicate:
		slog.Debug("重复投递，已忽略", "event_id", evt.EventID, "user_id", evt.UserID, "action", evt.Action, "occurred_at", evt.OccurredAt())
	case OutcomeCapReached:
		slog.Debug("已达每日上限", "user_id", evt.UserID, "action", evt.Action, "day_total", res.DayTotal, "occurred_at", evt.OccurredAt())
	}
	return res, nil
}

// applyPositive 正分：幂等检查 -> 上限截断 -> 写操作日志 -> 三榜累加
func (e *ScoringEngine) applyPositive(ctx context.Context, evt schema.ActivityEvent, def schema.ActionDefinition, now time.Time) (ApplyResult, error) {
	opKey := e.keys.OpLogKey(evt.UserID, now)

	var field string
	if evt.HasTarget() {
		field = OpField(def.Code, *evt.TargetType, *evt.TargetID)
		_, exists, err := e.store.HashGet(ctx, opKey, field)
		if err != nil {
			return e.failed("HashGet", opKey, err)
		}
		if exists {
			return ApplyResult{Outcome: OutcomeDuplicate}, nil
		}
	}

	total, _, err := e.store.HashGet(ctx, opKey, FieldScoreTotal)
	if err != nil {
		return e.failed("HashGet", opKey, err)
	}
	capped := capAmount(def.BaseScore, e.cfg.DailyCap, total)
	if capped == 0 {
		// 不写三元组字段：截断为 0 的行为不占用当日幂等记录
		return ApplyResult{Outcome: OutcomeCapReached, DayTotal: total}, nil
	}

	// 当日累计与三元组字段必须一起落盘，否则重投会重复累计 score_total
	deltas := map[string]int64{FieldScoreTotal: capped}
	if field != "" {
		deltas[field] = capped
	}
	written, err := e.store.HashIncrementFields(ctx, opKey, deltas)
	if err != nil {
		return e.failed("HashIncrementFields", opKey, err)
	}
	newTotal := written[FieldScoreTotal]
	if err := e.ensureTTL(ctx, opKey, e.cfg.OpLogTTL); err != nil {
		return ApplyResult{Outcome: OutcomeFailed}, err
	}

	if err := e.bumpLeaderboards(ctx, evt.UserID, capped, now); err != nil {
		return ApplyResult{Outcome: OutcomeFailed}, err
	}
	return ApplyResult{Outcome: OutcomeApplied, Delta: capped, DayTotal: newTotal}, nil
}

// applyNegative 撤销：读取正向行为当日实际入账值，删除记录并从三榜扣回
func (e *ScoringEngine) applyNegative(ctx context.Context, evt schema.ActivityEvent, def schema.ActionDefinition, now time.Time) (ApplyResult, error) {
	positive, ok := e.catalog.Reverses(def.Code)
	if !ok {
		slog.Error("丢弃无撤销关系的负分事件", "event_id", evt.EventID, "user_id", evt.UserID, "action", evt.Action)
		return ApplyResult{Outcome: OutcomeRejected}, fmt.Errorf("%w: 行为 %d 没有 inverse_of", ErrMalformedReversal, def.Code)
	}
	if !evt.HasTarget() {
		slog.Error("丢弃缺少对象的撤销事件", "event_id", evt.EventID, "user_id", evt.UserID, "action", evt.Action)
		return ApplyResult{Outcome: OutcomeRejected}, fmt.Errorf("%w: 行为 %d 缺少 targetId/targetType", ErrMalformedReversal, def.Code)
	}

	opKey := e.keys.OpLogKey(evt.UserID, now)
	field := OpField(positive.Code, *evt.TargetType, *evt.TargetID)

	// 删除三元组字段与扣减当日累计在存储内一次完成；并发的另一条撤销只会看到字段已不存在
	recorded, newTotal, exists, err := e.store.HashDeleteAndSubtract(ctx, opKey, field, FieldScoreTotal)
	if err != nil {
		return e.failed("HashDeleteAndSubtract", opKey, err)
	}
	if !exists {
		return ApplyResult{Outcome: OutcomeNothingToReverse}, nil
	}
	if err := e.bumpLeaderboards(ctx, evt.UserID, -recorded, now); err != nil {
		return ApplyResult{Outcome: OutcomeFailed}, err
	}
	return ApplyResult{Outcome: OutcomeReversed, Delta: -recorded, DayTotal: newTotal}, nil
}

// bumpLeaderboards 三个排行榜各自累加；日榜/月榜首次创建时设置过期
func (e *ScoringEngine) bumpLeaderboards(ctx context.Context, userID, delta int64, now time.Time) error {
	member := memberOf(userID)
	boards := []struct {
		key string
		ttl time.Duration
	}{
		{e.keys.TotalKey(), 0},
		{e.keys.DailyKey(now), e.cfg.DailyTTL},
		{e.keys.MonthlyKey(now), e.cfg.MonthlyTTL},
	}
	for _, b := range boards {
		if _, err := e.store.SortedSetIncrementBy(ctx, b.key, member, delta); err != nil {
			e.observer.ObserveStoreError("SortedSetIncrementBy")
			return storeErr("SortedSetIncrementBy", b.key, err)
		}
		if b.ttl > 0 {
			if err := e.ensureTTL(ctx, b.key, b.ttl); err != nil {
				return err
			}
		}
	}
	return nil
}

// ensureTTL 只在键尚无过期时间时设置，避免每次写入都重置时钟
func (e *ScoringEngine) ensureTTL(ctx context.Context, key string, ttl time.Duration) error {
	cur, err := e.store.TTL(ctx, key)
	if err != nil {
		e.observer.ObserveStoreError("TTL")
		return storeErr("TTL", key, err)
	}
	if cur > 0 {
		return nil
	}
	if _, err := e.store.Expire(ctx, key, ttl); err != nil {
		e.observer.ObserveStoreError("Expire")
		return storeErr("Expire", key, err)
	}
	return nil
}

func (e *ScoringEngine) failed(op, key string, err error) (ApplyResult, error) {
	e.observer.ObserveStoreError(op)
	return ApplyResult{Outcome: OutcomeFailed}, storeErr(op, key, err)
}

func (e *ScoringEngine) notify(evt schema.ActivityEvent, res ApplyResult) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(eventbus.Event{
		Type: eventbus.TypeScoreChanged,
		Data: map[string]any{
			"event_id":  evt.EventID,
			"user_id":   evt.UserID,
			"action":    int(evt.Action),
			"delta":     res.Delta,
			"day_total": res.DayTotal,
			"outcome":   res.Outcome.String(),
		},
	})
}

// capAmount min(base, max(0, cap-total))
func capAmount(base, dailyCap, total int64) int64 {
	headroom := dailyCap - total
	if headroom < 0 {
		headroom = 0
	}
	if base < headroom {
		return base
	}
	return headroom
}

// userLocks 按用户 ID 分段的互斥锁
type userLocks struct {
	stripes []sync.Mutex
}

func newUserLocks(n int) *userLocks {
	if n <= 0 {
		n = 64
	}
	return &userLocks{stripes: make([]sync.Mutex, n)}
}

func (l *userLocks) lock(userID int64) func() {
	m := &l.stripes[uint64(userID)%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
