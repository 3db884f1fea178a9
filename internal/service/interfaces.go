package service

import (
	"context"
	"time"

	"github.com/yuqie6/activityrank/internal/eventbus"
	"github.com/yuqie6/activityrank/internal/repository"
	"github.com/yuqie6/activityrank/internal/schema"
)

// 存储/外部依赖的最小接口集合（ISP）

// ScoreStore 哈希 + 有序集合 + 过期的单键原子操作集合
type ScoreStore interface {
	HashIncrementBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HashIncrementFields(ctx context.Context, key string, deltas map[string]int64) (map[string]int64, error)
	HashGet(ctx context.Context, key, field string) (int64, bool, error)
	HashDelete(ctx context.Context, key, field string) (bool, error)
	HashDeleteAndSubtract(ctx context.Context, key, field, totalField string) (removed, total int64, ok bool, err error)
	SortedSetIncrementBy(ctx context.Context, key, member string, delta int64) (int64, error)
	SortedSetScore(ctx context.Context, key, member string) (int64, bool, error)
	SortedSetReverseRank(ctx context.Context, key, member string) (int64, bool, error)
	SortedSetCountAbove(ctx context.Context, key string, score int64) (int64, error)
	SortedSetReverseRangeWithScores(ctx context.Context, key string, start, stop int64) ([]repository.ScoredMember, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// ExpiredPurger 支持批量清理过期键的存储
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// UserDirectory 用户资料目录；不存在的用户不出现在返回结果中
type UserDirectory interface {
	GetByIDs(ctx context.Context, ids []int64) (map[int64]schema.UserProfile, error)
}

// ScoringObserver 积分处理指标观察者
type ScoringObserver interface {
	ObserveOutcome(action schema.ActionCode, outcome Outcome)
	ObservePoints(outcome Outcome, amount int64)
	ObserveStoreError(op string)
}

// EventPublisher 积分变动通知出口
type EventPublisher interface {
	Publish(evt eventbus.Event)
}

var (
	_ ScoreStore     = (*repository.ScoreRepository)(nil)
	_ ScoreStore     = (*repository.MemoryStore)(nil)
	_ ExpiredPurger  = (*repository.ScoreRepository)(nil)
	_ ExpiredPurger  = (*repository.MemoryStore)(nil)
	_ UserDirectory  = (*repository.UserRepository)(nil)
	_ EventPublisher = (*eventbus.Hub)(nil)
)

type noopObserver struct{}

func (noopObserver) ObserveOutcome(schema.ActionCode, Outcome) {}
func (noopObserver) ObservePoints(Outcome, int64)              {}
func (noopObserver) ObserveStoreError(string)                  {}
