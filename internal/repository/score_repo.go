package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/yuqie6/activityrank/internal/schema"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TTL 的两个特殊返回值（与常见 KV 存储约定一致）
const (
	TTLNoExpiry time.Duration = -1 // 键存在但未设置过期
	TTLAbsent   time.Duration = -2 // 键不存在
)

// ScoredMember 有序集合成员及其分数
type ScoredMember struct {
	Member string
	Score  int64
}

// ScoreRepository 基于关系库模拟的哈希/有序集合存储。
// 每个操作单独开事务：先做惰性过期，再执行读写，保证单键操作原子。
type ScoreRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewScoreRepository(db *gorm.DB) *ScoreRepository {
	return &ScoreRepository{db: db, now: time.Now}
}

// WithClock 替换时钟（测试用）
func (r *ScoreRepository) WithClock(now func() time.Time) *ScoreRepository {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *ScoreRepository) withKey(ctx context.Context, key string, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.expireIfDue(tx, key); err != nil {
			return err
		}
		return fn(tx)
	})
}

// expireIfDue 惰性过期：到期的键在下一次访问时被清理
func (r *ScoreRepository) expireIfDue(tx *gorm.DB, key string) error {
	res := tx.Where("kv_key = ? AND expire_at_ms <= ?", key, r.now().UnixMilli()).Delete(&schema.KeyExpiry{})
	if res.Error != nil {
		return fmt.Errorf("检查键过期失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return dropKeyData(tx, key)
}

func dropKeyData(tx *gorm.DB, key string) error {
	if err := tx.Where("kv_key = ?", key).Delete(&schema.HashField{}).Error; err != nil {
		return fmt.Errorf("清理哈希失败: %w", err)
	}
	if err := tx.Where("kv_key = ?", key).Delete(&schema.ZSetMember{}).Error; err != nil {
		return fmt.Errorf("清理有序集合失败: %w", err)
	}
	return nil
}

func keyExists(tx *gorm.DB, key string) (bool, error) {
	var n int64
	if err := tx.Model(&schema.HashField{}).Where("kv_key = ?", key).Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if err := tx.Model(&schema.ZSetMember{}).Where("kv_key = ?", key).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *ScoreRepository) HashIncrementBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	var out int64
	err := r.withKey(ctx, key, func(tx *gorm.DB) error {
		v, err := incrField(tx, key, field, delta)
		out = v
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("哈希自增失败: %w", err)
	}
	return out, nil
}

// HashIncrementFields 在同一事务内对多个字段自增，要么全部生效要么全部回滚
func (r *ScoreRepository) HashIncrementFields(ctx context.Context, key string, deltas map[string]int64) (map[string]int64, error) {
	out := make(map[string]int64, len(deltas))
	err := r.withKey(ctx, key, func(tx *gorm.DB) error {
		for _, field := range sortedFields(deltas) {
			v, err := incrField(tx, key, field, deltas[field])
			if err != nil {
				return err
			}
			out[field] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("哈希批量自增失败: %w", err)
	}
	return out, nil
}

func incrField(tx *gorm.DB, key, field string, delta int64) (int64, error) {
	row := schema.HashField{Key: key, Field: field, Value: delta}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}, {Name: "field"}},
		DoUpdates: clause.Assignments(map[string]any{"value": gorm.Expr("kv_hash_fields.value + ?", delta)}),
	}).Create(&row).Error; err != nil {
		return 0, err
	}
	var vals []int64
	if err := tx.Model(&schema.HashField{}).
		Where("kv_key = ? AND field = ?", key, field).
		Pluck("value", &vals).Error; err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, nil
	}
	return vals[0], nil
}

// sortedFields 固定字段写入顺序，避免并发事务交叉加锁
func sortedFields(deltas map[string]int64) []string {
	fields := make([]string, 0, len(deltas))
	for f := range deltas {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func (r *ScoreRepository) HashGet(ctx context.Context, key, field string) (int64, bool, error) {
	var rows []schema.HashField
	err := r.withKey(ctx, key, func(tx *gorm.DB) error {
		return tx.Where("kv_key = ? AND field = ?", key, field).Limit(1).Find(&rows).Error
	})
	if err != nil {
		return 0, false, fmt.Errorf("读取哈希字段失败: %w", err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].Value, true, nil
}

func (r *ScoreRepository) HashDelete(ctx context.Context, key, field string) (bool, error) {
	var deleted bool
	err := r.withKey(ctx, key, func(tx *gorm.DB) error {
		res := tx.Where("kv_key = ? AND field = ?", key, field).Delete(&schema.HashField{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return r.forgetExpiryIfEmpty(tx, key)
	})
	if err != nil {
		return false, fmt.Errorf("删除哈希字段失败: %w", err)
	}
	return deleted, nil
}

// HashDeleteAndSubtract 删除 field 并把它原来的值从 totalField 中扣除，两步在同一事务内完成。
// field 不存在时不做任何修改，ok 返回 false。
func (r *ScoreRepository) HashDeleteAndSubtract(ctx context.Context, key, field, totalField string) (removed, total int64, ok bool, err error) {
	err = r.withKey(ctx, key, func(tx *gorm.DB) error {
		var rows []schema.HashField
		if err := tx.Where("kv_key = ? AND field = ?", key, field).Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		res := tx.Where("kv_key = ? AND field = ?", key, field).Delete(&schema.HashField{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		removed, ok = rows[0].Value, true
		v, err := incrField(tx, key, totalField, -removed)
		if err != nil {
			return err
		}
		total = v
		return nil
	})
	if err != nil {
		return 0, 0, false, fmt.Errorf("撤销哈希字段失败: %w", err)
	}
	return removed, total, ok, nil
}

// forgetExpiryIfEmpty 键的数据全部删除后，键本身也不复存在
func (r *ScoreRepository) forgetExpiryIfEmpty(tx *gorm.DB, key string) error {
	exists, err := keyExists(tx, key)
	if err != nil || exists {
		return err
	}
	return tx.Where("kv_key = ?", key).Delete(&schema.KeyExpiry{}).Error
}

func (r *ScoreRepository) SortedSetIncrementBy(ctx context.Context, key, member string, delta int64) (int64, error) {
	var out int64
	err := r.withKey(ctx, key, func(tx *gorm.DB) error {
		row := schema.ZSetMember{Key: key, Member: member, Score: delta}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kv_key"}, {Name: "member"}},
			DoUpdates: clause.Assignments(map[string]any{"score": gorm.Expr("kv_zset_members.score + ?", delta)}),
		}).Create(&row).Error; err != nil {
			return err
		}
		var vals []int64
		if err := tx.Model(&schema.ZSetMember{}).
			Where("kv_key = ? AND member = ?", key, member).
			Pluck("score", &vals).Error; err != nil {
			return err
		}
		if len(vals) > 0 {
			out = vals[0]
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("有序集合自增失败: %w", err)
	}
	return out, nil
}

func (r *ScoreRepository) SortedSetScore(ctx context.Context, key, member string) (int64, bool, error) {
	var rows []schema.ZSetMember
	err := r.withKey(ctx, key, func(tx *gorm.DB) error {
		return tx.Where("kv_key = ? AND member = ?", key, member).Limit(1).Find(&rows).Error
	})
	if err != nil {
		return 0, false, fmt.Errorf("读取成员分数失败: %w", err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].Score, true, nil
}

// SortedSetReverseRank 0 基降序名次；同分成员按 member 降序排列
func (r *ScoreRepository) SortedSetReverseRank(ctx context.Context, key, member string) (int64, bool, error) {
	var (
		rank  int64
		found bool
	)
	err := r.withKey(ctx, key, func(tx *gorm.DB) error {
		var rows []schema.ZSetMember
		if err := tx.Where("kv_key = ? AND member = ?", key, member).Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		found = true
		s := rows[0].Score
		return tx.Model(&schema.ZSetMember{}).
			Where("kv_key = ? AND (score > ? OR (score = ? AND member > ?))", key, s, s, member).
			Count(&rank).Error
	})
	if err != nil {
		return 0, false, fmt.Errorf("查询名次失败: %w", err)
	}
	return rank, found, nil
}

// SortedSetCountAbove 分数严格大于 score 的成员数
func (r *ScoreRepository) SortedSetCountAbove(ctx context.Context, key string, score int64) (int64, error) {
	var n int64
	err := r.withKey(ctx, key, func(tx *gorm.DB) error {
		return tx.Model(&schema.ZSetMember{}).Where("kv_key = ? AND score > ?", key, score).Count(&n).Error
	})
	if err != nil {
		return 0, fmt.Errorf("统计成员失败: %w", err)
	}
	return n, nil
}

// SortedSetReverseRangeWithScores 按分数降序取 [start, stop]（闭区间，支持负数下标）
func (r *ScoreRepository) SortedSetReverseRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	var rows []schema.ZSetMember
	err := r.withKey(ctx, key, func(tx *gorm.DB) error {
		if start < 0 || stop < 0 {
			var card int64
			if err := tx.Model(&schema.ZSetMember{}).Where("kv_key = ?", key).Count(&card).Error; err != nil {
				return err
			}
			start, stop = normalizeRange(start, stop, card)
		}
		if start > stop {
			return nil
		}
		return tx.Where("kv_key = ?", key).
			Order("score DESC").Order("member DESC").
			Offset(int(start)).Limit(int(stop - start + 1)).
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("查询排行区间失败: %w", err)
	}
	out := make([]ScoredMember, 0, len(rows))
	for _, row := range rows {
		out = append(out, ScoredMember{Member: row.Member, Score: row.Score})
	}
	return out, nil
}

// normalizeRange 将负数下标换算为正向下标，结果可能 start > stop（空区间）
func normalizeRange(start, stop, card int64) (int64, int64) {
	if start < 0 {
		start += card
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop += card
	}
	if stop >= card {
		stop = card - 1
	}
	return start, stop
}

func (r *ScoreRepository) TTL(ctx context.Context, key string) (time.Duration, error) {
	out := TTLAbsent
	err := r.withKey(ctx, key, func(tx *gorm.DB) error {
		exists, err := keyExists(tx, key)
		if err != nil || !exists {
			return err
		}
		var rows []schema.KeyExpiry
		if err := tx.Where("kv_key = ?", key).Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			out = TTLNoExpiry
			return nil
		}
		out = time.Duration(rows[0].ExpireAtMs-r.now().UnixMilli()) * time.Millisecond
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("查询过期时间失败: %w", err)
	}
	return out, nil
}

// Expire 为已存在的键设置过期；ttl<=0 时立即删除该键
func (r *ScoreRepository) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.withKey(ctx, key, func(tx *gorm.DB) error {
		exists, err := keyExists(tx, key)
		if err != nil || !exists {
			return err
		}
		ok = true
		if ttl <= 0 {
			if err := dropKeyData(tx, key); err != nil {
				return err
			}
			return tx.Where("kv_key = ?", key).Delete(&schema.KeyExpiry{}).Error
		}
		row := schema.KeyExpiry{Key: key, ExpireAtMs: r.now().Add(ttl).UnixMilli()}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kv_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"expire_at_ms"}),
		}).Create(&row).Error
	})
	if err != nil {
		return false, fmt.Errorf("设置过期时间失败: %w", err)
	}
	return ok, nil
}

// PurgeExpired 批量清理已到期的键，返回清理的键数
func (r *ScoreRepository) PurgeExpired(ctx context.Context) (int64, error) {
	var keys []string
	nowMs := r.now().UnixMilli()
	if err := r.db.WithContext(ctx).Model(&schema.KeyExpiry{}).
		Where("expire_at_ms <= ?", nowMs).
		Pluck("kv_key", &keys).Error; err != nil {
		return 0, fmt.Errorf("查询过期键失败: %w", err)
	}
	var purged int64
	for _, key := range keys {
		err := r.withKey(ctx, key, func(tx *gorm.DB) error { return nil })
		if err != nil {
			return purged, fmt.Errorf("清理过期键失败: %w", err)
		}
		purged++
	}
	return purged, nil
}
