package service

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/yuqie6/activityrank/internal/schema"
)

// maxNegativeTTL 不存在的用户只短暂缓存，新建用户很快就能出现在榜单上
const maxNegativeTTL = 10 * time.Second

// cachedProfile 缓存条目；found=false 表示用户不存在（负缓存）
type cachedProfile struct {
	profile   schema.UserProfile
	found     bool
	expiresAt time.Time
}

// CachedUserDirectory 带 LRU + TTL 的用户目录，减少排行榜每次读取的批量查询
type CachedUserDirectory struct {
	next   UserDirectory
	cache  *lru.Cache[int64, cachedProfile]
	ttl    time.Duration
	negTTL time.Duration
	now    func() time.Time
}

// NewCachedUserDirectory size<=0 时使用 500
func NewCachedUserDirectory(next UserDirectory, size int, ttl time.Duration) (*CachedUserDirectory, error) {
	if next == nil {
		return nil, fmt.Errorf("next 不能为空")
	}
	if size <= 0 {
		size = 500
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c, err := lru.New[int64, cachedProfile](size)
	if err != nil {
		return nil, fmt.Errorf("创建用户缓存失败: %w", err)
	}
	return &CachedUserDirectory{next: next, cache: c, ttl: ttl, negTTL: min(ttl, maxNegativeTTL), now: time.Now}, nil
}

// GetByIDs 先查缓存，未命中的批量回源
func (d *CachedUserDirectory) GetByIDs(ctx context.Context, ids []int64) (map[int64]schema.UserProfile, error) {
	out := make(map[int64]schema.UserProfile, len(ids))
	now := d.now()
	var misses []int64
	for _, id := range ids {
		item, ok := d.cache.Get(id)
		if !ok || now.After(item.expiresAt) {
			misses = append(misses, id)
			continue
		}
		if item.found {
			out[id] = item.profile
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	loaded, err := d.next.GetByIDs(ctx, misses)
	if err != nil {
		return nil, err
	}
	for _, id := range misses {
		p, ok := loaded[id]
		if ok {
			d.cache.Add(id, cachedProfile{profile: p, found: true, expiresAt: now.Add(d.ttl)})
			out[id] = p
			continue
		}
		d.cache.Add(id, cachedProfile{expiresAt: now.Add(d.negTTL)})
	}
	return out, nil
}

// Invalidate 用户资料变化时移除缓存
func (d *CachedUserDirectory) Invalidate(id int64) {
	d.cache.Remove(id)
}
