package repository

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 进程内哈希/有序集合存储，语义与 ScoreRepository 一致。
// 用于 storage.driver=memory 与单元测试；进程退出即丢失。
type MemoryStore struct {
	mu      sync.Mutex
	hashes  map[string]map[string]int64
	zsets   map[string]map[string]int64
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes:  make(map[string]map[string]int64),
		zsets:   make(map[string]map[string]int64),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	if now != nil {
		m.now = now
	}
	return m
}

// expireLocked 惰性过期，调用方需持有锁
func (m *MemoryStore) expireLocked(key string) {
	at, ok := m.expires[key]
	if !ok || m.now().Before(at) {
		return
	}
	delete(m.expires, key)
	delete(m.hashes, key)
	delete(m.zsets, key)
}

func (m *MemoryStore) existsLocked(key string) bool {
	return len(m.hashes[key]) > 0 || len(m.zsets[key]) > 0
}

func (m *MemoryStore) HashIncrementBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]int64)
		m.hashes[key] = h
	}
	h[field] += delta
	return h[field], nil
}

// HashIncrementFields 在一次加锁内对多个字段自增
func (m *MemoryStore) HashIncrementFields(_ context.Context, key string, deltas map[string]int64) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]int64)
		m.hashes[key] = h
	}
	out := make(map[string]int64, len(deltas))
	for field, delta := range deltas {
		h[field] += delta
		out[field] = h[field]
	}
	return out, nil
}

func (m *MemoryStore) HashGet(_ context.Context, key, field string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *MemoryStore) HashDelete(_ context.Context, key, field string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		return false, nil
	}
	if _, ok := h[field]; !ok {
		return false, nil
	}
	delete(h, field)
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	if !m.existsLocked(key) {
		delete(m.expires, key)
	}
	return true, nil
}

// HashDeleteAndSubtract 删除 field 并从 totalField 扣除其原值；field 不存在时 ok=false
func (m *MemoryStore) HashDeleteAndSubtract(_ context.Context, key, field, totalField string) (int64, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h := m.hashes[key]
	removed, ok := h[field]
	if !ok {
		return 0, 0, false, nil
	}
	delete(h, field)
	h[totalField] -= removed
	return removed, h[totalField], true, nil
}

func (m *MemoryStore) SortedSetIncrementBy(_ context.Context, key, member string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]int64)
		m.zsets[key] = z
	}
	z[member] += delta
	return z[member], nil
}

func (m *MemoryStore) SortedSetScore(_ context.Context, key, member string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.zsets[key][member]
	return v, ok, nil
}

func (m *MemoryStore) SortedSetReverseRank(_ context.Context, key, member string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	for i, sm := range m.sortedLocked(key) {
		if sm.Member == member {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

func (m *MemoryStore) SortedSetCountAbove(_ context.Context, key string, score int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	var n int64
	for _, s := range m.zsets[key] {
		if s > score {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SortedSetReverseRangeWithScores(_ context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	all := m.sortedLocked(key)
	start, stop = normalizeRange(start, stop, int64(len(all)))
	if start > stop || start >= int64(len(all)) {
		return []ScoredMember{}, nil
	}
	out := make([]ScoredMember, stop-start+1)
	copy(out, all[start:stop+1])
	return out, nil
}

// sortedLocked 分数降序，同分按 member 降序
func (m *MemoryStore) sortedLocked(key string) []ScoredMember {
	z := m.zsets[key]
	all := make([]ScoredMember, 0, len(z))
	for member, score := range z {
		all = append(all, ScoredMember{Member: member, Score: score})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].Member > all[j].Member
	})
	return all
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if !m.existsLocked(key) {
		return TTLAbsent, nil
	}
	at, ok := m.expires[key]
	if !ok {
		return TTLNoExpiry, nil
	}
	return at.Sub(m.now()), nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if !m.existsLocked(key) {
		return false, nil
	}
	if ttl <= 0 {
		delete(m.hashes, key)
		delete(m.zsets, key)
		delete(m.expires, key)
		return true, nil
	}
	m.expires[key] = m.now().Add(ttl)
	return true, nil
}

// PurgeExpired 清理全部到期的键
func (m *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for key := range m.expires {
		if _, still := m.expires[key]; !still {
			continue
		}
		before := len(m.expires)
		m.expireLocked(key)
		if len(m.expires) < before {
			purged++
		}
	}
	return purged, nil
}
