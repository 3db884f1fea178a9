package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yuqie6/activityrank/internal/eventbus"
	"github.com/yuqie6/activityrank/internal/repository"
	"github.com/yuqie6/activityrank/internal/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

// flakyStore 在指定操作上返回错误，其余委托给 MemoryStore。
// failOn 中的操作总是失败；failTimes 中的操作失败指定次数后恢复。
type flakyStore struct {
	*repository.MemoryStore
	mu        sync.Mutex
	failOn    map[string]bool
	failTimes map[string]int
}

func (s *flakyStore) fail(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[op] {
		return errBoom
	}
	if s.failTimes[op] > 0 {
		s.failTimes[op]--
		return errBoom
	}
	return nil
}

func (s *flakyStore) HashGet(ctx context.Context, key, field string) (int64, bool, error) {
	if err := s.fail("HashGet"); err != nil {
		return 0, false, err
	}
	return s.MemoryStore.HashGet(ctx, key, field)
}

func (s *flakyStore) HashIncrementFields(ctx context.Context, key string, deltas map[string]int64) (map[string]int64, error) {
	if err := s.fail("HashIncrementFields"); err != nil {
		return nil, err
	}
	return s.MemoryStore.HashIncrementFields(ctx, key, deltas)
}

func (s *flakyStore) HashDeleteAndSubtract(ctx context.Context, key, field, totalField string) (int64, int64, bool, error) {
	if err := s.fail("HashDeleteAndSubtract"); err != nil {
		return 0, 0, false, err
	}
	return s.MemoryStore.HashDeleteAndSubtract(ctx, key, field, totalField)
}

func (s *flakyStore) SortedSetIncrementBy(ctx context.Context, key, member string, delta int64) (int64, error) {
	if err := s.fail("SortedSetIncrementBy"); err != nil {
		return 0, err
	}
	return s.MemoryStore.SortedSetIncrementBy(ctx, key, member, delta)
}

func (s *flakyStore) SortedSetScore(ctx context.Context, key, member string) (int64, bool, error) {
	if err := s.fail("SortedSetScore"); err != nil {
		return 0, false, err
	}
	return s.MemoryStore.SortedSetScore(ctx, key, member)
}

type recordingObserver struct {
	mu          sync.Mutex
	outcomes    map[Outcome]int
	points      map[Outcome]int64
	storeErrors map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		outcomes:    make(map[Outcome]int),
		points:      make(map[Outcome]int64),
		storeErrors: make(map[string]int),
	}
}

func (o *recordingObserver) ObserveOutcome(_ schema.ActionCode, outcome Outcome) {
	o.mu.Lock()
	o.outcomes[outcome]++
	o.mu.Unlock()
}

func (o *recordingObserver) ObservePoints(outcome Outcome, amount int64) {
	o.mu.Lock()
	o.points[outcome] += amount
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveStoreError(op string) {
	o.mu.Lock()
	o.storeErrors[op]++
	o.mu.Unlock()
}

type capturePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturePublisher) Publish(evt eventbus.Event) {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
}

// mapDirectory 固定的用户目录，记录回源次数
type mapDirectory struct {
	mu    sync.Mutex
	users map[int64]schema.UserProfile
	calls int
	err   error
}

func (d *mapDirectory) GetByIDs(_ context.Context, ids []int64) (map[int64]schema.UserProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	out := make(map[int64]schema.UserProfile, len(ids))
	for _, id := range ids {
		if p, ok := d.users[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func directoryOf(ids ...int64) *mapDirectory {
	d := &mapDirectory{users: make(map[int64]schema.UserProfile)}
	for _, id := range ids {
		d.users[id] = schema.UserProfile{ID: id, Nickname: "user-" + memberOf(id)}
	}
	return d
}

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func praise(userID, articleID int64) schema.ActivityEvent {
	return schema.NewTargetedEvent(userID, schema.ActionPraise, schema.TargetArticle, articleID)
}

func cancelPraise(userID, articleID int64) schema.ActivityEvent {
	return schema.NewTargetedEvent(userID, schema.ActionCancelPraise, schema.TargetArticle, articleID)
}

func checkIn(userID int64) schema.ActivityEvent {
	return schema.ActivityEvent{UserID: userID, Action: schema.ActionCheckIn}
}

func follow(userID, followee int64) schema.ActivityEvent {
	return schema.NewTargetedEvent(userID, schema.ActionFollow, schema.TargetUser, followee)
}
