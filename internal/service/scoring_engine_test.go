package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuqie6/activityrank/internal/eventbus"
	"github.com/yuqie6/activityrank/internal/repository"
	"github.com/yuqie6/activityrank/internal/schema"
	"github.com/yuqie6/activityrank/internal/testutil"
)

type engineFixture struct {
	engine *ScoringEngine
	store  *repository.MemoryStore
	keys   KeyScheme
	clock  *fakeClock
}

func newEngineFixture(t *testing.T, opts ...EngineOption) engineFixture {
	t.Helper()
	clock := newFakeClock(testNow)
	store := repository.NewMemoryStore().WithClock(clock.Now)
	keys := NewKeyScheme("t", time.UTC)
	opts = append([]EngineOption{WithClock(clock.Now)}, opts...)
	engine := NewScoringEngine(MustDefaultCatalog(), keys, store, DefaultEngineConfig(), opts...)
	return engineFixture{engine: engine, store: store, keys: keys, clock: clock}
}

func (f engineFixture) score(t *testing.T, key string, userID int64) (int64, bool) {
	t.Helper()
	v, ok, err := f.store.SortedSetScore(context.Background(), key, memberOf(userID))
	require.NoError(t, err)
	return v, ok
}

func (f engineFixture) opLog(t *testing.T, userID int64, field string) (int64, bool) {
	t.Helper()
	v, ok, err := f.store.HashGet(context.Background(), f.keys.OpLogKey(userID, f.clock.Now()), field)
	require.NoError(t, err)
	return v, ok
}

func (f engineFixture) requireBoards(t *testing.T, userID, want int64) {
	t.Helper()
	now := f.clock.Now()
	for _, key := range []string{f.keys.TotalKey(), f.keys.DailyKey(now), f.keys.MonthlyKey(now)} {
		got, ok := f.score(t, key, userID)
		require.True(t, ok, "key=%s", key)
		require.Equal(t, want, got, "key=%s", key)
	}
}

func TestScoringEngine_PraiseRedeliverCancel(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	res, err := f.engine.Apply(ctx, praise(1, 100))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.EqualValues(t, 10, res.Delta)
	total, _ := f.opLog(t, 1, FieldScoreTotal)
	require.EqualValues(t, 10, total)
	f.requireBoards(t, 1, 10)

	res, err = f.engine.Apply(ctx, praise(1, 100))
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
	f.requireBoards(t, 1, 10)

	res, err = f.engine.Apply(ctx, cancelPraise(1, 100))
	require.NoError(t, err)
	require.Equal(t, OutcomeReversed, res.Outcome)
	require.EqualValues(t, -10, res.Delta)

	_, exists := f.opLog(t, 1, OpField(schema.ActionPraise, schema.TargetArticle, 100))
	require.False(t, exists)
	total, _ = f.opLog(t, 1, FieldScoreTotal)
	require.EqualValues(t, 0, total)
	// 零分成员保留在榜中
	f.requireBoards(t, 1, 0)
}

func TestScoringEngine_DistinctTargetsAreNotDuplicates(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	for _, article := range []int64{1, 2, 3} {
		res, err := f.engine.Apply(ctx, praise(7, article))
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, res.Outcome)
	}
	// 同一对象的不同行为互不影响
	res, err := f.engine.Apply(ctx, schema.NewTargetedEvent(7, schema.ActionCollect, schema.TargetArticle, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	f.requireBoards(t, 7, 50)
}

func TestScoringEngine_UntargetedActionsRepeat(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.engine.Apply(ctx, checkIn(2))
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, res.Outcome)
	}
	f.requireBoards(t, 2, 15)
}

func TestScoringEngine_DailyCap(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := f.engine.Apply(ctx, checkIn(3))
		require.NoError(t, err)
	}
	total, _ := f.opLog(t, 3, FieldScoreTotal)
	require.EqualValues(t, 100, total)

	res, err := f.engine.Apply(ctx, checkIn(3))
	require.NoError(t, err)
	require.Equal(t, OutcomeCapReached, res.Outcome)
	require.EqualValues(t, 100, res.DayTotal)

	res, err = f.engine.Apply(ctx, praise(3, 9))
	require.NoError(t, err)
	require.Equal(t, OutcomeCapReached, res.Outcome)
	// 截断为 0 时不写三元组字段
	_, exists := f.opLog(t, 3, OpField(schema.ActionPraise, schema.TargetArticle, 9))
	require.False(t, exists)
	f.requireBoards(t, 3, 100)
}

func TestScoringEngine_PartialCapReversesExactAmount(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	for i := 0; i < 19; i++ {
		_, err := f.engine.Apply(ctx, checkIn(4))
		require.NoError(t, err)
	}

	res, err := f.engine.Apply(ctx, praise(4, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.EqualValues(t, 5, res.Delta)
	recorded, _ := f.opLog(t, 4, OpField(schema.ActionPraise, schema.TargetArticle, 1))
	require.EqualValues(t, 5, recorded)
	f.requireBoards(t, 4, 100)

	res, err = f.engine.Apply(ctx, cancelPraise(4, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeReversed, res.Outcome)
	require.EqualValues(t, -5, res.Delta)
	require.EqualValues(t, 95, res.DayTotal)
	f.requireBoards(t, 4, 95)
}

func TestScoringEngine_CancelWithoutPriorActionIsNoop(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	res, err := f.engine.Apply(ctx, cancelPraise(5, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeNothingToReverse, res.Outcome)

	_, ok := f.score(t, f.keys.TotalKey(), 5)
	require.False(t, ok)

	// 重复撤销只生效一次
	_, err = f.engine.Apply(ctx, praise(5, 1))
	require.NoError(t, err)
	res, err = f.engine.Apply(ctx, cancelPraise(5, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeReversed, res.Outcome)
	res, err = f.engine.Apply(ctx, cancelPraise(5, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeNothingToReverse, res.Outcome)
	f.requireBoards(t, 5, 0)
}

func TestScoringEngine_ReapplyAfterCancel(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.Apply(ctx, praise(6, 1))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, cancelPraise(6, 1))
	require.NoError(t, err)
	res, err := f.engine.Apply(ctx, praise(6, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	f.requireBoards(t, 6, 10)
}

func TestScoringEngine_WindowIsolation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	day1 := f.clock.Now()

	_, err := f.engine.Apply(ctx, praise(8, 1))
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	day2 := f.clock.Now()

	// 次日：新的操作日志，同一对象可再次入账；前一天的撤销无法关联
	res, err := f.engine.Apply(ctx, cancelPraise(8, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeNothingToReverse, res.Outcome)

	res, err = f.engine.Apply(ctx, praise(8, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)

	v, ok := f.score(t, f.keys.DailyKey(day2), 8)
	require.True(t, ok)
	require.EqualValues(t, 10, v)
	v, _ = f.score(t, f.keys.TotalKey(), 8)
	require.EqualValues(t, 20, v)
	v, _ = f.score(t, f.keys.MonthlyKey(day2), 8)
	require.EqualValues(t, 20, v)
	require.NotEqual(t, f.keys.DailyKey(day1), f.keys.DailyKey(day2))

	// 日榜 24 小时后过期
	f.clock.Advance(24 * time.Hour)
	_, ok = f.score(t, f.keys.DailyKey(day1), 8)
	require.False(t, ok)
}

func TestScoringEngine_KeyExpiry(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	_, err := f.engine.Apply(ctx, praise(9, 1))
	require.NoError(t, err)

	ttl, err := f.store.TTL(ctx, f.keys.OpLogKey(9, now))
	require.NoError(t, err)
	require.Equal(t, 25*time.Hour, ttl)

	ttl, err = f.store.TTL(ctx, f.keys.DailyKey(now))
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, ttl)

	ttl, err = f.store.TTL(ctx, f.keys.MonthlyKey(now))
	require.NoError(t, err)
	require.Equal(t, 31*24*time.Hour, ttl)

	ttl, err = f.store.TTL(ctx, f.keys.TotalKey())
	require.NoError(t, err)
	require.Equal(t, repository.TTLNoExpiry, ttl)

	// 后续写入不重置过期时间
	f.clock.Advance(time.Hour)
	_, err = f.engine.Apply(ctx, praise(9, 2))
	require.NoError(t, err)
	ttl, err = f.store.TTL(ctx, f.keys.DailyKey(now))
	require.NoError(t, err)
	require.Equal(t, 23*time.Hour, ttl)
}

func TestScoringEngine_RejectsInvalidEvents(t *testing.T) {
	obs := newRecordingObserver()
	f := newEngineFixture(t, WithObserver(obs))
	ctx := context.Background()

	res, err := f.engine.Apply(ctx, schema.ActivityEvent{UserID: 1, Action: 99})
	require.ErrorIs(t, err, ErrInvalidAction)
	require.False(t, IsRetryable(err))
	require.Equal(t, OutcomeRejected, res.Outcome)

	_, err = f.engine.Apply(ctx, schema.ActivityEvent{UserID: 0, Action: schema.ActionCheckIn})
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = f.engine.Apply(ctx, schema.ActivityEvent{UserID: 1, Action: schema.ActionCancelPraise})
	require.ErrorIs(t, err, ErrMalformedReversal)
	require.False(t, IsRetryable(err))

	require.Equal(t, 3, obs.outcomes[OutcomeRejected])
	_, ok := f.score(t, f.keys.TotalKey(), 1)
	require.False(t, ok)
}

func TestScoringEngine_NegativeActionWithoutInverse(t *testing.T) {
	defs := append(DefaultActionDefinitions(), schema.ActionDefinition{Code: 50, Name: "penalty", BaseScore: -5})
	catalog, err := NewActionCatalog(defs)
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	engine := NewScoringEngine(catalog, NewKeyScheme("t", time.UTC), store, DefaultEngineConfig())
	target := int64(1)
	tt := schema.TargetUser
	_, err = engine.Apply(context.Background(), schema.ActivityEvent{UserID: 1, Action: 50, TargetID: &target, TargetType: &tt})
	require.ErrorIs(t, err, ErrMalformedReversal)
}

func TestScoringEngine_ZeroScoreActionIsNoop(t *testing.T) {
	defs := append(DefaultActionDefinitions(), schema.ActionDefinition{Code: 60, Name: "view", BaseScore: 0})
	catalog, err := NewActionCatalog(defs)
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	keys := NewKeyScheme("t", time.UTC)
	engine := NewScoringEngine(catalog, keys, store, DefaultEngineConfig())
	res, err := engine.Apply(context.Background(), schema.ActivityEvent{UserID: 1, Action: 60})
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, res.Outcome)

	ttl, err := store.TTL(context.Background(), keys.TotalKey())
	require.NoError(t, err)
	require.Equal(t, repository.TTLAbsent, ttl)
}

func TestScoringEngine_StoreFailureIsRetryable(t *testing.T) {
	cases := []string{"HashGet", "HashIncrementFields", "SortedSetIncrementBy"}
	for _, op := range cases {
		t.Run(op, func(t *testing.T) {
			obs := newRecordingObserver()
			store := &flakyStore{MemoryStore: repository.NewMemoryStore(), failOn: map[string]bool{op: true}}
			engine := NewScoringEngine(MustDefaultCatalog(), NewKeyScheme("t", time.UTC), store, DefaultEngineConfig(), WithObserver(obs))

			res, err := engine.Apply(context.Background(), praise(1, 1))
			require.Error(t, err)
			require.True(t, IsRetryable(err))
			require.ErrorIs(t, err, errBoom)
			require.Equal(t, OutcomeFailed, res.Outcome)

			var se *StoreError
			require.True(t, errors.As(err, &se))
			require.Equal(t, op, se.Op)
			require.Equal(t, 1, obs.storeErrors[op])
		})
	}
}

func TestScoringEngine_RetryAfterOpLogFailureCountsOnce(t *testing.T) {
	clock := newFakeClock(testNow)
	store := &flakyStore{
		MemoryStore: repository.NewMemoryStore().WithClock(clock.Now),
		failTimes:   map[string]int{"HashIncrementFields": 1, "HashDeleteAndSubtract": 1},
	}
	keys := NewKeyScheme("t", time.UTC)
	engine := NewScoringEngine(MustDefaultCatalog(), keys, store, DefaultEngineConfig(), WithClock(clock.Now))
	ctx := context.Background()
	opKey := keys.OpLogKey(1, clock.Now())

	dayTotal := func() int64 {
		v, _, err := store.HashGet(ctx, opKey, FieldScoreTotal)
		require.NoError(t, err)
		return v
	}
	daily := func() int64 {
		v, _, err := store.SortedSetScore(ctx, keys.DailyKey(clock.Now()), memberOf(1))
		require.NoError(t, err)
		return v
	}

	_, err := engine.Apply(ctx, praise(1, 1))
	require.True(t, IsRetryable(err))
	require.Zero(t, dayTotal())

	res, err := engine.Apply(ctx, praise(1, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.EqualValues(t, 10, dayTotal())
	require.EqualValues(t, 10, daily())

	_, err = engine.Apply(ctx, cancelPraise(1, 1))
	require.True(t, IsRetryable(err))
	require.EqualValues(t, 10, dayTotal())

	res, err = engine.Apply(ctx, cancelPraise(1, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeReversed, res.Outcome)
	require.Zero(t, dayTotal())
	require.Zero(t, daily())
}

func TestScoringEngine_ConcurrentDuplicatesWithUserLocks(t *testing.T) {
	f := newEngineFixture(t, WithUserLocks(8))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan Outcome, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Apply(ctx, praise(11, 1))
			assert.NoError(t, err)
			results <- res.Outcome
		}()
	}
	wg.Wait()
	close(results)

	counts := map[Outcome]int{}
	for o := range results {
		counts[o]++
	}
	require.Equal(t, 1, counts[OutcomeApplied])
	require.Equal(t, 31, counts[OutcomeDuplicate])
	f.requireBoards(t, 11, 10)
}

func TestScoringEngine_ConcurrentUsersRespectCap(t *testing.T) {
	f := newEngineFixture(t, WithUserLocks(4))
	ctx := context.Background()

	var wg sync.WaitGroup
	for u := int64(1); u <= 5; u++ {
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func(u int64) {
				defer wg.Done()
				_, err := f.engine.Apply(ctx, checkIn(u))
				assert.NoError(t, err)
			}(u)
		}
	}
	wg.Wait()

	for u := int64(1); u <= 5; u++ {
		f.requireBoards(t, u, 100)
	}
}

func TestScoringEngine_PublishesScoreChanges(t *testing.T) {
	pub := &capturePublisher{}
	obs := newRecordingObserver()
	f := newEngineFixture(t, WithPublisher(pub), WithObserver(obs))
	ctx := context.Background()

	_, _ = f.engine.Apply(ctx, praise(12, 1))
	_, _ = f.engine.Apply(ctx, praise(12, 1))
	_, _ = f.engine.Apply(ctx, cancelPraise(12, 1))

	require.Len(t, pub.events, 2)
	require.Equal(t, eventbus.TypeScoreChanged, pub.events[0].Type)
	require.EqualValues(t, 10, pub.events[0].Data["delta"])
	require.EqualValues(t, -10, pub.events[1].Data["delta"])
	require.Equal(t, "reversed", pub.events[1].Data["outcome"])

	require.EqualValues(t, 10, obs.points[OutcomeApplied])
	require.EqualValues(t, -10, obs.points[OutcomeReversed])
	require.Equal(t, 1, obs.outcomes[OutcomeDuplicate])
}

func TestScoringEngine_GormStore(t *testing.T) {
	db := testutil.OpenTestDB(t)
	clock := newFakeClock(testNow)
	store := repository.NewScoreRepository(db).WithClock(clock.Now)
	keys := NewKeyScheme("t", time.UTC)
	engine := NewScoringEngine(MustDefaultCatalog(), keys, store, DefaultEngineConfig(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 19; i++ {
		_, err := engine.Apply(ctx, checkIn(1))
		require.NoError(t, err)
	}
	res, err := engine.Apply(ctx, praise(1, 1))
	require.NoError(t, err)
	require.EqualValues(t, 5, res.Delta)
	res, err = engine.Apply(ctx, praise(1, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
	res, err = engine.Apply(ctx, cancelPraise(1, 1))
	require.NoError(t, err)
	require.EqualValues(t, -5, res.Delta)

	v, ok, err := store.SortedSetScore(ctx, keys.TotalKey(), "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 95, v)
}

func TestCapAmount(t *testing.T) {
	cases := []struct {
		base, cap, total, want int64
	}{
		{10, 100, 0, 10},
		{10, 100, 95, 5},
		{10, 100, 100, 0},
		{10, 100, 120, 0},
		{30, 100, 70, 30},
	}
	for _, tc := range cases {
		if got := capAmount(tc.base, tc.cap, tc.total); got != tc.want {
			t.Errorf("capAmount(%d, %d, %d) = %d, want %d", tc.base, tc.cap, tc.total, got, tc.want)
		}
	}
}
