package service

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// LeaderboardEntry 排行榜展示条目
type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Score    int64  `json:"score"`
}

// RankResult 单个用户在某窗口的名次。
// Rank = 1 + 分数严格更高的人数（同分同名次）；Position 为存储中的 1 基顺位。
type RankResult struct {
	Window   Window `json:"window"`
	Rank     int64  `json:"rank"`
	Position int64  `json:"position"`
	Score    int64  `json:"score"`
}

// LeaderboardReader 排行榜读侧：只读，无副作用
type LeaderboardReader struct {
	store ScoreStore
	keys  KeyScheme
	users UserDirectory
	now   func() time.Time
}

func NewLeaderboardReader(store ScoreStore, keys KeyScheme, users UserDirectory) *LeaderboardReader {
	return &LeaderboardReader{store: store, keys: keys, users: users, now: time.Now}
}

// WithClock 替换时钟（测试用）
func (r *LeaderboardReader) WithClock(now func() time.Time) *LeaderboardReader {
	if now != nil {
		r.now = now
	}
	return r
}

// Top 取当前窗口前 limit 名。无法解析资料的用户被跳过，名次在返回结果上连续编号。
func (r *LeaderboardReader) Top(ctx context.Context, w Window, limit int) ([]LeaderboardEntry, error) {
	key, err := r.keys.WindowKey(w, r.now())
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []LeaderboardEntry{}, nil
	}

	members, err := r.store.SortedSetReverseRangeWithScores(ctx, key, 0, int64(limit-1))
	if err != nil {
		return nil, storeErr("SortedSetReverseRangeWithScores", key, err)
	}

	ids := make([]int64, 0, len(members))
	scores := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m.Member, 10, 64)
		if err != nil {
			slog.Warn("排行榜成员不是合法用户 ID", "key", key, "member", m.Member)
			continue
		}
		ids = append(ids, id)
		scores = append(scores, m.Score)
	}

	profiles, err := r.users.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]LeaderboardEntry, 0, len(ids))
	for i, id := range ids {
		p, ok := profiles[id]
		if !ok {
			continue
		}
		out = append(out, LeaderboardEntry{
			Rank:     len(out) + 1,
			UserID:   id,
			Nickname: p.Nickname,
			Avatar:   p.Avatar,
			Score:    scores[i],
		})
	}
	return out, nil
}

// RankOf 查询用户在窗口内的名次；用户在该窗口没有分数时 ok=false
func (r *LeaderboardReader) RankOf(ctx context.Context, userID int64, w Window) (RankResult, bool, error) {
	key, err := r.keys.WindowKey(w, r.now())
	if err != nil {
		return RankResult{}, false, err
	}
	member := memberOf(userID)

	score, ok, err := r.store.SortedSetScore(ctx, key, member)
	if err != nil {
		return RankResult{}, false, storeErr("SortedSetScore", key, err)
	}
	if !ok {
		return RankResult{}, false, nil
	}
	above, err := r.store.SortedSetCountAbove(ctx, key, score)
	if err != nil {
		return RankResult{}, false, storeErr("SortedSetCountAbove", key, err)
	}
	pos, ok, err := r.store.SortedSetReverseRank(ctx, key, member)
	if err != nil {
		return RankResult{}, false, storeErr("SortedSetReverseRank", key, err)
	}
	if !ok {
		// 读取间隙中成员已随键过期
		return RankResult{}, false, nil
	}
	return RankResult{Window: w, Rank: above + 1, Position: pos + 1, Score: score}, true, nil
}

// StatsOf 汇总三个窗口；没有分数的窗口不出现在结果中
func (r *LeaderboardReader) StatsOf(ctx context.Context, userID int64) (map[Window]RankResult, error) {
	out := make(map[Window]RankResult, 3)
	for _, w := range AllWindows() {
		res, ok, err := r.RankOf(ctx, userID, w)
		if err != nil {
			return nil, err
		}
		if ok {
			out[w] = res
		}
	}
	return out, nil
}
