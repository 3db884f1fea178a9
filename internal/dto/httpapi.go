package dto

// 注意：本包用于承载“对外契约”的 DTO（与 HTTP API 保持稳定）。
// 不要在这里放 GORM/持久化细节；内部持久化 schema 请见 internal/schema；业务逻辑收敛在 internal/service。

type LeaderboardEntryDTO struct {
	Rank     int    `json:"rank"`
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar,omitempty"`
	Score    int64  `json:"score"`
}

type LeaderboardDTO struct {
	Window  string                `json:"window"`
	Limit   int                   `json:"limit"`
	Entries []LeaderboardEntryDTO `json:"entries"`
}

type RankDTO struct {
	Window   string `json:"window"`
	Rank     int64  `json:"rank"`
	Position int64  `json:"position"`
	Score    int64  `json:"score"`
}

type UserStatsDTO struct {
	UserID  int64              `json:"user_id"`
	Windows map[string]RankDTO `json:"windows"`
}

type ApplyResultDTO struct {
	EventID  string `json:"event_id"`
	Outcome  string `json:"outcome"`
	Delta    int64  `json:"delta"`
	DayTotal int64  `json:"day_total"`
}

type SubmitAcceptedDTO struct {
	EventID string `json:"event_id"`
	Queued  bool   `json:"queued"`
}

type ConsumerStatusDTO struct {
	Submitted    int64 `json:"submitted"`
	Processed    int64 `json:"processed"`
	Rejected     int64 `json:"rejected"`
	Retries      int64 `json:"retries"`
	DeadLettered int64 `json:"dead_lettered"`
}

type HealthDTO struct {
	OK          bool              `json:"ok"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Build       string            `json:"build"`
	Driver      string            `json:"driver"`
	StartedAt   string            `json:"started_at"`
	UptimeSec   int64             `json:"uptime_sec"`
	Consumer    ConsumerStatusDTO `json:"consumer"`
	Subscribers int               `json:"subscribers"`
	Dropped     int64             `json:"dropped_events"`
}
