package schema

import "time"

// ActivityEvent 上游投递的用户行为事件（只读）
// TargetID/TargetType 同时存在时，(Action, TargetType, TargetID) 构成该用户的幂等/撤销键；
// 缺省时视为可重复行为（如签到），不做幂等检查。
type ActivityEvent struct {
	EventID    string      `json:"eventId"`
	UserID     int64       `json:"userId"`
	Action     ActionCode  `json:"actionType"`
	TargetID   *int64      `json:"targetId,omitempty"`
	TargetType *TargetType `json:"targetType,omitempty"`
	Timestamp  int64       `json:"timestamp"` // Unix ms
}

// HasTarget 事件是否携带完整的作用对象
func (e ActivityEvent) HasTarget() bool {
	return e.TargetID != nil && e.TargetType != nil
}

// OccurredAt 事件发生时间；未携带时间戳时返回零值
func (e ActivityEvent) OccurredAt() time.Time {
	if e.Timestamp <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Timestamp)
}

// NewTargetedEvent 构造带作用对象的事件（测试与 CLI 使用）
func NewTargetedEvent(userID int64, action ActionCode, targetType TargetType, targetID int64) ActivityEvent {
	tt := targetType
	tid := targetID
	return ActivityEvent{
		UserID:     userID,
		Action:     action,
		TargetID:   &tid,
		TargetType: &tt,
		Timestamp:  time.Now().UnixMilli(),
	}
}
