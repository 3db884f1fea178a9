package schema

import "time"

// UserProfile 排行榜展示用的用户资料（只读副本，由用户目录维护）
type UserProfile struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Nickname  string    `gorm:"size:64;not null" json:"nickname"`
	Avatar    string    `gorm:"size:255" json:"avatar"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UserProfile) TableName() string {
	return "users"
}
