package schema

// HashField KV 存储中的哈希字段（每日操作日志）
type HashField struct {
	Key   string `gorm:"column:kv_key;size:191;primaryKey"`
	Field string `gorm:"size:191;primaryKey"`
	Value int64  `gorm:"not null;default:0"`
}

func (HashField) TableName() string {
	return "kv_hash_fields"
}

// ZSetMember KV 存储中的有序集合成员（排行榜）
type ZSetMember struct {
	Key    string `gorm:"column:kv_key;size:191;primaryKey;index:idx_zset_key_score,priority:1"`
	Member string `gorm:"size:191;primaryKey"`
	Score  int64  `gorm:"not null;default:0;index:idx_zset_key_score,priority:2"`
}

func (ZSetMember) TableName() string {
	return "kv_zset_members"
}

// KeyExpiry 键过期时间；没有记录表示永不过期
type KeyExpiry struct {
	Key        string `gorm:"column:kv_key;size:191;primaryKey"`
	ExpireAtMs int64  `gorm:"not null;index"`
}

func (KeyExpiry) TableName() string {
	return "kv_key_expiries"
}
