package repository

import (
	"context"
	"fmt"

	"github.com/yuqie6/activityrank/internal/schema"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserRepository 用户资料仓储（排行榜展示用）
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Upsert 写入或更新用户资料
func (r *UserRepository) Upsert(ctx context.Context, user *schema.UserProfile) error {
	if user == nil {
		return fmt.Errorf("user 不能为空")
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"nickname", "avatar", "updated_at"}),
		}).
		Create(user).Error
	if err != nil {
		return fmt.Errorf("写入用户资料失败: %w", err)
	}
	return nil
}

// GetByIDs 批量查询，返回 id -> 资料；不存在的 id 不出现在结果中
func (r *UserRepository) GetByIDs(ctx context.Context, ids []int64) (map[int64]schema.UserProfile, error) {
	out := make(map[int64]schema.UserProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []schema.UserProfile
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询用户资料失败: %w", err)
	}
	for _, u := range rows {
		out[u.ID] = u
	}
	return out, nil
}
