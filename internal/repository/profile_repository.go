// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"fmt"
	"time"

	"echo-bot-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProfileRepository 接口定义了回声画像的数据持久化操作。
// 所有写操作都在行级约束下原子执行；(user_id, server_id) 的唯一性
// 由数据库联合唯一索引兜底，调用方无需额外加锁即可获得确定性结果。
type ProfileRepository interface {
	// CreateOrReset 创建画像，或整体重置一个已处于终态的画像。
	// 若已存在非终态画像则返回 ErrConstraintViolation。
	CreateOrReset(ctx context.Context, profile *model.EchoProfile) error
	// Get 按 (user, server) 读取画像快照。
	Get(ctx context.Context, userID, serverID string) (*model.EchoProfile, error)
	// GetByID 按主键读取画像。
	GetByID(ctx context.Context, id uint) (*model.EchoProfile, error)
	// UpdateStage 以 CAS 语义推进状态机：仅当当前状态等于 from 时更新。
	// 非法转移或前置状态不匹配返回 ErrConstraintViolation。
	UpdateStage(ctx context.Context, userID, serverID string, from, to model.TrainingStatus, fields map[string]interface{}) error
	// UpdateProgress 更新采集/处理计数，训练进度只增不减。
	UpdateProgress(ctx context.Context, userID, serverID string, processed, progress int) error
	// ListReady 返回服务器内所有训练完成的画像。
	ListReady(ctx context.Context, serverID string) ([]model.EchoProfile, error)
	// ListNonTerminal 返回所有处于进行中状态的画像，用于启动恢复。
	ListNonTerminal(ctx context.Context) ([]model.EchoProfile, error)
	// ListExpiredTerminal 返回超过保留期、可被清理的终态画像：
	// failed 画像按 updated_at，ready 画像按最近会话活动时间衡量闲置。
	ListExpiredTerminal(ctx context.Context, before time.Time) ([]model.EchoProfile, error)
	// Delete 删除画像并级联删除其会话与响应记录。
	// 若画像仍被活跃会话引用则拒绝删除，返回 ErrConstraintViolation。
	Delete(ctx context.Context, profileID uint) error
	// CountByServer 返回服务器内各状态的画像数量统计。
	CountByServer(ctx context.Context, serverID string) (total, ready, inProgress int64, err error)
	// Ping 校验存储可达性，供健康检查使用。
	Ping(ctx context.Context) error
}

// profileRepository 是 ProfileRepository 接口的 GORM 实现。
type profileRepository struct {
	db *gorm.DB
}

// NewProfileRepository 创建一个新的 ProfileRepository 实例。
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{db: db}
}

// CreateOrReset 在单个事务内完成"存在性检查 + 插入或重置"。
// 事务内对既有行加 FOR UPDATE 锁，两个并发请求串行化后恰有一个成功。
func (r *profileRepository) CreateOrReset(ctx context.Context, profile *model.EchoProfile) error {
	return withRetry(func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing model.EchoProfile
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("user_id = ? AND server_id = ?", profile.UserID, profile.ServerID).
				First(&existing).Error
			if err == nil {
				if !existing.TrainingStatus.IsTerminal() {
					return ErrConstraintViolation
				}
				// 终态画像允许被新一轮分析整体覆盖
				profile.ID = existing.ID
				return tx.Model(&model.EchoProfile{}).Where("id = ?", existing.ID).
					Updates(map[string]interface{}{
						"cutoff_date":        profile.CutoffDate,
						"model_reference":    nil,
						"training_status":    profile.TrainingStatus,
						"training_progress":  0,
						"total_messages":     0,
						"processed_messages": 0,
						"requester_id":       profile.RequesterID,
						"error_message":      nil,
						"started_at":         profile.StartedAt,
						"completed_at":       nil,
					}).Error
			}
			if err != gorm.ErrRecordNotFound {
				return err
			}
			// 插入竞争由唯一索引兜底，重复键翻译为 ErrConstraintViolation
			if err := tx.Create(profile).Error; err != nil {
				return translate(err)
			}
			return nil
		})
	})
}

// Get 按 (user, server) 读取画像快照。
func (r *profileRepository) Get(ctx context.Context, userID, serverID string) (*model.EchoProfile, error) {
	var profile model.EchoProfile
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND server_id = ?", userID, serverID).
		First(&profile).Error
	if err != nil {
		return nil, translate(err)
	}
	return &profile, nil
}

// GetByID 按主键读取画像。
func (r *profileRepository) GetByID(ctx context.Context, id uint) (*model.EchoProfile, error) {
	var profile model.EchoProfile
	if err := r.db.WithContext(ctx).First(&profile, id).Error; err != nil {
		return nil, translate(err)
	}
	return &profile, nil
}

// UpdateStage 以 WHERE training_status = from 的条件更新推进状态机。
// 转移表在进库前校验，数据库条件更新兜底并发下的失配。
// from == to 表示阶段内的字段刷新，不算状态转移，但仍受 CAS 条件保护。
func (r *profileRepository) UpdateStage(ctx context.Context, userID, serverID string, from, to model.TrainingStatus, fields map[string]interface{}) error {
	if from != to && !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrConstraintViolation, from, to)
	}
	updates := map[string]interface{}{"training_status": to}
	for k, v := range fields {
		updates[k] = v
	}
	return withRetry(func() error {
		result := r.db.WithContext(ctx).Model(&model.EchoProfile{}).
			Where("user_id = ? AND server_id = ? AND training_status = ?", userID, serverID, from).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConstraintViolation
		}
		return nil
	})
}

// UpdateProgress 更新计数字段；GREATEST 保证 training_progress 单调不减。
func (r *profileRepository) UpdateProgress(ctx context.Context, userID, serverID string, processed, progress int) error {
	return withRetry(func() error {
		return r.db.WithContext(ctx).Model(&model.EchoProfile{}).
			Where("user_id = ? AND server_id = ?", userID, serverID).
			Updates(map[string]interface{}{
				"processed_messages": processed,
				"training_progress":  gorm.Expr("GREATEST(training_progress, ?)", progress),
			}).Error
	})
}

// ListReady 返回服务器内所有训练完成的画像。
func (r *profileRepository) ListReady(ctx context.Context, serverID string) ([]model.EchoProfile, error) {
	var profiles []model.EchoProfile
	err := r.db.WithContext(ctx).
		Where("server_id = ? AND training_status = ?", serverID, model.StatusReady).
		Find(&profiles).Error
	return profiles, translate(err)
}

// ListNonTerminal 返回所有进行中的画像。
func (r *profileRepository) ListNonTerminal(ctx context.Context) ([]model.EchoProfile, error) {
	var profiles []model.EchoProfile
	err := r.db.WithContext(ctx).
		Where("training_status IN ?", []model.TrainingStatus{
			model.StatusNotStarted, model.StatusCollecting,
			model.StatusPreprocessing, model.StatusTraining,
		}).
		Find(&profiles).Error
	return profiles, translate(err)
}

// ListExpiredTerminal 返回可被保留期清理的终态画像。
// failed 画像按最后更新时间衡量；ready 画像要求超期闲置且当前没有活跃会话。
func (r *profileRepository) ListExpiredTerminal(ctx context.Context, before time.Time) ([]model.EchoProfile, error) {
	var profiles []model.EchoProfile
	err := r.db.WithContext(ctx).
		Where("training_status = ? AND updated_at < ?", model.StatusFailed, before).
		Or("training_status = ? AND updated_at < ? AND id NOT IN (?)",
			model.StatusReady, before,
			r.db.Model(&model.EchoSession{}).Select("profile_id").Where("is_active = ?", true),
		).
		Find(&profiles).Error
	return profiles, translate(err)
}

// Delete 在单个事务内级联删除画像：先确认没有活跃会话引用，
// 再依次删除响应、会话、画像本身。
func (r *profileRepository) Delete(ctx context.Context, profileID uint) error {
	return withRetry(func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var active int64
			if err := tx.Model(&model.EchoSession{}).
				Where("profile_id = ? AND is_active = ?", profileID, true).
				Count(&active).Error; err != nil {
				return err
			}
			if active > 0 {
				return ErrConstraintViolation
			}
			sessionIDs := tx.Model(&model.EchoSession{}).Select("id").Where("profile_id = ?", profileID)
			if err := tx.Where("session_id IN (?)", sessionIDs).Delete(&model.EchoResponse{}).Error; err != nil {
				return err
			}
			if err := tx.Where("profile_id = ?", profileID).Delete(&model.EchoSession{}).Error; err != nil {
				return err
			}
			return tx.Delete(&model.EchoProfile{}, profileID).Error
		})
	})
}

// CountByServer 返回服务器内画像的状态统计。
func (r *profileRepository) CountByServer(ctx context.Context, serverID string) (total, ready, inProgress int64, err error) {
	db := r.db.WithContext(ctx).Model(&model.EchoProfile{})
	if err = db.Where("server_id = ?", serverID).Count(&total).Error; err != nil {
		return 0, 0, 0, translate(err)
	}
	if err = r.db.WithContext(ctx).Model(&model.EchoProfile{}).
		Where("server_id = ? AND training_status = ?", serverID, model.StatusReady).
		Count(&ready).Error; err != nil {
		return 0, 0, 0, translate(err)
	}
	if err = r.db.WithContext(ctx).Model(&model.EchoProfile{}).
		Where("server_id = ? AND training_status IN ?", serverID, []model.TrainingStatus{
			model.StatusCollecting, model.StatusPreprocessing, model.StatusTraining,
		}).
		Count(&inProgress).Error; err != nil {
		return 0, 0, 0, translate(err)
	}
	return total, ready, inProgress, nil
}

// Ping 校验底层数据库连接可达。
func (r *profileRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
