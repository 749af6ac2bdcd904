// Package service 实现了应用的核心业务逻辑。
package service

import (
	"context"
	"errors"
	"time"

	"echo-bot-go/internal/config"
	"echo-bot-go/internal/model"
	"echo-bot-go/internal/repository"
	"echo-bot-go/pkg/log"
)

// SessionService 定义了回声会话编排的业务接口。
// 两个并发不变量（每频道至多一个活跃会话、每服务器活跃会话数不超上限）
// 由仓储层的单事务保证，这里只做前置校验和错误翻译。
type SessionService interface {
	// Activate 在频道内激活一个回声会话，要求画像已训练完成。
	Activate(ctx context.Context, userID, serverID, channelID, requesterID string) (*model.EchoSession, error)
	// Deactivate 停用频道内的活跃会话并记录原因，返回最终的会话快照。
	Deactivate(ctx context.Context, channelID, reason string) (*model.EchoSession, error)
	// GetActive 返回频道内当前活跃的会话。
	GetActive(ctx context.Context, channelID string) (*model.EchoSession, error)
	// ListActive 返回服务器内全部活跃会话。
	ListActive(ctx context.Context, serverID string) ([]model.EchoSession, error)
	// ListReadyProfiles 返回服务器内可用于激活会话的画像列表。
	ListReadyProfiles(ctx context.Context, serverID string) ([]model.EchoProfile, error)
	// SessionHistory 返回画像名下的全部会话（含历史），按开始时间倒序。
	SessionHistory(ctx context.Context, userID, serverID string) ([]model.EchoSession, error)
}

// sessionService 是 SessionService 接口的实现。
type sessionService struct {
	sessionRepo repository.SessionRepository
	profileRepo repository.ProfileRepository
	contextRepo repository.ContextRepository
}

// NewSessionService 创建一个新的 SessionService 实例。
func NewSessionService(
	sessionRepo repository.SessionRepository,
	profileRepo repository.ProfileRepository,
	contextRepo repository.ContextRepository,
) SessionService {
	return &sessionService{
		sessionRepo: sessionRepo,
		profileRepo: profileRepo,
		contextRepo: contextRepo,
	}
}

// Activate 校验画像就绪后插入活跃会话。
// 前置校验和插入之间存在竞争窗口（画像可能恰好被清理），
// 但插入本身的原子性保证不变量不被破坏，最坏情况是返回一个略迟的错误。
func (s *sessionService) Activate(ctx context.Context, userID, serverID, channelID, requesterID string) (*model.EchoSession, error) {
	profile, err := s.profileRepo.Get(ctx, userID, serverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProfileNotReady
		}
		return nil, err
	}
	if profile.TrainingStatus != model.StatusReady || profile.ModelReference == nil {
		return nil, ErrProfileNotReady
	}

	now := time.Now()
	session := &model.EchoSession{
		ProfileID:    profile.ID,
		ChannelID:    channelID,
		ServerID:     serverID,
		RequesterID:  requesterID,
		StartedAt:    now,
		LastActivity: now,
	}

	err = s.sessionRepo.Insert(ctx, session, config.Conf.Echo.MaxActiveSessionsPerServer)
	if err != nil {
		if errors.Is(err, repository.ErrConstraintViolation) {
			return nil, ErrChannelAlreadyActive
		}
		if errors.Is(err, repository.ErrLimitExceeded) {
			return nil, ErrServerSessionLimit
		}
		if errors.Is(err, repository.ErrStorageUnavailable) {
			return nil, ErrStorageUnavailable
		}
		return nil, err
	}

	log.Infof("[Activate] 会话已激活: session=%d, user=%s, server=%s, channel=%s", session.ID, userID, serverID, channelID)
	return session, nil
}

// Deactivate 停用频道内的活跃会话，并清空该频道的上下文窗口。
func (s *sessionService) Deactivate(ctx context.Context, channelID, reason string) (*model.EchoSession, error) {
	session, err := s.sessionRepo.Deactivate(ctx, channelID, reason, time.Now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, err
	}

	// 上下文是缓存数据，清理失败不影响停用结果
	if err := s.contextRepo.ClearChannelContext(ctx, channelID); err != nil {
		log.Warnf("[Deactivate] 清空频道上下文失败: channel=%s, error: %v", channelID, err)
	}

	log.Infof("[Deactivate] 会话已停用: session=%d, channel=%s, reason=%s", session.ID, channelID, reason)
	return session, nil
}

// GetActive 返回频道内当前活跃的会话。
func (s *sessionService) GetActive(ctx context.Context, channelID string) (*model.EchoSession, error) {
	session, err := s.sessionRepo.GetActiveByChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, err
	}
	return session, nil
}

// ListActive 返回服务器内全部活跃会话。
func (s *sessionService) ListActive(ctx context.Context, serverID string) ([]model.EchoSession, error) {
	return s.sessionRepo.ListActive(ctx, serverID)
}

// ListReadyProfiles 返回服务器内训练完成、可激活会话的画像。
func (s *sessionService) ListReadyProfiles(ctx context.Context, serverID string) ([]model.EchoProfile, error) {
	return s.profileRepo.ListReady(ctx, serverID)
}

// SessionHistory 返回画像名下的全部会话。
func (s *sessionService) SessionHistory(ctx context.Context, userID, serverID string) ([]model.EchoSession, error) {
	profile, err := s.profileRepo.Get(ctx, userID, serverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.sessionRepo.ListByProfile(ctx, profile.ID)
}
