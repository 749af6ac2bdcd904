// Package service 实现了应用的核心业务逻辑。
package service

import (
	"context"

	"echo-bot-go/internal/config"
	"echo-bot-go/internal/model"
	"echo-bot-go/internal/repository"
)

// SessionStats 是一个活跃会话及其累计落库的响应数。
// 响应数来自 echo_responses 表，和会话行上的 messages_generated
// 计数相互印证。
type SessionStats struct {
	model.EchoSession
	TotalResponses int64 `json:"totalResponses"`
}

// ServerStats 是单个服务器的画像与会话统计。
type ServerStats struct {
	ServerID           string         `json:"serverId"`
	TotalProfiles      int64          `json:"totalProfiles"`
	ReadyProfiles      int64          `json:"readyProfiles"`
	InProgressProfiles int64          `json:"inProgressProfiles"`
	ActiveSessions     int64          `json:"activeSessions"`
	MaxActiveSessions  int            `json:"maxActiveSessions"`
	Sessions           []SessionStats `json:"sessions"`
}

// AdminService 定义了管理侧只读统计的业务接口。
type AdminService interface {
	// GetServerStats 返回服务器的画像状态统计和活跃会话列表。
	GetServerStats(ctx context.Context, serverID string) (*ServerStats, error)
}

// adminService 是 AdminService 接口的实现。
type adminService struct {
	profileRepo  repository.ProfileRepository
	sessionRepo  repository.SessionRepository
	responseRepo repository.ResponseRepository
}

// NewAdminService 创建一个新的 AdminService 实例。
func NewAdminService(
	profileRepo repository.ProfileRepository,
	sessionRepo repository.SessionRepository,
	responseRepo repository.ResponseRepository,
) AdminService {
	return &adminService{
		profileRepo:  profileRepo,
		sessionRepo:  sessionRepo,
		responseRepo: responseRepo,
	}
}

// GetServerStats 聚合服务器维度的画像与会话统计。
func (s *adminService) GetServerStats(ctx context.Context, serverID string) (*ServerStats, error) {
	total, ready, inProgress, err := s.profileRepo.CountByServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	active, err := s.sessionRepo.CountActive(ctx, serverID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.sessionRepo.ListActive(ctx, serverID)
	if err != nil {
		return nil, err
	}
	stats := make([]SessionStats, 0, len(sessions))
	for _, session := range sessions {
		responses, err := s.responseRepo.CountBySession(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		stats = append(stats, SessionStats{EchoSession: session, TotalResponses: responses})
	}

	return &ServerStats{
		ServerID:           serverID,
		TotalProfiles:      total,
		ReadyProfiles:      ready,
		InProgressProfiles: inProgress,
		ActiveSessions:     active,
		MaxActiveSessions:  config.Conf.Echo.MaxActiveSessionsPerServer,
		Sessions:           stats,
	}, nil
}
