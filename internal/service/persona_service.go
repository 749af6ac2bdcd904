// Package service 实现了应用的核心业务逻辑。
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"echo-bot-go/internal/model"
	"echo-bot-go/internal/repository"
	"echo-bot-go/pkg/log"
	"echo-bot-go/pkg/ollama"
)

// GeneratedReply 是一次人格生成的结果。
type GeneratedReply struct {
	SessionID        uint   `json:"sessionId"`
	Content          string `json:"content"`
	GenerationTimeMs int64  `json:"generationTimeMs"`
}

// PersonaService 定义了回声人格生成的业务接口。
// 生成链路：活跃会话 -> 画像模型引用 -> 频道上下文窗口 -> 模型生成，
// 结果落库为响应记录并累加会话活动计数。
type PersonaService interface {
	// GenerateReply 用频道内活跃会话的画像模型生成一条回复。
	GenerateReply(ctx context.Context, channelID, authorID, content string) (*GeneratedReply, error)
}

// personaService 是 PersonaService 接口的实现。
type personaService struct {
	sessionRepo  repository.SessionRepository
	profileRepo  repository.ProfileRepository
	responseRepo repository.ResponseRepository
	contextRepo  repository.ContextRepository
	trainer      ollama.Client
}

// NewPersonaService 创建一个新的 PersonaService 实例。
func NewPersonaService(
	sessionRepo repository.SessionRepository,
	profileRepo repository.ProfileRepository,
	responseRepo repository.ResponseRepository,
	contextRepo repository.ContextRepository,
	trainer ollama.Client,
) PersonaService {
	return &personaService{
		sessionRepo:  sessionRepo,
		profileRepo:  profileRepo,
		responseRepo: responseRepo,
		contextRepo:  contextRepo,
		trainer:      trainer,
	}
}

// GenerateReply 执行一次完整的人格生成。
// 活动计数仅对仍然活跃的会话生效：若会话在生成期间被并发停用，
// 计数更新会命中 0 行，此时放弃这次回复。
func (s *personaService) GenerateReply(ctx context.Context, channelID, authorID, content string) (*GeneratedReply, error) {
	session, err := s.sessionRepo.GetActiveByChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, err
	}

	profile, err := s.profileRepo.GetByID(ctx, session.ProfileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProfileNotReady
		}
		return nil, err
	}
	if profile.TrainingStatus != model.StatusReady || profile.ModelReference == nil {
		return nil, ErrProfileNotReady
	}

	// 上下文是尽力而为的缓存，读取失败退化为无上下文生成
	history, err := s.contextRepo.GetChannelContext(ctx, channelID)
	if err != nil {
		log.Warnf("[GenerateReply] 读取频道上下文失败: channel=%s, error: %v", channelID, err)
		history = nil
	}

	now := time.Now()
	userMsg := model.ChatMessage{Role: "user", Author: authorID, Content: content, Timestamp: now}
	prompt := append(append([]model.ChatMessage{}, history...), userMsg)

	start := time.Now()
	reply, err := s.trainer.Generate(ctx, *profile.ModelReference, prompt)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start).Milliseconds()

	// 无上下文的首条回复视作开启了一段新对话
	conversations := 0
	if len(history) == 0 {
		conversations = 1
	}
	if err := s.sessionRepo.RecordActivity(ctx, session.ID, 1, conversations, time.Now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotActive
		}
		return nil, err
	}

	contextSnapshot, _ := json.Marshal(prompt)
	resp := &model.EchoResponse{
		SessionID:        session.ID,
		ResponseContent:  reply,
		ContextMessages:  string(contextSnapshot),
		GenerationTimeMs: elapsed,
	}
	if err := s.responseRepo.Insert(ctx, resp); err != nil {
		log.Errorf("[GenerateReply] 落库响应记录失败: session=%d, error: %v", session.ID, err)
	}

	assistantMsg := model.ChatMessage{Role: "assistant", Content: reply, Timestamp: time.Now()}
	if err := s.contextRepo.AppendChannelContext(ctx, channelID, userMsg, assistantMsg); err != nil {
		log.Warnf("[GenerateReply] 追加频道上下文失败: channel=%s, error: %v", channelID, err)
	}

	log.Infof("[GenerateReply] 生成完成: session=%d, channel=%s, elapsedMs=%d", session.ID, channelID, elapsed)
	return &GeneratedReply{
		SessionID:        session.ID,
		Content:          reply,
		GenerationTimeMs: elapsed,
	}, nil
}
