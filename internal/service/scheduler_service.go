// Package service 实现了应用的核心业务逻辑。
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"echo-bot-go/internal/config"
	"echo-bot-go/internal/model"
	"echo-bot-go/internal/repository"
	"echo-bot-go/pkg/log"
	"echo-bot-go/pkg/ollama"
)

// 后台维护任务名，也是手动触发接口的合法取值。
const (
	JobSessionReaper    = "session_reaper"
	JobRetentionCleanup = "retention_cleanup"
	JobHealthCheck      = "health_check"
)

// JobResult 是一次维护任务执行的结果快照。
type JobResult struct {
	JobName      string        `json:"jobName"`
	RowsAffected int64         `json:"rowsAffected"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
	RanAt        time.Time     `json:"ranAt"`
}

// HealthSnapshot 是最近一次健康检查各依赖的状态。
type HealthSnapshot struct {
	MySQL   string    `json:"mysql"`
	Redis   string    `json:"redis"`
	Trainer string    `json:"trainer"`
	Healthy bool      `json:"healthy"`
	Time    time.Time `json:"time"`
}

// SchedulerService 定义了后台维护调度器的业务接口。
// 每个任务由独立的 ticker goroutine 驱动，单个任务的失败只记录
// 在自己的结果里，不影响其他任务继续按节奏运行。
type SchedulerService interface {
	// Start 启动所有维护任务的调度循环，ctx 取消时全部退出。
	Start(ctx context.Context)
	// ManualTrigger 立刻执行一次指定任务并返回结果。
	ManualTrigger(ctx context.Context, jobName string) (*JobResult, error)
	// Status 返回每个任务最近一次执行的结果。
	Status() []JobResult
	// Health 返回最近一次健康检查的快照。
	Health() HealthSnapshot
}

type jobFunc func(ctx context.Context) (int64, error)

// schedulerService 是 SchedulerService 接口的实现。
type schedulerService struct {
	sessionRepo repository.SessionRepository
	profileRepo repository.ProfileRepository
	messageRepo repository.MessageRepository
	contextRepo repository.ContextRepository
	trainer     ollama.Client

	jobs map[string]jobFunc

	mu          sync.Mutex
	lastResults map[string]JobResult
	lastHealth  HealthSnapshot
}

// NewSchedulerService 创建一个新的 SchedulerService 实例。
func NewSchedulerService(
	sessionRepo repository.SessionRepository,
	profileRepo repository.ProfileRepository,
	messageRepo repository.MessageRepository,
	contextRepo repository.ContextRepository,
	trainer ollama.Client,
) SchedulerService {
	s := &schedulerService{
		sessionRepo: sessionRepo,
		profileRepo: profileRepo,
		messageRepo: messageRepo,
		contextRepo: contextRepo,
		trainer:     trainer,
		lastResults: make(map[string]JobResult),
	}
	s.jobs = map[string]jobFunc{
		JobSessionReaper:    s.reapIdleSessions,
		JobRetentionCleanup: s.cleanupExpiredData,
		JobHealthCheck:      s.checkHealth,
	}
	return s
}

// Start 为每个任务启动一个独立的 ticker 循环。
func (s *schedulerService) Start(ctx context.Context) {
	cfg := config.Conf.Scheduler
	intervals := map[string]time.Duration{
		JobSessionReaper:    cfg.ReaperInterval,
		JobRetentionCleanup: cfg.CleanupInterval,
		JobHealthCheck:      cfg.HealthCheckInterval,
	}
	for name, interval := range intervals {
		if interval <= 0 {
			log.Warnf("[scheduler] 任务 %s 未配置调度间隔，跳过", name)
			continue
		}
		go s.runLoop(ctx, name, interval)
	}
	log.Info("后台维护调度器已启动")
}

// runLoop 按固定间隔驱动单个任务，直到 ctx 取消。
func (s *schedulerService) runLoop(ctx context.Context, name string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infof("[scheduler] 任务 %s 调度循环退出", name)
			return
		case <-ticker.C:
			s.runJob(ctx, name)
		}
	}
}

// runJob 执行一次任务并记录结果快照。
func (s *schedulerService) runJob(ctx context.Context, name string) JobResult {
	job := s.jobs[name]
	start := time.Now()
	rows, err := job(ctx)

	result := JobResult{
		JobName:      name,
		RowsAffected: rows,
		Duration:     time.Since(start),
		RanAt:        start,
	}
	if err != nil {
		result.Error = err.Error()
		log.Errorf("[scheduler] 任务 %s 执行失败: %v", name, err)
	} else if rows > 0 {
		log.Infof("[scheduler] 任务 %s 执行完成: rows=%d, duration=%s", name, rows, result.Duration)
	}

	s.mu.Lock()
	s.lastResults[name] = result
	s.mu.Unlock()
	return result
}

// ManualTrigger 立刻执行一次指定任务。
func (s *schedulerService) ManualTrigger(ctx context.Context, jobName string) (*JobResult, error) {
	if _, ok := s.jobs[jobName]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}
	log.Infof("[ManualTrigger] 手动触发维护任务: %s", jobName)
	result := s.runJob(ctx, jobName)
	return &result, nil
}

// Status 返回每个任务最近一次执行的结果。
func (s *schedulerService) Status() []JobResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]JobResult, 0, len(s.lastResults))
	for _, r := range s.lastResults {
		results = append(results, r)
	}
	return results
}

// Health 返回最近一次健康检查的快照。
func (s *schedulerService) Health() HealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealth
}

// reapIdleSessions 停用闲置超过阈值的活跃会话。
// 阈值按 last_activity 衡量，停用原因记为 reaped。
func (s *schedulerService) reapIdleSessions(ctx context.Context) (int64, error) {
	threshold := config.Conf.Echo.SessionInactivityThreshold
	if threshold <= 0 {
		return 0, nil
	}
	idle, err := s.sessionRepo.ListActiveIdleSince(ctx, time.Now().Add(-threshold))
	if err != nil {
		return 0, err
	}

	var reaped int64
	now := time.Now()
	for _, session := range idle {
		err := s.sessionRepo.DeactivateByID(ctx, session.ID, model.StopReasonReaped, now)
		if errors.Is(err, repository.ErrNotFound) {
			// 会话恰好被手动停用，跳过
			continue
		}
		if err != nil {
			log.Errorf("[session_reaper] 停用闲置会话失败: session=%d, error: %v", session.ID, err)
			continue
		}
		if err := s.contextRepo.ClearChannelContext(ctx, session.ChannelID); err != nil {
			log.Warnf("[session_reaper] 清空频道上下文失败: channel=%s, error: %v", session.ChannelID, err)
		}
		log.Infof("[session_reaper] 已收割闲置会话: session=%d, channel=%s, lastActivity=%s",
			session.ID, session.ChannelID, session.LastActivity.Format(time.RFC3339))
		reaped++
	}
	return reaped, nil
}

// cleanupExpiredData 执行保留期清理：删除过期消息，
// 再删除闲置超过宽限期的终态画像（级联停用依赖会话、删除微调模型、删除数据行）。
// 消息保留窗口和画像宽限期是两个独立的配置项，各自计算截止时间。
func (s *schedulerService) cleanupExpiredData(ctx context.Context) (int64, error) {
	var deleted int64
	if retentionDays := config.Conf.Echo.DataRetentionDays; retentionDays > 0 {
		n, err := s.messageRepo.DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -retentionDays))
		if err != nil {
			return 0, err
		}
		deleted = n
		if deleted > 0 {
			log.Infof("[retention_cleanup] 已删除 %d 条过期消息", deleted)
		}
	}

	gracePeriod := config.Conf.Echo.ProfileGracePeriod
	if gracePeriod <= 0 {
		return deleted, nil
	}
	profiles, err := s.profileRepo.ListExpiredTerminal(ctx, time.Now().Add(-gracePeriod))
	if err != nil {
		return deleted, err
	}

	var lastErr error
	for _, profile := range profiles {
		if err := s.removeProfile(ctx, &profile); err != nil {
			log.Errorf("[retention_cleanup] 清理画像失败: profile=%d, error: %v", profile.ID, err)
			lastErr = err
			continue
		}
		deleted++
	}
	return deleted, lastErr
}

// removeProfile 清理单个超期画像：先级联停用其所有活跃会话（原因 evicted），
// 再删除微调模型，最后删除画像及其会话、响应记录。
// 模型删除失败时保留数据行，留待下一轮清理重试。
func (s *schedulerService) removeProfile(ctx context.Context, profile *model.EchoProfile) error {
	sessions, err := s.sessionRepo.ListByProfile(ctx, profile.ID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, session := range sessions {
		if !session.IsActive {
			continue
		}
		err := s.sessionRepo.DeactivateByID(ctx, session.ID, model.StopReasonEvicted, now)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err := s.contextRepo.ClearChannelContext(ctx, session.ChannelID); err != nil {
			log.Warnf("[retention_cleanup] 清空频道上下文失败: channel=%s, error: %v", session.ChannelID, err)
		}
	}

	if profile.ModelReference != nil {
		if err := s.trainer.DeleteModel(ctx, *profile.ModelReference); err != nil {
			return fmt.Errorf("failed to delete model %s: %w", *profile.ModelReference, err)
		}
	}

	if err := s.profileRepo.Delete(ctx, profile.ID); err != nil {
		return err
	}
	log.Infof("[retention_cleanup] 已清理超期画像: profile=%d, user=%s, server=%s", profile.ID, profile.UserID, profile.ServerID)
	return nil
}

// checkHealth 探测 MySQL、Redis 和模型服务的可达性，刷新健康快照。
func (s *schedulerService) checkHealth(ctx context.Context) (int64, error) {
	snapshot := HealthSnapshot{
		MySQL:   "ok",
		Redis:   "ok",
		Trainer: "ok",
		Healthy: true,
		Time:    time.Now(),
	}
	var firstErr error

	if err := s.profileRepo.Ping(ctx); err != nil {
		snapshot.MySQL = err.Error()
		snapshot.Healthy = false
		firstErr = err
	}
	if err := s.contextRepo.Ping(ctx); err != nil {
		snapshot.Redis = err.Error()
		snapshot.Healthy = false
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := s.trainer.HealthCheck(ctx); err != nil {
		snapshot.Trainer = err.Error()
		snapshot.Healthy = false
		if firstErr == nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	s.lastHealth = snapshot
	s.mu.Unlock()

	if !snapshot.Healthy {
		log.Warnf("[health_check] 依赖健康检查异常: mysql=%s, redis=%s, trainer=%s", snapshot.MySQL, snapshot.Redis, snapshot.Trainer)
	}
	return 0, firstErr
}
