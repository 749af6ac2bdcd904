// Package service 实现了应用的核心业务逻辑。
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"echo-bot-go/internal/config"
	"echo-bot-go/internal/model"
	"echo-bot-go/internal/repository"
	"echo-bot-go/pkg/log"
	"echo-bot-go/pkg/ollama"
	"echo-bot-go/pkg/storage"
)

// 写入画像 error_message 字段的固定值。
// 它们是对外可见的数据常量，网关靠字符串匹配展示不同的失败原因。
const (
	failureCancelled    = "cancelled"
	failureInterrupted  = "interrupted"
	failureTimeout      = "model training timed out"
	failureInsufficient = "insufficient message history"
)

// 训练语料的单条长度约束，过短的消息没有风格信息，过长的多半是粘贴内容。
const (
	minTrainableLen = 3
	maxTrainableLen = 2000
)

// collectBatchSize 是采集阶段单次从数据库读取的消息条数。
const collectBatchSize = 500

// 各阶段在总进度中占据的区间：采集 0-40，预处理 40-60，训练 60-100。
const (
	progressCollectEnd    = 40
	progressPreprocessEnd = 60
)

// ProfileService 定义了回声画像生命周期编排的业务接口。
// 一次分析请求孵化一个后台流水线 goroutine，推进
// not_started -> collecting -> preprocessing -> training -> ready 的状态机，
// 任何阶段失败都落入 failed 终态并记录原因。
type ProfileService interface {
	// RequestAnalysis 发起一轮画像分析。终态画像会被整体重置，
	// 进行中的画像返回 ErrAlreadyInProgress。
	RequestAnalysis(ctx context.Context, userID, serverID, requesterID string, cutoff time.Time) (*model.EchoProfile, error)
	// GetStatus 返回画像当前的状态快照。
	GetStatus(ctx context.Context, userID, serverID string) (*model.EchoProfile, error)
	// CancelAnalysis 取消一个进行中的分析；终态画像返回 ErrNotCancellable。
	CancelAnalysis(ctx context.Context, userID, serverID string) error
	// RecoverInterrupted 在启动时把所有非终态画像标记为 failed/interrupted。
	// 崩溃时流水线 goroutine 已经丢失，数据库里的中间状态是僵尸状态。
	RecoverInterrupted(ctx context.Context) error
	// Shutdown 取消所有进行中的流水线并等待它们退出。
	Shutdown()
}

// profileService 是 ProfileService 接口的实现。
type profileService struct {
	profileRepo  repository.ProfileRepository
	messageRepo  repository.MessageRepository
	datasetStore storage.DatasetStore
	trainer      ollama.Client

	mu      sync.Mutex
	running map[string]*pipelineRun // 进行中流水线的取消句柄，key 为 user:server
	wg      sync.WaitGroup
}

// pipelineRun 是一条流水线 goroutine 的取消句柄，按指针身份区分。
// 同一 key 上的新一轮分析注册新句柄后，旧流水线收尾时只注销自己的
// 句柄，不会误删新句柄。
type pipelineRun struct {
	cancel context.CancelFunc
}

// NewProfileService 创建一个新的 ProfileService 实例。
func NewProfileService(
	profileRepo repository.ProfileRepository,
	messageRepo repository.MessageRepository,
	datasetStore storage.DatasetStore,
	trainer ollama.Client,
) ProfileService {
	return &profileService{
		profileRepo:  profileRepo,
		messageRepo:  messageRepo,
		datasetStore: datasetStore,
		trainer:      trainer,
		running:      make(map[string]*pipelineRun),
	}
}

func profileKey(userID, serverID string) string {
	return userID + ":" + serverID
}

// RequestAnalysis 校验截止日期后原子地创建（或重置）画像行，
// 然后孵化流水线 goroutine。唯一性竞争完全由仓储层的事务裁决，
// 并发的重复请求恰有一个胜出。
func (s *profileService) RequestAnalysis(ctx context.Context, userID, serverID, requesterID string, cutoff time.Time) (*model.EchoProfile, error) {
	log.Infof("[RequestAnalysis] 收到画像分析请求: user=%s, server=%s, cutoff=%s", userID, serverID, cutoff.Format("2006-01-02"))

	if err := s.validateCutoff(cutoff); err != nil {
		return nil, err
	}

	now := time.Now()
	profile := &model.EchoProfile{
		UserID:         userID,
		ServerID:       serverID,
		CutoffDate:     cutoff,
		TrainingStatus: model.StatusNotStarted,
		RequesterID:    requesterID,
		StartedAt:      now,
	}

	if err := s.profileRepo.CreateOrReset(ctx, profile); err != nil {
		if errors.Is(err, repository.ErrConstraintViolation) {
			return nil, ErrAlreadyInProgress
		}
		if errors.Is(err, repository.ErrStorageUnavailable) {
			return nil, ErrStorageUnavailable
		}
		return nil, err
	}

	// 流水线生命周期独立于请求：用后台 context 派生可取消的 context
	pipelineCtx, cancel := context.WithCancel(context.Background())
	run := &pipelineRun{cancel: cancel}
	key := profileKey(userID, serverID)
	s.mu.Lock()
	s.running[key] = run
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finishPipeline(key, run)
		s.runPipeline(pipelineCtx, userID, serverID, cutoff)
	}()

	return profile, nil
}

// finishPipeline 在流水线退出时注销取消句柄并释放 context。
// 句柄已被同 key 的新流水线替换时只释放自己的 context。
func (s *profileService) finishPipeline(key string, run *pipelineRun) {
	s.mu.Lock()
	if s.running[key] == run {
		delete(s.running, key)
	}
	s.mu.Unlock()
	run.cancel()
}

// validateCutoff 校验截止日期：不允许在未来，也不允许早于配置的最早日期。
func (s *profileService) validateCutoff(cutoff time.Time) error {
	if cutoff.After(time.Now()) {
		return fmt.Errorf("%w: cutoff date is in the future", ErrInvalidCutoff)
	}
	floor, err := time.Parse("2006-01-02", config.Conf.Echo.CutoffFloor)
	if err == nil && cutoff.Before(floor) {
		return fmt.Errorf("%w: cutoff date is before %s", ErrInvalidCutoff, config.Conf.Echo.CutoffFloor)
	}
	return nil
}

// GetStatus 返回画像状态快照。
func (s *profileService) GetStatus(ctx context.Context, userID, serverID string) (*model.EchoProfile, error) {
	profile, err := s.profileRepo.Get(ctx, userID, serverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return profile, nil
}

// CancelAnalysis 取消进行中的分析。优先通过取消句柄通知流水线 goroutine，
// 由它在下一个检查点落库 failed/cancelled；若本进程没有对应的 goroutine
// （例如崩溃后残留的中间状态），则直接落库。
func (s *profileService) CancelAnalysis(ctx context.Context, userID, serverID string) error {
	profile, err := s.profileRepo.Get(ctx, userID, serverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if profile.TrainingStatus.IsTerminal() {
		return ErrNotCancellable
	}

	key := profileKey(userID, serverID)
	s.mu.Lock()
	run, ok := s.running[key]
	s.mu.Unlock()
	if ok {
		log.Infof("[CancelAnalysis] 取消进行中的画像分析: user=%s, server=%s, stage=%s", userID, serverID, profile.TrainingStatus)
		run.cancel()
		return nil
	}

	// 本进程没有流水线：直接落库终态
	log.Warnf("[CancelAnalysis] 未找到进行中的流水线，直接落库取消: user=%s, server=%s", userID, serverID)
	return s.markFailed(context.Background(), userID, serverID, profile.TrainingStatus, failureCancelled)
}

// RecoverInterrupted 把所有非终态画像标记为 failed/interrupted。
func (s *profileService) RecoverInterrupted(ctx context.Context) error {
	profiles, err := s.profileRepo.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, p := range profiles {
		if err := s.markFailed(ctx, p.UserID, p.ServerID, p.TrainingStatus, failureInterrupted); err != nil {
			log.Errorf("[RecoverInterrupted] 标记中断画像失败: user=%s, server=%s, error: %v", p.UserID, p.ServerID, err)
		}
	}
	if len(profiles) > 0 {
		log.Infof("[RecoverInterrupted] 启动恢复完成，%d 个中断画像已标记为 failed", len(profiles))
	}
	return nil
}

// Shutdown 取消所有进行中的流水线并等待它们退出。
func (s *profileService) Shutdown() {
	s.mu.Lock()
	for _, run := range s.running {
		run.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// runPipeline 执行采集、预处理、训练三个阶段。
// 每个阶段转移都经过数据库的 CAS 更新持久化；取消检查点位于
// 阶段边界和采集批次之间，确保外部取消在有限时间内生效。
func (s *profileService) runPipeline(ctx context.Context, userID, serverID string, cutoff time.Time) {
	// 阶段一：采集
	if err := s.advanceStage(userID, serverID, model.StatusNotStarted, model.StatusCollecting, nil); err != nil {
		log.Errorf("[pipeline] 进入采集阶段失败: user=%s, server=%s, error: %v", userID, serverID, err)
		return
	}

	messages, failMsg, err := s.collect(ctx, userID, serverID, cutoff)
	if err != nil || failMsg != "" {
		s.failPipeline(userID, serverID, model.StatusCollecting, failMsg, err)
		return
	}

	// 阶段二：预处理
	if err := s.advanceStage(userID, serverID, model.StatusCollecting, model.StatusPreprocessing,
		map[string]interface{}{"training_progress": progressCollectEnd}); err != nil {
		log.Errorf("[pipeline] 进入预处理阶段失败: user=%s, server=%s, error: %v", userID, serverID, err)
		return
	}

	datasetObject, examples, err := s.preprocess(ctx, userID, serverID, messages)
	if err != nil {
		s.failPipeline(userID, serverID, model.StatusPreprocessing, "", err)
		return
	}

	// 阶段三：训练
	if err := s.advanceStage(userID, serverID, model.StatusPreprocessing, model.StatusTraining,
		map[string]interface{}{"training_progress": progressPreprocessEnd}); err != nil {
		log.Errorf("[pipeline] 进入训练阶段失败: user=%s, server=%s, error: %v", userID, serverID, err)
		return
	}

	modelRef, err := s.train(ctx, userID, serverID, examples)

	// 数据集对象只是训练的一次性输入，训练结束后无论成败都删除
	if rmErr := s.datasetStore.RemoveDataset(context.Background(), datasetObject); rmErr != nil {
		log.Warnf("[pipeline] 删除训练数据集失败: object=%s, error: %v", datasetObject, rmErr)
	}

	if err != nil {
		s.failPipeline(userID, serverID, model.StatusTraining, "", err)
		return
	}

	now := time.Now()
	if err := s.advanceStage(userID, serverID, model.StatusTraining, model.StatusReady,
		map[string]interface{}{
			"model_reference":   modelRef,
			"training_progress": 100,
			"completed_at":      now,
		}); err != nil {
		log.Errorf("[pipeline] 写入 ready 终态失败: user=%s, server=%s, error: %v", userID, serverID, err)
		return
	}

	log.Infof("[pipeline] 画像训练完成: user=%s, server=%s, model=%s", userID, serverID, modelRef)
}

// collect 统计并分批加载截止日期之前的训练语料。
// 返回的 failMsg 非空表示业务性失败（语料不足），err 非空表示系统性失败。
func (s *profileService) collect(ctx context.Context, userID, serverID string, cutoff time.Time) ([]model.UserMessage, string, error) {
	cfg := config.Conf.Echo
	total, err := s.messageRepo.CountEligible(ctx, userID, serverID, cutoff, cfg.MaxMessagesPerAnalysis)
	if err != nil {
		return nil, "", err
	}
	if total < int64(cfg.MinMessagesForTraining) {
		log.Infof("[pipeline] 语料不足: user=%s, server=%s, found=%d, required=%d", userID, serverID, total, cfg.MinMessagesForTraining)
		return nil, failureInsufficient, nil
	}

	// 先落总数，采集中逐批刷新进度
	if err := s.updateCounters(ctx, userID, serverID, map[string]interface{}{"total_messages": total}); err != nil {
		return nil, "", err
	}

	messages := make([]model.UserMessage, 0, total)
	for offset := 0; int64(offset) < total; offset += collectBatchSize {
		if ctx.Err() != nil {
			return nil, failureCancelled, nil
		}
		batch := collectBatchSize
		if remaining := total - int64(offset); remaining < int64(batch) {
			batch = int(remaining)
		}
		rows, err := s.messageRepo.ListEligible(ctx, userID, serverID, cutoff, offset, batch)
		if err != nil {
			return nil, "", err
		}
		if len(rows) == 0 {
			break
		}
		messages = append(messages, rows...)

		progress := int(float64(len(messages)) / float64(total) * progressCollectEnd)
		if err := s.profileRepo.UpdateProgress(ctx, userID, serverID, len(messages), progress); err != nil {
			log.Warnf("[pipeline] 刷新采集进度失败: user=%s, server=%s, error: %v", userID, serverID, err)
		}
	}

	if ctx.Err() != nil {
		return nil, failureCancelled, nil
	}
	return messages, "", nil
}

// preprocess 过滤语料、构造 prompt/response 训练样本，
// 把整理好的数据集 JSON 存入对象存储，并标记消息为已处理。
func (s *profileService) preprocess(ctx context.Context, userID, serverID string, messages []model.UserMessage) (string, []ollama.TrainingExample, error) {
	if ctx.Err() != nil {
		return "", nil, ctx.Err()
	}

	examples := make([]ollama.TrainingExample, 0, len(messages))
	processedIDs := make([]uint, 0, len(messages))
	prevContent := "Continue the conversation in your usual style."
	for _, msg := range messages {
		content := msg.MessageContent
		if len(content) < minTrainableLen || len(content) > maxTrainableLen {
			continue
		}
		// 上一条消息作为 prompt，当前消息作为 response，保留对话节奏
		examples = append(examples, ollama.TrainingExample{
			Prompt:   prevContent,
			Response: content,
		})
		processedIDs = append(processedIDs, msg.ID)
		prevContent = content
	}

	dataset, err := json.Marshal(examples)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal training dataset: %w", err)
	}

	objectName := fmt.Sprintf("datasets/user_%s_server_%s_%s.json", userID, serverID, time.Now().Format("20060102_150405"))
	if err := s.datasetStore.PutDataset(ctx, objectName, dataset); err != nil {
		return "", nil, err
	}

	if err := s.messageRepo.MarkProcessed(ctx, processedIDs); err != nil {
		log.Warnf("[pipeline] 标记已处理消息失败: user=%s, server=%s, error: %v", userID, serverID, err)
	}

	log.Infof("[pipeline] 预处理完成: user=%s, server=%s, examples=%d, dataset=%s", userID, serverID, len(examples), objectName)
	return objectName, examples, nil
}

// train 在配置的超时内调用模型训练器，返回模型引用。
func (s *profileService) train(ctx context.Context, userID, serverID string, examples []ollama.TrainingExample) (string, error) {
	timeout := config.Conf.Echo.ModelTrainingTimeout
	trainCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		trainCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	modelName := fmt.Sprintf("echo_user_%s_server_%s_%s", userID, serverID, time.Now().Format("20060102_150405"))
	log.Infof("[pipeline] 开始训练模型: user=%s, server=%s, model=%s", userID, serverID, modelName)
	return s.trainer.Train(trainCtx, modelName, examples)
}

// failPipeline 把流水线失败落库为 failed 终态。
// failMsg 为空时根据 err 的类别推导失败原因。
func (s *profileService) failPipeline(userID, serverID string, from model.TrainingStatus, failMsg string, err error) {
	if failMsg == "" {
		switch {
		case errors.Is(err, context.Canceled):
			failMsg = failureCancelled
		case errors.Is(err, context.DeadlineExceeded):
			failMsg = failureTimeout
		default:
			failMsg = err.Error()
		}
	}
	if err != nil {
		log.Errorf("[pipeline] 阶段 %s 失败: user=%s, server=%s, error: %v", from, userID, serverID, err)
	}
	if markErr := s.markFailed(context.Background(), userID, serverID, from, failMsg); markErr != nil {
		log.Errorf("[pipeline] 落库 failed 终态失败: user=%s, server=%s, error: %v", userID, serverID, markErr)
	}
}

// markFailed 以 CAS 语义把画像从给定状态推进到 failed。
func (s *profileService) markFailed(ctx context.Context, userID, serverID string, from model.TrainingStatus, reason string) error {
	now := time.Now()
	if len(reason) > 512 {
		reason = reason[:512]
	}
	return s.profileRepo.UpdateStage(ctx, userID, serverID, from, model.StatusFailed,
		map[string]interface{}{
			"error_message": reason,
			"completed_at":  now,
		})
}

// advanceStage 以 CAS 语义推进一个阶段转移。
func (s *profileService) advanceStage(userID, serverID string, from, to model.TrainingStatus, fields map[string]interface{}) error {
	return s.profileRepo.UpdateStage(context.Background(), userID, serverID, from, to, fields)
}

// updateCounters 刷新画像上的计数字段（不涉及状态转移）。
func (s *profileService) updateCounters(ctx context.Context, userID, serverID string, fields map[string]interface{}) error {
	return s.profileRepo.UpdateStage(ctx, userID, serverID, model.StatusCollecting, model.StatusCollecting, fields)
}
