package service

import (
	"context"
	"testing"
	"time"

	"echo-bot-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pastCutoff 返回一个位于过去的合法截止日期。
func pastCutoff() time.Time {
	return time.Now().AddDate(0, -1, 0)
}

func newProfileFixture() (*fakeProfileRepo, *fakeMessageRepo, *fakeDatasetStore, *fakeTrainer, ProfileService) {
	setTestConfig()
	sessions := newFakeSessionRepo()
	profiles := newFakeProfileRepo(sessions)
	messages := newFakeMessageRepo()
	store := newFakeDatasetStore()
	trainer := newFakeTrainer()
	svc := NewProfileService(profiles, messages, store, trainer)
	return profiles, messages, store, trainer, svc
}

// waitForStatus 轮询画像直到达到目标状态。
func waitForStatus(t *testing.T, svc ProfileService, userID, serverID string, want model.TrainingStatus) *model.EchoProfile {
	t.Helper()
	var got *model.EchoProfile
	require.Eventually(t, func() bool {
		p, err := svc.GetStatus(context.Background(), userID, serverID)
		if err != nil {
			return false
		}
		got = p
		return p.TrainingStatus == want
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestRequestAnalysisRejectsFutureCutoff(t *testing.T) {
	_, _, _, _, svc := newProfileFixture()

	_, err := svc.RequestAnalysis(context.Background(), "u1", "s1", "req1", time.Now().AddDate(0, 0, 1))
	assert.ErrorIs(t, err, ErrInvalidCutoff)
}

func TestRequestAnalysisRejectsCutoffBeforeFloor(t *testing.T) {
	_, _, _, _, svc := newProfileFixture()

	cutoff, _ := time.Parse("2006-01-02", "2010-06-01")
	_, err := svc.RequestAnalysis(context.Background(), "u1", "s1", "req1", cutoff)
	assert.ErrorIs(t, err, ErrInvalidCutoff)
}

func TestRequestAnalysisRejectsConcurrentDuplicate(t *testing.T) {
	_, messages, _, trainer, svc := newProfileFixture()
	messages.seed("u1", "s1", 100, time.Now().AddDate(0, -2, 0))
	trainer.trainDelay = 2 * time.Second // 让第一轮分析停留在训练阶段

	_, err := svc.RequestAnalysis(context.Background(), "u1", "s1", "req1", pastCutoff())
	require.NoError(t, err)

	_, err = svc.RequestAnalysis(context.Background(), "u1", "s1", "req2", pastCutoff())
	assert.ErrorIs(t, err, ErrAlreadyInProgress)

	svc.Shutdown()
}

func TestPipelineCompletesToReady(t *testing.T) {
	_, messages, store, trainer, svc := newProfileFixture()
	messages.seed("u1", "s1", 100, time.Now().AddDate(0, -2, 0))

	profile, err := svc.RequestAnalysis(context.Background(), "u1", "s1", "req1", pastCutoff())
	require.NoError(t, err)
	assert.Equal(t, model.StatusNotStarted, profile.TrainingStatus)

	final := waitForStatus(t, svc, "u1", "s1", model.StatusReady)
	require.NotNil(t, final.ModelReference)
	assert.Contains(t, *final.ModelReference, "echo_user_u1_server_s1_")
	assert.Equal(t, 100, final.TrainingProgress)
	assert.Equal(t, 100, final.TotalMessages)
	assert.Equal(t, 100, final.ProcessedMessages)
	assert.NotNil(t, final.CompletedAt)
	assert.Nil(t, final.ErrorMessage)

	// 训练器确实收到了一次训练调用
	assert.Len(t, trainer.trainedModels(), 1)
	// 数据集对象训练后被清理
	assert.Equal(t, 0, store.objectCount())
}

func TestPipelineFailsOnInsufficientMessages(t *testing.T) {
	_, messages, _, _, svc := newProfileFixture()
	messages.seed("u1", "s1", 10, time.Now().AddDate(0, -2, 0)) // 低于 MinMessagesForTraining

	_, err := svc.RequestAnalysis(context.Background(), "u1", "s1", "req1", pastCutoff())
	require.NoError(t, err)

	final := waitForStatus(t, svc, "u1", "s1", model.StatusFailed)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, failureInsufficient, *final.ErrorMessage)
}

func TestPipelineFailsOnTrainingTimeout(t *testing.T) {
	_, messages, _, trainer, svc := newProfileFixture()
	messages.seed("u1", "s1", 100, time.Now().AddDate(0, -2, 0))
	setTestConfigTrainingTimeout(50 * time.Millisecond)
	trainer.trainDelay = 2 * time.Second

	_, err := svc.RequestAnalysis(context.Background(), "u1", "s1", "req1", pastCutoff())
	require.NoError(t, err)

	final := waitForStatus(t, svc, "u1", "s1", model.StatusFailed)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, failureTimeout, *final.ErrorMessage)
}

func TestCancelAnalysisDuringTraining(t *testing.T) {
	_, messages, _, trainer, svc := newProfileFixture()
	messages.seed("u1", "s1", 100, time.Now().AddDate(0, -2, 0))
	trainer.trainDelay = 5 * time.Second

	_, err := svc.RequestAnalysis(context.Background(), "u1", "s1", "req1", pastCutoff())
	require.NoError(t, err)
	waitForStatus(t, svc, "u1", "s1", model.StatusTraining)

	require.NoError(t, svc.CancelAnalysis(context.Background(), "u1", "s1"))

	final := waitForStatus(t, svc, "u1", "s1", model.StatusFailed)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, failureCancelled, *final.ErrorMessage)
}

func TestCancelAnalysisRejectsTerminalProfile(t *testing.T) {
	_, messages, _, _, svc := newProfileFixture()
	messages.seed("u1", "s1", 100, time.Now().AddDate(0, -2, 0))

	_, err := svc.RequestAnalysis(context.Background(), "u1", "s1", "req1", pastCutoff())
	require.NoError(t, err)
	waitForStatus(t, svc, "u1", "s1", model.StatusReady)

	assert.ErrorIs(t, svc.CancelAnalysis(context.Background(), "u1", "s1"), ErrNotCancellable)
}

func TestCancelAnalysisUnknownProfile(t *testing.T) {
	_, _, _, _, svc := newProfileFixture()

	assert.ErrorIs(t, svc.CancelAnalysis(context.Background(), "nobody", "s1"), ErrNotFound)
}

func TestTerminalProfileCanBeReanalyzed(t *testing.T) {
	_, messages, _, _, svc := newProfileFixture()
	messages.seed("u1", "s1", 100, time.Now().AddDate(0, -2, 0))

	_, err := svc.RequestAnalysis(context.Background(), "u1", "s1", "req1", pastCutoff())
	require.NoError(t, err)
	waitForStatus(t, svc, "u1", "s1", model.StatusReady)

	// 终态画像允许整体重置开启新一轮分析
	profile, err := svc.RequestAnalysis(context.Background(), "u1", "s1", "req2", pastCutoff())
	require.NoError(t, err)
	assert.Equal(t, "req2", profile.RequesterID)
	waitForStatus(t, svc, "u1", "s1", model.StatusReady)
}

func TestFinishPipelineKeepsSuccessorCancelHandle(t *testing.T) {
	_, _, _, _, svc := newProfileFixture()
	s := svc.(*profileService)
	key := profileKey("u1", "s1")

	staleCtx, staleCancel := context.WithCancel(context.Background())
	stale := &pipelineRun{cancel: staleCancel}
	successorCtx, successorCancel := context.WithCancel(context.Background())
	successor := &pipelineRun{cancel: successorCancel}

	// 旧流水线已写入终态但尚未收尾，新一轮分析抢先注册了自己的句柄
	s.mu.Lock()
	s.running[key] = stale
	s.running[key] = successor
	s.mu.Unlock()

	s.finishPipeline(key, stale)

	// 旧流水线只释放自己的 context，新句柄保持在位
	assert.Error(t, staleCtx.Err())
	assert.NoError(t, successorCtx.Err())
	s.mu.Lock()
	current := s.running[key]
	s.mu.Unlock()
	assert.Same(t, successor, current)

	// 新流水线自己收尾时正常注销
	s.finishPipeline(key, successor)
	s.mu.Lock()
	_, ok := s.running[key]
	s.mu.Unlock()
	assert.False(t, ok)
	assert.Error(t, successorCtx.Err())
}

func TestRecoverInterruptedMarksNonTerminalFailed(t *testing.T) {
	profiles, _, _, _, svc := newProfileFixture()

	// 直接在仓储里铺一个崩溃遗留的中间状态
	require.NoError(t, profiles.CreateOrReset(context.Background(), &model.EchoProfile{
		UserID: "u1", ServerID: "s1", TrainingStatus: model.StatusNotStarted,
		CutoffDate: pastCutoff(), RequesterID: "req1", StartedAt: time.Now(),
	}))
	require.NoError(t, profiles.UpdateStage(context.Background(), "u1", "s1",
		model.StatusNotStarted, model.StatusCollecting, nil))

	require.NoError(t, svc.RecoverInterrupted(context.Background()))

	p, err := svc.GetStatus(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, p.TrainingStatus)
	require.NotNil(t, p.ErrorMessage)
	assert.Equal(t, failureInterrupted, *p.ErrorMessage)
}
