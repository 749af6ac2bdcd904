package service

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"echo-bot-go/internal/config"
	"echo-bot-go/internal/model"
	"echo-bot-go/internal/repository"
	"echo-bot-go/pkg/log"
	"echo-bot-go/pkg/ollama"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	os.Exit(m.Run())
}

// setTestConfigTrainingTimeout 调整训练超时，用于超时路径的测试。
func setTestConfigTrainingTimeout(d time.Duration) {
	config.Conf.Echo.ModelTrainingTimeout = d
}

// setTestConfig 为测试注入一份可控的全局配置。
func setTestConfig() {
	config.Conf = config.Config{
		Echo: config.EchoConfig{
			MaxMessagesPerAnalysis:     10000,
			MinMessagesForTraining:     50,
			ModelTrainingTimeout:       5 * time.Second,
			MaxActiveSessionsPerServer: 3,
			DataRetentionDays:          30,
			SessionInactivityThreshold: time.Hour,
			ProfileGracePeriod:         24 * time.Hour,
			CutoffFloor:                "2015-01-01",
		},
		Scheduler: config.SchedulerConfig{
			ReaperInterval:      time.Hour,
			CleanupInterval:     24 * time.Hour,
			HealthCheckInterval: 5 * time.Minute,
		},
	}
}

// fakeProfileRepo 是 ProfileRepository 的内存实现，
// 在互斥锁下模拟真实仓储的原子语义。
type fakeProfileRepo struct {
	mu       sync.Mutex
	nextID   uint
	profiles map[string]*model.EchoProfile
	sessions *fakeSessionRepo // 级联删除和活跃引用检查需要
	pingErr  error
}

func newFakeProfileRepo(sessions *fakeSessionRepo) *fakeProfileRepo {
	return &fakeProfileRepo{
		nextID:   1,
		profiles: make(map[string]*model.EchoProfile),
		sessions: sessions,
	}
}

func fakeKey(userID, serverID string) string { return userID + ":" + serverID }

func (r *fakeProfileRepo) CreateOrReset(_ context.Context, profile *model.EchoProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fakeKey(profile.UserID, profile.ServerID)
	if existing, ok := r.profiles[key]; ok {
		if !existing.TrainingStatus.IsTerminal() {
			return repository.ErrConstraintViolation
		}
		profile.ID = existing.ID
	} else {
		profile.ID = r.nextID
		r.nextID++
	}
	profile.UpdatedAt = time.Now()
	cp := *profile
	r.profiles[key] = &cp
	return nil
}

func (r *fakeProfileRepo) Get(_ context.Context, userID, serverID string) (*model.EchoProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[fakeKey(userID, serverID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakeProfileRepo) GetByID(_ context.Context, id uint) (*model.EchoProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.profiles {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeProfileRepo) UpdateStage(_ context.Context, userID, serverID string, from, to model.TrainingStatus, fields map[string]interface{}) error {
	if from != to && !from.CanTransitionTo(to) {
		return repository.ErrConstraintViolation
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[fakeKey(userID, serverID)]
	if !ok || p.TrainingStatus != from {
		return repository.ErrConstraintViolation
	}
	p.TrainingStatus = to
	for k, v := range fields {
		applyProfileField(p, k, v)
	}
	p.UpdatedAt = time.Now()
	return nil
}

func applyProfileField(p *model.EchoProfile, key string, value interface{}) {
	switch key {
	case "error_message":
		s := value.(string)
		p.ErrorMessage = &s
	case "completed_at":
		t := value.(time.Time)
		p.CompletedAt = &t
	case "model_reference":
		s := value.(string)
		p.ModelReference = &s
	case "training_progress":
		if v, ok := value.(int); ok && v > p.TrainingProgress {
			p.TrainingProgress = v
		}
	case "total_messages":
		switch v := value.(type) {
		case int:
			p.TotalMessages = v
		case int64:
			p.TotalMessages = int(v)
		}
	}
}

func (r *fakeProfileRepo) UpdateProgress(_ context.Context, userID, serverID string, processed, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[fakeKey(userID, serverID)]
	if !ok {
		return repository.ErrNotFound
	}
	p.ProcessedMessages = processed
	if progress > p.TrainingProgress {
		p.TrainingProgress = progress
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (r *fakeProfileRepo) ListReady(_ context.Context, serverID string) ([]model.EchoProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.EchoProfile
	for _, p := range r.profiles {
		if p.ServerID == serverID && p.TrainingStatus == model.StatusReady {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *fakeProfileRepo) ListNonTerminal(_ context.Context) ([]model.EchoProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.EchoProfile
	for _, p := range r.profiles {
		if !p.TrainingStatus.IsTerminal() {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *fakeProfileRepo) ListExpiredTerminal(_ context.Context, before time.Time) ([]model.EchoProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.EchoProfile
	for _, p := range r.profiles {
		if !p.UpdatedAt.Before(before) {
			continue
		}
		switch p.TrainingStatus {
		case model.StatusFailed:
			out = append(out, *p)
		case model.StatusReady:
			if r.sessions == nil || !r.sessions.hasActiveForProfile(p.ID) {
				out = append(out, *p)
			}
		}
	}
	return out, nil
}

func (r *fakeProfileRepo) Delete(_ context.Context, profileID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions != nil && r.sessions.hasActiveForProfile(profileID) {
		return repository.ErrConstraintViolation
	}
	for key, p := range r.profiles {
		if p.ID == profileID {
			delete(r.profiles, key)
			if r.sessions != nil {
				r.sessions.deleteByProfile(profileID)
			}
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *fakeProfileRepo) CountByServer(_ context.Context, serverID string) (total, ready, inProgress int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.profiles {
		if p.ServerID != serverID {
			continue
		}
		total++
		switch {
		case p.TrainingStatus == model.StatusReady:
			ready++
		case !p.TrainingStatus.IsTerminal() && p.TrainingStatus != model.StatusNotStarted:
			inProgress++
		}
	}
	return total, ready, inProgress, nil
}

func (r *fakeProfileRepo) Ping(_ context.Context) error { return r.pingErr }

// fakeSessionRepo 是 SessionRepository 的内存实现。
type fakeSessionRepo struct {
	mu       sync.Mutex
	nextID   uint
	sessions map[uint]*model.EchoSession
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{nextID: 1, sessions: make(map[uint]*model.EchoSession)}
}

func (r *fakeSessionRepo) hasActiveForProfile(profileID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ProfileID == profileID && s.IsActive {
			return true
		}
	}
	return false
}

func (r *fakeSessionRepo) deleteByProfile(profileID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.ProfileID == profileID {
			delete(r.sessions, id)
		}
	}
}

func (r *fakeSessionRepo) Insert(_ context.Context, session *model.EchoSession, maxPerServer int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, s := range r.sessions {
		if !s.IsActive {
			continue
		}
		if s.ChannelID == session.ChannelID {
			return repository.ErrConstraintViolation
		}
		if s.ServerID == session.ServerID {
			count++
		}
	}
	if maxPerServer > 0 && count >= int64(maxPerServer) {
		return repository.ErrLimitExceeded
	}
	session.ID = r.nextID
	r.nextID++
	session.IsActive = true
	channel := session.ChannelID
	session.ActiveChannel = &channel
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *fakeSessionRepo) GetActiveByChannel(_ context.Context, channelID string) (*model.EchoSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.IsActive && s.ChannelID == channelID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeSessionRepo) Deactivate(_ context.Context, channelID, reason string, stoppedAt time.Time) (*model.EchoSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.IsActive && s.ChannelID == channelID {
			s.IsActive = false
			s.ActiveChannel = nil
			s.StopReason = &reason
			s.StoppedAt = &stoppedAt
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeSessionRepo) DeactivateByID(_ context.Context, sessionID uint, reason string, stoppedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || !s.IsActive {
		return repository.ErrNotFound
	}
	s.IsActive = false
	s.ActiveChannel = nil
	s.StopReason = &reason
	s.StoppedAt = &stoppedAt
	return nil
}

func (r *fakeSessionRepo) RecordActivity(_ context.Context, sessionID uint, generated, conversations int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || !s.IsActive {
		return repository.ErrNotFound
	}
	s.MessagesGenerated += generated
	s.ConversationsStarted += conversations
	s.LastActivity = at
	return nil
}

func (r *fakeSessionRepo) ListActive(_ context.Context, serverID string) ([]model.EchoSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.EchoSession
	for _, s := range r.sessions {
		if s.IsActive && s.ServerID == serverID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) CountActive(_ context.Context, serverID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, s := range r.sessions {
		if s.IsActive && s.ServerID == serverID {
			count++
		}
	}
	return count, nil
}

func (r *fakeSessionRepo) ListActiveIdleSince(_ context.Context, before time.Time) ([]model.EchoSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.EchoSession
	for _, s := range r.sessions {
		if s.IsActive && s.LastActivity.Before(before) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) ListByProfile(_ context.Context, profileID uint) ([]model.EchoSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.EchoSession
	for _, s := range r.sessions {
		if s.ProfileID == profileID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// fakeMessageRepo 是 MessageRepository 的内存实现。
type fakeMessageRepo struct {
	mu     sync.Mutex
	nextID uint
	msgs   []model.UserMessage
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{nextID: 1}
}

func (r *fakeMessageRepo) seed(userID, serverID string, count int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < count; i++ {
		r.msgs = append(r.msgs, model.UserMessage{
			ID:             r.nextID,
			UserID:         userID,
			ServerID:       serverID,
			ChannelID:      "chan-1",
			MessageContent: "message content " + strings.Repeat("x", i%7),
			Timestamp:      at.Add(time.Duration(i) * time.Minute),
			MessageID:      fakeKey(userID, serverID) + "-" + time.Duration(i).String(),
		})
		r.nextID++
	}
}

func (r *fakeMessageRepo) Insert(_ context.Context, msg *model.UserMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.MessageID == msg.MessageID {
			return repository.ErrConstraintViolation
		}
	}
	msg.ID = r.nextID
	r.nextID++
	r.msgs = append(r.msgs, *msg)
	return nil
}

func (r *fakeMessageRepo) CountEligible(_ context.Context, userID, serverID string, before time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, m := range r.msgs {
		if m.UserID == userID && m.ServerID == serverID && m.Timestamp.Before(before) {
			count++
		}
	}
	if limit > 0 && count > int64(limit) {
		count = int64(limit)
	}
	return count, nil
}

func (r *fakeMessageRepo) ListEligible(_ context.Context, userID, serverID string, before time.Time, offset, batch int) ([]model.UserMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var eligible []model.UserMessage
	for _, m := range r.msgs {
		if m.UserID == userID && m.ServerID == serverID && m.Timestamp.Before(before) {
			eligible = append(eligible, m)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Timestamp.Before(eligible[j].Timestamp) })
	if offset >= len(eligible) {
		return nil, nil
	}
	end := offset + batch
	if end > len(eligible) {
		end = len(eligible)
	}
	return eligible[offset:end], nil
}

func (r *fakeMessageRepo) MarkProcessed(_ context.Context, ids []uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idSet := make(map[uint]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for i := range r.msgs {
		if idSet[r.msgs[i].ID] {
			r.msgs[i].IsProcessed = true
		}
	}
	return nil
}

func (r *fakeMessageRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []model.UserMessage
	var deleted int64
	for _, m := range r.msgs {
		if m.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	r.msgs = kept
	return deleted, nil
}

// fakeResponseRepo 是 ResponseRepository 的内存实现。
type fakeResponseRepo struct {
	mu        sync.Mutex
	nextID    uint
	responses []model.EchoResponse
}

func newFakeResponseRepo() *fakeResponseRepo { return &fakeResponseRepo{nextID: 1} }

func (r *fakeResponseRepo) Insert(_ context.Context, resp *model.EchoResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp.ID = r.nextID
	r.nextID++
	r.responses = append(r.responses, *resp)
	return nil
}

func (r *fakeResponseRepo) CountBySession(_ context.Context, sessionID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, resp := range r.responses {
		if resp.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

// fakeContextRepo 是 ContextRepository 的内存实现。
type fakeContextRepo struct {
	mu       sync.Mutex
	contexts map[string][]model.ChatMessage
	pingErr  error
}

func newFakeContextRepo() *fakeContextRepo {
	return &fakeContextRepo{contexts: make(map[string][]model.ChatMessage)}
}

func (r *fakeContextRepo) GetChannelContext(_ context.Context, channelID string) ([]model.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ChatMessage{}, r.contexts[channelID]...), nil
}

func (r *fakeContextRepo) AppendChannelContext(_ context.Context, channelID string, messages ...model.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := append(r.contexts[channelID], messages...)
	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	r.contexts[channelID] = history
	return nil
}

func (r *fakeContextRepo) ClearChannelContext(_ context.Context, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, channelID)
	return nil
}

func (r *fakeContextRepo) Ping(_ context.Context) error { return r.pingErr }

// fakeTrainer 是 ollama.Client 的可控测试替身。
type fakeTrainer struct {
	mu            sync.Mutex
	trainDelay    time.Duration
	trainErr      error
	generateReply string
	generateErr   error
	healthErr     error
	trained       []string
	deleted       []string
}

func newFakeTrainer() *fakeTrainer {
	return &fakeTrainer{generateReply: "echoed reply"}
}

func (t *fakeTrainer) Train(ctx context.Context, modelName string, _ []ollama.TrainingExample) (string, error) {
	t.mu.Lock()
	delay, trainErr := t.trainDelay, t.trainErr
	t.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if trainErr != nil {
		return "", trainErr
	}
	t.mu.Lock()
	t.trained = append(t.trained, modelName)
	t.mu.Unlock()
	return modelName, nil
}

func (t *fakeTrainer) Generate(_ context.Context, _ string, _ []model.ChatMessage) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generateErr != nil {
		return "", t.generateErr
	}
	return t.generateReply, nil
}

func (t *fakeTrainer) DeleteModel(_ context.Context, modelName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted = append(t.deleted, modelName)
	return nil
}

func (t *fakeTrainer) HealthCheck(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healthErr
}

func (t *fakeTrainer) trainedModels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.trained...)
}

func (t *fakeTrainer) deletedModels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.deleted...)
}

// fakeDatasetStore 是 storage.DatasetStore 的内存实现。
type fakeDatasetStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeDatasetStore() *fakeDatasetStore {
	return &fakeDatasetStore{objects: make(map[string][]byte)}
}

func (s *fakeDatasetStore) PutDataset(_ context.Context, objectName string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectName] = data
	return nil
}

func (s *fakeDatasetStore) RemoveDataset(_ context.Context, objectName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectName)
	return nil
}

func (s *fakeDatasetStore) objectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
