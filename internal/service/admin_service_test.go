package service

import (
	"context"
	"testing"
	"time"

	"echo-bot-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetServerStatsAggregates(t *testing.T) {
	setTestConfig()
	sessions := newFakeSessionRepo()
	profiles := newFakeProfileRepo(sessions)
	responses := newFakeResponseRepo()
	svc := NewAdminService(profiles, sessions, responses)

	profile := seedReadyProfile(t, profiles, "u1", "s1")
	session := seedActiveSession(t, sessions, profile.ID, "c1", "s1", time.Now())
	for i := 0; i < 2; i++ {
		require.NoError(t, responses.Insert(context.Background(), &model.EchoResponse{
			SessionID:       session.ID,
			ResponseContent: "reply",
		}))
	}
	// 别的会话的响应不计入
	require.NoError(t, responses.Insert(context.Background(), &model.EchoResponse{
		SessionID:       session.ID + 1,
		ResponseContent: "other",
	}))

	stats, err := svc.GetServerStats(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", stats.ServerID)
	assert.Equal(t, int64(1), stats.TotalProfiles)
	assert.Equal(t, int64(1), stats.ReadyProfiles)
	assert.Equal(t, int64(0), stats.InProgressProfiles)
	assert.Equal(t, int64(1), stats.ActiveSessions)
	assert.Equal(t, 3, stats.MaxActiveSessions)

	require.Len(t, stats.Sessions, 1)
	assert.Equal(t, session.ID, stats.Sessions[0].ID)
	assert.Equal(t, int64(2), stats.Sessions[0].TotalResponses)
}
