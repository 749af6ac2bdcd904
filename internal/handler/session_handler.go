// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"echo-bot-go/internal/model"
	"echo-bot-go/internal/service"
	"echo-bot-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SessionHandler 负责处理回声会话相关的 API 请求。
type SessionHandler struct {
	sessionService service.SessionService
}

// NewSessionHandler 创建一个新的 SessionHandler 实例。
func NewSessionHandler(sessionService service.SessionService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService}
}

// ActivateRequest 定义了激活会话 API 的请求体结构。
type ActivateRequest struct {
	UserID      string `json:"userId" binding:"required"`
	ServerID    string `json:"serverId" binding:"required"`
	ChannelID   string `json:"channelId" binding:"required"`
	RequesterID string `json:"requesterId" binding:"required"`
}

// Activate 处理在频道内激活回声会话的请求。
func (h *SessionHandler) Activate(c *gin.Context) {
	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Activate: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}

	session, err := h.sessionService.Activate(c.Request.Context(), req.UserID, req.ServerID, req.ChannelID, req.RequesterID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, session)
}

// Deactivate 处理停用频道内活跃会话的请求。
func (h *SessionHandler) Deactivate(c *gin.Context) {
	channelID := c.Param("channelId")

	session, err := h.sessionService.Deactivate(c.Request.Context(), channelID, model.StopReasonManual)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, session)
}

// GetActive 处理查询频道内活跃会话的请求。
func (h *SessionHandler) GetActive(c *gin.Context) {
	channelID := c.Param("channelId")

	session, err := h.sessionService.GetActive(c.Request.Context(), channelID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, session)
}

// ListActive 处理查询服务器内全部活跃会话的请求。
func (h *SessionHandler) ListActive(c *gin.Context) {
	serverID := c.Query("serverId")
	if serverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "serverId 为必填参数", "data": nil})
		return
	}

	sessions, err := h.sessionService.ListActive(c.Request.Context(), serverID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, sessions)
}

// ListReadyProfiles 处理查询服务器内可激活画像列表的请求。
func (h *SessionHandler) ListReadyProfiles(c *gin.Context) {
	serverID := c.Query("serverId")
	if serverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "serverId 为必填参数", "data": nil})
		return
	}

	profiles, err := h.sessionService.ListReadyProfiles(c.Request.Context(), serverID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, profiles)
}

// History 处理查询画像名下会话历史的请求。
func (h *SessionHandler) History(c *gin.Context) {
	userID := c.Query("userId")
	serverID := c.Query("serverId")
	if userID == "" || serverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "userId 和 serverId 为必填参数", "data": nil})
		return
	}

	sessions, err := h.sessionService.SessionHistory(c.Request.Context(), userID, serverID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, sessions)
}
