// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"
	"time"

	"echo-bot-go/internal/service"
	"echo-bot-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ProfileHandler 负责处理回声画像生命周期相关的 API 请求。
type ProfileHandler struct {
	profileService service.ProfileService
}

// NewProfileHandler 创建一个新的 ProfileHandler 实例。
func NewProfileHandler(profileService service.ProfileService) *ProfileHandler {
	return &ProfileHandler{profileService: profileService}
}

// RequestAnalysisRequest 定义了发起画像分析 API 的请求体结构。
type RequestAnalysisRequest struct {
	UserID      string `json:"userId" binding:"required"`
	ServerID    string `json:"serverId" binding:"required"`
	RequesterID string `json:"requesterId" binding:"required"`
	CutoffDate  string `json:"cutoffDate" binding:"required"` // YYYY-MM-DD
}

// RequestAnalysis 处理发起画像分析的请求。
func (h *ProfileHandler) RequestAnalysis(c *gin.Context) {
	var req RequestAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("RequestAnalysis: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}

	cutoff, err := time.Parse("2006-01-02", req.CutoffDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "截止日期格式错误，应为 YYYY-MM-DD", "data": nil})
		return
	}

	profile, err := h.profileService.RequestAnalysis(c.Request.Context(), req.UserID, req.ServerID, req.RequesterID, cutoff)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, profile)
}

// GetStatus 处理查询画像状态的请求。
func (h *ProfileHandler) GetStatus(c *gin.Context) {
	userID := c.Query("userId")
	serverID := c.Query("serverId")
	if userID == "" || serverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "userId 和 serverId 为必填参数", "data": nil})
		return
	}

	profile, err := h.profileService.GetStatus(c.Request.Context(), userID, serverID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, profile)
}

// CancelAnalysis 处理取消画像分析的请求。
func (h *ProfileHandler) CancelAnalysis(c *gin.Context) {
	userID := c.Query("userId")
	serverID := c.Query("serverId")
	if userID == "" || serverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "userId 和 serverId 为必填参数", "data": nil})
		return
	}

	if err := h.profileService.CancelAnalysis(c.Request.Context(), userID, serverID); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}
