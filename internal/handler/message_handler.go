// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"
	"time"

	"echo-bot-go/pkg/events"
	"echo-bot-go/pkg/kafka"
	"echo-bot-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// MessageHandler 负责网关侧的消息接入。
// 网关把服务器内的每条消息投递到这里，经 Kafka 异步流入采集器，
// 接入接口只负责校验和发布，不直接写库。
type MessageHandler struct{}

// NewMessageHandler 创建一个新的 MessageHandler 实例。
func NewMessageHandler() *MessageHandler {
	return &MessageHandler{}
}

// IngestRequest 定义了消息接入 API 的请求体结构。
type IngestRequest struct {
	MessageID string    `json:"messageId" binding:"required"`
	UserID    string    `json:"userId" binding:"required"`
	ServerID  string    `json:"serverId" binding:"required"`
	ChannelID string    `json:"channelId" binding:"required"`
	Content   string    `json:"content" binding:"required"`
	Timestamp time.Time `json:"timestamp" binding:"required"`
	IsBot     bool      `json:"isBot"`
}

// Ingest 把一条网关消息发布到 Kafka。
func (h *MessageHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}

	event := events.ChatMessageEvent{
		MessageID: req.MessageID,
		UserID:    req.UserID,
		ServerID:  req.ServerID,
		ChannelID: req.ChannelID,
		Content:   req.Content,
		Timestamp: req.Timestamp,
		IsBot:     req.IsBot,
	}
	if err := kafka.ProduceChatMessage(c.Request.Context(), event); err != nil {
		log.Errorf("Ingest: 发布消息事件失败: messageID=%s, error: %v", req.MessageID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "消息队列暂时不可用", "data": nil})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "accepted", "data": nil})
}
