// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"echo-bot-go/internal/service"
	"echo-bot-go/pkg/log"
	"echo-bot-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责处理 WebSocket 人格对话连接。
// 网关为每个服务器维持一条长连接，把频道内的消息逐条送入，
// 由活跃会话的画像模型生成回声回复。
type ChatHandler struct {
	personaService service.PersonaService
	jwtManager     *token.JWTManager
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(personaService service.PersonaService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		personaService: personaService,
		jwtManager:     jwtManager,
	}
}

// chatInbound 是网关送入的单条消息。
type chatInbound struct {
	ChannelID string `json:"channelId"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
}

// chatOutbound 是回发给网关的单条结果。
type chatOutbound struct {
	Type             string `json:"type"` // "reply" 或 "error"
	ChannelID        string `json:"channelId,omitempty"`
	SessionID        uint   `json:"sessionId,omitempty"`
	Content          string `json:"content,omitempty"`
	GenerationTimeMs int64  `json:"generationTimeMs,omitempty"`
	Message          string `json:"message,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *ChatHandler) Handle(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，网关: %s", claims.Principal)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		var inbound chatInbound
		if err := json.Unmarshal(message, &inbound); err != nil {
			h.writeError(conn, "", "消息格式错误")
			continue
		}
		if inbound.ChannelID == "" || inbound.Content == "" {
			h.writeError(conn, inbound.ChannelID, "channelId 和 content 为必填字段")
			continue
		}

		reply, err := h.personaService.GenerateReply(c.Request.Context(), inbound.ChannelID, inbound.AuthorID, inbound.Content)
		if err != nil {
			h.writeError(conn, inbound.ChannelID, generateErrorMessage(err))
			continue
		}

		outbound := chatOutbound{
			Type:             "reply",
			ChannelID:        inbound.ChannelID,
			SessionID:        reply.SessionID,
			Content:          reply.Content,
			GenerationTimeMs: reply.GenerationTimeMs,
			Timestamp:        time.Now().UnixMilli(),
		}
		b, _ := json.Marshal(outbound)
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Warnf("向 WebSocket 写入回复失败: %v", err)
			break
		}
	}
}

// writeError 向连接回发一条错误结果；连接级错误由下一次读取暴露。
func (h *ChatHandler) writeError(conn *websocket.Conn, channelID, message string) {
	outbound := chatOutbound{
		Type:      "error",
		ChannelID: channelID,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
	b, _ := json.Marshal(outbound)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

// generateErrorMessage 把生成链路的领域错误翻译为网关可展示的文案。
func generateErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrNoActiveSession):
		return "频道内没有活跃会话"
	case errors.Is(err, service.ErrProfileNotReady):
		return "画像尚未训练完成"
	case errors.Is(err, service.ErrSessionNotActive):
		return "会话已被停用"
	default:
		log.Errorf("生成回复失败: %v", err)
		return "生成服务暂时不可用，请稍后重试"
	}
}
