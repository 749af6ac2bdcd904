// Package ollama provides a client for the local Ollama model service.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"echo-bot-go/internal/config"
	"echo-bot-go/internal/model"
)

// TrainingExample 是喂给微调流程的单条训练样本。
type TrainingExample struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// Client 定义了模型训练器与生成器的接口。
// 训练是一个慢速、可失败、可取消的外部调用：取消通过 ctx 传播，
// 编排层只关心最终的模型引用或错误。
type Client interface {
	// Train 用训练样本创建一个微调模型，返回可用于生成的模型引用。
	Train(ctx context.Context, modelName string, examples []TrainingExample) (string, error)
	// Generate 用指定模型对上下文消息生成一条回复。
	Generate(ctx context.Context, modelName string, messages []model.ChatMessage) (string, error)
	// DeleteModel 删除一个微调模型（保留期清理时调用）。
	DeleteModel(ctx context.Context, modelName string) error
	// HealthCheck 探测模型服务可用性。
	HealthCheck(ctx context.Context) error
}

type ollamaClient struct {
	cfg    config.OllamaConfig
	client *http.Client
}

// NewClient 创建一个新的 Ollama 客户端。
func NewClient(cfg config.OllamaConfig) Client {
	return &ollamaClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// 回声人格的系统提示词：要求模型贴合目标用户的表达习惯。
const personaSystemPrompt = `You are an AI assistant that mimics the communication style and personality of a specific chat user based on their historical messages. Match their typical response length, tone, vocabulary and level of formality, and respond in a way that feels natural and consistent with their personality.`

type createRequest struct {
	Name      string `json:"name"`
	Modelfile string `json:"modelfile"`
}

type createStatus struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Train 根据训练样本构造 Modelfile 并调用 /api/create 创建微调模型。
// Ollama 以流式 JSON 行回报创建进度；出现 error 行或非 2xx 即训练失败。
func (c *ollamaClient) Train(ctx context.Context, modelName string, examples []TrainingExample) (string, error) {
	modelfile := c.buildModelfile(examples)

	reqBytes, err := json.Marshal(createRequest{Name: modelName, Modelfile: modelfile})
	if err != nil {
		return "", fmt.Errorf("failed to marshal create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/api/create", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create train request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("train request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("train request returned status %d: %s", resp.StatusCode, string(body))
	}

	// 逐行读取创建进度，直到流结束
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var status createStatus
		if err := json.Unmarshal(line, &status); err != nil {
			continue
		}
		if status.Error != "" {
			return "", fmt.Errorf("model training failed: %s", status.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read train response stream: %w", err)
	}

	return modelName, nil
}

// buildModelfile 用基础模型、人格系统提示词和训练样本拼装 Modelfile。
func (c *ollamaClient) buildModelfile(examples []TrainingExample) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("FROM %s\n\n", c.cfg.BaseModel))
	sb.WriteString("PARAMETER temperature 0.8\n")
	sb.WriteString("PARAMETER top_p 0.9\n")
	sb.WriteString("PARAMETER top_k 40\n")
	sb.WriteString("PARAMETER num_ctx 2048\n\n")
	sb.WriteString(fmt.Sprintf("SYSTEM \"\"\"%s\"\"\"\n", personaSystemPrompt))

	// 样本数量限制在前 100 条以内，Modelfile 过大时创建接口会变得非常慢
	limit := len(examples)
	if limit > 100 {
		limit = 100
	}
	for i := 0; i < limit; i++ {
		prompt := escapeModelfileText(examples[i].Prompt)
		response := escapeModelfileText(examples[i].Response)
		if prompt == "" || response == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("\nMESSAGE user \"%s\"\nMESSAGE assistant \"%s\"\n", prompt, response))
	}
	return sb.String()
}

func escapeModelfileText(s string) string {
	s = strings.ReplaceAll(s, `"`, `\"`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []chatMessage          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error"`
}

// Generate 调用 /api/chat 用指定模型生成一条回复。
func (c *ollamaClient) Generate(ctx context.Context, modelName string, messages []model.ChatMessage) (string, error) {
	reqBody := chatRequest{
		Model:  modelName,
		Stream: false,
	}
	for _, m := range messages {
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		reqBody.Messages = append(reqBody.Messages, chatMessage{Role: role, Content: m.Content})
	}

	// 从全局配置注入生成参数（若非零值）
	options := map[string]interface{}{}
	if c.cfg.Generation.Temperature != 0 {
		options["temperature"] = c.cfg.Generation.Temperature
	}
	if c.cfg.Generation.TopP != 0 {
		options["top_p"] = c.cfg.Generation.TopP
	}
	if c.cfg.Generation.MaxTokens != 0 {
		options["num_predict"] = c.cfg.Generation.MaxTokens
	}
	if len(options) > 0 {
		reqBody.Options = options
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/api/chat", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat request returned status %d: %s", resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if chatResp.Error != "" {
		return "", fmt.Errorf("chat generation failed: %s", chatResp.Error)
	}
	return strings.TrimSpace(chatResp.Message.Content), nil
}

type deleteRequest struct {
	Name string `json:"name"`
}

// DeleteModel 调用 /api/delete 删除微调模型；404 视为已删除。
func (c *ollamaClient) DeleteModel(ctx context.Context, modelName string) error {
	reqBytes, err := json.Marshal(deleteRequest{Name: modelName})
	if err != nil {
		return fmt.Errorf("failed to marshal delete request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "DELETE", c.cfg.BaseURL+"/api/delete", bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete request returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// HealthCheck 通过 /api/tags 探测服务可用性。
func (c *ollamaClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama service returned status %d", resp.StatusCode)
	}
	return nil
}
