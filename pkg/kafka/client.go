// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"

	"echo-bot-go/internal/config"
	"echo-bot-go/pkg/events"
	"echo-bot-go/pkg/log"

	"github.com/segmentio/kafka-go"
)

// MessageProcessor defines the interface for any service that can persist a
// chat message event. This decouples the consumer loop from the concrete
// collector implementation.
type MessageProcessor interface {
	Process(ctx context.Context, event events.ChatMessageEvent) error
}

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceChatMessage 发送一条聊天消息事件到 Kafka。
// 网关侧的消息接入接口调用它，把平台消息流转为采集器的输入。
func ProduceChatMessage(ctx context.Context, event events.ChatMessageEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return producer.WriteMessages(ctx,
		kafka.Message{
			Key:   []byte(event.ChannelID),
			Value: eventBytes,
		},
	)
}

// StartConsumer 启动一个 Kafka 消费者循环，将消息事件交给 processor 持久化。
// 持久化天然幂等（message_id 唯一索引去重），因此失败时不提交 offset，
// 让 Kafka 自动重投即可，无需额外的失败计数。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor MessageProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  "echo-bot-go-collector",
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Kafka 消费者收到停止信号，退出")
				break
			}
			log.Error("从 Kafka 读取消息失败", err)
			break
		}

		var event events.ChatMessageEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		if err := processor.Process(ctx, event); err != nil {
			log.Errorf("持久化消息事件失败: messageID=%s, error: %v", event.MessageID, err)
			// 不提交 offset，等待 Kafka 重投
			continue
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}
