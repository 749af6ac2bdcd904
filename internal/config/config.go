// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Log       LogConfig       `mapstructure:"log"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Echo      EchoConfig      `mapstructure:"echo"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                  string `mapstructure:"secret"`
	GatewayTokenExpireHours int    `mapstructure:"gateway_token_expire_hours"`
}

// GatewayConfig 存储聊天平台网关接入本服务的配置。
// 网关使用共享密钥换取 JWT，之后携带该 JWT 调用所有接口。
type GatewayConfig struct {
	SharedSecret string `mapstructure:"shared_secret"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// OllamaConfig 存储本地模型服务（Ollama）相关的配置。
type OllamaConfig struct {
	BaseURL    string                 `mapstructure:"base_url"`
	BaseModel  string                 `mapstructure:"base_model"`
	Generation OllamaGenerationConfig `mapstructure:"generation"`
}

// OllamaGenerationConfig 配置生成相关参数（可选）。
type OllamaGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// EchoConfig 存储回声画像与会话编排的业务配置。
type EchoConfig struct {
	MaxMessagesPerAnalysis     int           `mapstructure:"max_messages_per_analysis"`
	MinMessagesForTraining     int           `mapstructure:"min_messages_for_training"`
	ModelTrainingTimeout       time.Duration `mapstructure:"model_training_timeout"`
	MaxActiveSessionsPerServer int           `mapstructure:"max_active_sessions_per_server"`
	DataRetentionDays          int           `mapstructure:"data_retention_days"`
	SessionInactivityThreshold time.Duration `mapstructure:"session_inactivity_threshold"`
	ProfileGracePeriod         time.Duration `mapstructure:"profile_grace_period"`
	// CutoffFloor 是截止日期允许的最早值，格式 "2006-01-02"。
	// 早于该日期的截止日期没有意义（平台尚未上线）。
	CutoffFloor string `mapstructure:"cutoff_floor"`
}

// SchedulerConfig 存储后台维护任务的调度间隔。
type SchedulerConfig struct {
	ReaperInterval      time.Duration `mapstructure:"reaper_interval"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}
