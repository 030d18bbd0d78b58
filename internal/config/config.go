// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 环境变量前缀，例如 OMNICHAT_LLM_API_KEY 覆盖 llm.api_key。
const envPrefix = "OMNICHAT"

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Owner    OwnerConfig    `mapstructure:"owner"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Upload   UploadConfig   `mapstructure:"upload"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	// Driver 取值 mysql 或 sqlite。
	Driver  string        `mapstructure:"driver"`
	Timeout time.Duration `mapstructure:"timeout"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	SQLite  SQLiteConfig  `mapstructure:"sqlite"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SQLiteConfig 存储嵌入式 SQLite 数据库的配置。
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时不启用历史缓存。
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	HistoryTTL time.Duration `mapstructure:"history_ttl"`
}

// OwnerConfig 描述固定的默认用户。
type OwnerConfig struct {
	Username string `mapstructure:"username"`
	Email    string `mapstructure:"email"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey             string              `mapstructure:"api_key"`
	BaseURL            string              `mapstructure:"base_url"`
	Model              string              `mapstructure:"model"`
	VisionModel        string              `mapstructure:"vision_model"`
	TranscriptionModel string              `mapstructure:"transcription_model"`
	SystemPrompt       string              `mapstructure:"system_prompt"`
	Timeout            time.Duration       `mapstructure:"timeout"`
	Generation         LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// ChatConfig 配置对话编排行为。
type ChatConfig struct {
	FallbackTitle string `mapstructure:"fallback_title"`
	// DeriveTitleOnMedia 为 true 时，语音和图片消息作为首轮对话也会生成标题。
	DeriveTitleOnMedia bool `mapstructure:"derive_title_on_media"`
	// TitleTimeout 单独限制标题生成，避免拖慢回复。
	TitleTimeout time.Duration `mapstructure:"title_timeout"`
}

// UploadConfig 存储上传暂存相关的配置。
type UploadConfig struct {
	// Backend 取值 local 或 minio。
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	MaxSize int64  `mapstructure:"max_size"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// KafkaConfig 存储 Kafka 相关的配置。未启用时事件在进程内分发。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.timeout", 5*time.Second)
	v.SetDefault("database.mysql.dsn", "")
	v.SetDefault("database.sqlite.path", "data/omnichat.db")
	v.SetDefault("database.redis.addr", "")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.history_ttl", 7*24*time.Hour)

	v.SetDefault("owner.username", "default_user")
	v.SetDefault("owner.email", "default@example.com")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4")
	v.SetDefault("llm.vision_model", "gpt-4-vision-preview")
	v.SetDefault("llm.transcription_model", "whisper-1")
	v.SetDefault("llm.system_prompt", "You are a helpful AI assistant. You can help with text conversations, analyze images, and process voice transcriptions. Be concise, helpful, and engaging in your responses.")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.generation.temperature", 0.7)
	v.SetDefault("llm.generation.max_tokens", 1000)

	v.SetDefault("chat.fallback_title", "New Conversation")
	v.SetDefault("chat.derive_title_on_media", false)
	v.SetDefault("chat.title_timeout", 10*time.Second)

	v.SetDefault("upload.backend", "local")
	v.SetDefault("upload.dir", "uploads")
	v.SetDefault("upload.max_size", 10*1024*1024)

	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key_id", "")
	v.SetDefault("minio.secret_access_key", "")
	v.SetDefault("minio.bucket_name", "omnichat")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "conversation-events")
	v.SetDefault("kafka.group_id", "omnichat-go-janitor")
}

// Load 从指定路径读取 YAML 配置，叠加默认值与环境变量后解析为 Config。
// configPath 为空时只使用默认值和环境变量。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "mysql":
		if c.Database.MySQL.DSN == "" {
			return fmt.Errorf("database.mysql.dsn 不能为空")
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path 不能为空")
		}
	default:
		return fmt.Errorf("不支持的数据库驱动: %q", c.Database.Driver)
	}
	switch c.Upload.Backend {
	case "local", "minio":
	default:
		return fmt.Errorf("不支持的上传存储: %q", c.Upload.Backend)
	}
	if c.Upload.MaxSize <= 0 {
		return fmt.Errorf("upload.max_size 必须大于 0")
	}
	return nil
}
