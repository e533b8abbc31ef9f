package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	API           APIConfig           `yaml:"api"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Redis         RedisConfig         `yaml:"redis"`
	Database      DatabaseConfig      `yaml:"database"`
	Payment       PaymentConfig       `yaml:"payment"`
	Session       SessionConfig       `yaml:"session"`
}

type APIConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// Fake включает in-memory API заказов (демо без бэкенда).
	Fake           bool `yaml:"fake"`
	FakeSeedOrders int  `yaml:"fake_seed_orders"`
}

type NotificationsConfig struct {
	Transport string `yaml:"transport"` // "signalr" | "kafka" | "local"
	HubURL    string `yaml:"hub_url"`

	JoinMethod          string `yaml:"join_method"`
	NotificationTarget  string `yaml:"notification_target"`
	PingIntervalSeconds int    `yaml:"ping_interval_seconds"`

	ReconnectDelaySeconds    int     `yaml:"reconnect_delay_seconds"`
	ReconnectMultiplier      float64 `yaml:"reconnect_multiplier"`
	ReconnectMaxDelaySeconds int     `yaml:"reconnect_max_delay_seconds"`
	ReconnectJitter          float64 `yaml:"reconnect_jitter"`
	// 0 — переподключаемся бесконечно.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	NotificationsTopicName   string `yaml:"notifications_topic_name"`
	NotificationsGroupPrefix string `yaml:"notifications_group_prefix"`
	ActionsTopicName         string `yaml:"actions_topic_name"`
	JournalEnabled           bool   `yaml:"journal_enabled"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// PaymentConfig: RecordTTLSeconds > 0 lets a redis mark expire, after which the same ref can be
// confirmed again. 0 keeps marks forever.
type PaymentConfig struct {
	RecordBackend      string `yaml:"record_backend"` // "memory" | "redis" | "postgres"
	RecordTTLSeconds   int    `yaml:"record_ttl_seconds"`
	RecordKeyPrefix    string `yaml:"record_key_prefix"`
	RetryLimit         int    `yaml:"retry_limit"`
	RetryWindowSeconds int    `yaml:"retry_window_seconds"`
}

type SessionConfig struct {
	UserID      string `yaml:"user_id"`
	HTTPAddr    string `yaml:"http_addr"`
	SwaggerPath string `yaml:"swagger_path"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

// PostgresDSN собирает строку подключения; ssl_mode по умолчанию disable.
func (c DatabaseConfig) PostgresDSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.DBName, sslMode)
}

func (c KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Host, c.Port)}
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
