package config

import (
	"os"
	"strconv"
	"time"
)

// Config wellsync 设备同步服务配置
type Config struct {
	UserID string

	Platform struct {
		Override string // 为空时按运行环境探测；"ios"/"android"/"web"
	}

	Redis struct {
		Enabled  bool
		Addr     string
		Password string
		DB       int
	}

	Backend BackendConfig

	Sync SyncConfig

	MQTT MQTTConfig

	Log struct {
		Level  string
		Format string
	}

	Events struct {
		Stream string // Redis Streams 事件流名称
	}
}

// BackendConfig 远端数据服务配置
type BackendConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	Region     string // 区域路由提示，内容对本服务不透明
}

// SyncConfig 同步节奏配置
type SyncConfig struct {
	Frequency         time.Duration // 周期同步间隔（默认 5 分钟）
	MockFrequency     time.Duration // mock 设备同步间隔（默认 30 秒）
	InitialWindowDays int           // 初始同步回溯窗口（默认 30 天）
}

// MQTTConfig MQTT 触发同步配置（默认禁用）
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

func Load() *Config {
	cfg := &Config{}

	cfg.UserID = getEnv("USER_ID", "")
	cfg.Platform.Override = getEnv("PLATFORM", "")

	// Default to true: without redis the service falls back to the in-memory KV,
	// which loses connection state across restarts.
	cfg.Redis.Enabled = getEnv("REDIS_ENABLED", "true") == "true"
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.Backend.BaseURL = getEnv("BACKEND_BASE_URL", "http://localhost:8080")
	cfg.Backend.Timeout = parseDuration(getEnv("BACKEND_TIMEOUT", "30s"), 30*time.Second)
	cfg.Backend.RetryCount = parseInt(getEnv("BACKEND_RETRY_COUNT", "3"), 3)
	cfg.Backend.Region = getEnv("BACKEND_REGION", "")

	cfg.Sync.Frequency = parseDuration(getEnv("SYNC_FREQUENCY", "5m"), 5*time.Minute)
	cfg.Sync.MockFrequency = parseDuration(getEnv("SYNC_MOCK_FREQUENCY", "30s"), 30*time.Second)
	cfg.Sync.InitialWindowDays = parseInt(getEnv("SYNC_INITIAL_WINDOW_DAYS", "30"), 30)

	// MQTT 触发同步（厂家推送通知），默认禁用
	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wellsync-agent")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "wellsync/sync")
	cfg.MQTT.QoS = byte(parseInt(getEnv("MQTT_QOS", "1"), 1))

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.Events.Stream = getEnv("EVENTS_STREAM", "wellsync:events")

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
