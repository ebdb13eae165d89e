package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	TenantID string        `mapstructure:"tenant_id"`
	Server   ServerConfig  `mapstructure:"server"`
	Redis    RedisConfig   `mapstructure:"redis"`
	Kafka    KafkaConfig   `mapstructure:"kafka"`
	Log      LogConfig     `mapstructure:"log"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
	OCPP     OCPPConfig    `mapstructure:"ocpp"`
	Session  SessionConfig `mapstructure:"session"`
	Command  CommandConfig `mapstructure:"command"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	NotificationTopic string        `mapstructure:"notification_topic"`
	FlushFrequency    time.Duration `mapstructure:"flush_frequency"`
	RetryMax          int           `mapstructure:"retry_max"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig 监控指标配置
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// OCPPConfig OCPP协议配置
type OCPPConfig struct {
	SupportedVersions []string      `mapstructure:"supported_versions"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// BootConfigPullDelay 启动通知后拉取配置快照的延迟
	BootConfigPullDelay time.Duration `mapstructure:"boot_config_pull_delay"`
}

// SessionConfig 充电会话配置
type SessionConfig struct {
	// RemoteStopWindow 远程停止指令对停止标签归属的有效窗口
	RemoteStopWindow time.Duration `mapstructure:"remote_stop_window"`
	// EndOfChargeInactivity 触发充电结束通知的累计非活跃时长
	EndOfChargeInactivity time.Duration `mapstructure:"end_of_charge_inactivity"`
	// EndOfChargeSoC 触发充电结束通知的电量百分比
	EndOfChargeSoC int `mapstructure:"end_of_charge_soc"`
	// ApproachingFullSoC 触发接近充满通知的电量百分比
	ApproachingFullSoC int `mapstructure:"approaching_full_soc"`
	// OrganizationsEnabled 是否启用多租户组织能力（站点/站区标记）
	OrganizationsEnabled bool `mapstructure:"organizations_enabled"`
	// AllowCrossUserStop 站点策略：是否允许任意用户停止他人的会话
	AllowCrossUserStop bool `mapstructure:"allow_cross_user_stop"`
	// PricePerKWh 内置兜底计价的千瓦时单价（未接入外部计价协作方时使用）
	PricePerKWh float64 `mapstructure:"price_per_kwh"`
	// Currency 内置兜底计价的币种
	Currency string `mapstructure:"currency"`
}

// CommandConfig 下行指令配置
type CommandConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load 加载配置
func Load() (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("CSMS")
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults() {
	viper.SetDefault("tenant_id", "default")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.dial_timeout", 5*time.Second)

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.notification_topic", "csms-notifications")
	viper.SetDefault("kafka.flush_frequency", 500*time.Millisecond)
	viper.SetDefault("kafka.retry_max", 3)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.output", "stdout")

	viper.SetDefault("metrics.addr", ":9090")

	viper.SetDefault("ocpp.supported_versions", []string{"1.2", "1.5", "1.6"})
	viper.SetDefault("ocpp.heartbeat_interval", 5*time.Minute)
	viper.SetDefault("ocpp.boot_config_pull_delay", 30*time.Second)

	viper.SetDefault("session.remote_stop_window", 60*time.Second)
	viper.SetDefault("session.end_of_charge_inactivity", 30*time.Minute)
	viper.SetDefault("session.end_of_charge_soc", 100)
	viper.SetDefault("session.approaching_full_soc", 85)
	viper.SetDefault("session.organizations_enabled", false)
	viper.SetDefault("session.allow_cross_user_stop", false)
	viper.SetDefault("session.price_per_kwh", 0.30)
	viper.SetDefault("session.currency", "EUR")

	viper.SetDefault("command.request_timeout", 30*time.Second)
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetMetricsAddr 获取监控地址
func (c *Config) GetMetricsAddr() string {
	return c.Metrics.Addr
}
