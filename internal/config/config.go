package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Device   DeviceConfig   `mapstructure:"device"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// TerminalConfig 收银终端，一个终端同一时刻只允许一笔现金交易
type TerminalConfig struct {
	ID       string `mapstructure:"id"`
	WorkerID int64  `mapstructure:"worker_id"`
}

// DeviceConfig 现金机连接配置
type DeviceConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Mock              bool          `mapstructure:"mock"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	ErrorPollInterval time.Duration `mapstructure:"error_poll_interval"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	SettlementResult string `mapstructure:"settlement_result"`
	SettlementStatus string `mapstructure:"settlement_status"`
}

type BusinessConfig struct {
	MaxRetryCount           int           `mapstructure:"max_retry_count"`
	InterruptedAfterMinutes int           `mapstructure:"interrupted_after_minutes"`
	TerminalLockTTL         time.Duration `mapstructure:"terminal_lock_ttl"`
	SnapshotTTL             time.Duration `mapstructure:"snapshot_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("terminal.id", "T001")
	v.SetDefault("terminal.worker_id", 1)
	v.SetDefault("device.base_url", "")
	v.SetDefault("device.mock", false)
	v.SetDefault("device.call_timeout", "0s")
	v.SetDefault("device.error_poll_interval", "1s")
	v.SetDefault("device.http_timeout", "0s")
	v.SetDefault("kafka.topic.settlement_result", "cash_settlement_result")
	v.SetDefault("kafka.topic.settlement_status", "cash_settlement_status")
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.interrupted_after_minutes", 30)
	v.SetDefault("business.terminal_lock_ttl", "2h")
	v.SetDefault("business.snapshot_ttl", "24h")
}

// Load 读取配置文件，环境变量 CASHSETTLE_* 可覆盖（如 CASHSETTLE_DEVICE_BASE_URL）
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("cashsettle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfig 加载配置文件，失败直接退出
func LoadConfig(configPath string) *Config {
	config, err := Load(configPath)
	if err != nil {
		log.Fatalf("加载配置文件失败: %v", err)
	}
	return config
}
