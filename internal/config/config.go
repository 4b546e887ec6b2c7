package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
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
	CommissionResult string `mapstructure:"commission_result"`
	SettlementResult string `mapstructure:"settlement_result"`
}

type BusinessConfig struct {
	CycleDays                int `mapstructure:"cycle_days"`                 // 奖金池周期天数（默认10天）
	SettleCheckSeconds       int `mapstructure:"settle_check_seconds"`       // 结算触发检查间隔（秒）
	ReconcileIntervalMinutes int `mapstructure:"reconcile_interval_minutes"` // 对账任务间隔（分钟）
	MaxRetryCount            int `mapstructure:"max_retry_count"`            // 消息最大重试次数
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	applyDefaults(config)

	GlobalConfig = config
	return config
}

func applyDefaults(cfg *Config) {
	if cfg.Business.CycleDays <= 0 {
		cfg.Business.CycleDays = 10
	}
	if cfg.Business.SettleCheckSeconds <= 0 {
		cfg.Business.SettleCheckSeconds = 30
	}
	if cfg.Business.ReconcileIntervalMinutes <= 0 {
		cfg.Business.ReconcileIntervalMinutes = 60
	}
	if cfg.Business.MaxRetryCount <= 0 {
		cfg.Business.MaxRetryCount = 5
	}
}
