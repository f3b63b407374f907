package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Solana   SolanaConfig   `mapstructure:"solana"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Env  string `mapstructure:"env"`
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
	PayoutResult string `mapstructure:"payout_result"`
}

// SolanaConfig 链节点配置
type SolanaConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // 单次 RPC 调用超时
}

// BusinessConfig 结算策略配置
//
// 这些值决定了资金风险容忍度，必须可配置，不允许写死在代码里
type BusinessConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`           // 结算轮询间隔
	MissingTxMaxTicks     int           `mapstructure:"missing_tx_max_ticks"`    // 未提交交易的容忍轮次
	StatusRetryCeiling    int           `mapstructure:"status_retry_ceiling"`    // 状态查询失败重试上限
	ConfirmTimeout        time.Duration `mapstructure:"confirm_timeout"`         // 链上确认超时
	OutstandingBatchSize  int           `mapstructure:"outstanding_batch_size"`  // 单轮处理的最大记录数
	WorkerLeaseExpiration time.Duration `mapstructure:"worker_lease_expiration"` // 多实例租约过期时间
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

	GlobalConfig = config
	return config
}

// DefaultBusinessConfig 默认结算策略，配置缺省时使用
func DefaultBusinessConfig() BusinessConfig {
	return BusinessConfig{
		PollInterval:          10 * time.Second,
		MissingTxMaxTicks:     3,
		StatusRetryCeiling:    5,
		ConfirmTimeout:        10 * time.Minute,
		OutstandingBatchSize:  100,
		WorkerLeaseExpiration: 30 * time.Second,
	}
}
