package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"BioScholar-Vault/pkg/logger"
)

// DefaultPath 是未设置 SCHOLARVAULT_CONFIG 时使用的配置文件位置。
const DefaultPath = "configs/scholarvault.json"

var validate = validator.New()

// Config 描述了 scholarvaultd 在启动阶段需要加载的全部配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Ledger  LedgerConfig  `json:"ledger"`
	Storage StorageConfig `json:"storage"`
	Payout  PayoutConfig  `json:"payout"`
	Auth    AuthConfig    `json:"auth"`
	Web3    Web3Config    `json:"web3"`
	Alerts  AlertConfig   `json:"alerts"`
	Logging logger.Config `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址与限流参数。
type ServerConfig struct {
	Address   string          `json:"address" validate:"required"`
	RateLimit RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig 描述按客户端 IP 的令牌桶限流。
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" validate:"gte=0"`
	Burst             int     `json:"burst" validate:"gte=0"`
}

// LedgerConfig 选择承载转账的底层账本。
type LedgerConfig struct {
	// Driver 取值 memory、mysql 或 evm。
	Driver string `json:"driver" validate:"oneof=memory mysql evm"`
	// Vault 是托管资金的账户地址，未配置时从托管私钥推导。
	Vault string `json:"vault" validate:"omitempty,eth_addr"`
	// ChainTag 写入签名消息，防止同一签名在其他账本上重放。默认取驱动名。
	ChainTag string `json:"chain_tag"`
	// Accounts 仅在 memory/mysql 驱动下用于开户与初始余额。
	Accounts []AccountSeed `json:"accounts" validate:"dive"`
}

// AccountSeed 表示一条初始账户记录。
type AccountSeed struct {
	Address string `json:"address" validate:"required,eth_addr"`
	Balance uint64 `json:"balance"`
}

// StorageConfig 统一描述 MySQL 的连接信息，账本与发放记录共用同一个库。
type StorageConfig struct {
	MySQL MySQLConfig `json:"mysql"`
}

// MySQLConfig 对应 database/sql 连接池的参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns           int    `json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" validate:"gte=0"`
}

// PayoutConfig 描述异步发放流水线。
type PayoutConfig struct {
	Store      string      `json:"store" validate:"oneof=memory mysql"`
	Queue      QueueConfig `json:"queue"`
	Workers    int         `json:"workers" validate:"gte=1"`
	MaxRetries int         `json:"max_retries" validate:"gte=1"`
	// ReconcileSeconds 是查询未确认链上转账的间隔。
	ReconcileSeconds int `json:"reconcile_seconds" validate:"gte=0"`
}

// QueueConfig 选择消息队列实现。
type QueueConfig struct {
	Driver   string         `json:"driver" validate:"oneof=memory redis rabbitmq"`
	Buffer   int            `json:"buffer" validate:"gte=0"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 对应 Redis list 队列。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db" validate:"gte=0"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" validate:"gte=0"`
}

// RabbitMQConfig 对应 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch" validate:"gte=0"`
	Durable  bool   `json:"durable"`
}

// AuthConfig 控制运维接口的访问校验。
type AuthConfig struct {
	Mode string    `json:"mode" validate:"oneof=disabled jwt"`
	JWT  JWTConfig `json:"jwt"`
	// Store 决定运维账号的存放位置，默认 memory。
	Store     string         `json:"store" validate:"oneof=memory mysql"`
	Operators []OperatorSeed `json:"operators" validate:"dive"`
}

// OperatorSeed 描述启动时写入的运维账号。
type OperatorSeed struct {
	Username    string   `json:"username" validate:"required"`
	Password    string   `json:"password" validate:"required,min=8"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// JWTConfig 描述 HS256 令牌的签发参数。
type JWTConfig struct {
	Secret     string `json:"secret"`
	Issuer     string `json:"issuer"`
	TTLSeconds int    `json:"ttl_seconds" validate:"gte=0"`
}

// Web3Config 包含访问区块链节点所需的参数。
type Web3Config struct {
	ChainConfig    string `json:"chain_config"`
	DefaultChain   string `json:"default_chain"`
	RPCURL         string `json:"rpc_url"`
	ReceiptTimeout int    `json:"receipt_timeout_seconds" validate:"gte=0"`
	// VaultPrivateKey 只允许通过环境变量注入。
	VaultPrivateKey string `json:"-"`
}

// AlertConfig 描述告警渠道。
type AlertConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url" validate:"omitempty,url"`
	SlackChannel    string `json:"slack_channel"`
}

// envOverrides 是允许从环境变量覆盖的字段。
type envOverrides struct {
	VaultPrivateKey string `env:"SCHOLARVAULT_VAULT_PRIVATE_KEY"`
	RPCURL          string `env:"SCHOLARVAULT_RPC_URL"`
	MySQLDSN        string `env:"SCHOLARVAULT_MYSQL_DSN"`
	JWTSecret       string `env:"SCHOLARVAULT_JWT_SECRET"`
	ListenAddr      string `env:"SCHOLARVAULT_LISTEN_ADDR"`
	LedgerDriver    string `env:"SCHOLARVAULT_LEDGER_DRIVER"`
}

// PathFromEnv 返回配置文件路径，优先读取 SCHOLARVAULT_CONFIG。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv("SCHOLARVAULT_CONFIG")); path != "" {
		return path
	}
	return DefaultPath
}

// Load 解析指定路径的 JSON 配置文件，并叠加 .env 与环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	// .env 不存在时忽略，已存在的环境变量不会被覆盖。
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}
	if overrides.VaultPrivateKey != "" {
		c.Web3.VaultPrivateKey = overrides.VaultPrivateKey
	}
	if overrides.RPCURL != "" {
		c.Web3.RPCURL = overrides.RPCURL
	}
	if overrides.MySQLDSN != "" {
		c.Storage.MySQL.DSN = overrides.MySQLDSN
	}
	if overrides.JWTSecret != "" {
		c.Auth.JWT.Secret = overrides.JWTSecret
	}
	if overrides.ListenAddr != "" {
		c.Server.Address = overrides.ListenAddr
	}
	if overrides.LedgerDriver != "" {
		c.Ledger.Driver = overrides.LedgerDriver
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RequestsPerSecond <= 0 {
			c.Server.RateLimit.RequestsPerSecond = 5
		}
		if c.Server.RateLimit.Burst <= 0 {
			c.Server.RateLimit.Burst = 10
		}
	}

	c.Ledger.Driver = strings.ToLower(strings.TrimSpace(c.Ledger.Driver))
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if strings.TrimSpace(c.Ledger.ChainTag) == "" {
		c.Ledger.ChainTag = c.Ledger.Driver
	}

	c.Payout.Store = strings.ToLower(strings.TrimSpace(c.Payout.Store))
	if c.Payout.Store == "" {
		c.Payout.Store = "memory"
	}
	c.Payout.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Payout.Queue.Driver))
	if c.Payout.Queue.Driver == "" {
		c.Payout.Queue.Driver = "memory"
	}
	if c.Payout.Workers <= 0 {
		c.Payout.Workers = 4
	}
	if c.Payout.MaxRetries <= 0 {
		c.Payout.MaxRetries = 3
	}
	if c.Payout.ReconcileSeconds <= 0 {
		c.Payout.ReconcileSeconds = 30
	}
	if c.Payout.Queue.Redis.Queue == "" {
		c.Payout.Queue.Redis.Queue = "scholarvault:payouts"
	}
	if c.Payout.Queue.RabbitMQ.Queue == "" {
		c.Payout.Queue.RabbitMQ.Queue = "scholarvault.payouts"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	c.Auth.Store = strings.ToLower(strings.TrimSpace(c.Auth.Store))
	if c.Auth.Store == "" {
		c.Auth.Store = "memory"
	}
	if c.Auth.JWT.Issuer == "" {
		c.Auth.JWT.Issuer = "scholarvault"
	}
	if c.Auth.JWT.TTLSeconds <= 0 {
		c.Auth.JWT.TTLSeconds = 3600
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.ReceiptTimeout <= 0 {
		c.Web3.ReceiptTimeout = 60
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}
}

// Validate 检查字段取值以及驱动之间的依赖关系。
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	if (c.Ledger.Driver == "mysql" || c.Payout.Store == "mysql" || c.Auth.Store == "mysql") && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		return errors.New("使用 mysql 驱动时必须配置 storage.mysql.dsn")
	}
	if c.Ledger.Driver == "evm" && strings.TrimSpace(c.Web3.VaultPrivateKey) == "" {
		return errors.New("evm 账本需要通过 SCHOLARVAULT_VAULT_PRIVATE_KEY 提供托管私钥")
	}
	if c.Ledger.Driver != "evm" && c.Ledger.Vault == "" {
		return errors.New("必须配置 ledger.vault")
	}
	if c.Auth.Mode == "jwt" && len(c.Auth.JWT.Secret) < 16 {
		return errors.New("jwt 模式需要至少 16 字节的密钥")
	}
	switch c.Payout.Queue.Driver {
	case "redis":
		if c.Payout.Queue.Redis.Address == "" {
			return errors.New("redis 队列需要配置 payout.queue.redis.address")
		}
	case "rabbitmq":
		if c.Payout.Queue.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 队列需要配置 payout.queue.rabbitmq.url")
		}
	}
	return nil
}
