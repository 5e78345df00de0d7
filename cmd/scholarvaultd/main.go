package main

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"BioScholar-Vault/internal/api"
	"BioScholar-Vault/internal/auth"
	"BioScholar-Vault/internal/config"
	"BioScholar-Vault/internal/grant"
	"BioScholar-Vault/internal/ledger"
	"BioScholar-Vault/internal/observability/alerting"
	"BioScholar-Vault/internal/observability/metrics"
	"BioScholar-Vault/internal/payout"
	"BioScholar-Vault/internal/storage/mysql"
	"BioScholar-Vault/internal/web3/provider"
	"BioScholar-Vault/pkg/logger"
)

// main 是 scholarvaultd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("scholarvaultd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	var db *sql.DB
	if cfg.Ledger.Driver == "mysql" || cfg.Payout.Store == "mysql" || cfg.Auth.Store == "mysql" {
		db, err = mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer db.Close()
	}

	substrate, vault, closeLedger, err := openLedger(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeLedger.Close()
	logger.L().Info("账本已就绪",
		slog.String("driver", cfg.Ledger.Driver),
		slog.String("chain_tag", cfg.Ledger.ChainTag),
		slog.String("vault", vault.Hex()),
	)

	registry := metrics.New()
	authorizer := grant.NewAuthorizer(substrate,
		grant.WithRecorder(registry),
		grant.WithAuditLogger(logger.Audit()),
	)

	var store payout.Store
	switch cfg.Payout.Store {
	case "mysql":
		store = mysql.NewPayoutStore(db)
	default:
		store = payout.NewMemoryStore()
	}

	queue, err := openQueue(ctx, cfg.Payout.Queue)
	if err != nil {
		return err
	}

	dispatcher, err := buildAlerts(cfg.Alerts)
	if err != nil {
		return err
	}

	service := payout.NewService(store, queue, cfg.Payout.MaxRetries)
	defer func() {
		if err := service.Close(); err != nil {
			logger.L().Warn("关闭发放服务失败", slog.Any("error", err))
		}
	}()

	processorOpts := []payout.ProcessorOption{
		payout.WithWorkerCount(cfg.Payout.Workers),
		payout.WithProcessorLogger(logger.Named("payout")),
		payout.WithAlertDispatcher(dispatcher),
	}
	if resolver, ok := substrate.(ledger.ReceiptResolver); ok {
		processorOpts = append(processorOpts,
			payout.WithReceiptResolver(resolver, time.Duration(cfg.Payout.ReconcileSeconds)*time.Second))
	}
	processor := payout.NewProcessor(authorizer, store, queue, queue, processorOpts...)
	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("发放处理器异常退出", slog.Any("error", err))
		}
	}()

	authService, err := buildAuth(ctx, cfg.Auth, db)
	if err != nil {
		return err
	}

	opts := api.Options{
		Address:      cfg.Server.Address,
		Payouts:      service,
		Balances:     substrate,
		Auth:         authService,
		Metrics:      registry,
		ChainTag:     cfg.Ledger.ChainTag,
		DefaultVault: vault,
	}
	if cfg.Server.RateLimit.Enabled {
		opts.RateLimit = api.RateLimit{
			RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             cfg.Server.RateLimit.Burst,
		}
	}
	if chains, ok := closeLedger.(chainCloser); ok {
		opts.Chains = chains.registry
	}

	if err := api.NewServer(opts).Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("scholarvaultd 已退出")
	return nil
}

// ledgerCloser 释放账本持有的外部资源。
type ledgerCloser interface {
	Close()
}

type noopCloser struct{}

func (noopCloser) Close() {}

// chainCloser 持有 evm 账本的链客户端注册表。
type chainCloser struct {
	registry *provider.Registry
}

func (c chainCloser) Close() { c.registry.Close() }

// openLedger 按驱动构造账本，返回放款所用的托管账户。
func openLedger(ctx context.Context, cfg *config.Config, db *sql.DB) (ledger.Substrate, common.Address, ledgerCloser, error) {
	switch cfg.Ledger.Driver {
	case "memory":
		vault := common.HexToAddress(cfg.Ledger.Vault)
		mem := ledger.NewMemoryLedger()
		mem.Open(vault, 0)
		for _, seed := range cfg.Ledger.Accounts {
			mem.Open(common.HexToAddress(seed.Address), seed.Balance)
		}
		return mem, vault, noopCloser{}, nil
	case "mysql":
		vault := common.HexToAddress(cfg.Ledger.Vault)
		book := mysql.NewLedger(db)
		seeds := append([]config.AccountSeed{{Address: vault.Hex()}}, cfg.Ledger.Accounts...)
		if err := seedAccounts(ctx, book, seeds); err != nil {
			return nil, common.Address{}, nil, err
		}
		return book, vault, noopCloser{}, nil
	case "evm":
		key, err := parseVaultKey(cfg.Web3.VaultPrivateKey)
		if err != nil {
			return nil, common.Address{}, nil, err
		}
		vault := crypto.PubkeyToAddress(key.PublicKey)
		if cfg.Ledger.Vault != "" && common.HexToAddress(cfg.Ledger.Vault) != vault {
			return nil, common.Address{}, nil, fmt.Errorf("ledger.vault %s 与托管私钥地址 %s 不一致", cfg.Ledger.Vault, vault.Hex())
		}
		registry, err := provider.NewRegistry(ctx, cfg.Web3, key)
		if err != nil {
			return nil, common.Address{}, nil, err
		}
		client, err := registry.DefaultClient()
		if err != nil {
			registry.Close()
			return nil, common.Address{}, nil, err
		}
		return client, vault, chainCloser{registry: registry}, nil
	default:
		return nil, common.Address{}, nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

// accountSeeder 只在账户不存在时开户。
type accountSeeder interface {
	Seed(ctx context.Context, account common.Address, balance uint64) (bool, error)
}

// seedAccounts 写入配置的初始账户。已存在的账户不会被改动，被提空的金库
// 重启后仍是 0。
func seedAccounts(ctx context.Context, seeder accountSeeder, seeds []config.AccountSeed) error {
	for _, seed := range seeds {
		account := common.HexToAddress(seed.Address)
		created, err := seeder.Seed(ctx, account, seed.Balance)
		if err != nil {
			return err
		}
		if created {
			logger.L().Info("已初始化账户", slog.String("account", account.Hex()), slog.Uint64("balance", seed.Balance))
		}
	}
	return nil
}

func parseVaultKey(raw string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析托管私钥失败: %w", err)
	}
	return key, nil
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (payout.Queue, error) {
	switch cfg.Driver {
	case "redis":
		return payout.NewRedisQueue(ctx, payout.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return payout.NewRabbitMQQueue(payout.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		size := cfg.Buffer
		if size <= 0 {
			size = 1024
		}
		return payout.NewMemoryQueue(size), nil
	}
}

// buildAlerts 始终写审计日志，配置了 webhook 时同时推送 Slack。
func buildAlerts(cfg config.AlertConfig) (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Audit()}}
	if cfg.SlackWebhookURL != "" {
		sender, err := alerting.NewWebhookSender(cfg.SlackWebhookURL, 5*time.Second)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, &alerting.SlackNotifier{Sender: sender, ChannelID: cfg.SlackChannel})
	}
	return alerting.NewFanout(notifiers...), nil
}

func buildAuth(ctx context.Context, cfg config.AuthConfig, db *sql.DB) (*auth.Service, error) {
	seeds := make([]auth.Seed, 0, len(cfg.Operators))
	for _, op := range cfg.Operators {
		seeds = append(seeds, auth.Seed{
			Username:    op.Username,
			Password:    op.Password,
			Permissions: op.Permissions,
			Disabled:    op.Disabled,
		})
	}

	var store auth.Store
	switch cfg.Store {
	case "mysql":
		store = mysql.NewOperatorStore(db)
	default:
		store = auth.NewMemoryStore()
	}

	return auth.NewService(ctx, auth.Config{
		Mode: auth.Mode(cfg.Mode),
		JWT: auth.JWTOptions{
			Secret:    cfg.JWT.Secret,
			Issuer:    cfg.JWT.Issuer,
			AccessTTL: int64(cfg.JWT.TTLSeconds),
		},
		Seeds: seeds,
	}, store)
}
