package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"vaultd/internal/api"
	"vaultd/internal/chain"
	"vaultd/internal/config"
	"vaultd/internal/instruction"
	"vaultd/internal/ledger"
	"vaultd/internal/observability/alerting"
	"vaultd/internal/vault"
	"vaultd/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("vaultd exited: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("VAULTD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "vaultd.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	vaultStore, err := buildVaultStore(cfg)
	if err != nil {
		return err
	}
	defer vaultStore.Close()

	instructionStore, err := buildInstructionStore(cfg)
	if err != nil {
		return err
	}
	defer instructionStore.Close()

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("close instruction queue: %v", err)
		}
	}()

	heights, closeHeights, err := buildHeightSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeHeights()

	engine := vault.NewEngine(vaultStore, ledger.NewMemoryLedger(), heights)
	service := instruction.NewService(instructionStore, queue, cfg.Engine.MaxRetries)
	alerter := alerting.NewFanout(&alerting.LogNotifier{})
	processor := instruction.NewProcessor(engine, instructionStore, queue, queue,
		instruction.WithWorkerCount(cfg.Engine.Workers),
		instruction.WithProcessorLogger(logger.Named("processor")),
		instruction.WithAlertDispatcher(alerter),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("instruction processor exited", "error", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, service, engine)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildVaultStore(cfg *config.Config) (vault.Store, error) {
	switch cfg.Storage.VaultStore.Driver {
	case "", "memory":
		return vault.NewMemoryStore(), nil
	case "mysql":
		return vault.NewMySQLStore(vault.MySQLConfig{DSN: cfg.Storage.VaultStore.DSN})
	default:
		return nil, fmt.Errorf("unknown vault store driver: %s", cfg.Storage.VaultStore.Driver)
	}
}

func buildInstructionStore(cfg *config.Config) (instruction.Store, error) {
	switch cfg.Storage.InstructionStore.Driver {
	case "", "memory":
		return instruction.NewMemoryStore(), nil
	case "mysql":
		return instruction.NewMySQLStore(cfg.Storage.InstructionStore.DSN)
	default:
		return nil, fmt.Errorf("unknown instruction store driver: %s", cfg.Storage.InstructionStore.Driver)
	}
}

func buildQueue(cfg *config.Config) (instruction.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return instruction.NewMemoryQueue(cfg.Engine.QueueSize), nil
	case "redis":
		return instruction.NewRedisQueue(instruction.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: cfg.Queue.Redis.BlockWait,
		})
	case "rabbitmq":
		return instruction.NewRabbitMQQueue(instruction.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", cfg.Queue.Driver)
	}
}

func buildHeightSource(ctx context.Context, cfg *config.Config) (chain.HeightSource, func(), error) {
	switch cfg.Chain.Driver {
	case "", "manual":
		return chain.NewManualSource(cfg.Chain.StartHeight), func() {}, nil
	case "ethereum":
		source, err := chain.NewEthereumSource(ctx, chain.EthereumConfig{
			RPCURL:      cfg.Chain.RPCURL,
			CacheWindow: cfg.Chain.CacheWindow,
		})
		if err != nil {
			return nil, nil, err
		}
		return source, source.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown chain driver: %s", cfg.Chain.Driver)
	}
}
