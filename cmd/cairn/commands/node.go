package commands

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/cairn-oracle/cairn/internal/clustercache"
	"github.com/cairn-oracle/cairn/internal/config"
	"github.com/cairn-oracle/cairn/internal/evaluator"
	"github.com/cairn-oracle/cairn/internal/mailbox"
	"github.com/cairn-oracle/cairn/internal/store"
)

// mailboxDir is where proposals live inside the state directory.
const mailboxDir = "mailbox"

func openStore(cfg *config.Config, logger *zap.Logger) (*store.Store, error) {
	return store.New(cfg.StateDir, store.Options{
		LockTimeout: cfg.LockTimeout.Std(),
		BackupKeep:  cfg.BackupKeep,
		Logger:      logger,
	})
}

func openMailbox(cfg *config.Config, logger *zap.Logger) (*mailbox.Mailbox, error) {
	return mailbox.New(filepath.Join(cfg.StateDir, mailboxDir), logger)
}

// newCache picks the shared Redis backend when an address is configured and
// falls back to the in-process one otherwise.
func newCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (clustercache.Cache, error) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-process cluster cache")
		return clustercache.NewMemory(cfg.CacheTTL.Std()), nil
	}
	logger.Info("using redis cluster cache", zap.String("addr", cfg.RedisAddr))
	return clustercache.NewRedis(ctx, cfg.RedisAddr, cfg.CacheTTL.Std())
}

func newEvaluator(cfg *config.Config, logger *zap.Logger) *evaluator.Evaluator {
	return evaluator.New(evaluator.Config{
		Timeout:     cfg.Evaluator.Timeout.Std(),
		Retries:     cfg.Evaluator.Retries,
		Concurrency: cfg.Evaluator.Concurrency,
		RatePerSec:  cfg.Evaluator.RatePerSec,
	}, logger)
}
