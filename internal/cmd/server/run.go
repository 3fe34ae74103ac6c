package serverrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	cfgpkg "github.com/xiaokunge/kernel-kprobe-memleak/internal/config"
	httpserver "github.com/xiaokunge/kernel-kprobe-memleak/internal/server/http"
	"github.com/xiaokunge/kernel-kprobe-memleak/internal/trace"
)

// Options for running the server.
type Options struct {
	Config cfgpkg.Config
	// Classes overrides the registered event classes; nil means the
	// builtin set.
	Classes []trace.Desc
}

// NewLogger builds a zap logger for the given level and format ("text" or
// "json").
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if format != "json" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Run starts the trace subsystem and HTTP server and blocks until ctx is
// cancelled or a termination signal arrives. Startup order follows the
// lifecycle contract: class registration, store allocation, then interface
// publication; a publication failure tears the subsystem back down so
// nothing is left half-alive.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config

	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	classes := opts.Classes
	if classes == nil {
		classes = trace.BuiltinClasses()
	}

	sub, err := trace.Init(trace.Options{
		Classes:    classes,
		CPUs:       cfg.EffectiveCPUs(),
		BufferSize: cfg.BufferSize,
		SeqSize:    cfg.SeqSize,
		Overwrite:  cfg.Overwrite,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("trace init: %w", err)
	}
	if sub == nil {
		logger.Info("no event classes registered, nothing to serve")
		return nil
	}
	defer sub.Teardown()

	logger.Info("starting tracepipe server",
		zap.String("http", cfg.HTTPAddr),
		zap.Int("cpus", cfg.EffectiveCPUs()),
		zap.Int("buffer_size", cfg.BufferSize),
		zap.Int("seq_size", cfg.SeqSize),
		zap.Bool("overwrite", cfg.Overwrite))

	hsrv := httpserver.New(sub, logger)
	defer hsrv.Close()
	if err := hsrv.ListenAndServe(sctx, cfg.HTTPAddr); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
