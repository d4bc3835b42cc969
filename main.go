// Command krds-cache runs the KRDS artifact cache service: a multi-tier
// cache (memory, Redis, file) with content-aware TTL/placement strategies
// and live performance monitoring, exposed over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"krds-cache/internal/cache/backend"
	"krds-cache/internal/cache/manager"
	"krds-cache/internal/cache/monitor"
	"krds-cache/internal/cache/strategy"
	"krds-cache/internal/config"
	"krds-cache/internal/logging"
	"krds-cache/internal/server"
)

func main() {
	if err := run(); err != nil {
		logging.Error("service exited with error", err)
		logging.MustSync()
		os.Exit(1)
	}
	logging.MustSync()
}

func run() error {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewZapLogger(logging.Config{
		Level:      logging.ParseLevel(cfg.LogLevel),
		TimeFormat: time.RFC3339,
		Name:       "krds-cache",
	})
	if err != nil {
		return err
	}
	logging.SetGlobalLogger(logger)

	logging.Info("starting krds-cache",
		logging.Field{Key: "port", Value: cfg.Port},
		logging.Field{Key: "strategy", Value: cfg.StrategyName},
		logging.Field{Key: "backends", Value: cfg.BackendPriority},
	)

	mem := backend.NewMemory(backend.MemoryConfig{
		MaxEntries:    cfg.MemoryMaxEntries,
		MaxBytes:      cfg.MemoryMaxBytes,
		SweepInterval: cfg.MemorySweepInterval,
	})
	rds := backend.NewRedis(backend.RedisConfig{
		Address:           cfg.RedisAddress,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		PoolSize:          cfg.RedisPoolSize,
		KeyPrefix:         cfg.RedisKeyPrefix,
		CompressThreshold: cfg.RedisCompressThreshold,
		RetryAttempts:     cfg.RetryAttempts,
	}, logger)
	files, err := backend.NewFile(backend.FileConfig{
		Dir:               cfg.FileCacheDir,
		MaxBytes:          cfg.FileMaxBytes,
		CompressThreshold: cfg.FileCompressThreshold,
	}, logger)
	if err != nil {
		return err
	}

	// A dead Redis at startup only degrades the fallback chain.
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rds.Ping(pingCtx); err != nil {
		logging.Warn("redis unreachable at startup, continuing degraded", logging.Err(err))
	}
	cancelPing()

	strategyCfg := strategy.DefaultConfig()
	strategyCfg.TTLDefault = cfg.TTLDefault
	strategyCfg.TTLLarge = cfg.TTLLarge
	strategyCfg.TTLFrequent = cfg.TTLFrequent
	strategyCfg.KoreanBoostFactor = cfg.KoreanBoostFactor
	engine := strategy.New(strategyCfg)

	mon := monitor.New(monitor.Thresholds{
		HitRateMin:      cfg.HitRateMin,
		LatencyMax:      cfg.LatencyMax,
		ErrorRateMax:    cfg.ErrorRateMax,
		MemoryUtilMax:   cfg.MemoryUtilMax,
		AvailabilityMin: cfg.AvailabilityMin,
	})

	mgr, err := manager.New(cfg, []backend.Backend{mem, rds, files}, engine, mon, logger)
	if err != nil {
		return err
	}

	// Surface alert lifecycle events in the service log.
	alertDone := make(chan struct{})
	go func() {
		defer close(alertDone)
		for ev := range mon.Subscribe() {
			switch ev.Kind {
			case monitor.EventAlert:
				logging.Warn("cache alert",
					logging.Field{Key: "type", Value: ev.Alert.Type},
					logging.Field{Key: "severity", Value: ev.Alert.Severity},
					logging.Field{Key: "message", Value: ev.Alert.Message},
				)
			case monitor.EventAlertResolved:
				logging.Info("cache alert resolved",
					logging.Field{Key: "type", Value: ev.Alert.Type},
					logging.Field{Key: "message", Value: ev.Alert.Message},
				)
			}
		}
	}()

	srv := server.New(server.NewHandlers(mgr, logger), cfg.Port)
	srv.Start()
	logging.Info("http server listening", logging.Field{Key: "port", Value: cfg.Port})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logging.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("http server shutdown error", logging.Err(err))
	}
	if err := mgr.Shutdown(ctx); err != nil {
		logging.Warn("cache shutdown error", logging.Err(err))
	}
	<-alertDone

	logging.Info("shutdown complete")
	return nil
}
