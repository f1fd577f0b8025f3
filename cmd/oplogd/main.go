// oplogd hosts the durable operation log, the per-session transaction
// registry, and the write observer, and exposes the Prometheus /metrics
// endpoint when telemetry is enabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cainiaofei/mongo/core/observer"
	"github.com/cainiaofei/mongo/core/oplog"
	"github.com/cainiaofei/mongo/core/txn"
	"github.com/cainiaofei/mongo/pkg/config"
	"github.com/cainiaofei/mongo/pkg/logger"
	"github.com/cainiaofei/mongo/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	dir := flag.String("dir", "", "oplog directory (overrides config)")
	flag.Parse()

	conf := config.Default()
	if *configPath != "" {
		var err error
		conf, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	if *dir != "" {
		conf.Oplog.Dir = *dir
	}

	log, err := logger.New(conf.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(conf, log); err != nil {
		log.Fatal("oplogd failed", zap.Error(err))
	}
}

func run(conf config.Config, log *zap.Logger) error {
	tel, telShutdown, err := telemetry.New(conf.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telShutdown(ctx); err != nil {
			log.Error("telemetry shutdown failed", zap.Error(err))
		}
	}()

	metrics, err := txn.NewMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create transaction metrics: %w", err)
	}

	oplogDB, err := oplog.NewDiskLog(conf.Oplog.Dir, log, oplog.DiskLogOptions{
		SegmentSizeLimit: conf.Oplog.SegmentSizeLimitBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to open oplog at %s: %w", conf.Oplog.Dir, err)
	}

	sessions := txn.NewRegistry(oplogDB, txn.NewMemoryStore(), log, metrics, conf.Oplog.MaxEntrySizeBytes)
	obs := observer.New(oplogDB, sessions, log)
	obs.FormatProvider = func() oplog.EntryFormat { return conf.Oplog.Format }
	obs.SetFatalHandler(func(msg string, fields ...zap.Field) {
		log.Fatal(msg, fields...)
	})

	log.Info("oplogd ready",
		zap.String("dir", conf.Oplog.Dir),
		zap.String("format", string(conf.Oplog.Format)),
		zap.Bool("telemetryEnabled", conf.Telemetry.Enabled),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	if err := oplogDB.Close(); err != nil {
		return fmt.Errorf("failed to close oplog: %w", err)
	}
	return nil
}
