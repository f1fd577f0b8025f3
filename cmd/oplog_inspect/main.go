// oplog_inspect opens an operation log directory and dumps its entries as
// JSON lines, for operators diagnosing replication or transaction issues.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/cainiaofei/mongo/core/oplog"
	"github.com/cainiaofei/mongo/pkg/config"
	"github.com/cainiaofei/mongo/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	dir := flag.String("dir", "", "oplog directory (overrides config)")
	from := flag.Uint64("from", 0, "dump entries with timestamp >= from")
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

	// Inspection output goes to stdout; keep operational logs off it.
	conf.Logger.OutputFile = "stderr"
	log, err := logger.New(conf.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(conf, log, oplog.Timestamp(*from)); err != nil {
		log.Fatal("inspection failed", zap.Error(err))
	}
}

func run(conf config.Config, log *zap.Logger, from oplog.Timestamp) error {
	oplogDB, err := oplog.NewDiskLog(conf.Oplog.Dir, log, oplog.DiskLogOptions{
		SegmentSizeLimit: conf.Oplog.SegmentSizeLimitBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to open oplog at %s: %w", conf.Oplog.Dir, err)
	}
	defer oplogDB.Close()

	reader, err := oplogDB.NewReader(from)
	if err != nil {
		return err
	}
	defer reader.Close()

	enc := json.NewEncoder(os.Stdout)
	count := 0
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read entry: %w", err)
		}
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("failed to encode entry: %w", err)
		}
		count++
	}
	log.Info("inspection complete", zap.Int("entries", count))
	return nil
}
